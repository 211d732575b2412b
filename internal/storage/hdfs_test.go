package storage

import "testing"

func TestValidateHDFSURI(t *testing.T) {
	valid := []string{
		"hdfs://namenode:8020/data",
		"webhdfs://namenode:9870/data",
		"hdfs:/data",
	}
	for _, v := range valid {
		if !ValidateHDFSURI(v) {
			t.Errorf("expected %q to be valid", v)
		}
	}

	invalid := []string{
		"s3://bucket/data",
		"not a uri",
		"",
	}
	for _, v := range invalid {
		if ValidateHDFSURI(v) {
			t.Errorf("expected %q to be invalid", v)
		}
	}
}
