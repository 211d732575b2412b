package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob" // Azure Blob driver
	_ "gocloud.dev/blob/gcsblob"   // GCS driver
	_ "gocloud.dev/blob/s3blob"    // S3-compatible driver
	"gocloud.dev/gcerrors"
)

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

// BlobDriver implements Driver over any gocloud.dev/blob bucket, covering
// S3, Google Cloud Storage and Azure Blob behind one scheme-dispatched
// client. Works with AWS S3, GCS, Azure Blob, and S3-compatible services
// (MinIO, R2, B2) given the right bucket URL.
type BlobDriver struct {
	bucket *blob.Bucket
}

// OpenS3 opens an S3 (or S3-compatible) bucket. endpoint and region may be
// empty to use the AWS default resolution chain.
func OpenS3(ctx context.Context, bucketName, endpoint, region string) (*BlobDriver, error) {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)
	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL += "?" + params.Encode()
	}
	return openBucket(ctx, bucketURL)
}

// OpenGCS opens a Google Cloud Storage bucket.
func OpenGCS(ctx context.Context, bucketName string) (*BlobDriver, error) {
	return openBucket(ctx, fmt.Sprintf("gs://%s", bucketName))
}

// OpenAzure opens an Azure Blob container. accountName selects the storage
// account via gocloud.dev's default Azure credential chain.
func OpenAzure(ctx context.Context, containerName, accountName string) (*BlobDriver, error) {
	bucketURL := fmt.Sprintf("azblob://%s", containerName)
	if accountName != "" {
		bucketURL += "?" + url.Values{"account": {accountName}}.Encode()
	}
	return openBucket(ctx, bucketURL)
}

func openBucket(ctx context.Context, bucketURL string) (*BlobDriver, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return &BlobDriver{bucket: bucket}, nil
}

func (b *BlobDriver) Exists(ctx context.Context, path string) (bool, error) {
	ok, err := b.bucket.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", path, err)
	}
	return ok, nil
}

func (b *BlobDriver) Size(ctx context.Context, path string) (int64, error) {
	attrs, err := b.bucket.Attributes(ctx, path)
	if isNotExist(err) {
		return 0, ErrNotExist
	}
	if err != nil {
		return 0, fmt.Errorf("attributes %s: %w", path, err)
	}
	return attrs.Size, nil
}

func (b *BlobDriver) NewInputStream(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := b.bucket.NewReader(ctx, path, nil)
	if isNotExist(err) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("open reader %s: %w", path, err)
	}
	return r, nil
}

// NewBufferedReader buffers the whole object into memory to provide
// io.ReaderAt, since gocloud.dev/blob's reader is sequential-only. This is
// only used for the (typically small) zip-compressed target files that a
// FileCache entry reopens for appending or the cleaner reads back.
func (b *BlobDriver) NewBufferedReader(ctx context.Context, path string) (ReaderAtCloser, error) {
	data, err := b.bucket.ReadAll(ctx, path)
	if isNotExist(err) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &bufferedReaderAt{r: bytes.NewReader(data)}, nil
}

type bufferedReaderAt struct{ r *bytes.Reader }

func (b *bufferedReaderAt) ReadAt(p []byte, off int64) (int, error) { return b.r.ReadAt(p, off) }
func (b *bufferedReaderAt) Size() int64                             { return b.r.Size() }
func (b *bufferedReaderAt) Close() error                            { return nil }

func (b *BlobDriver) Store(ctx context.Context, localStagingPath, targetPath string) error {
	f, err := os.Open(localStagingPath)
	if err != nil {
		return fmt.Errorf("open staged file %s: %w", localStagingPath, err)
	}
	defer f.Close()

	w, err := b.bucket.NewWriter(ctx, targetPath, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", targetPath, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("upload %s: %w", targetPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload %s: %w", targetPath, err)
	}
	f.Close()
	os.Remove(localStagingPath)
	return nil
}

func (b *BlobDriver) Move(ctx context.Context, src, dst string) error {
	if err := b.bucket.Copy(ctx, dst, src, nil); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := b.bucket.Delete(ctx, src); err != nil {
		return fmt.Errorf("delete source %s after move: %w", src, err)
	}
	return nil
}

func (b *BlobDriver) Delete(ctx context.Context, path string) error {
	err := b.bucket.Delete(ctx, path)
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (b *BlobDriver) Walk(ctx context.Context, root string, maxDepth int, fn func(FileInfo) error) error {
	iter := b.bucket.List(&blob.ListOptions{Prefix: root, Delimiter: ""})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list %s: %w", root, err)
		}
		if maxDepth >= 0 && depthBeyond(root, obj.Key) > maxDepth {
			continue
		}
		if err := fn(FileInfo{
			Path:         obj.Key,
			Size:         obj.Size,
			LastModified: obj.ModTime,
			IsDir:        obj.IsDir,
		}); err != nil {
			return err
		}
	}
}

func depthBeyond(root, key string) int {
	suffix := key[len(root):]
	depth := 0
	for _, c := range suffix {
		if c == '/' {
			depth++
		}
	}
	return depth
}

func (b *BlobDriver) Close() error {
	return b.bucket.Close()
}
