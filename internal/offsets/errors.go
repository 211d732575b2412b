package offsets

import "errors"

// ErrBadFilename is returned when a source filename does not match the
// `<topic>+<partition>+<from>+<to>` convention.
var ErrBadFilename = errors.New("filename does not match <topic>+<partition>+<from>+<to>")
