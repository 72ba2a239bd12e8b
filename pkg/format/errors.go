package format

import "errors"

var (
	// ErrInvalidHeader indicates a truncated or inconsistent file header.
	ErrInvalidHeader = errors.New("invalid file header")
	// ErrSizeMismatch indicates the file size disagrees with its header.
	ErrSizeMismatch = errors.New("file size does not match header")
)
