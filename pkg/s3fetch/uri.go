// Package s3fetch copies dataset directories to and from S3. A remote
// dataset is a key prefix holding the dataset files under their local names.
package s3fetch

import (
	"errors"
	"path"
	"strings"
)

// ParseS3URI parses an S3 URI (s3://bucket/key) into bucket and key components.
func ParseS3URI(uri string) (bucket, key string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", errors.New("invalid S3 URI: must start with s3://")
	}

	rest := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", "", errors.New("invalid S3 URI: missing bucket name")
	}

	bucket = parts[0]
	if len(parts) == 2 {
		key = parts[1]
	}
	return bucket, key, nil
}

// objectKey joins a dataset prefix and a file name.
func objectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// localName maps an object key to a file name inside the dataset directory.
// Only the final key component is used, so keys cannot escape the directory.
func localName(key string) string {
	return path.Base(key)
}
