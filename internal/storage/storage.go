// Package storage holds index archives in object storage.
package storage

import (
	"context"
	"errors"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectExists   = errors.New("object already exists")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage is a flat key/value object store. Object paths always use
// forward slashes.
type ObjectStorage interface {
	// Upload copies a local file to objectPath, replacing any existing object.
	Upload(ctx context.Context, localPath, objectPath string) error

	// UploadMultipart uploads a large file in parts and returns the ETag of
	// the stored object.
	UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error)

	// PutIfAbsent uploads only when nothing is stored at objectPath yet and
	// fails with ErrObjectExists otherwise.
	PutIfAbsent(ctx context.Context, localPath, objectPath string) error

	// Download copies an object to a local file. Missing objects fail with
	// ErrObjectNotFound.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object succeeds.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object is stored at objectPath.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns the sorted object paths under prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes. Files up to one part are
	// uploaded with a single request.
	PartSize int64
}

// DefaultMultipartConfig returns 8MB parts.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{PartSize: 8 * 1024 * 1024}
}
