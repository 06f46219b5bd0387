// Package storage abstracts the object store holding mail attachments and
// merged artifacts. Logical paths are caller-supplied and derived from
// entity ids, so re-uploads to the same path overwrite in place.
package storage

import "context"

type Store interface {
	// Upload copies a local file to the logical path and returns the
	// stored reference (the logical path itself for both backends).
	Upload(ctx context.Context, localPath, logicalPath string) (string, error)
	// Download copies the stored object to a local file.
	Download(ctx context.Context, storedRef, localPath string) error
	// Delete removes the stored object. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, storedRef string) error
}
