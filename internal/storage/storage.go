// Package storage provides the object storage backends that receive archived
// delta sources: a local directory or an S3 bucket.
package storage

import (
	"context"

	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
)

// Common errors for storage operations. They match wrapped errors of the same
// category and code through errors.Is.
var (
	ErrObjectNotFound = inverrors.New(inverrors.ErrCategoryIO, inverrors.CodeObjectNotFound, "storage: object not found")
	ErrUploadFailed   = inverrors.New(inverrors.ErrCategoryIO, inverrors.CodeUploadFailed, "storage: upload failed")
	ErrDownloadFailed = inverrors.New(inverrors.ErrCategoryIO, inverrors.CodeReadFailed, "storage: download failed")
	ErrDeleteFailed   = inverrors.New(inverrors.ErrCategoryIO, inverrors.CodeWriteFailed, "storage: delete failed")
)

// ObjectStorage abstracts the archive backend.
type ObjectStorage interface {
	// Upload copies the local file to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath to the local file.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

func wrap(sentinel *inverrors.InventoryError, objectPath string, cause error) error {
	return inverrors.Wrap(sentinel.Category, sentinel.Code, sentinel.Message+": "+objectPath, cause)
}
