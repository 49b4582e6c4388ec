// Package errors defines the storage error taxonomy shared by every transfery
// storage backend, so callers never need to know which backend failed.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// StorageError represents a storage engine failure with a machine-readable
// code, a human-readable message, the HTTP status a handler should return,
// and the optional underlying cause.
type StorageError struct {
	// Code is the taxonomy code (e.g., "UploadNotFound", "PartMissing").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 404, 400).
	HTTPStatus int
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a StorageError with the same code. This lets
// wrapped copies match the package-level sentinels with errors.Is.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Wrap returns a copy of sentinel carrying cause and, when msg is non-empty,
// a more specific message.
func Wrap(sentinel *StorageError, cause error, msg string) *StorageError {
	cp := *sentinel
	cp.Err = cause
	if msg != "" {
		cp.Message = msg
	}
	return &cp
}

// Newf returns a copy of sentinel with a formatted message and no cause.
func Newf(sentinel *StorageError, format string, args ...any) *StorageError {
	cp := *sentinel
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// As extracts the StorageError from err's chain. Errors outside the taxonomy
// are reported as IOFailure so handlers always have a status to return.
func As(err error) *StorageError {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se
	}
	return Wrap(ErrIOFailure, err, "")
}

// Pre-defined storage errors.
var (
	// ErrStorageUnavailable is returned when the medium cannot be reached or
	// created during initialization.
	ErrStorageUnavailable = &StorageError{
		Code:       "StorageUnavailable",
		Message:    "The storage medium is not available",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	// ErrUploadNotFound is returned for an unknown, completed, aborted or
	// expired upload id.
	ErrUploadNotFound = &StorageError{
		Code:       "UploadNotFound",
		Message:    "The specified multipart upload does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrPartMissing is returned when completion references a part that was
	// never uploaded, or the part list is not numbered 1..N.
	ErrPartMissing = &StorageError{
		Code:       "PartMissing",
		Message:    "One or more of the specified parts could not be found",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrIntegrityMismatch is returned when a listed etag does not match the
	// stored part content.
	ErrIntegrityMismatch = &StorageError{
		Code:       "IntegrityMismatch",
		Message:    "The specified part etag does not match the stored content",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrObjectNotFound is returned when downloading or removing an absent key.
	ErrObjectNotFound = &StorageError{
		Code:       "ObjectNotFound",
		Message:    "The specified key does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrIOFailure is returned for filesystem or network faults.
	ErrIOFailure = &StorageError{
		Code:       "IOFailure",
		Message:    "The storage medium reported an I/O failure",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrInvalidPart is returned for part numbers below 1.
	ErrInvalidPart = &StorageError{
		Code:       "InvalidPart",
		Message:    "Part numbers must be positive integers",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidKey is returned for object keys that cannot be stored safely.
	ErrInvalidKey = &StorageError{
		Code:       "InvalidKey",
		Message:    "The specified object key is not valid",
		HTTPStatus: http.StatusBadRequest,
	}
)
