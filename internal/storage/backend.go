// Package storage implements the transfery storage engine: a multipart-upload
// abstraction satisfied either by a remote S3-compatible service or by a
// local-filesystem emulation of the same protocol.
package storage

import (
	"context"
	"io"
	"strings"
	"time"
)

// Backend kinds, as selected by configuration.
const (
	KindLocal = "local"
	KindS3    = "s3"
	KindMinio = "minio"
)

// Backend is the capability set shared by the local and remote backends.
// All methods must be safe for concurrent use.
type Backend interface {
	// Kind reports which backend this is ("local", "s3" or "minio").
	Kind() string

	// Init idempotently ensures the bucket or root directory exists.
	Init(ctx context.Context) error

	// BeginUpload allocates upload state for key and returns its upload id.
	BeginUpload(ctx context.Context, key string) (string, error)

	// UploadPart stores one part of an in-flight upload. Re-uploading the
	// same part number replaces it.
	UploadPart(ctx context.Context, key, uploadID string, number int, r io.Reader) (Part, error)

	// CompleteUpload assembles the listed parts, in ascending part-number
	// order, into the object at key.
	CompleteUpload(ctx context.Context, key, uploadID string, parts []Part) error

	// AbortUpload discards an in-flight upload and its parts.
	AbortUpload(ctx context.Context, key, uploadID string) error

	// Download returns a response descriptor for key: either a redirectable
	// URL or an open byte stream.
	Download(ctx context.Context, key string) (*Download, error)

	// RemoveObject deletes the object at key.
	RemoveObject(ctx context.Context, key string) error

	// RemoveAllObjects deletes every object, leaving the bucket usable.
	RemoveAllObjects(ctx context.Context) error

	// ListObjects returns every stored object, sorted by key.
	ListObjects(ctx context.Context) ([]ObjectInfo, error)

	// HealthCheck verifies that the medium is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases background resources.
	Close() error
}

// Part identifies one uploaded part of a multipart upload.
type Part struct {
	// Number is the 1-based, caller-assigned part number.
	Number int `json:"number"`
	// ETag is the content fingerprint returned when the part was uploaded.
	ETag string `json:"etag"`
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag,omitempty"`
}

// Download is a backend-agnostic download response descriptor. Remote
// backends fill URL with a presigned GET; the local backend fills Body.
type Download struct {
	// URL is set when the caller should redirect the client.
	URL string
	// Body is set when the caller should pipe the content. The caller must
	// close it.
	Body         io.ReadCloser
	Size         int64
	ContentType  string
	FileName     string
	LastModified time.Time
}

// IsRedirect reports whether the descriptor is a URL rather than a stream.
func (d *Download) IsRedirect() bool {
	return d.URL != ""
}

// normalizeETag strips the surrounding quotes S3 puts on entity tags so
// quoted and bare forms compare equal.
func normalizeETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}

// quoteETag renders a bare hex digest in the quoted wire form.
func quoteETag(hexDigest string) string {
	return `"` + hexDigest + `"`
}
