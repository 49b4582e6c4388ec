package storage

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	serr "github.com/transfery/transfery/internal/errors"
)

// maxRemotePartNumber is the highest part number the S3 protocol accepts.
const maxRemotePartNumber = 10000

// RemoteOptions configures an S3-compatible remote backend.
type RemoteOptions struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	UseSSL        bool
	PathStyle     bool
	PresignExpiry time.Duration
}

// checkRemoteKey applies the key rules shared by the remote backends. Remote
// keys are opaque to the service, so only empty and absolute keys are
// rejected.
func checkRemoteKey(key string) error {
	if key == "" {
		return serr.Newf(serr.ErrInvalidKey, "object key is empty")
	}
	if strings.HasPrefix(key, "/") {
		return serr.Newf(serr.ErrInvalidKey, "object key %q must be relative", key)
	}
	return nil
}

func checkRemotePartNumber(number int) error {
	if number < 1 || number > maxRemotePartNumber {
		return serr.Newf(serr.ErrInvalidPart, "part number %d is outside 1..%d", number, maxRemotePartNumber)
	}
	return nil
}

// translateRemoteError maps an S3 error code (and HTTP status as a fallback)
// onto the storage error taxonomy.
func translateRemoteError(code string, status int, cause error, action string) error {
	msg := fmt.Sprintf("%s failed", action)
	switch code {
	case "NoSuchUpload":
		return serr.Wrap(serr.ErrUploadNotFound, cause, msg)
	case "InvalidPart", "InvalidPartOrder":
		return serr.Wrap(serr.ErrPartMissing, cause, msg)
	case "BadDigest", "InvalidDigest":
		return serr.Wrap(serr.ErrIntegrityMismatch, cause, msg)
	case "EntityTooSmall", "EntityTooLarge":
		return serr.Wrap(serr.ErrInvalidPart, cause, msg)
	case "NoSuchKey", "NotFound":
		return serr.Wrap(serr.ErrObjectNotFound, cause, msg)
	case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return serr.Wrap(serr.ErrStorageUnavailable, cause, msg)
	}
	if status == http.StatusNotFound {
		return serr.Wrap(serr.ErrObjectNotFound, cause, msg)
	}
	return serr.Wrap(serr.ErrIOFailure, cause, msg)
}
