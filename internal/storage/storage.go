package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/transfery/transfery/internal/config"
	serr "github.com/transfery/transfery/internal/errors"
	"github.com/transfery/transfery/internal/metrics"
)

// Storage is the single entry point the rest of transfery depends on. It
// owns exactly one Backend, chosen at construction, and records metrics and
// logs for every operation.
type Storage struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	remote := RemoteOptions{
		Endpoint:      cfg.Remote.Endpoint,
		AccessKey:     cfg.Remote.AccessKey,
		SecretKey:     cfg.Remote.SecretKey,
		Bucket:        cfg.Remote.Bucket,
		Region:        cfg.Remote.Region,
		UseSSL:        cfg.Remote.UseSSL,
		PathStyle:     cfg.Remote.PathStyle,
		PresignExpiry: cfg.Remote.PresignExpiry.Duration,
	}

	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case KindLocal, "":
		backend, err = NewLocalBackend(cfg.Local.RootDir, LocalOptions{
			UploadExpiry: cfg.Local.UploadExpiry.Duration,
			ReapInterval: cfg.Local.ReapInterval.Duration,
			Logger:       logger,
		})
	case KindS3:
		backend, err = NewAWSBackend(ctx, remote, logger)
	case KindMinio:
		backend, err = NewMinioBackend(remote, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s storage backend: %w", cfg.Backend, err)
	}

	return NewWithBackend(backend, logger), nil
}

// NewWithBackend wraps an already constructed backend.
func NewWithBackend(backend Backend, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

// Kind reports the selected backend.
func (s *Storage) Kind() string { return s.backend.Kind() }

// ObjectKey derives the stored key for a client file name uploaded now.
func (s *Storage) ObjectKey(fileName string) string {
	return ObjectName(fileName, s.now())
}

func (s *Storage) observe(op string, start time.Time, err error, attrs ...any) {
	metrics.ObserveOperation(s.backend.Kind(), op, start, err)
	if err != nil {
		s.logger.Debug("Storage operation failed",
			append([]any{"backend", s.backend.Kind(), "operation", op, "error", err}, attrs...)...)
	}
}

// Init idempotently ensures the bucket or root directory exists.
func (s *Storage) Init(ctx context.Context) (err error) {
	defer func(start time.Time) { s.observe("init", start, err) }(time.Now())

	if err = s.backend.Init(ctx); err != nil {
		if se := serr.As(err); se.Code != serr.ErrStorageUnavailable.Code {
			err = serr.Wrap(serr.ErrStorageUnavailable, err, "initializing storage")
		}
		return err
	}
	s.logger.Info("Storage initialized", "backend", s.backend.Kind())
	return nil
}

// BeginUpload starts a multipart upload for key and returns its upload id.
func (s *Storage) BeginUpload(ctx context.Context, key string) (uploadID string, err error) {
	defer func(start time.Time) { s.observe("begin_upload", start, err, "key", key) }(time.Now())

	if key == "" {
		return "", serr.Newf(serr.ErrInvalidKey, "object key is empty")
	}
	return s.backend.BeginUpload(ctx, key)
}

// UploadPart stores part number of the upload. Numbers start at 1.
func (s *Storage) UploadPart(ctx context.Context, key, uploadID string, number int, r io.Reader) (part Part, err error) {
	defer func(start time.Time) {
		s.observe("upload_part", start, err, "key", key, "upload_id", uploadID, "part", number)
	}(time.Now())

	if number < 1 {
		return Part{}, serr.Newf(serr.ErrInvalidPart, "part number %d is not positive", number)
	}
	if uploadID == "" {
		return Part{}, serr.Newf(serr.ErrUploadNotFound, "upload id is empty")
	}
	return s.backend.UploadPart(ctx, key, uploadID, number, r)
}

// CompleteUpload assembles the listed parts into the object at key.
func (s *Storage) CompleteUpload(ctx context.Context, key, uploadID string, parts []Part) (err error) {
	defer func(start time.Time) {
		s.observe("complete_upload", start, err, "key", key, "upload_id", uploadID)
	}(time.Now())

	if uploadID == "" {
		return serr.Newf(serr.ErrUploadNotFound, "upload id is empty")
	}
	return s.backend.CompleteUpload(ctx, key, uploadID, parts)
}

// AbortUpload discards an in-flight upload.
func (s *Storage) AbortUpload(ctx context.Context, key, uploadID string) (err error) {
	defer func(start time.Time) {
		s.observe("abort_upload", start, err, "key", key, "upload_id", uploadID)
	}(time.Now())

	if uploadID == "" {
		return serr.Newf(serr.ErrUploadNotFound, "upload id is empty")
	}
	return s.backend.AbortUpload(ctx, key, uploadID)
}

// Download returns a redirect URL (remote backends) or an open stream (local
// backend) for key.
func (s *Storage) Download(ctx context.Context, key string) (d *Download, err error) {
	defer func(start time.Time) { s.observe("download", start, err, "key", key) }(time.Now())
	return s.backend.Download(ctx, key)
}

// RemoveObject deletes the object at key.
func (s *Storage) RemoveObject(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { s.observe("remove_object", start, err, "key", key) }(time.Now())
	return s.backend.RemoveObject(ctx, key)
}

// RemoveAllObjects deletes every object and leaves storage usable.
func (s *Storage) RemoveAllObjects(ctx context.Context) (err error) {
	defer func(start time.Time) { s.observe("remove_all_objects", start, err) }(time.Now())
	return s.backend.RemoveAllObjects(ctx)
}

// ListObjects returns every stored object sorted by key.
func (s *Storage) ListObjects(ctx context.Context) (objects []ObjectInfo, err error) {
	defer func(start time.Time) { s.observe("list_objects", start, err) }(time.Now())

	objects, err = s.backend.ListObjects(ctx)
	if objects == nil && err == nil {
		objects = []ObjectInfo{}
	}
	return objects, err
}

// HealthCheck verifies that the storage medium is reachable.
func (s *Storage) HealthCheck(ctx context.Context) error {
	return s.backend.HealthCheck(ctx)
}

// Close releases background resources held by the backend.
func (s *Storage) Close() error {
	return s.backend.Close()
}
