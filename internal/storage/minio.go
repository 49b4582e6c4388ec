package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	serr "github.com/transfery/transfery/internal/errors"
	"github.com/transfery/transfery/internal/metrics"
)

// MinioCore is the subset of the minio-go client surface that the backend
// uses: the low-level multipart calls of minio.Core plus the streaming
// listing and batch delete of minio.Client. coreClient adapts a real
// *minio.Core; tests substitute a fake.
type MinioCore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error)
	PutObjectPart(ctx context.Context, bucket, object, uploadID string, partID int, data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PresignedGetObject(ctx context.Context, bucket, object string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObjects(ctx context.Context, bucket string, objectsCh <-chan minio.ObjectInfo, opts minio.RemoveObjectsOptions) <-chan minio.RemoveObjectError
}

// coreClient adapts *minio.Core to MinioCore. Core shadows the channel-based
// ListObjects of the embedded Client with the single-page V1 call.
type coreClient struct {
	*minio.Core
}

// ListObjects streams the bucket listing through the high-level client.
func (c coreClient) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return c.Client.ListObjects(ctx, bucket, opts)
}

var _ MinioCore = coreClient{}

// MinioBackend implements Backend on a MinIO (or other S3-compatible)
// server through minio-go.
type MinioBackend struct {
	Bucket string

	core          MinioCore
	presignExpiry time.Duration
	logger        *slog.Logger
}

// NewMinioBackend creates a MinioBackend talking to opts.Endpoint (host:port)
// with static credentials.
func NewMinioBackend(opts RemoteOptions, logger *slog.Logger) (*MinioBackend, error) {
	core, err := minio.NewCore(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio new client: %w", err)
	}

	b := NewMinioBackendWithCore(opts.Bucket, coreClient{core}, opts.PresignExpiry, logger)
	b.logger.Info("MinIO backend configured", "endpoint", opts.Endpoint, "bucket", opts.Bucket, "ssl", opts.UseSSL)
	return b, nil
}

// NewMinioBackendWithCore creates a MinioBackend over an existing core client.
func NewMinioBackendWithCore(bucket string, core MinioCore, presignExpiry time.Duration, logger *slog.Logger) *MinioBackend {
	if presignExpiry <= 0 {
		presignExpiry = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MinioBackend{
		Bucket:        bucket,
		core:          core,
		presignExpiry: presignExpiry,
		logger:        logger.With("backend", KindMinio),
	}
}

// Kind implements Backend.
func (b *MinioBackend) Kind() string { return KindMinio }

// Init creates the bucket if it does not already exist.
func (b *MinioBackend) Init(ctx context.Context) error {
	exists, err := b.core.BucketExists(ctx, b.Bucket)
	if err != nil {
		return serr.Wrap(serr.ErrStorageUnavailable, err, "check bucket")
	}
	if exists {
		return nil
	}

	if err := b.core.MakeBucket(ctx, b.Bucket, minio.MakeBucketOptions{}); err != nil {
		if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return serr.Wrap(serr.ErrStorageUnavailable, err, "make bucket")
	}
	b.logger.Info("Bucket created", "bucket", b.Bucket)
	return nil
}

// Close is a no-op.
func (b *MinioBackend) Close() error { return nil }

// BeginUpload starts a multipart upload on the server.
func (b *MinioBackend) BeginUpload(ctx context.Context, key string) (string, error) {
	if err := checkRemoteKey(key); err != nil {
		return "", err
	}
	uploadID, err := b.core.NewMultipartUpload(ctx, b.Bucket, key, minio.PutObjectOptions{
		ContentType: contentTypeFor(key),
	})
	if err != nil {
		return "", translateMinioError(err, "new multipart upload")
	}
	return uploadID, nil
}

// UploadPart buffers the part to compute its MD5 and sends it with the
// digest so the server rejects corrupted payloads.
func (b *MinioBackend) UploadPart(ctx context.Context, key, uploadID string, number int, r io.Reader) (Part, error) {
	if err := checkRemoteKey(key); err != nil {
		return Part{}, err
	}
	if err := checkRemotePartNumber(number); err != nil {
		return Part{}, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return Part{}, serr.Wrap(serr.ErrIOFailure, err, "reading part data")
	}
	sum := md5.Sum(data)

	objPart, err := b.core.PutObjectPart(ctx, b.Bucket, key, uploadID, number,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{
			Md5Base64: base64.StdEncoding.EncodeToString(sum[:]),
		})
	if err != nil {
		return Part{}, translateMinioError(err, fmt.Sprintf("put part %d", number))
	}

	etag := objPart.ETag
	if etag == "" {
		etag = hex.EncodeToString(sum[:])
	}
	metrics.BytesWrittenTotal.Add(float64(len(data)))
	return Part{Number: number, ETag: quoteETag(normalizeETag(etag))}, nil
}

// CompleteUpload sends the sorted part list to the server.
func (b *MinioBackend) CompleteUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	if err := checkRemoteKey(key); err != nil {
		return err
	}
	ordered, err := orderParts(parts)
	if err != nil {
		return err
	}

	complete := make([]minio.CompletePart, 0, len(ordered))
	for _, p := range ordered {
		complete = append(complete, minio.CompletePart{
			PartNumber: p.Number,
			ETag:       normalizeETag(p.ETag),
		})
	}

	info, err := b.core.CompleteMultipartUpload(ctx, b.Bucket, key, uploadID, complete, minio.PutObjectOptions{})
	if err != nil {
		return translateMinioError(err, "complete multipart upload")
	}
	b.logger.Info("Upload completed", "key", key, "upload_id", uploadID, "parts", len(ordered), "etag", info.ETag)
	return nil
}

// AbortUpload discards the multipart upload on the server.
func (b *MinioBackend) AbortUpload(ctx context.Context, key, uploadID string) error {
	if err := checkRemoteKey(key); err != nil {
		return err
	}
	if err := b.core.AbortMultipartUpload(ctx, b.Bucket, key, uploadID); err != nil {
		return translateMinioError(err, "abort multipart upload")
	}
	return nil
}

// Download stats the object and returns a presigned GET URL for it.
func (b *MinioBackend) Download(ctx context.Context, key string) (*Download, error) {
	if err := checkRemoteKey(key); err != nil {
		return nil, err
	}
	info, err := b.core.StatObject(ctx, b.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, translateMinioError(err, "stat object")
	}

	fileName := path.Base(key)
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", fileName))

	u, err := b.core.PresignedGetObject(ctx, b.Bucket, key, b.presignExpiry, params)
	if err != nil {
		return nil, serr.Wrap(serr.ErrIOFailure, err, "presigning download URL")
	}

	return &Download{
		URL:          u.String(),
		Size:         info.Size,
		ContentType:  info.ContentType,
		FileName:     fileName,
		LastModified: info.LastModified,
	}, nil
}

// RemoveObject stats then deletes key so that an absent key reports
// ObjectNotFound.
func (b *MinioBackend) RemoveObject(ctx context.Context, key string) error {
	if err := checkRemoteKey(key); err != nil {
		return err
	}
	if _, err := b.core.StatObject(ctx, b.Bucket, key, minio.StatObjectOptions{}); err != nil {
		return translateMinioError(err, "stat object")
	}
	if err := b.core.RemoveObject(ctx, b.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return translateMinioError(err, "remove object")
	}
	return nil
}

// RemoveAllObjects streams every listed object into a batched delete.
func (b *MinioBackend) RemoveAllObjects(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var listErr error
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for obj := range b.core.ListObjects(ctx, b.Bucket, minio.ListObjectsOptions{Recursive: true}) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			select {
			case objectsCh <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	failed := 0
	var firstErr error
	for rerr := range b.core.RemoveObjects(ctx, b.Bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		failed++
		if firstErr == nil {
			firstErr = fmt.Errorf("removing %q: %w", rerr.ObjectName, rerr.Err)
		}
	}

	// RemoveObjects returns only after objectsCh is drained and closed.
	if listErr != nil {
		return translateMinioError(listErr, "list objects")
	}
	if firstErr != nil {
		return serr.Wrap(serr.ErrIOFailure, firstErr, fmt.Sprintf("%d objects could not be removed", failed))
	}
	b.logger.Info("Removed all objects", "bucket", b.Bucket)
	return nil
}

// ListObjects lists the bucket recursively.
func (b *MinioBackend) ListObjects(ctx context.Context) ([]ObjectInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var objects []ObjectInfo
	for obj := range b.core.ListObjects(ctx, b.Bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, translateMinioError(obj.Err, "list objects")
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ETag:         quoteETag(normalizeETag(obj.ETag)),
		})
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})
	return objects, nil
}

// HealthCheck verifies that the bucket is reachable.
func (b *MinioBackend) HealthCheck(ctx context.Context) error {
	exists, err := b.core.BucketExists(ctx, b.Bucket)
	if err != nil {
		return serr.Wrap(serr.ErrStorageUnavailable, err, "check bucket")
	}
	if !exists {
		return serr.Newf(serr.ErrStorageUnavailable, "bucket %q does not exist", b.Bucket)
	}
	return nil
}

func translateMinioError(err error, action string) error {
	resp := minio.ToErrorResponse(err)
	return translateRemoteError(resp.Code, resp.StatusCode, err, action)
}

// Ensure MinioBackend implements Backend at compile time.
var _ Backend = (*MinioBackend)(nil)
