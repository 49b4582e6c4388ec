package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	serr "github.com/transfery/transfery/internal/errors"
	"github.com/transfery/transfery/internal/metrics"
)

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Presigner is the subset of s3.PresignClient used to mint download URLs.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// AWSBackend implements Backend by delegating the multipart protocol to an
// Amazon S3 (or S3-compatible) bucket through the AWS SDK for Go v2. The
// service owns all upload state; the backend keeps none.
type AWSBackend struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Region is the AWS region of the upstream bucket.
	Region string

	client        S3API
	presigner     Presigner
	presignExpiry time.Duration
	logger        *slog.Logger
}

// NewAWSBackend creates an AWSBackend for opts.Bucket. It initializes the AWS
// SDK client using the default credential chain, with optional overrides for
// a custom endpoint, path-style addressing and static credentials.
func NewAWSBackend(ctx context.Context, opts RemoteOptions, logger *slog.Logger) (*AWSBackend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))

	// Use static credentials if provided, otherwise fall back to default chain.
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		endpoint := endpointURL(opts.Endpoint, opts.UseSSL)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if opts.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	b := NewAWSBackendWithClient(opts.Bucket, opts.Region, client, s3.NewPresignClient(client), opts.PresignExpiry, logger)

	b.logger.Info("S3 backend configured", "bucket", opts.Bucket, "region", opts.Region, "endpoint", opts.Endpoint)
	return b, nil
}

// NewAWSBackendWithClient creates an AWSBackend with a pre-configured S3
// client and presigner. This is primarily used for testing with mock clients.
func NewAWSBackendWithClient(bucket, region string, client S3API, presigner Presigner, presignExpiry time.Duration, logger *slog.Logger) *AWSBackend {
	if presignExpiry <= 0 {
		presignExpiry = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AWSBackend{
		Bucket:        bucket,
		Region:        region,
		client:        client,
		presigner:     presigner,
		presignExpiry: presignExpiry,
		logger:        logger.With("backend", KindS3),
	}
}

// endpointURL adds a scheme to a bare host:port endpoint.
func endpointURL(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// Kind implements Backend.
func (b *AWSBackend) Kind() string { return KindS3 }

// Init creates the bucket if it does not exist yet.
func (b *AWSBackend) Init(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	if err == nil {
		return nil
	}
	if !isAWSNotFound(err) {
		return serr.Wrap(serr.ErrStorageUnavailable, err, fmt.Sprintf("cannot access bucket %q", b.Bucket))
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(b.Bucket)}
	if b.Region != "" && b.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.Region),
		}
	}
	if _, err := b.client.CreateBucket(ctx, input); err != nil {
		if awsErrorCode(err) == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return serr.Wrap(serr.ErrStorageUnavailable, err, fmt.Sprintf("creating bucket %q", b.Bucket))
	}
	b.logger.Info("Bucket created", "bucket", b.Bucket)
	return nil
}

// Close is a no-op; the SDK client holds no background resources.
func (b *AWSBackend) Close() error { return nil }

// BeginUpload starts a native multipart upload.
func (b *AWSBackend) BeginUpload(ctx context.Context, key string) (string, error) {
	if err := checkRemoteKey(key); err != nil {
		return "", err
	}
	resp, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(b.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentTypeFor(key)),
	})
	if err != nil {
		return "", translateAWSError(err, "create multipart upload")
	}
	return aws.ToString(resp.UploadId), nil
}

// UploadPart reads the part into memory to compute its MD5, then uploads it
// with a Content-MD5 header so the service verifies the payload.
func (b *AWSBackend) UploadPart(ctx context.Context, key, uploadID string, number int, r io.Reader) (Part, error) {
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

	resp, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(number)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(sum[:])),
	})
	if err != nil {
		return Part{}, translateAWSError(err, fmt.Sprintf("upload part %d", number))
	}

	etag := aws.ToString(resp.ETag)
	if etag == "" {
		etag = quoteETag(hex.EncodeToString(sum[:]))
	}
	metrics.BytesWrittenTotal.Add(float64(len(data)))
	return Part{Number: number, ETag: etag}, nil
}

// CompleteUpload hands the sorted part list to the service, which checks
// each etag against what it stored.
func (b *AWSBackend) CompleteUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	if err := checkRemoteKey(key); err != nil {
		return err
	}
	ordered, err := orderParts(parts)
	if err != nil {
		return err
	}

	completed := make([]types.CompletedPart, 0, len(ordered))
	for _, p := range ordered {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(quoteETag(normalizeETag(p.ETag))),
			PartNumber: aws.Int32(int32(p.Number)),
		})
	}

	_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(b.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return translateAWSError(err, "complete multipart upload")
	}
	b.logger.Info("Upload completed", "key", key, "upload_id", uploadID, "parts", len(ordered))
	return nil
}

// AbortUpload discards a native multipart upload and its stored parts.
func (b *AWSBackend) AbortUpload(ctx context.Context, key, uploadID string) error {
	if err := checkRemoteKey(key); err != nil {
		return err
	}
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return translateAWSError(err, "abort multipart upload")
	}
	return nil
}

// Download checks that the object exists and returns a presigned GET URL
// that serves it as an attachment.
func (b *AWSBackend) Download(ctx context.Context, key string) (*Download, error) {
	if err := checkRemoteKey(key); err != nil {
		return nil, err
	}
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateAWSError(err, "head object")
	}

	fileName := path.Base(key)
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(b.Bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(fmt.Sprintf("attachment; filename=%q", fileName)),
	}, s3.WithPresignExpires(b.presignExpiry))
	if err != nil {
		return nil, serr.Wrap(serr.ErrIOFailure, err, "presigning download URL")
	}

	d := &Download{
		URL:         req.URL,
		Size:        aws.ToInt64(head.ContentLength),
		ContentType: aws.ToString(head.ContentType),
		FileName:    fileName,
	}
	if head.LastModified != nil {
		d.LastModified = *head.LastModified
	}
	return d, nil
}

// RemoveObject deletes key. S3 deletes are idempotent, so existence is
// checked first to report ObjectNotFound consistently with the local backend.
func (b *AWSBackend) RemoveObject(ctx context.Context, key string) error {
	if err := checkRemoteKey(key); err != nil {
		return err
	}
	if _, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return translateAWSError(err, "head object")
	}

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return translateAWSError(err, "delete object")
	}
	return nil
}

// RemoveAllObjects lists every object and batch-deletes each listed page.
func (b *AWSBackend) RemoveAllObjects(ctx context.Context) error {
	removed := 0
	var token *string
	for {
		listResp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.Bucket),
			ContinuationToken: token,
		})
		if err != nil {
			return translateAWSError(err, "list objects")
		}

		if len(listResp.Contents) > 0 {
			objects := make([]types.ObjectIdentifier, 0, len(listResp.Contents))
			for _, obj := range listResp.Contents {
				objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
			}

			delResp, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(b.Bucket),
				Delete: &types.Delete{
					Objects: objects,
					Quiet:   aws.Bool(true),
				},
			})
			if err != nil {
				return translateAWSError(err, "delete objects")
			}
			if len(delResp.Errors) > 0 {
				first := delResp.Errors[0]
				return serr.Newf(serr.ErrIOFailure, "deleting %d objects failed, first %q: %s",
					len(delResp.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
			}
			removed += len(objects)
		}

		if !aws.ToBool(listResp.IsTruncated) {
			break
		}
		token = listResp.NextContinuationToken
	}

	b.logger.Info("Removed all objects", "count", removed)
	return nil
}

// ListObjects pages through ListObjectsV2 and returns every object by key.
func (b *AWSBackend) ListObjects(ctx context.Context) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	var token *string
	for {
		resp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.Bucket),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, translateAWSError(err, "list objects")
		}

		for _, obj := range resp.Contents {
			info := ObjectInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
				ETag: aws.ToString(obj.ETag),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			objects = append(objects, info)
		}

		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})
	return objects, nil
}

// HealthCheck verifies that the upstream S3 bucket is accessible.
func (b *AWSBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	if err != nil {
		return serr.Wrap(serr.ErrStorageUnavailable, err, fmt.Sprintf("cannot access bucket %q", b.Bucket))
	}
	return nil
}

// awsErrorCode extracts the S3 error code from an SDK error, if any.
func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// awsStatusCode extracts the HTTP status of a failed SDK call, if any.
func awsStatusCode(err error) int {
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	switch awsErrorCode(err) {
	case "NoSuchKey", "NotFound", "404", "NoSuchBucket":
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	return awsStatusCode(err) == 404
}

func translateAWSError(err error, action string) error {
	return translateRemoteError(awsErrorCode(err), awsStatusCode(err), err, action)
}

// Ensure AWSBackend implements Backend at compile time.
var _ Backend = (*AWSBackend)(nil)
