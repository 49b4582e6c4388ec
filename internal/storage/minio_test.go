package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	serr "github.com/transfery/transfery/internal/errors"
)

// fakeMinioCore implements MinioCore in memory.
type fakeMinioCore struct {
	mu           sync.Mutex
	bucketExists bool
	makeBucket   int
	objects      map[string][]byte
	uploads      map[string]*mockMultipartUpload
	nextUpload   int
	lastPartOpts minio.PutObjectPartOptions
	lastPresign  url.Values
	failRemoval  string
}

func newFakeMinioCore() *fakeMinioCore {
	return &fakeMinioCore{
		bucketExists: true,
		objects:      make(map[string][]byte),
		uploads:      make(map[string]*mockMultipartUpload),
	}
}

func minioErr(code string, status int) error {
	return minio.ErrorResponse{Code: code, Message: code, StatusCode: status}
}

func (f *fakeMinioCore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bucketExists, nil
}

func (f *fakeMinioCore) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.makeBucket++
	f.bucketExists = true
	return nil
}

func (f *fakeMinioCore) NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUpload++
	id := fmt.Sprintf("minio-upload-%d", f.nextUpload)
	f.uploads[id] = &mockMultipartUpload{key: object, parts: make(map[int32][]byte)}
	return id, nil
}

func (f *fakeMinioCore) PutObjectPart(ctx context.Context, bucket, object, uploadID string, partID int, data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPartOpts = opts

	upload, ok := f.uploads[uploadID]
	if !ok {
		return minio.ObjectPart{}, minioErr("NoSuchUpload", http.StatusNotFound)
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return minio.ObjectPart{}, err
	}
	sum := md5.Sum(buf)
	if opts.Md5Base64 != "" && opts.Md5Base64 != base64.StdEncoding.EncodeToString(sum[:]) {
		return minio.ObjectPart{}, minioErr("BadDigest", http.StatusBadRequest)
	}
	upload.parts[int32(partID)] = buf
	return minio.ObjectPart{PartNumber: partID, ETag: fmt.Sprintf("%x", sum), Size: size}, nil
}

func (f *fakeMinioCore) CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	upload, ok := f.uploads[uploadID]
	if !ok {
		return minio.UploadInfo{}, minioErr("NoSuchUpload", http.StatusNotFound)
	}
	var assembled bytes.Buffer
	for _, p := range parts {
		data, ok := upload.parts[int32(p.PartNumber)]
		if !ok || p.ETag != fmt.Sprintf("%x", md5.Sum(data)) {
			return minio.UploadInfo{}, minioErr("InvalidPart", http.StatusBadRequest)
		}
		assembled.Write(data)
	}
	f.objects[upload.key] = assembled.Bytes()
	delete(f.uploads, uploadID)
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(assembled.Len())}, nil
}

func (f *fakeMinioCore) AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.uploads[uploadID]; !ok {
		return minioErr("NoSuchUpload", http.StatusNotFound)
	}
	delete(f.uploads, uploadID)
	return nil
}

func (f *fakeMinioCore) StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[object]
	if !ok {
		return minio.ObjectInfo{}, minioErr("NoSuchKey", http.StatusNotFound)
	}
	return minio.ObjectInfo{Key: object, Size: int64(len(data)), ContentType: "application/octet-stream"}, nil
}

func (f *fakeMinioCore) PresignedGetObject(ctx context.Context, bucket, object string, expires time.Duration, reqParams url.Values) (*url.URL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPresign = reqParams
	return url.Parse(fmt.Sprintf("http://minio.local/%s/%s?X-Amz-Expires=%d", bucket, object, int(expires.Seconds())))
}

func (f *fakeMinioCore) RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, object)
	return nil
}

func (f *fakeMinioCore) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	f.mu.Lock()
	keys := make([]string, 0, len(f.objects))
	infos := make(map[string]minio.ObjectInfo, len(f.objects))
	for key, data := range f.objects {
		keys = append(keys, key)
		infos[key] = minio.ObjectInfo{Key: key, Size: int64(len(data)), ETag: fmt.Sprintf("%x", md5.Sum(data))}
	}
	f.mu.Unlock()
	sort.Strings(keys)

	ch := make(chan minio.ObjectInfo)
	go func() {
		defer close(ch)
		for _, key := range keys {
			select {
			case ch <- infos[key]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (f *fakeMinioCore) RemoveObjects(ctx context.Context, bucket string, objectsCh <-chan minio.ObjectInfo, opts minio.RemoveObjectsOptions) <-chan minio.RemoveObjectError {
	errCh := make(chan minio.RemoveObjectError)
	go func() {
		defer close(errCh)
		for obj := range objectsCh {
			f.mu.Lock()
			fail := obj.Key == f.failRemoval
			if !fail {
				delete(f.objects, obj.Key)
			}
			f.mu.Unlock()
			if fail {
				errCh <- minio.RemoveObjectError{ObjectName: obj.Key, Err: minioErr("AccessDenied", http.StatusForbidden)}
			}
		}
	}()
	return errCh
}

func newTestMinioBackend(t *testing.T) (*MinioBackend, *fakeMinioCore) {
	t.Helper()
	core := newFakeMinioCore()
	return NewMinioBackendWithCore("uploads", core, 10*time.Minute, nil), core
}

func TestMinioMultipartUpload(t *testing.T) {
	backend, core := newTestMinioBackend(t)
	ctx := context.Background()

	uploadID, err := backend.BeginUpload(ctx, "hello.txt")
	if err != nil {
		t.Fatalf("BeginUpload failed: %v", err)
	}
	p1 := mustUploadPart(t, backend, "hello.txt", uploadID, 1, "hello ")
	p2 := mustUploadPart(t, backend, "hello.txt", uploadID, 2, "world")

	if p1.ETag != etagOf("hello ") {
		t.Errorf("part etag = %s, want %s", p1.ETag, etagOf("hello "))
	}
	if core.lastPartOpts.Md5Base64 == "" {
		t.Error("PutObjectPart did not send an MD5 digest")
	}

	if err := backend.CompleteUpload(ctx, "hello.txt", uploadID, []Part{p2, p1}); err != nil {
		t.Fatalf("CompleteUpload failed: %v", err)
	}
	if got := string(core.objects["hello.txt"]); got != "hello world" {
		t.Errorf("stored object = %q, want %q", got, "hello world")
	}
}

func TestMinioErrorsAreTranslated(t *testing.T) {
	backend, _ := newTestMinioBackend(t)
	ctx := context.Background()

	_, err := backend.UploadPart(ctx, "a.txt", "bogus", 1, strings.NewReader("x"))
	if !errors.Is(err, serr.ErrUploadNotFound) {
		t.Errorf("UploadPart: err = %v, want UploadNotFound", err)
	}

	uploadID, _ := backend.BeginUpload(ctx, "a.txt")
	mustUploadPart(t, backend, "a.txt", uploadID, 1, "real")
	err = backend.CompleteUpload(ctx, "a.txt", uploadID, []Part{{Number: 1, ETag: etagOf("fake")}})
	if !errors.Is(err, serr.ErrPartMissing) {
		t.Errorf("CompleteUpload: err = %v, want PartMissing", err)
	}

	if _, err := backend.Download(ctx, "missing.txt"); !errors.Is(err, serr.ErrObjectNotFound) {
		t.Errorf("Download: err = %v, want ObjectNotFound", err)
	}
	if err := backend.RemoveObject(ctx, "missing.txt"); !errors.Is(err, serr.ErrObjectNotFound) {
		t.Errorf("RemoveObject: err = %v, want ObjectNotFound", err)
	}
}

func TestMinioAbortUpload(t *testing.T) {
	backend, core := newTestMinioBackend(t)
	ctx := context.Background()

	uploadID, _ := backend.BeginUpload(ctx, "a.txt")
	if err := backend.AbortUpload(ctx, "a.txt", uploadID); err != nil {
		t.Fatalf("AbortUpload failed: %v", err)
	}
	if len(core.uploads) != 0 {
		t.Error("upload still open after abort")
	}
}

func TestMinioDownloadPresigned(t *testing.T) {
	backend, core := newTestMinioBackend(t)
	core.objects["media/clip.mp4"] = []byte("video")

	d, err := backend.Download(context.Background(), "media/clip.mp4")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if !d.IsRedirect() {
		t.Fatal("remote download should be a redirect")
	}
	if !strings.Contains(d.URL, "X-Amz-Expires=600") {
		t.Errorf("URL = %q does not carry the configured expiry", d.URL)
	}
	if cd := core.lastPresign.Get("response-content-disposition"); !strings.Contains(cd, `filename="clip.mp4"`) {
		t.Errorf("content disposition = %q", cd)
	}
	if d.Size != 5 || d.FileName != "clip.mp4" {
		t.Errorf("descriptor = %+v", d)
	}
}

func TestMinioListAndRemoveAll(t *testing.T) {
	backend, core := newTestMinioBackend(t)
	ctx := context.Background()
	for _, key := range []string{"b.txt", "a.txt", "c.txt"} {
		core.objects[key] = []byte(key)
	}

	objects, err := backend.ListObjects(ctx)
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(objects) != 3 || objects[0].Key != "a.txt" || objects[2].Key != "c.txt" {
		t.Fatalf("ListObjects = %+v", objects)
	}
	if objects[0].ETag != etagOf("a.txt") {
		t.Errorf("etag = %s, want %s", objects[0].ETag, etagOf("a.txt"))
	}

	if err := backend.RemoveAllObjects(ctx); err != nil {
		t.Fatalf("RemoveAllObjects failed: %v", err)
	}
	if len(core.objects) != 0 {
		t.Errorf("%d objects left", len(core.objects))
	}
}

func TestMinioRemoveAllReportsFailures(t *testing.T) {
	backend, core := newTestMinioBackend(t)
	core.objects["locked.txt"] = []byte("x")
	core.objects["free.txt"] = []byte("y")
	core.failRemoval = "locked.txt"

	err := backend.RemoveAllObjects(context.Background())
	if !errors.Is(err, serr.ErrIOFailure) {
		t.Fatalf("RemoveAllObjects: err = %v, want IOFailure", err)
	}
	if _, ok := core.objects["free.txt"]; ok {
		t.Error("removable object was not removed")
	}
}

func TestMinioInitCreatesBucket(t *testing.T) {
	backend, core := newTestMinioBackend(t)
	core.bucketExists = false

	if err := backend.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := backend.Init(context.Background()); err != nil {
		t.Fatalf("second Init failed: %v", err)
	}
	if core.makeBucket != 1 {
		t.Errorf("MakeBucket called %d times, want 1", core.makeBucket)
	}
	if err := backend.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestMinioInterfaceCompliance(t *testing.T) {
	var _ Backend = (*MinioBackend)(nil)
	var _ MinioCore = coreClient{}
}

func TestNewMinioBackendWrapsCore(t *testing.T) {
	backend, err := NewMinioBackend(RemoteOptions{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "uploads",
	}, nil)
	if err != nil {
		t.Fatalf("NewMinioBackend failed: %v", err)
	}
	cc, ok := backend.core.(coreClient)
	if !ok {
		t.Fatalf("core = %T, want coreClient", backend.core)
	}
	if cc.Core == nil || cc.Client == nil {
		t.Fatal("coreClient does not wrap a live minio client")
	}
}
