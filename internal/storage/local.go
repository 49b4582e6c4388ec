package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	serr "github.com/transfery/transfery/internal/errors"
	"github.com/transfery/transfery/internal/metrics"
	"github.com/transfery/transfery/internal/uid"
)

// LocalOptions tunes the local backend.
type LocalOptions struct {
	// UploadExpiry is how long an upload may stay in flight (default 24h).
	UploadExpiry time.Duration
	// ReapInterval is the reaper period (default 5m).
	ReapInterval time.Duration
	Logger       *slog.Logger
}

// LocalBackend implements Backend on the local filesystem by emulating the
// S3 multipart protocol. Objects are stored as files within RootDir, laid out
// by key. Parts are staged under RootDir/.uploads/<key>_<uploadID>/ and
// tracked by an in-memory TaskRegistry; an ExpiryReaper reclaims abandoned
// uploads in the background.
type LocalBackend struct {
	// RootDir is the base directory under which all object data is stored.
	RootDir string

	registry *TaskRegistry
	reaper   *ExpiryReaper
	expiry   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewLocalBackend creates a LocalBackend rooted at rootDir and starts its
// expiry reaper. Call Init before use and Close to stop the reaper.
func NewLocalBackend(rootDir string, opts LocalOptions) (*LocalBackend, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("local storage root directory is empty")
	}
	if opts.UploadExpiry <= 0 {
		opts.UploadExpiry = 24 * time.Hour
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("backend", KindLocal)

	b := &LocalBackend{
		RootDir:  rootDir,
		registry: NewTaskRegistry(),
		expiry:   opts.UploadExpiry,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	b.reaper = NewExpiryReaper(b.registry, b.stagingRoot(), opts.ReapInterval, opts.UploadExpiry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go func() {
		defer close(b.done)
		b.reaper.Run(ctx)
	}()

	return b, nil
}

// Kind implements Backend.
func (b *LocalBackend) Kind() string { return KindLocal }

// Init creates the root, temp and staging directories if they do not exist,
// then performs crash recovery: leftover temp files are removed and staging
// directories orphaned by a previous process are swept once they are older
// than the upload expiry.
func (b *LocalBackend) Init(ctx context.Context) error {
	if err := b.createDirs(); err != nil {
		return serr.Wrap(serr.ErrStorageUnavailable, err, "creating local storage directories")
	}
	if err := b.CleanTempFiles(); err != nil {
		b.logger.Warn("Failed to clean temp files", "error", err)
	}
	if n := b.reaper.sweepOrphans(); n > 0 {
		b.logger.Info("Swept orphaned staging directories", "count", n)
	}
	return nil
}

func (b *LocalBackend) createDirs() error {
	for _, dir := range []string{b.RootDir, b.tmpRoot(), b.stagingRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %q: %w", dir, err)
		}
	}
	return nil
}

// Close stops the reaper. It is safe to call more than once.
func (b *LocalBackend) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		<-b.done
	})
	return nil
}

// Reap runs one reaper cycle synchronously.
func (b *LocalBackend) Reap(ctx context.Context) ReapResult {
	return b.reaper.RunOnce(ctx)
}

// CleanTempFiles removes all files in the .tmp directory. Any temp files left
// behind indicate incomplete writes from a previous crash.
func (b *LocalBackend) CleanTempFiles() error {
	entries, err := os.ReadDir(b.tmpRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(b.tmpRoot(), entry.Name()))
		}
	}
	return nil
}

func (b *LocalBackend) tmpRoot() string     { return filepath.Join(b.RootDir, tmpDirName) }
func (b *LocalBackend) stagingRoot() string { return filepath.Join(b.RootDir, uploadsDirName) }

// objectPath returns the full filesystem path for a cleaned key.
func (b *LocalBackend) objectPath(key string) string {
	return filepath.Join(b.RootDir, filepath.FromSlash(key))
}

// tempPath returns a unique temporary file path in the .tmp directory.
func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.tmpRoot(), "tmp-"+uid.Compact())
}

func (b *LocalBackend) stagingPath(key, uploadID string) string {
	return filepath.Join(b.stagingRoot(), stagingDirName(key, uploadID))
}

func (b *LocalBackend) partPath(key, uploadID string, number int) string {
	return filepath.Join(b.stagingPath(key, uploadID), fmt.Sprintf("%05d", number))
}

// BeginUpload registers a new upload for key and creates its staging
// directory.
func (b *LocalBackend) BeginUpload(ctx context.Context, key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	uploadID := uid.New()
	b.registry.Create(uploadID, key, b.now().Add(b.expiry))

	if err := os.MkdirAll(b.stagingPath(key, uploadID), 0o755); err != nil {
		b.registry.Release(uploadID)
		return "", serr.Wrap(serr.ErrIOFailure, err, "creating staging directory")
	}

	metrics.UploadsInFlight.Set(float64(b.registry.Len()))
	b.logger.Debug("Upload started", "key", key, "upload_id", uploadID)
	return uploadID, nil
}

// UploadPart writes one part into the staging directory using the atomic
// write pattern, then records its MD5 etag in the registry. Parts of the same
// upload are independent files, so only the registry update is serialised.
func (b *LocalBackend) UploadPart(ctx context.Context, key, uploadID string, number int, r io.Reader) (Part, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Part{}, err
	}
	if number < 1 {
		return Part{}, serr.Newf(serr.ErrInvalidPart, "part number %d is not positive", number)
	}
	if err := checkUploadID(uploadID); err != nil {
		return Part{}, err
	}
	if _, err := b.registry.Get(uploadID, key); err != nil {
		return Part{}, err
	}

	etag, n, err := b.writeAtomic(b.partPath(key, uploadID, number), r)
	if err != nil {
		// The reaper or a completion may have removed the staging directory
		// while the part was being written.
		if _, lookupErr := b.registry.Get(uploadID, key); lookupErr != nil {
			return Part{}, lookupErr
		}
		return Part{}, serr.Wrap(serr.ErrIOFailure, err, fmt.Sprintf("writing part %d", number))
	}

	if err := b.registry.RecordPart(uploadID, key, number, etag); err != nil {
		os.Remove(b.partPath(key, uploadID, number))
		return Part{}, err
	}

	metrics.BytesWrittenTotal.Add(float64(n))
	return Part{Number: number, ETag: etag}, nil
}

// CompleteUpload validates the caller's part list against the registry, then
// streams the staged parts in ascending order into a temp file, deleting each
// staged part once it has been copied, and finally renames the temp file onto
// the object path. Failures before the first part is consumed leave both the
// destination and the upload untouched, so the caller can retry.
func (b *LocalBackend) CompleteUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}

	if err := checkUploadID(uploadID); err != nil {
		return err
	}
	snapshot, err := b.registry.Get(uploadID, key)
	if err != nil {
		return err
	}
	if _, err := ValidateParts(parts, snapshot.Parts); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return serr.Wrap(serr.ErrIOFailure, err, "completing upload")
	}

	objPath := b.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return serr.Wrap(serr.ErrIOFailure, err, "creating parent directories")
	}
	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return serr.Wrap(serr.ErrIOFailure, err, "creating temp file for assembly")
	}
	discardTemp := func() {
		tmpFile.Close()
		os.Remove(tmpPath)
	}

	// Parts may have been replaced between the snapshot and the claim.
	task, err := b.registry.Claim(uploadID, key)
	if err != nil {
		discardTemp()
		return err
	}
	ordered, err := ValidateParts(parts, task.Parts)
	if err != nil {
		discardTemp()
		b.registry.Restore(task)
		return err
	}

	open := func(number int) (io.ReadCloser, error) {
		f, err := os.Open(b.partPath(key, uploadID, number))
		if err != nil {
			return nil, serr.Wrap(serr.ErrIOFailure, err, fmt.Sprintf("opening part %d", number))
		}
		return f, nil
	}
	consumedAny := false
	consumed := func(number int) error {
		consumedAny = true
		if err := os.Remove(b.partPath(key, uploadID, number)); err != nil {
			b.logger.Warn("Failed to remove consumed part", "upload_id", uploadID, "part", number, "error", err)
		}
		return nil
	}

	size, etag, err := Assemble(ctx, tmpFile, ordered, open, consumed)
	if err == nil {
		err = syncAndRename(tmpFile, tmpPath, objPath)
	} else {
		discardTemp()
	}
	if err != nil && !consumedAny {
		b.registry.Restore(task)
		return asStorageError(err, "assembling upload")
	}

	if rmErr := os.RemoveAll(b.stagingPath(key, uploadID)); rmErr != nil {
		b.logger.Warn("Failed to remove staging directory", "upload_id", uploadID, "error", rmErr)
	}
	b.registry.Release(uploadID)
	metrics.UploadsInFlight.Set(float64(b.registry.Len()))
	if err != nil {
		return asStorageError(err, "assembling upload")
	}

	b.logger.Info("Upload completed", "key", key, "upload_id", uploadID, "parts", len(ordered), "size", size, "etag", etag)
	return nil
}

// syncAndRename makes the assembled temp file durable and moves it onto the
// object path. The temp file is gone when it returns.
func syncAndRename(tmpFile *os.File, tmpPath, objPath string) error {
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return serr.Wrap(serr.ErrIOFailure, err, "syncing assembled file")
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return serr.Wrap(serr.ErrIOFailure, err, "closing assembled temp file")
	}
	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return serr.Wrap(serr.ErrIOFailure, err, "renaming assembled file")
	}
	return nil
}

// asStorageError keeps taxonomy errors as they are and reports anything else,
// context cancellation included, as IOFailure.
func asStorageError(err error, msg string) error {
	var se *serr.StorageError
	if errors.As(err, &se) {
		return err
	}
	return serr.Wrap(serr.ErrIOFailure, err, msg)
}

// AbortUpload drops the registry entry and deletes the staging directory.
func (b *LocalBackend) AbortUpload(ctx context.Context, key, uploadID string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := checkUploadID(uploadID); err != nil {
		return err
	}
	if _, err := b.registry.Claim(uploadID, key); err != nil {
		return err
	}
	err = os.RemoveAll(b.stagingPath(key, uploadID))
	b.registry.Release(uploadID)
	metrics.UploadsInFlight.Set(float64(b.registry.Len()))
	if err != nil {
		return serr.Wrap(serr.ErrIOFailure, err, "removing staging directory")
	}
	b.logger.Debug("Upload aborted", "key", key, "upload_id", uploadID)
	return nil
}

// writeAtomic writes r to dst via a temp file, fsync and rename, returning
// the quoted MD5 etag and the byte count.
func (b *LocalBackend) writeAtomic(dst string, r io.Reader) (string, int64, error) {
	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}

	h := md5.New()
	n, err := io.Copy(tmpFile, io.TeeReader(r, h))
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("writing data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("renaming temp file to final path: %w", err)
	}

	return quoteETag(hex.EncodeToString(h.Sum(nil))), n, nil
}

// checkUploadID rejects ids this backend could not have issued before they
// are used to build staging paths.
func checkUploadID(uploadID string) error {
	if !uid.Valid(uploadID) {
		return serr.Newf(serr.ErrUploadNotFound, "upload %q not found", uploadID)
	}
	return nil
}

// Download opens the object file for streaming. The caller must close Body.
func (b *LocalBackend) Download(ctx context.Context, key string) (*Download, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(b.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, serr.Newf(serr.ErrObjectNotFound, "object %q does not exist", key)
		}
		return nil, serr.Wrap(serr.ErrIOFailure, err, "opening object file")
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, serr.Wrap(serr.ErrIOFailure, err, "stat object file")
	}
	if info.IsDir() {
		file.Close()
		return nil, serr.Newf(serr.ErrObjectNotFound, "object %q does not exist", key)
	}

	return &Download{
		Body:         file,
		Size:         info.Size(),
		ContentType:  contentTypeFor(key),
		FileName:     path.Base(key),
		LastModified: info.ModTime(),
	}, nil
}

// contentTypeFor guesses a MIME type from the key's extension.
func contentTypeFor(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// RemoveObject removes the object file and any parent directories left empty.
func (b *LocalBackend) RemoveObject(ctx context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	objPath := b.objectPath(key)

	info, err := os.Stat(objPath)
	if err != nil || info.IsDir() {
		if err == nil || os.IsNotExist(err) {
			return serr.Newf(serr.ErrObjectNotFound, "object %q does not exist", key)
		}
		return serr.Wrap(serr.ErrIOFailure, err, "stat object file")
	}
	if err := os.Remove(objPath); err != nil {
		if os.IsNotExist(err) {
			return serr.Newf(serr.ErrObjectNotFound, "object %q does not exist", key)
		}
		return serr.Wrap(serr.ErrIOFailure, err, "removing object file")
	}

	cleanEmptyParents(filepath.Dir(objPath), b.RootDir)
	return nil
}

// RemoveAllObjects deletes the whole root, including in-flight staging data,
// and recreates the directory structure. Every in-flight upload id becomes
// invalid.
func (b *LocalBackend) RemoveAllObjects(ctx context.Context) error {
	dropped := b.registry.Clear()
	metrics.UploadsInFlight.Set(0)

	if err := os.RemoveAll(b.RootDir); err != nil {
		return serr.Wrap(serr.ErrIOFailure, err, "removing local storage directory")
	}
	if err := b.createDirs(); err != nil {
		return serr.Wrap(serr.ErrIOFailure, err, "recreating local storage directory")
	}

	b.logger.Info("Removed all objects", "dropped_uploads", len(dropped))
	return nil
}

// ListObjects walks the root, skipping the reserved directories, and returns
// every object sorted by key with its MD5 etag.
func (b *LocalBackend) ListObjects(ctx context.Context) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	err := filepath.WalkDir(b.RootDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != b.RootDir && filepath.Dir(p) == filepath.Clean(b.RootDir) {
				if name := d.Name(); name == tmpDirName || name == uploadsDirName {
					return filepath.SkipDir
				}
			}
			return nil
		}

		rel, err := filepath.Rel(b.RootDir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		etag, err := fileETag(p)
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{
			Key:          filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
			ETag:         etag,
		})
		return nil
	})
	if err != nil {
		return nil, serr.Wrap(serr.ErrIOFailure, err, "walking local storage directory")
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})
	return objects, nil
}

// HealthCheck verifies that the local storage root directory is accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(b.RootDir)
	if err != nil {
		return serr.Wrap(serr.ErrStorageUnavailable, err, "stat storage root")
	}
	if !info.IsDir() {
		return serr.Newf(serr.ErrStorageUnavailable, "storage root %q is not a directory", b.RootDir)
	}
	return nil
}

func fileETag(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return quoteETag(hex.EncodeToString(h.Sum(nil))), nil
}

// cleanEmptyParents removes empty directories starting from dir up to (but not
// including) stopAt.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

// Ensure LocalBackend implements Backend at compile time.
var _ Backend = (*LocalBackend)(nil)
