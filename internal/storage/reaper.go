package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/transfery/transfery/internal/metrics"
)

// ReapResult summarises one reaper cycle.
type ReapResult struct {
	// Expired is the number of tracked uploads whose expiration had passed.
	Expired int
	// Orphaned is the number of untracked staging directories removed.
	Orphaned int
}

// ExpiryReaper periodically discards abandoned local uploads. It removes
// expired entries from the registry under its lock, then deletes their staging
// directories with the lock released. It also sweeps staging directories that
// no registry entry owns (left behind by a previous process) once they are
// older than the upload expiry horizon.
type ExpiryReaper struct {
	registry   *TaskRegistry
	stagingDir string
	interval   time.Duration
	orphanAge  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewExpiryReaper creates a reaper over registry whose staging directories
// live under stagingDir.
func NewExpiryReaper(registry *TaskRegistry, stagingDir string, interval, orphanAge time.Duration, logger *slog.Logger) *ExpiryReaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryReaper{
		registry:   registry,
		stagingDir: stagingDir,
		interval:   interval,
		orphanAge:  orphanAge,
		logger:     logger,
		now:        time.Now,
	}
}

// Run loops until ctx is cancelled, performing one cycle per interval.
func (r *ExpiryReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := r.RunOnce(ctx)
			if res.Expired > 0 || res.Orphaned > 0 {
				r.logger.Info("Reaped abandoned uploads", "expired", res.Expired, "orphaned", res.Orphaned)
			}
		}
	}
}

// RunOnce performs a single reaper cycle.
func (r *ExpiryReaper) RunOnce(ctx context.Context) ReapResult {
	var res ReapResult

	expired := r.registry.TakeExpired(r.now())
	for _, task := range expired {
		dir := filepath.Join(r.stagingDir, stagingDirName(task.Key, task.UploadID))
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("Failed to remove expired staging directory", "upload_id", task.UploadID, "key", task.Key, "error", err)
			continue
		}
		r.logger.Debug("Expired upload reaped", "upload_id", task.UploadID, "key", task.Key)
	}
	res.Expired = len(expired)
	metrics.UploadsReapedTotal.WithLabelValues("expired").Add(float64(res.Expired))
	metrics.UploadsInFlight.Set(float64(r.registry.Len()))

	if ctx.Err() != nil {
		return res
	}
	res.Orphaned = r.sweepOrphans()
	metrics.UploadsReapedTotal.WithLabelValues("orphaned").Add(float64(res.Orphaned))
	return res
}

// sweepOrphans removes staging directories that are not tracked by the
// registry and have not been modified within the orphan age.
func (r *ExpiryReaper) sweepOrphans() int {
	entries, err := os.ReadDir(r.stagingDir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("Failed to read staging directory", "dir", r.stagingDir, "error", err)
		}
		return 0
	}

	cutoff := r.now().Add(-r.orphanAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		uploadID, ok := uploadIDFromStagingDir(entry.Name())
		if ok && r.registry.Tracked(uploadID) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.stagingDir, entry.Name())); err != nil {
			r.logger.Warn("Failed to remove orphaned staging directory", "dir", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed
}
