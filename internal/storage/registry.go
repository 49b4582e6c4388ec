package storage

import (
	"sync"
	"time"

	serr "github.com/transfery/transfery/internal/errors"
)

// UploadTask is the local backend's record of one in-flight multipart upload.
type UploadTask struct {
	UploadID string
	Key      string
	// Parts maps part number to the etag of its latest upload.
	Parts     map[int]string
	ExpiresAt time.Time

	// completing is set between Claim and Release/Restore. The task is
	// invisible to lookups but still owns its staging directory.
	completing bool
}

// clone returns a deep copy so callers can read a snapshot without the lock.
func (t *UploadTask) clone() UploadTask {
	cp := *t
	cp.Parts = make(map[int]string, len(t.Parts))
	for n, etag := range t.Parts {
		cp.Parts[n] = etag
	}
	return cp
}

// TaskRegistry is the single in-memory source of truth for in-flight local
// uploads. Every method holds the mutex only for map operations; callers do
// their disk I/O outside it.
type TaskRegistry struct {
	mu    sync.Mutex
	tasks map[string]*UploadTask
	now   func() time.Time
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{
		tasks: make(map[string]*UploadTask),
		now:   time.Now,
	}
}

// Create registers a new upload for key expiring at expiresAt.
func (r *TaskRegistry) Create(uploadID, key string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[uploadID] = &UploadTask{
		UploadID:  uploadID,
		Key:       key,
		Parts:     make(map[int]string),
		ExpiresAt: expiresAt,
	}
}

// lookupLocked returns the live task for uploadID and key. Expired tasks are
// treated as unknown even before the reaper has removed them.
func (r *TaskRegistry) lookupLocked(uploadID, key string) (*UploadTask, error) {
	task, ok := r.tasks[uploadID]
	if !ok || task.Key != key || task.completing {
		return nil, serr.Newf(serr.ErrUploadNotFound, "upload %s for key %q does not exist", uploadID, key)
	}
	if !r.now().Before(task.ExpiresAt) {
		return nil, serr.Newf(serr.ErrUploadNotFound, "upload %s for key %q has expired", uploadID, key)
	}
	return task, nil
}

// Get returns a snapshot of the live task for uploadID and key.
func (r *TaskRegistry) Get(uploadID, key string) (UploadTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.lookupLocked(uploadID, key)
	if err != nil {
		return UploadTask{}, err
	}
	return task.clone(), nil
}

// RecordPart stores etag as the latest content of part number, replacing any
// earlier upload of the same number.
func (r *TaskRegistry) RecordPart(uploadID, key string, number int, etag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.lookupLocked(uploadID, key)
	if err != nil {
		return err
	}
	task.Parts[number] = etag
	return nil
}

// Claim takes exclusive ownership of the live task for uploadID and key and
// returns a snapshot of it. Once claimed, lookups and concurrent part uploads
// for the same id fail with UploadNotFound, but the id stays tracked until
// Release or Restore so the reaper leaves its staging directory alone.
func (r *TaskRegistry) Claim(uploadID, key string) (UploadTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.lookupLocked(uploadID, key)
	if err != nil {
		return UploadTask{}, err
	}
	task.completing = true
	return task.clone(), nil
}

// Release drops a claimed task once its staging directory is gone.
func (r *TaskRegistry) Release(uploadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tasks, uploadID)
}

// Restore hands a claimed task back so the upload can be retried. A task
// that was dropped meanwhile (Clear) is not resurrected.
func (r *TaskRegistry) Restore(task UploadTask) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.tasks[task.UploadID]; ok {
		cur.completing = false
	}
}

// TakeExpired removes and returns every task whose expiration is at or
// before now. Claimed tasks are left to their owner.
func (r *TaskRegistry) TakeExpired(now time.Time) []UploadTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []UploadTask
	for id, task := range r.tasks {
		if !task.completing && !now.Before(task.ExpiresAt) {
			expired = append(expired, *task)
			delete(r.tasks, id)
		}
	}
	return expired
}

// SetExpiration moves the expiration of uploadID. It reports whether the
// upload was tracked.
func (r *TaskRegistry) SetExpiration(uploadID string, expiresAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[uploadID]
	if !ok {
		return false
	}
	task.ExpiresAt = expiresAt
	return true
}

// Tracked reports whether uploadID has an entry, expired or claimed.
func (r *TaskRegistry) Tracked(uploadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.tasks[uploadID]
	return ok
}

// Len returns the number of tracked uploads.
func (r *TaskRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.tasks)
}

// Clear drops every task and returns them.
func (r *TaskRegistry) Clear() []UploadTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]UploadTask, 0, len(r.tasks))
	for _, task := range r.tasks {
		all = append(all, *task)
	}
	r.tasks = make(map[string]*UploadTask)
	return all
}
