// Package progress implements the in-memory progress/total/message
// tracker for one running task (spec §4.4), rate-limiting writes
// through to the task row.
package progress

import (
	"sync"
	"time"

	"github.com/pica/comics-server/internal/util/ratelimiter"
)

// Writer persists a progress/total/message triple for one task. The
// sqlite-backed repository.TaskRepository.UpdateProgress satisfies
// this narrow interface.
type Writer interface {
	UpdateProgress(taskID string, progress, total int64, message string) error
}

const minWriteInterval = 500 * time.Millisecond

// Reporter tracks progress for exactly one running task. It is safe
// for concurrent use by the fan-out jobs of one task; writes to the
// backing store are serialized and rate-limited to at most one per
// 500ms, except setTotal/setMessage/EnsureProgressAtLeast which bypass
// the limiter.
type Reporter struct {
	mu      sync.Mutex
	taskID  string
	writer  Writer
	limiter *ratelimiter.Limiter

	progress int64
	total    int64
	message  string
}

// New creates a Reporter for taskID, writing through w.
func New(taskID string, w Writer) *Reporter {
	return &Reporter{
		taskID:  taskID,
		writer:  w,
		limiter: ratelimiter.New(minWriteInterval),
	}
}

// SetTotal sets the total unit count and forces an immediate write
// (rate-limit bypass), satisfying "setTotal happens-before any advance".
func (r *Reporter) SetTotal(n int64) error {
	r.mu.Lock()
	r.total = n
	r.mu.Unlock()
	r.limiter.Reset()
	return r.flush()
}

// Advance increases progress by delta (default 1), rate-limited to at
// most one write per 500ms across all callers of this Reporter.
func (r *Reporter) Advance(delta int64) error {
	if delta == 0 {
		delta = 1
	}
	r.mu.Lock()
	r.progress += delta
	r.mu.Unlock()

	if allowed, _ := r.limiter.Allow(); !allowed {
		return nil
	}
	return r.flush()
}

// EnsureProgressAtLeast monotonically raises progress to v, used on
// resume to account for files already present on disk from a prior run.
func (r *Reporter) EnsureProgressAtLeast(v int64) error {
	r.mu.Lock()
	if v <= r.progress {
		r.mu.Unlock()
		return nil
	}
	r.progress = v
	r.mu.Unlock()
	return r.flush()
}

// SetMessage sets the message and forces an immediate write.
func (r *Reporter) SetMessage(s string) error {
	r.mu.Lock()
	r.message = s
	r.mu.Unlock()
	return r.flush()
}

// Snapshot returns the current progress/total/message triple.
func (r *Reporter) Snapshot() (progress, total int64, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress, r.total, r.message
}

func (r *Reporter) flush() error {
	progress, total, message := r.Snapshot()
	return r.writer.UpdateProgress(r.taskID, progress, total, message)
}
