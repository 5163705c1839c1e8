package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task status constants
const (
	TaskStatusQueued    = "queued"
	TaskStatusRunning   = "running"
	TaskStatusPaused    = "paused"
	TaskStatusSucceeded = "succeeded"
	TaskStatusFailed    = "failed"
	TaskStatusCanceled  = "canceled"
)

// Source keys
const (
	SourcePicacg  = "picacg"
	SourceEhentai = "ehentai"
	SourceJM      = "jm"
	SourceHitomi  = "hitomi"
	SourceHtmanga = "htmanga"
	SourceNhentai = "nhentai"
)

// AllSources lists every supported source key, in the order the §4.5
// table introduces them.
var AllSources = []string{
	SourcePicacg, SourceEhentai, SourceJM, SourceHitomi, SourceHtmanga, SourceNhentai,
}

// IsKnownSource reports whether s is one of the six supported sources.
func IsKnownSource(s string) bool {
	for _, known := range AllSources {
		if s == known {
			return true
		}
	}
	return false
}

// Task is a durable download job row.
type Task struct {
	ID        string
	Type      string
	Source    string
	Target    string
	Params    json.RawMessage
	Status    string
	Progress  int64
	Total     int64
	Message   string
	ComicID   string
	CreatedAt int64
	UpdatedAt int64
}

// IsTerminal reports whether status is one of the sticky terminal states.
func IsTerminal(status string) bool {
	switch status {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// IsActive reports whether status still occupies a queue/worker slot.
func IsActive(status string) bool {
	switch status {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusPaused:
		return true
	default:
		return false
	}
}

// nowMillis returns the current time in epoch milliseconds.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewTaskID returns an opaque, URL-safe random id (32 hex chars, well
// over the spec's 18-byte floor).
func NewTaskID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewTask builds a queued task row for (source, target, params).
func NewTask(source, target string, params json.RawMessage) *Task {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	now := nowMillis()
	return &Task{
		ID:        NewTaskID(),
		Type:      "download",
		Source:    source,
		Target:    target,
		Params:    params,
		Status:    TaskStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TaskParams is the parsed, optional shape of Task.Params.
type TaskParams struct {
	Eps      []int  `json:"eps,omitempty"`
	Title    string `json:"title,omitempty"`
	CoverURL string `json:"coverUrl,omitempty"`
}

// ParseParams decodes Task.Params, tolerating an empty/nil blob.
func (t *Task) ParseParams() (TaskParams, error) {
	var p TaskParams
	if len(t.Params) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(t.Params, &p); err != nil {
		return p, err
	}
	return p, nil
}

// QueueStats summarizes the task table for the config/status endpoints.
type QueueStats struct {
	Queued    int
	Running   int
	Paused    int
	Succeeded int
	Failed    int
	Canceled  int
}
