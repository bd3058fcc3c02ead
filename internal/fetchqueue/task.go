package fetchqueue

import (
	"time"

	"tileview/internal/tile"
)

// Priority orders queued fetches. Visible tiles always go first.
type Priority int

const (
	PriorityPrefetch Priority = iota
	PriorityVisible
)

func (p Priority) String() string {
	if p == PriorityVisible {
		return "visible"
	}
	return "prefetch"
}

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Result is delivered to every listener of a task.
type Result struct {
	Key  tile.Key
	Tile *tile.Tile
	Err  error
}

// Listener receives the outcome of a fetch. It may run on a queue worker
// goroutine or, for immediate outcomes, inside Enqueue itself.
type Listener func(Result)

// Request is an enqueue with a tag. Listeners registered under a tag can be
// withdrawn together with AbortTag.
type Request struct {
	Key      tile.Key
	Priority Priority
	Tag      string
	Notify   Listener
}

type subscriber struct {
	tag    string
	notify Listener
}

// FetchTask is one pending or running fetch. Tasks are deduplicated by key.
type FetchTask struct {
	Key        tile.Key
	Priority   Priority
	Status     TaskStatus
	Attempts   int
	EnqueuedAt time.Time
	StartedAt  time.Time

	subs []subscriber
}

// MarkStarted marks the task as running
func (t *FetchTask) MarkStarted() {
	t.Status = TaskStatusRunning
	t.StartedAt = time.Now()
}

// dropTag removes the listeners registered under tag and reports how many
// listeners remain.
func (t *FetchTask) dropTag(tag string) (dropped bool, remaining int) {
	kept := t.subs[:0]
	for _, s := range t.subs {
		if s.tag == tag {
			dropped = true
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(t.subs); i++ {
		t.subs[i] = subscriber{}
	}
	t.subs = kept
	return dropped, len(kept)
}
