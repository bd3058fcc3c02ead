// Package fetchqueue schedules tile fetches with a shared concurrency limit,
// visible-before-prefetch priority, deduplication, retries and a failure
// cool-down.
package fetchqueue

import (
	"context"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"tileview/internal/cache"
	"tileview/internal/ratelimit"
	"tileview/internal/source"
	"tileview/internal/tile"
)

var (
	ErrAborted     = errors.New("fetch aborted")
	ErrCoolingDown = errors.New("tile recently failed")
	ErrOffline     = errors.New("offline and not cached on disk")
	ErrClosed      = errors.New("fetch queue closed")
	ErrInvalidKey  = errors.New("invalid tile key")
)

// Options configures a Queue.
type Options struct {
	// Concurrency is the number of fetches in flight across all owners.
	Concurrency  int
	FetchTimeout time.Duration
	Retry        *ratelimit.RetryStrategy
	// CoolDown is how long a failed key is refused before it may be retried.
	CoolDown time.Duration
	Offline  bool
}

func DefaultOptions() Options {
	return Options{
		Concurrency:  4,
		FetchTimeout: 15 * time.Second,
		Retry:        ratelimit.TileRetryStrategy(),
		CoolDown:     30 * time.Second,
	}
}

// Status represents the current queue status for events
type Status struct {
	QueuedVisible   int  `json:"queuedVisible"`
	QueuedPrefetch  int  `json:"queuedPrefetch"`
	InFlight        int  `json:"inFlight"`
	InFlightVisible int  `json:"inFlightVisible"`
	Completed       int  `json:"completed"`
	Failed          int  `json:"failed"`
	Cancelled       int  `json:"cancelled"`
	Online          bool `json:"online"`
}

// Queue is the shared fetch scheduler.
type Queue struct {
	source source.Source
	store  *cache.Store
	log    *zap.Logger
	opts   Options
	failed *ccache.Cache[error]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	tasks           map[tile.Key]*FetchTask
	visible         []*FetchTask
	prefetch        []*FetchTask
	inFlight        int
	inFlightVisible int
	online          bool
	closed          bool
	completed       int
	failedCount     int
	cancelled       int
	drained         chan struct{}
	onStatus        func(Status)
}

// New creates a queue fetching from src and storing into store.
func New(src source.Source, store *cache.Store, opts Options, log *zap.Logger) *Queue {
	d := DefaultOptions()
	if opts.Concurrency < 1 {
		opts.Concurrency = d.Concurrency
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = d.FetchTimeout
	}
	if opts.Retry == nil {
		opts.Retry = d.Retry
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		source: src,
		store:  store,
		log:    log.Named("fetchqueue"),
		opts:   opts,
		failed: ccache.New(ccache.Configure[error]().MaxSize(10000)),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[tile.Key]*FetchTask),
		online: !opts.Offline,
	}
}

// SetOnStatus registers a callback invoked after every finished fetch.
func (q *Queue) SetOnStatus(fn func(Status)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onStatus = fn
}

// Enqueue adds an untagged fetch. notify may be nil.
func (q *Queue) Enqueue(key tile.Key, priority Priority, notify Listener) {
	q.Submit(Request{Key: key, Priority: priority, Notify: notify})
}

// Submit adds a fetch for req.Key. A task already queued or in flight for
// the key gains the listener and, if req has the higher priority, is
// upgraded; no second fetch is issued. Outcomes known up front (memory hit,
// cool-down, closed queue) are delivered before Submit returns.
func (q *Queue) Submit(req Request) {
	key := req.Key
	notify := func(r Result) {
		if req.Notify != nil {
			req.Notify(r)
		}
	}

	if !key.Valid() {
		notify(Result{Key: key, Err: errors.Wrap(ErrInvalidKey, key.String())})
		return
	}
	if t, ok := q.store.Get(key); ok {
		notify(Result{Key: key, Tile: t})
		return
	}
	if item := q.failed.Get(key.String()); item != nil && !item.Expired() {
		notify(Result{Key: key, Err: errors.Wrapf(ErrCoolingDown, "%s: %v", key, item.Value())})
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		notify(Result{Key: key, Err: ErrClosed})
		return
	}

	task, exists := q.tasks[key]
	if !exists {
		task = &FetchTask{
			Key:        key,
			Priority:   req.Priority,
			Status:     TaskStatusPending,
			EnqueuedAt: time.Now(),
		}
		q.tasks[key] = task
		if req.Priority == PriorityVisible {
			q.visible = append(q.visible, task)
		} else {
			q.prefetch = append(q.prefetch, task)
		}
	} else if req.Priority > task.Priority {
		q.upgradeLocked(task)
	}
	if req.Notify != nil || req.Tag == "" {
		task.subs = append(task.subs, subscriber{tag: req.Tag, notify: req.Notify})
	}
	q.dispatchLocked()
	q.mu.Unlock()
}

// upgradeLocked promotes a prefetch task to visible.
func (q *Queue) upgradeLocked(task *FetchTask) {
	task.Priority = PriorityVisible
	if task.Status == TaskStatusPending {
		q.prefetch = lo.Without(q.prefetch, task)
		q.visible = append(q.visible, task)
		return
	}
	q.inFlightVisible++
}

// dispatchLocked starts tasks while there is capacity. Prefetch tasks only
// start when no visible task is queued or in flight.
func (q *Queue) dispatchLocked() {
	for q.inFlight < q.opts.Concurrency {
		var task *FetchTask
		switch {
		case len(q.visible) > 0:
			task = q.visible[0]
			q.visible[0] = nil
			q.visible = q.visible[1:]
		case len(q.prefetch) > 0 && q.inFlightVisible == 0:
			task = q.prefetch[0]
			q.prefetch[0] = nil
			q.prefetch = q.prefetch[1:]
		default:
			return
		}

		task.MarkStarted()
		q.inFlight++
		if task.Priority == PriorityVisible {
			q.inFlightVisible++
		}
		q.wg.Add(1)
		go q.run(task)
	}
}

// AbortAll cancels every task that has not started. Their listeners receive
// ErrAborted. In-flight fetches finish and still populate the cache.
func (q *Queue) AbortAll() int {
	q.mu.Lock()
	pending := make([]*FetchTask, 0, len(q.visible)+len(q.prefetch))
	pending = append(pending, q.visible...)
	pending = append(pending, q.prefetch...)
	q.visible, q.prefetch = nil, nil
	for _, t := range pending {
		t.Status = TaskStatusCancelled
		delete(q.tasks, t.Key)
	}
	q.cancelled += len(pending)
	q.signalDrainedLocked()
	q.mu.Unlock()

	for _, t := range pending {
		res := Result{Key: t.Key, Err: errors.Wrap(ErrAborted, t.Key.String())}
		for _, s := range t.subs {
			if s.notify != nil {
				s.notify(res)
			}
		}
	}
	if len(pending) > 0 {
		q.log.Debug("aborted queued fetches", zap.Int("count", len(pending)))
	}
	return len(pending)
}

// AbortTag withdraws every listener registered under tag. Withdrawn
// listeners are not called. Queued tasks left without any interested party
// are cancelled; in-flight ones run to completion.
func (q *Queue) AbortTag(tag string) int {
	if tag == "" {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	cancelled := 0
	for key, t := range q.tasks {
		dropped, remaining := t.dropTag(tag)
		if !dropped || remaining > 0 || t.Status != TaskStatusPending {
			continue
		}
		if t.Priority == PriorityVisible {
			q.visible = lo.Without(q.visible, t)
		} else {
			q.prefetch = lo.Without(q.prefetch, t)
		}
		t.Status = TaskStatusCancelled
		delete(q.tasks, key)
		cancelled++
	}
	q.cancelled += cancelled
	q.signalDrainedLocked()
	return cancelled
}

// SetOnline toggles network access. Offline, only the disk tier is used.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	changed := q.online != online
	q.online = online
	q.mu.Unlock()
	if changed {
		q.log.Info("network mode changed", zap.Bool("online", online))
	}
}

func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// ResetFailures forgets every cooling-down key.
func (q *Queue) ResetFailures() {
	q.failed.Clear()
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *Queue) statusLocked() Status {
	return Status{
		QueuedVisible:   len(q.visible),
		QueuedPrefetch:  len(q.prefetch),
		InFlight:        q.inFlight,
		InFlightVisible: q.inFlightVisible,
		Completed:       q.completed,
		Failed:          q.failedCount,
		Cancelled:       q.cancelled,
		Online:          q.online,
	}
}

// Drain blocks until no task is queued or in flight.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if len(q.tasks) == 0 {
		q.mu.Unlock()
		return nil
	}
	if q.drained == nil {
		q.drained = make(chan struct{})
	}
	ch := q.drained
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) signalDrainedLocked() {
	if len(q.tasks) == 0 && q.drained != nil {
		close(q.drained)
		q.drained = nil
	}
}

// Close aborts queued tasks, cancels in-flight fetches and waits for the
// workers to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.AbortAll()
	q.cancel()
	q.wg.Wait()
	q.failed.Stop()
}
