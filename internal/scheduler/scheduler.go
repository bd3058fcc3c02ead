// Package scheduler runs at most one draw per owner at a time. Requests that
// arrive while a draw runs collapse into a single follow-up carrying the
// latest request.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tileview/internal/common"
	"tileview/internal/compose"
	"tileview/internal/events"
	"tileview/internal/fetchqueue"
)

var ErrCancelled = errors.New("draw cancelled")

// Scheduler holds the services shared by all owners.
type Scheduler struct {
	comp  *compose.Compositor
	queue *fetchqueue.Queue
	bus   *events.Bus
	log   *zap.Logger

	// Adjacent enables prefetching the ring around a completed draw.
	Adjacent bool
}

func New(comp *compose.Compositor, queue *fetchqueue.Queue, bus *events.Bus, log *zap.Logger) *Scheduler {
	return &Scheduler{
		comp:     comp,
		queue:    queue,
		bus:      bus,
		log:      log.Named("scheduler"),
		Adjacent: true,
	}
}

// NewOwner returns an idle owner with its own buffer. An empty id gets a
// generated one.
func (s *Scheduler) NewOwner(id string) *Owner {
	if id == "" {
		id = uuid.NewString()
	}
	idle := make(chan struct{})
	close(idle)
	return &Owner{
		id:   id,
		s:    s,
		log:  s.log.With(zap.String("owner", id)),
		buf:  compose.NewBuffer(),
		idle: idle,
		last: StateIdle,
	}
}

// Session is one draw attempt.
type Session struct {
	ID         string
	Generation uint64
	Request    common.ViewportRequest

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// Owner is one drawing surface, typically a viewport.
type Owner struct {
	id  string
	s   *Scheduler
	log *zap.Logger
	buf *compose.Buffer

	mu      sync.Mutex
	gen     uint64
	state   State
	last    State
	lastErr error
	current *Session
	pending bool
	latest  common.ViewportRequest
	idle    chan struct{}

	// hookFinish runs when a session ends, before its outcome is decided.
	hookFinish func(*Session)
}

func (o *Owner) ID() string { return o.id }

// Buffer returns the surface the owner's sessions draw into.
func (o *Owner) Buffer() *compose.Buffer { return o.buf }

// State returns StateIdle or StateRunning.
func (o *Owner) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastResult returns how the most recent session ended.
func (o *Owner) LastResult() (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last, o.lastErr
}

// RequestDraw starts a draw of req, or, while one runs, records req as the
// latest request and supersedes the running draw. Invalid requests are
// rejected without changing state.
func (o *Owner) RequestDraw(req common.ViewportRequest) error {
	if err := req.Validate(); err != nil {
		return errors.Wrap(err, "request draw")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateIdle {
		o.gen++
		o.buf.Claim(o.gen)
		o.state = StateRunning
		o.idle = make(chan struct{})
		sess := o.newSessionLocked(o.gen, req)
		go o.run(sess, "")
		return nil
	}

	o.latest = req
	if !o.pending {
		o.pending = true
		// Reserve the follow-up generation now so the running session's
		// late tiles and commit are dropped from here on.
		o.gen++
		o.buf.Claim(o.gen)
	}
	if o.current != nil {
		o.current.cancel()
	}
	return nil
}

// Stop cancels the running session and drops any pending follow-up.
func (o *Owner) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = false
	if o.current != nil {
		o.current.stopped.Store(true)
		o.current.cancel()
	}
}

// Wait blocks until the owner is idle.
func (o *Owner) Wait(ctx context.Context) error {
	o.mu.Lock()
	ch := o.idle
	o.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Owner) newSessionLocked(gen uint64, req common.ViewportRequest) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:         uuid.NewString(),
		Generation: gen,
		Request:    req,
		ctx:        ctx,
		cancel:     cancel,
	}
	o.current = sess
	return sess
}

// run draws one session. staleTag names the session this one replaced; its
// remaining fetches are withdrawn once this session has enqueued its own,
// so tiles both need stay queued.
func (o *Owner) run(sess *Session, staleTag string) {
	o.emit(sess, events.Event{Kind: events.KindSessionState, State: StateRunning.String(), Data: sess.Request})
	o.publish(sess, events.Event{Kind: events.KindMessage, Message: events.PhasePainting})
	o.log.Debug("session started",
		zap.String("session", sess.ID),
		zap.Uint64("generation", sess.Generation),
		zap.Int("zoom", sess.Request.Zoom))

	pass, err := o.s.comp.Compose(sess.ctx, sess.Request, o.buf, compose.Options{
		Generation: sess.Generation,
		Tag:        sess.ID,
		OnTile: func(p compose.Placement, drawn bool, err error) {
			if err != nil {
				o.log.Debug("tile unavailable", zap.Stringer("key", p.Key), zap.Error(err))
			}
			if drawn {
				o.publish(sess, events.Event{Kind: events.KindBufferUpdated})
			}
		},
		OnProgress: func(completed, total int) {
			o.publish(sess, events.Event{Kind: events.KindProgress, Completed: completed, Total: total})
		},
	})
	if staleTag != "" {
		o.s.queue.AbortTag(staleTag)
	}
	if err == nil {
		o.publish(sess, events.Event{Kind: events.KindBufferUpdated})
		if pass.Outstanding() > 0 {
			o.publish(sess, events.Event{Kind: events.KindMessage, Message: events.PhaseDownloading})
		}
		err = pass.Wait(sess.ctx)
	}
	o.finish(sess, err)
}

func (o *Owner) finish(sess *Session, err error) {
	if o.hookFinish != nil {
		o.hookFinish(sess)
	}
	sess.cancel()

	var state State
	switch {
	case sess.stopped.Load():
		state, err = StateCancelled, ErrCancelled
	case !o.buf.Current(sess.Generation) || errors.Is(err, compose.ErrSuperseded):
		state, err = StateSuperseded, nil
	case err != nil:
		state = StateFailed
	default:
		state = StateCompleted
	}

	o.log.Debug("session finished", zap.String("session", sess.ID), zap.Stringer("state", state), zap.Error(err))
	o.emit(sess, events.Event{Kind: events.KindSessionState, State: state.String(), Err: err})

	switch state {
	case StateCompleted:
		o.publish(sess, events.Event{Kind: events.KindMessage, Message: events.PhaseDone})
		o.publish(sess, events.Event{Kind: events.KindDrawComplete})
		if o.s.Adjacent {
			o.s.queue.DownloadAdjacent(sess.Request)
		}
	case StateFailed:
		o.log.Warn("draw failed", zap.String("session", sess.ID), zap.Error(err))
		o.emit(sess, events.Event{Kind: events.KindDrawComplete, Err: err})
	case StateCancelled:
		o.emit(sess, events.Event{Kind: events.KindDrawComplete, Err: err})
	}

	o.mu.Lock()
	o.last, o.lastErr = state, err
	o.mu.Unlock()

	// A request may arrive while the stale fetches are withdrawn, so the
	// pending check repeats until the owner either continues or goes idle.
	withdrawn := state == StateCompleted
	for {
		o.mu.Lock()
		if o.pending {
			o.pending = false
			next := o.newSessionLocked(o.gen, o.latest)
			o.mu.Unlock()
			go o.run(next, sess.ID)
			return
		}
		if withdrawn {
			o.current = nil
			o.state = StateIdle
			close(o.idle)
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()
		o.s.queue.AbortTag(sess.ID)
		withdrawn = true
	}
}

// publish sends e for sess unless a newer generation owns the buffer.
func (o *Owner) publish(sess *Session, e events.Event) {
	if !o.buf.Current(sess.Generation) {
		return
	}
	o.emit(sess, e)
}

func (o *Owner) emit(sess *Session, e events.Event) {
	e.Owner = o.id
	e.Session = sess.ID
	e.Generation = sess.Generation
	o.s.bus.Publish(e)
}
