package fetchqueue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tileview/internal/common"
	"tileview/internal/geo"
	"tileview/internal/ratelimit"
	"tileview/internal/source"
	"tileview/internal/tile"
)

func (q *Queue) run(task *FetchTask) {
	defer q.wg.Done()

	t, attempts, err := q.fetch(task.Key)

	q.mu.Lock()
	delete(q.tasks, task.Key)
	q.inFlight--
	if task.Priority == PriorityVisible {
		q.inFlightVisible--
	}
	task.Attempts = attempts
	if err != nil {
		task.Status = TaskStatusFailed
		q.failedCount++
	} else {
		task.Status = TaskStatusCompleted
		q.completed++
	}
	subs := task.subs
	task.subs = nil
	q.dispatchLocked()
	q.signalDrainedLocked()
	st := q.statusLocked()
	onStatus := q.onStatus
	q.mu.Unlock()

	res := Result{Key: task.Key, Tile: t, Err: err}
	for _, s := range subs {
		if s.notify != nil {
			s.notify(res)
		}
	}
	if onStatus != nil {
		onStatus(st)
	}
}

// fetch resolves key from disk, then from the source with retries. Keys
// that still fail are put on cool-down.
func (q *Queue) fetch(key tile.Key) (*tile.Tile, int, error) {
	if t, err := q.store.LoadDisk(key); err == nil {
		return t, 0, nil
	}
	if !q.Online() {
		return nil, 0, errors.Wrap(ErrOffline, key.String())
	}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 0; ; attempt++ {
		if q.ctx.Err() != nil {
			return nil, attempts, errors.Wrap(ErrClosed, key.String())
		}
		attempts++
		t, err := q.fetchOnce(key)
		if err == nil {
			q.store.Put(key, t)
			return t, attempts, nil
		}
		lastErr = err
		if !retryable(err) || attempt >= q.opts.Retry.MaxRetries {
			break
		}

		wait := q.opts.Retry.Backoff(attempt)
		q.log.Debug("retrying tile", zap.Stringer("key", key), zap.Int("attempt", attempts), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-time.After(wait):
		case <-q.ctx.Done():
			return nil, attempts, errors.Wrap(ErrClosed, key.String())
		}
	}

	if q.ctx.Err() != nil {
		return nil, attempts, errors.Wrap(ErrClosed, key.String())
	}
	if q.opts.CoolDown > 0 {
		q.failed.Set(key.String(), lastErr, q.opts.CoolDown)
	}
	q.log.Warn("tile fetch failed", zap.Stringer("key", key), zap.Int("attempts", attempts), zap.Error(lastErr))
	return nil, attempts, lastErr
}

func (q *Queue) fetchOnce(key tile.Key) (*tile.Tile, error) {
	ctx, cancel := context.WithTimeout(q.ctx, q.opts.FetchTimeout)
	defer cancel()

	data, err := q.source.FetchTile(ctx, key)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrapf(err, "timeout after %s", q.opts.FetchTimeout)
		}
		return nil, err
	}
	return tile.Decode(key, data)
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	return !errors.Is(err, source.ErrNotFound) &&
		!errors.Is(err, ratelimit.ErrRateLimited) &&
		!errors.Is(err, tile.ErrDecode)
}

// DownloadAdjacent enqueues, as prefetch, the ring of tiles around the
// visible tile range of req. Columns wrap; rows outside the world are
// skipped. It returns the number of tiles enqueued.
func (q *Queue) DownloadAdjacent(req common.ViewportRequest) int {
	visible := common.BoundsFor(req)
	ring := visible.Expand(1)
	n := geo.TilesPerAxis(req.Zoom)

	seen := make(map[tile.Key]bool)
	count := 0
	for row := ring.MinRow; row <= ring.MaxRow; row++ {
		if row < 0 || row >= n {
			continue
		}
		for col := ring.MinCol; col <= ring.MaxCol; col++ {
			if visible.Contains(col, row) {
				continue
			}
			key := tile.Key{X: col, Y: row, Zoom: req.Zoom, Layer: req.Layer}.Wrap()
			if seen[key] {
				continue
			}
			seen[key] = true
			if _, ok := q.store.Get(key); ok {
				continue
			}
			q.Enqueue(key, PriorityPrefetch, nil)
			count++
		}
	}
	return count
}
