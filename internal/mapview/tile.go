package mapview

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"tileview/internal/fetchqueue"
	"tileview/internal/tile"
)

// Tile returns one tile, fetching it with visible priority when neither
// cache tier has it. cached reports a memory or disk hit.
func (m *Map) Tile(ctx context.Context, key tile.Key) (t *tile.Tile, cached bool, err error) {
	if !key.Valid() {
		return nil, false, errors.Wrapf(fetchqueue.ErrInvalidKey, "%s", key)
	}
	if t, ok := m.store.Get(key); ok {
		return t, true, nil
	}
	if t, err := m.store.LoadDisk(key); err == nil {
		return t, true, nil
	}

	done := make(chan fetchqueue.Result, 1)
	tag := "tile-" + uuid.NewString()
	m.queue.Submit(fetchqueue.Request{
		Key:      key,
		Priority: fetchqueue.PriorityVisible,
		Tag:      tag,
		Notify:   func(r fetchqueue.Result) { done <- r },
	})

	select {
	case r := <-done:
		return r.Tile, false, r.Err
	case <-ctx.Done():
		m.queue.AbortTag(tag)
		return nil, false, ctx.Err()
	}
}
