// Package source provides the places tile bytes come from: HTTP tile
// servers, local tile directories and a synthetic grid for debugging.
package source

import (
	"context"

	"github.com/pkg/errors"

	"tileview/internal/tile"
)

var ErrNotFound = errors.New("tile not found")

// Source fetches encoded tile bytes. Implementations must honour ctx.
type Source interface {
	FetchTile(ctx context.Context, key tile.Key) ([]byte, error)
}

// Func adapts a function to Source.
type Func func(ctx context.Context, key tile.Key) ([]byte, error)

func (f Func) FetchTile(ctx context.Context, key tile.Key) ([]byte, error) {
	return f(ctx, key)
}
