package source

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"tileview/internal/tile"
)

var tileExts = []string{".png", ".jpg", ".jpeg", ".webp"}

// DirSource reads tiles laid out as {root}/{layer}/{z}/{x}/{y}.{png,jpg,webp}.
type DirSource struct {
	root string
}

func NewDir(root string) *DirSource {
	return &DirSource{root: root}
}

func (s *DirSource) FetchTile(ctx context.Context, key tile.Key) ([]byte, error) {
	base := filepath.Join(s.root, string(key.Layer), strconv.Itoa(key.Zoom), strconv.Itoa(key.X), strconv.Itoa(key.Y))
	for _, ext := range tileExts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(base + ext)
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "read tile %s", key)
		}
	}
	return nil, errors.Wrap(ErrNotFound, key.String())
}
