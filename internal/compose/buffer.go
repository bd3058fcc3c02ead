package compose

import (
	"image"
	"sync"
)

// Buffer is the surface an owner displays. Writers identify themselves by
// generation: only the most recently claimed generation may replace or draw
// into the front image, so output from superseded draws is dropped.
type Buffer struct {
	mu        sync.RWMutex
	front     *image.RGBA
	claimed   uint64
	committed uint64
	version   uint64
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Claim raises the accepted generation to gen. Lower generations are ignored.
// It reports whether gen is now the claimed generation.
func (b *Buffer) Claim(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen > b.claimed {
		b.claimed = gen
	}
	return b.claimed == gen
}

// Generation returns the claimed generation.
func (b *Buffer) Generation() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.claimed
}

// Current reports whether gen is still the claimed generation.
func (b *Buffer) Current(gen uint64) bool {
	return b.Generation() == gen
}

// Commit swaps img in as the front image. It fails with ErrSuperseded when
// a newer generation has been claimed; the previous image stays.
func (b *Buffer) Commit(gen uint64, img *image.RGBA) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.claimed {
		return ErrSuperseded
	}
	b.front = img
	b.committed = gen
	b.version++
	return nil
}

// Apply runs fn on the front image if gen is claimed and committed the
// front image. It reports whether fn ran.
func (b *Buffer) Apply(gen uint64, fn func(*image.RGBA)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.claimed || gen != b.committed || b.front == nil {
		return false
	}
	fn(b.front)
	b.version++
	return true
}

// Snapshot returns a copy of the front image, or nil before the first commit.
func (b *Buffer) Snapshot() *image.RGBA {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.front == nil {
		return nil
	}
	cp := image.NewRGBA(b.front.Rect)
	copy(cp.Pix, b.front.Pix)
	return cp
}

// View runs fn with the front image under the read lock. fn must not keep
// or modify img.
func (b *Buffer) View(fn func(img *image.RGBA)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn(b.front)
}

// Version increases on every commit and every applied write.
func (b *Buffer) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}
