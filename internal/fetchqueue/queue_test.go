package fetchqueue

import (
	"bytes"
	"context"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tileview/internal/cache"
	"tileview/internal/common"
	"tileview/internal/geo"
	"tileview/internal/ratelimit"
	"tileview/internal/source"
	"tileview/internal/tile"
)

// fakeSource serves solid PNG tiles. When gate is non-nil every fetch blocks
// until it is closed.
type fakeSource struct {
	gate chan struct{}
	fail map[tile.Key]error

	mu       sync.Mutex
	order    []tile.Key
	calls    map[tile.Key]int
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFakeSource(gated bool) *fakeSource {
	s := &fakeSource{calls: make(map[tile.Key]int), fail: make(map[tile.Key]error)}
	if gated {
		s.gate = make(chan struct{})
	}
	return s
}

func (s *fakeSource) FetchTile(ctx context.Context, key tile.Key) ([]byte, error) {
	s.mu.Lock()
	s.order = append(s.order, key)
	s.calls[key]++
	err := s.fail[key]
	s.mu.Unlock()

	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tile.Filled(key, color.RGBA{R: uint8(key.X), G: uint8(key.Y), A: 255}).Encode(&buf, tile.FormatPNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *fakeSource) callCount(key tile.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func (s *fakeSource) fetchOrder() []tile.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tile.Key(nil), s.order...)
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestQueue(t *testing.T, src source.Source, opts Options) (*Queue, *cache.Store) {
	t.Helper()
	store := cache.New(cache.Options{}, zap.NewNop())
	q := New(src, store, opts, zap.NewNop())
	t.Cleanup(func() {
		q.Close()
		store.Close()
	})
	return q, store
}

// collector gathers listener results.
type collector struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	results map[tile.Key]Result
}

func newCollector() *collector {
	return &collector{results: make(map[tile.Key]Result)}
}

func (c *collector) listener() Listener {
	c.wg.Add(1)
	return func(r Result) {
		c.mu.Lock()
		c.results[r.Key] = r
		c.mu.Unlock()
		c.wg.Done()
	}
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listeners not called")
	}
}

func key(x, y int) tile.Key {
	return tile.Key{X: x, Y: y, Zoom: 6, Layer: tile.LayerMap}
}

func TestVisibleBeforePrefetch(t *testing.T) {
	src := newFakeSource(true)
	q, _ := newTestQueue(t, src, Options{Concurrency: 4})
	c := newCollector()

	visible := make(map[tile.Key]bool)
	for i := 0; i < 20; i++ {
		k := key(i, 0)
		visible[k] = true
		q.Enqueue(k, PriorityVisible, c.listener())
	}
	for i := 0; i < 8; i++ {
		q.Enqueue(key(i, 1), PriorityPrefetch, c.listener())
	}

	waitFor(t, "four fetches in flight", func() bool { return src.inFlight.Load() == 4 })
	if st := q.Status(); st.QueuedVisible != 16 || st.QueuedPrefetch != 8 || st.InFlight != 4 {
		t.Fatalf("status = %+v", st)
	}

	close(src.gate)
	c.wait(t)

	order := src.fetchOrder()
	if len(order) != 28 {
		t.Fatalf("fetches = %d, want 28", len(order))
	}
	for i, k := range order[:20] {
		if !visible[k] {
			t.Fatalf("fetch %d was prefetch %v before all visible tiles", i, k)
		}
	}
	if p := src.peak.Load(); p > 4 {
		t.Errorf("peak concurrency = %d, want <= 4", p)
	}
	for k, r := range c.results {
		if r.Err != nil || r.Tile == nil {
			t.Errorf("%v: %v", k, r.Err)
		}
	}
}

func TestDeduplicates(t *testing.T) {
	src := newFakeSource(true)
	q, store := newTestQueue(t, src, Options{Concurrency: 2})

	k := key(1, 1)
	var got []*tile.Tile
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		q.Enqueue(k, PriorityVisible, func(r Result) {
			mu.Lock()
			got = append(got, r.Tile)
			mu.Unlock()
			wg.Done()
		})
	}
	waitFor(t, "fetch started", func() bool { return src.callCount(k) == 1 })
	// Joining an in-flight task must not refetch either.
	wg.Add(1)
	q.Enqueue(k, PriorityPrefetch, func(r Result) {
		mu.Lock()
		got = append(got, r.Tile)
		mu.Unlock()
		wg.Done()
	})

	close(src.gate)
	wg.Wait()

	if n := src.callCount(k); n != 1 {
		t.Errorf("source calls = %d, want 1", n)
	}
	if len(got) != 4 || got[0] == nil || got[0] != got[3] {
		t.Errorf("listeners got %v", got)
	}
	if _, ok := store.Get(k); !ok {
		t.Error("fetched tile not stored")
	}
}

func TestPriorityUpgrade(t *testing.T) {
	src := newFakeSource(true)
	q, _ := newTestQueue(t, src, Options{Concurrency: 1})
	c := newCollector()

	a, b, d := key(0, 0), key(1, 0), key(2, 0)
	q.Enqueue(a, PriorityVisible, c.listener())
	waitFor(t, "first fetch", func() bool { return src.callCount(a) == 1 })
	q.Enqueue(b, PriorityPrefetch, c.listener())
	q.Enqueue(d, PriorityPrefetch, c.listener())
	q.Enqueue(d, PriorityVisible, c.listener())

	// A visible enqueue never gets downgraded by a later prefetch.
	q.Enqueue(a, PriorityPrefetch, nil)

	close(src.gate)
	c.wait(t)

	if diff := cmp.Diff([]tile.Key{a, d, b}, src.fetchOrder()); diff != "" {
		t.Errorf("fetch order mismatch (-want +got):\n%s", diff)
	}
}

func TestRetryThenCoolDown(t *testing.T) {
	src := newFakeSource(false)
	k := key(3, 3)
	src.fail[k] = errors.New("connection reset")
	q, _ := newTestQueue(t, src, Options{
		Concurrency: 1,
		Retry:       &ratelimit.RetryStrategy{Intervals: []time.Duration{time.Millisecond}, MaxRetries: 2},
		CoolDown:    time.Minute,
	})

	c := newCollector()
	q.Enqueue(k, PriorityVisible, c.listener())
	c.wait(t)
	if r := c.results[k]; r.Err == nil {
		t.Fatal("failing tile reported success")
	}
	if n := src.callCount(k); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}

	var coolErr error
	q.Enqueue(k, PriorityVisible, func(r Result) { coolErr = r.Err })
	if !errors.Is(coolErr, ErrCoolingDown) {
		t.Errorf("second enqueue error = %v, want ErrCoolingDown", coolErr)
	}
	if n := src.callCount(k); n != 3 {
		t.Errorf("cooling key was fetched again (%d calls)", n)
	}
	if st := q.Status(); st.Failed != 1 {
		t.Errorf("failed = %d", st.Failed)
	}

	q.ResetFailures()
	c2 := newCollector()
	q.Enqueue(k, PriorityVisible, c2.listener())
	c2.wait(t)
	if n := src.callCount(k); n != 6 {
		t.Errorf("calls after reset = %d, want 6", n)
	}
}

func TestNotFoundIsNotRetried(t *testing.T) {
	src := newFakeSource(false)
	k := key(4, 4)
	src.fail[k] = errors.Wrap(source.ErrNotFound, "404")
	q, _ := newTestQueue(t, src, Options{CoolDown: time.Minute})

	c := newCollector()
	q.Enqueue(k, PriorityVisible, c.listener())
	c.wait(t)
	if !errors.Is(c.results[k].Err, source.ErrNotFound) {
		t.Errorf("error = %v", c.results[k].Err)
	}
	if n := src.callCount(k); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestFetchTimeout(t *testing.T) {
	src := newFakeSource(true)
	q, _ := newTestQueue(t, src, Options{
		FetchTimeout: 20 * time.Millisecond,
		Retry:        &ratelimit.RetryStrategy{MaxRetries: 0},
	})
	c := newCollector()
	q.Enqueue(key(5, 5), PriorityVisible, c.listener())
	c.wait(t)
	if err := c.results[key(5, 5)].Err; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestOffline(t *testing.T) {
	src := newFakeSource(false)
	q, store := newTestQueue(t, src, Options{Offline: true})
	if q.Online() {
		t.Fatal("queue started online")
	}

	c := newCollector()
	q.Enqueue(key(1, 2), PriorityVisible, c.listener())
	c.wait(t)
	if !errors.Is(c.results[key(1, 2)].Err, ErrOffline) {
		t.Errorf("offline error = %v", c.results[key(1, 2)].Err)
	}
	if len(src.fetchOrder()) != 0 {
		t.Error("offline queue used the source")
	}

	// Offline misses are not cooled down, and disk hits still resolve.
	if err := store.SetCacheDirectory(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	store.Put(key(1, 2), tile.Filled(key(1, 2), color.White))
	store.ClearMemory()

	c2 := newCollector()
	q.Enqueue(key(1, 2), PriorityVisible, c2.listener())
	c2.wait(t)
	if r := c2.results[key(1, 2)]; r.Err != nil || r.Tile == nil {
		t.Errorf("disk hit while offline: %v", r.Err)
	}

	q.SetOnline(true)
	c3 := newCollector()
	q.Enqueue(key(2, 2), PriorityVisible, c3.listener())
	c3.wait(t)
	if c3.results[key(2, 2)].Err != nil {
		t.Errorf("online fetch failed: %v", c3.results[key(2, 2)].Err)
	}
}

func TestAbortAll(t *testing.T) {
	src := newFakeSource(true)
	q, store := newTestQueue(t, src, Options{Concurrency: 1})
	c := newCollector()

	a, b := key(0, 0), key(1, 0)
	q.Enqueue(a, PriorityVisible, c.listener())
	waitFor(t, "first fetch", func() bool { return src.callCount(a) == 1 })
	q.Enqueue(b, PriorityVisible, c.listener())

	if n := q.AbortAll(); n != 1 {
		t.Errorf("AbortAll() = %d, want 1", n)
	}
	close(src.gate)
	c.wait(t)

	if !errors.Is(c.results[b].Err, ErrAborted) {
		t.Errorf("queued task error = %v, want ErrAborted", c.results[b].Err)
	}
	if c.results[a].Err != nil {
		t.Errorf("in-flight task error = %v", c.results[a].Err)
	}
	if _, ok := store.Get(a); !ok {
		t.Error("in-flight result not cached")
	}
	if src.callCount(b) != 0 {
		t.Error("aborted task was fetched")
	}
}

func TestAbortTag(t *testing.T) {
	src := newFakeSource(true)
	q, _ := newTestQueue(t, src, Options{Concurrency: 1})

	a, b, d := key(0, 0), key(1, 0), key(2, 0)
	var calledA, calledB atomic.Bool
	q.Submit(Request{Key: a, Priority: PriorityVisible, Tag: "s1", Notify: func(Result) { calledA.Store(true) }})
	waitFor(t, "first fetch", func() bool { return src.callCount(a) == 1 })
	q.Submit(Request{Key: b, Priority: PriorityVisible, Tag: "s1", Notify: func(Result) { calledB.Store(true) }})
	q.Submit(Request{Key: d, Priority: PriorityVisible, Tag: "s1", Notify: func(Result) {}})
	c := newCollector()
	q.Enqueue(d, PriorityPrefetch, c.listener())

	if n := q.AbortTag("s1"); n != 1 {
		t.Errorf("AbortTag() = %d, want 1", n)
	}
	close(src.gate)
	c.wait(t)
	if err := q.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]tile.Key{a, d}, src.fetchOrder()); diff != "" {
		t.Errorf("fetch order mismatch (-want +got):\n%s", diff)
	}
	if calledA.Load() || calledB.Load() {
		t.Error("withdrawn listener was called")
	}
}

func TestInvalidKey(t *testing.T) {
	q, _ := newTestQueue(t, newFakeSource(false), Options{})
	var err error
	q.Enqueue(tile.Key{X: 9, Y: 0, Zoom: 2}, PriorityVisible, func(r Result) { err = r.Err })
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("error = %v, want ErrInvalidKey", err)
	}
}

func TestMemoryHitSkipsFetch(t *testing.T) {
	src := newFakeSource(false)
	q, store := newTestQueue(t, src, Options{})
	k := key(7, 7)
	store.Put(k, tile.Filled(k, color.Black))

	var got *tile.Tile
	q.Enqueue(k, PriorityVisible, func(r Result) { got = r.Tile })
	if got == nil {
		t.Fatal("memory hit not delivered synchronously")
	}
	if src.callCount(k) != 0 {
		t.Error("cached tile was fetched")
	}
}

func TestDownloadAdjacent(t *testing.T) {
	src := newFakeSource(false)
	q, store := newTestQueue(t, src, Options{})

	req := common.ViewportRequest{
		Center:       geo.ToGeo(geo.Pixel{X: 1100, Y: 1100}, 3),
		Width:        256,
		Height:       256,
		Zoom:         3,
		FallbackZoom: common.NoFallback,
		Layer:        tile.LayerSatellite,
	}
	if n := q.DownloadAdjacent(req); n != 12 {
		t.Fatalf("DownloadAdjacent() = %d, want 12", n)
	}
	if err := q.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	for row := 2; row <= 5; row++ {
		for col := 2; col <= 5; col++ {
			k := tile.Key{X: col, Y: row, Zoom: 3, Layer: tile.LayerSatellite}
			inner := col >= 3 && col <= 4 && row >= 3 && row <= 4
			if _, ok := store.Get(k); ok == inner {
				t.Errorf("%v cached = %v", k, ok)
			}
		}
	}
}

func TestDownloadAdjacentAtWorldEdge(t *testing.T) {
	q, _ := newTestQueue(t, newFakeSource(false), Options{})
	req := common.ViewportRequest{
		Center:       geo.ToGeo(geo.Pixel{X: 200, Y: 200}, 2),
		Width:        256,
		Height:       256,
		Zoom:         2,
		FallbackZoom: common.NoFallback,
		Layer:        tile.LayerMap,
	}
	// Visible cols 0-1 rows 0-1; the ring loses row -1 and wraps col -1 to 3.
	if n := q.DownloadAdjacent(req); n != 8 {
		t.Errorf("DownloadAdjacent() = %d, want 8", n)
	}
}

func TestClose(t *testing.T) {
	src := newFakeSource(true)
	store := cache.New(cache.Options{}, zap.NewNop())
	q := New(src, store, Options{Concurrency: 1}, zap.NewNop())
	c := newCollector()
	q.Enqueue(key(0, 0), PriorityVisible, c.listener())
	q.Enqueue(key(1, 0), PriorityVisible, c.listener())

	q.Close()
	c.wait(t)

	var closedErr error
	q.Enqueue(key(2, 0), PriorityVisible, func(r Result) { closedErr = r.Err })
	if !errors.Is(closedErr, ErrClosed) {
		t.Errorf("enqueue after close: %v", closedErr)
	}
}
