package events

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func TestBusSubscribeUnsubscribe(t *testing.T) {
	b := NewBus()
	var got []Kind
	unsub := b.Subscribe(func(e Event) { got = append(got, e.Kind) })

	b.Publish(Event{Kind: KindProgress})
	b.Publish(Event{Kind: KindDrawComplete})
	unsub()
	unsub()
	b.Publish(Event{Kind: KindMessage})

	if diff := cmp.Diff([]Kind{KindProgress, KindDrawComplete}, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestBusStampsTime(t *testing.T) {
	b := NewBus()
	var e Event
	b.Subscribe(func(got Event) { e = got })
	b.Publish(Event{Kind: KindMessage})
	if e.Time.IsZero() {
		t.Error("publish did not set time")
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindMessage})
}

func TestBusConcurrentPublish(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	count := 0
	b.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(Event{Kind: KindProgress})
		}()
	}
	wg.Wait()
	if count != 50 {
		t.Errorf("count = %d, want 50", count)
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		completed, total, want int
	}{
		{0, 20, 0},
		{5, 20, 25},
		{20, 20, 100},
		{0, 0, 100},
	}
	for _, tt := range tests {
		if got := (Event{Completed: tt.completed, Total: tt.total}).Percent(); got != tt.want {
			t.Errorf("Percent(%d/%d) = %d, want %d", tt.completed, tt.total, got, tt.want)
		}
	}
}

type recorder struct {
	calls []string
	err   error
}

func (r *recorder) OnProgress(owner string, completed, total int) {
	r.calls = append(r.calls, "progress")
}
func (r *recorder) OnMessage(owner, message string) { r.calls = append(r.calls, message) }
func (r *recorder) OnBufferUpdated(owner string)    { r.calls = append(r.calls, "buffer") }
func (r *recorder) OnDrawComplete(owner string, err error) {
	r.calls = append(r.calls, "complete")
	r.err = err
}

func TestAttach(t *testing.T) {
	b := NewBus()
	r := &recorder{}
	detach := Attach(b, r)

	failure := errors.New("boom")
	b.Publish(Event{Kind: KindMessage, Message: PhasePainting})
	b.Publish(Event{Kind: KindProgress, Completed: 1, Total: 2})
	b.Publish(Event{Kind: KindBufferUpdated})
	b.Publish(Event{Kind: KindWarning, Message: "ignored"})
	b.Publish(Event{Kind: KindDrawComplete, Err: failure})
	detach()
	b.Publish(Event{Kind: KindMessage, Message: PhaseDone})

	want := []string{PhasePainting, "progress", "buffer", "complete"}
	if diff := cmp.Diff(want, r.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if r.err != failure {
		t.Errorf("err = %v", r.err)
	}
}

func TestFilter(t *testing.T) {
	var got []Kind
	fn := Filter(func(e Event) { got = append(got, e.Kind) }, KindWarning)
	fn(Event{Kind: KindProgress})
	fn(Event{Kind: KindWarning})
	if diff := cmp.Diff([]Kind{KindWarning}, got); diff != "" {
		t.Error(diff)
	}
}
