// Package telemetry sends draw outcomes and warnings to PostHog. Without a
// key every call is a no-op.
package telemetry

import (
	goruntime "runtime"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"go.uber.org/zap"

	"tileview/internal/events"
)

// client is the subset of posthog.Client the tracker uses.
type client interface {
	Enqueue(posthog.Message) error
	Close() error
}

// Tracker forwards events to PostHog.
type Tracker struct {
	client     client
	distinctID string
	log        *zap.Logger
}

// New creates a tracker. An empty key disables tracking. An empty
// distinctID gets a random one.
func New(key, host, distinctID string, log *zap.Logger) (*Tracker, error) {
	t := &Tracker{distinctID: distinctID, log: log.Named("telemetry")}
	if t.distinctID == "" {
		t.distinctID = uuid.NewString()
	}
	if key == "" {
		return t, nil
	}
	c, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: host})
	if err != nil {
		return nil, err
	}
	t.client = c
	return t, nil
}

// Enabled reports whether events are sent anywhere.
func (t *Tracker) Enabled() bool {
	return t != nil && t.client != nil
}

// Track sends an event with props.
func (t *Tracker) Track(event string, props map[string]interface{}) {
	if !t.Enabled() {
		return
	}
	p := posthog.NewProperties().
		Set("os", goruntime.GOOS).
		Set("arch", goruntime.GOARCH)
	for k, v := range props {
		p.Set(k, v)
	}
	if err := t.client.Enqueue(posthog.Capture{
		DistinctId: t.distinctID,
		Event:      event,
		Properties: p,
	}); err != nil {
		t.log.Debug("failed to enqueue event", zap.String("event", event), zap.Error(err))
	}
}

// Subscribe tracks draw completions and warnings published on bus.
func (t *Tracker) Subscribe(bus *events.Bus) func() {
	return bus.Subscribe(events.Filter(func(e events.Event) {
		props := map[string]interface{}{"owner": e.Owner}
		if e.Session != "" {
			props["session"] = e.Session
		}
		if e.Err != nil {
			props["error"] = e.Err.Error()
		}
		if e.Kind == events.KindWarning {
			props["message"] = e.Message
		}
		t.Track(string(e.Kind), props)
	}, events.KindDrawComplete, events.KindWarning))
}

// Close flushes pending events.
func (t *Tracker) Close() error {
	if !t.Enabled() {
		return nil
	}
	return t.client.Close()
}
