package events

// Phase messages published while a viewport is drawn.
const (
	PhasePainting    = "Painting…"
	PhaseDownloading = "Downloading…"
	PhaseDone        = "Done"
)

// Listener is the UI-side collaborator of a viewport.
type Listener interface {
	OnProgress(owner string, completed, total int)
	OnMessage(owner, message string)
	OnBufferUpdated(owner string)
	OnDrawComplete(owner string, err error)
}

// Attach forwards bus events to l and returns the unsubscribe function.
func Attach(b *Bus, l Listener) func() {
	return b.Subscribe(func(e Event) {
		switch e.Kind {
		case KindProgress:
			l.OnProgress(e.Owner, e.Completed, e.Total)
		case KindMessage:
			l.OnMessage(e.Owner, e.Message)
		case KindBufferUpdated:
			l.OnBufferUpdated(e.Owner)
		case KindDrawComplete:
			l.OnDrawComplete(e.Owner, e.Err)
		}
	})
}

// Filter returns a handler that only passes events of the given kinds to fn.
func Filter(fn func(Event), kinds ...Kind) func(Event) {
	return func(e Event) {
		for _, k := range kinds {
			if e.Kind == k {
				fn(e)
				return
			}
		}
	}
}
