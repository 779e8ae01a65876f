package eventbus

import (
	"context"
	"sync"
)

// Recorder keeps the latest event per topic.
type Recorder struct {
	mu   sync.RWMutex
	last map[string]Event
}

func NewRecorder() *Recorder {
	return &Recorder{last: map[string]Event{}}
}

// Run consumes bus until ctx is done.
func (r *Recorder) Run(ctx context.Context, bus Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Record(e)
		}
	}
}

func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	r.last[e.Type] = e
	r.mu.Unlock()
}

// Last returns the most recent event published on topic.
func (r *Recorder) Last(topic string) (Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.last[topic]
	return e, ok
}
