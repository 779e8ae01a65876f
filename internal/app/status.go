package app

import (
	"context"
	"sync"
	"time"

	kit "aocbot/internal/transport"
	"aocbot/pkg/logx"
)

// statusReporter pushes the presence line without blocking the scheduler.
// Updates that arrive while one is in flight collapse into the latest text,
// which is sent as soon as the running call returns.
type statusReporter struct {
	out kit.StatusSetter
	log logx.Logger

	mu      sync.Mutex
	running bool
	pending *string
}

func newStatusReporter(out kit.StatusSetter, log logx.Logger) *statusReporter {
	return &statusReporter{out: out, log: log.With(logx.String("comp", "status"))}
}

func (r *statusReporter) SetStatus(ctx context.Context, text string) {
	r.mu.Lock()
	if r.running {
		r.pending = &text
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.drain(context.WithoutCancel(ctx), text)
}

func (r *statusReporter) drain(ctx context.Context, text string) {
	for {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := r.out.SetStatus(cctx, text); err != nil {
			r.log.Warn("status update failed", logx.String("text", text), logx.Err(err))
		}
		cancel()

		r.mu.Lock()
		if r.pending == nil {
			r.running = false
			r.mu.Unlock()
			return
		}
		text = *r.pending
		r.pending = nil
		r.mu.Unlock()
	}
}
