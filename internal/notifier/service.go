package notifier

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"aocbot/internal/eventbus"
	kit "aocbot/internal/transport"
	"aocbot/pkg/logx"
)

// Sender is the transport side of a delivery.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Stats counts outcomes since start.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Retries uint64
}

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender Sender
	log    logx.Logger
	bus    eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem

	sent    atomic.Uint64
	failed  atomic.Uint64
	retries atomic.Uint64

	// sleep waits between attempts. Tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		sleep:  sleepCtx,
	}
	s.Apply(cfg)
	return s
}

// Apply swaps in cfg. In-flight sends finish with the previous settings.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RatePerSec))
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	s.mu.Unlock()
}

// Send delivers text to one chat. Errors marked kit.ErrChatUnavailable are
// not retried.
func (s *Service) Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	attempts, err := s.attempt(ctx, cfg, lim, to, text, opt)
	s.record(to, text, attempts, err)
	if err != nil {
		return &DeliveryError{Target: to, Attempts: attempts, Err: err}
	}
	return nil
}

func (s *Service) attempt(ctx context.Context, cfg Config, lim *rate.Limiter, to kit.ChatTarget, text string, opt *kit.SendOptions) (int, error) {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt - 1, lastErr
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendText(callCtx, to, text, opt)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if !retryable(err) || attempt == maxAttempts || ctx.Err() != nil {
			return attempt, err
		}

		s.retries.Add(1)
		delay := retryDelay(cfg, attempt)
		s.log.Debug("send failed, retrying",
			logx.Stringer("target", to),
			logx.Int("attempt", attempt),
			logx.Duration("backoff", delay),
			logx.Err(err),
		)
		if err := s.sleep(ctx, delay); err != nil {
			return attempt, lastErr
		}
	}
	return maxAttempts, lastErr
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, kit.ErrChatUnavailable), errors.Is(err, kit.ErrUnknownPlatform):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func (s *Service) record(to kit.ChatTarget, text string, attempts int, err error) {
	now := time.Now()
	item := HistoryItem{At: now, Target: to, Attempts: attempts, Preview: preview(text)}
	ev := Event{Platform: to.Platform, ChatID: to.ChatID, ThreadID: to.ThreadID, Attempts: attempts, At: now}
	topic := eventbus.TopicNotifySent
	if err != nil {
		item.Error = err.Error()
		ev.Error = err.Error()
		topic = eventbus.TopicNotifyFailed
		s.failed.Add(1)
	} else {
		s.sent.Add(1)
	}

	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()

	s.bus.Publish(eventbus.Event{Type: topic, Time: now, Data: ev})
}

// History returns recent outcomes, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Failed: s.failed.Load(), Retries: s.retries.Load()}
}

func preview(text string) string {
	const n = 60
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "…"
}

// retryDelay is the wait after the given attempt: RetryBase doubled per
// attempt, capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
