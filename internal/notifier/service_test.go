package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"aocbot/internal/eventbus"
	kit "aocbot/internal/transport"
	"aocbot/pkg/logx"
)

type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedSender) SendText(_ context.Context, to kit.ChatTarget, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return kit.MessageRef{}, err
		}
	}
	return kit.MessageRef{Platform: to.Platform, ChatID: to.ChatID, MessageID: int64(s.calls)}, nil
}

func newTestService(sender Sender, bus eventbus.Bus) *Service {
	s := New(Config{RatePerSec: 1000, RetryMax: 2}, sender, logx.Nop(), bus)
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return s
}

var chat = kit.ChatTarget{Platform: kit.PlatformTelegram, ChatID: 10}

func TestSendRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{errs: []error{errors.New("timeout"), nil}}
	s := newTestService(sender, nil)

	if err := s.Send(context.Background(), chat, "hi", nil); err != nil {
		t.Fatalf("Send = %v, want nil", err)
	}
	if sender.calls != 2 {
		t.Fatalf("calls = %d, want 2", sender.calls)
	}
	st := s.Stats()
	if st.Sent != 1 || st.Retries != 1 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
	h := s.History()
	if len(h) != 1 || !h[0].OK() || h[0].Attempts != 2 {
		t.Fatalf("history = %+v", h)
	}
}

func TestSendGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()

	boom := errors.New("bad gateway")
	sender := &scriptedSender{errs: []error{boom, boom, boom, boom}}
	s := newTestService(sender, nil)

	err := s.Send(context.Background(), chat, "hi", nil)
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("Send = %v, want *DeliveryError", err)
	}
	if de.Attempts != 3 || !errors.Is(err, boom) || de.Target != chat {
		t.Fatalf("DeliveryError = %+v", de)
	}
	if sender.calls != 3 {
		t.Fatalf("calls = %d, want 3", sender.calls)
	}
}

func TestSendDoesNotRetryUnavailableChat(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{errs: []error{fmt.Errorf("telegram: %w", kit.ErrChatUnavailable)}}
	s := newTestService(sender, nil)

	err := s.Send(context.Background(), chat, "hi", nil)
	if !errors.Is(err, kit.ErrChatUnavailable) {
		t.Fatalf("Send = %v, want ErrChatUnavailable", err)
	}
	if sender.calls != 1 {
		t.Fatalf("calls = %d, want 1", sender.calls)
	}
}

func TestSendStopsOnCancel(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{errs: []error{errors.New("x"), errors.New("x"), errors.New("x")}}
	s := newTestService(sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	if err := s.Send(ctx, chat, "hi", nil); err == nil {
		t.Fatalf("Send = nil, want error")
	}
	if sender.calls != 1 {
		t.Fatalf("calls = %d, want 1", sender.calls)
	}
}

func TestSendPublishesEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	sender := &scriptedSender{errs: []error{nil, kit.ErrChatUnavailable}}
	s := newTestService(sender, bus)
	_ = s.Send(context.Background(), chat, "a", nil)
	_ = s.Send(context.Background(), chat, "b", nil)

	want := []string{eventbus.TopicNotifySent, eventbus.TopicNotifyFailed}
	for _, topic := range want {
		select {
		case e := <-ch:
			if e.Type != topic {
				t.Fatalf("event = %s, want %s", e.Type, topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", topic)
		}
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	s := New(Config{RatePerSec: 1000, HistorySize: 3}, &scriptedSender{}, logx.Nop(), nil)
	for i := 0; i < 5; i++ {
		_ = s.Send(context.Background(), chat, fmt.Sprint(i), nil)
	}
	h := s.History()
	if len(h) != 3 || h[0].Preview != "2" || h[2].Preview != "4" {
		t.Fatalf("history = %+v, want the last three", h)
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	cases := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 70 * time.Millisecond, 130 * time.Millisecond},
		{2, 140 * time.Millisecond, 260 * time.Millisecond},
		{3, 280 * time.Millisecond, 520 * time.Millisecond},
		{10, 700 * time.Millisecond, time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 50; i++ {
			d := retryDelay(cfg, tc.attempt)
			if d < tc.min || d > tc.max {
				t.Fatalf("retryDelay(%d) = %v, want [%v, %v]", tc.attempt, d, tc.min, tc.max)
			}
		}
	}
}
