package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownPlatform is returned when no adapter is registered for a target's platform.
var ErrUnknownPlatform = errors.New("transport: unknown platform")

// Mux routes outbound calls to the adapter owning the target platform.
// It implements Adapter itself so the rest of the bot can stay platform agnostic.
type Mux struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewMux(adapters ...Adapter) *Mux {
	m := &Mux{adapters: map[string]Adapter{}}
	for _, a := range adapters {
		if a != nil {
			m.adapters[a.Platform()] = a
		}
	}
	return m
}

func (m *Mux) Platform() string { return "mux" }

// Platforms lists the registered platform names in sorted order.
func (m *Mux) Platforms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.adapters))
	for k := range m.adapters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Mux) Adapter(platform string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[platform]
	return a, ok
}

func (m *Mux) each() []Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a)
	}
	return out
}

func (m *Mux) Start(ctx context.Context, out chan<- Update) error {
	var started []Adapter
	for _, a := range m.each() {
		if err := a.Start(ctx, out); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("start %s: %w", a.Platform(), err)
		}
		started = append(started, a)
	}
	return nil
}

func (m *Mux) Stop(ctx context.Context) error {
	var errs []error
	for _, a := range m.each() {
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", a.Platform(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Mux) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	a, ok := m.Adapter(to.Platform)
	if !ok {
		return MessageRef{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, to.Platform)
	}
	return a.SendText(ctx, to, text, opt)
}

func (m *Mux) EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error {
	a, ok := m.Adapter(ref.Platform)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, ref.Platform)
	}
	return a.EditText(ctx, ref, text, opt)
}

func (m *Mux) DeleteMessage(ctx context.Context, ref MessageRef) error {
	a, ok := m.Adapter(ref.Platform)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, ref.Platform)
	}
	d, ok := a.(MessageDeleter)
	if !ok {
		return nil
	}
	return d.DeleteMessage(ctx, ref)
}

// SetStatus forwards text to every adapter that supports a presence line.
func (m *Mux) SetStatus(ctx context.Context, text string) error {
	var errs []error
	for _, a := range m.each() {
		if s, ok := a.(StatusSetter); ok {
			if err := s.SetStatus(ctx, text); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", a.Platform(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// UpdateMenuCommands forwards the command menu to adapters that support one.
func (m *Mux) UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error {
	var errs []error
	for _, a := range m.each() {
		if u, ok := a.(CommandMenuUpdater); ok {
			if err := u.UpdateMenuCommands(ctx, cmds); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", a.Platform(), err))
			}
		}
	}
	return errors.Join(errs...)
}
