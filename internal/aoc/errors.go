package aoc

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the leaderboard or puzzle does not exist upstream.
	ErrNotFound = errors.New("aoc: not found")
	// ErrUnauthorized means the session cookie was rejected.
	ErrUnauthorized = errors.New("aoc: session rejected")
	// ErrTransient covers network failures, timeouts, upstream errors and bad payloads.
	ErrTransient = errors.New("aoc: temporary failure")
)

type Kind uint8

const (
	KindTransient Kind = iota
	KindNotFound
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "transient"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindUnauthorized:
		return ErrUnauthorized
	default:
		return ErrTransient
	}
}

// FetchError is returned by every Client call that fails.
type FetchError struct {
	Kind   Kind
	Op     string // "leaderboard" or "puzzle"
	Status int    // HTTP status, 0 when no response was read
	Err    error
}

func (e *FetchError) Error() string {
	msg := "aoc " + e.Op + ": " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNotFound) and friends work on a FetchError.
func (e *FetchError) Is(target error) bool { return target == e.Kind.sentinel() }

// KindOf classifies err. Unknown errors are transient.
func KindOf(err error) Kind {
	var fe *FetchError
	switch {
	case errors.As(err, &fe):
		return fe.Kind
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	default:
		return KindTransient
	}
}

func transient(op string, status int, err error) *FetchError {
	return &FetchError{Kind: KindTransient, Op: op, Status: status, Err: err}
}

// canceledByCaller reports errors caused by the caller giving up rather than upstream misbehaving.
func canceledByCaller(err error) bool {
	return errors.Is(err, context.Canceled)
}
