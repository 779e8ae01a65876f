package notifier

import (
	"fmt"
	"time"

	kit "aocbot/internal/transport"
)

type Config struct {
	RatePerSec    float64
	Burst         int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

// HistoryItem is one delivery outcome.
type HistoryItem struct {
	At       time.Time
	Target   kit.ChatTarget
	Attempts int
	Preview  string
	Error    string
}

func (h HistoryItem) OK() bool { return h.Error == "" }

// Event is published on the bus after every Send.
type Event struct {
	Platform string    `json:"platform"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// DeliveryError is returned when a post could not be delivered.
type DeliveryError struct {
	Target   kit.ChatTarget
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s after %d attempt(s): %v", e.Target, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
