package broker

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrWorkerExists    = errors.New("worker name already in use")
	ErrWorkerStopped   = errors.New("worker stopped")
	ErrUnavailable     = errors.New("channel unavailable")
	ErrBlocked         = errors.New("publishing blocked by broker")
	ErrSupervisorDown  = errors.New("supervisor stopped")
	ErrAlreadyStarted  = errors.New("already started")
)

// Policy controls what a worker does with work submitted while it has no
// usable channel (or publishing is blocked by the broker).
type Policy int

const (
	// QueuePolicy holds work and drains it once a channel is available and
	// the broker is not blocking publishes.
	QueuePolicy Policy = iota

	// DropPolicy rejects work immediately with an error.
	DropPolicy
)

func (p Policy) String() string {
	switch p {
	case QueuePolicy:
		return "queue"
	case DropPolicy:
		return "drop"
	}
	return "unknown"
}

// Work is a unit of caller-supplied logic run against a live channel.
type Work func(ch Channel) error

// WorkerOptions configure a Channel Worker at creation time.
type WorkerOptions struct {
	// Name identifies the worker. Empty means a generated identity.
	// Names must be unique per supervisor.
	Name string

	// Policy selects drop or queue behavior while the channel is
	// unavailable or blocked.
	Policy Policy

	// Init is run against every channel the worker receives, including
	// replacements after reconnection. May be nil.
	Init func(ch Channel) error

	// MailboxSize is the worker mailbox buffer. Zero means default.
	MailboxSize int
}

// SupervisorConfig configures the Connection Supervisor.
type SupervisorConfig struct {
	// ReconnectDelay is the fixed wait between failed connection attempts.
	ReconnectDelay time.Duration

	// Setup is run once per successful connection establishment, before
	// workers are re-provisioned. May be nil. Its result is ignored.
	Setup func(conn Connection, s *Supervisor)

	// EventBuffer is the capacity of the state event feed. Zero means
	// default. Events are dropped, not blocked on, when the feed is full.
	EventBuffer int
}

// DefaultSupervisorConfig returns sensible defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ReconnectDelay: 10 * time.Second,
		EventBuffer:    64,
	}
}

// EventKind classifies a state event.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventBlocked      EventKind = "blocked"
	EventUnblocked    EventKind = "unblocked"
	EventWorkerAdded  EventKind = "worker_added"
)

// StateEvent is an observer notification about a supervisor transition.
type StateEvent struct {
	Kind    EventKind `json:"kind"`
	Reason  string    `json:"reason,omitempty"`
	Workers int       `json:"workers"`
	At      time.Time `json:"at"`
}

// Status is a point-in-time snapshot of supervisor state.
type Status struct {
	Connected     bool   `json:"connected"`
	BlockedReason string `json:"blocked_reason,omitempty"`
	Workers       int    `json:"workers"`
}
