package timesource

import "fmt"

// SyncState is where the source is in acquiring network time.
type SyncState int

const (
	Unsynced SyncState = iota
	Syncing
	Synced
	// Stale means the clock was synced once but has since become implausible.  A stale source
	// stays on the fallback clock.
	Stale
)

func (s SyncState) String() string {
	switch s {
	case Unsynced:
		return "unsynced"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	case Stale:
		return "stale"
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

// Event is a network link notification.
type Event int

const (
	// EventStarted is sent once the link driver is up and ready to associate.
	EventStarted Event = iota
	// EventDisconnected is sent when association fails or an established association drops.
	EventDisconnected
	// EventGotAddress is sent when the link has a usable address.
	EventGotAddress
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventDisconnected:
		return "disconnected"
	case EventGotAddress:
		return "got address"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Outcome is the result of a connection attempt.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeConnected
	OutcomeFailed
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeConnected:
		return "connected"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed out"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Terminal reports whether the outcome ends the attempt.
func (o Outcome) Terminal() bool {
	return o != OutcomePending
}

// ConnectionAttempt tracks one session's association retries.
type ConnectionAttempt struct {
	Retries int
	Outcome Outcome
}
