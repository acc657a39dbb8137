package livesync

import (
	"sync"
	"time"
)

// Status is the connection state of the remote change stream.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusConnected, StatusDisconnected, StatusReconnecting:
		return true
	}
	return false
}

// Transition is one recorded status change.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// State is a point-in-time view of the listener.
type State struct {
	Status Status `json:"status"`
	Reason string `json:"reason"`
	// Terminal is set once reconnection gave up. Nothing retries after that.
	Terminal bool         `json:"terminal"`
	Attempts int          `json:"attempts"`
	History  []Transition `json:"history"`
}

type tracker struct {
	mu       sync.Mutex
	status   Status
	reason   string
	terminal bool
	attempts int
	history  []Transition
	limit    int
}

func newTracker(limit int) *tracker {
	if limit <= 0 {
		limit = 50
	}
	return &tracker{status: StatusDisconnected, reason: "not started", limit: limit}
}

// move records a transition to status. Moves to the current status are
// dropped, as is anything after the tracker turned terminal.
func (t *tracker) move(to Status, reason string, at time.Time) (Transition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminal || to == t.status {
		return Transition{}, false
	}
	tr := Transition{From: t.status, To: to, Reason: reason, At: at}
	t.status, t.reason = to, reason
	t.history = append(t.history, tr)
	if over := len(t.history) - t.limit; over > 0 {
		t.history = append([]Transition(nil), t.history[over:]...)
	}
	return tr, true
}

func (t *tracker) setAttempts(n int) {
	t.mu.Lock()
	t.attempts = n
	t.mu.Unlock()
}

func (t *tracker) markTerminal() {
	t.mu.Lock()
	t.terminal = true
	t.mu.Unlock()
}

// restart clears the terminal flag so a new run can move the status again.
func (t *tracker) restart() {
	t.mu.Lock()
	t.terminal = false
	t.attempts = 0
	t.mu.Unlock()
}

func (t *tracker) snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		Status:   t.status,
		Reason:   t.reason,
		Terminal: t.terminal,
		Attempts: t.attempts,
		History:  append([]Transition(nil), t.history...),
	}
}
