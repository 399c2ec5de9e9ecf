package pool

import (
	"sync"
	"time"
)

// State is the lifecycle state of a pooled connection.
type State int32

const (
	StateBusy State = iota
	StateIdle
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateBusy:
		return "BUSY"
	case StateIdle:
		return "IDLE"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Entry wraps one pooled connection with its lifecycle metadata.
// Every state transition happens under the entry's own mutex.
type Entry struct {
	conn Conn

	mu        sync.Mutex
	state     State
	idleSince time.Time
	uses      int64
}

func newEntry(conn Conn, state State, now time.Time) *Entry {
	e := &Entry{conn: conn, state: state}
	switch state {
	case StateBusy:
		e.uses = 1
	case StateIdle:
		e.idleSince = now
	}
	return e
}

// Conn returns the wrapped connection. Two entries are the same entry iff
// they wrap the same connection.
func (e *Entry) Conn() Conn {
	return e.conn
}

// TryAcquire moves an idle entry to busy and returns its connection.
// Of any number of concurrent callers at most one succeeds.
func (e *Entry) TryAcquire() (Conn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return nil, false
	}
	e.state = StateBusy
	e.uses++
	return e.conn, true
}

// Release moves a busy entry back to idle and stamps the idle-since time.
// It reports false if the entry was not busy, e.g. on a duplicate release.
func (e *Entry) Release() bool {
	return e.release(time.Now())
}

func (e *Entry) release(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateBusy {
		return false
	}
	e.state = StateIdle
	e.idleSince = now
	return true
}

// retire moves a busy entry straight to expired without closing its
// connection, for a release that drops the connection instead of recycling
// it. It reports false if the entry was not busy.
func (e *Entry) retire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateBusy {
		return false
	}
	e.state = StateExpired
	return true
}

// ExpireIfOlderThan expires an entry that has been idle since before
// threshold and closes its connection. Busy entries are never expired.
// The returned error comes from closing the connection; the entry is expired
// regardless.
func (e *Entry) ExpireIfOlderThan(threshold time.Time) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle || !e.idleSince.Before(threshold) {
		return false, nil
	}
	e.state = StateExpired
	return true, e.conn.CloseConnection()
}

// State returns the current state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Uses returns how many times the connection was handed out.
func (e *Entry) Uses() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uses
}

// IdleSince returns when the entry last became idle. Only meaningful while
// the entry is idle.
func (e *Entry) IdleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idleSince
}
