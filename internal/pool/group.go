package pool

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Group is the set of interchangeable connections for one identity.
//
// The entry slice is only touched under mu. Waiters block on wake, a channel
// that is closed and replaced on every release, removal or close, which gives
// broadcast semantics with context and deadline support.
type Group struct {
	identity string
	sizes    Sizes
	factory  Factory
	logger   *slog.Logger

	mu      sync.Mutex
	entries []*Entry
	pending int // creations in flight, counted against capacity
	closed  bool
	wake    chan struct{}
	onEmpty func(*Group)

	stats counters
}

// NewGroup creates a group and eagerly opens min(Init, Max) idle connections.
// A factory error aborts construction, closes what was already opened and is
// returned as a *CreationError.
func NewGroup(ctx context.Context, identity string, sizes Sizes, factory Factory, logger *slog.Logger) (*Group, error) {
	return newGroup(ctx, identity, sizes, factory, logger, nil, nil)
}

// newGroup also reports the group's events to totals when it is not nil.
func newGroup(ctx context.Context, identity string, sizes Sizes, factory Factory, logger *slog.Logger, totals *counters, onEmpty func(*Group)) (*Group, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Group{
		identity: identity,
		sizes:    sizes,
		factory:  factory,
		logger:   logger.With(slog.String("identity", identity)),
		wake:     make(chan struct{}),
		onEmpty:  onEmpty,
		stats:    counters{parent: totals},
	}

	n := sizes.initial()
	for i := 0; i < n; i++ {
		conn, err := factory.Create(ctx, g)
		if err != nil {
			g.logger.Error("group_init_failed",
				slog.Int("attempt", i+1),
				slog.String("error", err.Error()))
			for _, e := range g.entries {
				g.closeConn(e.conn, "init_failed")
			}
			return nil, &CreationError{Identity: identity, Err: err}
		}
		g.entries = append(g.entries, newEntry(conn, StateIdle, time.Now()))
		g.stats.inc(evCreated)
	}

	g.logger.Debug("group_created",
		slog.Int("initial", n),
		slog.Int("preferred", sizes.Preferred),
		slog.Int("max", sizes.Max))

	return g, nil
}

// Identity returns the printable identity the group was created for.
func (g *Group) Identity() string {
	return g.identity
}

// Acquire returns a connection, reusing an idle one or creating a new one.
// When the group is at capacity it blocks until a connection is released or
// removed. A positive timeout bounds the wait and yields ErrCapacityTimeout;
// zero or negative waits indefinitely. A done ctx yields an error matching
// ErrInterrupted. Factory errors are returned immediately as *CreationError.
func (g *Group) Acquire(ctx context.Context, timeout time.Duration) (Conn, error) {
	return g.acquire(ctx, deadlineFor(timeout))
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func (g *Group) acquire(ctx context.Context, deadline time.Time) (Conn, error) {
	for {
		conn, create, wake, err := g.tryAcquire()
		if err != nil {
			return nil, err
		}
		if conn != nil {
			return conn, nil
		}
		if create {
			return g.create(ctx)
		}

		if err := ctx.Err(); err != nil {
			return nil, &interruptedError{cause: err}
		}

		var expired <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				g.stats.inc(evTimeout)
				g.logger.Debug("acquire_timeout")
				return nil, ErrCapacityTimeout
			}
			timer = time.NewTimer(remaining)
			expired = timer.C
		}

		select {
		case <-wake:
		case <-expired:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, &interruptedError{cause: ctx.Err()}
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// tryAcquire is one pass of the acquire policy under the group lock. It
// returns either a reused connection, a reservation to create one, or the
// wake channel to block on.
func (g *Group) tryAcquire() (Conn, bool, <-chan struct{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, false, nil, ErrGroupClosed
	}

	size := g.sizeLocked()
	// Below the preferred size the group grows even if idle entries exist.
	if g.sizes.Preferred <= 0 || size >= g.sizes.Preferred {
		for _, e := range g.entries {
			if conn, ok := e.TryAcquire(); ok {
				g.stats.inc(evReused)
				return conn, false, nil, nil
			}
		}
	}

	if g.sizes.Max > 0 && size >= g.sizes.Max {
		return nil, false, g.wake, nil
	}
	g.pending++
	return nil, true, nil, nil
}

// create runs the factory outside the lock against a reserved slot.
func (g *Group) create(ctx context.Context) (Conn, error) {
	start := time.Now()
	conn, err := g.factory.Create(ctx, g)

	g.mu.Lock()
	g.pending--
	if err != nil {
		g.broadcastLocked()
		g.mu.Unlock()
		g.logger.Debug("connection_create_failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		return nil, &CreationError{Identity: g.identity, Err: err}
	}
	g.entries = append(g.entries, newEntry(conn, StateBusy, time.Now()))
	size := len(g.entries)
	g.mu.Unlock()

	g.stats.inc(evCreated)
	g.logger.Debug("connection_created",
		slog.Duration("duration", time.Since(start)),
		slog.Int("size", size))
	return conn, nil
}

// Release hands a connection back. A closed group, or one above its
// preferred size, closes and drops the connection instead of recycling it.
// It reports false when the connection does not belong to the group or was
// already idle.
func (g *Group) Release(conn Conn) bool {
	g.mu.Lock()
	i := g.indexLocked(conn)
	if i < 0 {
		g.mu.Unlock()
		return false
	}

	var drop *Entry
	var ok bool
	if g.closed || (g.sizes.Preferred > 0 && g.sizeLocked() > g.sizes.Preferred) {
		// only the holder of a busy entry may drop it
		if ok = g.entries[i].retire(); ok {
			drop = g.entries[i]
			g.entries = slices.Delete(g.entries, i, i+1)
		}
	} else {
		ok = g.entries[i].Release()
	}
	if !ok {
		g.mu.Unlock()
		return false
	}
	g.broadcastLocked()
	g.mu.Unlock()

	if drop != nil {
		g.closeConn(drop.conn, "release")
	} else {
		g.stats.inc(evReleased)
	}
	return true
}

// Remove drops the connection from the group without closing it.
func (g *Group) Remove(conn Conn) bool {
	g.mu.Lock()
	i := g.indexLocked(conn)
	if i < 0 {
		g.mu.Unlock()
		return false
	}
	g.entries = slices.Delete(g.entries, i, i+1)
	g.broadcastLocked()
	empty := len(g.entries) == 0 && g.pending == 0
	onEmpty := g.onEmpty
	g.mu.Unlock()

	g.logger.Debug("connection_removed")
	if empty && onEmpty != nil {
		onEmpty(g)
	}
	return true
}

// Expire closes every entry idle since before threshold and drops it from
// the group. It reports whether the group is empty afterwards.
//
// The per-entry lock makes the close safe without holding the group lock,
// so the slow part runs against a snapshot.
func (g *Group) Expire(threshold time.Time) bool {
	g.mu.Lock()
	snapshot := slices.Clone(g.entries)
	g.mu.Unlock()

	expired := 0
	for _, e := range snapshot {
		ok, err := e.ExpireIfOlderThan(threshold)
		if !ok {
			continue
		}
		expired++
		g.stats.inc(evClosed)
		if err != nil {
			g.logger.Warn("connection_close_error",
				slog.String("operation", "expire"),
				slog.String("error", err.Error()))
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if expired > 0 {
		g.entries = slices.DeleteFunc(g.entries, func(e *Entry) bool {
			return e.State() == StateExpired
		})
		g.broadcastLocked()
		g.logger.Debug("group_expired",
			slog.Int("expired", expired),
			slog.Int("remaining", len(g.entries)))
	}
	return len(g.entries) == 0 && g.pending == 0
}

// Close expires all idle connections now and marks the group closed, so
// connections still in use are closed when released.
func (g *Group) Close() {
	g.mu.Lock()
	g.closed = true
	g.broadcastLocked()
	g.mu.Unlock()

	// idle since now or earlier
	g.Expire(time.Now().Add(time.Nanosecond))
	g.logger.Debug("group_closed")
}

// retireIfEmpty closes an empty group so it can be dropped from a registry
// without racing an acquire that already looked it up.
func (g *Group) retireIfEmpty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.entries) > 0 || g.pending > 0 {
		return false
	}
	g.closed = true
	g.broadcastLocked()
	return true
}

// Size returns the number of connections, including creations in flight.
func (g *Group) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sizeLocked()
}

// Closed reports whether Close was called.
func (g *Group) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Stats returns a point-in-time view of the group.
func (g *Group) Stats() GroupStats {
	g.mu.Lock()
	st := GroupStats{
		Identity: g.identity,
		Size:     g.sizeLocked(),
		Pending:  g.pending,
	}
	for _, e := range g.entries {
		switch e.State() {
		case StateIdle:
			st.Idle++
		case StateBusy:
			st.Busy++
		}
	}
	g.mu.Unlock()

	g.stats.fill(&st)
	return st
}

func (g *Group) sizeLocked() int {
	return len(g.entries) + g.pending
}

func (g *Group) indexLocked(conn Conn) int {
	return slices.IndexFunc(g.entries, func(e *Entry) bool {
		return e.conn == conn
	})
}

func (g *Group) broadcastLocked() {
	close(g.wake)
	g.wake = make(chan struct{})
}

func (g *Group) closeConn(conn Conn, operation string) {
	g.stats.inc(evClosed)
	if err := conn.CloseConnection(); err != nil {
		g.logger.Warn("connection_close_error",
			slog.String("operation", operation),
			slog.String("error", err.Error()))
		return
	}
	g.logger.Debug("connection_closed", slog.String("operation", operation))
}
