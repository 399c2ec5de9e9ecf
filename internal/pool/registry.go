package pool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"
)

// Registry maps identities to their Group. There is at most one group per
// identity in the map at any time.
//
// Groups leave the registry when an expiry sweep empties them, when a removal
// empties them, when Forget is called, or when every Pin for their identity
// has become unreachable. The last two close the group's idle connections.
// Notifications about emptied groups and dropped pins are queued without
// blocking the notifying goroutine and drained lazily before every Acquire
// and after every Expire.
type Registry[K comparable] struct {
	name   string
	sizes  Sizes
	logger *slog.Logger

	mu     sync.Mutex
	groups map[K]*Group
	pins   map[K]int
	closed bool

	notices noticeQueue[K]
	totals  counters
}

// NewRegistry creates an empty registry whose groups use sizes.
func NewRegistry[K comparable](name string, sizes Sizes, logger *slog.Logger) *Registry[K] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[K]{
		name:   name,
		sizes:  sizes,
		logger: logger.With(slog.String("registry", name)),
		groups: make(map[K]*Group),
		pins:   make(map[K]int),
	}
}

// Name returns the registry name given at construction.
func (r *Registry[K]) Name() string {
	return r.name
}

// Acquire returns a connection for id, creating the group on first use.
// Blocking on one identity's capacity never holds the registry lock, so it
// does not delay acquisitions for other identities.
func (r *Registry[K]) Acquire(ctx context.Context, id K, timeout time.Duration, factory Factory) (Conn, error) {
	r.reclaim()

	deadline := deadlineFor(timeout)
	for {
		g, err := r.groupFor(ctx, id, factory)
		if err != nil {
			return nil, err
		}
		conn, err := g.acquire(ctx, deadline)
		if errors.Is(err, ErrGroupClosed) {
			if r.Closed() {
				return nil, ErrRegistryClosed
			}
			// retired or reclaimed after lookup, a fresh group takes over
			continue
		}
		return conn, err
	}
}

// groupFor finds or creates the group for id. The initial population is
// created outside the registry lock; if another goroutine won the race the
// spare group is closed.
func (r *Registry[K]) groupFor(ctx context.Context, id K, factory Factory) (*Group, error) {
	r.mu.Lock()
	g, ok := r.groups[id]
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrRegistryClosed
	}
	if ok {
		return g, nil
	}

	label := fmt.Sprint(id)
	fresh, err := newGroup(ctx, label, r.sizes, factory, r.logger, &r.totals, func(g *Group) {
		r.notices.push(notice[K]{id: id, group: g})
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	closed = r.closed
	if g, ok = r.groups[id]; !ok && !closed {
		r.groups[id] = fresh
	}
	r.mu.Unlock()

	if closed {
		fresh.Close()
		return nil, ErrRegistryClosed
	}
	if ok {
		fresh.Close()
		return g, nil
	}
	r.logger.Debug("group_registered", slog.String("identity", label))
	return fresh, nil
}

// Expire runs an expiry sweep over every group and drops the groups it
// empties. A later Acquire for a dropped identity starts a brand-new group.
func (r *Registry[K]) Expire(threshold time.Time) {
	type pair struct {
		id K
		g  *Group
	}

	r.mu.Lock()
	snapshot := make([]pair, 0, len(r.groups))
	for id, g := range r.groups {
		snapshot = append(snapshot, pair{id, g})
	}
	r.mu.Unlock()

	var emptied []pair
	for _, p := range snapshot {
		if p.g.Expire(threshold) {
			emptied = append(emptied, p)
		}
	}

	if len(emptied) > 0 {
		dropped := 0
		r.mu.Lock()
		for _, p := range emptied {
			if r.groups[p.id] == p.g && p.g.retireIfEmpty() {
				delete(r.groups, p.id)
				dropped++
			}
		}
		r.mu.Unlock()
		if dropped > 0 {
			r.logger.Debug("empty_groups_dropped", slog.Int("dropped", dropped))
		}
	}

	r.reclaim()
}

// Forget drops the group for id and closes its idle connections. Connections
// still in use are closed when released. It reports whether a group existed.
func (r *Registry[K]) Forget(id K) bool {
	r.mu.Lock()
	g, ok := r.groups[id]
	delete(r.groups, id)
	r.mu.Unlock()

	if ok {
		g.Close()
		r.logger.Debug("group_forgotten", slog.String("identity", g.Identity()))
	}
	return ok
}

// Pin ties the lifetime of id's group to the returned value. Once every pin
// for id is unreachable the group is reclaimed on the next drain.
// Identities that were never pinned are only dropped by expiry, removal or
// Forget.
func (r *Registry[K]) Pin(id K) *Pin[K] {
	p := &Pin[K]{id: id, registry: r}

	r.mu.Lock()
	r.pins[id]++
	r.mu.Unlock()

	queue := &r.notices
	runtime.AddCleanup(p, func(id K) {
		queue.push(notice[K]{id: id, unpinned: true})
	}, id)
	return p
}

// reclaim drains pending notifications. Orphaned groups are closed outside
// the registry lock.
func (r *Registry[K]) reclaim() {
	notices := r.notices.drain()
	if len(notices) == 0 {
		return
	}

	var orphans []*Group
	r.mu.Lock()
	for _, n := range notices {
		if n.unpinned {
			if r.pins[n.id]--; r.pins[n.id] > 0 {
				continue
			}
			delete(r.pins, n.id)
			if g, ok := r.groups[n.id]; ok {
				delete(r.groups, n.id)
				orphans = append(orphans, g)
			}
			continue
		}
		if g, ok := r.groups[n.id]; ok && g == n.group && g.retireIfEmpty() {
			delete(r.groups, n.id)
		}
	}
	r.mu.Unlock()

	for _, g := range orphans {
		g.Close()
		r.logger.Debug("orphan_group_reclaimed", slog.String("identity", g.Identity()))
	}
}

// Lookup returns the current group for id, if any.
func (r *Registry[K]) Lookup(id K) (*Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	return g, ok
}

// Len returns the number of groups.
func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// Stats returns the stats of every group, ordered by identity.
func (r *Registry[K]) Stats() RegistryStats {
	r.mu.Lock()
	groups := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.mu.Unlock()

	st := RegistryStats{Name: r.name, Groups: make([]GroupStats, 0, len(groups))}
	r.totals.fill(&st.Lifetime)
	for _, g := range groups {
		st.Groups = append(st.Groups, g.Stats())
	}
	slices.SortFunc(st.Groups, func(a, b GroupStats) int {
		return cmp.Compare(a.Identity, b.Identity)
	})
	return st
}

// Closed reports whether Close was called.
func (r *Registry[K]) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close closes and drops every group. Acquire returns ErrRegistryClosed
// afterwards, including to callers that were waiting for capacity.
func (r *Registry[K]) Close() {
	r.mu.Lock()
	r.closed = true
	groups := r.groups
	r.groups = make(map[K]*Group)
	r.mu.Unlock()

	for _, g := range groups {
		g.Close()
	}
	r.notices.drain()
	r.logger.Debug("registry_closed", slog.Int("groups", len(groups)))
}

// Pin keeps an identity's group registered while reachable.
type Pin[K comparable] struct {
	id       K
	registry *Registry[K]
}

// Identity returns the pinned identity.
func (p *Pin[K]) Identity() K {
	return p.id
}

type notice[K comparable] struct {
	id       K
	group    *Group // set for emptied groups
	unpinned bool
}

// noticeQueue has its own lock so pushes never wait on registry or group
// locks.
type noticeQueue[K comparable] struct {
	mu      sync.Mutex
	pending []notice[K]
}

func (q *noticeQueue[K]) push(n notice[K]) {
	q.mu.Lock()
	q.pending = append(q.pending, n)
	q.mu.Unlock()
}

func (q *noticeQueue[K]) drain() []notice[K] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}
