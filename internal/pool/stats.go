package pool

import "sync/atomic"

// GroupStats is a point-in-time view of one Group.
type GroupStats struct {
	// Identity is the printable identity of the group
	Identity string
	// Size is the number of connections, including creations in flight
	Size int
	// Idle is the number of connections ready for reuse
	Idle int
	// Busy is the number of connections handed out
	Busy int
	// Pending is the number of connections being created
	Pending int
	// Created is the total number of connections the factory produced
	Created int64
	// Reused is the number of acquisitions served by an idle connection
	Reused int64
	// Released is the number of connections recycled to idle
	Released int64
	// Closed is the number of connections the pool closed
	Closed int64
	// Timeouts is the number of acquisitions that hit their deadline
	Timeouts int64
}

// RegistryStats aggregates the groups of one Registry.
type RegistryStats struct {
	Name   string
	Groups []GroupStats
	// Lifetime holds the event counts of every group the registry ever had,
	// including dropped ones. Only the counter fields are set.
	Lifetime GroupStats
}

// Totals sums the per-group figures. Identity is left empty.
func (s RegistryStats) Totals() GroupStats {
	var t GroupStats
	for _, g := range s.Groups {
		t.Size += g.Size
		t.Idle += g.Idle
		t.Busy += g.Busy
		t.Pending += g.Pending
		t.Created += g.Created
		t.Reused += g.Reused
		t.Released += g.Released
		t.Closed += g.Closed
		t.Timeouts += g.Timeouts
	}
	return t
}

type event int

const (
	evCreated event = iota
	evReused
	evReleased
	evClosed
	evTimeout
	numEvents
)

// counters are cumulative event counts. A group's counters also feed their
// parent, the registry totals, which outlive the group.
type counters struct {
	n      [numEvents]atomic.Int64
	parent *counters
}

func (c *counters) inc(ev event) {
	for ; c != nil; c = c.parent {
		c.n[ev].Add(1)
	}
}

func (c *counters) fill(st *GroupStats) {
	st.Created = c.n[evCreated].Load()
	st.Reused = c.n[evReused].Load()
	st.Released = c.n[evReleased].Load()
	st.Closed = c.n[evClosed].Load()
	st.Timeouts = c.n[evTimeout].Load()
}
