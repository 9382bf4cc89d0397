package pool

// GroupStats is a read-only snapshot of one Group's counters, used by
// diagnostics and tests. It never exposes mutable internals (jobs,
// requests) directly — only the counts the Group's invariants are stated
// in terms of.
type GroupStats struct {
	Group      GroupId
	HandedOut  int
	Connecting int
	Idle       int
	Pending    int
}

// Stats is a point-in-time snapshot of the whole Pool, the read-only
// surface package diagnostics exposes over HTTP as a stable diagnostic
// surface.
type Stats struct {
	MaxSockets         int
	MaxSocketsPerGroup int
	HandedOut          int
	Connecting         int
	Idle               int
	Stalled            bool
	Groups             []GroupStats
}

// Snapshot returns a consistent, read-only view of the Pool's current
// state. Safe to call from any context that can reach the TaskRunner (i.e.
// it must itself be invoked from within a posted task, same as every other
// Pool method).
func (p *Pool) Snapshot() Stats {
	st := Stats{
		MaxSockets:         p.cfg.MaxSockets,
		MaxSocketsPerGroup: p.cfg.MaxSocketsPerGroup,
		Stalled:            p.IsStalled(),
	}
	for _, id := range p.sortedGroupIDs() {
		g := p.groups[id]
		gs := GroupStats{
			Group:      id,
			HandedOut:  g.active,
			Connecting: len(g.jobs) + len(g.boundRequests),
			Idle:       len(g.idle),
			Pending:    len(g.pendingRequests),
		}
		st.HandedOut += gs.HandedOut
		st.Connecting += gs.Connecting
		st.Idle += gs.Idle
		st.Groups = append(st.Groups, gs)
	}
	return st
}

// GroupSnapshot returns the stats for a single Group, and whether it
// exists.
func (p *Pool) GroupSnapshot(id GroupId) (GroupStats, bool) {
	g, ok := p.groups[id]
	if !ok {
		return GroupStats{}, false
	}
	return GroupStats{
		Group:      id,
		HandedOut:  g.active,
		Connecting: len(g.jobs) + len(g.boundRequests),
		Idle:       len(g.idle),
		Pending:    len(g.pendingRequests),
	}, true
}
