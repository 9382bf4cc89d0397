package pool

// HigherLayeredPool is implemented by a collaborator sitting above this
// Pool (e.g. package sessionpool's multiplexed-session manager) that can
// give a socket back under memory/stall pressure even though it isn't
// sitting idle in a Group.
type HigherLayeredPool interface {
	// CloseOneIdleConnection closes one connection this pool considers idle
	// and reports whether it found one to close.
	CloseOneIdleConnection() bool
}

// higherLayeredPools is a reentrant-safe registry: CloseOneIdleConnection
// is itself allowed to call back into AddHigherLayeredPool or
// RemoveHigherLayeredPool (e.g. a session manager tearing itself down),
// so every iteration snapshots the slice rather than ranging over the live
// one.
type higherLayeredPools struct {
	pools []HigherLayeredPool
}

func (h *higherLayeredPools) add(p HigherLayeredPool) {
	for _, existing := range h.pools {
		if existing == p {
			return
		}
	}
	h.pools = append(h.pools, p)
}

func (h *higherLayeredPools) remove(p HigherLayeredPool) {
	for i, existing := range h.pools {
		if existing == p {
			h.pools = append(h.pools[:i], h.pools[i+1:]...)
			return
		}
	}
}

// closeOneIdleConnection asks each registered pool, oldest-registered
// first, to give up one idle connection; stops at the first success.
func (h *higherLayeredPools) closeOneIdleConnection() bool {
	snapshot := make([]HigherLayeredPool, len(h.pools))
	copy(snapshot, h.pools)
	for _, p := range snapshot {
		if p.CloseOneIdleConnection() {
			return true
		}
	}
	return false
}
