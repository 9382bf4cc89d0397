package pool

import "time"

// IdleSocket is a socket sitting in a Group's idle list, waiting either to
// be reused by a future Request or evicted by age/generation/pool flush.
type IdleSocket struct {
	Socket StreamSocket

	// Generation is the Group's generation at the time this socket was
	// returned. A mismatch against the Group's current generation makes the
	// socket unusable even if it otherwise looks healthy (generation-based
	// invalidation).
	Generation uint64

	ReturnedAt time.Time
	UsedBefore bool
}

// usable reports whether this idle entry can be handed to a new Request
// right now: generation current, within its used/unused timeout, and
// passing the liveness check appropriate to whether it was ever used. A
// never-used socket only needs IsConnected (it may legitimately carry
// unread greeting bytes); a used socket must be IsConnectedAndIdle, since
// unread bytes left over from its last exchange mean something is wrong.
func (e *IdleSocket) usable(currentGeneration uint64, cfg Config, now time.Time) bool {
	if e.Generation != currentGeneration {
		return false
	}
	if e.UsedBefore {
		if !e.Socket.IsConnectedAndIdle() {
			return false
		}
	} else if !e.Socket.IsConnected() {
		return false
	}
	timeout := cfg.UnusedIdleSocketTimeout
	if e.UsedBefore {
		timeout = cfg.UsedIdleSocketTimeout
	}
	if timeout > 0 && now.Sub(e.ReturnedAt) > timeout {
		return false
	}
	return true
}

// closeReasonForEviction picks the stable reason string for a socket being
// dropped from the idle list during a sweep, as opposed to being handed out
// successfully. generationReason overrides the generic "generation stale"
// reason when the sweep was itself triggered by a caller-driven
// invalidation that already names its own reason (e.g. an SSL config
// change bumping every generation at once).
func closeReasonForEviction(e *IdleSocket, currentGeneration uint64, cfg Config, now time.Time, generationReason string) string {
	if e.Generation != currentGeneration {
		if generationReason != "" {
			return generationReason
		}
		return ReasonGenerationStale
	}
	if e.UsedBefore {
		if !e.Socket.IsConnectedAndIdle() {
			if !e.Socket.IsConnected() {
				return ReasonRemoteClosed
			}
			return ReasonUnexpectedData
		}
	} else if !e.Socket.IsConnected() {
		return ReasonRemoteClosed
	}
	timeout := cfg.UnusedIdleSocketTimeout
	if e.UsedBefore {
		timeout = cfg.UsedIdleSocketTimeout
	}
	if timeout > 0 && now.Sub(e.ReturnedAt) > timeout {
		return ReasonIdleTimeLimit
	}
	return ReasonClosedOnReturn
}
