package pool

import (
	"time"

	"github.com/google/uuid"
)

// jobEntry wraps a ConnectJob with the bookkeeping the Group needs: which
// Request (if any) it is currently paired with, and — for backup-connect
// racing — a link to its paired backup/primary job so the
// first of the pair to finish can claim the shared Request regardless of
// which one the admission pass happens to have assigned it to.
type jobEntry struct {
	job          ConnectJob
	group        *Group
	request      *Request // nil for a preconnect (RequestSockets) job or a backup
	isPreconnect bool
	isBackup     bool
	backupPeer   *jobEntry
	startedAt    time.Time
	backupTimer  uuid.UUID
	done         bool

	// priority is the last value pushed down via ConnectJob.ChangePriority,
	// so rebalance only notifies the job when its paired request's priority
	// actually differs. -1 until the first pairing.
	priority Priority

	// tracker, when non-nil, is the RequestSockets settlement tracker this
	// preconnect job reports to once it settles (completes, fails, or is
	// torn down).
	tracker *preconnectTracker
}

// settleTracker signals the preconnect settlement tracker, exactly once,
// that this job has settled.
func (j *jobEntry) settleTracker() {
	if j.tracker != nil {
		j.tracker.settle()
		j.tracker = nil
	}
}

// boundPair links a ConnectJob that has moved into late-binding (it asked
// for proxy credentials) to the Request it is now committed to finishing
// for, outside the ordinary rebalance pool. pendingError holds an error a
// FlushWithError (or similar) delivered while the job was bound: it cannot
// be delivered immediately without racing the credential round-trip still
// in flight, so it is applied to whatever result the job eventually
// reports instead.
type boundPair struct {
	job          *jobEntry
	request      *Request
	pendingError error
}

// Group is the per-destination bucket: every Request, ConnectJob and idle
// socket sharing a GroupId lives here. All Group methods are plain,
// lock-free Go — the contract is that they are
// only ever called from the owning Pool's TaskRunner.
type Group struct {
	id   GroupId
	pool *Pool

	// pendingRequests holds every unbound Request for this Group, in
	// priority order (FIFO within a priority): both ones still waiting for
	// a job and ones already paired with one via rebalance. A Request
	// leaves this slice only when it is delivered a final result,
	// cancelled, or moved into boundRequests for proxy-auth late binding.
	pendingRequests []*Request
	jobs            []*jobEntry // both preconnect and unbound-but-assigned, still connecting
	boundRequests   []*boundPair
	idle            []*IdleSocket
	active          int // sockets currently handed out to a Request
	generation      uint64
}

func newGroup(id GroupId, p *Pool) *Group {
	return &Group{id: id, pool: p}
}

// sanityCheck verifies the Group's structural invariants: the admission
// queue stays priority-ordered, every request/job pairing is mutual, no
// job is claimed by two requests, every assigned job actually lives in the
// jobs list, backup jobs never carry their own request, and a bound job
// has left the ordinary jobs list. It runs at the start and end of every
// Group-mutating operation, in release builds as well as tests: a violated
// invariant is a programming error in the pool itself, and panicking beats
// limping on with corrupted pairing state.
func (g *Group) sanityCheck() {
	if g.active < 0 {
		panic("pool: negative active socket count")
	}
	for i, r := range g.pendingRequests {
		if i > 0 && g.pendingRequests[i-1].Priority < r.Priority {
			panic("pool: pending requests out of priority order")
		}
		if r.job == nil {
			continue
		}
		if r.job.request != r {
			panic("pool: request's assigned job does not point back at it")
		}
		for _, earlier := range g.pendingRequests[:i] {
			if earlier.job == r.job {
				panic("pool: job assigned to more than one request")
			}
		}
		inJobs := false
		for _, j := range g.jobs {
			if j == r.job {
				inJobs = true
				break
			}
		}
		if !inJobs {
			panic("pool: assigned job missing from the jobs list")
		}
	}
	for _, j := range g.jobs {
		if j.request != nil && j.request.job != j {
			panic("pool: job's request does not point back at it")
		}
		if j.isBackup && j.request != nil {
			panic("pool: backup job carrying its own request")
		}
	}
	for _, bp := range g.boundRequests {
		if bp.job == nil || bp.request == nil {
			panic("pool: bound pair missing its job or request")
		}
		for _, j := range g.jobs {
			if j == bp.job {
				panic("pool: bound job still present in the jobs list")
			}
		}
	}
}

// socketCount is what MaxSocketsPerGroup bounds: handed-out + connecting
// (including bound) + idle.
func (g *Group) socketCount() int {
	return g.active + len(g.jobs) + len(g.boundRequests) + len(g.idle)
}

func (g *Group) empty() bool {
	return len(g.pendingRequests) == 0 && len(g.jobs) == 0 && len(g.boundRequests) == 0 &&
		len(g.idle) == 0 && g.active == 0
}

// insertRequest inserts r into pendingRequests keeping priority order
// (highest first) and FIFO among equal priorities — except that a
// limits-disabled request goes to the FRONT of its priority bucket, ahead
// of earlier arrivals at the same priority. Combined with NewRequest's
// requirement that such a request carry PriorityHighest, this puts it at
// the head of the whole queue.
func (g *Group) insertRequest(r *Request) {
	g.sanityCheck()
	defer g.sanityCheck()
	idx := len(g.pendingRequests)
	for i, existing := range g.pendingRequests {
		if existing.Priority < r.Priority ||
			(r.RespectLimits == RespectLimitsDisabled && existing.Priority == r.Priority) {
			idx = i
			break
		}
	}
	g.pendingRequests = append(g.pendingRequests, nil)
	copy(g.pendingRequests[idx+1:], g.pendingRequests[idx:])
	g.pendingRequests[idx] = r
}

func (g *Group) removePendingRequest(id uuid.UUID) (*Request, bool) {
	g.sanityCheck()
	defer g.sanityCheck()
	for i, r := range g.pendingRequests {
		if r.ID == id {
			g.pendingRequests = append(g.pendingRequests[:i], g.pendingRequests[i+1:]...)
			return r, true
		}
	}
	return nil, false
}

// reprioritize re-sorts pendingRequests after a Request's Priority changed.
// A request already paired with a job lives in this same slice, so
// reprioritizing it ahead of the pack and calling rebalance lets it steal
// that job back the next time a higher-priority request shows up too —
// remove-then-reinsert is the whole operation.
func (g *Group) reprioritize(id uuid.UUID, newPriority Priority) {
	if r, ok := g.removePendingRequest(id); ok {
		r.Priority = newPriority
		g.insertRequest(r)
	}
}

// popUsableIdleSocket returns the best idle socket to hand to a new
// Request, preferring the newest used-idle socket, then the oldest
// never-used-idle socket, matching the admission order
// describe (used-before-unused, newest-used-before-oldest-unused).
func (g *Group) popUsableIdleSocket(now time.Time) *IdleSocket {
	cfg := g.pool.cfg
	bestUsedIdx := -1
	bestUnusedIdx := -1
	for i := len(g.idle) - 1; i >= 0; i-- {
		e := g.idle[i]
		if !e.usable(g.generation, cfg, now) {
			continue
		}
		if e.UsedBefore {
			bestUsedIdx = i
			break
		}
		bestUnusedIdx = i // keep walking backward; last assignment wins = oldest unused seen so far from the tail
	}
	idx := bestUsedIdx
	if idx == -1 {
		idx = bestUnusedIdx
	}
	if idx == -1 {
		return nil
	}
	e := g.idle[idx]
	g.idle = append(g.idle[:idx], g.idle[idx+1:]...)
	return e
}

// sweepIdle evicts every idle socket that is no longer usable, closing it
// with the reason that explains why, and reports how many were evicted.
// generationReason is folded into the eviction reason when a socket is
// dropped specifically for being out of generation (see
// closeReasonForEviction); pass "" for an ordinary timeout-driven sweep.
func (g *Group) sweepIdle(now time.Time, generationReason string) int {
	g.sanityCheck()
	defer g.sanityCheck()
	cfg := g.pool.cfg
	kept := g.idle[:0]
	evicted := 0
	for _, e := range g.idle {
		if e.usable(g.generation, cfg, now) {
			kept = append(kept, e)
			continue
		}
		reason := closeReasonForEviction(e, g.generation, cfg, now, generationReason)
		g.pool.logEvent("idle_socket_closed", map[string]interface{}{
			"group": g.id.String(), "reason": reason,
		})
		e.Socket.Close()
		evicted++
	}
	g.idle = kept
	return evicted
}

// rebalance re-derives job/request pairing from scratch: the k
// highest-priority unbound Requests (k = number of non-backup jobs) each
// claim one job, in priority order — including a preconnect job, which
// loses its "never assigned" status per Open Question #2. Because every
// assignment is cleared and recomputed rather than adjusted incrementally,
// a newly arrived or newly reprioritized higher-priority Request
// automatically steals a job away from whichever lower-priority Request
// held it before, instead of only ever claiming a job nobody wanted yet.
// Backup jobs are excluded: they never carry their own Request, only a
// peer link resolved at completion time (resolveTargetForCompletion), so
// letting rebalance treat one as a free slot would pair it with an
// unrelated Request and break the race it exists to run.
func (g *Group) rebalance() {
	g.sanityCheck()
	defer g.sanityCheck()
	var jobs []*jobEntry
	for _, j := range g.jobs {
		if !j.isBackup {
			jobs = append(jobs, j)
		}
	}
	for _, j := range jobs {
		if j.request != nil {
			j.request.job = nil
			j.request = nil
		}
	}
	k := len(jobs)
	if len(g.pendingRequests) < k {
		k = len(g.pendingRequests)
	}
	for i := 0; i < k; i++ {
		r := g.pendingRequests[i]
		j := jobs[i]
		j.isPreconnect = false
		j.request = r
		r.job = j
		// The job's connect-time priority hint follows the request it now
		// serves, so a reshuffle or SetPriority reaches the in-flight
		// resolution/connect, not just the admission queue.
		if j.priority != r.Priority {
			j.priority = r.Priority
			j.job.ChangePriority(r.Priority)
		}
	}
}

// armBackupJobTimer schedules a backup ConnectJob for the oldest pending
// job in the group, following the literal three-way decision
// backup-job-timer fires (see Pool.onBackupTimerFired): if the oldest
// job already has an established connection, do nothing; if it is still
// resolving the host or there is no budget, re-arm; otherwise create a
// second, independent job racing it, linked via backupPeer so whichever
// finishes first claims the shared Request.
func (g *Group) armBackupJobTimer(oldest *jobEntry) {
	if !g.pool.cfg.ConnectBackupJobsEnabled || oldest.isBackup || oldest.backupPeer != nil {
		return
	}
	oldest.backupTimer = g.pool.runner.PostDelayed(func() {
		g.pool.onBackupTimerFired(g, oldest)
	}, g.pool.cfg.BackupJobTimeout)
}

func (g *Group) cancelBackupTimer(j *jobEntry) {
	if j.backupTimer != uuid.Nil {
		g.pool.runner.Cancel(j.backupTimer)
		j.backupTimer = uuid.Nil
	}
}

// resolveTargetForCompletion decides which Request (if any) a finishing
// job should deliver its result to: its own assigned Request, or — if it
// is the winner of a backup race — its peer's assigned Request, with the
// peer then demoted to an ordinary orphaned job so its later completion is
// handled generically (idle or discard) instead of double-delivering.
func resolveTargetForCompletion(j *jobEntry) *Request {
	var target *Request
	switch {
	case j.request != nil:
		target = j.request
	case j.backupPeer != nil:
		target = j.backupPeer.request
	}
	if peer := j.backupPeer; peer != nil {
		peer.request = nil
		peer.backupPeer = nil
		j.backupPeer = nil
	}
	j.request = nil
	if target != nil {
		target.job = nil
	}
	return target
}

// hasWaiterForAnotherJob reports whether, after a cancellation, some
// remaining unbound Request could still be served by one of the Group's
// non-backup jobs — i.e. the just-orphaned job is not the last one with a
// potential claimant. Consulted when deciding whether an orphaned job is
// worth keeping at the global budget.
func (g *Group) hasWaiterForAnotherJob() bool {
	nonBackup := 0
	for _, j := range g.jobs {
		if !j.isBackup {
			nonBackup++
		}
	}
	return len(g.pendingRequests) >= nonBackup && nonBackup > 0
}

func (g *Group) removeJob(j *jobEntry) {
	g.sanityCheck()
	defer g.sanityCheck()
	for i, existing := range g.jobs {
		if existing == j {
			g.jobs = append(g.jobs[:i], g.jobs[i+1:]...)
			return
		}
	}
}

// bindRequestToConnectJob implements late binding for a job that just
// reported it needs proxy credentials: the job moves out of the ordinary
// jobs slice into boundRequests, paired with whichever Request is eligible
// to supply them. entry.request, if it already has a ProxyAuthCallback, is
// preferred; otherwise the first other pending Request carrying one is
// claimed instead, and entry's previous Request (if any) is freed to be
// reassigned by the next rebalance. Returns nil if no eligible Request
// exists anywhere in the Group.
func (g *Group) bindRequestToConnectJob(entry *jobEntry) *Request {
	var candidate *Request
	if entry.request != nil && entry.request.onProxyAuth != nil {
		candidate = entry.request
	} else {
		for _, r := range g.pendingRequests {
			if r.onProxyAuth != nil && r != entry.request {
				candidate = r
				break
			}
		}
	}
	if candidate == nil {
		return nil
	}
	g.removePendingRequest(candidate.ID)
	if entry.request != nil {
		entry.request.job = nil
	}
	entry.request = nil
	// The candidate may have held a different job; that job must not keep
	// a back-pointer to a request that is leaving the rebalance pool.
	if candidate.job != nil && candidate.job != entry {
		candidate.job.request = nil
	}
	g.removeJob(entry)
	candidate.job = entry
	g.boundRequests = append(g.boundRequests, &boundPair{job: entry, request: candidate})
	g.sanityCheck()
	return candidate
}

// findAndRemoveBoundRequestForConnectJob looks up and detaches the bound
// pair for a completing job, used by finishJob to resolve where the job's
// result (and any pendingError accumulated while it was bound) should go.
func (g *Group) findAndRemoveBoundRequestForConnectJob(entry *jobEntry) (*boundPair, bool) {
	g.sanityCheck()
	defer g.sanityCheck()
	for i, bp := range g.boundRequests {
		if bp.job == entry {
			g.boundRequests = append(g.boundRequests[:i], g.boundRequests[i+1:]...)
			return bp, true
		}
	}
	return nil, false
}

// findAndRemoveBoundRequest looks up and detaches a bound pair by Request
// ID, used by CancelRequest to cancel a Request that is currently waiting
// on proxy credentials.
func (g *Group) findAndRemoveBoundRequest(id uuid.UUID) (*boundPair, bool) {
	g.sanityCheck()
	defer g.sanityCheck()
	for i, bp := range g.boundRequests {
		if bp.request.ID == id {
			g.boundRequests = append(g.boundRequests[:i], g.boundRequests[i+1:]...)
			return bp, true
		}
	}
	return nil, false
}

// setPendingErrorForAllBoundRequests records err against every currently
// bound pair, to be applied once each underlying job finally completes
// (see findAndRemoveBoundRequestForConnectJob's caller in finishJob),
// instead of delivering it immediately and racing the in-flight
// credential round-trip.
func (g *Group) setPendingErrorForAllBoundRequests(err error) {
	for _, bp := range g.boundRequests {
		bp.pendingError = err
	}
}
