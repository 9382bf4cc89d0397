package pool

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// JobFactory builds a new ConnectJob for a Group. Supplied by the caller
// that owns the Pool (see package connectjob for the default TCP/TLS
// implementation).
type JobFactory func(group GroupId) ConnectJob

// Logger is the minimal event sink the Pool reports to. Package netlog
// supplies the production implementation (logrus+lumberjack+fatih/color);
// a nil Logger is replaced with a no-op so callers never need a guard.
type Logger interface {
	Event(event string, fields map[string]interface{})
}

type noopLogger struct{}

func (noopLogger) Event(string, map[string]interface{}) {}

// Pool is the global connection pool: a bounded budget shared across
// per-destination Groups, priority-ordered admission, backup-connect
// racing and generation-based invalidation.
type Pool struct {
	cfg        Config
	runner     TaskRunner
	jobFactory JobFactory
	logger     Logger

	groups     map[GroupId]*Group
	higher     higherLayeredPools
	jobsByConn map[ConnectJob]*jobEntry

	closed bool
}

// New constructs a Pool. jobFactory must not be nil. A nil TaskRunner
// defaults to a real background Worker; a nil Logger defaults to a no-op.
func New(cfg Config, jobFactory JobFactory, runner TaskRunner, logger Logger) *Pool {
	if jobFactory == nil {
		panic("pool: New called with a nil JobFactory")
	}
	if runner == nil {
		runner = NewWorker()
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Pool{
		cfg:        cfg,
		runner:     runner,
		jobFactory: jobFactory,
		logger:     logger,
		groups:     make(map[GroupId]*Group),
	}
}

func (p *Pool) logEvent(event string, fields map[string]interface{}) {
	p.logger.Event(event, fields)
}

func (p *Pool) groupFor(id GroupId) *Group {
	g, ok := p.groups[id]
	if !ok {
		g = newGroup(id, p)
		p.groups[id] = g
	}
	return g
}

func (p *Pool) dropGroupIfEmpty(g *Group) {
	if g.empty() {
		delete(p.groups, g.id)
	}
}

func (p *Pool) totalSocketCount() int {
	total := 0
	for _, g := range p.groups {
		total += g.socketCount()
	}
	return total
}

// RequestSocket asks the Pool for a socket in r.Group. The outcome is
// always delivered through r's callback, posted via the Pool's TaskRunner
// — synchronously from this call only in the sense that an already-idle
// socket is still handed back on a later turn of the TaskRunner, never
// inline from the call that produced it.
func (p *Pool) RequestSocket(r *Request) {
	if p.closed {
		p.deliverError(r, ErrSocketPoolDestroyed)
		return
	}
	g := p.groupFor(r.Group)
	g.insertRequest(r)
	p.tryAdmit(g)
}

// preconnectTracker counts down the jobs one RequestSockets call started;
// the done channel closes once the last of them settles. Mutated only on
// the TaskRunner goroutine, like everything else in the pool.
type preconnectTracker struct {
	remaining int
	done      chan struct{}
}

func (t *preconnectTracker) settle() {
	t.remaining--
	if t.remaining == 0 {
		close(t.done)
	}
}

// RequestSockets issues a preconnect: n jobs with no bound Request, so a
// future real Request can claim one immediately ("one job = one slot"
// governs how this interacts with RespectLimits/budgets). Preconnects
// always respect limits; there is no caller to ignore them on behalf of.
//
// The returned channel closes once every job this call managed to start
// has settled — completed, failed, or been torn down by a cancel or flush.
// Individual failures are not surfaced. The errors are
// ErrSocketPoolDestroyed on a closed Pool (no job starts), and
// ErrPreconnectMaxSocketLimit when fewer than n jobs fit the budget (the
// channel still tracks the ones that did start, closing immediately when
// none did).
func (p *Pool) RequestSockets(group GroupId, n int) (<-chan struct{}, error) {
	done := make(chan struct{})
	if p.closed {
		close(done)
		return done, ErrSocketPoolDestroyed
	}
	g := p.groupFor(group)
	tracker := &preconnectTracker{done: done}
	created := 0
	for i := 0; i < n; i++ {
		if !p.hasBudget(g, false) {
			break
		}
		p.startJob(g, nil, tracker)
		created++
	}
	if created == 0 {
		close(done)
	}
	if created < n {
		return done, ErrPreconnectMaxSocketLimit
	}
	return done, nil
}

// hasBudget reports whether g has room for one more socket under
// MaxSocketsPerGroup and MaxSockets. bypass skips both checks entirely,
// for a Request whose RespectLimits is disabled or IgnoreLimits is set.
func (p *Pool) hasBudget(g *Group, bypass bool) bool {
	if bypass {
		return true
	}
	if g.socketCount() >= p.cfg.MaxSocketsPerGroup {
		return false
	}
	if p.totalSocketCount() >= p.cfg.MaxSockets {
		return false
	}
	return true
}

// closeOneIdleSocketExceptInGroup closes the oldest idle socket sitting in
// some other Group, so admission for except can proceed even though the
// global budget is exhausted by sockets parked idle elsewhere. Groups are
// visited in the same deterministic order IsStalled uses. Returns whether
// it found one to close.
func (p *Pool) closeOneIdleSocketExceptInGroup(except *Group) bool {
	for _, id := range p.sortedGroupIDs() {
		if except != nil && id == except.id {
			continue
		}
		g := p.groups[id]
		if len(g.idle) == 0 {
			continue
		}
		e := g.idle[0]
		g.idle = g.idle[1:]
		p.logEvent("idle_socket_closed_for_budget", map[string]interface{}{
			"group": id.String(), "reassigned_to": except.id.String(),
		})
		e.Socket.Close()
		p.dropGroupIfEmpty(g)
		return true
	}
	return false
}

// tryAdmit drives one admission pass for g: drop idle sockets that went
// unusable (aged out, disconnected, stale generation), hand out the
// remaining ones from the front of the queue (stopping at the first Request
// that already has a job or is marked NoIdleSockets), then start new jobs
// for whatever budget allows — freeing a slot first by closing an idle
// socket parked in a different Group, then by asking a registered
// HigherLayeredPool, before giving up and leaving the Requests without a
// job waiting — rebalancing unbound jobs against unbound requests before
// each new job.
func (p *Pool) tryAdmit(g *Group) {
	now := time.Now()
	g.sweepIdle(now, "")
	for len(g.pendingRequests) > 0 {
		front := g.pendingRequests[0]
		if front.job != nil || front.NoIdleSockets {
			break
		}
		e := g.popUsableIdleSocket(now)
		if e == nil {
			break
		}
		g.pendingRequests = g.pendingRequests[1:]
		g.active++
		p.deliverSocket(front, e.Socket)
	}

	for {
		g.rebalance()
		// rebalance pairs the highest-priority requests with the existing
		// jobs; the next job, if budget allows, is for the first one left
		// without a job.
		var next *Request
		for _, r := range g.pendingRequests {
			if r.job == nil {
				next = r
				break
			}
		}
		if next == nil {
			break
		}
		if !next.bypassesLimits() {
			if g.socketCount() >= p.cfg.MaxSocketsPerGroup {
				break
			}
			if p.totalSocketCount() >= p.cfg.MaxSockets {
				if p.closeOneIdleSocketExceptInGroup(g) {
					continue
				}
				if p.higher.closeOneIdleConnection() {
					continue
				}
				break
			}
		}
		p.startJob(g, nil, nil)
	}

	if len(g.jobs) > 0 {
		oldest := g.jobs[0]
		if oldest.backupTimer == uuid.Nil {
			g.armBackupJobTimer(oldest)
		}
	}
}

// startJob creates and launches one ConnectJob for g. A non-nil tracker
// marks the job as a preconnect and enrolls it in that RequestSockets
// call's settlement count.
func (p *Pool) startJob(g *Group, r *Request, tracker *preconnectTracker) *jobEntry {
	job := p.jobFactory(g.id)
	entry := &jobEntry{
		job:          job,
		group:        g,
		request:      r,
		isPreconnect: tracker != nil,
		tracker:      tracker,
		priority:     -1,
		startedAt:    time.Now(),
	}
	if tracker != nil {
		tracker.remaining++
	}
	g.jobs = append(g.jobs, entry)
	p.jobIndex()[job] = entry
	if timeout := job.ConnectionTimeout(); timeout > 0 {
		p.runner.PostDelayed(func() { p.onJobTimeout(entry) }, timeout)
	}
	job.Connect(context.Background(), (*poolDelegate)(p))
	return entry
}

// onJobTimeout fails a job that has exceeded its ConnectionTimeout without
// completing, via the same path a delegate-reported failure takes.
func (p *Pool) onJobTimeout(entry *jobEntry) {
	if entry.done {
		return
	}
	entry.job.Cancel()
	p.finishJob(entry, JobResult{Err: ErrTimedOut})
}

// poolDelegate adapts *Pool to JobDelegate without exporting the method
// set on Pool itself, keeping JobDelegate a private implementation detail
// of the admission pass.
type poolDelegate Pool

func (d *poolDelegate) pool() *Pool { return (*Pool)(d) }

// OnConnectJobComplete may be called from any goroutine: the job lookup and
// the result handling both run later, on the Pool's TaskRunner.
func (d *poolDelegate) OnConnectJobComplete(job ConnectJob, result JobResult) {
	p := d.pool()
	p.runner.Post(func() {
		entry, ok := p.jobIndex()[job]
		if !ok {
			return
		}
		p.finishJob(entry, result)
	})
}

// OnNeedsProxyAuth implements late binding for proxy-auth challenges:
// the job moves out of the ordinary jobs pool into
// boundRequests, committed to whichever eligible Request
// Group.bindRequestToConnectJob finds. If no Request in the Group carries
// a ProxyAuthCallback, there is nobody to supply credentials to and the
// job fails with ErrProxyAuthRequested instead of silently restarting
// with none.
func (d *poolDelegate) OnNeedsProxyAuth(job ConnectJob, challenge ProxyAuthChallenge, restart func()) {
	p := d.pool()
	entry, ok := p.jobIndex()[job]
	if !ok {
		return
	}
	g := entry.group
	candidate := g.bindRequestToConnectJob(entry)
	if candidate == nil {
		p.runner.Post(func() {
			p.finishJob(entry, JobResult{Err: ErrProxyAuthRequested})
		})
		return
	}
	onProxyAuth := candidate.onProxyAuth
	p.runner.Post(func() {
		onProxyAuth(challenge, restart)
	})
}

// jobIndex is a lazily-initialized lookup from live ConnectJob to its
// jobEntry, used because JobDelegate only hands back the ConnectJob value.
func (p *Pool) jobIndex() map[ConnectJob]*jobEntry {
	if p.jobsByConn == nil {
		p.jobsByConn = make(map[ConnectJob]*jobEntry)
	}
	return p.jobsByConn
}

// finishJob handles a ConnectJob's terminal result, always running on the
// TaskRunner. A job that was bound for proxy-auth late binding delivers to
// its bound Request (applying any pendingError a concurrent
// FlushWithError-style call deferred while it was bound) and returns
// early; otherwise it resolves backup-race target selection, delivers the
// outcome to whichever Request (if any) claims it, removes the job from
// its Group, rearms the next backup timer, and drives another admission
// pass.
func (p *Pool) finishJob(entry *jobEntry, result JobResult) {
	if entry.done {
		return
	}
	entry.done = true
	entry.settleTracker()
	delete(p.jobsByConn, entry.job)

	g := entry.group

	if bp, ok := g.findAndRemoveBoundRequestForConnectJob(entry); ok {
		bp.request.job = nil
		if bp.pendingError != nil {
			if result.Err == nil && result.Socket != nil {
				result.Socket.Close()
			}
			result = JobResult{Err: bp.pendingError}
		}
		if result.Err == nil {
			g.active++
			p.deliverSocket(bp.request, result.Socket)
		} else {
			p.deliverError(bp.request, result.Err)
		}
		p.tryAdmit(g)
		p.dropGroupIfEmpty(g)
		return
	}

	g.cancelBackupTimer(entry)
	if entry.backupPeer != nil {
		g.cancelBackupTimer(entry.backupPeer)
	}
	target := resolveTargetForCompletion(entry)
	g.removeJob(entry)
	if target != nil {
		g.removePendingRequest(target.ID)
	}

	switch {
	case target != nil && result.Err == nil:
		g.active++
		p.deliverSocket(target, result.Socket)
	case target != nil && result.Err != nil:
		p.deliverError(target, result.Err)
	case target == nil && result.Err == nil:
		// Unbound job (preconnect or orphaned) succeeded: park the socket
		// as a never-used idle entry for a future Request to claim.
		g.idle = append(g.idle, &IdleSocket{
			Socket:     result.Socket,
			Generation: g.generation,
			ReturnedAt: time.Now(),
		})
	default:
		// Unbound job failed: nothing to report to.
	}

	if len(g.jobs) > 0 {
		g.armBackupJobTimer(g.jobs[0])
	}
	p.tryAdmit(g)
	p.dropGroupIfEmpty(g)
}

func (p *Pool) deliverSocket(r *Request, s StreamSocket) {
	cb := r.onComplete
	p.runner.Post(func() {
		cb(s, nil)
	})
}

func (p *Pool) deliverError(r *Request, err error) {
	cb := r.onComplete
	p.runner.Post(func() {
		cb(nil, err)
	})
}

// onBackupTimerFired implements the literal three-way branch
// the backup-job timer drives: if the oldest pending job
// already has an established connection, the backup is unnecessary and is
// skipped; if that job is still resolving the host, or the Group or Pool
// has no budget for another socket, the timer is re-armed; otherwise a
// second, independent job is started and linked to the first via
// backupPeer so whichever completes first claims the Request.
func (p *Pool) onBackupTimerFired(g *Group, oldest *jobEntry) {
	oldest.backupTimer = uuid.Nil
	if oldest.done || oldest.job.HasEstablishedConnection() {
		return
	}
	if oldest.job.LoadState() == LoadStateResolvingHost || !p.hasBudget(g, false) {
		g.armBackupJobTimer(oldest)
		return
	}
	backup := p.startJob(g, nil, nil)
	backup.isBackup = true
	backup.backupPeer = oldest
	oldest.backupPeer = backup
	p.logEvent("backup_job_started", map[string]interface{}{"group": g.id.String()})
}

// SetPriority updates a pending request's priority and re-sorts its
// Group's admission queue.
func (p *Pool) SetPriority(group GroupId, id uuid.UUID, priority Priority) {
	g, ok := p.groups[group]
	if !ok {
		return
	}
	g.reprioritize(id, priority)
	p.tryAdmit(g)
}

// CancelRequest removes a pending, job-assigned, or proxy-auth-bound
// Request without delivering its callback. A Request that had claimed a
// job is normally just detached from it — the job lives on and is offered
// to the next compatible Request (or idled) by the next admission pass —
// unless cancelJob is set, or the Pool is at its global limit with no
// other waiter that job could serve, in which case the job is torn down
// too. A Request bound for proxy auth always takes its job down with it,
// since that job's only reason for existing was to finish credentials for
// this specific Request.
func (p *Pool) CancelRequest(group GroupId, id uuid.UUID, cancelJob bool) {
	g, ok := p.groups[group]
	if !ok {
		return
	}
	if bp, found := g.findAndRemoveBoundRequest(id); found {
		entry := bp.job
		if !entry.done {
			entry.done = true
			entry.job.Cancel()
			delete(p.jobsByConn, entry.job)
		}
		entry.settleTracker()
		g.cancelBackupTimer(entry)
		p.tryAdmit(g)
		p.dropGroupIfEmpty(g)
		return
	}
	if r, found := g.removePendingRequest(id); found {
		if r.job != nil {
			entry := r.job
			entry.request = nil
			r.job = nil
			if cancelJob || (p.totalSocketCount() >= p.cfg.MaxSockets && !g.hasWaiterForAnotherJob()) {
				if !entry.done {
					entry.done = true
					entry.job.Cancel()
					delete(p.jobsByConn, entry.job)
				}
				entry.settleTracker()
				g.cancelBackupTimer(entry)
				if peer := entry.backupPeer; peer != nil {
					peer.backupPeer = nil
					entry.backupPeer = nil
				}
				g.removeJob(entry)
			}
		}
		p.tryAdmit(g)
		p.dropGroupIfEmpty(g)
	}
}

// ReleaseSocket returns a socket the caller is done with back to the Pool.
// generation must be the Group's generation when the socket was handed out
// (see GroupGeneration): a stale generation means a network/TLS-config
// change happened in between, and the socket is discarded rather than
// idled. closeReason == "" means the caller believes the socket is healthy
// and may be reused; any other value is one of the stable Reason* strings
// and the socket is closed immediately instead of being put on the idle
// list.
func (p *Pool) ReleaseSocket(group GroupId, s StreamSocket, generation uint64, closeReason string) {
	g, ok := p.groups[group]
	if !ok {
		s.Close()
		return
	}
	g.active--
	g.sweepIdle(time.Now(), "")
	if closeReason == "" {
		switch {
		case p.closed:
			closeReason = ReasonPoolDestroyed
		case generation != g.generation:
			closeReason = ReasonGenerationStale
		case s.WasEverUsed() && !s.IsConnectedAndIdle():
			if s.IsConnected() {
				closeReason = ReasonUnexpectedData
			} else {
				closeReason = ReasonRemoteClosed
			}
		case !s.WasEverUsed() && !s.IsConnected():
			closeReason = ReasonRemoteClosed
		}
	}
	if closeReason != "" {
		p.logEvent("socket_closed", map[string]interface{}{"group": group.String(), "reason": closeReason})
		s.Close()
		p.dropGroupIfEmpty(g)
		return
	}
	g.idle = append(g.idle, &IdleSocket{
		Socket:     s,
		Generation: g.generation,
		ReturnedAt: time.Now(),
		UsedBefore: s.WasEverUsed(),
	})
	p.tryAdmit(g)
	p.dropGroupIfEmpty(g)
}

// GroupGeneration reports group's current generation. Callers record it
// when a socket is handed out and pass it back to ReleaseSocket, so a
// generation bump between hand-out and release discards the socket
// instead of idling it under the new generation.
func (p *Pool) GroupGeneration(group GroupId) uint64 {
	if g, ok := p.groups[group]; ok {
		return g.generation
	}
	return 0
}

// CloseIdleSockets closes every idle socket across every Group, logging
// reason against each one closed.
func (p *Pool) CloseIdleSockets(reason string) {
	for _, g := range p.groups {
		p.closeGroupIdle(g, reason)
		p.dropGroupIfEmpty(g)
	}
}

// CloseIdleSocketsInGroup closes idle sockets for a single Group only,
// logging reason against each one closed.
func (p *Pool) CloseIdleSocketsInGroup(group GroupId, reason string) {
	g, ok := p.groups[group]
	if !ok {
		return
	}
	p.closeGroupIdle(g, reason)
	p.dropGroupIfEmpty(g)
}

func (p *Pool) closeGroupIdle(g *Group, reason string) {
	for _, e := range g.idle {
		p.logEvent("idle_socket_closed", map[string]interface{}{
			"group": g.id.String(), "reason": reason,
		})
		e.Socket.Close()
	}
	g.idle = nil
}

// FlushWithError cancels every pending or job-assigned request and
// in-flight job across every Group with err, closes every idle socket
// (logging reason against each), and defers err onto any currently
// proxy-auth-bound request instead of delivering immediately — a bound
// job's credential round-trip is still in flight, so finishJob applies the
// deferred error once that job actually completes rather than racing it.
// A Group with no remaining bound requests is dropped entirely; one still
// waiting on a bound job survives, pending that job's completion.
func (p *Pool) FlushWithError(err error, reason string) {
	remaining := make(map[GroupId]*Group)
	for id, g := range p.groups {
		for _, r := range g.pendingRequests {
			p.deliverError(r, err)
		}
		g.pendingRequests = nil

		// Every unbound request — job-assigned or not — lives in
		// pendingRequests and was already delivered err above; delivering
		// again per job would violate exactly-once.
		for _, j := range g.jobs {
			j.job.Cancel()
			j.settleTracker()
			g.cancelBackupTimer(j)
			delete(p.jobsByConn, j.job)
			j.request = nil
		}
		g.jobs = nil

		g.setPendingErrorForAllBoundRequests(err)

		p.closeGroupIdle(g, reason)
		g.active = 0

		if len(g.boundRequests) > 0 {
			remaining[id] = g
		}
	}
	p.groups = remaining
}

// GetLoadState reports the coarse state of whatever is working toward a
// socket for group: an ordinary in-flight job's own state if there is one,
// otherwise a proxy-auth-bound job's, falling back to LoadStateIdle when
// nothing is in flight.
func (p *Pool) GetLoadState(group GroupId) LoadState {
	g, ok := p.groups[group]
	if !ok {
		return LoadStateIdle
	}
	if len(g.jobs) > 0 {
		return g.jobs[0].job.LoadState()
	}
	if len(g.boundRequests) > 0 {
		return g.boundRequests[0].job.job.LoadState()
	}
	return LoadStateIdle
}

// HasActiveSocket reports whether group currently has any handed-out,
// connecting or idle socket.
func (p *Pool) HasActiveSocket(group GroupId) bool {
	g, ok := p.groups[group]
	return ok && g.socketCount() > 0
}

// IsStalled reports whether the Pool is at its global budget with at
// least one Group that still has unmet pending requests and no idle
// socket anywhere to reclaim — i.e. admission cannot make progress without
// an external CloseOneIdleConnection. Groups are visited in a
// deterministic order (sorted GroupId string) rather than Go's randomized
// map order (Open Question decision #3).
func (p *Pool) IsStalled() bool {
	if p.totalSocketCount() < p.cfg.MaxSockets {
		return false
	}
	for _, g := range p.groups {
		if len(g.idle) > 0 {
			return false
		}
	}
	for _, id := range p.sortedGroupIDs() {
		g := p.groups[id]
		for _, r := range g.pendingRequests {
			if r.job == nil {
				return true
			}
		}
	}
	return false
}

func (p *Pool) sortedGroupIDs() []GroupId {
	ids := make([]GroupId, 0, len(p.groups))
	for id := range p.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// AddHigherLayeredPool registers a collaborator consulted when admission
// is stalled.
func (p *Pool) AddHigherLayeredPool(hp HigherLayeredPool) { p.higher.add(hp) }

// RemoveHigherLayeredPool unregisters a previously added collaborator.
func (p *Pool) RemoveHigherLayeredPool(hp HigherLayeredPool) { p.higher.remove(hp) }

// BumpGeneration invalidates every idle socket (and any socket returned
// from now on) for group without closing connections already handed out —
// generation-based invalidation. reason is logged against each idle socket
// the bump evicts (e.g. ReasonNetworkChanged), instead of the generic
// ReasonGenerationStale. Typically wired to package hostcache's
// network-change callback.
func (p *Pool) BumpGeneration(group GroupId, reason string) {
	g, ok := p.groups[group]
	if !ok {
		return
	}
	g.generation++
	g.sweepIdle(time.Now(), reason)
	p.dropGroupIfEmpty(g)
}

// BumpAllGenerations invalidates idle sockets across every Group, used for
// pool-wide events (network change, cert store change, SSL config change).
// reason is logged against every idle socket evicted as a result.
func (p *Pool) BumpAllGenerations(reason string) {
	now := time.Now()
	var empty []GroupId
	for id, g := range p.groups {
		g.generation++
		g.sweepIdle(now, reason)
		if g.empty() {
			empty = append(empty, id)
		}
	}
	for _, id := range empty {
		delete(p.groups, id)
	}
	p.logEvent("generation_bumped", map[string]interface{}{"reason": reason})
}

// Close flushes the pool with ErrSocketPoolDestroyed and stops its
// TaskRunner. The Pool must not be used afterward.
func (p *Pool) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.FlushWithError(ErrSocketPoolDestroyed, ReasonPoolDestroyed)
	p.runner.Stop()
}
