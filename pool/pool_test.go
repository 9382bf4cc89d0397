package pool

import (
	"testing"
	"time"
)

// jobSpawner is a JobFactory that records every fakeJob it creates, in
// creation order, so a test can reach back and drive each one by hand.
type jobSpawner struct {
	created []*fakeJob
}

func (s *jobSpawner) New(GroupId) ConnectJob {
	j := newFakeJob()
	s.created = append(s.created, j)
	return j
}

func testGroup(name string) GroupId {
	return GroupId{Host: name, Port: 443, Scheme: "https"}
}

func newTestPool(cfg Config) (*Pool, *FakeTaskRunner, *jobSpawner) {
	runner := NewFakeTaskRunner()
	spawner := &jobSpawner{}
	p := New(cfg, spawner.New, runner, nil)
	return p, runner, spawner
}

type outcome struct {
	socket StreamSocket
	err    error
	got    bool
}

func captureCallback(o *outcome) Callback {
	return func(s StreamSocket, err error) {
		o.socket, o.err, o.got = s, err, true
	}
}

// Scenario A: a preconnected (unbound) job's socket is handed straight to a
// real Request issued afterward, with no new job started for it.
func TestPreconnectSatisfiesLaterRequest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 4
	cfg.MaxSocketsPerGroup = 4
	p, runner, spawner := newTestPool(cfg)
	group := testGroup("a")

	if _, err := p.RequestSockets(group, 1); err != nil {
		t.Fatalf("RequestSockets: %v", err)
	}
	if len(spawner.created) != 1 {
		t.Fatalf("expected 1 preconnect job, got %d", len(spawner.created))
	}
	sock := newFakeSocket()
	spawner.created[0].complete(sock)
	runner.RunDue()

	var out outcome
	req := NewRequest(group, PriorityMedium, RespectLimitsEnabled, captureCallback(&out), nil)
	p.RequestSocket(req)
	runner.RunDue()

	if !out.got || out.err != nil {
		t.Fatalf("expected immediate success from idle preconnect, got err=%v", out.err)
	}
	if out.socket != sock {
		t.Fatalf("expected the preconnected socket, got a different one")
	}
	if len(spawner.created) != 1 {
		t.Fatalf("expected no new job to be started, got %d total", len(spawner.created))
	}
}

// Scenario B: a slow first job triggers a backup job after BackupJobTimeout;
// whichever of the pair finishes first claims the Request, and the loser's
// eventual completion is absorbed without a second delivery.
func TestBackupJobRacesSlowFirstAttempt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 4
	cfg.MaxSocketsPerGroup = 4
	cfg.ConnectBackupJobsEnabled = true
	cfg.BackupJobTimeout = 2 * time.Second
	p, runner, spawner := newTestPool(cfg)
	group := testGroup("b")

	var out outcome
	req := NewRequest(group, PriorityMedium, RespectLimitsEnabled, captureCallback(&out), nil)
	p.RequestSocket(req)
	runner.RunDue()
	if len(spawner.created) != 1 {
		t.Fatalf("expected 1 job started, got %d", len(spawner.created))
	}

	runner.Advance(cfg.BackupJobTimeout)
	if len(spawner.created) != 2 {
		t.Fatalf("expected backup job to start after timeout, got %d jobs", len(spawner.created))
	}

	winner := newFakeSocket()
	spawner.created[1].complete(winner)
	runner.RunDue()

	if !out.got || out.err != nil || out.socket != winner {
		t.Fatalf("expected the backup job's socket to win the race")
	}

	// The slow original job finishing afterward must not double-deliver;
	// its socket is parked as an unused idle entry instead.
	loser := newFakeSocket()
	spawner.created[0].complete(loser)
	runner.RunDue()

	g := p.groups[group]
	if g == nil || len(g.idle) != 1 || g.idle[0].Socket != loser {
		t.Fatalf("expected the loser's socket to be parked idle, got %+v", g)
	}
}

// Scenario C: the pool stalls at its global budget; a registered
// HigherLayeredPool giving back a socket is what lets admission proceed.
func TestStallRecoveredByHigherLayeredPool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 1
	cfg.MaxSocketsPerGroup = 1
	cfg.ConnectBackupJobsEnabled = false
	p, runner, spawner := newTestPool(cfg)
	groupA := testGroup("stall-a")
	groupB := testGroup("stall-b")

	var firstOut outcome
	first := NewRequest(groupA, PriorityMedium, RespectLimitsEnabled, captureCallback(&firstOut), nil)
	p.RequestSocket(first)
	runner.RunDue()
	firstSocket := newFakeSocket()
	spawner.created[0].complete(firstSocket)
	runner.RunDue()
	if !firstOut.got || firstOut.err != nil {
		t.Fatalf("expected the first request to be satisfied")
	}

	// Without any higher-layered pool registered, a second request against
	// a different group cannot be admitted: the global budget is already
	// exhausted by the first, still-active socket.
	probe := NewRequest(groupB, PriorityMedium, RespectLimitsEnabled, captureCallback(&outcome{}), nil)
	p.RequestSocket(probe)
	runner.RunDue()
	if !p.IsStalled() {
		t.Fatalf("expected IsStalled to report true with no higher-layered pool registered")
	}
	p.CancelRequest(groupB, probe.ID, false)

	released := false
	higher := higherLayeredFunc(func() bool {
		if released {
			return false
		}
		released = true
		// A non-empty reason actually closes the socket rather than parking
		// it idle: idling alone wouldn't free any global budget, since an
		// idle socket still counts toward MaxSockets.
		p.ReleaseSocket(groupA, firstSocket, p.GroupGeneration(groupA), ReasonClosedOnReturn)
		return true
	})
	p.AddHigherLayeredPool(higher)

	var secondOut outcome
	second := NewRequest(groupB, PriorityMedium, RespectLimitsEnabled, captureCallback(&secondOut), nil)
	p.RequestSocket(second)
	runner.RunDue()

	if len(spawner.created) != 2 {
		t.Fatalf("expected a second job to start once the higher layer freed budget, got %d", len(spawner.created))
	}
	spawner.created[1].complete(newFakeSocket())
	runner.RunDue()
	if !secondOut.got || secondOut.err != nil {
		t.Fatalf("expected the second request to complete once budget was freed")
	}
}

// higherLayeredFunc adapts a plain func to HigherLayeredPool.
type higherLayeredFunc func() bool

func (f higherLayeredFunc) CloseOneIdleConnection() bool { return f() }

// Scenario D: reprioritizing a pending request moves it ahead of one already
// waiting at the same priority for the same scarce slot.
func TestPriorityReshuffle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 0 // nothing can be admitted until raised below
	cfg.MaxSocketsPerGroup = 1
	p, runner, spawner := newTestPool(cfg)
	group := testGroup("d")

	var lowOut, highOut outcome
	low := NewRequest(group, PriorityLow, RespectLimitsEnabled, captureCallback(&lowOut), nil)
	p.RequestSocket(low)
	high := NewRequest(group, PriorityLow, RespectLimitsEnabled, captureCallback(&highOut), nil)
	p.RequestSocket(high)
	runner.RunDue()

	g := p.groups[group]
	if len(g.pendingRequests) != 2 || g.pendingRequests[0].ID != low.ID {
		t.Fatalf("expected both requests pending, low first (FIFO)")
	}

	p.SetPriority(group, high.ID, PriorityHighest)
	if g.pendingRequests[0].ID != high.ID {
		t.Fatalf("expected the reprioritized request to move ahead of low")
	}

	p.cfg.MaxSockets = 1
	p.tryAdmit(g)
	runner.RunDue()
	if len(spawner.created) != 1 {
		t.Fatalf("expected exactly one job to start once budget opened up")
	}
	spawner.created[0].complete(newFakeSocket())
	runner.RunDue()

	if !highOut.got || lowOut.got {
		t.Fatalf("expected the reprioritized request to claim the only available job, not the original low-priority one")
	}
}

// Scenario E: FlushWithError delivers the error to both a still-pending
// request and one already assigned an in-flight job, and leaves the Pool
// empty but usable.
func TestFlushWithErrorDeliversToPendingAndJobAssignedRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 4
	cfg.MaxSocketsPerGroup = 4
	p, runner, spawner := newTestPool(cfg)
	group := testGroup("e")

	var boundOut, pendingOut outcome
	bound := NewRequest(group, PriorityMedium, RespectLimitsEnabled, captureCallback(&boundOut), nil)
	p.RequestSocket(bound)
	runner.RunDue()
	if len(spawner.created) != 1 {
		t.Fatalf("expected a job assigned to the first request")
	}

	pending := NewRequest(testGroup("e2"), PriorityMedium, RespectLimitsEnabled, captureCallback(&pendingOut), nil)
	// Shrink the global budget so the pending request cannot be admitted
	// alongside the job already in flight for the first request.
	p.cfg.MaxSockets = 1
	p.RequestSocket(pending)
	runner.RunDue()
	if pendingOut.got {
		t.Fatalf("expected the second request to remain pending at the budget")
	}

	flushErr := ErrSocketPoolDestroyed
	p.FlushWithError(flushErr, ReasonPoolDestroyed)
	runner.RunDue()

	if !boundOut.got || boundOut.err != flushErr {
		t.Fatalf("expected the job-assigned request to receive the flush error, got %v", boundOut.err)
	}
	if !pendingOut.got || pendingOut.err != flushErr {
		t.Fatalf("expected the pending request to receive the flush error, got %v", pendingOut.err)
	}
	if len(p.groups) != 0 {
		t.Fatalf("expected FlushWithError to empty every group")
	}
}

// Scenario F: bumping a group's generation evicts its idle sockets even
// though they were healthy, because they were returned under a now-stale
// generation — and the eviction is logged with the caller's actual reason,
// not the generic "generation stale" fallback.
func TestGenerationBumpEvictsIdleSockets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 4
	cfg.MaxSocketsPerGroup = 4
	logger := &fakeLogger{}
	p, runner, spawner := newTestPoolWithLogger(cfg, logger)
	group := testGroup("f")

	var out outcome
	req := NewRequest(group, PriorityMedium, RespectLimitsEnabled, captureCallback(&out), nil)
	p.RequestSocket(req)
	runner.RunDue()
	sock := newFakeSocket()
	spawner.created[0].complete(sock)
	runner.RunDue()
	if !out.got {
		t.Fatalf("expected the request to be satisfied")
	}

	p.ReleaseSocket(group, sock, p.GroupGeneration(group), "")
	g := p.groups[group]
	if g == nil || len(g.idle) != 1 {
		t.Fatalf("expected the released socket to sit idle")
	}

	p.BumpGeneration(group, ReasonSSLConfigChanged)

	if len(g.idle) != 0 {
		t.Fatalf("expected the generation bump to evict the stale idle socket")
	}
	if !sock.closed {
		t.Fatalf("expected the evicted idle socket to be closed")
	}

	var reason string
	for _, e := range logger.events {
		if e.name == "idle_socket_closed" {
			reason, _ = e.fields["reason"].(string)
		}
	}
	if reason != ReasonSSLConfigChanged {
		t.Fatalf("expected the eviction to be logged with %q, got %q", ReasonSSLConfigChanged, reason)
	}
}

// Scenario E': a ConnectJob that asks for proxy credentials binds to the
// eligible Request carrying a ProxyAuthCallback instead of replaying the
// challenge to whatever Request happened to already be assigned to it. A
// FlushWithError delivered while the job is bound is deferred until the
// job actually completes, and the socket it eventually produces is
// discarded rather than delivered alongside the deferred error.
func TestProxyAuthBindsRequestAndDefersFlushErrorUntilCompletion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 4
	cfg.MaxSocketsPerGroup = 4
	p, runner, spawner := newTestPool(cfg)
	group := testGroup("proxyauth")

	var out outcome
	var gotChallenge bool
	onAuth := func(challenge ProxyAuthChallenge, restart func()) {
		gotChallenge = true
	}
	req := NewRequest(group, PriorityMedium, RespectLimitsEnabled, captureCallback(&out), onAuth)
	p.RequestSocket(req)
	runner.RunDue()
	if len(spawner.created) != 1 {
		t.Fatalf("expected one connect job, got %d", len(spawner.created))
	}

	job := spawner.created[0]
	job.needsProxyAuth(ProxyAuthChallenge{Realm: "proxy"}, func() {})
	runner.RunDue()
	if !gotChallenge {
		t.Fatalf("expected the proxy-auth callback to fire for the bound request")
	}

	g := p.groups[group]
	if len(g.boundRequests) != 1 || g.boundRequests[0].request.ID != req.ID {
		t.Fatalf("expected the request to be bound to the job")
	}
	if len(g.jobs) != 0 {
		t.Fatalf("expected the job to move out of the unbound jobs list once bound")
	}

	flushErr := ErrNetworkChanged
	p.FlushWithError(flushErr, ReasonNetworkChanged)
	runner.RunDue()
	if out.got {
		t.Fatalf("expected the bound request's callback to be deferred until the job completes")
	}

	sock := newFakeSocket()
	job.complete(sock)
	runner.RunDue()

	if !out.got || out.err != flushErr {
		t.Fatalf("expected the bound request to receive the flush error on job completion, got err=%v", out.err)
	}
	if !sock.closed {
		t.Fatalf("expected the socket produced after the flush to be discarded")
	}
}

// A job that needs proxy credentials with no Request anywhere in the
// Group carrying a ProxyAuthCallback has nobody to supply them: it fails
// with ErrProxyAuthRequested instead of silently restarting with none.
func TestProxyAuthFailsWithoutEligibleRequest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 4
	cfg.MaxSocketsPerGroup = 4
	p, runner, spawner := newTestPool(cfg)
	group := testGroup("proxyauth-none")

	var out outcome
	req := NewRequest(group, PriorityMedium, RespectLimitsEnabled, captureCallback(&out), nil)
	p.RequestSocket(req)
	runner.RunDue()

	restarted := false
	spawner.created[0].needsProxyAuth(ProxyAuthChallenge{Realm: "proxy"}, func() { restarted = true })
	runner.RunDue()

	if !out.got || out.err != ErrProxyAuthRequested {
		t.Fatalf("expected ErrProxyAuthRequested with no eligible request, got %v", out.err)
	}
	if restarted {
		t.Fatalf("expected the job not to be silently restarted with no credentials")
	}
}

// Extending Scenario D: a higher-priority request arriving after a job is
// already assigned to a lower-priority one steals that job, rather than
// only ever claiming jobs nobody wanted yet.
func TestHigherPriorityRequestStealsAssignedJob(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 1
	cfg.MaxSocketsPerGroup = 1
	p, runner, spawner := newTestPool(cfg)
	group := testGroup("steal")

	var lowOut, highOut outcome
	low := NewRequest(group, PriorityLow, RespectLimitsEnabled, captureCallback(&lowOut), nil)
	p.RequestSocket(low)
	runner.RunDue()
	if len(spawner.created) != 1 {
		t.Fatalf("expected the low-priority request to claim the only job")
	}
	if low.job == nil {
		t.Fatalf("expected low to be assigned the job before high arrives")
	}

	high := NewRequest(group, PriorityHighest, RespectLimitsEnabled, captureCallback(&highOut), nil)
	p.RequestSocket(high)
	runner.RunDue()

	if low.job != nil {
		t.Fatalf("expected the low-priority request to lose its job to the higher-priority arrival")
	}
	if high.job == nil || high.job.job != spawner.created[0] {
		t.Fatalf("expected the higher-priority request to steal the existing job")
	}
	if len(spawner.created) != 1 {
		t.Fatalf("expected no additional job to be started (per-group budget exhausted), got %d", len(spawner.created))
	}

	spawner.created[0].complete(newFakeSocket())
	runner.RunDue()

	if !highOut.got || lowOut.got {
		t.Fatalf("expected the stolen job's result to go to the higher-priority request")
	}
}

// A Request marked NoIdleSockets is never handed an idle socket, even as
// the sole waiter in front of one sitting right there, and always gets a
// fresh job instead.
func TestNoIdleSocketsFlagSkipsIdleReuse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 4
	cfg.MaxSocketsPerGroup = 4
	p, runner, spawner := newTestPool(cfg)
	group := testGroup("noidle")

	if _, err := p.RequestSockets(group, 1); err != nil {
		t.Fatalf("RequestSockets: %v", err)
	}
	spawner.created[0].complete(newFakeSocket())
	runner.RunDue()

	var out outcome
	req := NewRequest(group, PriorityMedium, RespectLimitsEnabled, captureCallback(&out), nil, WithNoIdleSockets())
	p.RequestSocket(req)
	runner.RunDue()

	if out.got {
		t.Fatalf("expected NoIdleSockets to bypass the idle socket entirely")
	}
	if len(spawner.created) != 2 {
		t.Fatalf("expected a fresh job to be started instead of reusing the idle socket, got %d jobs", len(spawner.created))
	}
	g := p.groups[group]
	if len(g.idle) != 1 {
		t.Fatalf("expected the preconnected socket to remain idle, untouched")
	}
}

// A limits-disabled request is inserted at the front of its priority
// bucket: with an equal-priority request already waiting, the
// limits-disabled one is served first despite arriving second.
func TestLimitsDisabledRequestServedAheadOfEqualPriority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 0 // nothing admits under limits; only the disabled request gets a job
	cfg.MaxSocketsPerGroup = 1
	cfg.ConnectBackupJobsEnabled = false
	p, runner, spawner := newTestPool(cfg)
	group := testGroup("nolimits")

	var firstOut, jumperOut outcome
	first := NewRequest(group, PriorityHighest, RespectLimitsEnabled, captureCallback(&firstOut), nil)
	p.RequestSocket(first)
	runner.RunDue()
	if len(spawner.created) != 0 {
		t.Fatalf("expected no job at a zero budget for a limits-respecting request")
	}

	jumper := NewRequest(group, PriorityHighest, RespectLimitsDisabled, captureCallback(&jumperOut), nil)
	p.RequestSocket(jumper)

	g := p.groups[group]
	if g.pendingRequests[0].ID != jumper.ID {
		t.Fatalf("expected the limits-disabled request at the front of its priority bucket")
	}
	if len(spawner.created) != 1 {
		t.Fatalf("expected the limits-disabled request to be admitted past the budget")
	}
	if jumper.job == nil || first.job != nil {
		t.Fatalf("expected the new job to pair with the limits-disabled request, not the earlier arrival")
	}

	spawner.created[0].complete(newFakeSocket())
	runner.RunDue()
	if !jumperOut.got || firstOut.got {
		t.Fatalf("expected the limits-disabled request to be served first")
	}
}

// A limits-disabled request below PriorityHighest is a programming error.
func TestLimitsDisabledRequestRequiresHighestPriority(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected NewRequest to panic for a limits-disabled request below PriorityHighest")
		}
	}()
	NewRequest(testGroup("nolimits-bad"), PriorityMedium, RespectLimitsDisabled, func(StreamSocket, error) {}, nil)
}

// SetPriority reaches the in-flight ConnectJob, not just the admission
// queue: the job paired with a reprioritized request is told its new
// priority so resolution/connect scheduling can follow.
func TestSetPriorityPropagatesToAssignedJob(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 1
	cfg.MaxSocketsPerGroup = 1
	cfg.ConnectBackupJobsEnabled = false
	p, runner, spawner := newTestPool(cfg)
	group := testGroup("jobprio")

	var out outcome
	req := NewRequest(group, PriorityLow, RespectLimitsEnabled, captureCallback(&out), nil)
	p.RequestSocket(req)
	runner.RunDue()

	job := spawner.created[0]
	if len(job.priorities) != 1 || job.priorities[0] != PriorityLow {
		t.Fatalf("expected the job to learn its request's priority at pairing, got %v", job.priorities)
	}

	p.SetPriority(group, req.ID, PriorityHighest)
	if got := job.priorities[len(job.priorities)-1]; got != PriorityHighest {
		t.Fatalf("expected SetPriority to reach the assigned job, last saw %v", got)
	}

	// Same value again: remove-and-reinsert must not re-notify the job.
	notifications := len(job.priorities)
	p.SetPriority(group, req.ID, PriorityHighest)
	if len(job.priorities) != notifications {
		t.Fatalf("expected an unchanged priority not to be pushed down again")
	}
}

// The channel RequestSockets returns closes only after every preconnect
// job it started has settled, success and failure alike.
func TestRequestSocketsSignalsWhenAllPreconnectsSettle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 4
	cfg.MaxSocketsPerGroup = 4
	cfg.ConnectBackupJobsEnabled = false
	p, runner, spawner := newTestPool(cfg)
	group := testGroup("settle")

	done, err := p.RequestSockets(group, 2)
	if err != nil {
		t.Fatalf("RequestSockets: %v", err)
	}
	if len(spawner.created) != 2 {
		t.Fatalf("expected 2 preconnect jobs, got %d", len(spawner.created))
	}
	select {
	case <-done:
		t.Fatalf("expected the settlement channel to stay open while jobs are in flight")
	default:
	}

	spawner.created[0].complete(newFakeSocket())
	runner.RunDue()
	select {
	case <-done:
		t.Fatalf("expected the settlement channel to stay open with one job still in flight")
	default:
	}

	spawner.created[1].fail(ErrConnectionFailed)
	runner.RunDue()
	select {
	case <-done:
	default:
		t.Fatalf("expected the settlement channel to close once every preconnect settled")
	}
}

// A preconnect that cannot start all n jobs within budget reports
// ErrPreconnectMaxSocketLimit, and the channel still tracks the jobs that
// did start.
func TestRequestSocketsOverBudgetReportsLimitError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 1
	cfg.MaxSocketsPerGroup = 1
	cfg.ConnectBackupJobsEnabled = false
	p, runner, spawner := newTestPool(cfg)
	group := testGroup("settle-limit")

	done, err := p.RequestSockets(group, 3)
	if err != ErrPreconnectMaxSocketLimit {
		t.Fatalf("expected ErrPreconnectMaxSocketLimit, got %v", err)
	}
	if len(spawner.created) != 1 {
		t.Fatalf("expected only the in-budget job to start, got %d", len(spawner.created))
	}

	spawner.created[0].complete(newFakeSocket())
	runner.RunDue()
	select {
	case <-done:
	default:
		t.Fatalf("expected the settlement channel to close once the started job settled")
	}
}

// A socket handed out before a generation bump is discarded on release
// rather than idled under the new generation: the caller passes back the
// generation it recorded at hand-out time, and a mismatch means the socket
// predates whatever network/TLS-config change bumped the group.
func TestReleaseSocketWithStaleGenerationDiscards(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 4
	cfg.MaxSocketsPerGroup = 4
	logger := &fakeLogger{}
	p, runner, spawner := newTestPoolWithLogger(cfg, logger)
	group := testGroup("stale-release")

	var out outcome
	req := NewRequest(group, PriorityMedium, RespectLimitsEnabled, captureCallback(&out), nil)
	p.RequestSocket(req)
	runner.RunDue()
	sock := newFakeSocket()
	spawner.created[0].complete(sock)
	runner.RunDue()
	if !out.got {
		t.Fatalf("expected the request to be satisfied")
	}

	handedOutGen := p.GroupGeneration(group)
	p.BumpGeneration(group, ReasonNetworkChanged)

	p.ReleaseSocket(group, sock, handedOutGen, "")
	if !sock.closed {
		t.Fatalf("expected the stale-generation socket to be closed, not idled")
	}
	if g, ok := p.groups[group]; ok && len(g.idle) != 0 {
		t.Fatalf("expected no idle socket to survive a stale-generation release")
	}

	var reason string
	for _, e := range logger.events {
		if e.name == "socket_closed" {
			reason, _ = e.fields["reason"].(string)
		}
	}
	if reason != ReasonGenerationStale {
		t.Fatalf("expected the release to be logged with %q, got %q", ReasonGenerationStale, reason)
	}
}

// CancelRequest with cancelJob set tears down the request's assigned job
// along with it, instead of leaving the job to be re-homed.
func TestCancelRequestWithCancelJobTearsDownTheJob(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 4
	cfg.MaxSocketsPerGroup = 4
	p, runner, spawner := newTestPool(cfg)
	group := testGroup("cancel-job")

	var out outcome
	req := NewRequest(group, PriorityMedium, RespectLimitsEnabled, captureCallback(&out), nil)
	p.RequestSocket(req)
	runner.RunDue()
	if len(spawner.created) != 1 || req.job == nil {
		t.Fatalf("expected the request to claim a job")
	}

	p.CancelRequest(group, req.ID, true)
	runner.RunDue()

	if !spawner.created[0].canceled {
		t.Fatalf("expected the assigned job to be canceled along with the request")
	}
	if out.got {
		t.Fatalf("expected no callback after cancellation")
	}
	if _, ok := p.groups[group]; ok {
		t.Fatalf("expected the now-empty group to be dropped")
	}
}

// CancelRequest without cancelJob leaves the orphaned job in flight while
// budget remains, so a later request claims it instead of starting a
// second one.
func TestCancelRequestReHomesOrphanedJob(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 4
	cfg.MaxSocketsPerGroup = 4
	p, runner, spawner := newTestPool(cfg)
	group := testGroup("cancel-rehome")

	var firstOut outcome
	first := NewRequest(group, PriorityMedium, RespectLimitsEnabled, captureCallback(&firstOut), nil)
	p.RequestSocket(first)
	runner.RunDue()

	p.CancelRequest(group, first.ID, false)
	g := p.groups[group]
	if g == nil || len(g.jobs) != 1 {
		t.Fatalf("expected the orphaned job to survive the cancellation")
	}
	if spawner.created[0].canceled {
		t.Fatalf("expected the orphaned job to keep running")
	}

	var secondOut outcome
	second := NewRequest(group, PriorityMedium, RespectLimitsEnabled, captureCallback(&secondOut), nil)
	p.RequestSocket(second)
	runner.RunDue()
	if len(spawner.created) != 1 {
		t.Fatalf("expected the second request to claim the surviving job, got %d jobs", len(spawner.created))
	}

	spawner.created[0].complete(newFakeSocket())
	runner.RunDue()
	if !secondOut.got || secondOut.err != nil {
		t.Fatalf("expected the surviving job's socket to go to the second request")
	}
	if firstOut.got {
		t.Fatalf("expected no callback for the canceled request")
	}
}

// The admission boundary behavior: a Request arrives when the Pool is at
// its global cap but an idle socket sits in a different Group — the other
// Group's oldest idle socket is closed to free the slot, and a job starts
// in the requesting Group, with no HigherLayeredPool involved at all.
func TestGlobalBudgetClosesIdleSocketInDifferentGroup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSockets = 1
	cfg.MaxSocketsPerGroup = 1
	p, runner, spawner := newTestPool(cfg)
	groupA := testGroup("except-a")
	groupB := testGroup("except-b")

	if _, err := p.RequestSockets(groupA, 1); err != nil {
		t.Fatalf("RequestSockets: %v", err)
	}
	sock := newFakeSocket()
	spawner.created[0].complete(sock)
	runner.RunDue()

	g := p.groups[groupA]
	if g == nil || len(g.idle) != 1 {
		t.Fatalf("expected the preconnected socket to sit idle in group A")
	}

	var out outcome
	req := NewRequest(groupB, PriorityMedium, RespectLimitsEnabled, captureCallback(&out), nil)
	p.RequestSocket(req)
	runner.RunDue()

	if groupAState, ok := p.groups[groupA]; ok && len(groupAState.idle) != 0 {
		t.Fatalf("expected group A's idle socket to be closed to free budget for group B")
	}
	if !sock.closed {
		t.Fatalf("expected group A's idle socket to actually be closed")
	}
	if len(spawner.created) != 2 {
		t.Fatalf("expected a new job to start for group B once the slot was freed, got %d", len(spawner.created))
	}

	spawner.created[1].complete(newFakeSocket())
	runner.RunDue()
	if !out.got || out.err != nil {
		t.Fatalf("expected group B's request to complete once the slot was freed")
	}
}
