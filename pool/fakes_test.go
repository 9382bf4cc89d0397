package pool

import (
	"context"
	"time"
)

// fakeSocket is a minimal StreamSocket for tests.
type fakeSocket struct {
	closed      bool
	used        bool
	healthy     bool
	pendingData bool // simulates unexpected bytes arriving on a used-idle socket
}

func newFakeSocket() *fakeSocket { return &fakeSocket{healthy: true} }

func (s *fakeSocket) Close() error      { s.closed = true; return nil }
func (s *fakeSocket) IsConnected() bool { return s.healthy && !s.closed }
func (s *fakeSocket) IsConnectedAndIdle() bool {
	return s.healthy && !s.closed && !s.pendingData
}
func (s *fakeSocket) WasEverUsed() bool { return s.used }

// fakeJob is a ConnectJob a test drives by hand: Connect just records the
// delegate, and the test calls complete()/fail()/needsProxyAuth() to
// resolve it whenever it wants, simulating an asynchronous dial.
type fakeJob struct {
	delegate    JobDelegate
	canceled    bool
	established bool
	state       LoadState
	timeout     time.Duration
	finished    bool
	priorities  []Priority // every ChangePriority value, in order
}

func newFakeJob() *fakeJob { return &fakeJob{state: LoadStateConnecting, timeout: time.Minute} }

func (j *fakeJob) Connect(_ context.Context, delegate JobDelegate) {
	j.delegate = delegate
}

func (j *fakeJob) Cancel()                          { j.canceled = true }
func (j *fakeJob) ChangePriority(p Priority)        { j.priorities = append(j.priorities, p) }
func (j *fakeJob) LoadState() LoadState             { return j.state }
func (j *fakeJob) HasEstablishedConnection() bool   { return j.established }
func (j *fakeJob) ConnectionTimeout() time.Duration { return j.timeout }

func (j *fakeJob) complete(s StreamSocket) {
	if j.finished {
		return
	}
	j.finished = true
	j.delegate.OnConnectJobComplete(j, JobResult{Socket: s})
}

func (j *fakeJob) fail(err error) {
	if j.finished {
		return
	}
	j.finished = true
	j.delegate.OnConnectJobComplete(j, JobResult{Err: err})
}

// needsProxyAuth simulates the job discovering it needs proxy credentials,
// without finishing it — finished stays false so complete()/fail() can
// still resolve it afterward, the way a real ConnectJob resumes after
// restart() is called.
func (j *fakeJob) needsProxyAuth(challenge ProxyAuthChallenge, restart func()) {
	j.delegate.OnNeedsProxyAuth(j, challenge, restart)
}

// loggedEvent is one call recorded by fakeLogger.
type loggedEvent struct {
	name   string
	fields map[string]interface{}
}

// fakeLogger records every event it receives, for tests that assert on
// the diagnostic reason a close or eviction was logged with.
type fakeLogger struct {
	events []loggedEvent
}

func (l *fakeLogger) Event(event string, fields map[string]interface{}) {
	l.events = append(l.events, loggedEvent{name: event, fields: fields})
}

func newTestPoolWithLogger(cfg Config, logger Logger) (*Pool, *FakeTaskRunner, *jobSpawner) {
	runner := NewFakeTaskRunner()
	spawner := &jobSpawner{}
	p := New(cfg, spawner.New, runner, logger)
	return p, runner, spawner
}
