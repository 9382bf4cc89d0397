package pool

import (
	"context"
	"time"
)

// StreamSocket is the caller-facing handle to an established connection. It
// is opaque to the pool: the pool only ever stores, counts and hands it back.
type StreamSocket interface {
	// Close releases the underlying transport. Called by the pool itself
	// when an idle socket is evicted or the pool is flushed; never called
	// on a socket that has been handed to a Request.
	Close() error

	// IsConnected reports whether the transport still looks usable. Applied
	// to a never-used idle socket, which may legitimately have unread bytes
	// already queued (e.g. a protocol greeting) without that meaning
	// anything is wrong.
	IsConnected() bool

	// IsConnectedAndIdle reports whether the transport is both open and has
	// no unread application data sitting on it. Applied instead of
	// IsConnected to a socket that was previously handed to a Request: once
	// a socket has carried traffic, unexpected bytes arriving while it sits
	// idle mean the peer is out of sync with the caller's protocol and the
	// socket is not safe to reuse even though it is still "connected".
	IsConnectedAndIdle() bool

	// WasEverUsed reports whether any application data has been read from
	// or written to the socket. Feeds the used/never-used idle partition
	// (the used/never-used idle partition).
	WasEverUsed() bool
}

// ProxyAuthChallenge is surfaced to a Request's proxy-auth callback when a
// ConnectJob needs credentials before it can finish connecting (late
// binding).
type ProxyAuthChallenge struct {
	ProxyGroup GroupId
	Realm      string
}

// JobResult is what a ConnectJob reports to its delegate on completion.
type JobResult struct {
	Socket StreamSocket
	Err    error
}

// JobDelegate is the callback surface a ConnectJob drives. The pool itself
// implements this; a ConnectJob must never call these methods from inside
// one of its own public method calls (i.e. not from Connect itself) — only
// from later, independently scheduled completion, matching the "no
// synchronous completion" assumption backup-job racing relies on.
type JobDelegate interface {
	// OnConnectJobComplete is invoked exactly once per job, with the job's
	// final result. It may be called from any goroutine (e.g. the job's own
	// dial goroutine); the pool posts the handling onto its TaskRunner.
	OnConnectJobComplete(job ConnectJob, result JobResult)

	// OnNeedsProxyAuth is invoked when a job needs proxy credentials before
	// it can proceed; the pool resolves this against whichever Request the
	// job is currently bound to (late binding).
	OnNeedsProxyAuth(job ConnectJob, challenge ProxyAuthChallenge, restart func())
}

// ConnectJob is the unit of work the pool drives to produce a StreamSocket
// for a Group. Implementations are provided by callers (see package
// connectjob for the default TCP/TLS implementation); the pool only ever
// calls Connect once and Cancel at most once.
type ConnectJob interface {
	// Connect begins the connection attempt. Must not block and must not
	// call the delegate synchronously; completion is always reported later
	// via JobDelegate.OnConnectJobComplete, which the pool handles on its
	// TaskRunner.
	Connect(ctx context.Context, delegate JobDelegate)

	// Cancel aborts an in-flight attempt. Safe to call after completion
	// (a no-op in that case).
	Cancel()

	// ChangePriority updates the job's connect-time priority hint to
	// follow the request it is currently paired with, so resolution and
	// connect scheduling track the admission queue. Called whenever the
	// pool pairs the job with a request of a different priority; may be
	// called repeatedly as pairing changes.
	ChangePriority(priority Priority)

	// LoadState reports the job's current coarse state.
	LoadState() LoadState

	// HasEstablishedConnection reports whether the underlying transport
	// handshake has completed, even if the job is still waiting on
	// something else (e.g. proxy auth). Consulted by the backup-job timer
	// during backup-job racing.
	HasEstablishedConnection() bool

	// ConnectionTimeout bounds how long the pool waits before treating the
	// job as timed out and failing it with ErrTimedOut.
	ConnectionTimeout() time.Duration
}
