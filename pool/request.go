package pool

import "github.com/google/uuid"

// Callback is invoked exactly once with the outcome of a Request: either a
// usable StreamSocket and a nil error, or a nil socket and a non-nil error
// drawn from the taxonomy in errors.go. Always delivered via the owning
// Pool's TaskRunner — never inline from the call that decided the outcome.
type Callback func(socket StreamSocket, err error)

// ProxyAuthCallback is invoked when a ConnectJob in the Request's Group
// needs proxy credentials and the Request has been bound to it (late
// binding). The supplied restart func is to be called once credentials are
// available. If it is never called, the Request stays bound until the job
// completes, its ConnectionTimeout fails it with ErrTimedOut, or the
// Request is cancelled.
type ProxyAuthCallback func(challenge ProxyAuthChallenge, restart func())

// Request is one caller's ask for a socket in a Group. Requests are
// admitted in priority order, FIFO within a priority.
type Request struct {
	// ID uniquely identifies this request for the lifetime of the Pool.
	// Generated with google/uuid rather than aliasing a pointer: raw-pointer
	// identity is a hazard a GC'd language doesn't need, but a stable opaque
	// id is still useful for logging and is the key SetPriority and
	// CancelRequest look a Request up by.
	ID uuid.UUID

	Group         GroupId
	Priority      Priority
	RespectLimits RespectLimits

	// NoIdleSockets forces this Request past admission step 1: it will
	// never be handed an already-idle socket, even as the highest-priority
	// waiter, and always gets a fresh ConnectJob instead.
	NoIdleSockets bool

	// IgnoreLimits bypasses both MaxSocketsPerGroup and MaxSockets for this
	// Request's own admission, same as RespectLimits ==
	// RespectLimitsDisabled. Kept separate from RespectLimits so a caller
	// can ignore limits without losing RespectLimits' other bookkeeping.
	IgnoreLimits bool

	onComplete  Callback
	onProxyAuth ProxyAuthCallback

	// job is the ConnectJob currently assigned to this request, if any.
	// Set and cleared by the Group's pairing code (rebalance, proxy-auth
	// binding, completion) and by CancelRequest.
	job *jobEntry
}

// bypassesLimits reports whether r should skip both the per-group and
// global socket budget checks during admission.
func (r *Request) bypassesLimits() bool {
	return r.RespectLimits == RespectLimitsDisabled || r.IgnoreLimits
}

// RequestOption sets an optional field on a Request built by NewRequest,
// without disturbing the existing positional-argument call sites.
type RequestOption func(*Request)

// WithNoIdleSockets sets Request.NoIdleSockets.
func WithNoIdleSockets() RequestOption {
	return func(r *Request) { r.NoIdleSockets = true }
}

// WithIgnoreLimits sets Request.IgnoreLimits.
func WithIgnoreLimits() RequestOption {
	return func(r *Request) { r.IgnoreLimits = true }
}

// NewRequest builds a Request for the given group. onComplete must not be
// nil: calling RequestSocket with a nil callback is a programming error and
// NewRequest panics immediately rather than letting the pool discover it
// later with no way to report the mistake. A limits-disabled request must
// carry PriorityHighest — it is inserted at the front of its priority
// bucket, and that front-of-queue guarantee only means anything at the
// maximum priority.
func NewRequest(group GroupId, priority Priority, respect RespectLimits, onComplete Callback, onProxyAuth ProxyAuthCallback, opts ...RequestOption) *Request {
	if onComplete == nil {
		panic("pool: NewRequest called with a nil completion callback")
	}
	if respect == RespectLimitsDisabled && priority != PriorityHighest {
		panic("pool: a limits-disabled request must use PriorityHighest")
	}
	r := &Request{
		ID:            uuid.New(),
		Group:         group,
		Priority:      priority,
		RespectLimits: respect,
		onComplete:    onComplete,
		onProxyAuth:   onProxyAuth,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}
