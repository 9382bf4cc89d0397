package pool

import "errors"

// The stable error taxonomy surfaced through Request callbacks.
// Callers are expected to compare with errors.Is, not string matching.
var (
	ErrNetworkChanged           = errors.New("pool: network changed")
	ErrCertDatabaseChanged      = errors.New("pool: cert database changed")
	ErrCertVerifierChanged      = errors.New("pool: cert verifier changed")
	ErrSSLConfigChanged         = errors.New("pool: ssl configuration changed")
	ErrSocketPoolDestroyed      = errors.New("pool: socket pool destroyed")
	ErrPreconnectMaxSocketLimit = errors.New("pool: preconnect max socket limit")
	ErrAborted                  = errors.New("pool: aborted")
	ErrTimedOut                 = errors.New("pool: timed out")
	ErrProxyAuthRequested       = errors.New("pool: proxy auth requested")
	ErrNameNotResolved          = errors.New("pool: name not resolved")
	ErrConnectionFailed         = errors.New("pool: connection failed")
	ErrUnexpected               = errors.New("pool: unexpected error")
)

// Stable idle-socket close-reason strings. These are logged and
// surfaced through diagnostics verbatim; treat them as a contract, not prose.
const (
	ReasonCertDatabaseChanged = "Cert database changed"
	ReasonCertVerifierChanged = "Cert verifier changed"
	ReasonClosedOnReturn      = "Connection was closed when it was returned to the pool"
	ReasonUnexpectedData      = "Data received unexpectedly"
	ReasonIdleTimeLimit       = "Idle time limit expired"
	ReasonNetworkChanged      = "Network changed"
	ReasonRemoteClosed        = "Remote side closed connection"
	ReasonGenerationStale     = "Socket generation out of date"
	ReasonPoolDestroyed       = "Socket pool destroyed"
	ReasonSSLConfigChanged    = "SSL configuration changed"
)
