// Package connectjob provides the default pool.ConnectJob implementation:
// a TCP dial optionally wrapped in one-way or mutual TLS, retried on
// transient dial errors, with a three-way insecure/one-way/mTLS transport
// switch adapted from gRPC dial credentials to a raw net.Conn.
package connectjob

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/go-fit/netpool/pool"
)

// TransportType is the three-way security switch for a dial: plaintext,
// one-way TLS, or mutual TLS, expressed as a plain crypto/tls.Config for a
// raw socket instead of gRPC dial credentials.
type TransportType string

const (
	TransportTypeInsecure TransportType = "insecure"
	TransportTypeOneWay   TransportType = "one-way"
	TransportTypeMTLS     TransportType = "mTLS"
)

// Config configures how Factory dials one destination.
type Config struct {
	TransportType TransportType

	// ServerName is required for TransportTypeOneWay/TransportTypeMTLS and
	// is verified against the server's certificate.
	ServerName string

	// CertFile/KeyFile/CAFile are the certificate fields; CertFile+KeyFile
	// are the client's own identity (required for mTLS), CAFile verifies
	// the server (required for mTLS; optional for one-way TLS, where the
	// system roots are used when it is empty).
	CertFile string
	KeyFile  string
	CAFile   string

	// DialTimeout bounds a single TCP connect attempt.
	DialTimeout time.Duration

	// Timeout is the overall ConnectionTimeout the pool enforces across
	// every retry attempt.
	Timeout time.Duration

	// RetryAttempts is the total number of dial attempts within a single
	// ConnectJob (0 counts as 1). Every dial or handshake error is retried
	// except a TLS configuration error — a distinct concern from the pool's
	// own backup-job hedge, which races a second independent job instead of
	// retrying the first.
	RetryAttempts uint
	RetryDelay    time.Duration
}

func (c Config) clientTLSConfig() (*tls.Config, error) {
	switch c.TransportType {
	case TransportTypeInsecure:
		return nil, nil
	case TransportTypeOneWay:
		return c.oneWayTLSConfig()
	case TransportTypeMTLS:
		return c.mutualTLSConfig()
	default:
		return nil, errors.New("connectjob: unsupported transport type")
	}
}

func (c Config) oneWayTLSConfig() (*tls.Config, error) {
	if c.ServerName == "" {
		return nil, errors.New("connectjob: one-way TLS requires ServerName")
	}
	cfg := &tls.Config{ServerName: c.ServerName}
	if c.CAFile != "" {
		pool, err := loadCAPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func (c Config) mutualTLSConfig() (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, errors.New("connectjob: mTLS requires CertFile and KeyFile")
	}
	if c.CAFile == "" {
		return nil, errors.New("connectjob: mTLS requires CAFile")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, err
	}
	caPool, err := loadCAPool(c.CAFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   c.ServerName,
		RootCAs:      caPool,
	}, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p := x509.NewCertPool()
	if !p.AppendCertsFromPEM(raw) {
		return nil, errors.New("connectjob: failed to append CA certs")
	}
	return p, nil
}

// Factory builds pool.ConnectJob values for a given pool.GroupId, suitable
// as a pool.JobFactory.
type Factory struct {
	cfg Config
}

// NewFactory returns a Factory dialing with cfg for every Group.
func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

// New implements pool.JobFactory.
func (f *Factory) New(group pool.GroupId) pool.ConnectJob {
	return &Job{cfg: f.cfg, group: group, state: pool.LoadStateResolvingHost}
}

// Job is the default pool.ConnectJob: resolve, dial, optionally TLS
// handshake, with the whole attempt retried via avast/retry-go/v4 on
// transient errors.
type Job struct {
	cfg   Config
	group pool.GroupId

	mu          sync.Mutex
	state       pool.LoadState
	priority    pool.Priority
	established atomic.Bool
	cancel      context.CancelFunc
	canceled    atomic.Bool
}

func (j *Job) setState(s pool.LoadState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// LoadState implements pool.ConnectJob.
func (j *Job) LoadState() pool.LoadState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// HasEstablishedConnection implements pool.ConnectJob: true once the raw
// TCP handshake has completed, even if a TLS handshake is still pending —
// the pool's backup-job timer consults this before racing a second job.
func (j *Job) HasEstablishedConnection() bool {
	return j.established.Load()
}

// ConnectionTimeout implements pool.ConnectJob.
func (j *Job) ConnectionTimeout() time.Duration {
	return j.cfg.Timeout
}

// ChangePriority implements pool.ConnectJob. A raw TCP dial has no
// scheduler to hint, so the value is only recorded; it arrives whenever
// the pool re-pairs this job with a request of a different priority.
func (j *Job) ChangePriority(p pool.Priority) {
	j.mu.Lock()
	j.priority = p
	j.mu.Unlock()
}

// Cancel implements pool.ConnectJob.
func (j *Job) Cancel() {
	j.canceled.Store(true)
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Connect implements pool.ConnectJob. The dial runs on its own goroutine;
// completion is always reported later via delegate.OnConnectJobComplete,
// never synchronously from this call, matching the no-synchronous-
// completion contract pool.ConnectJob documents.
func (j *Job) Connect(ctx context.Context, delegate pool.JobDelegate) {
	ctx, cancel := context.WithCancel(ctx)
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()

	go func() {
		socket, err := j.dial(ctx)
		if j.canceled.Load() {
			if socket != nil {
				socket.Close()
			}
			return
		}
		j.setState(pool.LoadStateIdle)
		delegate.OnConnectJobComplete(j, pool.JobResult{Socket: socket, Err: translateDialError(err)})
	}()
}

func (j *Job) dial(ctx context.Context) (pool.StreamSocket, error) {
	j.setState(pool.LoadStateResolvingHost)

	var conn *tlsOrPlainConn
	attempt := func() error {
		j.setState(pool.LoadStateConnecting)
		dialer := &net.Dialer{Timeout: j.cfg.DialTimeout}
		addr := fmt.Sprintf("%s:%d", j.group.Host, j.group.Port)
		raw, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return dialErr
		}
		j.established.Store(true)

		tlsCfg, tlsErr := j.cfg.clientTLSConfig()
		if tlsErr != nil {
			raw.Close()
			return retry.Unrecoverable(tlsErr)
		}
		if tlsCfg == nil {
			conn = &tlsOrPlainConn{Conn: raw}
			return nil
		}

		j.setState(pool.LoadStateSSLHandshake)
		tlsConn := tls.Client(raw, tlsCfg)
		if hsErr := tlsConn.HandshakeContext(ctx); hsErr != nil {
			raw.Close()
			return hsErr
		}
		conn = &tlsOrPlainConn{Conn: tlsConn}
		return nil
	}

	attempts := j.cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(attempt,
		retry.Attempts(attempts),
		retry.Delay(j.cfg.RetryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
