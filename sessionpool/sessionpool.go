// Package sessionpool is an example pool.HigherLayeredPool: a small
// multiplexed-session manager over grpc.ClientConn — a session multiplexer
// with no outstanding streams that can release a socket on request. Built
// around one shared session per target kept in a map, a per-session
// active-stream counter, and load-balancing policy selection reusing the
// three balancer subpackages.
package sessionpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	"github.com/go-fit/netpool/frpc/leastconnbalance"
	"github.com/go-fit/netpool/frpc/randombalance"
	"github.com/go-fit/netpool/frpc/weightroundrobinbalance"
)

// BalancerPolicy selects which of the three balancer implementations
// governs dial-time service-config selection for sessions created by this
// Manager.
type BalancerPolicy string

const (
	BalancerLeastConn        BalancerPolicy = leastconnbalance.Name
	BalancerRandom           BalancerPolicy = randombalance.Name
	BalancerWeightRoundRobin BalancerPolicy = weightroundrobinbalance.Name
)

// session wraps one grpc.ClientConn multiplexed across many callers, with
// an atomic active-stream counter standing in for "outstanding streams".
type session struct {
	conn       *grpc.ClientConn
	streams    int64
	lastActive time.Time
}

func (s *session) idle() bool {
	return atomic.LoadInt64(&s.streams) == 0
}

// Manager is a pool.HigherLayeredPool: it holds grpc sessions with no
// active streams and will close the least-recently-used one when asked,
// freeing whatever local resources (file descriptors, a netpool socket
// underneath the session's transport) those sessions hold.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	policy   BalancerPolicy
	dialOpts []grpc.DialOption
}

// NewManager builds a session Manager using the given balancer policy for
// new dials.
func NewManager(policy BalancerPolicy, extraDialOpts ...grpc.DialOption) *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		policy:   policy,
		dialOpts: extraDialOpts,
	}
}

func (m *Manager) serviceConfig() grpc.DialOption {
	return grpc.WithDefaultServiceConfig(fmt.Sprintf(`{"loadBalancingPolicy":"%s"}`, m.policy))
}

// Get returns the session for target, dialing a new one if needed.
func (m *Manager) Get(ctx context.Context, target string) (*grpc.ClientConn, error) {
	m.mu.Lock()
	if s, ok := m.sessions[target]; ok {
		atomic.AddInt64(&s.streams, 1)
		s.lastActive = time.Now()
		m.mu.Unlock()
		return s.conn, nil
	}
	m.mu.Unlock()

	opts := append([]grpc.DialOption{m.serviceConfig()}, m.dialOpts...)
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	go m.watchState(target, conn)

	s := &session{conn: conn, streams: 1, lastActive: time.Now()}
	m.mu.Lock()
	m.sessions[target] = s
	m.mu.Unlock()
	return conn, nil
}

// Release marks one fewer active stream for target's session, the
// sessionpool analogue of PooledConn.Close's usage-counter decrement.
func (m *Manager) Release(target string) {
	m.mu.Lock()
	s, ok := m.sessions[target]
	m.mu.Unlock()
	if !ok {
		return
	}
	if atomic.LoadInt64(&s.streams) > 0 {
		atomic.AddInt64(&s.streams, -1)
	}
}

// watchState retires a session once its transport goes permanently
// unhealthy, driven by a GetState/WaitForStateChange loop run per
// connection.
func (m *Manager) watchState(target string, conn *grpc.ClientConn) {
	for {
		state := conn.GetState()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		changed := conn.WaitForStateChange(ctx, state)
		cancel()
		if !changed {
			continue
		}
		if conn.GetState() == connectivity.Shutdown {
			m.mu.Lock()
			delete(m.sessions, target)
			m.mu.Unlock()
			return
		}
	}
}

// CloseOneIdleConnection implements pool.HigherLayeredPool: it closes the
// least-recently-used session with zero active streams and reports whether
// it found one, letting the owning netpool.Pool reclaim a global-budget
// slot during a stall.
func (m *Manager) CloseOneIdleConnection() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var target string
	var oldest *session
	for t, s := range m.sessions {
		if !s.idle() {
			continue
		}
		if oldest == nil || s.lastActive.Before(oldest.lastActive) {
			oldest = s
			target = t
		}
	}
	if oldest == nil {
		return false
	}
	oldest.conn.Close()
	delete(m.sessions, target)
	return true
}

// Close tears down every session, regardless of activity. Intended for
// Manager shutdown, not for the per-request CloseOneIdleConnection path.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, s := range m.sessions {
		s.conn.Close()
		delete(m.sessions, t)
	}
}
