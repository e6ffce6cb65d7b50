package redisconn

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/qiyu-zhao/redroute/redis"
)

const (
	defaultMaxIdlePerNode   = 2
	defaultMaxActivePerNode = 16
	defaultIdleTimeout      = 5 * time.Minute
	defaultBreakerThreshold = 5
	defaultBreakerTimeout   = 15 * time.Second
)

// PoolOpts control per-endpoint pool sizing and endpoint health tracking.
type PoolOpts struct {
	// MaxIdlePerNode bounds connections kept ready per endpoint.
	MaxIdlePerNode int
	// MaxActivePerNode bounds concurrently borrowed connections per endpoint.
	MaxActivePerNode int
	// IdleTimeout discards idle connections that were not used recently.
	IdleTimeout time.Duration
	// BreakerThreshold is the number of consecutive dial failures after
	// which the endpoint is considered degraded and dials short-circuit.
	BreakerThreshold uint32
	// BreakerTimeout is how long a degraded endpoint stays isolated before
	// a probe dial is allowed again.
	BreakerTimeout time.Duration
	// OnEndpointStateChange is called when an endpoint becomes degraded or
	// recovers. Optional.
	OnEndpointStateChange func(endpoint redis.NodeEndpoint, from, to string)
}

func (o *PoolOpts) withDefaults() PoolOpts {
	out := *o
	if out.MaxIdlePerNode <= 0 {
		out.MaxIdlePerNode = defaultMaxIdlePerNode
	}
	if out.MaxActivePerNode <= 0 {
		out.MaxActivePerNode = defaultMaxActivePerNode
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = defaultIdleTimeout
	}
	if out.BreakerThreshold == 0 {
		out.BreakerThreshold = defaultBreakerThreshold
	}
	if out.BreakerTimeout <= 0 {
		out.BreakerTimeout = defaultBreakerTimeout
	}
	return out
}

// Registry owns every connection of the client, keyed by node endpoint.
// Pools are created lazily on first borrow. A connection is used exclusively
// by its borrower; the registry synchronizes only pool bookkeeping.
type Registry struct {
	mu     sync.Mutex
	pools  map[redis.NodeEndpoint]*pool
	closed bool

	connOpts Opts
	poolOpts PoolOpts
}

// NewRegistry creates an empty registry. Connections are dialed on demand.
func NewRegistry(connOpts Opts, poolOpts PoolOpts) *Registry {
	return &Registry{
		pools:    make(map[redis.NodeEndpoint]*pool),
		connOpts: connOpts,
		poolOpts: poolOpts.withDefaults(),
	}
}

type pool struct {
	endpoint redis.NodeEndpoint

	mu   sync.Mutex
	idle []*Connection

	// tokens is a semaphore bounding borrowed connections.
	tokens  chan struct{}
	breaker *gobreaker.CircuitBreaker
}

func (r *Registry) newPool(endpoint redis.NodeEndpoint) *pool {
	p := &pool{
		endpoint: endpoint,
		tokens:   make(chan struct{}, r.poolOpts.MaxActivePerNode),
	}
	threshold := r.poolOpts.BreakerThreshold
	onChange := r.poolOpts.OnEndpointStateChange
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint.Addr(),
		MaxRequests: 1,
		Timeout:     r.poolOpts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(endpoint, from.String(), to.String())
			}
		},
	})
	return p
}

func (r *Registry) getPool(endpoint redis.NodeEndpoint) (*pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, redis.ErrConnClosed.New("registry is shut down")
	}
	p, ok := r.pools[endpoint]
	if !ok {
		p = r.newPool(endpoint)
		r.pools[endpoint] = p
	}
	return p, nil
}

// Borrow returns a live connection to endpoint, reusing an idle one when
// possible. It fails with ErrConnectFailed when the endpoint is degraded,
// unreachable, or the pool limit is hit for longer than the context allows.
func (r *Registry) Borrow(ctx context.Context, endpoint redis.NodeEndpoint) (*Connection, error) {
	p, err := r.getPool(endpoint)
	if err != nil {
		return nil, err
	}

	select {
	case p.tokens <- struct{}{}:
	case <-ctx.Done():
		return nil, redis.ErrConnectFailed.Wrap(ctx.Err(), "pool exhausted").
			WithProperty(redis.EKEndpoint, endpoint)
	}

	if conn := p.popIdle(r.poolOpts.IdleTimeout); conn != nil {
		return conn, nil
	}

	v, err := p.breaker.Execute(func() (interface{}, error) {
		return Dial(ctx, endpoint, r.connOpts)
	})
	if err != nil {
		<-p.tokens
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, redis.ErrConnectFailed.Wrap(err, "endpoint degraded").
				WithProperty(redis.EKEndpoint, endpoint)
		}
		return nil, err
	}
	return v.(*Connection), nil
}

// popIdle returns the most recently used idle connection, discarding
// connections that sat idle past the timeout.
func (p *pool) popIdle(idleTimeout time.Duration) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if time.Since(conn.LastUsed()) > idleTimeout {
			conn.Close()
			continue
		}
		return conn
	}
	return nil
}

// Release returns a borrowed connection. A connection that errored during
// use is discarded, never reused.
func (r *Registry) Release(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	p, ok := r.pools[conn.Endpoint()]
	closed := r.closed
	r.mu.Unlock()

	if ok {
		select {
		case <-p.tokens:
		default:
		}
	}
	if !ok || closed || conn.Tainted() {
		conn.Close()
		return
	}

	p.mu.Lock()
	if len(p.idle) < r.poolOpts.MaxIdlePerNode {
		p.idle = append(p.idle, conn)
		conn = nil
	}
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Evict drops every idle connection to endpoint. Borrowed connections are
// unaffected; they are discarded on release if tainted.
func (r *Registry) Evict(endpoint redis.NodeEndpoint) {
	r.mu.Lock()
	p, ok := r.pools[endpoint]
	r.mu.Unlock()
	if !ok {
		return
	}
	p.closeIdle()
}

// RetainOnly drops pools for endpoints that left the topology, closing
// their idle connections.
func (r *Registry) RetainOnly(keep map[redis.NodeEndpoint]bool) {
	r.mu.Lock()
	var dropped []*pool
	for endpoint, p := range r.pools {
		if !keep[endpoint] {
			dropped = append(dropped, p)
			delete(r.pools, endpoint)
		}
	}
	r.mu.Unlock()
	for _, p := range dropped {
		p.closeIdle()
	}
}

func (p *pool) closeIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, conn := range idle {
		conn.Close()
	}
}

// Close drains the registry. Subsequent borrows fail; connections released
// afterwards are closed.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	pools := make([]*pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()
	for _, p := range pools {
		p.closeIdle()
	}
	return nil
}
