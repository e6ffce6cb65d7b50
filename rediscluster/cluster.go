package rediscluster

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/joomcode/errorx"

	"github.com/qiyu-zhao/redroute/redis"
	"github.com/qiyu-zhao/redroute/redisconn"
)

const (
	defaultMaxAttempts   = 3
	defaultCheckInterval = 5 * time.Second
)

// Opts configure the cluster router.
type Opts struct {
	// MaxAttempts bounds attempts per command. Every retry, whatever its
	// cause (MOVED, ASK, transport error), consumes one attempt.
	MaxAttempts int
	// CheckInterval is the period of background topology re-resolution.
	CheckInterval time.Duration
	// Logger receives cluster events. Defaults to NopLogger.
	Logger Logger
}

// Cluster routes commands to the nodes owning their hash slots and follows
// MOVED/ASK redirects when the topology changes mid-operation.
type Cluster struct {
	ctx    context.Context
	cancel context.CancelFunc

	seeds    []redis.NodeEndpoint
	registry *redisconn.Registry
	slots    *SlotMap
	opts     Opts

	refreshMu chan struct{} // token: serializes synchronous refreshes
	reloadCh  chan struct{}
	done      chan struct{}
}

// NewCluster creates a router over the given connection registry. Topology
// is not resolved until Start.
func NewCluster(ctx context.Context, seeds []redis.NodeEndpoint, registry *redisconn.Registry, opts Opts) (*Cluster, error) {
	if ctx == nil {
		return nil, redis.ErrBadConfig.New("context should not be nil")
	}
	if len(seeds) == 0 {
		return nil, redis.ErrBadConfig.New("no initial addresses given")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	} else if opts.CheckInterval < time.Second {
		opts.CheckInterval = time.Second
	} else if opts.CheckInterval > 10*time.Minute {
		opts.CheckInterval = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = NopLogger{}
	}

	c := &Cluster{
		seeds:     append([]redis.NodeEndpoint(nil), seeds...),
		registry:  registry,
		slots:     NewSlotMap(),
		opts:      opts,
		refreshMu: make(chan struct{}, 1),
		reloadCh:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c, nil
}

// Start resolves the topology for the first time, retrying with backoff
// within ctx, and launches the background checker. Dependents should not be
// unblocked before Start returns nil.
func (c *Cluster) Start(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.refreshNow(ctx)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(3*len(c.seeds)+3)))
	if err != nil {
		return err
	}
	go c.checker()
	return nil
}

// Stop shuts the router down and stops the background checker. The caller
// owns the registry and drains it separately.
func (c *Cluster) Stop() {
	c.opts.Logger.Report(LogShutdown)
	c.cancel()
}

// SlotMap exposes the current slot mapping.
func (c *Cluster) SlotMap() *SlotMap {
	return c.slots
}

func (c *Cluster) checker() {
	defer close(c.done)
	t := time.NewTicker(c.opts.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
		case <-c.reloadCh:
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.CheckInterval)
		c.refreshNow(ctx)
		cancel()
	}
}

// scheduleReload requests an asynchronous topology refresh.
func (c *Cluster) scheduleReload() {
	select {
	case c.reloadCh <- struct{}{}:
	default:
	}
}

// refreshNow fetches topology synchronously. Concurrent callers collapse
// into one fetch: whoever holds the token fetches, the rest wait for it.
func (c *Cluster) refreshNow(ctx context.Context) error {
	select {
	case c.refreshMu <- struct{}{}:
	case <-ctx.Done():
		return redis.ErrTopologyFetch.Wrap(ctx.Err(), "refresh cancelled")
	}
	defer func() { <-c.refreshMu }()
	return c.fetchTopology(ctx)
}

// ExecuteAt sends req directly to endpoint, without routing or retries.
func (c *Cluster) ExecuteAt(ctx context.Context, endpoint redis.NodeEndpoint, req redis.Request) (interface{}, error) {
	conn, err := c.registry.Borrow(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	res, err := conn.Do(ctx, req)
	c.registry.Release(conn)
	return res, err
}

// Execute routes req to the owner of its key's slot. It follows MOVED and
// ASK redirects and retries transport failures against freshly resolved
// owners, consuming one attempt per retry. The retries result reports how
// many attempts beyond the first were needed.
func (c *Cluster) Execute(ctx context.Context, req redis.Request) (res interface{}, retries int, err error) {
	key, ok := req.Key()
	if !ok {
		return nil, 0, redis.ErrEmptyKey.New("command %s carries no key", req.Cmd)
	}
	slot := Slot(key)

	endpoint, err := c.slots.OwnerOf(slot)
	if err != nil {
		// cold start: force a refresh before the first attempt
		if rerr := c.refreshNow(ctx); rerr != nil {
			return nil, 0, rerr
		}
		if endpoint, err = c.slots.OwnerOf(slot); err != nil {
			return nil, 0, err
		}
	}

	var (
		asking       bool
		lastErr      error
		lastRedirect bool
		bo           *backoff.ExponentialBackOff
	)
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		res, err = c.sendTo(ctx, endpoint, req, asking)
		if err == nil {
			return res, attempt, nil
		}
		lastErr = err

		switch {
		case errorx.IsOfType(err, redis.ErrMoved):
			lastRedirect = true
			movedSlot, target, ok := redis.RedirectTarget(err)
			if !ok {
				return nil, attempt, err
			}
			c.slots.SetOwner(movedSlot, target)
			c.opts.Logger.Report(LogSlotMoved, movedSlot, target)
			c.scheduleReload()
			endpoint, asking = target, false

		case errorx.IsOfType(err, redis.ErrAsk):
			// slot is mid-migration: one-shot redirect, no map update
			lastRedirect = true
			_, target, ok := redis.RedirectTarget(err)
			if !ok {
				return nil, attempt, err
			}
			endpoint, asking = target, true

		case redis.IsRetriable(err):
			lastRedirect, asking = false, false
			if bo == nil {
				bo = retryBackOff()
			}
			if werr := sleepCtx(ctx, bo.NextBackOff()); werr != nil {
				return nil, attempt, redis.ErrCommandFailed.Wrap(lastErr, "cancelled while retrying").
					WithProperty(redis.EKKey, key).WithProperty(redis.EKSlot, slot)
			}
			// the failure may mean stale topology: re-resolve the owner
			c.refreshNow(ctx)
			if next, rerr := c.slots.OwnerOf(slot); rerr == nil {
				endpoint = next
			}

		default:
			// application-level reply error: never retried
			return nil, attempt, err
		}
	}

	typ := redis.ErrCommandFailed
	if lastRedirect {
		typ = redis.ErrRoutingExhausted
	}
	return nil, c.opts.MaxAttempts - 1, typ.Wrap(lastErr, "gave up on %s", req.Cmd).
		WithProperty(redis.EKKey, key).
		WithProperty(redis.EKSlot, slot).
		WithProperty(redis.EKAttempts, c.opts.MaxAttempts)
}

// sendTo borrows a connection for exactly one exchange. A fresh borrow is
// taken for every attempt, so a redirected retry never reuses the previous
// node's connection.
func (c *Cluster) sendTo(ctx context.Context, endpoint redis.NodeEndpoint, req redis.Request, asking bool) (interface{}, error) {
	conn, err := c.registry.Borrow(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var res interface{}
	if asking {
		res, err = conn.DoAsking(ctx, req)
	} else {
		res, err = conn.Do(ctx, req)
	}
	c.registry.Release(conn)
	return res, err
}

func retryBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond
	bo.Reset()
	return bo
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
