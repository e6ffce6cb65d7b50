package redroute

import (
	"context"
	"time"

	"github.com/qiyu-zhao/redroute/redis"
	"github.com/qiyu-zhao/redroute/rediscluster"
	"github.com/qiyu-zhao/redroute/redisconn"
)

// Redis is the cluster-backed capability surface handed to the rest of the
// application. Single-key operations go through the command router,
// multi-key operations through the multi-key coordinator; every call is
// timed and reported to the injected metrics collector.
type Redis struct {
	cfg     Config
	group   ReplicationGroup
	log     rediscluster.Logger
	metrics Metrics

	cancel   context.CancelFunc
	registry *redisconn.Registry
	cluster  *rediscluster.Cluster
}

// New validates cfg and assembles the client. No connection is made until
// Start.
func New(cfg Config) (*Redis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = rediscluster.NopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	group := cfg.Groups[0]
	if len(cfg.Groups) > 1 {
		logger.Report(rediscluster.LogExtraGroupsIgnored, len(cfg.Groups)-1)
	}

	registry := redisconn.NewRegistry(
		redisconn.Opts{
			Password:    group.Password,
			ClientName:  group.ClientName,
			DialTimeout: group.timeout(),
			IOTimeout:   group.timeout(),
			TLSEnabled:  group.TLS,
			TLSConfig:   group.TLSConfig,
		},
		redisconn.PoolOpts{
			MaxIdlePerNode:   cfg.Pool.MaxIdlePerNode,
			MaxActivePerNode: cfg.Pool.MaxActivePerNode,
			IdleTimeout:      cfg.Pool.IdleTimeout,
			OnEndpointStateChange: func(endpoint redis.NodeEndpoint, from, to string) {
				logger.Report(rediscluster.LogEndpointState, endpoint, from, to)
			},
		},
	)

	lifeCtx, cancel := context.WithCancel(context.Background())
	cluster, err := rediscluster.NewCluster(lifeCtx,
		[]redis.NodeEndpoint{group.ConfigurationEndpoint},
		registry,
		rediscluster.Opts{
			MaxAttempts:   group.maxAttempts(),
			CheckInterval: cfg.CheckInterval,
			Logger:        logger,
		})
	if err != nil {
		cancel()
		registry.Close()
		return nil, err
	}

	return &Redis{
		cfg:      cfg,
		group:    group,
		log:      logger,
		metrics:  metrics,
		cancel:   cancel,
		registry: registry,
		cluster:  cluster,
	}, nil
}

// Start resolves the cluster topology for the first time. It blocks until
// topology is known or ctx runs out, so service-readiness frameworks can
// gate dependents on it.
func (r *Redis) Start(ctx context.Context) error {
	return r.cluster.Start(ctx)
}

// Stop shuts the client down and drains every connection.
func (r *Redis) Stop() error {
	r.cluster.Stop()
	r.cancel()
	return r.registry.Close()
}

func (r *Redis) observe(ctx context.Context, cmd string, start time.Time, retries int, err error) {
	r.metrics.Observe(ctx, cmd, time.Since(start), retries, err)
}

// Get fetches key. A missing key yields a nil slice and no error.
func (r *Redis) Get(ctx context.Context, key string) (val []byte, err error) {
	start := time.Now()
	retries := 0
	defer func() { r.observe(ctx, "GET", start, retries, err) }()

	if key == "" {
		return nil, redis.ErrEmptyKey.New("GET requires a key")
	}
	res, n, err := r.cluster.Execute(ctx, redis.Req("GET", key))
	retries = n
	if err != nil {
		return nil, err
	}
	return redis.ReplyToBytes(res)
}

// Set stores value under key.
func (r *Redis) Set(ctx context.Context, key string, value interface{}) (err error) {
	start := time.Now()
	retries := 0
	defer func() { r.observe(ctx, "SET", start, retries, err) }()

	if key == "" {
		return redis.ErrEmptyKey.New("SET requires a key")
	}
	res, n, err := r.cluster.Execute(ctx, redis.Req("SET", key, value))
	retries = n
	if err != nil {
		return err
	}
	if !redis.ReplyIsOK(res) {
		return redis.ErrResponseUnexpected.New("SET returned %v", res)
	}
	return nil
}

// SetEx stores value under key with a time-to-live.
func (r *Redis) SetEx(ctx context.Context, key string, value interface{}, ttl time.Duration) (err error) {
	start := time.Now()
	retries := 0
	defer func() { r.observe(ctx, "SETEX", start, retries, err) }()

	if key == "" {
		return redis.ErrEmptyKey.New("SETEX requires a key")
	}
	secs := int64(ttl / time.Second)
	if secs <= 0 {
		secs = 1
	}
	res, n, err := r.cluster.Execute(ctx, redis.Req("SETEX", key, secs, value))
	retries = n
	if err != nil {
		return err
	}
	if !redis.ReplyIsOK(res) {
		return redis.ErrResponseUnexpected.New("SETEX returned %v", res)
	}
	return nil
}

// Del removes the given keys, wherever their slots live, and returns how
// many existed. Keys spanning multiple slots fan out concurrently.
func (r *Redis) Del(ctx context.Context, keys ...string) (n int64, err error) {
	start := time.Now()
	retries := 0
	defer func() { r.observe(ctx, "DEL", start, retries, err) }()

	if err := validateKeys(keys); err != nil {
		return 0, err
	}
	n, retries, err = r.cluster.Del(ctx, keys)
	return n, err
}

// MGet fetches every key, preserving input order in the result; missing
// keys yield nil entries. On partial failure the successfully fetched
// values are returned together with the error listing the failed keys.
func (r *Redis) MGet(ctx context.Context, keys []string) (vals [][]byte, err error) {
	start := time.Now()
	retries := 0
	defer func() { r.observe(ctx, "MGET", start, retries, err) }()

	if err := validateKeys(keys); err != nil {
		return nil, err
	}
	res, n, err := r.cluster.MGet(ctx, keys)
	retries = n
	vals = make([][]byte, len(res))
	for i, v := range res {
		b, cerr := redis.ReplyToBytes(v)
		if cerr != nil && err == nil {
			err = cerr
		}
		vals[i] = b
	}
	return vals, err
}

// MSet writes every pair. A cross-slot MSet is not atomic: on partial
// failure the error lists exactly the keys that were not confirmed written.
func (r *Redis) MSet(ctx context.Context, pairs ...redis.KV) (err error) {
	start := time.Now()
	retries := 0
	defer func() { r.observe(ctx, "MSET", start, retries, err) }()

	for _, kv := range pairs {
		if kv.Key == "" {
			return redis.ErrEmptyKey.New("MSET requires non-empty keys")
		}
	}
	retries, err = r.cluster.MSet(ctx, pairs)
	return err
}

// Exists reports whether key exists.
func (r *Redis) Exists(ctx context.Context, key string) (ok bool, err error) {
	start := time.Now()
	retries := 0
	defer func() { r.observe(ctx, "EXISTS", start, retries, err) }()

	if key == "" {
		return false, redis.ErrEmptyKey.New("EXISTS requires a key")
	}
	res, n, err := r.cluster.Execute(ctx, redis.Req("EXISTS", key))
	retries = n
	if err != nil {
		return false, err
	}
	cnt, err := redis.ReplyToInt64(res)
	return cnt > 0, err
}

// Expire sets a time-to-live on key, reporting whether the key existed.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (ok bool, err error) {
	start := time.Now()
	retries := 0
	defer func() { r.observe(ctx, "EXPIRE", start, retries, err) }()

	if key == "" {
		return false, redis.ErrEmptyKey.New("EXPIRE requires a key")
	}
	secs := int64(ttl / time.Second)
	res, n, err := r.cluster.Execute(ctx, redis.Req("EXPIRE", key, secs))
	retries = n
	if err != nil {
		return false, err
	}
	cnt, err := redis.ReplyToInt64(res)
	return cnt == 1, err
}

// Incr increments the integer stored at key and returns the new value.
func (r *Redis) Incr(ctx context.Context, key string) (val int64, err error) {
	start := time.Now()
	retries := 0
	defer func() { r.observe(ctx, "INCR", start, retries, err) }()

	if key == "" {
		return 0, redis.ErrEmptyKey.New("INCR requires a key")
	}
	res, n, err := r.cluster.Execute(ctx, redis.Req("INCR", key))
	retries = n
	if err != nil {
		return 0, err
	}
	return redis.ReplyToInt64(res)
}

// Ping probes one known node.
func (r *Redis) Ping(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { r.observe(ctx, "PING", start, 0, err) }()

	endpoints := r.cluster.SlotMap().Endpoints()
	if len(endpoints) == 0 {
		endpoints = []redis.NodeEndpoint{r.group.ConfigurationEndpoint}
	}
	res, err := r.cluster.ExecuteAt(ctx, endpoints[0], redis.Req("PING"))
	if err != nil {
		return err
	}
	if s, ok := res.(string); !ok || s != "PONG" {
		return redis.ErrResponseUnexpected.New("PING returned %v", res)
	}
	return nil
}

func validateKeys(keys []string) error {
	for _, key := range keys {
		if key == "" {
			return redis.ErrEmptyKey.New("empty key in key list")
		}
	}
	return nil
}
