package redroute

import (
	"crypto/tls"
	"time"

	"github.com/qiyu-zhao/redroute/redis"
	"github.com/qiyu-zhao/redroute/rediscluster"
)

const (
	defaultTimeout     = 3 * time.Second
	defaultMaxAttempts = 3
)

// ReplicationGroup describes one cluster deployment: the configuration
// endpoint to bootstrap topology from, credentials and per-command limits.
type ReplicationGroup struct {
	// ConfigurationEndpoint is the address topology discovery starts from.
	ConfigurationEndpoint redis.NodeEndpoint
	// Password authenticates every connection. Required in production.
	Password string
	// ClientName is set on every connection via CLIENT SETNAME.
	ClientName string
	// Timeout bounds a single command exchange, including each retry.
	Timeout time.Duration
	// MaxAttempts bounds routing retries per command.
	MaxAttempts int
	// TLS enables TLS on every connection.
	TLS bool
	// TLSConfig optionally overrides the TLS client configuration.
	TLSConfig *tls.Config
}

// PoolConfig carries standard connection-pool sizing parameters.
type PoolConfig struct {
	MaxIdlePerNode   int
	MaxActivePerNode int
	IdleTimeout      time.Duration
}

// Config is the single explicit configuration record of the client. Every
// option is enumerated here and validated once at startup; there are no
// builder objects and no global defaults.
type Config struct {
	// Groups lists replication group descriptors. Only the first group is
	// used; additional groups are ignored and logged, not an error.
	Groups []ReplicationGroup
	// Production requires a password: a missing one is fatal at startup.
	Production bool
	// Pool sizes the per-node connection pools.
	Pool PoolConfig
	// CheckInterval is the period of background topology re-resolution.
	CheckInterval time.Duration
	// Logger receives cluster events. Defaults to discarding them.
	Logger rediscluster.Logger
	// Metrics receives per-command observations. Defaults to NopMetrics.
	Metrics Metrics
}

// Validate checks the configuration record. It is called by New; calling it
// separately is useful for failing fast in configuration loaders.
func (cfg *Config) Validate() error {
	if len(cfg.Groups) == 0 {
		return redis.ErrBadConfig.New("no replication group configured")
	}
	g := cfg.Groups[0]
	if g.ConfigurationEndpoint.Host == "" || g.ConfigurationEndpoint.Port <= 0 {
		return redis.ErrBadConfig.New("replication group has no configuration endpoint")
	}
	if cfg.Production && g.Password == "" {
		return redis.ErrBadConfig.New("password is required in production deployments")
	}
	if g.Timeout < 0 || g.MaxAttempts < 0 {
		return redis.ErrBadConfig.New("negative timeout or attempt budget")
	}
	return nil
}

func (g ReplicationGroup) timeout() time.Duration {
	if g.Timeout <= 0 {
		return defaultTimeout
	}
	return g.Timeout
}

func (g ReplicationGroup) maxAttempts() int {
	if g.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return g.MaxAttempts
}
