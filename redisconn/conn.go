package redisconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/joomcode/errorx"

	"github.com/qiyu-zhao/redroute/redis"
	"github.com/qiyu-zhao/redroute/resp"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultIOTimeout   = 3 * time.Second
)

// Opts are per-connection options shared by every connection of a registry.
type Opts struct {
	// Password is sent with AUTH during setup when not empty.
	Password string
	// ClientName is set with CLIENT SETNAME during setup when not empty.
	ClientName string
	// DialTimeout bounds TCP connect plus the setup handshake.
	DialTimeout time.Duration
	// IOTimeout bounds a single request/reply exchange.
	IOTimeout time.Duration
	// TLSEnabled wraps the connection with TLS.
	TLSEnabled bool
	// TLSConfig is cloned per connection; ServerName defaults to the
	// endpoint host.
	TLSConfig *tls.Config
}

func (o *Opts) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return defaultDialTimeout
	}
	return o.DialTimeout
}

func (o *Opts) ioTimeout() time.Duration {
	if o.IOTimeout <= 0 {
		return defaultIOTimeout
	}
	return o.IOTimeout
}

// Connection is a stateful handle to one node. It is owned by the Registry
// and borrowed for the duration of a single command; it is never used by
// two borrowers at once, so no locking happens around the exchange itself.
type Connection struct {
	endpoint redis.NodeEndpoint
	c        net.Conn
	r        *bufio.Reader
	wbuf     []byte

	opts Opts

	tainted  bool
	lastUsed time.Time
}

// Dial establishes a connection to endpoint and runs the setup handshake:
// AUTH when a password is configured, CLIENT SETNAME, and a PING probe.
func Dial(ctx context.Context, endpoint redis.NodeEndpoint, opts Opts) (*Connection, error) {
	deadline := time.Now().Add(opts.dialTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	dialer := net.Dialer{Deadline: deadline}
	c, err := dialer.DialContext(ctx, "tcp", endpoint.Addr())
	if err != nil {
		return nil, redis.ErrConnectFailed.Wrap(err, "could not connect").
			WithProperty(redis.EKEndpoint, endpoint)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	if opts.TLSEnabled {
		cfg := opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		cfg = cfg.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = endpoint.Host
		}
		tlsConn := tls.Client(c, cfg)
		tlsConn.SetDeadline(deadline)
		if err := tlsConn.Handshake(); err != nil {
			c.Close()
			return nil, redis.ErrConnectFailed.Wrap(err, "tls handshake failed").
				WithProperty(redis.EKEndpoint, endpoint)
		}
		tlsConn.SetDeadline(time.Time{})
		c = tlsConn
	}

	conn := &Connection{
		endpoint: endpoint,
		c:        c,
		r:        bufio.NewReader(c),
		opts:     opts,
		lastUsed: time.Now(),
	}
	if err := conn.setup(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (conn *Connection) setup(ctx context.Context) error {
	if conn.opts.Password != "" {
		res, err := conn.Do(ctx, redis.Req("AUTH", conn.opts.Password))
		if err != nil {
			return redis.ErrAuth.Wrap(err, "auth not successful").
				WithProperty(redis.EKEndpoint, conn.endpoint)
		}
		if !redis.ReplyIsOK(res) {
			return redis.ErrAuth.New("unexpected AUTH reply %v", res)
		}
	}
	if conn.opts.ClientName != "" {
		// an error reply here is not fatal, a broken connection is
		if _, err := conn.Do(ctx, redis.Req("CLIENT", "SETNAME", conn.opts.ClientName)); err != nil && conn.tainted {
			return redis.ErrConnectFailed.Wrap(err, "setup failed").
				WithProperty(redis.EKEndpoint, conn.endpoint)
		}
	}
	res, err := conn.Do(ctx, redis.Req("PING"))
	if err != nil {
		return redis.ErrConnectFailed.Wrap(err, "setup ping failed").
			WithProperty(redis.EKEndpoint, conn.endpoint)
	}
	if s, ok := res.(string); !ok || s != "PONG" {
		return redis.ErrConnectFailed.New("unexpected PING reply %v", res)
	}
	return nil
}

// Endpoint returns the node this connection is attached to.
func (conn *Connection) Endpoint() redis.NodeEndpoint {
	return conn.endpoint
}

// Tainted reports whether the connection saw a transport error and must be
// discarded rather than pooled.
func (conn *Connection) Tainted() bool {
	return conn.tainted
}

// LastUsed returns the time of the last completed exchange.
func (conn *Connection) LastUsed() time.Time {
	return conn.lastUsed
}

// Do performs one request/reply exchange. Redis error replies come back as
// the error result; transport errors additionally taint the connection.
func (conn *Connection) Do(ctx context.Context, req redis.Request) (interface{}, error) {
	replies, err := conn.exchange(ctx, []redis.Request{req})
	if err != nil {
		return nil, err
	}
	return replies[0], nil
}

// DoAsking sends an ASKING prelude and req in one write and returns the
// reply of req. Used when following an ASK redirect; the prelude applies
// only to the immediately following command.
func (conn *Connection) DoAsking(ctx context.Context, req redis.Request) (interface{}, error) {
	replies, err := conn.exchange(ctx, []redis.Request{redis.Req("ASKING"), req})
	if err != nil {
		return nil, err
	}
	if err := redis.AsError(replies[0]); err != nil {
		return nil, err
	}
	return replies[1], nil
}

// exchange writes all requests in one buffer and reads one reply each.
// A transport or parse failure on any reply taints the connection. Only the
// reply of the last request is allowed to be a redis error for the caller
// to inspect; for preludes the caller checks earlier replies itself.
func (conn *Connection) exchange(ctx context.Context, reqs []redis.Request) ([]interface{}, error) {
	if conn.c == nil {
		return nil, redis.ErrConnClosed.NewWithNoMessage().
			WithProperty(redis.EKEndpoint, conn.endpoint)
	}
	if err := ctx.Err(); err != nil {
		return nil, redis.ErrIO.Wrap(err, "context done before send")
	}

	buf := conn.wbuf[:0]
	var err error
	for _, req := range reqs {
		if buf, err = resp.AppendRequest(buf, req); err != nil {
			return nil, err
		}
	}
	conn.wbuf = buf[:0]

	deadline := time.Now().Add(conn.opts.ioTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.c.SetDeadline(deadline)

	if _, err = conn.c.Write(buf); err != nil {
		conn.tainted = true
		return nil, redis.ErrIO.Wrap(err, "write failed").
			WithProperty(redis.EKEndpoint, conn.endpoint)
	}

	replies := make([]interface{}, len(reqs))
	for i := range reqs {
		replies[i] = resp.Read(conn.r)
		if e, ok := replies[i].(error); ok && hardIOError(e) {
			conn.tainted = true
			return nil, e
		}
	}
	conn.lastUsed = time.Now()
	if err := redis.AsError(replies[len(reqs)-1]); err != nil {
		replies[len(reqs)-1] = nil
		return replies, err
	}
	return replies, nil
}

// hardIOError reports whether err means the wire can no longer be trusted.
// Result errors (including LOADING and redirects) leave the stream in sync.
func hardIOError(err error) bool {
	e := errorx.Cast(err)
	if e == nil {
		return false
	}
	return errorx.IsOfType(err, redis.ErrIO) || redis.ErrResponse.IsNamespaceOf(e.Type())
}

// Close terminates the connection.
func (conn *Connection) Close() error {
	if conn.c == nil {
		return nil
	}
	err := conn.c.Close()
	conn.c = nil
	return err
}
