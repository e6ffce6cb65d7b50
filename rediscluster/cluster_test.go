package rediscluster_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/suite"

	"github.com/qiyu-zhao/redroute/redis"
	"github.com/qiyu-zhao/redroute/redisconn"
	"github.com/qiyu-zhao/redroute/rediscluster"
	"github.com/qiyu-zhao/redroute/testbed"
)

// eventLog records cluster events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []rediscluster.LogEvent
}

func (l *eventLog) Report(event rediscluster.LogEvent, args ...interface{}) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) count(event rediscluster.LogEvent) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

type ClusterSuite struct {
	suite.Suite

	tb     *testbed.Cluster
	reg    *redisconn.Registry
	cl     *rediscluster.Cluster
	log    *eventLog
	ctx    context.Context
	cancel context.CancelFunc
}

func TestCluster(t *testing.T) {
	suite.Run(t, new(ClusterSuite))
}

func (s *ClusterSuite) SetupTest() {
	tb, err := testbed.NewCluster(2, "")
	s.Require().NoError(err)
	s.tb = tb
	s.reg = redisconn.NewRegistry(
		redisconn.Opts{DialTimeout: 500 * time.Millisecond, IOTimeout: 500 * time.Millisecond},
		redisconn.PoolOpts{},
	)
	s.log = &eventLog{}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	cl, err := rediscluster.NewCluster(s.ctx, s.tb.Endpoints()[:1], s.reg, rediscluster.Opts{
		Logger:        s.log,
		CheckInterval: time.Second,
	})
	s.Require().NoError(err)
	s.Require().NoError(cl.Start(s.ctx))
	s.cl = cl
}

func (s *ClusterSuite) TearDownTest() {
	s.cl.Stop()
	s.cancel()
	s.reg.Close()
	s.tb.Stop()
}

// keyOn finds a key whose slot the i-th node owns.
func (s *ClusterSuite) keyOn(i int) string {
	for _, k := range []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta"} {
		if s.tb.OwnerIndex(rediscluster.Slot(k)) == i {
			return k
		}
	}
	s.Require().FailNow("no sample key maps to server", "server %d", i)
	return ""
}

func (s *ClusterSuite) endpoint(i int) redis.NodeEndpoint {
	ep, err := redis.ParseEndpoint(s.tb.Server(i).Addr())
	s.Require().NoError(err)
	return ep
}

func (s *ClusterSuite) TestStartPopulatesTopology() {
	s.True(s.cl.SlotMap().Populated())
	s.Len(s.cl.SlotMap().Endpoints(), 2)
	s.GreaterOrEqual(s.log.count(rediscluster.LogTopologyUpdated), 1)
}

func (s *ClusterSuite) TestRoutesToSlotOwner() {
	key := s.keyOn(0)

	res, retries, err := s.cl.Execute(s.ctx, redis.Req("SET", key, "v1"))
	s.Require().NoError(err)
	s.True(redis.ReplyIsOK(res))
	s.Equal(0, retries)
	s.True(s.tb.Server(0).Has(key))
	s.False(s.tb.Server(1).Has(key))

	res, _, err = s.cl.Execute(s.ctx, redis.Req("GET", key))
	s.Require().NoError(err)
	s.Equal([]byte("v1"), res)
}

func (s *ClusterSuite) TestMovedRedirectIsTransparent() {
	key := s.keyOn(0)
	slot := rediscluster.Slot(key)
	s.tb.Move(slot, 1)

	res, retries, err := s.cl.Execute(s.ctx, redis.Req("SET", key, "v2"))
	s.Require().NoError(err)
	s.True(redis.ReplyIsOK(res))
	s.Equal(1, retries)
	s.True(s.tb.Server(1).Has(key))

	// the MOVED reply updated exactly this slot's owner
	owner, err := s.cl.SlotMap().OwnerOf(slot)
	s.Require().NoError(err)
	s.Equal(s.endpoint(1), owner)
	s.GreaterOrEqual(s.log.count(rediscluster.LogSlotMoved), 1)

	// next command for the slot goes straight to the new owner
	_, retries, err = s.cl.Execute(s.ctx, redis.Req("GET", key))
	s.Require().NoError(err)
	s.Equal(0, retries)
}

func (s *ClusterSuite) TestAskRedirectDoesNotUpdateSlotMap() {
	key := s.keyOn(0)
	slot := rediscluster.Slot(key)
	s.tb.Server(0).ScriptRedirect(slot, testbed.Redirect{
		Kind: "ASK", Target: s.tb.Server(1).Addr(), Times: 1,
	})

	_, retries, err := s.cl.Execute(s.ctx, redis.Req("SET", key, "v3"))
	s.Require().NoError(err)
	s.Equal(1, retries)

	// the ASK target served it despite not owning the slot
	s.True(s.tb.Server(1).Has(key))
	s.False(s.tb.Server(0).Has(key))

	// one-shot: the slot map still names the old owner
	owner, err := s.cl.SlotMap().OwnerOf(slot)
	s.Require().NoError(err)
	s.Equal(s.endpoint(0), owner)
}

func (s *ClusterSuite) TestRedirectLoopExhaustsRouting() {
	key := s.keyOn(0)
	slot := rediscluster.Slot(key)
	// the owner bounces every command for the slot back to itself
	s.tb.Server(0).ScriptRedirect(slot, testbed.Redirect{
		Kind: "MOVED", Target: s.tb.Server(0).Addr(), Times: -1,
	})

	_, _, err := s.cl.Execute(s.ctx, redis.Req("GET", key))
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrRoutingExhausted))
	s.True(errorx.IsOfType(errorx.Cast(err).Cause(), redis.ErrMoved))
}

func (s *ClusterSuite) TestUnreachableOwnerFailsCommand() {
	key := s.keyOn(1)
	s.tb.Server(1).Stop()

	_, _, err := s.cl.Execute(s.ctx, redis.Req("GET", key))
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrCommandFailed))
}

func (s *ClusterSuite) TestReplyErrorIsNotRetried() {
	key := s.keyOn(0)
	s.tb.Server(0).Put(key, "not a number")

	_, retries, err := s.cl.Execute(s.ctx, redis.Req("INCR", key))
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrReply))
	s.Equal(0, retries)
	s.Equal(1, s.tb.Server(0).Served("INCR"))
}

func (s *ClusterSuite) TestKeylessCommandRejected() {
	_, _, err := s.cl.Execute(s.ctx, redis.Req("PING"))
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrEmptyKey))
}

func (s *ClusterSuite) TestExecuteAt() {
	res, err := s.cl.ExecuteAt(s.ctx, s.endpoint(1), redis.Req("PING"))
	s.Require().NoError(err)
	s.Equal("PONG", res)
}

func TestNewClusterValidation(t *testing.T) {
	reg := redisconn.NewRegistry(redisconn.Opts{}, redisconn.PoolOpts{})
	defer reg.Close()
	seeds := []redis.NodeEndpoint{{Host: "127.0.0.1", Port: 6379}}

	_, err := rediscluster.NewCluster(nil, seeds, reg, rediscluster.Opts{})
	if !errorx.IsOfType(err, redis.ErrBadConfig) {
		t.Fatalf("nil context: got %v", err)
	}
	_, err = rediscluster.NewCluster(context.Background(), nil, reg, rediscluster.Opts{})
	if !errorx.IsOfType(err, redis.ErrBadConfig) {
		t.Fatalf("no seeds: got %v", err)
	}
}
