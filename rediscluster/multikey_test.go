package rediscluster_test

import (
	"github.com/joomcode/errorx"

	"github.com/qiyu-zhao/redroute/redis"
	"github.com/qiyu-zhao/redroute/rediscluster"
	"github.com/qiyu-zhao/redroute/testbed"
)

// seed plants a key on the node owning its slot, bypassing the protocol.
func (s *ClusterSuite) seed(key, value string) {
	s.tb.Server(s.tb.OwnerIndex(rediscluster.Slot(key))).Put(key, value)
}

func (s *ClusterSuite) TestMGetPreservesInputOrder() {
	k0, k1 := s.keyOn(0), s.keyOn(1)
	s.seed(k0, "v0")
	s.seed(k1, "v1")

	// keys interleave slots, contain a miss and a duplicate
	res, retries, err := s.cl.MGet(s.ctx, []string{k1, k0, "no-such-key", k1})
	s.Require().NoError(err)
	s.Equal(0, retries)
	s.Require().Len(res, 4)
	s.Equal([]byte("v1"), res[0])
	s.Equal([]byte("v0"), res[1])
	s.Nil(res[2])
	s.Equal([]byte("v1"), res[3])

	// one sub-command per distinct slot, not per key
	s.Equal(1, s.tb.Server(0).Served("MGET"))
}

func (s *ClusterSuite) TestMGetSingleSlotSkipsFanOut() {
	key := "{tag}a"
	other := "{tag}b"
	owner := s.tb.OwnerIndex(rediscluster.Slot(key))
	s.seed(key, "x")

	res, _, err := s.cl.MGet(s.ctx, []string{key, other})
	s.Require().NoError(err)
	s.Equal([]byte("x"), res[0])
	s.Nil(res[1])

	s.Equal(1, s.tb.Server(owner).Served("MGET"))
	s.Equal(0, s.tb.Server(1-owner).Served("MGET"))
}

func (s *ClusterSuite) TestMGetEmptyInput() {
	res, retries, err := s.cl.MGet(s.ctx, nil)
	s.Require().NoError(err)
	s.Empty(res)
	s.Equal(0, retries)
	s.Equal(0, s.tb.Server(0).Served("MGET"))
	s.Equal(0, s.tb.Server(1).Served("MGET"))
}

func (s *ClusterSuite) TestDelSumsAcrossSlots() {
	k0, k1 := s.keyOn(0), s.keyOn(1)
	s.seed(k0, "a")
	s.seed(k1, "b")

	total, _, err := s.cl.Del(s.ctx, []string{k0, k1, "no-such-key"})
	s.Require().NoError(err)
	s.Equal(int64(2), total)
	s.False(s.tb.Server(0).Has(k0))
	s.False(s.tb.Server(1).Has(k1))
}

func (s *ClusterSuite) TestMSetWritesEverySlot() {
	k0, k1 := s.keyOn(0), s.keyOn(1)

	_, err := s.cl.MSet(s.ctx, []redis.KV{
		{Key: k0, Value: "v0"},
		{Key: k1, Value: "v1"},
	})
	s.Require().NoError(err)
	s.True(s.tb.Server(0).Has(k0))
	s.True(s.tb.Server(1).Has(k1))

	res, _, err := s.cl.MGet(s.ctx, []string{k0, k1})
	s.Require().NoError(err)
	s.Equal([]byte("v0"), res[0])
	s.Equal([]byte("v1"), res[1])
}

func (s *ClusterSuite) TestMSetPartialFailureNamesUnwrittenKeys() {
	k0, k1 := s.keyOn(0), s.keyOn(1)
	// k1's owner rejects its slot forever
	s.tb.Server(1).ScriptRedirect(rediscluster.Slot(k1), testbed.Redirect{
		Kind: "MOVED", Target: s.tb.Server(1).Addr(), Times: -1,
	})

	_, err := s.cl.MSet(s.ctx, []redis.KV{
		{Key: k0, Value: "v0"},
		{Key: k1, Value: "v1"},
	})
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrPartialMultiKey))
	s.Equal([]string{k1}, redis.FailedKeys(err))

	// the surviving slot was written, not rolled back
	s.True(s.tb.Server(0).Has(k0))
	s.False(s.tb.Server(1).Has(k1))
}

func (s *ClusterSuite) TestMGetPartialFailureKeepsGoodValues() {
	k0, k1 := s.keyOn(0), s.keyOn(1)
	s.seed(k0, "v0")
	s.tb.Server(1).ScriptRedirect(rediscluster.Slot(k1), testbed.Redirect{
		Kind: "MOVED", Target: s.tb.Server(1).Addr(), Times: -1,
	})

	res, _, err := s.cl.MGet(s.ctx, []string{k0, k1})
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrPartialMultiKey))
	s.Equal([]string{k1}, redis.FailedKeys(err))
	s.Equal([]byte("v0"), res[0])
	s.Nil(res[1])
}

func (s *ClusterSuite) TestSingleSlotFailurePassesErrorThrough() {
	key := "{tag}a"
	s.tb.Server(s.tb.OwnerIndex(rediscluster.Slot(key))).ScriptRedirect(
		rediscluster.Slot(key),
		testbed.Redirect{Kind: "MOVED", Target: s.tb.Server(0).Addr(), Times: -1},
	)

	// no fan-out happened, so the caller sees the routing error itself
	_, _, err := s.cl.MGet(s.ctx, []string{key, "{tag}b"})
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrRoutingExhausted))
	s.False(errorx.IsOfType(err, redis.ErrPartialMultiKey))
}

func (s *ClusterSuite) TestExecuteMultiDispatch() {
	k0 := s.keyOn(0)
	s.seed(k0, "v")

	res, _, err := s.cl.ExecuteMulti(s.ctx, rediscluster.KindMGet, []string{k0})
	s.Require().NoError(err)
	s.Equal([]interface{}{[]byte("v")}, res)

	res, _, err = s.cl.ExecuteMulti(s.ctx, rediscluster.KindDel, []string{k0})
	s.Require().NoError(err)
	s.Equal(int64(1), res)

	_, _, err = s.cl.ExecuteMulti(s.ctx, rediscluster.KindMSet, []string{k0})
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrUnsupportedMultiKey))

	_, _, err = s.cl.ExecuteMulti(s.ctx, rediscluster.MultiKind(42), []string{k0})
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrUnsupportedMultiKey))
}
