package redroute_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/require"

	"github.com/qiyu-zhao/redroute"
	"github.com/qiyu-zhao/redroute/redis"
	"github.com/qiyu-zhao/redroute/rediscluster"
	"github.com/qiyu-zhao/redroute/testbed"
)

// metricsRecorder collects facade observations.
type metricsRecorder struct {
	mu      sync.Mutex
	entries []metricsEntry
}

type metricsEntry struct {
	command string
	latency time.Duration
	retries int
	err     error
}

func (m *metricsRecorder) Observe(_ context.Context, command string, latency time.Duration, retries int, err error) {
	m.mu.Lock()
	m.entries = append(m.entries, metricsEntry{command, latency, retries, err})
	m.mu.Unlock()
}

func (m *metricsRecorder) byCommand(command string) []metricsEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []metricsEntry
	for _, e := range m.entries {
		if e.command == command {
			out = append(out, e)
		}
	}
	return out
}

// eventRecorder collects cluster events.
type eventRecorder struct {
	mu     sync.Mutex
	events []rediscluster.LogEvent
}

func (l *eventRecorder) Report(event rediscluster.LogEvent, args ...interface{}) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventRecorder) saw(event rediscluster.LogEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

func startClient(t *testing.T, n int) (*redroute.Redis, *testbed.Cluster, *metricsRecorder) {
	t.Helper()
	tb, err := testbed.NewCluster(n, "")
	require.NoError(t, err)
	t.Cleanup(tb.Stop)

	rec := &metricsRecorder{}
	client, err := redroute.New(redroute.Config{
		Groups: []redroute.ReplicationGroup{{
			ConfigurationEndpoint: tb.Endpoints()[0],
			ClientName:            "redroute-test",
			Timeout:               500 * time.Millisecond,
		}},
		CheckInterval: time.Second,
		Metrics:       rec,
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { client.Stop() })
	return client, tb, rec
}

func TestClientRoundTrip(t *testing.T) {
	r := require.New(t)
	client, tb, _ := startClient(t, 3)
	ctx := context.Background()

	r.NoError(client.Ping(ctx))

	r.NoError(client.Set(ctx, "alpha", "one"))
	val, err := client.Get(ctx, "alpha")
	r.NoError(err)
	r.Equal([]byte("one"), val)

	// a miss is nil, not an error
	val, err = client.Get(ctx, "never-written")
	r.NoError(err)
	r.Nil(val)

	ok, err := client.Exists(ctx, "alpha")
	r.NoError(err)
	r.True(ok)

	n, err := client.Incr(ctx, "counter")
	r.NoError(err)
	r.Equal(int64(1), n)
	n, err = client.Incr(ctx, "counter")
	r.NoError(err)
	r.Equal(int64(2), n)

	ok, err = client.Expire(ctx, "alpha", time.Minute)
	r.NoError(err)
	r.True(ok)
	ok, err = client.Expire(ctx, "never-written", time.Minute)
	r.NoError(err)
	r.False(ok)

	r.NoError(client.SetEx(ctx, "ephemeral", "x", 30*time.Second))

	deleted, err := client.Del(ctx, "alpha", "counter", "never-written")
	r.NoError(err)
	r.Equal(int64(2), deleted)

	// data landed on the nodes owning the slots, not on one node
	served := 0
	for i := 0; i < 3; i++ {
		served += tb.Server(i).Served("SET")
	}
	r.GreaterOrEqual(served, 1)
}

func TestClientMultiKey(t *testing.T) {
	r := require.New(t)
	client, _, _ := startClient(t, 3)
	ctx := context.Background()

	// alpha, delta and beta hash to three different nodes
	r.NoError(client.MSet(ctx,
		redis.KV{Key: "alpha", Value: "1"},
		redis.KV{Key: "delta", Value: "2"},
		redis.KV{Key: "beta", Value: "3"},
	))

	vals, err := client.MGet(ctx, []string{"beta", "alpha", "never-written", "delta"})
	r.NoError(err)
	r.Equal([][]byte{[]byte("3"), []byte("1"), nil, []byte("2")}, vals)

	n, err := client.Del(ctx, "alpha", "delta", "beta")
	r.NoError(err)
	r.Equal(int64(3), n)
}

func TestClientRejectsEmptyKeys(t *testing.T) {
	client, _, _ := startClient(t, 1)
	ctx := context.Background()

	_, err := client.Get(ctx, "")
	require.True(t, errorx.IsOfType(err, redis.ErrEmptyKey))
	require.True(t, errorx.IsOfType(client.Set(ctx, "", "v"), redis.ErrEmptyKey))
	_, err = client.Incr(ctx, "")
	require.True(t, errorx.IsOfType(err, redis.ErrEmptyKey))
	_, err = client.Del(ctx, "ok", "")
	require.True(t, errorx.IsOfType(err, redis.ErrEmptyKey))
	_, err = client.MGet(ctx, []string{""})
	require.True(t, errorx.IsOfType(err, redis.ErrEmptyKey))
	err = client.MSet(ctx, redis.KV{Key: "", Value: "v"})
	require.True(t, errorx.IsOfType(err, redis.ErrEmptyKey))
}

func TestClientReportsMetrics(t *testing.T) {
	r := require.New(t)
	client, _, rec := startClient(t, 1)
	ctx := context.Background()

	r.NoError(client.Set(ctx, "alpha", "v"))
	_, err := client.Get(ctx, "alpha")
	r.NoError(err)
	_, err = client.Get(ctx, "")
	r.Error(err)

	sets := rec.byCommand("SET")
	r.Len(sets, 1)
	r.NoError(sets[0].err)
	r.Greater(sets[0].latency, time.Duration(0))
	r.Equal(0, sets[0].retries)

	gets := rec.byCommand("GET")
	r.Len(gets, 2)
	r.NoError(gets[0].err)
	r.Error(gets[1].err)
}

func TestClientWarnsAboutExtraGroups(t *testing.T) {
	r := require.New(t)
	tb, err := testbed.NewCluster(1, "")
	r.NoError(err)
	defer tb.Stop()

	log := &eventRecorder{}
	group := redroute.ReplicationGroup{ConfigurationEndpoint: tb.Endpoints()[0]}
	client, err := redroute.New(redroute.Config{
		Groups: []redroute.ReplicationGroup{group, group},
		Logger: log,
	})
	r.NoError(err)
	defer client.Stop()
	r.True(log.saw(rediscluster.LogExtraGroupsIgnored))
}
