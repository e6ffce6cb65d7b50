package redroute_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/qiyu-zhao/redroute"
	"github.com/qiyu-zhao/redroute/redis"
)

func TestOTelMetrics(t *testing.T) {
	r := require.New(t)
	m, err := redroute.NewOTelMetrics(noop.NewMeterProvider().Meter("redroute-test"))
	r.NoError(err)

	// recording must tolerate every outcome shape
	ctx := context.Background()
	m.Observe(ctx, "GET", 2*time.Millisecond, 0, nil)
	m.Observe(ctx, "SET", 5*time.Millisecond, 2, redis.ErrCommandFailed.New("gave up"))
	m.Observe(ctx, "DEL", time.Millisecond, 1, context.Canceled)
}

func TestNopMetrics(t *testing.T) {
	redroute.NopMetrics{}.Observe(context.Background(), "GET", time.Millisecond, 0, nil)
}
