package rediscluster

import (
	"go.uber.org/zap"
)

// LogEvent identifies a cluster lifecycle event worth reporting.
type LogEvent int

const (
	// LogTopologyUpdated - slot map replaced from a topology query.
	LogTopologyUpdated LogEvent = iota
	// LogTopologyError - topology query failed on every known endpoint.
	LogTopologyError
	// LogSlotMoved - single slot owner changed after a MOVED reply.
	LogSlotMoved
	// LogEndpointState - endpoint degraded or recovered.
	LogEndpointState
	// LogExtraGroupsIgnored - more than one replication group configured.
	LogExtraGroupsIgnored
	// LogShutdown - cluster is shutting down.
	LogShutdown
)

// Logger consumes cluster events. Implementations must be safe for
// concurrent use.
type Logger interface {
	Report(event LogEvent, args ...interface{})
}

// NopLogger discards every event.
type NopLogger struct{}

func (NopLogger) Report(LogEvent, ...interface{}) {}

// ZapLogger reports cluster events through a zap logger.
type ZapLogger struct {
	L *zap.Logger
}

func (z ZapLogger) Report(event LogEvent, args ...interface{}) {
	l := z.L
	if l == nil {
		return
	}
	switch event {
	case LogTopologyUpdated:
		l.Info("cluster topology updated", zap.Any("endpoints", arg(args, 0)))
	case LogTopologyError:
		l.Warn("cluster topology refresh failed", zap.Any("error", arg(args, 0)))
	case LogSlotMoved:
		l.Info("slot moved",
			zap.Any("slot", arg(args, 0)), zap.Any("to", arg(args, 1)))
	case LogEndpointState:
		l.Warn("endpoint state changed",
			zap.Any("endpoint", arg(args, 0)),
			zap.Any("from", arg(args, 1)), zap.Any("to", arg(args, 2)))
	case LogExtraGroupsIgnored:
		l.Warn("extra replication groups ignored", zap.Any("count", arg(args, 0)))
	case LogShutdown:
		l.Info("cluster client shutting down")
	default:
		l.Info("cluster event", zap.Int("event", int(event)), zap.Any("args", args))
	}
}

func arg(args []interface{}, i int) interface{} {
	if i < len(args) {
		return args[i]
	}
	return nil
}
