package redis

import "github.com/joomcode/errorx"

// Errors is the root namespace for all errors produced by this module.
var Errors = errorx.NewNamespace("redroute")

// Error traits.
var (
	// ErrTraitRetriable marks errors the router may spend an attempt retrying:
	// transport failures and stale-topology conditions. Application-level
	// error replies never carry it.
	ErrTraitRetriable = errorx.RegisterTrait("retriable")
	// ErrTraitRedirect marks MOVED/ASK replies.
	ErrTraitRedirect = errorx.RegisterTrait("redirect")
)

// Topology errors.
var (
	ErrTopology = Errors.NewSubNamespace("topology")
	// ErrTopologyUnknown - slot map never populated, forces a refresh.
	ErrTopologyUnknown = ErrTopology.NewType("unknown", ErrTraitRetriable)
	// ErrTopologyFetch - CLUSTER SLOTS could not be retrieved from any node.
	ErrTopologyFetch = ErrTopology.NewType("fetch_failed", ErrTraitRetriable)
)

// Connection errors.
var (
	ErrConnection = Errors.NewSubNamespace("connection")
	// ErrConnectFailed - node unreachable or its pool refused a connection.
	ErrConnectFailed = ErrConnection.NewType("connect_failed", ErrTraitRetriable)
	// ErrIO - read/write error or timeout; the request may or may not have
	// been processed by the server.
	ErrIO = ErrConnection.NewType("io", ErrTraitRetriable)
	// ErrAuth - password was rejected during connection setup.
	ErrAuth = ErrConnection.NewType("auth")
	// ErrConnClosed - connection or registry already shut down.
	ErrConnClosed = ErrConnection.NewType("closed")
)

// Routing errors.
var (
	ErrRouting = Errors.NewSubNamespace("routing")
	// ErrRoutingExhausted - redirect chain did not converge within the
	// configured attempt budget.
	ErrRoutingExhausted = ErrRouting.NewType("exhausted")
	// ErrCommandFailed - transport failures persisted through every attempt.
	ErrCommandFailed = ErrRouting.NewType("command_failed")
	// ErrUnsupportedMultiKey - multi-key command kind outside {MGET, DEL, MSET}.
	ErrUnsupportedMultiKey = ErrRouting.NewType("unsupported_multikey")
	// ErrPartialMultiKey - some slots of a multi-key command failed. The
	// failed keys are attached as EKFailedKeys.
	ErrPartialMultiKey = ErrRouting.NewType("partial_multikey")
)

// Request and response errors.
var (
	ErrRequest = Errors.NewSubNamespace("request")
	// ErrArgumentType - argument is not serializable.
	ErrArgumentType = ErrRequest.NewType("argument_type")
	// ErrEmptyKey - empty key or empty key list where the protocol forbids it.
	ErrEmptyKey = ErrRequest.NewType("empty_key")

	ErrResponse = Errors.NewSubNamespace("response")
	// ErrResponseFormat - reply is not valid RESP.
	ErrResponseFormat = ErrResponse.NewType("malformed")
	// ErrResponseUnexpected - valid RESP, unexpected structure or type.
	ErrResponseUnexpected = ErrResponse.NewType("unexpected")
)

// Result errors: plain redis error replies and their special cases.
var (
	ErrResult = Errors.NewSubNamespace("result")
	// ErrReply - regular redis error reply (wrong type, syntax, ...).
	// Never retried.
	ErrReply = ErrResult.NewType("reply")
	// ErrMoved - permanent slot ownership change.
	ErrMoved = ErrResult.NewType("moved", ErrTraitRedirect)
	// ErrAsk - slot mid-migration, one-shot redirect.
	ErrAsk = ErrResult.NewType("ask", ErrTraitRedirect)
	// ErrLoading - node is loading its dataset, worth retrying elsewhere.
	ErrLoading = ErrResult.NewType("loading", ErrTraitRetriable)
)

// Configuration errors, fatal at startup.
var (
	ErrConfig = Errors.NewSubNamespace("config")
	// ErrBadConfig - configuration record failed validation.
	ErrBadConfig = ErrConfig.NewType("invalid")
)

// Error properties.
var (
	// EKKey - key the failed command targeted.
	EKKey = errorx.RegisterPrintableProperty("key")
	// EKSlot - hash slot involved.
	EKSlot = errorx.RegisterPrintableProperty("slot")
	// EKEndpoint - node endpoint involved.
	EKEndpoint = errorx.RegisterPrintableProperty("endpoint")
	// EKAttempts - attempts consumed before giving up.
	EKAttempts = errorx.RegisterPrintableProperty("attempts")
	// EKFailedKeys - keys of a multi-key command that were not confirmed.
	EKFailedKeys = errorx.RegisterPrintableProperty("failed_keys")
)

// IsRetriable reports whether the router may consume an attempt retrying err.
func IsRetriable(err error) bool {
	return errorx.HasTrait(err, ErrTraitRetriable)
}

// IsRedirect reports whether err is a MOVED or ASK reply.
func IsRedirect(err error) bool {
	return errorx.HasTrait(err, ErrTraitRedirect)
}

// RedirectTarget extracts slot and target endpoint from a MOVED/ASK error.
func RedirectTarget(err error) (slot uint16, target NodeEndpoint, ok bool) {
	e := errorx.Cast(err)
	if e == nil {
		return 0, NodeEndpoint{}, false
	}
	sv, ok1 := e.Property(EKSlot)
	ev, ok2 := e.Property(EKEndpoint)
	if !ok1 || !ok2 {
		return 0, NodeEndpoint{}, false
	}
	s, ok1 := sv.(uint16)
	t, ok2 := ev.(NodeEndpoint)
	if !ok1 || !ok2 {
		return 0, NodeEndpoint{}, false
	}
	return s, t, true
}

// FailedKeys extracts the unconfirmed keys from a partial multi-key failure.
func FailedKeys(err error) []string {
	e := errorx.Cast(err)
	if e == nil {
		return nil
	}
	v, ok := e.Property(EKFailedKeys)
	if !ok {
		return nil
	}
	keys, _ := v.([]string)
	return keys
}
