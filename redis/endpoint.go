package redis

import (
	"net"
	"strconv"
)

// NodeEndpoint identifies a single cluster node. It is an immutable value
// and is used as a map key throughout the module.
type NodeEndpoint struct {
	Host string
	Port int
}

// Addr returns the host:port form of the endpoint.
func (e NodeEndpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e NodeEndpoint) String() string {
	return e.Addr()
}

// Empty reports whether the endpoint is the zero value.
func (e NodeEndpoint) Empty() bool {
	return e.Host == "" && e.Port == 0
}

// ParseEndpoint parses a host:port address as reported by the cluster.
func ParseEndpoint(addr string) (NodeEndpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return NodeEndpoint{}, ErrResponseFormat.Wrap(err, "bad node address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NodeEndpoint{}, ErrResponseFormat.Wrap(err, "bad node port %q", addr)
	}
	return NodeEndpoint{Host: host, Port: port}, nil
}
