package testbed

import (
	"sync"

	"github.com/qiyu-zhao/redroute/redis"
	"github.com/qiyu-zhao/redroute/rediscluster"
)

// Cluster is a set of fake nodes sharing one slot topology. Slots are
// partitioned into equal contiguous ranges, one per node, like a freshly
// provisioned cluster.
type Cluster struct {
	password string

	mu      sync.Mutex
	servers []*Server
	owners  [rediscluster.NumSlots]int
}

// NewCluster starts n fake nodes on loopback ports. Password may be empty.
func NewCluster(n int, password string) (*Cluster, error) {
	cl := &Cluster{password: password}
	per := rediscluster.NumSlots / n
	for slot := 0; slot < rediscluster.NumSlots; slot++ {
		idx := slot / per
		if idx >= n {
			idx = n - 1
		}
		cl.owners[slot] = idx
	}
	for i := 0; i < n; i++ {
		s, err := newServer(cl, i)
		if err != nil {
			cl.Stop()
			return nil, err
		}
		cl.servers = append(cl.servers, s)
	}
	return cl, nil
}

// Server returns the i-th node.
func (cl *Cluster) Server(i int) *Server {
	return cl.servers[i]
}

// Endpoints returns every node's endpoint.
func (cl *Cluster) Endpoints() []redis.NodeEndpoint {
	out := make([]redis.NodeEndpoint, len(cl.servers))
	for i, s := range cl.servers {
		ep, err := redis.ParseEndpoint(s.Addr())
		if err != nil {
			panic(err)
		}
		out[i] = ep
	}
	return out
}

// OwnerIndex returns the index of the node owning slot.
func (cl *Cluster) OwnerIndex(slot uint16) int {
	return cl.ownerIndex(slot)
}

// Move reassigns slot to another node in the shared topology. The old
// owner starts answering MOVED for it and CLUSTER SLOTS reflects the
// change immediately.
func (cl *Cluster) Move(slot uint16, to int) {
	cl.mu.Lock()
	cl.owners[slot] = to
	cl.mu.Unlock()
}

// Stop shuts every node down.
func (cl *Cluster) Stop() {
	for _, s := range cl.servers {
		s.Stop()
	}
}

func (cl *Cluster) ownerIndex(slot uint16) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.owners[slot]
}

func (cl *Cluster) ownerAddr(slot uint16) string {
	return cl.servers[cl.ownerIndex(slot)].Addr()
}

type slotRange struct {
	from, to int
	addr     string
}

// slotRanges renders the current ownership as contiguous ranges for
// CLUSTER SLOTS.
func (cl *Cluster) slotRanges() []slotRange {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	var out []slotRange
	start := 0
	for slot := 1; slot <= rediscluster.NumSlots; slot++ {
		if slot == rediscluster.NumSlots || cl.owners[slot] != cl.owners[start] {
			out = append(out, slotRange{
				from: start,
				to:   slot - 1,
				addr: cl.servers[cl.owners[start]].Addr(),
			})
			start = slot
		}
	}
	return out
}
