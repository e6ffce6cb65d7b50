/*
Package redroute is a cluster-aware access layer for Redis Cluster.

It discovers cluster topology, routes single-key commands to the node that
owns the key's hash slot, and decomposes multi-key commands (MGET, MSET,
DEL) whose keys span slots into per-slot sub-commands dispatched
concurrently, reassembling a single ordered result. Topology churn is
handled transparently: MOVED and ASK redirects are followed, connection
failures force a topology refresh, and retries stay bounded by the
configured attempt budget.

The Redis type is the public capability surface. Construct it with New,
call Start before first use, and Stop on shutdown:

	r, err := redroute.New(redroute.Config{
		Groups: []redroute.ReplicationGroup{{
			ConfigurationEndpoint: redis.NodeEndpoint{Host: "redis-cfg", Port: 6379},
			Password:              password,
			ClientName:            "billing",
		}},
	})
	if err != nil { ... }
	if err := r.Start(ctx); err != nil { ... }
	defer r.Stop()

	vals, err := r.MGet(ctx, []string{"a", "b", "c"})

Lower-level routing lives in the rediscluster package, connection pooling
in redisconn, and the wire codec in resp.
*/
package redroute
