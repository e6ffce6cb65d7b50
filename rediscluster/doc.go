/*
Package rediscluster implements the cluster-aware command router.

Cluster learns the slot topology on start, refreshes it periodically and on
every sign of staleness (MOVED replies, connection failures). Single-key
commands are routed to the master owning the key's hash slot; MOVED and ASK
redirects are followed transparently within a bounded attempt budget.

Multi-key commands (MGET, DEL, MSET) spanning several slots are decomposed
into per-slot sub-commands, dispatched concurrently to their owners, and
reassembled preserving the caller's key order. A command the cluster can
not decompose fails fast instead of being approximated.
*/
package rediscluster
