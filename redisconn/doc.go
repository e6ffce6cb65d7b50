/*
Package redisconn implements connections to single redis servers and the
registry pooling them per node endpoint.

A Connection is borrowed for exactly one command (or one redirect-free
retry chain link) and returned afterwards; it is never shared between
borrowers. Connections that saw a transport error are discarded on release.
A per-endpoint circuit breaker isolates nodes that repeatedly fail to
accept connections.
*/
package redisconn
