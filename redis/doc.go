// Package redis holds the value types shared by every layer of the client:
// requests, reply conversion helpers, node endpoints, and the error
// taxonomy.
package redis
