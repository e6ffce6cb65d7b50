// Package resp implements the redis wire protocol: request serialization
// and reply parsing, including recognition of MOVED/ASK redirect replies.
package resp
