package redis

// Req is a shortcut for constructing requests.
func Req(cmd string, args ...interface{}) Request {
	return Request{cmd, args}
}

// Request is a single redis command together with its arguments.
type Request struct {
	Cmd  string
	Args []interface{}
}

// Key returns the first command argument interpreted as a key.
// The second result is false if the command carries no usable key.
func (req Request) Key() (string, bool) {
	if len(req.Args) == 0 {
		return "", false
	}
	return ArgToString(req.Args[0])
}

// KV is one key/value pair of a multi-key SET.
type KV struct {
	Key   string
	Value interface{}
}
