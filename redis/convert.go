package redis

import "strconv"

// ArgToString converts a command argument to its wire representation.
// The second result is false for unsupported argument types.
func ArgToString(v interface{}) (string, bool) {
	switch a := v.(type) {
	case string:
		return a, true
	case []byte:
		return string(a), true
	case int:
		return strconv.Itoa(a), true
	case int64:
		return strconv.FormatInt(a, 10), true
	case int32:
		return strconv.FormatInt(int64(a), 10), true
	case uint:
		return strconv.FormatUint(uint64(a), 10), true
	case uint64:
		return strconv.FormatUint(a, 10), true
	case uint32:
		return strconv.FormatUint(uint64(a), 10), true
	case float64:
		return strconv.FormatFloat(a, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(a), 'f', -1, 32), true
	case bool:
		if a {
			return "1", true
		}
		return "0", true
	default:
		return "", false
	}
}

// AsError returns v as an error if the reply is an error, nil otherwise.
func AsError(v interface{}) error {
	e, _ := v.(error)
	return e
}

// ReplyToBytes interprets a reply as a bulk string. Nil replies stay nil.
func ReplyToBytes(v interface{}) ([]byte, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return r, nil
	case string:
		return []byte(r), nil
	default:
		return nil, ErrResponseUnexpected.New("bulk string expected, got %T", v)
	}
}

// ReplyToInt64 interprets a reply as an integer.
func ReplyToInt64(v interface{}) (int64, error) {
	i, ok := v.(int64)
	if !ok {
		return 0, ErrResponseUnexpected.New("integer expected, got %T", v)
	}
	return i, nil
}

// ReplyIsOK reports whether the reply is the +OK status.
func ReplyIsOK(v interface{}) bool {
	s, ok := v.(string)
	return ok && s == "OK"
}
