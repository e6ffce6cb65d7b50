package resp

import (
	"github.com/qiyu-zhao/redroute/redis"
)

// AppendRequest serializes req as a RESP array of bulk strings and appends
// it to buf.
func AppendRequest(buf []byte, req redis.Request) ([]byte, error) {
	buf = appendHead(buf, '*', int64(len(req.Args)+1))
	buf = appendBulk(buf, req.Cmd)
	for _, val := range req.Args {
		str, ok := redis.ArgToString(val)
		if !ok {
			return nil, redis.ErrArgumentType.New("can not serialize argument of type %T", val)
		}
		buf = appendBulk(buf, str)
	}
	return buf, nil
}

func appendBulk(b []byte, s string) []byte {
	b = appendHead(b, '$', int64(len(s)))
	b = append(b, s...)
	return append(b, '\r', '\n')
}

func appendHead(b []byte, t byte, i int64) []byte {
	b = append(b, t)
	b = appendInt(b, i)
	return append(b, '\r', '\n')
}

func appendInt(b []byte, i int64) []byte {
	if i == 0 {
		return append(b, '0')
	}
	var u uint64
	if i > 0 {
		u = uint64(i)
	} else {
		b = append(b, '-')
		u = uint64(-i)
	}
	var digits [20]byte
	p := len(digits)
	for u > 0 {
		n := u / 10
		p--
		digits[p] = byte(u-n*10) + '0'
		u = n
	}
	return append(b, digits[p:]...)
}
