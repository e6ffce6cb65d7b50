package resp

import (
	"bufio"
	"io"
	"strings"

	"github.com/joomcode/errorx"

	"github.com/qiyu-zhao/redroute/redis"
)

// Read parses one reply from b. The result is one of: string (status reply),
// int64, []byte (bulk string), []interface{} (array), nil, or an error.
// Error replies come back as errorx errors; MOVED and ASK replies carry the
// target slot and endpoint as properties, so the router can follow them
// without re-parsing the message.
func Read(b *bufio.Reader) interface{} {
	line, isPrefix, err := b.ReadLine()
	if err != nil {
		return redis.ErrIO.WrapWithNoMessage(err)
	}
	if isPrefix {
		return redis.ErrResponseFormat.New("header line too large")
	}
	if len(line) == 0 {
		return redis.ErrResponseFormat.New("header line is empty")
	}

	var v int64
	switch line[0] {
	case '+':
		return string(line[1:])
	case '-':
		return parseErrorLine(string(line[1:]))
	case ':':
		if v, err = parseInt(line[1:]); err != nil {
			return err
		}
		return v
	case '$':
		if v, err = parseInt(line[1:]); err != nil {
			return err
		}
		if v < 0 {
			return nil
		}
		buf := make([]byte, v+2)
		if _, err = io.ReadFull(b, buf); err != nil {
			return redis.ErrIO.WrapWithNoMessage(err)
		}
		if buf[v] != '\r' || buf[v+1] != '\n' {
			return redis.ErrResponseFormat.New("no final CRLF after bulk string")
		}
		return buf[:v:v]
	case '*':
		if v, err = parseInt(line[1:]); err != nil {
			return err
		}
		if v < 0 {
			return nil
		}
		result := make([]interface{}, v)
		for i := int64(0); i < v; i++ {
			result[i] = Read(b)
			if e, ok := result[i].(error); ok && streamBroken(e) {
				return e
			}
		}
		return result
	default:
		return redis.ErrResponseFormat.New("unknown header type %q", line[0])
	}
}

// streamBroken reports whether err means the reader lost sync with the wire
// and the rest of the array can not be trusted.
func streamBroken(err error) bool {
	e := errorx.Cast(err)
	if e == nil {
		return true
	}
	return errorx.IsOfType(err, redis.ErrIO) || redis.ErrResponse.IsNamespaceOf(e.Type())
}

func parseErrorLine(txt string) error {
	switch {
	case strings.HasPrefix(txt, "MOVED "):
		return parseRedirect(redis.ErrMoved, txt)
	case strings.HasPrefix(txt, "ASK "):
		return parseRedirect(redis.ErrAsk, txt)
	case strings.HasPrefix(txt, "LOADING"):
		return redis.ErrLoading.New("%s", txt)
	default:
		return redis.ErrReply.New("%s", txt)
	}
}

func parseRedirect(typ *errorx.Type, txt string) error {
	parts := strings.Split(txt, " ")
	if len(parts) < 3 {
		return redis.ErrResponseFormat.New("malformed redirect %q", txt)
	}
	slot, err := parseInt([]byte(parts[1]))
	if err != nil || slot < 0 || slot >= 16384 {
		return redis.ErrResponseFormat.New("malformed redirect slot %q", txt)
	}
	target, perr := redis.ParseEndpoint(parts[2])
	if perr != nil {
		return redis.ErrResponseFormat.New("malformed redirect target %q", txt)
	}
	return typ.New("%s", txt).
		WithProperty(redis.EKSlot, uint16(slot)).
		WithProperty(redis.EKEndpoint, target)
}

func parseInt(buf []byte) (int64, error) {
	if len(buf) == 0 {
		return 0, redis.ErrResponseFormat.New("empty integer")
	}
	neg := buf[0] == '-'
	if neg {
		buf = buf[1:]
	}
	v := int64(0)
	for _, b := range buf {
		if b < '0' || b > '9' {
			return 0, redis.ErrResponseFormat.New("malformed integer")
		}
		v = v*10 + int64(b-'0')
	}
	if neg {
		v = -v
	}
	return v, nil
}
