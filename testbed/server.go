// Package testbed runs an in-process fake Redis Cluster for tests. Servers
// speak enough RESP for the commands this module routes, serve only the
// slots the shared topology assigns them, and can be scripted to answer
// MOVED/ASK redirects, which makes redirect handling testable without a
// real cluster.
package testbed

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/qiyu-zhao/redroute/rediscluster"
)

// Redirect is a scripted reply for one slot on one server.
type Redirect struct {
	Kind   string // "MOVED" or "ASK"
	Target string // host:port to redirect to
	Times  int    // how many times to emit it; <0 means forever
}

// Server is one fake cluster node.
type Server struct {
	cluster *Cluster
	index   int
	ln      net.Listener
	addr    string

	mu        sync.Mutex
	data      map[string]string
	redirects map[uint16]*Redirect
	served    map[string]int
	conns     map[net.Conn]bool
	stopped   bool
}

func newServer(cl *Cluster, index int) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		cluster:   cl,
		index:     index,
		ln:        ln,
		addr:      ln.Addr().String(),
		data:      make(map[string]string),
		redirects: make(map[uint16]*Redirect),
		served:    make(map[string]int),
		conns:     make(map[net.Conn]bool),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string { return s.addr }

// Served returns how many commands of the given kind this server answered
// with data (redirect replies do not count).
func (s *Server) Served(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served[strings.ToUpper(cmd)]
}

// Has reports whether the key is stored on this server.
func (s *Server) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

// Put seeds a key directly, bypassing the protocol.
func (s *Server) Put(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// ScriptRedirect makes the server answer commands for slot with a redirect
// instead of serving them.
func (s *Server) ScriptRedirect(slot uint16, r Redirect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rr := r
	s.redirects[slot] = &rr
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	s.ln.Close()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conns[c] = true
		s.mu.Unlock()
		go s.serve(c)
	}
}

func (s *Server) serve(c net.Conn) {
	defer func() {
		c.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)
	asking := false
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}
		cmd := strings.ToUpper(args[0])
		wasAsking := asking
		asking = false
		switch cmd {
		case "ASKING":
			asking = true
			writeStatus(w, "OK")
		case "PING":
			writeStatus(w, "PONG")
		case "AUTH":
			if len(args) != 2 || args[1] != s.cluster.password {
				writeError(w, "ERR invalid password")
			} else {
				writeStatus(w, "OK")
			}
		case "CLIENT":
			writeStatus(w, "OK")
		case "CLUSTER":
			if len(args) == 2 && strings.ToUpper(args[1]) == "SLOTS" {
				s.writeClusterSlots(w)
			} else {
				writeError(w, "ERR unsupported CLUSTER subcommand")
			}
		default:
			s.serveKeyed(w, cmd, args[1:], wasAsking)
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) serveKeyed(w *bufio.Writer, cmd string, args []string, asking bool) {
	keys := commandKeys(cmd, args)
	if len(keys) == 0 {
		writeError(w, "ERR wrong number of arguments for '"+strings.ToLower(cmd)+"' command")
		return
	}
	slot := rediscluster.Slot(keys[0])
	for _, k := range keys[1:] {
		if rediscluster.Slot(k) != slot {
			writeError(w, "CROSSSLOT Keys in request don't hash to the same slot")
			return
		}
	}

	s.mu.Lock()
	if r := s.redirects[slot]; r != nil && r.Times != 0 {
		if r.Times > 0 {
			r.Times--
		}
		s.mu.Unlock()
		writeError(w, fmt.Sprintf("%s %d %s", r.Kind, slot, r.Target))
		return
	}
	s.mu.Unlock()

	if s.cluster.ownerIndex(slot) != s.index && !asking {
		writeError(w, fmt.Sprintf("MOVED %d %s", slot, s.cluster.ownerAddr(slot)))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.served[cmd]++
	switch cmd {
	case "GET":
		v, ok := s.data[args[0]]
		if !ok {
			writeNilBulk(w)
		} else {
			writeBulk(w, v)
		}
	case "SET":
		s.data[args[0]] = args[1]
		writeStatus(w, "OK")
	case "SETEX":
		s.data[args[0]] = args[2]
		writeStatus(w, "OK")
	case "DEL":
		n := 0
		for _, k := range args {
			if _, ok := s.data[k]; ok {
				delete(s.data, k)
				n++
			}
		}
		writeInt(w, int64(n))
	case "MGET":
		writeArrayHeader(w, len(args))
		for _, k := range args {
			if v, ok := s.data[k]; ok {
				writeBulk(w, v)
			} else {
				writeNilBulk(w)
			}
		}
	case "MSET":
		if len(args)%2 != 0 {
			writeError(w, "ERR wrong number of arguments for 'mset' command")
			return
		}
		for i := 0; i < len(args); i += 2 {
			s.data[args[i]] = args[i+1]
		}
		writeStatus(w, "OK")
	case "EXISTS":
		if _, ok := s.data[args[0]]; ok {
			writeInt(w, 1)
		} else {
			writeInt(w, 0)
		}
	case "EXPIRE":
		if _, ok := s.data[args[0]]; ok {
			writeInt(w, 1)
		} else {
			writeInt(w, 0)
		}
	case "INCR":
		cur := int64(0)
		if v, ok := s.data[args[0]]; ok {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, "ERR value is not an integer or out of range")
				return
			}
			cur = parsed
		}
		cur++
		s.data[args[0]] = strconv.FormatInt(cur, 10)
		writeInt(w, cur)
	default:
		writeError(w, "ERR unknown command '"+strings.ToLower(cmd)+"'")
	}
}

// commandKeys extracts the key arguments of a command for slot checking.
func commandKeys(cmd string, args []string) []string {
	switch cmd {
	case "MSET":
		keys := make([]string, 0, len(args)/2)
		for i := 0; i+1 < len(args); i += 2 {
			keys = append(keys, args[i])
		}
		return keys
	case "MGET", "DEL":
		return args
	case "GET", "EXISTS", "INCR":
		if len(args) >= 1 {
			return args[:1]
		}
	case "SET", "SETEX", "EXPIRE":
		if len(args) >= 2 {
			return args[:1]
		}
	}
	return nil
}

func (s *Server) writeClusterSlots(w *bufio.Writer) {
	ranges := s.cluster.slotRanges()
	writeArrayHeader(w, len(ranges))
	for _, r := range ranges {
		writeArrayHeader(w, 3)
		writeInt(w, int64(r.from))
		writeInt(w, int64(r.to))
		host, portStr, _ := net.SplitHostPort(r.addr)
		port, _ := strconv.Atoi(portStr)
		writeArrayHeader(w, 2)
		writeBulk(w, host)
		writeInt(w, int64(port))
	}
}

// --- wire helpers ---

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("testbed: expected array, got %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("testbed: bad array header %q", line)
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 || line[0] != '$' {
			return nil, fmt.Errorf("testbed: expected bulk, got %q", line)
		}
		l, err := strconv.Atoi(line[1:])
		if err != nil || l < 0 {
			return nil, fmt.Errorf("testbed: bad bulk header %q", line)
		}
		buf := make([]byte, l+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:l]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeStatus(w *bufio.Writer, s string) { fmt.Fprintf(w, "+%s\r\n", s) }
func writeError(w *bufio.Writer, s string)  { fmt.Fprintf(w, "-%s\r\n", s) }
func writeInt(w *bufio.Writer, i int64)     { fmt.Fprintf(w, ":%d\r\n", i) }
func writeNilBulk(w *bufio.Writer)          { w.WriteString("$-1\r\n") }
func writeBulk(w *bufio.Writer, s string)   { fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s) }
func writeArrayHeader(w *bufio.Writer, n int) {
	fmt.Fprintf(w, "*%d\r\n", n)
}
