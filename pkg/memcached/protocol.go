// Package memcached implements the memcached-compatible text
// protocol on top of pkg/mux's connection objects and pkg/kv's
// storage facade.
package memcached

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/ppdb/ppdb/pkg/config"
	"github.com/ppdb/ppdb/pkg/kv"
	"github.com/ppdb/ppdb/pkg/mux"
)

const (
	maxCommandLine = 64 * 1024
	hardMaxValue   = 32 * 1024 * 1024 // ceiling regardless of config
	maxKeyLength   = 250
)

var processStart = time.Now()

// session is the per-connection parser/dispatcher state. It holds no
// data that outlives the connection; the shared Store carries the
// actual keyspace.
type session struct {
	conn        *mux.Conn
	store       *kv.Store
	r           *bufio.Reader
	w           *bufio.Writer
	version     string
	maxValue    int
	idleTimeout time.Duration
}

// NewHandler builds a mux.Handler bound to store and the service
// configuration. One handler instance is shared by every worker; all
// per-connection state lives in the session created per call.
func NewHandler(store *kv.Store, cfg config.Service) mux.Handler {
	maxValue := cfg.MaxValueBytes
	if maxValue <= 0 || maxValue > hardMaxValue {
		maxValue = hardMaxValue
	}
	version := cfg.VersionString
	if version == "" {
		version = "ppdb-1.0.0"
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}

	return func(conn *mux.Conn) {
		defer conn.Destroy()
		s := &session{
			conn:        conn,
			store:       store,
			r:           bufio.NewReaderSize(conn.Net, maxCommandLine),
			w:           bufio.NewWriter(conn.Net),
			version:     version,
			maxValue:    maxValue,
			idleTimeout: idleTimeout,
		}
		s.serve()
	}
}

// NewConn attaches no backend: the memcached personality shares one
// *kv.Store across every connection instead of opening a per-connection
// handle, so it only needs pkg/mux's generic two-phase construction.
func NewConn(netConn net.Conn, peerAddr string, _ any) (*mux.Conn, error) {
	c := mux.NewConn(netConn, peerAddr)
	c.MarkInitialized()
	return c, nil
}

func (s *session) serve() {
	for {
		_ = s.conn.Net.SetReadDeadline(time.Now().Add(s.idleTimeout))
		line, err := s.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				s.writeLine("CLIENT_ERROR command line too long")
				_ = s.w.Flush()
			}
			return
		}
		s.conn.Touch()

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		quit := s.dispatch(fields)
		_ = s.w.Flush()
		if quit {
			return
		}
		if s.conn.Closing() {
			return
		}
	}
}

func (s *session) writeLine(msg string) {
	_, _ = s.w.WriteString(msg)
	_, _ = s.w.WriteString("\r\n")
}

func (s *session) writeError()                 { s.writeLine("ERROR") }
func (s *session) writeClientError(msg string) { s.writeLine("CLIENT_ERROR " + msg) }
func (s *session) writeServerError(msg string) { s.writeLine("SERVER_ERROR " + msg) }

// readPayload consumes exactly n bytes plus the trailing CRLF the
// storage commands require, discarding bytes on a malformed trailer so
// the stream can resynchronize (memcached's own behavior).
func (s *session) readPayload(n int) ([]byte, bool) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, false
	}
	var crlf [2]byte
	if _, err := io.ReadFull(s.r, crlf[:]); err != nil || crlf[0] != '\r' || crlf[1] != '\n' {
		return nil, false
	}
	return buf, true
}

func (s *session) dispatch(fields []string) (quit bool) {
	cmd := fields[0]
	args := fields[1:]
	switch cmd {
	case "get", "gets":
		s.handleGet(args, cmd == "gets")
	case "set", "add", "replace", "append", "prepend":
		s.handleStorage(cmd, args)
	case "cas":
		s.handleCas(args)
	case "delete":
		s.handleDelete(args)
	case "incr":
		s.handleIncrDecr(args, true)
	case "decr":
		s.handleIncrDecr(args, false)
	case "touch":
		s.handleTouch(args)
	case "gat", "gats":
		s.handleGat(args, cmd == "gats")
	case "flush_all":
		s.handleFlushAll(args)
	case "stats":
		s.handleStats(args)
	case "version":
		s.writeLine("VERSION " + s.version)
	case "quit":
		return true
	default:
		s.writeError()
	}
	s.conn.IncrCommands()
	return false
}
