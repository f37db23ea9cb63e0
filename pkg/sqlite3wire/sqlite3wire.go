// Package sqlite3wire is the lifecycle shell for the SQLite
// wire-protocol personality. It reuses pkg/mux's accept loop and
// worker pool to accept connections on the configured port and answer
// each with a fixed not-implemented banner; it reads nothing from the
// client and does not implement the SQLite wire protocol.
package sqlite3wire

import (
	"net"
	"sync"
	"time"

	"github.com/ppdb/ppdb/pkg/config"
	"github.com/ppdb/ppdb/pkg/log"
	"github.com/ppdb/ppdb/pkg/mux"
	"github.com/ppdb/ppdb/pkg/ppdberr"
)

// unsupportedBanner is sent to every connecting client in place of a
// real SQLite wire handshake.
const unsupportedBanner = "ERR sqlite3 wire protocol not implemented\n"

// NewConn performs pkg/mux's standard two-phase construction; this
// personality attaches no backend per connection, since its handler
// never reaches past the handshake banner.
func NewConn(netConn net.Conn, peerAddr string, _ any) (*mux.Conn, error) {
	c := mux.NewConn(netConn, peerAddr)
	c.MarkInitialized()
	return c, nil
}

// NewHandler returns a handler that writes the unsupported banner and
// closes the connection, demonstrating that a second personality can
// share pkg/mux's multiplexer core without implementing an actual
// protocol.
func NewHandler() mux.Handler {
	return func(conn *mux.Conn) {
		defer conn.Destroy()
		_ = conn.Net.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, _ = conn.Net.Write([]byte(unsupportedBanner))
	}
}

// SQLite3Wire is the registry.Personality implementation. Kept
// separate from pkg/kv.Store: the two personalities share nothing but
// the multiplexer core.
type SQLite3Wire struct {
	mu       sync.Mutex
	cfg      config.Service
	listener *mux.Listener
	pool     *mux.Pool
	accept   *mux.AcceptLoop
	monitor  *mux.HealthMonitor
}

// New constructs an unstarted SQLite3Wire personality.
func New() *SQLite3Wire {
	return &SQLite3Wire{}
}

func (s *SQLite3Wire) Init(cfgAny any) error {
	cfg, ok := cfgAny.(config.Service)
	if !ok {
		return ppdberr.New(ppdberr.InvalidParam, "sqlite3wire: Init requires config.Service")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

func (s *SQLite3Wire) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := mux.Listen(s.cfg.ListenAddr, s.cfg.ListenPort, nil)
	if err != nil {
		return ppdberr.Wrap(ppdberr.IO, "sqlite3wire: listen", err)
	}

	pool := mux.NewPool(mux.PoolConfig{
		Service:     "sqlite3",
		MinWorkers:  orInt(s.cfg.MinWorkers, 2),
		MaxWorkers:  orInt(s.cfg.MaxWorkers, 16),
		QueueSize:   orInt(s.cfg.QueueSize, 64),
		IdleTimeout: 30 * time.Second,
	}, NewHandler())

	accept := mux.NewAcceptLoop([]*mux.Listener{l}, pool, NewConn)
	monitor := mux.NewHealthMonitor(mux.HealthMonitorConfig{Service: "sqlite3"}, pool)

	s.listener = l
	s.pool = pool
	s.accept = accept
	s.monitor = monitor

	accept.Start()
	monitor.Start()
	log.WithService("sqlite3").Info().Int("port", l.Port).Msg("sqlite3wire listening")
	return nil
}

func (s *SQLite3Wire) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accept != nil {
		s.accept.Stop()
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.pool != nil {
		s.pool.Stop()
	}
	s.listener = nil
	s.pool = nil
	s.accept = nil
	s.monitor = nil
	return nil
}

func (s *SQLite3Wire) Cleanup() error { return nil }

// Port returns the bound listen port, for tests.
func (s *SQLite3Wire) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Port
}

func orInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
