// Package mux implements the multiplexer core shared by every PPDB
// personality: the accept loop, worker pool, connection object, and
// worker health monitor. A personality supplies
// a Handler and a NewConnFunc and gets a running TCP server.
package mux

import "time"

// Config assembles everything a personality needs to start a Mux.
type Config struct {
	Service          string
	ListenAddr       string
	ListenPort       int
	MinWorkers       int
	MaxWorkers       int
	QueueSize        int
	WorkerIdleAfter  time.Duration
	HealthCheck      time.Duration
	HealthStaleAfter time.Duration
}

// Mux ties a listener, pool, accept loop and health monitor together
// under a single Start/Stop lifecycle, matching the shape that
// pkg/registry.Personality expects from each service variant.
type Mux struct {
	cfg      Config
	listener *Listener
	pool     *Pool
	accept   *AcceptLoop
	monitor  *HealthMonitor
}

// New binds the listener and wires pool/accept-loop/health-monitor
// together. userData is handed back to newConn for every accepted
// connection on this listener.
func New(cfg Config, userData any, handler Handler, newConn NewConnFunc) (*Mux, error) {
	l, err := Listen(cfg.ListenAddr, cfg.ListenPort, userData)
	if err != nil {
		return nil, err
	}

	pool := NewPool(PoolConfig{
		Service:     cfg.Service,
		MinWorkers:  cfg.MinWorkers,
		MaxWorkers:  cfg.MaxWorkers,
		QueueSize:   cfg.QueueSize,
		IdleTimeout: orDefault(cfg.WorkerIdleAfter, 30*time.Second),
	}, handler)

	accept := NewAcceptLoop([]*Listener{l}, pool, newConn)

	monitor := NewHealthMonitor(HealthMonitorConfig{
		Service:       cfg.Service,
		CheckInterval: orDefault(cfg.HealthCheck, 2*time.Second),
		StaleAfter:    orDefault(cfg.HealthStaleAfter, 5*time.Second),
	}, pool)

	return &Mux{cfg: cfg, listener: l, pool: pool, accept: accept, monitor: monitor}, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Port returns the bound listen port (useful when ListenPort was 0).
func (m *Mux) Port() int { return m.listener.Port }

// Start runs the accept loop and health monitor. Non-blocking.
func (m *Mux) Start() {
	m.accept.Start()
	m.monitor.Start()
}

// Stop drains in order: stop accepting, stop the health monitor, then
// drain and shut down the worker pool. A worker already inside a
// handler keeps serving that connection until the handler returns;
// Stop waits for that only up to the pool's drain timeout.
func (m *Mux) Stop() {
	m.accept.Stop()
	m.monitor.Stop()
	m.pool.Stop()
}

// WorkerCount reports the current pool size, for tests.
func (m *Mux) WorkerCount() int { return m.pool.Size() }
