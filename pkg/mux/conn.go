package mux

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ppdb/ppdb/pkg/log"
)

// Conn is the per-connection record. It is created in two phases:
// NewConn wraps the accepted socket,
// then the personality attaches its backend handle and marks the
// connection initialized before handing it to the protocol loop.
type Conn struct {
	ID       string
	Net      net.Conn
	PeerAddr string

	// Backend is the personality-owned resource bound to this
	// connection (a DB handle, a dial to a forward target, ...).
	// It is closed by Destroy.
	Backend io.Closer

	// State is personality-specific scratch space (parser buffers,
	// protocol-level counters). The multiplexer never inspects it.
	State any

	CreatedAt time.Time

	lastActiveNano atomic.Int64
	totalCommands  atomic.Uint64
	failedCommands atomic.Uint64
	initialized    atomic.Bool
	closing        atomic.Bool
}

// NewConn wraps an accepted socket. The connection is not yet
// initialized; SetBackend/MarkInitialized completes phase two.
func NewConn(netConn net.Conn, peerAddr string) *Conn {
	c := &Conn{
		ID:        uuid.NewString(),
		Net:       netConn,
		PeerAddr:  peerAddr,
		CreatedAt: time.Now(),
	}
	c.Touch()
	return c
}

// SetBackend attaches the personality's backend handle.
func (c *Conn) SetBackend(backend io.Closer) { c.Backend = backend }

// MarkInitialized completes phase-two construction. The flag is only
// reported through Initialized; pkg/mux does not evict connections.
func (c *Conn) MarkInitialized() { c.initialized.Store(true) }

// Initialized reports whether phase-two construction completed.
func (c *Conn) Initialized() bool { return c.initialized.Load() }

// Touch advances last-active time. Monotonic: concurrent calls never
// move the timestamp backwards.
func (c *Conn) Touch() {
	now := time.Now().UnixNano()
	for {
		cur := c.lastActiveNano.Load()
		if now <= cur {
			return
		}
		if c.lastActiveNano.CompareAndSwap(cur, now) {
			return
		}
	}
}

// LastActive returns the last-touched time.
func (c *Conn) LastActive() time.Time {
	return time.Unix(0, c.lastActiveNano.Load())
}

// IdleFor reports how long the connection has sat without activity.
func (c *Conn) IdleFor() time.Duration { return time.Since(c.LastActive()) }

func (c *Conn) IncrCommands()          { c.totalCommands.Add(1) }
func (c *Conn) IncrFailedCommands()    { c.failedCommands.Add(1) }
func (c *Conn) TotalCommands() uint64  { return c.totalCommands.Load() }
func (c *Conn) FailedCommands() uint64 { return c.failedCommands.Load() }

// Closing reports whether Destroy has begun or completed.
func (c *Conn) Closing() bool { return c.closing.Load() }

// Destroy tears the connection down. Idempotent: only the first caller
// performs the close, later callers are no-ops.
func (c *Conn) Destroy() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	log.WithConn(c.ID).Info().
		Dur("lifetime", time.Since(c.CreatedAt)).
		Dur("idle_at_close", c.IdleFor()).
		Uint64("total_commands", c.TotalCommands()).
		Uint64("failed_commands", c.FailedCommands()).
		Msg("connection closed")

	var err error
	if c.Backend != nil {
		err = c.Backend.Close()
	}
	if cerr := c.Net.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// tuneSocket applies the multiplexer's socket policy:
// Nagle disabled, TCP keepalive enabled, 64KiB send/receive buffers.
func tuneSocket(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     60 * time.Second,
		Interval: 15 * time.Second,
		Count:    4,
	})
	_ = tc.SetReadBuffer(64 * 1024)
	_ = tc.SetWriteBuffer(64 * 1024)
}
