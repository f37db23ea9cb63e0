package mux

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppdb/ppdb/pkg/log"
)

// pollInterval bounds how long Accept blocks before re-checking the
// running flag, so Stop returns within one tick of being called. It
// stands in for a readiness-poll loop: Go's
// *net.TCPListener has no epoll-style multi-fd wait, so each listener
// gets its own goroutine blocking on Accept with a deadline instead.
const pollInterval = time.Second

// NewConnFunc constructs a *Conn from a freshly accepted socket,
// giving the personality a chance to attach its backend handle before
// the connection reaches the worker pool. Returning a nil error but a
// nil Conn is not allowed; returning an error causes the socket to be
// closed immediately without ever reaching the pool.
type NewConnFunc func(netConn net.Conn, peerAddr string, userData any) (*Conn, error)

// AcceptLoop runs one accept goroutine per listener and hands every
// accepted connection to a Pool.
type AcceptLoop struct {
	listeners []*Listener
	pool      *Pool
	newConn   NewConnFunc
	running   atomic.Bool
	wg        sync.WaitGroup
}

// NewAcceptLoop builds an accept loop over the given listeners.
func NewAcceptLoop(listeners []*Listener, pool *Pool, newConn NewConnFunc) *AcceptLoop {
	return &AcceptLoop{listeners: listeners, pool: pool, newConn: newConn}
}

// Start begins accepting on every listener. Non-blocking: each
// listener runs on its own goroutine.
func (al *AcceptLoop) Start() {
	al.running.Store(true)
	for _, l := range al.listeners {
		al.wg.Add(1)
		go al.loop(l)
	}
}

// Stop signals every accept goroutine to exit and waits for them to do
// so. Listeners are closed as their goroutines unwind.
func (al *AcceptLoop) Stop() {
	al.running.Store(false)
	al.wg.Wait()
}

func (al *AcceptLoop) loop(l *Listener) {
	defer al.wg.Done()
	defer l.Close()

	logger := log.WithService("mux").With().Str("listen_addr", l.Addr).Int("listen_port", l.Port).Logger()
	logger.Info().Msg("accept loop started")

	for al.running.Load() {
		_ = l.tcp.SetDeadline(time.Now().Add(pollInterval))
		netConn, err := l.tcp.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !al.running.Load() {
				return
			}
			logger.Warn().Err(err).Msg("accept failed, retrying")
			continue
		}

		tuneSocket(netConn)
		peerAddr := netConn.RemoteAddr().String()
		conn, err := al.newConn(netConn, peerAddr, l.UserData)
		if err != nil {
			logger.Warn().Err(err).Str("peer_addr", peerAddr).Msg("connection setup failed")
			_ = netConn.Close()
			continue
		}
		if err := al.pool.Submit(conn); err != nil {
			logger.Debug().Err(err).Str("peer_addr", peerAddr).Msg("connection rejected")
			_ = conn.Destroy()
		}
	}

	logger.Info().Msg("accept loop stopped")
}
