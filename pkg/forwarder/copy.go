package forwarder

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/ppdb/ppdb/pkg/log"
	"github.com/ppdb/ppdb/pkg/metrics"
	"github.com/ppdb/ppdb/pkg/mux"
)

const (
	bufferSize   = 16 * 1024
	maxRetries   = 3
	retryDelay   = 10 * time.Millisecond
	drainTimeout = 30 * time.Second
)

// NewHandler returns the mux.Handler that proxies bytes between the
// accepted client and the backend dialed by NewConn. Each direction
// runs on its own goroutine with its own failure flag. The first
// direction to fail does not force the other closed — it keeps
// draining until it fails on its own (bounded by drainTimeout, applied
// as a read deadline renewed every iteration); only once both
// directions have ended are both sockets closed.
func NewHandler() mux.Handler {
	return func(conn *mux.Conn) {
		defer conn.Destroy()

		ep, ok := conn.Backend.(*endpoint)
		if !ok || ep == nil {
			return
		}

		var c2sFailed, s2cFailed atomic.Bool
		done := make(chan struct{}, 2)

		go func() {
			copyDirection(ep.conn, conn.Net, ep.label, "c2s", &c2sFailed)
			done <- struct{}{}
		}()
		go func() {
			copyDirection(conn.Net, ep.conn, ep.label, "s2c", &s2cFailed)
			done <- struct{}{}
		}()

		<-done
		<-done
	}
}

// copyDirection reads from src and writes to dst until either side
// errors, setting failed and returning. Partial writes are retried up
// to maxRetries times with a short backoff before the direction is
// considered failed, mirroring forward_data's send-retry loop. The
// read deadline is renewed every iteration so that once the opposite
// direction has failed, this one drains in-flight data and then
// unblocks on its own within drainTimeout rather than hanging forever.
func copyDirection(dst, src net.Conn, rule, direction string, failed *atomic.Bool) {
	buf := make([]byte, bufferSize)
	logger := log.WithService("rinetd").With().Str("rule", rule).Str("direction", direction).Logger()

	for {
		_ = src.SetReadDeadline(time.Now().Add(drainTimeout))
		n, rerr := src.Read(buf)
		if n > 0 {
			if werr := writeAllWithRetry(dst, buf[:n]); werr != nil {
				failed.Store(true)
				metrics.ForwarderFailures.WithLabelValues(rule, direction).Inc()
				logger.Debug().Err(werr).Msg("forward failed")
				return
			}
			metrics.ForwarderBytes.WithLabelValues(rule, direction).Add(float64(n))
		}
		if rerr != nil {
			failed.Store(true)
			if rerr != io.EOF {
				metrics.ForwarderFailures.WithLabelValues(rule, direction).Inc()
				logger.Debug().Err(rerr).Msg("read failed")
			}
			return
		}
	}
}

// writeAllWithRetry writes all of buf to dst, retrying a partial write
// up to maxRetries times with retryDelay between attempts.
func writeAllWithRetry(dst net.Conn, buf []byte) error {
	total := 0
	retries := 0
	for total < len(buf) {
		n, err := dst.Write(buf[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			retries++
			if retries >= maxRetries {
				return io.ErrShortWrite
			}
			time.Sleep(retryDelay)
			continue
		}
		total += n
		retries = 0
	}
	return nil
}
