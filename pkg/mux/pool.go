package mux

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ppdb/ppdb/pkg/log"
	"github.com/ppdb/ppdb/pkg/metrics"
	"github.com/ppdb/ppdb/pkg/ppdberr"
)

// Handler processes one handed-off connection to completion (reads
// commands until the peer disconnects or the connection is evicted)
// and must call conn.Destroy before returning.
type Handler func(conn *Conn)

// PoolConfig sizes a worker pool.
type PoolConfig struct {
	Service     string
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration // how long an idle worker waits before it may shrink away
}

// workerRecord is a stable handle to a worker goroutine, kept in the
// pool's guarded list so the health monitor can detect and replace a
// stuck worker without disturbing its peers.
type workerRecord struct {
	id            string
	running       atomic.Bool
	busy          atomic.Bool
	lastHeartbeat atomic.Int64
	needsRestart  atomic.Bool
}

func newWorkerRecord(id string) *workerRecord {
	w := &workerRecord{id: id}
	w.heartbeat()
	return w
}

func (w *workerRecord) heartbeat() { w.lastHeartbeat.Store(time.Now().UnixNano()) }

// Pool is the bounded worker pool fed by the accept loop. It owns
// no sockets directly; workers invoke the Handler on each submitted
// *Conn and let the personality manage the connection's lifetime.
type Pool struct {
	cfg     PoolConfig
	handler Handler
	queue   chan *Conn
	running atomic.Bool
	// stopMu serializes Submit's "is running, send" sequence against
	// Stop closing the queue, so Submit never sends on a closed channel.
	stopMu sync.RWMutex

	workersMu sync.Mutex
	workers   map[string]*workerRecord

	wg sync.WaitGroup
}

// NewPool constructs a pool with MinWorkers already running.
func NewPool(cfg PoolConfig, handler Handler) *Pool {
	p := &Pool{
		cfg:     cfg,
		handler: handler,
		queue:   make(chan *Conn, cfg.QueueSize),
		workers: make(map[string]*workerRecord),
	}
	p.running.Store(true)
	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawn()
	}
	return p
}

// Submit hands a connection to the pool. If the queue is full the
// connection is rejected (backpressure by drop: the
// caller, normally the accept loop, closes the descriptor).
func (p *Pool) Submit(conn *Conn) error {
	p.stopMu.RLock()
	defer p.stopMu.RUnlock()
	if !p.running.Load() {
		return ppdberr.New(ppdberr.Closed, "pool is stopped")
	}
	select {
	case p.queue <- conn:
		p.maybeGrow()
		metrics.ConnectionsAccepted.WithLabelValues(p.cfg.Service).Inc()
		return nil
	default:
		metrics.ConnectionsRejected.WithLabelValues(p.cfg.Service).Inc()
		return ppdberr.New(ppdberr.Busy, "worker queue full")
	}
}

// maybeGrow spawns one additional worker when the queue is filling up
// and every existing worker is busy servicing a connection, so a
// queue that's merely transiently half full with idle workers doesn't
// trigger growth past MinWorkers. Called from Submit so growth tracks
// actual pressure instead of running on a timer.
func (p *Pool) maybeGrow() {
	if len(p.queue) < cap(p.queue)/2 {
		return
	}
	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	if len(p.workers) >= p.cfg.MaxWorkers {
		return
	}
	if !p.allBusyLocked() {
		return
	}
	p.spawnLocked(uuid.NewString())
}

// allBusyLocked reports whether every tracked worker is currently
// servicing a connection. Callers must hold workersMu.
func (p *Pool) allBusyLocked() bool {
	for _, rec := range p.workers {
		if !rec.busy.Load() {
			return false
		}
	}
	return true
}

func (p *Pool) spawn() {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	p.spawnLocked(uuid.NewString())
}

// spawnLocked starts a worker goroutine under the given id. Callers
// hold workersMu. Passing the id of a worker being replaced keeps
// that id stable across the swap.
func (p *Pool) spawnLocked(id string) *workerRecord {
	rec := newWorkerRecord(id)
	p.workers[rec.id] = rec
	metrics.WorkersActive.WithLabelValues(p.cfg.Service).Set(float64(len(p.workers)))
	p.wg.Add(1)
	go p.run(rec)
	return rec
}

func (p *Pool) run(rec *workerRecord) {
	defer p.wg.Done()
	rec.running.Store(true)
	defer rec.running.Store(false)

	logger := log.WithService(p.cfg.Service)
	idleSince := time.Now()
	for {
		rec.heartbeat()
		select {
		case conn, ok := <-p.queue:
			if !ok {
				return
			}
			rec.busy.Store(true)
			p.handler(conn)
			rec.busy.Store(false)
			rec.heartbeat()
			idleSince = time.Now()
		// Wake at least once a second so an idle worker's heartbeat
		// stays fresher than the health monitor's stale threshold.
		case <-time.After(min(p.cfg.IdleTimeout, time.Second)):
			if !p.running.Load() {
				return
			}
			if time.Since(idleSince) >= p.cfg.IdleTimeout && p.shouldShrink() {
				logger.Debug().Str("worker_id", rec.id).Msg("shrinking idle worker")
				p.remove(rec.id)
				return
			}
		}
	}
}

func (p *Pool) shouldShrink() bool {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	return len(p.workers) > p.cfg.MinWorkers
}

func (p *Pool) remove(id string) {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	delete(p.workers, id)
	metrics.WorkersActive.WithLabelValues(p.cfg.Service).Set(float64(len(p.workers)))
}

// snapshot returns the current worker records for the health monitor.
func (p *Pool) snapshot() []*workerRecord {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	out := make([]*workerRecord, 0, len(p.workers))
	for _, rec := range p.workers {
		out = append(out, rec)
	}
	return out
}

// replace swaps a stuck worker's record for a freshly spawned one
// under the same id, so external references (metrics labels, health
// monitor bookkeeping) stay stable across the swap. The stuck
// goroutine is left to exit on its own once it next reaches the
// queue-closed or running-false check.
func (p *Pool) replace(oldID string) {
	p.workersMu.Lock()
	delete(p.workers, oldID)
	rec := p.spawnLocked(oldID)
	p.workersMu.Unlock()
	metrics.WorkersRestarted.WithLabelValues(p.cfg.Service).Inc()
	log.WithService(p.cfg.Service).Warn().
		Str("worker_id", rec.id).
		Msg("replaced stuck worker")
}

// drainTimeout bounds how long Stop waits for workers to finish their
// current handler invocation and exit (spec's pool shutdown timeout).
const drainTimeout = 10 * time.Second

// Stop marks the pool as draining and closes the queue at once (workers
// still receive connections already queued), then waits up to
// drainTimeout for all workers to return from their handlers and exit. A worker still running after the deadline is logged as stuck
// but not forcibly killed — its connection's own teardown is
// responsible for eventually unblocking it.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.stopMu.Lock()
	close(p.queue)
	p.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.WithService(p.cfg.Service).Warn().
			Int("workers_remaining", p.Size()).
			Msg("pool stop timed out waiting for workers to drain")
	}
}

// Size returns the current worker count, for tests and Mux.WorkerCount.
func (p *Pool) Size() int {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	return len(p.workers)
}
