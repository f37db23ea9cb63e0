package mux

import (
	"sync/atomic"
	"time"

	"github.com/ppdb/ppdb/pkg/log"
)

// HealthMonitorConfig tunes the worker heartbeat-staleness checker.
type HealthMonitorConfig struct {
	Service       string
	CheckInterval time.Duration // how often to sweep the worker list
	StaleAfter    time.Duration // a worker silent this long is flagged
}

// HealthMonitor periodically sweeps a Pool's worker list for stuck
// workers (no heartbeat within StaleAfter) and replaces them,
// preserving pool size without disturbing healthy workers.
type HealthMonitor struct {
	cfg     HealthMonitorConfig
	pool    *Pool
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewHealthMonitor builds a monitor bound to pool. It does nothing
// until Start is called.
func NewHealthMonitor(cfg HealthMonitorConfig, pool *Pool) *HealthMonitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 2 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Second
	}
	return &HealthMonitor{
		cfg:    cfg,
		pool:   pool,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the sweep loop on its own goroutine.
func (h *HealthMonitor) Start() {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	go h.run()
}

// Stop halts the sweep loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	if !h.running.CompareAndSwap(true, false) {
		return
	}
	close(h.stopCh)
	<-h.doneCh
}

func (h *HealthMonitor) run() {
	defer close(h.doneCh)
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *HealthMonitor) sweep() {
	now := time.Now()
	for _, rec := range h.pool.snapshot() {
		if !rec.running.Load() {
			continue
		}
		last := time.Unix(0, rec.lastHeartbeat.Load())
		if now.Sub(last) > h.cfg.StaleAfter {
			if rec.needsRestart.CompareAndSwap(false, true) {
				log.WithService(h.cfg.Service).Warn().
					Str("worker_id", rec.id).
					Dur("stale_for", now.Sub(last)).
					Msg("worker heartbeat stale, flagged for restart")
			}
			h.pool.replace(rec.id)
		}
	}
}
