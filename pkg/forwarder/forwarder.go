// Package forwarder implements the rinetd-style TCP port-forwarding
// personality: a table of src_addr:src_port -> dst_addr:dst_port
// rules, each served by pkg/mux, proxying bytes bidirectionally once
// the backend connects.
package forwarder

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ppdb/ppdb/pkg/config"
	"github.com/ppdb/ppdb/pkg/log"
	"github.com/ppdb/ppdb/pkg/mux"
	"github.com/ppdb/ppdb/pkg/ppdberr"
)

// connectTimeout bounds dialing the destination for a rule; a slow or
// dead backend must not hold the accept loop open.
const connectTimeout = 1 * time.Second

// ruleLabel returns the per-rule identifier used for metric labels and
// log fields.
func ruleLabel(r config.Rule) string {
	return fmt.Sprintf("%s:%d->%s:%d", r.SrcAddr, r.SrcPort, r.DstAddr, r.DstPort)
}

// endpoint is the mux.Conn's Backend: the dialed connection to a
// rule's destination, plus the rule's label for metrics.
type endpoint struct {
	conn  net.Conn
	label string
}

func (e *endpoint) Close() error { return e.conn.Close() }

// NewConn dials the rule's destination before the connection is ever
// handed to the pool, matching handle_connection's fail-closed
// behavior: a dial failure means the client socket never reaches a
// worker at all.
func NewConn(netConn net.Conn, peerAddr string, userData any) (*mux.Conn, error) {
	rule, ok := userData.(config.Rule)
	if !ok {
		return nil, ppdberr.New(ppdberr.InvalidConfig, "forwarder: listener missing its rule")
	}

	dst := net.JoinHostPort(rule.DstAddr, strconv.Itoa(rule.DstPort))
	serverConn, err := net.DialTimeout("tcp", dst, connectTimeout)
	if err != nil {
		return nil, ppdberr.Wrap(ppdberr.DependencyFailed, "dial backend "+dst, err)
	}

	c := mux.NewConn(netConn, peerAddr)
	c.SetBackend(&endpoint{conn: serverConn, label: ruleLabel(rule)})
	c.MarkInitialized()
	return c, nil
}

// Forwarder runs a shared mux worker pool and health monitor behind
// one accept loop per configured rule, implementing
// registry.Personality so the CLI can manage it like any other
// service.
type Forwarder struct {
	mu        sync.Mutex
	cfg       config.Service
	listeners []*mux.Listener
	pool      *mux.Pool
	accept    *mux.AcceptLoop
	monitor   *mux.HealthMonitor
	rules     []config.Rule
}

// New constructs an unstarted Forwarder.
func New() *Forwarder {
	return &Forwarder{}
}

// Init loads the rule file named by cfg.ForwarderRulesFile; listeners
// are bound later, by Start. No rules, or a rules file that fails to
// parse, is an initialization error.
func (f *Forwarder) Init(cfgAny any) error {
	cfg, ok := cfgAny.(config.Service)
	if !ok {
		return ppdberr.New(ppdberr.InvalidParam, "forwarder: Init requires config.Service")
	}
	if cfg.ForwarderRulesFile == "" {
		return ppdberr.New(ppdberr.InvalidConfig, "forwarder: forwarder_rules_file is required")
	}
	rules, err := config.LoadRules(cfg.ForwarderRulesFile)
	if err != nil {
		return ppdberr.Wrap(ppdberr.InvalidConfig, "forwarder: load rules", err)
	}
	if len(rules) == 0 {
		return ppdberr.New(ppdberr.InvalidConfig, "forwarder: no rules configured")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	f.rules = rules
	return nil
}

// Start binds one listener per rule, wires them to a shared pool, and
// begins accepting.
func (f *Forwarder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	listeners := make([]*mux.Listener, 0, len(f.rules))
	for _, rule := range f.rules {
		l, err := mux.Listen(rule.SrcAddr, rule.SrcPort, rule)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return ppdberr.Wrap(ppdberr.IO, fmt.Sprintf("forwarder: listen %s:%d", rule.SrcAddr, rule.SrcPort), err)
		}
		listeners = append(listeners, l)
		log.WithService("rinetd").Info().Str("rule", ruleLabel(rule)).Msg("listener bound")
	}

	pool := mux.NewPool(mux.PoolConfig{
		Service:     "rinetd",
		MinWorkers:  orInt(f.cfg.MinWorkers, 8),
		MaxWorkers:  orInt(f.cfg.MaxWorkers, 256),
		QueueSize:   orInt(f.cfg.QueueSize, 1024),
		IdleTimeout: 30 * time.Second,
	}, NewHandler())

	accept := mux.NewAcceptLoop(listeners, pool, NewConn)
	monitor := mux.NewHealthMonitor(mux.HealthMonitorConfig{Service: "rinetd"}, pool)

	f.listeners = listeners
	f.pool = pool
	f.accept = accept
	f.monitor = monitor

	accept.Start()
	monitor.Start()
	return nil
}

// Stop drains in the order pkg/mux expects: stop accepting, stop the
// health monitor, then drain the worker pool.
func (f *Forwarder) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.accept != nil {
		f.accept.Stop()
	}
	if f.monitor != nil {
		f.monitor.Stop()
	}
	if f.pool != nil {
		f.pool.Stop()
	}
	f.listeners = nil
	f.pool = nil
	f.accept = nil
	f.monitor = nil
	return nil
}

// Cleanup drops the loaded rule table.
func (f *Forwarder) Cleanup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
	return nil
}

// RuleCount reports the number of active rules, for tests.
func (f *Forwarder) RuleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rules)
}

func orInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
