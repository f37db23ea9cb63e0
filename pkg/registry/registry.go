// Package registry implements the process-wide service registry and the
// INIT→READY→RUNNING→STOPPING→STOPPED lifecycle state machine shared
// by every personality (memkv, rinetd, sqlite3).
package registry

import (
	"fmt"
	"sync"

	"github.com/ppdb/ppdb/pkg/events"
	"github.com/ppdb/ppdb/pkg/log"
	"github.com/ppdb/ppdb/pkg/ppdberr"
)

// State is one state of a personality's lifecycle.
type State int

const (
	StateInit State = iota
	StateReady
	StateRunning
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Personality is the set of lifecycle callbacks a service variant
// (memkv, rinetd, sqlite3) must provide. Init/Start/Stop/Cleanup map
// directly to the registry's four lifecycle transitions.
type Personality interface {
	Init(config any) error
	Start() error
	Stop() error
	Cleanup() error
}

// record is the registry's per-service bookkeeping.
type record struct {
	name  string
	svc   Personality
	mu    sync.Mutex
	state State
}

// Registry maps service_name → service record and enforces exclusive
// state transitions per record.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*record
}

var (
	globalOnce sync.Once
	global     *Registry
)

// Global returns the process-wide registry, lazily initialized exactly
// once (a process-wide, lazily-initialized value with an
// explicit init_once guard").
func Global() *Registry {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// New creates an independent registry (used by tests that need
// isolation from the process-wide singleton).
func New() *Registry {
	return &Registry{services: make(map[string]*record)}
}

// Register adds a personality under name. Registering the same name
// twice is a configuration error.
func (r *Registry) Register(name string, svc Personality) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return ppdberr.New(ppdberr.InvalidConfig, fmt.Sprintf("service %q already registered", name))
	}
	r.services[name] = &record{name: name, svc: svc, state: StateInit}
	return nil
}

func (r *Registry) lookup(name string) (*record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.services[name]
	if !ok {
		return nil, ppdberr.New(ppdberr.NotFound, fmt.Sprintf("service %q not registered", name))
	}
	return rec, nil
}

// State returns the current state of a registered service.
func (r *Registry) State(name string) (State, error) {
	rec, err := r.lookup(name)
	if err != nil {
		return StateError, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state, nil
}

// Init transitions a service INIT|STOPPED → READY.
func (r *Registry) Init(name string, config any) error {
	rec, err := r.lookup(name)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state != StateInit && rec.state != StateStopped {
		return ppdberr.New(ppdberr.InvalidState, fmt.Sprintf("init requires INIT or STOPPED, got %s", rec.state))
	}
	if err := rec.svc.Init(config); err != nil {
		rec.state = StateError
		log.WithService(name).Error().Err(err).Msg("init failed, service in ERROR")
		return ppdberr.Wrap(ppdberr.DependencyFailed, "personality init failed", err)
	}
	rec.state = StateReady
	publish(name, rec.state)
	return nil
}

// Start transitions a service READY|STOPPED → RUNNING.
func (r *Registry) Start(name string) error {
	rec, err := r.lookup(name)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state != StateReady && rec.state != StateStopped {
		return ppdberr.New(ppdberr.InvalidState, fmt.Sprintf("start requires READY or STOPPED, got %s", rec.state))
	}
	if err := rec.svc.Start(); err != nil {
		// Recoverable by default: the operator can retry start from STOPPED.
		rec.state = StateStopped
		log.WithService(name).Warn().Err(err).Msg("start failed, service reverted to STOPPED")
		return ppdberr.Wrap(ppdberr.DependencyFailed, "personality start failed", err)
	}
	rec.state = StateRunning
	publish(name, rec.state)
	return nil
}

// Stop transitions a service RUNNING → STOPPED.
func (r *Registry) Stop(name string) error {
	rec, err := r.lookup(name)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state != StateRunning {
		return ppdberr.New(ppdberr.InvalidState, fmt.Sprintf("stop requires RUNNING, got %s", rec.state))
	}
	rec.state = StateStopping
	publish(name, rec.state)
	if err := rec.svc.Stop(); err != nil {
		rec.state = StateError
		log.WithService(name).Error().Err(err).Msg("stop failed, service in ERROR")
		return ppdberr.Wrap(ppdberr.DependencyFailed, "personality stop failed", err)
	}
	rec.state = StateStopped
	publish(name, rec.state)
	return nil
}

// Cleanup transitions a service STOPPED|INIT → INIT, freeing resources.
func (r *Registry) Cleanup(name string) error {
	rec, err := r.lookup(name)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state != StateStopped && rec.state != StateInit {
		return ppdberr.New(ppdberr.InvalidState, fmt.Sprintf("cleanup requires STOPPED or INIT, got %s", rec.state))
	}
	if err := rec.svc.Cleanup(); err != nil {
		return ppdberr.Wrap(ppdberr.Busy, "cleanup failed, workers may not have drained", err)
	}
	rec.state = StateInit
	publish(name, rec.state)
	return nil
}

var eventBroker *events.Broker

// SetEventBroker wires an events.Broker so state transitions are also
// published as lifecycle events, not just logged.
func SetEventBroker(b *events.Broker) { eventBroker = b }

func publish(name string, s State) {
	log.WithService(name).Info().Str("state", s.String()).Msg("service state changed")
	if eventBroker != nil {
		eventBroker.Publish(&events.Event{
			Type:     events.EventServiceStateChanged,
			Message:  name,
			Metadata: map[string]string{"state": s.String()},
		})
	}
}
