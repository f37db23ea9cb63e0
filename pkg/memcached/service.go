package memcached

import (
	"sync"

	"github.com/ppdb/ppdb/pkg/config"
	"github.com/ppdb/ppdb/pkg/kv"
	"github.com/ppdb/ppdb/pkg/log"
	"github.com/ppdb/ppdb/pkg/mux"
	"github.com/ppdb/ppdb/pkg/ppdberr"
)

// Service is the registry.Personality implementation for the memkv
// wire protocol: it owns the kv.Store lifetime and the mux.Mux that
// serves it.
type Service struct {
	mu    sync.Mutex
	cfg   config.Service
	store *kv.Store
	m     *mux.Mux
}

// New constructs an unstarted memkv service.
func New() *Service {
	return &Service{}
}

func (s *Service) Init(cfgAny any) error {
	cfg, ok := cfgAny.(config.Service)
	if !ok {
		return ppdberr.New(ppdberr.InvalidParam, "memcached: Init requires config.Service")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	store, err := kv.Open(s.cfg)
	if err != nil {
		return ppdberr.Wrap(ppdberr.DependencyFailed, "memcached: open backend", err)
	}

	m, err := mux.New(mux.Config{
		Service:    "memkv",
		ListenAddr: s.cfg.ListenAddr,
		ListenPort: s.cfg.ListenPort,
		MinWorkers: orInt(s.cfg.MinWorkers, 4),
		MaxWorkers: orInt(s.cfg.MaxWorkers, 64),
		QueueSize:  orInt(s.cfg.QueueSize, 1024),
	}, nil, NewHandler(store, s.cfg), NewConn)
	if err != nil {
		_ = store.Close()
		return ppdberr.Wrap(ppdberr.IO, "memcached: start multiplexer", err)
	}

	s.store = store
	s.m = m
	m.Start()
	log.WithService("memkv").Info().Int("port", m.Port()).Msg("memkv listening")
	return nil
}

func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m != nil {
		s.m.Stop()
		s.m = nil
	}
	return nil
}

func (s *Service) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil {
		err := s.store.Close()
		s.store = nil
		return err
	}
	return nil
}

// Port returns the bound listen port, for tests.
func (s *Service) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		return 0
	}
	return s.m.Port()
}

func orInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
