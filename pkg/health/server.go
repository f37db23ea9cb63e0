package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ppdb/ppdb/pkg/metrics"
	"github.com/ppdb/ppdb/pkg/registry"
)

// Server serves /health, /ready, and /metrics for one running personality.
type Server struct {
	reg     *registry.Registry
	service string
	checker *TCPChecker
	status  *Status
	config  Config
	mux     *http.ServeMux
}

// NewServer builds a Server that reports on service's registry state and
// dials selfAddr (the personality's own listen address) for readiness.
func NewServer(reg *registry.Registry, service, selfAddr string) *Server {
	s := &Server{
		reg:     reg,
		service: service,
		checker: NewTCPChecker(selfAddr),
		status:  NewStatus(),
		config:  DefaultConfig(),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// Start serves the health endpoints on addr until the process exits or the
// listener fails. Meant to be run in its own goroutine.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the /ready body.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:    "healthy",
		Service:   s.service,
		Timestamp: time.Now(),
	})
}

// readyHandler is ready only once the registry reports the personality
// running and a TCP dial to its own listener succeeds.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	state, err := s.reg.State(s.service)
	switch {
	case err != nil:
		checks["registry"] = "not registered"
		ready = false
		message = "service not registered"
	case state != registry.StateRunning:
		checks["registry"] = state.String()
		ready = false
		message = "service not running"
	default:
		checks["registry"] = state.String()
	}

	if ready {
		result := s.checker.Check(r.Context())
		s.status.Update(result, s.config)
		if result.Healthy {
			checks["listener"] = "ok"
		} else {
			checks["listener"] = result.Message
			ready = false
			message = "listener not accepting connections"
		}
	} else {
		checks["listener"] = "skipped"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}
