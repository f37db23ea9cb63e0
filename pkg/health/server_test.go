package health

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ppdb/ppdb/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersonality struct{}

func (fakePersonality) Init(any) error { return nil }
func (fakePersonality) Start() error   { return nil }
func (fakePersonality) Stop() error    { return nil }
func (fakePersonality) Cleanup() error { return nil }

func TestReadyReflectsRegistryAndListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	reg := registry.New()
	require.NoError(t, reg.Register("memkv", fakePersonality{}))

	s := NewServer(reg, "memkv", ln.Addr().String())
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)

	rec := httptest.NewRecorder()
	s.readyHandler(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before Init/Start")

	require.NoError(t, reg.Init("memkv", nil))
	require.NoError(t, reg.Start("memkv"))

	rec = httptest.NewRecorder()
	s.readyHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "ready once running")

	var body ReadyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "ok", body.Checks["listener"])
}

func TestHealthHandler(t *testing.T) {
	reg := registry.New()
	s := NewServer(reg, "memkv", "127.0.0.1:0")

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET succeeds", http.MethodGet, http.StatusOK},
		{"POST rejected", http.MethodPost, http.StatusMethodNotAllowed},
		{"DELETE rejected", http.MethodDelete, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			rec := httptest.NewRecorder()

			s.healthHandler(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusOK {
				var resp HealthResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, "healthy", resp.Status)
				assert.Equal(t, "memkv", resp.Service)
				assert.False(t, resp.Timestamp.IsZero())
			}
		})
	}
}
