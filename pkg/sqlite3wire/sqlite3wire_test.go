package sqlite3wire

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ppdb/ppdb/pkg/config"
)

func TestStartStopServesBanner(t *testing.T) {
	s := New()
	if err := s.Init(config.Service{ListenAddr: "127.0.0.1", ListenPort: 0}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port())), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read banner: %v", err)
	}
	if line != unsupportedBanner {
		t.Fatalf("banner = %q, want %q", line, unsupportedBanner)
	}
}

func TestStopWithoutStartIsSafe(t *testing.T) {
	s := New()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop on unstarted personality: %v", err)
	}
}

