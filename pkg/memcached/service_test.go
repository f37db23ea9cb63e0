package memcached

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ppdb/ppdb/pkg/config"
)

func TestServiceLifecycle(t *testing.T) {
	dbPath := t.TempDir() + "/memkv.db"
	s := New()
	cfg := config.Service{
		ListenAddr: "127.0.0.1",
		ListenPort: 0,
		DBPath:     dbPath,
		Engine:     config.EngineSQLite,
	}
	if err := s.Init(cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		s.Stop()
		s.Cleanup()
	}()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port())), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("set k 0 0 1\r\nv\r\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp != "STORED\r\n" {
		t.Fatalf("response = %q", resp)
	}
}
