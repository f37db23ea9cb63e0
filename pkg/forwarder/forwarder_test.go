package forwarder

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ppdb/ppdb/pkg/config"
)

// startEcho runs a bare TCP echo server and returns its port.
func startEcho(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

func writeRulesFile(t *testing.T, rules []config.Rule) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.conf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create rules file: %v", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, r := range rules {
		w.WriteString(r.SrcAddr)
		w.WriteByte(' ')
		w.WriteString(strconv.Itoa(r.SrcPort))
		w.WriteByte(' ')
		w.WriteString(r.DstAddr)
		w.WriteByte(' ')
		w.WriteString(strconv.Itoa(r.DstPort))
		w.WriteByte('\n')
	}
	w.Flush()
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestForwarderProxiesBytes(t *testing.T) {
	backendPort := startEcho(t)
	listenPort := freePort(t)

	rulesPath := writeRulesFile(t, []config.Rule{
		{SrcAddr: "127.0.0.1", SrcPort: listenPort, DstAddr: "127.0.0.1", DstPort: backendPort},
	})

	f := New()
	if err := f.Init(config.Service{ForwarderRulesFile: rulesPath}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Stop()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(listenPort)), time.Second)
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	defer conn.Close()

	msg := []byte("hello-rinetd")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := readFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("echo = %q, want %q", buf, msg)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestInitRejectsMissingRulesFile(t *testing.T) {
	f := New()
	if err := f.Init(config.Service{ForwarderRulesFile: "/nonexistent/rules.conf"}); err == nil {
		t.Fatal("expected error for missing rules file")
	}
}

func TestInitRequiresRulesFileConfigured(t *testing.T) {
	f := New()
	if err := f.Init(config.Service{}); err == nil {
		t.Fatal("expected error when forwarder_rules_file is unset")
	}
}
