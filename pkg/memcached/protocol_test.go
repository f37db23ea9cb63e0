package memcached

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/ppdb/ppdb/pkg/config"
	"github.com/ppdb/ppdb/pkg/kv"
	"github.com/ppdb/ppdb/pkg/mux"
)

// runSession wires a handler over a net.Pipe and returns the client
// side, the backing store, and a function that waits for the handler
// goroutine to exit.
func runSession(t *testing.T) (net.Conn, *kv.Store, func()) {
	t.Helper()
	backend, err := kv.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	store := kv.NewStore(backend)
	t.Cleanup(func() { store.Close() })

	client, server := net.Pipe()
	conn := mux.NewConn(server, "test")
	conn.MarkInitialized()

	handler := NewHandler(store, config.Service{MaxValueBytes: 1 << 20, IdleTimeout: time.Second})
	done := make(chan struct{})
	go func() {
		handler(conn)
		close(done)
	}()

	return client, store, func() {
		client.Close()
		<-done
	}
}

func sendAndRead(t *testing.T, client net.Conn, r *bufio.Reader, cmd string) string {
	t.Helper()
	if _, err := client.Write([]byte(cmd)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	return line
}

func TestSetGetOverWire(t *testing.T) {
	client, _, cleanup := runSession(t)
	defer cleanup()
	r := bufio.NewReader(client)

	resp := sendAndRead(t, client, r, "set foo 0 0 3\r\nbar\r\n")
	if resp != "STORED\r\n" {
		t.Fatalf("set response = %q", resp)
	}

	client.Write([]byte("get foo\r\n"))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	header, _ := r.ReadString('\n')
	if header != "VALUE foo 0 3\r\n" {
		t.Fatalf("VALUE header = %q", header)
	}
	body, _ := r.ReadString('\n')
	if body != "bar\r\n" {
		t.Fatalf("body = %q", body)
	}
	end, _ := r.ReadString('\n')
	if end != "END\r\n" {
		t.Fatalf("end = %q", end)
	}
}

func TestGetMissReturnsEnd(t *testing.T) {
	client, _, cleanup := runSession(t)
	defer cleanup()
	r := bufio.NewReader(client)

	resp := sendAndRead(t, client, r, "get nope\r\n")
	if resp != "END\r\n" {
		t.Fatalf("response = %q, want END", resp)
	}
}

func TestIncrOverWire(t *testing.T) {
	client, _, cleanup := runSession(t)
	defer cleanup()
	r := bufio.NewReader(client)

	sendAndRead(t, client, r, "set n 0 0 1\r\n5\r\n")
	resp := sendAndRead(t, client, r, "incr n 10\r\n")
	if resp != "15\r\n" {
		t.Fatalf("incr response = %q", resp)
	}
}

func TestQuitClosesConnection(t *testing.T) {
	client, _, cleanup := runSession(t)
	defer cleanup()

	client.Write([]byte("quit\r\n"))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := client.Read(buf)
	if err == nil {
		t.Fatal("expected read to fail after quit closes the connection")
	}
}
