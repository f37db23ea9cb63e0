package mux

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
)

// echoHandler reads one line and writes it back, then destroys the
// connection — just enough protocol to exercise the pool end to end.
func echoHandler(conn *Conn) {
	defer conn.Destroy()
	r := bufio.NewReader(conn.Net)
	line, err := r.ReadString('\n')
	if err != nil {
		conn.IncrFailedCommands()
		return
	}
	conn.IncrCommands()
	conn.Touch()
	_, _ = conn.Net.Write([]byte(line))
}

func newEchoConn(netConn net.Conn, peerAddr string, userData any) (*Conn, error) {
	c := NewConn(netConn, peerAddr)
	c.MarkInitialized()
	return c, nil
}

func TestMuxEchoRoundTrip(t *testing.T) {
	m, err := New(Config{
		Service:    "test-echo",
		ListenAddr: "127.0.0.1",
		ListenPort: 0,
		MinWorkers: 2,
		MaxWorkers: 4,
		QueueSize:  8,
	}, nil, echoHandler, newEchoConn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Start()
	defer m.Stop()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(m.Port())))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if reply != "hello\n" {
		t.Fatalf("reply = %q, want %q", reply, "hello\n")
	}
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	blockCh := make(chan struct{})
	pool := NewPool(PoolConfig{
		Service:     "test-full",
		MinWorkers:  1,
		MaxWorkers:  1,
		QueueSize:   1,
		IdleTimeout: time.Second,
	}, func(conn *Conn) {
		<-blockCh
	})
	defer func() {
		close(blockCh)
		pool.Stop()
	}()

	dialed := make([]*Conn, 0, 3)
	for i := 0; i < 3; i++ {
		c1, c2 := net.Pipe()
		_ = c2
		conn := NewConn(c1, "test")
		dialed = append(dialed, conn)
	}

	var rejected int
	for _, conn := range dialed {
		if err := pool.Submit(conn); err != nil {
			rejected++
			_ = conn.Destroy()
		}
	}
	if rejected == 0 {
		t.Fatal("expected at least one submission to be rejected once queue and in-flight worker fill up")
	}
}

func TestPoolReplacePreservesWorkerID(t *testing.T) {
	pool := NewPool(PoolConfig{
		Service:     "test-replace",
		MinWorkers:  1,
		MaxWorkers:  1,
		QueueSize:   1,
		IdleTimeout: time.Minute,
	}, func(conn *Conn) {})
	defer pool.Stop()

	before := pool.snapshot()
	if len(before) != 1 {
		t.Fatalf("expected 1 worker after construction, got %d", len(before))
	}
	oldID := before[0].id

	pool.replace(oldID)

	after := pool.snapshot()
	if len(after) != 1 {
		t.Fatalf("expected pool size to stay at 1 after replace, got %d", len(after))
	}
	if after[0].id != oldID {
		t.Fatalf("replace changed worker_id: got %s, want %s preserved", after[0].id, oldID)
	}
}

func TestPoolMaybeGrowRequiresAllWorkersBusy(t *testing.T) {
	pool := &Pool{
		cfg:     PoolConfig{Service: "test-grow", MinWorkers: 1, MaxWorkers: 2, IdleTimeout: time.Minute},
		handler: func(conn *Conn) {},
		queue:   make(chan *Conn, 4),
		workers: make(map[string]*workerRecord),
	}
	pool.running.Store(true)
	defer pool.Stop()

	idle := newWorkerRecord(uuid.NewString())
	pool.workers[idle.id] = idle

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	conn := NewConn(c1, "test")
	for i := 0; i < 3; i++ {
		pool.queue <- conn
	}

	pool.maybeGrow()
	if len(pool.workers) != 1 {
		t.Fatalf("expected no growth while the only worker is idle, got %d workers", len(pool.workers))
	}

	idle.busy.Store(true)
	pool.maybeGrow()
	if len(pool.workers) != 2 {
		t.Fatalf("expected growth once the existing worker is busy, got %d workers", len(pool.workers))
	}
}
