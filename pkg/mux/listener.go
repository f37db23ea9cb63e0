package mux

import (
	"fmt"
	"net"
)

// Listener is an immutable {bind_addr, bind_port, user_data} tuple
// owned by the multiplexer until teardown.
type Listener struct {
	Addr     string
	Port     int
	UserData any

	tcp *net.TCPListener
}

// Listen binds a TCP listener. Binding port 0 yields a concrete
// non-zero port, readable back from the returned Listener.
func Listen(addr string, port int, userData any) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %s:%d: %w", addr, port, err)
	}
	tl, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s:%d: %w", addr, port, err)
	}
	boundPort := tl.Addr().(*net.TCPAddr).Port
	return &Listener{Addr: addr, Port: boundPort, UserData: userData, tcp: tl}, nil
}

// Close closes the underlying descriptor. Safe to call multiple times.
func (l *Listener) Close() error {
	if l.tcp == nil {
		return nil
	}
	return l.tcp.Close()
}
