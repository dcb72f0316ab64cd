package transport_test

import (
	"net"
	"testing"
	"time"
)

// udpLoopback is a bare net.UDPConn standing in for the target device in
// tests, so transport.Conn's client-side send path can be exercised
// without a real espif-speaking peer.
type udpLoopback struct {
	conn *net.UDPConn
	port uint16
}

func newUDPLoopback(t *testing.T) (*udpLoopback, error) {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		return nil, err
	}

	//nolint:forcetypeassert // ListenUDP on udp4 always yields a *net.UDPAddr LocalAddr.
	port := conn.LocalAddr().(*net.UDPAddr).Port

	return &udpLoopback{conn: conn, port: uint16(port)}, nil //nolint:gosec // test-only ephemeral port
}

func (l *udpLoopback) recv(t *testing.T, timeout time.Duration) []byte {
	t.Helper()

	buf := make([]byte, 4096)
	if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	n, _, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return buf[:n]
}

func (l *udpLoopback) Close() error {
	return l.conn.Close()
}
