// Package transport implements the socket layer carrying espif envelopes
// to and from the target: a plain TCP stream, a connected UDP datagram
// socket, or a UDP multicast/broadcast socket used for discovery.
//
// Grounded on internal/netio/sender.go and internal/netio/rawsock_linux.go
// (functional-options constructor, golang.org/x/sys/unix socket-option
// plumbing via syscall.RawConn.Control) and, for the exact poll/timeout
// semantics being reproduced, original_source/generic_socket.cpp.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/eriksl/espif-go/internal/metrics"
)

var _ Pipe = (*Conn)(nil)

// ErrClosed is returned by Send/Receive/Drain once the connection has
// been closed.
var ErrClosed = errors.New("transport: connection closed")

// Mode selects the socket family/discipline used to reach the target.
type Mode int

const (
	// ModeTCP opens a connected, non-blocking TCP stream.
	ModeTCP Mode = iota
	// ModeUDP opens a connected UDP datagram socket.
	ModeUDP
	// ModeMulticast opens a UDP socket joined to the discovery multicast
	// group, 239.255.255.<host> (original_source/generic_socket.cpp).
	ModeMulticast
	// ModeBroadcast opens a UDP socket with SO_BROADCAST set, for
	// targeting a subnet broadcast address directly.
	ModeBroadcast
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeTCP:
		return "tcp"
	case ModeUDP:
		return "udp"
	case ModeMulticast:
		return "multicast"
	case ModeBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// tcpConnectTimeout bounds the non-blocking TCP connect handshake,
// matching the 500ms poll(2) timeout in GenericSocket::connect.
const tcpConnectTimeout = 500 * time.Millisecond

// multicastTTL is the IP_MULTICAST_TTL value joined discovery sockets
// use, letting a discovery burst cross up to 3 router hops.
const multicastTTL = 3

// Config configures a Conn.
type Config struct {
	Mode Mode
	// Host is the bare hostname/address; for ModeMulticast it is
	// combined into 239.255.255.<host> by Dial, mirroring the
	// original's host-suffix scheme.
	Host string
	// Port is the numeric service port.
	Port uint16
	// LocalPort, if non-zero, binds the local UDP endpoint to a fixed
	// source port (used so multicast replies can be correlated back to
	// a single listening socket).
	LocalPort uint16
	// Metrics, if non-nil, records every genuine Send/Receive error this
	// connection hits.
	Metrics *metrics.Collector
}

// Pipe is the subset of Conn's behavior the exchange engine depends on.
// Tests substitute a fake Pipe (see Fake in fake.go) in
// place of real sockets, the way internal/netio/mock_test.go's
// MockPacketConn stands in for a kernel socket.
type Pipe interface {
	Send(buf []byte, timeout time.Duration) (bool, error)
	Receive(buf []byte, timeout time.Duration) (n int, remote net.Addr, ok bool, err error)
	Drain(timeout time.Duration) int
	Close() error
}

// Conn is a single logical connection to (or discovery rendezvous with)
// a target, wrapping a net.Conn/net.PacketConn plus the poll-style
// Send/Receive/Drain API the exchange engine is built around.
type Conn struct {
	cfg    Config
	logger *slog.Logger

	stream net.Conn   // set for ModeTCP and ModeUDP
	packet net.PacketConn // set for ModeMulticast and ModeBroadcast
	remote net.Addr   // fixed peer for ModeUDP; multicast group for discovery

	metrics *metrics.Collector
	closed  bool
}

// Dial opens a Conn per cfg. The context bounds only the TCP connect;
// the UDP modes do not consult it. Send/Receive/Drain take their own
// per-call timeouts.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "transport"), slog.String("mode", cfg.Mode.String()))

	switch cfg.Mode {
	case ModeTCP:
		return dialTCP(ctx, cfg, logger)
	case ModeUDP:
		return dialUDP(cfg, logger)
	case ModeMulticast:
		return dialMulticast(cfg, logger)
	case ModeBroadcast:
		return dialBroadcast(cfg, logger)
	default:
		return nil, fmt.Errorf("transport: unknown mode %v", cfg.Mode)
	}
}

func dialTCP(ctx context.Context, cfg Config, logger *slog.Logger) (*Conn, error) {
	d := net.Dialer{Timeout: tcpConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp4", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("transport: tcp connect %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Conn{cfg: cfg, logger: logger, stream: conn, metrics: cfg.Metrics}, nil
}

// recordError notifies cfg.Metrics of a genuine (non-timeout) Send or
// Receive failure, if configured (SPEC_FULL.md §4.J).
func (c *Conn) recordError() {
	if c.metrics != nil {
		c.metrics.RecordTransportError(c.cfg.Mode.String())
	}
}

// Close releases the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.stream != nil {
		return c.stream.Close()
	}
	if c.packet != nil {
		return c.packet.Close()
	}
	return nil
}

// Mode reports the connection's transport discipline.
func (c *Conn) Mode() Mode { return c.cfg.Mode }
