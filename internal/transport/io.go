package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// drainPacketBufSize and drainMaxPackets bound Drain's read loop,
// matching GenericSocket::drain's drain_packets_buffer_size/drain_packets.
const (
	drainPacketBufSize = 4 * 4096
	drainMaxPackets    = 16
)

// Send writes buf to the peer, blocking at most timeout. It returns
// (false, nil) if the deadline elapses before the write completes, and
// reports true only once all of buf has been accepted by the kernel.
//
// An empty buf is a no-op that always succeeds, matching
// GenericSocket::send's explicit "send: empty buffer" short-circuit.
func (c *Conn) Send(buf []byte, timeout time.Duration) (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	if len(buf) == 0 {
		return true, nil
	}

	deadline := time.Now().Add(timeout)

	var (
		n   int
		err error
	)
	switch {
	case c.stream != nil:
		if setErr := c.stream.SetWriteDeadline(deadline); setErr != nil {
			c.recordError()
			return false, fmt.Errorf("transport: set write deadline: %w", setErr)
		}
		n, err = c.stream.Write(buf)
	case c.packet != nil:
		if setErr := c.packet.SetWriteDeadline(deadline); setErr != nil {
			c.recordError()
			return false, fmt.Errorf("transport: set write deadline: %w", setErr)
		}
		n, err = c.packet.WriteTo(buf, c.remote)
	default:
		c.recordError()
		return false, fmt.Errorf("transport: %w", ErrClosed)
	}

	if err != nil {
		if isTimeout(err) {
			return false, nil
		}
		c.recordError()
		return false, fmt.Errorf("transport: send: %w", err)
	}

	return n == len(buf), nil
}

// Receive reads up to len(buf) bytes (UDP: one datagram; TCP: whatever
// arrives) into buf, blocking at most timeout. On success remote is the
// sending address: the fixed peer for TCP/UDP, the replying host for
// multicast/broadcast discovery.
//
// A timeout or a zero-byte read reports (0, nil, false, nil). Any other
// read failure, including an orderly TCP peer shutdown (io.EOF), is
// returned as an error and counted in Metrics.
func (c *Conn) Receive(buf []byte, timeout time.Duration) (n int, remote net.Addr, ok bool, err error) {
	if c.closed {
		return 0, nil, false, ErrClosed
	}

	deadline := time.Now().Add(timeout)

	switch {
	case c.stream != nil:
		if setErr := c.stream.SetReadDeadline(deadline); setErr != nil {
			c.recordError()
			return 0, nil, false, fmt.Errorf("transport: set read deadline: %w", setErr)
		}
		n, err = c.stream.Read(buf)
		remote = c.stream.RemoteAddr()
	case c.packet != nil:
		if setErr := c.packet.SetReadDeadline(deadline); setErr != nil {
			c.recordError()
			return 0, nil, false, fmt.Errorf("transport: set read deadline: %w", setErr)
		}
		n, remote, err = c.packet.ReadFrom(buf)
	default:
		c.recordError()
		return 0, nil, false, fmt.Errorf("transport: %w", ErrClosed)
	}

	if err != nil {
		if isTimeout(err) || errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, nil, false, nil
		}
		c.recordError()
		return 0, nil, false, fmt.Errorf("transport: receive: %w", err)
	}

	if n <= 0 {
		return 0, nil, false, nil
	}

	return n, remote, true, nil
}

// Drain discards up to drainMaxPackets pending reads, each bounded by
// timeout, returning the total bytes discarded. It never returns an
// error: a malformed or absent drain is inconsequential, matching
// GenericSocket::drain's noexcept signature.
func (c *Conn) Drain(timeout time.Duration) int {
	if c.closed {
		return 0
	}

	buf := make([]byte, drainPacketBufSize)
	total := 0

	for range drainMaxPackets {
		n, _, ok, err := c.Receive(buf, timeout)
		if err != nil || !ok {
			break
		}
		total += n
	}

	return total
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
