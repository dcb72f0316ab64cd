package transport

import (
	"net"
	"time"
)

// Fake is an in-memory transport.Pipe for exercising the exchange engine
// without opening real sockets, mirroring the injectable-function style
// of internal/netio/mock_test.go's MockPacketConn.
type Fake struct {
	closed bool

	// Inbox holds successive Receive payloads, consumed in order.
	Inbox [][]byte
	// Remotes, if non-nil, supplies the source address reported
	// alongside the Inbox entry at the same index; shorter than Inbox
	// is fine, remaining entries report a nil remote.
	Remotes []net.Addr
	// Outbox records every buffer passed to Send, in call order.
	Outbox [][]byte
	// Stale holds payloads consumed only by Drain, kept separate from
	// Inbox since a drain discards datagrams already sitting on the
	// wire, not the reply a subsequent retry is waiting to Receive.
	Stale [][]byte

	// SendFunc, if set, overrides Send's default (copy to Outbox,
	// report success).
	SendFunc func(buf []byte) (bool, error)
}

var _ Pipe = (*Fake)(nil)

// Send appends a copy of buf to Outbox, or defers to SendFunc if set.
// An empty buf is a no-op that succeeds without being recorded, as with
// Conn.Send.
func (f *Fake) Send(buf []byte, _ time.Duration) (bool, error) {
	if f.closed {
		return false, ErrClosed
	}
	if len(buf) == 0 {
		return true, nil
	}
	if f.SendFunc != nil {
		return f.SendFunc(buf)
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.Outbox = append(f.Outbox, cp)
	return true, nil
}

// Receive pops the next queued Inbox entry into buf. With an empty
// Inbox it reports (0, nil, false, nil), the same shape a real timeout
// produces.
func (f *Fake) Receive(buf []byte, _ time.Duration) (int, net.Addr, bool, error) {
	if f.closed {
		return 0, nil, false, ErrClosed
	}
	if len(f.Inbox) == 0 {
		return 0, nil, false, nil
	}

	next := f.Inbox[0]
	f.Inbox = f.Inbox[1:]
	n := copy(buf, next)

	var remote net.Addr
	if len(f.Remotes) > 0 {
		remote = f.Remotes[0]
		f.Remotes = f.Remotes[1:]
	}

	return n, remote, true, nil
}

// Drain discards all queued Stale entries and reports the bytes dropped.
func (f *Fake) Drain(_ time.Duration) int {
	total := 0
	for _, b := range f.Stale {
		total += len(b)
	}
	f.Stale = nil
	return total
}

// Close marks the fake closed; further calls report ErrClosed.
func (f *Fake) Close() error {
	f.closed = true
	return nil
}
