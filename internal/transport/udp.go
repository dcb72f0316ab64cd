package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func dialUDP(cfg Config, logger *slog.Logger) (*Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve udp %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	conn, err := net.DialUDP("udp4", localUDPAddr(cfg.LocalPort), raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: udp dial %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return &Conn{cfg: cfg, logger: logger, stream: conn, remote: raddr, metrics: cfg.Metrics}, nil
}

// dialMulticast joins the discovery multicast group 239.255.255.<host>
// (original_source/generic_socket.cpp), with IP_MULTICAST_TTL=3 and
// IP_MULTICAST_LOOP disabled so a host never hears its own burst.
func dialMulticast(cfg Config, logger *slog.Logger) (*Conn, error) {
	group := fmt.Sprintf("239.255.255.%s", cfg.Host)
	raddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", group, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve multicast group %s:%d: %w", group, cfg.Port, err)
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return controlErr(c, func(fd int) error {
				return setMulticastOpts(fd)
			})
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.LocalPort))
	if err != nil {
		return nil, fmt.Errorf("transport: multicast listen: %w", err)
	}

	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("transport: multicast listen: unexpected conn type %T", pc)
	}

	if err := joinMulticastGroup(udpConn, raddr.IP); err != nil {
		_ = udpConn.Close()
		return nil, err
	}

	return &Conn{cfg: cfg, logger: logger, packet: udpConn, remote: raddr, metrics: cfg.Metrics}, nil
}

// dialBroadcast opens a UDP socket with SO_BROADCAST set, for directly
// targeting a subnet broadcast address (original's `broadcast` flag).
func dialBroadcast(cfg Config, logger *slog.Logger) (*Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve broadcast %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return controlErr(c, func(fd int) error {
				return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.LocalPort))
	if err != nil {
		return nil, fmt.Errorf("transport: broadcast listen: %w", err)
	}

	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("transport: broadcast listen: unexpected conn type %T", pc)
	}

	return &Conn{cfg: cfg, logger: logger, packet: udpConn, remote: raddr, metrics: cfg.Metrics}, nil
}

func localUDPAddr(port uint16) *net.UDPAddr {
	if port == 0 {
		return nil
	}
	return &net.UDPAddr{Port: int(port)}
}

// setMulticastOpts applies IP_MULTICAST_TTL and IP_MULTICAST_LOOP on fd,
// matching GenericSocket::connect's multicast branch exactly.
func setMulticastOpts(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, multicastTTL); err != nil {
		return fmt.Errorf("set IP_MULTICAST_TTL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, 0); err != nil {
		return fmt.Errorf("set IP_MULTICAST_LOOP: %w", err)
	}
	return nil
}

// joinMulticastGroup issues IP_ADD_MEMBERSHIP for group on conn's fd.
func joinMulticastGroup(conn *net.UDPConn, group net.IP) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("transport: multicast syscall conn: %w", err)
	}

	return controlErr(rc, func(fd int) error {
		mreq := &unix.IPMreq{}
		copy(mreq.Multiaddr[:], group.To4())
		// imr_interface left as INADDR_ANY, matching the original.
		if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
			return fmt.Errorf("set IP_ADD_MEMBERSHIP(%s): %w", group, err)
		}
		return nil
	})
}

// controlErr adapts the common "run fn(fd) inside RawConn.Control" idiom
// used throughout internal/netio/rawsock_linux.go.
func controlErr(c syscall.RawConn, fn func(fd int) error) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: kernel fd, always small and positive.
		opErr = fn(int(fd))
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return opErr
}
