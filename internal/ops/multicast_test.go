package ops_test

import (
	"context"
	"net"
	"testing"

	"github.com/eriksl/espif-go/internal/ops"
	"github.com/eriksl/espif-go/internal/transport"
)

func udpAddr(ip string) net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 24}
}

func TestMulticastBucketsRepliesByHost(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{
		Inbox: [][]byte{
			reply("pong", nil),
			reply("pong", nil),
			reply("pong", nil),
		},
		Remotes: []net.Addr{
			udpAddr("10.0.0.1"),
			udpAddr("10.0.0.2"),
			udpAddr("10.0.0.1"),
		},
	}

	c := &ops.Client{Conn: f, SectorSize: 4096}

	result, err := c.Multicast(context.Background(), "ping", 1)
	if err != nil {
		t.Fatalf("multicast: %v", err)
	}

	if result.Probes != 1 {
		t.Fatalf("probes = %d", result.Probes)
	}
	if result.Replies != 3 {
		t.Fatalf("replies = %d", result.Replies)
	}
	if len(result.Hosts) != 2 {
		t.Fatalf("hosts = %+v", result.Hosts)
	}

	byIP := map[string]ops.MulticastHost{}
	for _, h := range result.Hosts {
		byIP[h.IP] = h
	}
	if byIP["10.0.0.1"].Count != 2 {
		t.Fatalf("10.0.0.1 count = %d", byIP["10.0.0.1"].Count)
	}
	if byIP["10.0.0.2"].Count != 1 {
		t.Fatalf("10.0.0.2 count = %d", byIP["10.0.0.2"].Count)
	}
}

func TestMulticastWithNoRepliesReportsZeroHosts(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{}
	c := &ops.Client{Conn: f, SectorSize: 4096}

	result, err := c.Multicast(context.Background(), "ping", 2)
	if err != nil {
		t.Fatalf("multicast: %v", err)
	}
	if result.Probes != 2 {
		t.Fatalf("probes = %d", result.Probes)
	}
	if len(result.Hosts) != 0 {
		t.Fatalf("expected no hosts, got %+v", result.Hosts)
	}
}
