package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/eriksl/espif-go/internal/transport"
)

func TestUDPSendDeliversToPeer(t *testing.T) {
	t.Parallel()

	ln, err := newUDPLoopback(t)
	if err != nil {
		t.Fatalf("loopback listener: %v", err)
	}
	defer ln.Close()

	client, err := transport.Dial(context.Background(), transport.Config{
		Mode: transport.ModeUDP, Host: "127.0.0.1", Port: ln.port,
	}, nil)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	defer client.Close()

	ok, err := client.Send([]byte("flash-info\n"), time.Second)
	if err != nil || !ok {
		t.Fatalf("send: ok=%v err=%v", ok, err)
	}

	got := ln.recv(t, time.Second)
	if string(got) != "flash-info\n" {
		t.Fatalf("server got %q", got)
	}
}

func TestSendEmptyBufferIsNoop(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{}
	ok, err := f.Send(nil, time.Second)
	if err != nil || !ok {
		t.Fatalf("empty send: ok=%v err=%v", ok, err)
	}
	if len(f.Outbox) != 0 {
		t.Fatalf("expected no outbox entries for empty send")
	}
}

func TestFakeReceiveTimeoutShape(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{}
	n, remote, ok, err := f.Receive(make([]byte, 16), 10*time.Millisecond)
	if err != nil || ok || n != 0 || remote != nil {
		t.Fatalf("empty inbox receive = (%d, %v, %v, %v)", n, remote, ok, err)
	}
}

func TestFakeDrainDiscardsQueuedReplies(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{Stale: [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}}
	n := f.Drain(time.Millisecond)
	if n != 6 {
		t.Fatalf("drained %d bytes, want 6", n)
	}
	if len(f.Stale) != 0 {
		t.Fatalf("expected stale backlog drained, got %d left", len(f.Stale))
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{}
	_ = f.Close()

	if _, err := f.Send([]byte("x"), time.Second); err == nil {
		t.Fatalf("expected error sending on a closed pipe")
	}
}
