package exchange_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/eriksl/espif-go/internal/envelope"
	"github.com/eriksl/espif-go/internal/exchange"
	"github.com/eriksl/espif-go/internal/transport"
)

func TestProcessSucceedsFirstTry(t *testing.T) {
	t.Parallel()

	reply := envelope.Encapsulate(envelope.Packet{Data: []byte("OK flash-info size=4096\n")}, envelope.Options{})
	f := &transport.Fake{Inbox: [][]byte{reply}}

	re := regexp.MustCompile(`OK flash-info size=([0-9]+)`)

	res, err := exchange.Process(f, []byte("flash-info\n"), nil, re, exchange.Config{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Retries != 0 {
		t.Fatalf("retries = %d, want 0", res.Retries)
	}
	if len(res.Captures.Text) != 1 || res.Captures.Text[0] != "4096" {
		t.Fatalf("captures.text = %v", res.Captures.Text)
	}
	if len(res.Captures.Int) != 1 || res.Captures.Int[0] != 4096 {
		t.Fatalf("captures.int = %v", res.Captures.Int)
	}
	if len(f.Outbox) != 1 {
		t.Fatalf("expected exactly one send, got %d", len(f.Outbox))
	}
}

func TestProcessRetriesOnTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	good := envelope.Encapsulate(envelope.Packet{Data: []byte("OK\n")}, envelope.Options{})
	// First reply is garbage (fails decapsulation/completeness indefinitely
	// is avoided by making it a valid-but-short raw line); second is good.
	bad := []byte("ERR\n")

	f := &transport.Fake{Inbox: [][]byte{bad, good}}

	res, err := exchange.Process(f, []byte("cmd\n"), nil, regexp.MustCompile(`OK`), exchange.Config{
		InitialBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Retries != 1 {
		t.Fatalf("retries = %d, want 1", res.Retries)
	}
}

func TestProcessExhaustsAttempts(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{}

	_, err := exchange.Process(f, []byte("cmd\n"), nil, nil, exchange.Config{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
	})
	if err == nil {
		t.Fatalf("expected failure once attempts are exhausted")
	}
}

func TestProcessWithoutMatchAcceptsAnyReply(t *testing.T) {
	t.Parallel()

	reply := envelope.Encapsulate(envelope.Packet{Data: []byte("anything")}, envelope.Options{})
	f := &transport.Fake{Inbox: [][]byte{reply}}

	res, err := exchange.Process(f, []byte("cmd\n"), nil, nil, exchange.Config{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if string(res.Data) != "anything" {
		t.Fatalf("data = %q", res.Data)
	}
}
