package ops_test

import (
	"testing"

	"github.com/eriksl/espif-go/internal/ops"
	"github.com/eriksl/espif-go/internal/transport"
)

func TestSendReturnsReplyText(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{Inbox: [][]byte{reply("OK stats", nil)}}
	c := &ops.Client{Conn: f}

	got, err := c.Send("stats", false)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got != "OK stats" {
		t.Fatalf("got %q", got)
	}
}

func TestSendDontwaitSuppressesReplyText(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{Inbox: [][]byte{reply("OK stats", nil)}}
	c := &ops.Client{Conn: f}

	got, err := c.Send("stats", true)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
