package envelope_test

import (
	"testing"

	"github.com/eriksl/espif-go/internal/envelope"
)

func TestCompleteEmptyIsIncomplete(t *testing.T) {
	t.Parallel()

	if envelope.Complete(nil) {
		t.Fatalf("empty buffer must be incomplete")
	}
}

func TestCompleteFramedGrowsMonotonically(t *testing.T) {
	t.Parallel()

	full := envelope.Encapsulate(envelope.Packet{Data: []byte("flash-checksum 0 10")}, envelope.Options{
		ProvideChecksum: true,
	})

	for n := 0; n < len(full); n++ {
		if envelope.Complete(full[:n]) {
			t.Fatalf("prefix of length %d (of %d) reported complete early", n, len(full))
		}
	}

	if !envelope.Complete(full) {
		t.Fatalf("full framed buffer reported incomplete")
	}
}

func TestCompleteRawShortLine(t *testing.T) {
	t.Parallel()

	if envelope.Complete([]byte("partial")) {
		t.Fatalf("line without trailing newline must be incomplete")
	}
	if !envelope.Complete([]byte("ok\n")) {
		t.Fatalf("short newline-terminated line must be complete")
	}
}

func TestCompleteRawSafetyNet(t *testing.T) {
	t.Parallel()

	big := make([]byte, 5000)
	for i := range big {
		big[i] = 'x'
	}
	// No trailing newline, but past the safety net length: accepted to
	// unblock a peer that never terminates its raw reply (spec.md §9).
	if !envelope.Complete(big) {
		t.Fatalf("oversized raw buffer past the safety net must be accepted")
	}
}
