package ops_test

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // test digest only
	"testing"

	"github.com/eriksl/espif-go/internal/envelope"
	"github.com/eriksl/espif-go/internal/flash"
	"github.com/eriksl/espif-go/internal/ops"
	"github.com/eriksl/espif-go/internal/textutil"
	"github.com/eriksl/espif-go/internal/transport"
)

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec // test digest only
	return textutil.SHA1Hex(sum[:])
}

func reply(text string, oob []byte) []byte {
	return envelope.Encapsulate(envelope.Packet{Data: []byte(text), OOB: oob}, envelope.Options{})
}

type bufWriter struct {
	buf bytes.Buffer
}

func (w *bufWriter) WriteSector(data []byte) error {
	_, err := w.buf.Write(data)
	return err
}

func TestReadStreamsAndVerifiesChecksum(t *testing.T) {
	t.Parallel()

	sectorA := bytes.Repeat([]byte{0x11}, 4096)
	sectorB := bytes.Repeat([]byte{0x22}, 4096)
	want := sha1Hex(append(append([]byte{}, sectorA...), sectorB...))

	f := &transport.Fake{Inbox: [][]byte{
		reply("OK flash-read: read sector 0", sectorA),
		reply("OK flash-read: read sector 1", sectorB),
		reply("OK flash-checksum: checksummed 2 sectors from sector 0, checksum: "+want, nil),
	}}

	c := &ops.Client{
		Flash:      &flash.Client{Conn: f, SectorSize: 4096},
		SectorSize: 4096,
	}

	var w bufWriter
	var lastProgress ops.Progress
	err := c.Read(&w, 0, 2, func(p ops.Progress) { lastProgress = p })
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(w.buf.Bytes(), append(append([]byte{}, sectorA...), sectorB...)) {
		t.Fatalf("written data mismatch")
	}
	if lastProgress.SectorsDone != 2 || lastProgress.SectorsTotal != 2 {
		t.Fatalf("progress = %+v", lastProgress)
	}
	if lastProgress.Percent() != 100 {
		t.Fatalf("percent = %v", lastProgress.Percent())
	}
}

func TestReadChecksumMismatchIsHard(t *testing.T) {
	t.Parallel()

	sector := bytes.Repeat([]byte{0x33}, 4096)
	f := &transport.Fake{Inbox: [][]byte{
		reply("OK flash-read: read sector 0", sector),
		reply("OK flash-checksum: checksummed 1 sectors from sector 0, checksum: 0000000000000000000000000000000000000000", nil),
	}}

	c := &ops.Client{Flash: &flash.Client{Conn: f, SectorSize: 4096}, SectorSize: 4096}

	var w bufWriter
	if err := c.Read(&w, 0, 1, nil); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}

func TestWritePadsShortTrailingSector(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0xab}, 10)
	padded := make([]byte, 4096)
	for i := range padded {
		padded[i] = 0xff
	}
	copy(padded, data)
	want := sha1Hex(padded)

	f := &transport.Fake{Inbox: [][]byte{
		reply("OK flash-write: written mode 1, sector 5, same 0, erased 1", nil),
		reply("OK flash-checksum: checksummed 1 sectors from sector 5, checksum: "+want, nil),
	}}

	c := &ops.Client{Flash: &flash.Client{Conn: f, SectorSize: 4096}, SectorSize: 4096}

	counters, err := c.Write(data, 5, false, nil)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if counters.Written != 1 || counters.Erased != 1 {
		t.Fatalf("counters = %+v", counters)
	}
}

func TestVerifyDetectsMismatch(t *testing.T) {
	t.Parallel()

	local := bytes.Repeat([]byte{0x01}, 4096)
	remote := bytes.Repeat([]byte{0x02}, 4096)

	f := &transport.Fake{Inbox: [][]byte{
		reply("OK flash-read: read sector 2", remote),
	}}

	c := &ops.Client{Flash: &flash.Client{Conn: f, SectorSize: 4096}, SectorSize: 4096}

	if err := c.Verify(local, 2); err == nil {
		t.Fatalf("expected verify mismatch")
	}
}

func TestVerifyAcceptsMatchingSector(t *testing.T) {
	t.Parallel()

	local := bytes.Repeat([]byte{0x09}, 4096)

	f := &transport.Fake{Inbox: [][]byte{
		reply("OK flash-read: read sector 2", local),
	}}

	c := &ops.Client{Flash: &flash.Client{Conn: f, SectorSize: 4096}, SectorSize: 4096}

	if err := c.Verify(local, 2); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
