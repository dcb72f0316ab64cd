package flash_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/eriksl/espif-go/internal/envelope"
	"github.com/eriksl/espif-go/internal/flash"
	"github.com/eriksl/espif-go/internal/transport"
)

func reply(text string, oob []byte) []byte {
	return envelope.Encapsulate(envelope.Packet{Data: []byte(text), OOB: oob}, envelope.Options{})
}

func TestReadSectorSuccess(t *testing.T) {
	t.Parallel()

	sector := bytes.Repeat([]byte{0x42}, 4096)
	f := &transport.Fake{Inbox: [][]byte{
		reply("OK flash-read: read sector 7", sector),
	}}

	c := &flash.Client{Conn: f, SectorSize: 4096}
	data, retries, err := c.ReadSector(7)
	if err != nil {
		t.Fatalf("read sector: %v", err)
	}
	if retries != 0 {
		t.Fatalf("retries = %d", retries)
	}
	if !bytes.Equal(data, sector) {
		t.Fatalf("data mismatch")
	}
}

func TestReadSectorShortOOBIsTransientThenHard(t *testing.T) {
	t.Parallel()

	short := bytes.Repeat([]byte{0x42}, 10)
	f := &transport.Fake{Inbox: [][]byte{
		reply("OK flash-read: read sector 7", short),
		reply("OK flash-read: read sector 7", short),
		reply("OK flash-read: read sector 7", short),
		reply("OK flash-read: read sector 7", short),
	}}

	c := &flash.Client{Conn: f, SectorSize: 4096}
	if _, _, err := c.ReadSector(7); err == nil {
		t.Fatalf("expected hard failure on persistently short OOB")
	}
}

func TestReadSectorWrongEchoedSector(t *testing.T) {
	t.Parallel()

	sector := bytes.Repeat([]byte{0x42}, 4096)
	// All four attempts echo the wrong sector, exhausting retries.
	inbox := make([][]byte, 0, 4)
	for range 4 {
		inbox = append(inbox, reply("OK flash-read: read sector 9", sector))
	}
	f := &transport.Fake{Inbox: inbox}

	c := &flash.Client{Conn: f, SectorSize: 4096}
	if _, _, err := c.ReadSector(7); err == nil {
		t.Fatalf("expected failure on mismatched echoed sector")
	}
}

func TestWriteSectorWrittenAndErased(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{Inbox: [][]byte{
		reply("OK flash-write: written mode 1, sector 3, same 0, erased 1", nil),
	}}

	c := &flash.Client{Conn: f, SectorSize: 4096}
	counters, _, err := c.WriteSector(3, bytes.Repeat([]byte{0xff}, 4096), false)
	if err != nil {
		t.Fatalf("write sector: %v", err)
	}
	if counters.Written != 1 || counters.Erased != 1 || counters.Skipped != 0 {
		t.Fatalf("counters = %+v", counters)
	}
}

func TestWriteSectorSameIsSkipped(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{Inbox: [][]byte{
		reply("OK flash-write: written mode 0, sector 3, same 1, erased 0", nil),
	}}

	c := &flash.Client{Conn: f, SectorSize: 4096}
	counters, _, err := c.WriteSector(3, bytes.Repeat([]byte{0xff}, 4096), true)
	if err != nil {
		t.Fatalf("write sector: %v", err)
	}
	if counters.Skipped != 1 || counters.Written != 0 {
		t.Fatalf("counters = %+v", counters)
	}
}

func TestGetChecksum(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{Inbox: [][]byte{
		reply("OK flash-checksum: checksummed 4 sectors from sector 10, checksum: deadbeef00112233445566778899aabbccddeeff", nil),
	}}

	c := &flash.Client{Conn: f}
	sum, err := c.GetChecksum(10, 4)
	if err != nil {
		t.Fatalf("get checksum: %v", err)
	}
	if sum != "deadbeef00112233445566778899aabbccddeeff" {
		t.Fatalf("checksum = %q", sum)
	}
}

func TestFlashInfo(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{Inbox: [][]byte{
		reply("OK flash function available, slots: 2, current: 0, sectors: [ 512 640 ], display: 320x240px@16", nil),
	}}

	c := &flash.Client{Conn: f}
	info, err := c.Info()
	if err != nil {
		t.Fatalf("flash info: %v", err)
	}
	if info.CurrentSlot != 0 || info.SlotSector != [2]int{512, 640} || info.DimX != 320 || info.DimY != 240 || info.Depth != 16 {
		t.Fatalf("info = %+v", info)
	}
}

func TestCommitOTAWithoutReset(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{Inbox: [][]byte{
		reply("OK flash-select: slot 1 selected, sector 512, permanent 1", nil),
		reply("stats > firmware > date: 2026 01 01 00 00 00", nil),
	}}

	c := &flash.Client{Conn: f}
	res, err := c.CommitOTA(context.Background(), 1, 512, false, true, nil)
	if err != nil {
		t.Fatalf("commit ota: %v", err)
	}
	if res.FirmwareDate != "2026 01 01 00 00 00" {
		t.Fatalf("firmware date = %q", res.FirmwareDate)
	}
}

func TestCommitOTAWithResetReconnectsAndPromotes(t *testing.T) {
	t.Parallel()

	first := &transport.Fake{Inbox: [][]byte{
		reply("OK flash-select: slot 1 selected, sector 512, permanent 0", nil),
	}}

	second := &transport.Fake{Inbox: [][]byte{
		reply("OK flash function available, slots: 2, current: 0, sectors: [ 512 640 ], display: 1x1px@1", nil),
		reply("OK flash function available, slots: 2, current: 1, sectors: [ 512 640 ], display: 1x1px@1", nil),
		reply("OK flash-select: slot 1 selected, sector 512, permanent 1", nil),
		reply("stats > firmware > date: 2026 01 01 00 00 00", nil),
	}}

	c := &flash.Client{Conn: first}
	reconnected := false
	res, err := c.CommitOTA(context.Background(), 1, 512, true, false, func(_ context.Context) (transport.Pipe, error) {
		reconnected = true
		return second, nil
	})
	if err != nil {
		t.Fatalf("commit ota: %v", err)
	}
	if !reconnected {
		t.Fatalf("expected reconnect")
	}
	if res.FirmwareDate != "2026 01 01 00 00 00" {
		t.Fatalf("firmware date = %q", res.FirmwareDate)
	}
}
