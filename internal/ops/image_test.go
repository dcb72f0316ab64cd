package ops_test

import (
	"strconv"
	"testing"

	"github.com/eriksl/espif-go/internal/exchange"
	"github.com/eriksl/espif-go/internal/flash"
	"github.com/eriksl/espif-go/internal/ops"
	"github.com/eriksl/espif-go/internal/transport"
)

func TestImageToDisplayRunsFreezePlotFreezeSequence(t *testing.T) {
	t.Parallel()

	f := &transport.Fake{Inbox: [][]byte{
		reply("OK", nil), // freeze 10000 before
		reply("OK", nil), // display-plot
		reply("OK", nil), // freeze 0 after
		reply("OK", nil), // freeze timeout
	}}

	c := &ops.Client{Conn: f, Flash: &flash.Client{Conn: f, SectorSize: 4096}, SectorSize: 4096, Exchange: exchange.Config{}}

	pixels := []ops.Pixel{{R: 1, G: 1, B: 1}, {R: 0, G: 0, B: 0}}
	if err := c.Image(-1, pixels, 2, 1, 1, 500); err != nil {
		t.Fatalf("image: %v", err)
	}
}

func TestImageToFlashSlotWritesAtSlotBase(t *testing.T) {
	t.Parallel()

	pixels := make([]ops.Pixel, 8)
	for i := range pixels {
		pixels[i] = ops.Pixel{R: 1, G: 1, B: 1}
	}

	packed := []byte{0xff} // 8 monochrome pixels pack into a single 0xff byte
	padded := make([]byte, 4096)
	copy(padded, packed)
	for i := len(packed); i < len(padded); i++ {
		padded[i] = 0xff
	}
	want := sha1Hex(padded)

	expectSector := strconv.Itoa(0x200000 / 4096)
	f := &transport.Fake{Inbox: [][]byte{
		reply("OK flash-write: written mode 1, sector "+expectSector+", same 0, erased 1", nil),
		reply("OK flash-checksum: checksummed 1 sectors from sector "+expectSector+", checksum: "+want, nil),
	}}

	c := &ops.Client{Flash: &flash.Client{Conn: f, SectorSize: 4096}, SectorSize: 4096}

	if err := c.Image(0, pixels, 8, 1, 1, 0); err != nil {
		t.Fatalf("image: %v", err)
	}
}
