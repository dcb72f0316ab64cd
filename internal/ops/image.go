package ops

import (
	"fmt"

	"github.com/eriksl/espif-go/internal/exchange"
	"github.com/eriksl/espif-go/internal/xerr"
)

// Pixel holds one normalized (0.0-1.0) RGB sample, the caller-supplied
// pixel already decoded from whatever image format was loaded — image
// decoding itself is out of scope (spec.md §1 Non-goals).
type Pixel struct {
	R, G, B float64
}

// packPixels renders pixels into the device's framebuffer encoding for
// depth (spec.md §4.E): 1 bpp thresholded monochrome, RGB565, or 8:8:8.
func packPixels(pixels []Pixel, depth int) ([]byte, error) {
	switch depth {
	case 1:
		return packMono(pixels), nil
	case 16:
		return packRGB565(pixels), nil
	case 24:
		return packRGB888(pixels), nil
	default:
		return nil, xerr.Hardf("ops: image: unsupported depth %d", depth)
	}
}

// packMono packs one bit per pixel, MSB-first, set when (r+g+b) > 1.5.
func packMono(pixels []Pixel) []byte {
	out := make([]byte, (len(pixels)+7)/8)
	for i, p := range pixels {
		if p.R+p.G+p.B > 1.5 {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

// packRGB565 packs 5:6:5 bits per channel into a big-endian uint16 per
// pixel.
func packRGB565(pixels []Pixel) []byte {
	out := make([]byte, len(pixels)*2)
	for i, p := range pixels {
		r := clampChannel(p.R, 31)
		g := clampChannel(p.G, 63)
		b := clampChannel(p.B, 31)
		v := uint16(r)<<11 | uint16(g)<<5 | uint16(b)
		out[i*2] = byte(v >> 8)
		out[i*2+1] = byte(v)
	}
	return out
}

// packRGB888 packs one byte per channel, in R,G,B order.
func packRGB888(pixels []Pixel) []byte {
	out := make([]byte, len(pixels)*3)
	for i, p := range pixels {
		out[i*3] = byte(clampChannel(p.R, 255))
		out[i*3+1] = byte(clampChannel(p.G, 255))
		out[i*3+2] = byte(clampChannel(p.B, 255))
	}
	return out
}

func clampChannel(v float64, max int) int {
	n := int(v*float64(max) + 0.5)
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}

// flashSlotBase mirrors the original's fixed OTA slot base addresses.
var flashSlotBase = [2]int{0x200000, 0x280000}

// Image renders pixels at depth and uploads them either to the live
// display framebuffer (slot < 0, via display-plot/display-freeze) or
// into a flash OTA slot's image region (slot in {0,1}), per spec.md
// §4.E.
func (c *Client) Image(slot int, pixels []Pixel, dimX, dimY, depth, timeoutMS int) error {
	packed, err := packPixels(pixels, depth)
	if err != nil {
		return err
	}

	if slot < 0 {
		return c.imageToDisplay(packed, dimX, dimY, timeoutMS)
	}
	if slot > 1 {
		return xerr.Hardf("ops: image: invalid slot %d", slot)
	}

	startSector := flashSlotBase[slot] / c.SectorSize
	_, err = c.Write(packed, startSector, false, nil)
	return err
}

func (c *Client) imageToDisplay(packed []byte, dimX, dimY, timeoutMS int) error {
	if _, err := exchange.Process(c.Conn, []byte("display-freeze 10000\n"), nil, nil, c.exchangeConfig("image")); err != nil {
		return xerr.Hardf("ops: image: freeze before plot: %w", err)
	}

	plot := fmt.Sprintf("display-plot %d %d %d\n", dimX*dimY, dimX, dimY)
	if _, err := exchange.Process(c.Conn, []byte(plot), packed, nil, c.exchangeConfig("image")); err != nil {
		return xerr.Hardf("ops: image: display-plot: %w", err)
	}

	if _, err := exchange.Process(c.Conn, []byte("display-freeze 0\n"), nil, nil, c.exchangeConfig("image")); err != nil {
		return xerr.Hardf("ops: image: unfreeze after plot: %w", err)
	}

	if timeoutMS > 0 {
		freeze := fmt.Sprintf("display-freeze %d\n", timeoutMS)
		if _, err := exchange.Process(c.Conn, []byte(freeze), nil, nil, c.exchangeConfig("image")); err != nil {
			return xerr.Hardf("ops: image: post-plot freeze: %w", err)
		}
	}

	return nil
}
