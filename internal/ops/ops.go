// Package ops implements the high-level, user-facing operations built
// on top of internal/flash: whole-image read/write/verify, throughput
// benchmarking, display image upload, multicast discovery, and a bare
// single-command passthrough.
//
// Grounded on _examples/original_source/command.h for the operation
// signatures and on internal/bfd/manager.go's orchestration style: a
// struct holding its lower-layer dependencies by value/interface,
// methods returning a result plus error, no package-level state.
package ops

import (
	"crypto/sha1" //nolint:gosec // integrity digest, not a security boundary (spec.md §1 Non-goals)
	"log/slog"
	"time"

	"github.com/eriksl/espif-go/internal/exchange"
	"github.com/eriksl/espif-go/internal/flash"
	"github.com/eriksl/espif-go/internal/metrics"
	"github.com/eriksl/espif-go/internal/textutil"
	"github.com/eriksl/espif-go/internal/transport"
	"github.com/eriksl/espif-go/internal/xerr"
)

// Client orchestrates high-level operations against one session's
// flash.Client and transport.Pipe. One Client owns its transport for
// the duration of an operation (spec.md §5); it is not safe for
// concurrent operations against the same underlying Conn.
type Client struct {
	Flash      *flash.Client
	Conn       transport.Pipe
	Exchange   exchange.Config
	SectorSize int
	Logger     *slog.Logger

	// Metrics, if non-nil, records exchange retry/failure counts for
	// every operation this Client runs.
	Metrics *metrics.Collector
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// exchangeConfig returns c.Exchange with SectorSize, Operation, and
// Metrics filled in for a single named operation, so every
// exchange.Process call sizes its receive buffer off the same
// SectorSize the rest of Client uses (spec.md §4.B: "2x sector size")
// and reports retries/failures under the right label.
func (c *Client) exchangeConfig(operation string) exchange.Config {
	cfg := c.Exchange
	cfg.SectorSize = c.SectorSize
	cfg.Operation = operation
	cfg.Metrics = c.Metrics
	return cfg
}

// Progress reports read/write advancement for a caller-supplied
// callback, the Go analog of the original's single carriage-returned
// status line (kb, elapsed, rate, retries, percent).
type Progress struct {
	SectorsDone  int
	SectorsTotal int
	BytesDone    int
	BytesTotal   int
	Elapsed      time.Duration
	Retries      int
}

// Percent returns the completion percentage, 0 when SectorsTotal is 0.
func (p Progress) Percent() float64 {
	if p.SectorsTotal == 0 {
		return 0
	}
	return 100 * float64(p.SectorsDone) / float64(p.SectorsTotal)
}

// RateBytesPerSec returns the average transfer rate so far.
func (p Progress) RateBytesPerSec() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.BytesDone) / p.Elapsed.Seconds()
}

// ProgressFunc receives incremental Progress reports; nil disables
// reporting.
type ProgressFunc func(Progress)

// Read streams count sectors starting at sector into w, hashing
// incrementally with SHA-1 and reporting Progress after each sector.
// After the loop it compares the local digest against the device's
// get_checksum for the same range, failing hard on mismatch.
func (c *Client) Read(w Writer, sector, count int, progress ProgressFunc) error {
	h := sha1.New() //nolint:gosec // integrity digest, matches device-side algorithm
	start := time.Now()
	retries := 0

	for i := range count {
		data, r, err := c.Flash.ReadSector(sector + i)
		if err != nil {
			return xerr.Hardf("ops: read: %w", err)
		}
		retries += r

		if _, err := h.Write(data); err != nil {
			return xerr.Hardf("ops: read: hash: %w", err)
		}
		if err := w.WriteSector(data); err != nil {
			return xerr.Hardf("ops: read: write output: %w", err)
		}

		if progress != nil {
			progress(Progress{
				SectorsDone: i + 1, SectorsTotal: count,
				BytesDone: (i + 1) * c.SectorSize, BytesTotal: count * c.SectorSize,
				Elapsed: time.Since(start), Retries: retries,
			})
		}
	}

	local := textutil.SHA1Hex(h.Sum(nil))
	remote, err := c.Flash.GetChecksum(sector, count)
	if err != nil {
		return xerr.Hardf("ops: read: %w", err)
	}
	if local != remote {
		return xerr.Hardf("ops: read: checksum mismatch (local %s, remote %s)", local, remote)
	}

	return nil
}

// Writer receives one sector at a time from Read, in order. Callers
// typically wrap a *bufio.Writer over an *os.File.
type Writer interface {
	WriteSector(data []byte) error
}

// Write sends data to the device starting at sector, FF-padding the
// final partial sector, hashing incrementally, and comparing against
// the device's checksum of the range once every sector has landed.
func (c *Client) Write(data []byte, sector int, simulate bool, progress ProgressFunc) (flash.WriteCounters, error) {
	count := ceilDiv(len(data), c.SectorSize)
	h := sha1.New() //nolint:gosec // integrity digest, matches device-side algorithm
	start := time.Now()
	retries := 0
	total := flash.WriteCounters{}

	for i := range count {
		buf := ffPad(data, i, c.SectorSize)

		if _, err := h.Write(buf); err != nil {
			return total, xerr.Hardf("ops: write: hash: %w", err)
		}

		counters, r, err := c.Flash.WriteSector(sector+i, buf, simulate)
		if err != nil {
			return total, xerr.Hardf("ops: write: %w", err)
		}
		retries += r
		total.Written += counters.Written
		total.Erased += counters.Erased
		total.Skipped += counters.Skipped

		if progress != nil {
			progress(Progress{
				SectorsDone: i + 1, SectorsTotal: count,
				BytesDone: (i + 1) * c.SectorSize, BytesTotal: count * c.SectorSize,
				Elapsed: time.Since(start), Retries: retries,
			})
		}
	}

	local := textutil.SHA1Hex(h.Sum(nil))
	remote, err := c.Flash.GetChecksum(sector, count)
	if err != nil {
		return total, xerr.Hardf("ops: write: %w", err)
	}
	if local != remote {
		return total, xerr.Hardf("ops: write: checksum mismatch (local %s, remote %s)", local, remote)
	}

	return total, nil
}

// Verify FF-pads data the same way Write would, fetches each
// corresponding remote sector, and byte-compares. Any mismatch is a
// hard failure (spec.md §4.E).
func (c *Client) Verify(data []byte, sector int) error {
	count := ceilDiv(len(data), c.SectorSize)

	for i := range count {
		want := ffPad(data, i, c.SectorSize)

		got, _, err := c.Flash.ReadSector(sector + i)
		if err != nil {
			return xerr.Hardf("ops: verify: %w", err)
		}

		if !bytesEqual(want, got) {
			return xerr.Hardf("ops: verify: sector %d differs from local image", sector+i)
		}
	}

	return nil
}

// ceilDiv returns ceil(n/size) for positive size.
func ceilDiv(n, size int) int {
	return (n + size - 1) / size
}

// ffPad extracts sector index i (0-based) of size bytes from data,
// FF-padding a short trailing chunk so every sector is exactly size
// bytes, matching the original's "pre-fill buffer with 0xFF" approach.
func ffPad(data []byte, i, size int) []byte {
	buf := make([]byte, size)
	for j := range buf {
		buf[j] = 0xff
	}

	start := i * size
	if start >= len(data) {
		return buf
	}

	end := start + size
	if end > len(data) {
		end = len(data)
	}
	copy(buf, data[start:end])

	return buf
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
