// Package flash implements the sector-oriented flash protocol layered on
// top of internal/exchange: reading/writing/checksumming sectors, slot
// metadata and selection, and the multi-step commit-to-OTA-slot state
// machine.
//
// Grounded on _examples/original_source/util.cpp (Util::read_sector,
// Util::write_sector, Util::get_checksum — exact regexes and echoed-field
// validation order) and on internal/bfd/fsm.go's small-stepwise-private-
// method style for the commit_ota state machine.
package flash

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/eriksl/espif-go/internal/exchange"
	"github.com/eriksl/espif-go/internal/metrics"
	"github.com/eriksl/espif-go/internal/transport"
	"github.com/eriksl/espif-go/internal/xerr"
)

var (
	reReadSector = regexp.MustCompile(`OK flash-read: read sector ([0-9]+)`)
	reWriteSector = regexp.MustCompile(
		`OK flash-write: written mode ([01]), sector ([0-9]+), same ([01]), erased ([01])`)
	reChecksum = regexp.MustCompile(
		`OK flash-checksum: checksummed ([0-9]+) sectors from sector ([0-9]+), checksum: ([0-9a-f]+)`)
	reFlashInfo = regexp.MustCompile(
		`OK flash function available, slots: 2, current: ([0-9]+), sectors: \[ ([0-9]+), ([0-9]+) \], display: ([0-9]+)x([0-9]+)px@([0-9]+)`)
	reFlashSelect = regexp.MustCompile(
		`OK flash-select: slot ([0-9]+) selected, sector ([0-9]+), permanent ([0-1])`)
)

// writeSectorAttempts bounds write_sector's own inner validation-retry
// loop, distinct from (and nested inside) Process's transport-level
// retries (spec.md §4.D).
const writeSectorAttempts = 4

// Client drives the flash protocol over a single transport.Pipe. Every
// method owns the pipe exclusively for its duration (spec.md §5).
type Client struct {
	Conn       transport.Pipe
	Exchange   exchange.Config
	SectorSize int
	Logger     *slog.Logger

	// Metrics, if non-nil, records exchange retry/failure counts for
	// every protocol operation this Client issues.
	Metrics *metrics.Collector
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// exchangeConfig returns c.Exchange with SectorSize, Operation, and
// Metrics filled in for a single named protocol operation (spec.md
// §4.B: the receive buffer must size off the same SectorSize the rest
// of Client uses).
func (c *Client) exchangeConfig(operation string) exchange.Config {
	cfg := c.Exchange
	cfg.SectorSize = c.SectorSize
	cfg.Operation = operation
	cfg.Metrics = c.Metrics
	return cfg
}

// WriteCounters tallies the outcome of one or more WriteSector calls.
type WriteCounters struct {
	Written int
	Erased  int
	Skipped int
}

// Info is the decoded reply to flash_info.
type Info struct {
	CurrentSlot int
	SlotSector  [2]int
	DimX        int
	DimY        int
	Depth       int
}

// readSectorAttempts bounds ReadSector's own post-exchange validation
// retry, mirroring WriteSector's writeSectorAttempts. The original's
// read_sector instead lets its OOB-length/echoed-sector transient
// exceptions propagate out of Util::read_sector entirely (its caller,
// the Command class, isn't part of the retrieved original source); a
// bounded local retry here keeps the behavior self-contained without
// inventing an outer caller-side loop.
const readSectorAttempts = 4

// ReadSector issues flash-read for sector and returns its OOB payload
// (the sector contents) along with the attempt count Process used.
func (c *Client) ReadSector(sector int) ([]byte, int, error) {
	var (
		lastErr error
		retries int
	)

	for attempt := 0; attempt < readSectorAttempts; attempt++ {
		res, err := exchange.Process(c.Conn, []byte(fmt.Sprintf("flash-read %d\n", sector)), nil, reReadSector, c.exchangeConfig("read_sector"))
		if err != nil {
			return nil, 0, xerr.Hardf("flash: read sector %d: %w", sector, err)
		}
		retries = res.Retries

		if len(res.OOB) < c.SectorSize {
			lastErr = xerr.Transientf(
				"flash: read_sector %d: incorrect length (got %d, want >= %d)", sector, len(res.OOB), c.SectorSize)
			continue
		}

		if res.Captures.Int[0] != sector {
			lastErr = xerr.Transientf(
				"flash: read_sector %d: remote echoed sector %d", sector, res.Captures.Int[0])
			continue
		}

		return res.OOB[:c.SectorSize], retries, nil
	}

	return nil, retries, xerr.Hardf("flash: read sector %d: %w", sector, lastErr)
}

// WriteSector writes data (OOB) to sector, retrying validation mismatches
// (not transport failures, already handled by exchange.Process) up to
// writeSectorAttempts times, as the original's write_sector caller loop
// does around a single Util::write_sector call.
func (c *Client) WriteSector(sector int, data []byte, simulate bool) (WriteCounters, int, error) {
	mode := 1
	if simulate {
		mode = 0
	}

	var (
		lastErr error
		retries int
	)

	for attempt := 0; attempt < writeSectorAttempts; attempt++ {
		res, err := exchange.Process(c.Conn,
			[]byte(fmt.Sprintf("flash-write %d %d", mode, sector)), data, reWriteSector, c.exchangeConfig("write_sector"))
		if err != nil {
			return WriteCounters{}, 0, xerr.Hardf("flash: write sector %d: %w", sector, err)
		}
		retries = res.Retries

		gotMode, gotSector, same, erased := res.Captures.Int[0], res.Captures.Int[1], res.Captures.Int[2], res.Captures.Int[3]

		if gotMode != mode {
			lastErr = xerr.Transientf("flash: write_sector %d: invalid mode (local %d, remote %d)", sector, mode, gotMode)
			continue
		}
		if gotSector != sector {
			lastErr = xerr.Transientf("flash: write_sector %d: wrong sector echoed (%d)", sector, gotSector)
			continue
		}

		counters := WriteCounters{}
		if same != 0 {
			counters.Skipped = 1
		} else {
			counters.Written = 1
		}
		if erased != 0 {
			counters.Erased = 1
		}

		return counters, retries, nil
	}

	return WriteCounters{}, retries, xerr.Hardf("flash: write sector %d: %w", sector, lastErr)
}

// GetChecksum requests the SHA-1 hex digest of count sectors starting at
// start, validating the device echoes back the same range.
func (c *Client) GetChecksum(start, count int) (string, error) {
	res, err := exchange.Process(c.Conn,
		[]byte(fmt.Sprintf("flash-checksum %d %d\n", start, count)), nil, reChecksum, c.exchangeConfig("get_checksum"))
	if err != nil {
		return "", xerr.Hardf("flash: get_checksum(%d, %d): %w", start, count, err)
	}

	gotCount, gotStart := res.Captures.Int[0], res.Captures.Int[1]
	if gotCount != count {
		return "", xerr.Transientf("flash: get_checksum: local sectors %d != remote %d", count, gotCount)
	}
	if gotStart != start {
		return "", xerr.Transientf("flash: get_checksum: local start %d != remote %d", start, gotStart)
	}

	return res.Captures.Text[2], nil
}

// Info queries flash_info: the current OTA slot, both slots' base
// sectors, and the attached display's dimensions/depth.
func (c *Client) Info() (Info, error) {
	res, err := exchange.Process(c.Conn, []byte("flash-info\n"), nil, reFlashInfo, c.exchangeConfig("flash_info"))
	if err != nil {
		return Info{}, xerr.Hardf("flash: flash_info: %w", err)
	}

	v := res.Captures.Int
	return Info{
		CurrentSlot: v[0],
		SlotSector:  [2]int{v[1], v[2]},
		DimX:        v[3],
		DimY:        v[4],
		Depth:       v[5],
	}, nil
}

// Select issues flash-select, validating the device echoes back the
// requested slot, its base sector, and the permanent flag.
func (c *Client) Select(slot, sector int, permanent bool) error {
	permFlag := 0
	if permanent {
		permFlag = 1
	}

	res, err := exchange.Process(c.Conn,
		[]byte(fmt.Sprintf("flash-select %d %d\n", slot, permFlag)), nil, reFlashSelect, c.exchangeConfig("flash_select"))
	if err != nil {
		return xerr.Hardf("flash: flash_select(%d, %v): %w", slot, permanent, err)
	}

	gotSlot, gotSector, gotPerm := res.Captures.Int[0], res.Captures.Int[1], res.Captures.Int[2]
	if gotSlot != slot {
		return xerr.Hardf("flash: flash_select: echoed slot %d != requested %d", gotSlot, slot)
	}
	if gotSector != sector {
		return xerr.Hardf("flash: flash_select: echoed sector %d != expected %d", gotSector, sector)
	}
	if gotPerm != permFlag {
		return xerr.Hardf("flash: flash_select: echoed permanent %d != requested %d", gotPerm, permFlag)
	}

	return nil
}

// Reconnector reopens the transport after a device reset, standing in
// for GenericSocket::disconnect()+connect() (the Conn itself has no
// notion of "same peer, new socket" built in).
type Reconnector func(ctx context.Context) (transport.Pipe, error)

// CommitResult reports the outcome of CommitOTA.
type CommitResult struct {
	FirmwareDate string
}

// CommitOTA runs the commit-to-slot state machine (spec.md §4.D):
// select the slot (provisionally unless permanentImmediately), optionally
// reset the device and re-identify it on a fresh connection, then
// (if not already permanent) promote the slot to permanent, and finally
// request stats for the firmware build date.
func (c *Client) CommitOTA(
	ctx context.Context,
	slot, sector int,
	reset, permanentImmediately bool,
	reconnect Reconnector,
) (CommitResult, error) {
	log := c.logger().With(slog.Int("slot", slot), slog.Int("sector", sector))

	if err := c.Select(slot, sector, permanentImmediately); err != nil {
		return CommitResult{}, err
	}
	log.Debug("flash-select accepted", slog.Bool("permanent", permanentImmediately))

	if reset {
		// Fire-and-forget: no reply expected (spec.md §6).
		if _, err := c.Conn.Send([]byte("reset\n"), 2*time.Second); err != nil {
			log.Warn("reset send failed, continuing anyway", slog.String("error", err.Error()))
		}

		if err := c.Conn.Close(); err != nil {
			log.Warn("disconnect before reconnect failed", slog.String("error", err.Error()))
		}

		newConn, err := reconnect(ctx)
		if err != nil {
			return CommitResult{}, xerr.Hardf("flash: commit_ota: reconnect after reset: %w", err)
		}
		c.Conn = newConn

		// The first flash_info after reboot may be spurious (stale
		// buffered reply, device still booting); the second is
		// authoritative (spec.md §4.D step 2).
		if _, err := c.Info(); err != nil {
			log.Debug("first post-reset flash_info failed, retrying", slog.String("error", err.Error()))
		}

		info, err := c.Info()
		if err != nil {
			return CommitResult{}, xerr.Hardf("flash: commit_ota: post-reset flash_info: %w", err)
		}
		if info.CurrentSlot != slot {
			return CommitResult{}, xerr.Hardf(
				"flash: commit_ota: post-reset slot %d != requested %d", info.CurrentSlot, slot)
		}
	}

	if !permanentImmediately {
		if err := c.Select(slot, sector, true); err != nil {
			return CommitResult{}, xerr.Hardf("flash: commit_ota: promote to permanent: %w", err)
		}
	}

	date, err := c.firmwareDate()
	if err != nil {
		return CommitResult{}, err
	}

	return CommitResult{FirmwareDate: date}, nil
}

var reFirmwareDate = regexp.MustCompile(`(?s).*>\s*firmware\s*>\s*date:\s*([a-zA-Z0-9: ]+).*`)

// firmwareDate requests stats and extracts the firmware build date line
// (spec.md §6: "stats → multi-line; core captures firmware date").
func (c *Client) firmwareDate() (string, error) {
	res, err := exchange.Process(c.Conn, []byte("stats\n"), nil, nil, c.exchangeConfig("stats"))
	if err != nil {
		return "", xerr.Hardf("flash: commit_ota: stats: %w", err)
	}

	m := reFirmwareDate.FindStringSubmatch(string(res.Data))
	if m == nil {
		return "", nil
	}
	return m[1], nil
}
