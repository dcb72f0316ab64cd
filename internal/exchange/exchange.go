// Package exchange implements the synchronous request/response engine
// used to talk to the target device: encapsulate a command, send it,
// accumulate a reply until the envelope reports complete, decapsulate,
// optionally match the reply text against an expected pattern and pull
// out its capture groups, retrying with exponential backoff on any
// transient failure.
//
// Grounded on _examples/original_source/util.cpp's Util::process (the
// exact retry/backoff/regex-match loop this reimplements) and
// internal/bfd/session.go's retry-state idiom for how the teacher
// structures a bounded attempt loop in Go.
package exchange

import (
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/eriksl/espif-go/internal/envelope"
	"github.com/eriksl/espif-go/internal/metrics"
	"github.com/eriksl/espif-go/internal/textutil"
	"github.com/eriksl/espif-go/internal/transport"
	"github.com/eriksl/espif-go/internal/xerr"
)

// DefaultMaxAttempts and DefaultInitialBackoff match Util::process's
// enum max_attempts = 4 and its timeout = 200 (doubling each retry).
const (
	DefaultMaxAttempts    = 4
	DefaultInitialBackoff = 200 * time.Millisecond

	// DefaultSectorSize matches the device's default flash sector size;
	// the receive buffer is always sized off this (spec.md §4.B: "2x
	// sector size"), never off a fixed constant, since a framed reply's
	// OOB payload can be as large as one full sector.
	DefaultSectorSize = 4096
)

// Config bundles the per-call exchange parameters, mirroring spec.md
// §3's ExchangeConfig data model.
type Config struct {
	Raw             bool
	ProvideChecksum bool
	RequestChecksum bool

	BroadcastGroupMask uint32
	TransactionID      *uint32

	// SectorSize sizes the receive buffer (2x SectorSize) so a framed
	// reply carrying a full sector's worth of OOB data is never
	// truncated. Defaults to DefaultSectorSize when zero.
	SectorSize int

	// Verbose enables per-attempt retry/duplicate/diagnostic logging,
	// matching Util::process's verbose-gated prints. Debug additionally
	// dumps the raw outgoing and reply envelopes via textutil.Dump,
	// matching Util::process's debug-gated dumper calls.
	Verbose bool
	Debug   bool

	// Operation labels this exchange for Metrics; typically the command
	// name (e.g. "read_sector", "send").
	Operation string

	// Metrics, if non-nil, is notified of every retry and of a final
	// exhausted-attempts failure.
	Metrics *metrics.Collector

	// MaxAttempts and InitialBackoff default to DefaultMaxAttempts and
	// DefaultInitialBackoff when zero.
	MaxAttempts    int
	InitialBackoff time.Duration

	// SendTimeout and ReceiveTimeout bound each individual Send/Receive
	// call within an attempt.
	SendTimeout    time.Duration
	ReceiveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = 2 * time.Second
	}
	if c.SectorSize <= 0 {
		c.SectorSize = DefaultSectorSize
	}
	return c
}

// recordRetry notifies cfg.Metrics of a transient failure, if configured.
func (c Config) recordRetry() {
	if c.Metrics != nil {
		c.Metrics.RecordExchangeRetry(c.Operation)
	}
}

// recordFailure notifies cfg.Metrics that every attempt was exhausted.
func (c Config) recordFailure() {
	if c.Metrics != nil {
		c.Metrics.RecordExchangeFailure(c.Operation)
	}
}

// Captures holds a matched reply's regex capture groups, both as raw
// text and as best-effort parsed integers (stoi(..., base 0) semantics:
// a group that doesn't parse as a number becomes 0, never an error —
// matching Util::process's catch-and-zero behavior).
type Captures struct {
	Text []string
	Int  []int
}

// Result is a completed exchange.
type Result struct {
	// Retries is the attempt index (0-based) at which the exchange
	// finally succeeded.
	Retries  int
	Data     []byte
	OOB      []byte
	Captures Captures
}

// Process runs one command/reply exchange to completion over conn,
// retrying up to cfg.MaxAttempts times with exponential backoff on any
// transient failure (send failure, incomplete/garbled reply, duplicate
// transaction id, or a reply that doesn't match the optional pattern).
// A non-transient (hard) error or exhausting all attempts both return
// an xerr.Hard-wrapped error, matching Util::process throwing
// hard_exception("process: receive failed") once attempts are spent.
//
// match, if non-nil, is matched against the reply's Data the way
// boost::regex_match matches: the pattern must account for the entire
// reply text, not merely a substring of it.
func Process(conn transport.Pipe, data, oob []byte, match *regexp.Regexp, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()

	packet := envelope.Encapsulate(envelope.Packet{Data: data, OOB: oob}, envelope.Options{
		Raw:                cfg.Raw,
		ProvideChecksum:    cfg.ProvideChecksum,
		RequestChecksum:    cfg.RequestChecksum,
		BroadcastGroupMask: cfg.BroadcastGroupMask,
		TransactionID:      cfg.TransactionID,
	})

	if cfg.Debug {
		slog.Debug(textutil.Dump("exchange: out", packet), "operation", cfg.Operation)
	}

	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		result, err := tryOnce(conn, packet, match, cfg)
		if err == nil {
			result.Retries = attempt
			if cfg.Verbose && attempt > 0 {
				slog.Info("exchange: succeeded after retry", "operation", cfg.Operation, "attempt", attempt)
			}
			return result, nil
		}

		if !xerr.IsTransient(err) {
			cfg.recordFailure()
			return Result{}, err
		}

		if cfg.Verbose {
			slog.Warn("exchange: attempt failed, retrying", "operation", cfg.Operation, "attempt", attempt, "backoff", backoff, "error", err)
		}
		cfg.recordRetry()

		lastErr = err
		conn.Drain(backoff)
		backoff *= 2
	}

	cfg.recordFailure()
	return Result{}, xerr.Hardf("exchange: process: receive failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func tryOnce(conn transport.Pipe, packet []byte, match *regexp.Regexp, cfg Config) (Result, error) {
	if err := sendAll(conn, packet, cfg.SendTimeout); err != nil {
		return Result{}, err
	}

	raw, err := receiveUntilComplete(conn, cfg.ReceiveTimeout, cfg.SectorSize)
	if err != nil {
		return Result{}, err
	}

	dec, err := envelope.Decapsulate(raw, cfg.TransactionID, cfg.Verbose)
	if err != nil {
		return Result{}, xerr.Transientf("exchange: decapsulation failed: %w", err)
	}

	if cfg.Debug {
		slog.Debug(textutil.Dump("exchange: in", raw), "operation", cfg.Operation)
	}

	captures, err := matchReply(dec.Data, match)
	if err != nil {
		return Result{}, err
	}

	return Result{Data: dec.Data, OOB: dec.OOB, Captures: captures}, nil
}

func sendAll(conn transport.Pipe, packet []byte, timeout time.Duration) error {
	remaining := packet
	for len(remaining) > 0 {
		ok, err := conn.Send(remaining, timeout)
		if err != nil {
			return xerr.Transientf("exchange: send failed: %w", err)
		}
		if !ok {
			return xerr.Transientf("exchange: send failed")
		}
		// transport.Conn.Send always consumes the whole buffer or
		// reports failure; there is no partial-write case to loop on,
		// but the loop is kept to mirror Util::process's structure in
		// case a future transport reintroduces partial writes.
		remaining = nil
	}
	return nil
}

func receiveUntilComplete(conn transport.Pipe, timeout time.Duration, sectorSize int) ([]byte, error) {
	bufp, _ := envelope.BufferPool.Get().(*[]byte)
	acc := (*bufp)[:0]
	defer func() {
		*bufp = acc[:0]
		envelope.BufferPool.Put(bufp)
	}()

	chunk := make([]byte, 2*sectorSize)

	for !envelope.Complete(acc) {
		n, _, ok, err := conn.Receive(chunk, timeout)
		if err != nil {
			return nil, xerr.Transientf("exchange: receive failed: %w", err)
		}
		if !ok {
			return nil, xerr.Transientf("exchange: receive failed")
		}
		acc = append(acc, chunk[:n]...)
	}

	out := make([]byte, len(acc))
	copy(out, acc)
	return out, nil
}

func matchReply(data []byte, match *regexp.Regexp) (Captures, error) {
	if match == nil {
		return Captures{}, nil
	}

	text := string(data)
	groups := match.FindStringSubmatch(text)
	if groups == nil || groups[0] != text {
		return Captures{}, xerr.Transientf("exchange: received string does not match: %q vs %q", text, match.String())
	}

	textCaptures := make([]string, 0, len(groups)-1)
	intCaptures := make([]int, 0, len(groups)-1)
	for _, g := range groups[1:] {
		textCaptures = append(textCaptures, g)
		intCaptures = append(intCaptures, parseIntBestEffort(g))
	}

	return Captures{Text: textCaptures, Int: intCaptures}, nil
}

// parseIntBestEffort mirrors stoi(text, 0, 0): auto-detect base from a
// "0x"/"0" prefix, and fall back to 0 instead of propagating an error
// when text isn't numeric.
func parseIntBestEffort(text string) int {
	v, err := strconv.ParseInt(text, 0, 64)
	if err != nil {
		return 0
	}
	return int(v)
}
