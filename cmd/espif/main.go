// espif is a command-line flashing and discovery client for ESP-based
// devices running the espif firmware protocol.
//
// It wraps internal/ops on top of internal/transport, internal/flash and
// internal/exchange behind a single cobra command carrying the verb and
// option flags described in spec.md's CLI surface; it has no subcommands.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/eriksl/espif-go/internal/config"
	"github.com/eriksl/espif-go/internal/exchange"
	"github.com/eriksl/espif-go/internal/flash"
	"github.com/eriksl/espif-go/internal/metrics"
	"github.com/eriksl/espif-go/internal/ops"
	"github.com/eriksl/espif-go/internal/transport"
	appversion "github.com/eriksl/espif-go/internal/version"
	"github.com/eriksl/espif-go/internal/xerr"
)

// dialTimeout bounds the initial transport.Dial call.
const dialTimeout = 5 * time.Second

// flags holds every option the CLI accepts, mirroring spec.md's CLI
// surface: at most one verb flag, plus shared options.
type flags struct {
	info         bool
	read         bool
	write        bool
	simulate     bool
	verify       bool
	benchmark    bool
	image        bool
	epaperImage  bool
	broadcast    bool
	multicast    bool

	start           string
	length          string
	commandPort     uint16
	filename        string
	tcp             bool
	raw             bool
	dontwait        bool
	noProvideSum    bool
	noRequestSum    bool
	broadcastGroups uint32
	burst           int
	nocommit        bool
	noreset         bool
	notemp          bool
	imageSlot       int
	imageTimeout    int
	configPath      string
	verbose         bool
	debug           bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var f flags

	cmd := &cobra.Command{
		Use:           "espif host [command words...]",
		Short:         "flash and discover espif-protocol devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			return dispatch(f, args)
		},
	}

	bindFlags(cmd, &f)
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "espif:", err)
		return 1
	}
	return 0
}

func bindFlags(cmd *cobra.Command, f *flags) {
	fl := cmd.Flags()

	fl.BoolVarP(&f.info, "info", "i", false, "query device flash info")
	fl.BoolVarP(&f.read, "read", "R", false, "read sectors from flash")
	fl.BoolVarP(&f.write, "write", "W", false, "write a file to flash")
	fl.BoolVarP(&f.simulate, "simulate", "S", false, "simulate a write without programming flash")
	fl.BoolVarP(&f.verify, "verify", "V", false, "verify flash contents against a file")
	fl.BoolVarP(&f.benchmark, "benchmark", "B", false, "measure upload/download throughput")
	fl.BoolVarP(&f.image, "image", "I", false, "upload a packed image to the display or flash slot")
	fl.BoolVarP(&f.epaperImage, "epaper-image", "e", false, "upload an image via the e-paper SPI driver (not implemented)")
	fl.BoolVarP(&f.broadcast, "broadcast", "b", false, "send the command as a subnet broadcast")
	fl.BoolVarP(&f.multicast, "multicast", "M", false, "discover devices via multicast")

	fl.StringVarP(&f.start, "start", "s", "-1", "start sector/address (base-prefixed; -1 means OTA slot)")
	fl.StringVarP(&f.length, "length", "l", "0x1000", "length in bytes (base-prefixed)")
	fl.Uint16VarP(&f.commandPort, "command-port", "p", 24, "target command port")
	fl.StringVarP(&f.filename, "filename", "f", "", "local file for read/write/verify")
	fl.BoolVarP(&f.tcp, "tcp", "t", false, "use TCP instead of UDP")
	fl.BoolVarP(&f.raw, "raw", "r", false, "use the unframed raw wire format")
	fl.BoolVarP(&f.dontwait, "dontwait", "d", false, "don't wait for a reply")
	fl.BoolVarP(&f.noProvideSum, "no-provide-checksum", "1", false, "don't attach a checksum to outgoing packets")
	fl.BoolVarP(&f.noRequestSum, "no-request-checksum", "2", false, "don't request a checksum on the reply")
	fl.Uint32VarP(&f.broadcastGroups, "broadcast-groups", "g", 0xffff, "broadcast group bitmask")
	fl.IntVarP(&f.burst, "burst", "u", 1, "number of multicast probes to send")
	fl.BoolVarP(&f.nocommit, "nocommit", "n", false, "don't select the written OTA slot after writing (skip the commit)")
	fl.BoolVarP(&f.noreset, "noreset", "N", false, "don't reset the device after a commit")
	fl.BoolVarP(&f.notemp, "notemp", "T", false, "select the OTA slot as permanent immediately, skipping the temporary boot")
	fl.IntVarP(&f.imageSlot, "image_slot", "x", -1, "flash OTA slot for --image (-1 uploads to the live display)")
	fl.IntVarP(&f.imageTimeout, "image_timeout", "y", 5000, "live-display freeze timeout in milliseconds")
	fl.StringVar(&f.configPath, "config", "", "path to configuration file (YAML)")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "log retry/duplicate/diagnostic detail")
	fl.BoolVarP(&f.debug, "debug", "D", false, "additionally dump raw outgoing and reply envelopes")
}

// verbCount returns how many mutually-exclusive verb flags were set.
func verbCount(f flags) int {
	n := 0
	for _, v := range []bool{
		f.info, f.read, f.write, f.simulate, f.verify, f.benchmark,
		f.image, f.epaperImage, f.broadcast, f.multicast,
	} {
		if v {
			n++
		}
	}
	return n
}

func dispatch(f flags, args []string) error {
	if verbCount(f) > 1 {
		return xerr.Hardf("at most one of --info/--read/--write/--simulate/--verify/--benchmark/--image/--epaper-image/--broadcast/--multicast may be given")
	}
	if len(args) == 0 {
		return xerr.Hardf("missing required host argument")
	}
	host := args[0]
	words := args[1:]

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return xerr.Hardf("load configuration: %w", err)
	}

	logger := newLogger(cfg.Log)
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	start, err := parseBasePrefixed(f.start)
	if err != nil {
		return xerr.Hardf("invalid --start value %q: %w", f.start, err)
	}
	length, err := parseBasePrefixed(f.length)
	if err != nil {
		return xerr.Hardf("invalid --length value %q: %w", f.length, err)
	}

	port := f.commandPort
	if port == 0 {
		port = cfg.Transport.CommandPort
	}

	mode := transport.ModeUDP
	switch {
	case f.tcp:
		mode = transport.ModeTCP
	case f.broadcast:
		mode = transport.ModeBroadcast
	case f.multicast:
		mode = transport.ModeMulticast
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := transport.Dial(dialCtx, transport.Config{Mode: mode, Host: host, Port: port, Metrics: collector}, logger)
	if err != nil {
		return xerr.Hardf("connect to %s:%d: %w", host, port, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			logger.Warn("close transport", slog.String("error", cerr.Error()))
		}
	}()

	ctx := context.Background()

	exCfg := exchangeConfig(cfg, f)
	fc := &flash.Client{Conn: conn, Exchange: exCfg, SectorSize: cfg.Flash.SectorSize, Logger: logger, Metrics: collector}
	oc := &ops.Client{Flash: fc, Conn: conn, Exchange: exCfg, SectorSize: cfg.Flash.SectorSize, Logger: logger, Metrics: collector}

	verbSelected := verbCount(f) > 0

	if f.broadcast || f.multicast {
		return runMulticast(ctx, oc, collector, words, f.burst)
	}
	if !verbSelected {
		return runSend(oc, words, f.dontwait)
	}

	// Every remaining verb (original_source/main.cpp) first queries
	// flash-info to learn the current slot, both slots' sector
	// addresses, and the display dimensions/depth, then resolves a
	// --start of -1 into the inactive OTA slot's sector for
	// write/simulate/verify/info.
	info, err := fc.Info()
	if err != nil {
		return xerr.Hardf("flash incompatible image: %w", err)
	}

	resolvedStart := int(start)
	otaSlot := -1
	if resolvedStart < 0 {
		switch {
		case f.write || f.simulate || f.verify || f.info:
			otaSlot = nextSlot(info.CurrentSlot)
			resolvedStart = info.SlotSector[otaSlot]
		case f.benchmark || f.image || f.epaperImage:
			// start is unused by these verbs.
		default:
			return xerr.Hardf("start address not set")
		}
	}

	switch {
	case f.info:
		return runInfo(info)
	case f.read:
		return runRead(oc, f, resolvedStart, int(length))
	case f.write, f.simulate:
		return runWrite(ctx, oc, fc, f, resolvedStart, otaSlot, info, host, port, mode, logger, collector)
	case f.verify:
		return runVerify(oc, f, resolvedStart)
	case f.benchmark:
		return runBenchmark(oc, collector, int(length))
	case f.image:
		return runImage(oc, info, f)
	case f.epaperImage:
		return xerr.Hardf("--epaper-image is not implemented: no e-paper SPI driver in this client")
	default:
		return runSend(oc, words, f.dontwait)
	}
}

func exchangeConfig(cfg *config.Config, f flags) exchange.Config {
	return exchange.Config{
		Raw:                f.raw,
		ProvideChecksum:    !f.noProvideSum,
		RequestChecksum:    !f.noRequestSum,
		BroadcastGroupMask: f.broadcastGroups,
		SectorSize:         cfg.Flash.SectorSize,
		Verbose:            f.verbose,
		Debug:              f.debug,
		MaxAttempts:        cfg.Exchange.MaxAttempts,
		InitialBackoff:     cfg.Exchange.InitialBackoff,
	}
}

func runInfo(info flash.Info) error {
	fmt.Printf("current slot: %d\nslot sectors: [%d %d]\ndisplay: %dx%d @ %d bpp\n",
		info.CurrentSlot, info.SlotSector[0], info.SlotSector[1], info.DimX, info.DimY, info.Depth)
	return nil
}

func runRead(oc *ops.Client, f flags, start, length int) error {
	if f.filename == "" {
		return xerr.Hardf("--read requires --filename")
	}
	out, err := os.Create(f.filename)
	if err != nil {
		return xerr.Hardf("create %s: %w", f.filename, err)
	}
	defer out.Close()

	w := &fileWriter{f: out}
	count := ceilDivInt(length, oc.SectorSize)
	if err := oc.Read(w, start, count, progressBar); err != nil {
		return err
	}
	return nil
}

func runWrite(
	ctx context.Context,
	oc *ops.Client, fc *flash.Client, f flags, sector, otaSlot int, info flash.Info,
	host string, port uint16, mode transport.Mode, logger *slog.Logger, collector *metrics.Collector,
) error {
	if f.filename == "" {
		return xerr.Hardf("--write/--simulate requires --filename")
	}
	data, err := os.ReadFile(f.filename)
	if err != nil {
		return xerr.Hardf("read %s: %w", f.filename, err)
	}

	counters, err := oc.Write(data, sector, f.simulate, progressBar)
	if err != nil {
		return err
	}
	fmt.Printf("written: %d, erased: %d, skipped: %d\n", counters.Written, counters.Erased, counters.Skipped)

	if f.simulate || otaSlot < 0 || f.nocommit {
		return nil
	}

	reconnect := func(ctx context.Context) (transport.Pipe, error) {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		return transport.Dial(dialCtx, transport.Config{Mode: mode, Host: host, Port: port, Metrics: collector}, logger)
	}

	result, err := fc.CommitOTA(ctx, otaSlot, info.SlotSector[otaSlot], !f.noreset, f.notemp, reconnect)
	if err != nil {
		return err
	}
	fmt.Printf("committed slot %d, firmware date: %s\n", otaSlot, result.FirmwareDate)
	return nil
}

func runVerify(oc *ops.Client, f flags, start int) error {
	if f.filename == "" {
		return xerr.Hardf("--verify requires --filename")
	}
	data, err := os.ReadFile(f.filename)
	if err != nil {
		return xerr.Hardf("read %s: %w", f.filename, err)
	}
	return oc.Verify(data, start)
}

func runBenchmark(oc *ops.Client, collector *metrics.Collector, length int) error {
	result, err := oc.Benchmark(length)
	if err != nil {
		return err
	}
	collector.SetBenchmarkThroughput("upload", result.UploadBytesPerSec)
	collector.SetBenchmarkThroughput("download", result.DownloadBytesPerSec)
	fmt.Printf("upload:   %.0f bytes/sec\ndownload: %.0f bytes/sec\n",
		result.UploadBytesPerSec, result.DownloadBytesPerSec)
	return nil
}

// runImage uploads a raster image to the display or an OTA slot.
// Pixel decoding/resizing from an arbitrary image file (PNG, JPEG, ...) is
// an external collaborator's job (spec.md §1); --filename here names a
// raw interleaved R,G,B byte triple buffer (one byte per channel,
// 0..255) already sized to the device's reported display dimensions.
func runImage(oc *ops.Client, info flash.Info, f flags) error {
	if f.filename == "" {
		return xerr.Hardf("--image requires --filename")
	}

	pixels, err := loadPixels(f.filename, info.DimX, info.DimY)
	if err != nil {
		return err
	}

	return oc.Image(f.imageSlot, pixels, info.DimX, info.DimY, info.Depth, f.imageTimeout)
}

// loadPixels reads dimX*dimY RGB byte triples from path and converts
// them to 0..1-scaled ops.Pixel values.
func loadPixels(path string, dimX, dimY int) ([]ops.Pixel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerr.Hardf("read %s: %w", path, err)
	}

	want := dimX * dimY * 3
	if len(raw) != want {
		return nil, xerr.Hardf("%w: %s is %d bytes, want %d (%dx%d RGB)",
			errUnsupportedImageFormat, path, len(raw), want, dimX, dimY)
	}

	pixels := make([]ops.Pixel, dimX*dimY)
	for i := range pixels {
		pixels[i] = ops.Pixel{
			R: float64(raw[i*3]) / 255,
			G: float64(raw[i*3+1]) / 255,
			B: float64(raw[i*3+2]) / 255,
		}
	}
	return pixels, nil
}

func runMulticast(ctx context.Context, oc *ops.Client, collector *metrics.Collector, words []string, burst int) error {
	text := strings.Join(words, " ")
	result, err := oc.Multicast(ctx, text, burst)
	if err != nil {
		return err
	}
	for _, h := range result.Hosts {
		for range h.Count {
			collector.RecordMulticastReply(h.IP, len(result.Hosts))
		}
		name := h.Hostname
		if name == "" {
			name = "0.0.0.0"
		}
		fmt.Printf("%-16s %-32s count=%d text=%q\n", h.IP, name, h.Count, h.Text)
	}
	fmt.Printf("probes=%d replies=%d hosts=%d\n", result.Probes, result.Replies, len(result.Hosts))
	return nil
}

func runSend(oc *ops.Client, words []string, dontwait bool) error {
	if len(words) == 0 {
		return xerr.Hardf("no command given")
	}
	reply, err := oc.Send(strings.Join(words, " "), dontwait)
	if err != nil {
		return err
	}
	if reply != "" {
		fmt.Println(reply)
	}
	return nil
}

// nextSlot returns the OTA slot complementary to current, for an
// unspecified --start (upload to the slot not currently running).
func nextSlot(current int) int {
	if current == 0 {
		return 1
	}
	return 0
}

func ceilDivInt(n, size int) int {
	if n <= 0 {
		return 1
	}
	return (n + size - 1) / size
}

// parseBasePrefixed parses a signed integer honoring a leading "0x"/"0"
// base prefix the way the original CLI's numeric options do (stoi with
// base 0).
func parseBasePrefixed(s string) (int64, error) {
	return strconv.ParseInt(s, 0, 64)
}

func progressBar(p ops.Progress) {
	fmt.Printf("\r%6.2f%% (%d/%d sectors, %.0f B/s)", p.Percent(), p.SectorsDone, p.SectorsTotal, p.RateBytesPerSec())
	if p.SectorsDone == p.SectorsTotal {
		fmt.Println()
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := config.ParseLogLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler).With(slog.String("version", appversion.Version))
}

type fileWriter struct {
	f *os.File
}

func (w *fileWriter) WriteSector(data []byte) error {
	_, err := w.f.Write(data)
	return err
}

var errUnsupportedImageFormat = errors.New("espif: unsupported image format")
