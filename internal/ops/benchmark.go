package ops

import (
	"fmt"
	"time"

	"github.com/eriksl/espif-go/internal/exchange"
	"github.com/eriksl/espif-go/internal/xerr"
)

// benchmarkIterations matches the original's two 1024-iteration phases.
const benchmarkIterations = 1024

// BenchmarkResult reports measured throughput for both benchmark phases.
type BenchmarkResult struct {
	UploadBytesPerSec   float64
	DownloadBytesPerSec float64
}

// Benchmark measures round-trip throughput in two phases (spec.md §4.E):
// phase 0 sends a zero-length command with a sector-sized OOB payload,
// exercising uplink bandwidth; phase 1 requests length bytes of OOB back
// from the device, exercising downlink bandwidth.
func (c *Client) Benchmark(length int) (BenchmarkResult, error) {
	upload := make([]byte, c.SectorSize)
	for i := range upload {
		upload[i] = 0xaa
	}

	uploadStart := time.Now()
	for range benchmarkIterations {
		if _, err := exchange.Process(c.Conn, []byte("flash-bench 0\n"), upload, nil, c.exchangeConfig("benchmark_upload")); err != nil {
			return BenchmarkResult{}, xerr.Hardf("ops: benchmark: upload phase: %w", err)
		}
	}
	uploadElapsed := time.Since(uploadStart)

	downloadStart := time.Now()
	for range benchmarkIterations {
		cmd := fmt.Sprintf("flash-bench %d\n", length)
		res, err := exchange.Process(c.Conn, []byte(cmd), nil, nil, c.exchangeConfig("benchmark_download"))
		if err != nil {
			return BenchmarkResult{}, xerr.Hardf("ops: benchmark: download phase: %w", err)
		}
		if len(res.OOB) != length {
			return BenchmarkResult{}, xerr.Hardf(
				"ops: benchmark: download phase: reply OOB length %d != requested %d", len(res.OOB), length)
		}
	}
	downloadElapsed := time.Since(downloadStart)

	return BenchmarkResult{
		UploadBytesPerSec:   float64(benchmarkIterations*c.SectorSize) / uploadElapsed.Seconds(),
		DownloadBytesPerSec: float64(benchmarkIterations*length) / downloadElapsed.Seconds(),
	}, nil
}
