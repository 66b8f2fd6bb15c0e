package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide socket/traffic counter.
var Stats = &stats{}

type stats struct {
	TotalSockets  atomic.Int64 // cumulative count of sockets opened since process start
	ClosedSockets atomic.Int64 // cumulative count of sockets closed since process start
	BytesSent     atomic.Int64 // cumulative bytes written to the link
	BytesRecv     atomic.Int64 // cumulative bytes read from the link
}

func (s *stats) AddSocket()    { s.TotalSockets.Add(1) }
func (s *stats) RemoveSocket() { s.ClosedSockets.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// StartStatsReporter launches a goroutine that checks gateway statistics
// every 10 seconds and logs them when sockets opened or closed, or traffic
// in either direction exceeded 10 B/s, during that interval. It stops when
// ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalSockets.Load()
				closed := Stats.ClosedSockets.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				opened := total - prevTotal
				done := closed - prevClosed

				if opened > 0 || done > 0 || outS > 10 || inS > 10 {
					pterm.DefaultLogger.Info(formatStats(outS, inS, opened, done))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(outS, inS float64, opened, done int64) string {
	return fmt.Sprintf("Out: %s/s | In: %s/s | Sock: %2d↑ %2d↓",
		formatBytes(outS),
		formatBytes(inS),
		opened,
		done,
	)
}
