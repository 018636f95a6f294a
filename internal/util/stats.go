package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide relay counter set.
var Stats = &stats{}

type stats struct {
	FramesEncoded   atomic.Int64 // frames that made it through the codec
	FramesBusy      atomic.Int64 // frames dropped because their modality was still encoding
	FramesFailed    atomic.Int64 // frames dropped by the codec (empty / size mismatch)
	FramesStale     atomic.Int64 // encodes that finished after their feed was stopped
	FramesOverflow  atomic.Int64 // device callbacks dropped before reaching the dispatch loop
	MessagesSkipped atomic.Int64 // lossy broadcast targets skipped for a non-empty buffer
	SendErrors      atomic.Int64 // per-peer send failures
	BytesSent       atomic.Int64 // bytes written to DataChannels
	BytesRecv       atomic.Int64 // bytes read from DataChannels
	PeersAdded      atomic.Int64
	PeersRemoved    atomic.Int64
}

func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FramesEncoded   int64 `json:"framesEncoded"`
	FramesBusy      int64 `json:"framesBusy"`
	FramesFailed    int64 `json:"framesFailed"`
	FramesStale     int64 `json:"framesStale"`
	FramesOverflow  int64 `json:"framesOverflow"`
	MessagesSkipped int64 `json:"messagesSkipped"`
	SendErrors      int64 `json:"sendErrors"`
	BytesSent       int64 `json:"bytesSent"`
	BytesRecv       int64 `json:"bytesRecv"`
	PeersAdded      int64 `json:"peersAdded"`
	PeersRemoved    int64 `json:"peersRemoved"`
}

// Snapshot reads every counter.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		FramesEncoded:   s.FramesEncoded.Load(),
		FramesBusy:      s.FramesBusy.Load(),
		FramesFailed:    s.FramesFailed.Load(),
		FramesStale:     s.FramesStale.Load(),
		FramesOverflow:  s.FramesOverflow.Load(),
		MessagesSkipped: s.MessagesSkipped.Load(),
		SendErrors:      s.SendErrors.Load(),
		BytesSent:       s.BytesSent.Load(),
		BytesRecv:       s.BytesRecv.Load(),
		PeersAdded:      s.PeersAdded.Load(),
		PeersRemoved:    s.PeersRemoved.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs relay throughput every
// 10 seconds while frames are flowing. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				secs := reportInterval.Seconds()

				fps := float64(cur.FramesEncoded-prev.FramesEncoded) / secs
				dropped := (cur.FramesBusy - prev.FramesBusy) + (cur.FramesFailed - prev.FramesFailed)
				outS := float64(cur.BytesSent-prev.BytesSent) / secs

				if fps > 0 || dropped > 0 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(fps, dropped, outS))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a fixed-width (8 chars) string,
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB".
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns the reporter line.
func formatStats(fps float64, dropped int64, outS float64) string {
	return fmt.Sprintf("Frames: %5.1f/s | Dropped: %4d | Out: %s/s",
		fps,
		dropped,
		FormatBytes(outS),
	)
}
