// Package progress renders a terminal progress bar for the job loop.
package progress

import (
	"context"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/pterm/pterm"

	"github.com/dhcgn/remittance-runner/stats"
)

// Enabled reports whether a bar should be drawn: stdout is a terminal and the log level is info.
func Enabled(logLevel string) bool {
	if logLevel != "info" {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Bar tracks processed jobs. It starts once the pending count is known.
type Bar struct {
	mu        sync.Mutex
	pb        *pterm.ProgressbarPrinter
	enabled   bool
	total     int
	done      int
	collector *stats.Collector
}

func New(enabled bool) *Bar {
	return &Bar{enabled: enabled, collector: stats.NewCollector()}
}

// Update applies one event to the bar.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeDiscovered:
		b.total = evt.Count
		if b.total == 0 || b.pb != nil {
			return
		}
		pb, err := pterm.DefaultProgressbar.
			WithTotal(b.total).
			WithTitle("Downloading remittances").
			Start()
		if err == nil {
			b.pb = pb
		}
	case stats.EventTypeStarted:
		if b.pb != nil && evt.TransmissionID != "" {
			b.pb.UpdateTitle("Processing " + truncate(evt.TransmissionID, 40))
		}
	case stats.EventTypeDownloaded:
		b.step()
	case stats.EventTypeFailed, stats.EventTypeTimeout:
		b.step()
		if evt.Err != nil {
			pterm.Error.Printf("%s: %v\n", evt.TransmissionID, evt.Err)
		}
	}
}

func (b *Bar) step() {
	b.done++
	if b.pb != nil {
		b.pb.Increment()
	}
}

// Subscriber feeds the bar from a stats stream and prints a summary when the stream closes.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
			b.collector.Apply(evt)
		}
	}
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb != nil {
		if b.pb.Current < b.total {
			b.pb.Current = b.total
		}
		_, _ = b.pb.Stop()
		b.pb = nil
	}

	summary := b.collector.Snapshot()
	if summary.Pending == 0 {
		return
	}
	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Downloaded: %d of %d\n", summary.Downloaded, summary.Pending)
	pterm.Info.Printf("Already processed: %d\n", summary.Duplicates)
	pterm.Info.Printf("Skipped notifications: %d\n", summary.Skipped)
	if summary.Failed > 0 {
		pterm.Warning.Printf("Failed: %d (passcode timeouts: %d)\n", summary.Failed, summary.Timeouts)
	}
}

// Done returns how many jobs finished, successfully or not.
func (b *Bar) Done() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
