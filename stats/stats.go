// Package stats aggregates run events into a summary.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageDiscovery Stage = "discovery"
	StagePortal    Stage = "portal"
)

type EventType string

const (
	// EventTypeDiscovered carries the number of pending jobs in Count.
	EventTypeDiscovered EventType = "discovered"
	EventTypeSkipped    EventType = "skipped"
	EventTypeDuplicate  EventType = "already_processed"
	EventTypeStarted    EventType = "started"
	EventTypeDownloaded EventType = "downloaded"
	EventTypeTimeout    EventType = "passcode_timeout"
	EventTypeFailed     EventType = "failed"
)

type Event struct {
	Stage          Stage
	Type           EventType
	TransmissionID string
	Count          int
	Err            error
	Detail         string
}

type Summary struct {
	Pending    int
	Skipped    int
	Duplicates int
	Downloaded int
	Timeouts   int
	Failed     int
	LastError  error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"pending", s.Pending,
		"downloaded", s.Downloaded,
		"failed", s.Failed,
		"timeouts", s.Timeouts,
		"skipped", s.Skipped,
		"alreadyProcessed", s.Duplicates,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply records a single event.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeDiscovered:
		c.summary.Pending += evt.Count
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeDownloaded:
		c.summary.Downloaded++
	case EventTypeTimeout:
		c.summary.Timeouts++
		c.summary.Failed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeFailed:
		c.summary.Failed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

// EventStream fans run events out to subscribers.
type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started).Round(time.Millisecond))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
