// Package runner orchestrates one run: discover jobs, open the mail and browser sessions, and
// drive each pending job through the portal.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/remittance-runner/discovery"
	"github.com/dhcgn/remittance-runner/model"
	"github.com/dhcgn/remittance-runner/passcode"
	"github.com/dhcgn/remittance-runner/portal"
	"github.com/dhcgn/remittance-runner/state"
	"github.com/dhcgn/remittance-runner/stats"
	"github.com/dhcgn/remittance-runner/workspace"
)

// MailSession is an open passcode mailbox connection.
type MailSession interface {
	passcode.MailSource
	io.Closer
}

// BrowserSession is a running browser.
type BrowserSession interface {
	portal.Browser
	io.Closer
}

// Sessions opens the external collaborators. They are only called when a pending job exists.
type Sessions struct {
	OpenMail    func(ctx context.Context) (MailSession, error)
	OpenBrowser func(ctx context.Context) (BrowserSession, error)
	Text        portal.TextExtractor
}

type Options struct {
	Layout    *workspace.Layout
	Discovery discovery.Options
	Passcode  passcode.Options
	Portal    portal.Options
}

type StatsFunc func(context.Context, <-chan stats.Event) error

type Runner struct {
	opts     Options
	sessions Sessions
	logger   *slog.Logger

	events      chan stats.Event
	subscribers map[string]StatsFunc
	statsWG     sync.WaitGroup
	closeOnce   sync.Once
}

func New(opts Options, sessions Sessions, logger *slog.Logger) (*Runner, error) {
	if opts.Layout == nil {
		return nil, fmt.Errorf("layout must not be nil")
	}
	if sessions.OpenMail == nil || sessions.OpenBrowser == nil {
		return nil, fmt.Errorf("mail and browser openers are required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		opts:        opts,
		sessions:    sessions,
		logger:      logger,
		events:      make(chan stats.Event, 128),
		subscribers: make(map[string]StatsFunc),
	}, nil
}

// SubscribeStats registers a consumer of run events. Subscribers start with Run and see the
// stream closed when it returns.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers[name] = fn
}

func (r *Runner) emit(ctx context.Context, evt stats.Event) {
	if len(r.subscribers) == 0 {
		return
	}
	select {
	case <-ctx.Done():
	case r.events <- evt:
	}
}

func (r *Runner) startStats(ctx context.Context) {
	if len(r.subscribers) == 0 {
		return
	}
	// Each subscriber gets its own copy of the stream.
	outs := make([]chan stats.Event, 0, len(r.subscribers))
	for name, fn := range r.subscribers {
		out := make(chan stats.Event, cap(r.events))
		outs = append(outs, out)
		r.statsWG.Add(1)
		go func() {
			defer r.statsWG.Done()
			if err := fn(ctx, out); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("stats subscriber failed", "name", name, "err", err)
			}
		}()
	}
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		defer func() {
			for _, out := range outs {
				close(out)
			}
		}()
		for evt := range r.events {
			for _, out := range outs {
				select {
				case out <- evt:
				case <-ctx.Done():
				}
			}
		}
	}()
}

func (r *Runner) stopStats() {
	r.closeOnce.Do(func() { close(r.events) })
	r.statsWG.Wait()
}

// Run executes the whole pipeline once. It returns nil when there is nothing to do, an error
// when a session cannot be opened or the manifest cannot be written, and nil otherwise even if
// individual jobs failed.
func (r *Runner) Run(ctx context.Context) error {
	started := time.Now()
	layout := r.opts.Layout

	if err := layout.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := layout.Unlock(); err != nil {
			r.logger.Warn("release lock failed", "err", err)
		}
	}()
	if err := layout.Prepare(); err != nil {
		return err
	}

	tracker, err := state.NewFileTracker(layout.ManifestPath(), true)
	if err != nil {
		return fmt.Errorf("state tracker: %w", err)
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			r.logger.Warn("close manifest failed", "err", err)
		}
	}()

	r.startStats(ctx)
	defer r.stopStats()

	jobs, pending, err := r.discover(ctx, tracker)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		r.logger.Info("no remittance notifications found", "date", layout.DateKey)
		return nil
	}

	done := 0
	if len(pending) > 0 {
		done, err = r.process(ctx, pending, tracker)
	} else {
		r.logger.Info("no pending jobs", "date", layout.DateKey, "alreadyProcessed", len(jobs))
	}
	r.logger.Info(fmt.Sprintf("completed %d of %d job(s)", done, len(jobs)), "duration", time.Since(started).Round(time.Millisecond))
	return err
}

// discover returns every discovered job and the subset not yet in the manifest. A missing base
// directory is not an error.
func (r *Runner) discover(ctx context.Context, tracker state.Tracker) (jobs, pending []model.Job, err error) {
	d, err := discovery.New(r.opts.Discovery, r.logger)
	if err != nil {
		return nil, nil, err
	}
	scan, err := d.Discover(ctx)
	if errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("base directory not found", "path", r.opts.Discovery.BaseDir)
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("discover jobs: %w", err)
	}

	for _, skipped := range scan.Skipped {
		r.emit(ctx, stats.Event{Stage: stats.StageDiscovery, Type: stats.EventTypeSkipped, Detail: skipped.Reason})
	}

	for _, job := range scan.Jobs {
		if tracker.AlreadyProcessed(job.TransmissionID) {
			r.logger.Info("skipping already processed transmission", "transmission", job.TransmissionID, "source", job.SourcePath)
			r.emit(ctx, stats.Event{Stage: stats.StageDiscovery, Type: stats.EventTypeDuplicate, TransmissionID: job.TransmissionID})
			continue
		}
		pending = append(pending, job)
	}

	r.logger.Info("discovery finished",
		"jobs", len(scan.Jobs),
		"pending", len(pending),
		"skipped", len(scan.Skipped),
		"duplicates", scan.Duplicates,
	)
	r.emit(ctx, stats.Event{Stage: stats.StageDiscovery, Type: stats.EventTypeDiscovered, Count: len(pending)})
	return scan.Jobs, pending, nil
}

func (r *Runner) process(ctx context.Context, jobs []model.Job, tracker state.Tracker) (done int, err error) {
	mail, err := r.sessions.OpenMail(ctx)
	if err != nil {
		return 0, fmt.Errorf("open mail session: %w", err)
	}
	defer func() {
		if closeErr := mail.Close(); closeErr != nil {
			r.logger.Warn("close mail session failed", "err", closeErr)
		}
	}()

	browser, err := r.sessions.OpenBrowser(ctx)
	if err != nil {
		return 0, fmt.Errorf("open browser: %w", err)
	}
	defer func() {
		if closeErr := browser.Close(); closeErr != nil {
			r.logger.Warn("close browser failed", "err", closeErr)
		}
	}()

	correlator := passcode.New(mail, r.opts.Passcode, r.logger)
	driver, err := portal.NewDriver(r.opts.Layout, browser, correlator, r.sessions.Text, tracker, r.opts.Portal, r.logger)
	if err != nil {
		return 0, err
	}

	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if tracker.AlreadyProcessed(job.TransmissionID) {
			continue
		}

		r.logger.Info("starting job", "n", i+1, "of", len(jobs), "transmission", job.TransmissionID, "store", job.Store)
		r.emit(ctx, stats.Event{Stage: stats.StagePortal, Type: stats.EventTypeStarted, TransmissionID: job.TransmissionID})

		result := driver.Process(ctx, job)
		switch result.Kind {
		case model.ResultOK:
			done++
			r.emit(ctx, stats.Event{Stage: stats.StagePortal, Type: stats.EventTypeDownloaded, TransmissionID: job.TransmissionID, Detail: result.Artifact})
		case model.ResultFatal:
			r.emit(ctx, stats.Event{Stage: stats.StagePortal, Type: stats.EventTypeFailed, TransmissionID: job.TransmissionID, Err: result.Err})
			return done, fmt.Errorf("job %s: %w", job.TransmissionID, result.Err)
		default:
			evtType := stats.EventTypeFailed
			if errors.Is(result.Err, passcode.ErrTimeout) {
				evtType = stats.EventTypeTimeout
			}
			r.emit(ctx, stats.Event{Stage: stats.StagePortal, Type: evtType, TransmissionID: job.TransmissionID, Err: result.Err})
		}
	}
	return done, ctx.Err()
}
