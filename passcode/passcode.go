// Package passcode correlates one-time passcode emails with the transmission that requested them.
package passcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/remittance-runner/model"
)

// ErrTimeout is returned when no matching passcode email arrives within the wait ceiling.
var ErrTimeout = errors.New("timed out waiting for one-time passcode")

const (
	DefaultTimeout       = 180 * time.Second
	DefaultPollInterval  = 5 * time.Second
	DefaultSnapshotLimit = 20
	DefaultListLimit     = 50
)

var codeRe = regexp.MustCompile(`(?i)passcode\s+is\s+(\d{6})`)

// MailSource lists the most recent messages of a named mailbox, newest first.
type MailSource interface {
	ListRecent(ctx context.Context, mailbox string, limit int) ([]model.MailItem, error)
}

type Options struct {
	Timeout       time.Duration
	PollInterval  time.Duration
	SnapshotLimit int
	ListLimit     int
	// Fragment identifies passcode notifications in general, regardless of transmission.
	Fragment string
}

// DefaultOptions returns the fixed production timings.
func DefaultOptions() Options {
	return Options{
		Timeout:       DefaultTimeout,
		PollInterval:  DefaultPollInterval,
		SnapshotLimit: DefaultSnapshotLimit,
		ListLimit:     DefaultListLimit,
		Fragment:      model.PasscodeSubjectPrefix,
	}
}

// Correlator keeps, per mailbox, the ids of notifications that must never be matched: those
// present before the run started and those already consumed by a Job.
type Correlator struct {
	source MailSource
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	known map[string]map[string]struct{}
}

func New(source MailSource, opts Options, logger *slog.Logger) *Correlator {
	defaults := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.SnapshotLimit <= 0 {
		opts.SnapshotLimit = defaults.SnapshotLimit
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = defaults.ListLimit
	}
	if opts.Fragment == "" {
		opts.Fragment = defaults.Fragment
	}
	return &Correlator{
		source: source,
		opts:   opts,
		logger: logger,
		known:  make(map[string]map[string]struct{}),
	}
}

// Prepare snapshots the mailbox's existing notifications the first time it is seen in this run.
// Call it before requesting a passcode so the requested email cannot end up in the snapshot.
// The listing is bounded by the wait ceiling.
func (c *Correlator) Prepare(ctx context.Context, mailbox string) error {
	c.mu.Lock()
	_, ready := c.known[mailbox]
	c.mu.Unlock()
	if ready {
		return nil
	}

	limit := c.opts.ListLimit
	if limit < c.opts.SnapshotLimit {
		limit = c.opts.SnapshotLimit
	}
	listCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	items, err := c.source.ListRecent(listCtx, mailbox, limit)
	if err != nil {
		return fmt.Errorf("snapshot mailbox %s: %w", mailbox, err)
	}

	snapshot := make(map[string]struct{}, c.opts.SnapshotLimit)
	for _, item := range items {
		if len(snapshot) >= c.opts.SnapshotLimit {
			break
		}
		if strings.Contains(strings.TrimSpace(item.Subject), c.opts.Fragment) {
			snapshot[item.ID] = struct{}{}
		}
	}

	c.mu.Lock()
	if _, exists := c.known[mailbox]; !exists {
		c.known[mailbox] = snapshot
	}
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debug("passcode mailbox snapshotted", "mailbox", mailbox, "known", len(snapshot))
	}
	return nil
}

// Wait polls the Job's mailbox until an unseen passcode email for its transmission arrives and
// returns the six-digit code. It fails with ErrTimeout once the ceiling elapses.
func (c *Correlator) Wait(ctx context.Context, job model.Job) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.Prepare(waitCtx, job.Mailbox); err != nil {
		if ctx.Err() == nil && waitCtx.Err() != nil {
			return "", fmt.Errorf("%w for %s after %s: %w", ErrTimeout, job.TransmissionID, c.opts.Timeout, err)
		}
		return "", err
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		code, ok, err := c.poll(waitCtx, job)
		if ok {
			return code, nil
		}
		if err != nil && waitCtx.Err() == nil && c.logger != nil {
			c.logger.Warn("passcode poll failed", "transmission", job.TransmissionID, "mailbox", job.Mailbox, "err", err)
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("%w for %s after %s", ErrTimeout, job.TransmissionID, c.opts.Timeout)
		case <-ticker.C:
		}
	}
}

func (c *Correlator) poll(ctx context.Context, job model.Job) (string, bool, error) {
	items, err := c.source.ListRecent(ctx, job.Mailbox, c.opts.ListLimit)
	if err != nil {
		return "", false, err
	}

	want := job.PasscodeSubject()
	for _, item := range items {
		if !subjectMatches(item.Subject, want) || c.isKnown(job.Mailbox, item.ID) {
			continue
		}
		m := codeRe.FindStringSubmatch(item.Body)
		if m == nil {
			// Left unknown; the body is read again on every poll until the wait ends.
			if c.logger != nil {
				c.logger.Debug("passcode email without code", "transmission", job.TransmissionID, "id", item.ID)
			}
			continue
		}

		c.markKnown(job.Mailbox, item.ID)
		if c.logger != nil {
			c.logger.Info("passcode email received", "transmission", job.TransmissionID, "mailbox", job.Mailbox, "received", item.ReceivedAt.Format(time.RFC3339))
		}
		return m[1], true, nil
	}
	return "", false, nil
}

func (c *Correlator) isKnown(mailbox, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.known[mailbox][id]
	return ok
}

func (c *Correlator) markKnown(mailbox, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.known[mailbox]
	if !ok {
		set = make(map[string]struct{})
		c.known[mailbox] = set
	}
	set[id] = struct{}{}
}

// subjectMatches reports whether subject contains want and want is not merely a prefix of a
// longer transmission id.
func subjectMatches(subject, want string) bool {
	subject = strings.TrimSpace(subject)
	for offset := 0; ; {
		idx := strings.Index(subject[offset:], want)
		if idx < 0 {
			return false
		}
		end := offset + idx + len(want)
		if end == len(subject) || !isIDChar(subject[end]) {
			return true
		}
		offset += idx + 1
	}
}

func isIDChar(b byte) bool {
	return b == '-' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
