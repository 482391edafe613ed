package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dhcgn/remittance-runner/extract"
	"github.com/dhcgn/remittance-runner/model"
	"github.com/dhcgn/remittance-runner/naming"
	"github.com/dhcgn/remittance-runner/state"
	"github.com/dhcgn/remittance-runner/workspace"
)

// Driver downloads one Job at a time through a shared Browser.
type Driver struct {
	layout    *workspace.Layout
	browser   Browser
	passcodes Passcodes
	text      TextExtractor
	tracker   state.Tracker
	opts      Options
	logger    *slog.Logger
}

func NewDriver(layout *workspace.Layout, browser Browser, passcodes Passcodes, text TextExtractor, tracker state.Tracker, opts Options, logger *slog.Logger) (*Driver, error) {
	if layout == nil {
		return nil, fmt.Errorf("layout must not be nil")
	}
	if browser == nil {
		return nil, fmt.Errorf("browser must not be nil")
	}
	if passcodes == nil {
		return nil, fmt.Errorf("passcode source must not be nil")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		layout:    layout,
		browser:   browser,
		passcodes: passcodes,
		text:      text,
		tracker:   tracker,
		opts:      opts.withDefaults(),
		logger:    logger,
	}, nil
}

// Process runs the whole portal flow for job. Failures are reported in the Result and never
// abort the caller; only a manifest write failure is Fatal.
func (d *Driver) Process(ctx context.Context, job model.Job) model.Result {
	logger := d.logger.With("transmission", job.TransmissionID)
	logger.Info("processing job", "source", filepath.Base(job.SourcePath), "url", job.PortalURL)

	artifact, err := d.download(ctx, job, logger)
	if err != nil {
		logger.Error("download failed", "err", err)
		return model.Failed(job, err)
	}

	d.removePlaceholder(job, logger)

	if err := d.tracker.MarkProcessed(job.TransmissionID); err != nil {
		logger.Error("manifest update failed", "err", err)
		return model.Fatal(job, err)
	}

	result := model.OK(job)
	result.Artifact = artifact
	return result
}

func (d *Driver) download(ctx context.Context, job model.Job, logger *slog.Logger) (artifact string, err error) {
	page, err := d.browser.NewPage(ctx)
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			logger.Debug("page close failed", "err", closeErr)
		}
	}()

	var staged string
	defer func() {
		if err != nil && staged != "" {
			if rmErr := os.Remove(staged); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				logger.Warn("staged file cleanup failed", "path", staged, "err", rmErr)
			}
		}
	}()

	if err := bounded(ctx, d.opts.NavigateTimeout, func(ctx context.Context) error {
		return page.Navigate(ctx, job.PortalURL)
	}); err != nil {
		return "", fmt.Errorf("open portal: %w", err)
	}
	if err := d.awaitRequestControl(ctx, page, logger); err != nil {
		return "", err
	}

	if err := d.passcodes.Prepare(ctx, job.Mailbox); err != nil {
		return "", err
	}
	if err := bounded(ctx, d.opts.ActionTimeout, func(ctx context.Context) error {
		return page.Click(ctx, d.opts.RequestButton)
	}); err != nil {
		return "", fmt.Errorf("request passcode: %w", err)
	}
	if err := page.WaitFor(ctx, d.opts.PasscodeInput, d.opts.InputTimeout); err != nil {
		return "", fmt.Errorf("passcode input: %w", err)
	}

	code, err := d.passcodes.Wait(ctx, job)
	if err != nil {
		return "", err
	}
	logger.Info("applying passcode", "mailbox", job.Mailbox)
	if err := bounded(ctx, d.opts.ActionTimeout, func(ctx context.Context) error {
		return page.Fill(ctx, d.opts.PasscodeInput, code)
	}); err != nil {
		return "", fmt.Errorf("fill passcode: %w", err)
	}

	dl, err := page.ExpectDownload(ctx, d.opts.DownloadTimeout, func(ctx context.Context) error {
		return page.Click(ctx, d.opts.VerifyButton)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownload, err)
	}

	suggested := dl.SuggestedName()
	if suggested == "" {
		suggested = job.TransmissionID + naming.Extension
	}
	staged, err = naming.UniquePath(d.layout.DownloadsDir(), naming.Sanitize(filepath.Base(suggested)))
	if err != nil {
		return "", fmt.Errorf("stage download: %w", err)
	}
	if err := dl.SaveAs(staged); err != nil {
		return "", fmt.Errorf("save download: %w", err)
	}

	meta := d.metadata(ctx, staged, logger)
	dest, err := naming.UniquePath(d.layout.StoreDir(job.Store), naming.TargetName(job.TransmissionID, meta, suggested))
	if err != nil {
		return "", fmt.Errorf("allocate artifact path: %w", err)
	}
	if err := moveFile(staged, dest); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	staged = ""

	attrs := []any{"path", dest, "docRef", orNA(meta.Reference), "amount", orNA(meta.Amount)}
	if info, statErr := os.Stat(dest); statErr == nil {
		attrs = append(attrs, "size", humanize.Bytes(uint64(info.Size())))
	}
	logger.Info("saved artifact", attrs...)
	return dest, nil
}

// awaitRequestControl reloads the page between attempts; the portal sometimes renders without
// the request button.
func (d *Driver) awaitRequestControl(ctx context.Context, page Page, logger *slog.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= d.opts.ReadyAttempts; attempt++ {
		lastErr = page.WaitFor(ctx, d.opts.RequestButton, d.opts.ReadyTimeout)
		if lastErr == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.Warn("passcode request control not ready, reloading", "attempt", attempt, "err", lastErr)
		if err := bounded(ctx, d.opts.NavigateTimeout, page.Reload); err != nil {
			logger.Warn("reload failed", "attempt", attempt, "err", err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrControlNotFound, d.opts.ReadyAttempts, lastErr)
}

// bounded runs fn under its own deadline so a stalled page action fails the job instead of
// holding the run.
func bounded(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func (d *Driver) metadata(ctx context.Context, path string, logger *slog.Logger) model.Metadata {
	if d.text == nil {
		return model.Metadata{}
	}
	text, err := d.text.ExtractText(ctx, path)
	if err != nil {
		logger.Warn("text extraction failed, using fallback name", "path", path, "err", err)
		return model.Metadata{}
	}
	return extract.Extract(text)
}

func (d *Driver) removePlaceholder(job model.Job, logger *slog.Logger) {
	if job.Archived || job.SourcePath == "" || !d.layout.Contains(job.SourcePath) {
		return
	}
	if err := os.Remove(job.SourcePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to remove placeholder", "path", job.SourcePath, "err", err)
		return
	}
	logger.Info("removed placeholder", "path", job.SourcePath)
}

// moveFile renames src to dst, copying when they are on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

func orNA(v string) string {
	if v == "" {
		return "n/a"
	}
	return v
}
