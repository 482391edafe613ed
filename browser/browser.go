// Package browser runs the portal session in a Chrome instance driven over the DevTools protocol.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"

	"github.com/dhcgn/remittance-runner/portal"
)

// actionTimeout caps a single navigation or input action when the caller sets no tighter bound.
const actionTimeout = 30 * time.Second

var (
	ErrDownloadCanceled = errors.New("download canceled by the browser")
	ErrClosed           = errors.New("browser is closed")
)

type Options struct {
	Headless bool
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
	// DownloadDir receives in-flight transfers. A temporary directory is used when empty.
	DownloadDir string
}

// AllocatorOptions returns the Chrome command line for opts.
func AllocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(1280, 900),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	return allocOpts
}

// Browser is one Chrome process. Pages are tabs inside it.
type Browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	downloadDir string
	ownsDir     bool
	logger      *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Launch starts Chrome. The process ends when ctx is canceled or Close is called.
func Launch(ctx context.Context, opts Options, logger *slog.Logger) (*Browser, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dir, owns := opts.DownloadDir, false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "remittance-downloads-")
		if err != nil {
			return nil, fmt.Errorf("create download directory: %w", err)
		}
		dir, owns = tmp, true
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve download directory: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, AllocatorOptions(opts)...)
	browserCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(func(format string, args ...any) {
		logger.Debug("chrome: " + fmt.Sprintf(format, args...))
	}))

	// The first Run on a fresh context starts the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		if owns {
			_ = os.RemoveAll(abs)
		}
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	logger.Debug("chrome started", "headless", opts.Headless, "downloads", abs)
	return &Browser{
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		downloadDir: abs,
		ownsDir:     owns,
		logger:      logger,
	}, nil
}

// NewPage opens a tab with downloads routed into the browser's download directory.
func (b *Browser) NewPage(ctx context.Context) (portal.Page, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(b.ctx)
	p := &Page{
		ctx:         tabCtx,
		cancel:      cancel,
		downloadDir: b.downloadDir,
		events:      make(chan any, 16),
	}
	chromedp.ListenTarget(tabCtx, p.onEvent)

	behavior := cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
		WithDownloadPath(b.downloadDir).
		WithEventsEnabled(true)
	if err := chromedp.Run(tabCtx, behavior); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return p, nil
}

// Close stops Chrome and removes a temporary download directory.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()
	b.allocCancel()
	if b.ownsDir {
		if err := os.RemoveAll(b.downloadDir); err != nil {
			return fmt.Errorf("remove download directory: %w", err)
		}
	}
	return nil
}

// Page is a single Chrome tab.
type Page struct {
	ctx         context.Context
	cancel      context.CancelFunc
	downloadDir string
	events      chan any
}

func (p *Page) onEvent(ev any) {
	switch e := ev.(type) {
	case *cdpbrowser.EventDownloadWillBegin:
	case *cdpbrowser.EventDownloadProgress:
		if e.State == cdpbrowser.DownloadProgressStateInProgress {
			return
		}
	default:
		return
	}
	select {
	case p.events <- ev:
	default:
	}
}

// run executes actions on the tab, bounded by timeout (actionTimeout when not positive) and by
// the caller's ctx.
func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if timeout <= 0 {
		timeout = actionTimeout
	}
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, 0, chromedp.Navigate(url))
}

func (p *Page) Reload(ctx context.Context) error {
	return p.run(ctx, 0, chromedp.Reload())
}

func (p *Page) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	return p.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *Page) Click(ctx context.Context, selector string) error {
	return p.run(ctx, 0, chromedp.Click(selector, chromedp.ByQuery))
}

// Fill replaces the field's value with keystrokes so the page sees input events.
func (p *Page) Fill(ctx context.Context, selector, value string) error {
	return p.run(ctx, 0,
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (p *Page) ExpectDownload(ctx context.Context, timeout time.Duration, trigger func(context.Context) error) (portal.Download, error) {
	drain(p.events)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := trigger(waitCtx); err != nil {
		return nil, err
	}
	dl, err := awaitDownload(waitCtx, p.events, p.downloadDir)
	if err != nil {
		return nil, err
	}
	return dl, nil
}

func (p *Page) Close() error {
	p.cancel()
	return nil
}

func drain(events chan any) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

// awaitDownload pairs the will-begin and terminal progress events of the first transfer.
func awaitDownload(ctx context.Context, events <-chan any, dir string) (*Download, error) {
	names := make(map[string]string)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev := <-events:
			switch e := ev.(type) {
			case *cdpbrowser.EventDownloadWillBegin:
				names[e.GUID] = e.SuggestedFilename
			case *cdpbrowser.EventDownloadProgress:
				switch e.State {
				case cdpbrowser.DownloadProgressStateCompleted:
					return &Download{path: filepath.Join(dir, e.GUID), suggested: names[e.GUID]}, nil
				case cdpbrowser.DownloadProgressStateCanceled:
					return nil, ErrDownloadCanceled
				}
			}
		}
	}
}

// Download is a finished transfer stored under its GUID in the download directory.
type Download struct {
	path      string
	suggested string
}

func (d *Download) SuggestedName() string { return d.suggested }

// SaveAs moves the transfer to path.
func (d *Download) SaveAs(path string) error {
	if err := os.Rename(d.path, path); err == nil {
		return nil
	}
	in, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("open download: %w", err)
	}
	defer in.Close()

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(d.path)
}
