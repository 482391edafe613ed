package portal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/remittance-runner/model"
	"github.com/dhcgn/remittance-runner/passcode"
	"github.com/dhcgn/remittance-runner/state"
	"github.com/dhcgn/remittance-runner/workspace"
)

type fakeDownload struct {
	name string
	data []byte
}

func (f *fakeDownload) SuggestedName() string { return f.name }

func (f *fakeDownload) SaveAs(path string) error {
	return os.WriteFile(path, f.data, 0o644)
}

type fakePage struct {
	calls        []string
	readyAfter   int
	waits        int
	download     *fakeDownload
	downloadErr  error
	filled       string
	closed       bool
	inputMissing bool
	// hang names calls that block until their context ends.
	hang map[string]bool
}

func (p *fakePage) record(call string) { p.calls = append(p.calls, call) }

func (p *fakePage) block(ctx context.Context, call string) error {
	if !p.hang[call] {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.record("navigate " + url)
	return p.block(ctx, "navigate")
}

func (p *fakePage) Reload(ctx context.Context) error {
	p.record("reload")
	return p.block(ctx, "reload")
}

func (p *fakePage) WaitFor(_ context.Context, selector string, _ time.Duration) error {
	p.record("wait " + selector)
	if selector == RequestButton {
		p.waits++
		if p.waits <= p.readyAfter {
			return context.DeadlineExceeded
		}
	}
	if selector == PasscodeInput && p.inputMissing {
		return context.DeadlineExceeded
	}
	return nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.record("click " + selector)
	return p.block(ctx, "click")
}

func (p *fakePage) Fill(ctx context.Context, selector, value string) error {
	p.record("fill " + selector)
	if err := p.block(ctx, "fill"); err != nil {
		return err
	}
	p.filled = value
	return nil
}

func (p *fakePage) ExpectDownload(ctx context.Context, _ time.Duration, trigger func(context.Context) error) (Download, error) {
	if err := trigger(ctx); err != nil {
		return nil, err
	}
	if p.downloadErr != nil {
		return nil, p.downloadErr
	}
	return p.download, nil
}

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

type fakeBrowser struct {
	page *fakePage
}

func (b *fakeBrowser) NewPage(context.Context) (Page, error) { return b.page, nil }

type fakePasscodes struct {
	page     *fakePage
	code     string
	err      error
	prepared []string
	waited   int
}

func (f *fakePasscodes) Prepare(_ context.Context, mailbox string) error {
	f.prepared = append(f.prepared, mailbox)
	if f.page != nil {
		f.page.record("prepare " + mailbox)
	}
	return nil
}

func (f *fakePasscodes) Wait(context.Context, model.Job) (string, error) {
	f.waited++
	return f.code, f.err
}

type fakeText struct {
	text string
	err  error
}

func (f fakeText) ExtractText(context.Context, string) (string, error) { return f.text, f.err }

type failingTracker struct{ *state.MemoryTracker }

func (failingTracker) MarkProcessed(string) error {
	return fmt.Errorf("%w: disk full", state.ErrPersistence)
}

type fixture struct {
	layout    *workspace.Layout
	page      *fakePage
	passcodes *fakePasscodes
	tracker   *state.FileTracker
	job       model.Job
	opts      Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout, err := workspace.New(t.TempDir(), "2026-10-15")
	if err != nil {
		t.Fatal(err)
	}
	if err := layout.Prepare(); err != nil {
		t.Fatal(err)
	}
	placeholder := filepath.Join(layout.StoreDir("Store"), "notice.eml")
	if err := os.MkdirAll(filepath.Dir(placeholder), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(placeholder, []byte("placeholder"), 0o644); err != nil {
		t.Fatal(err)
	}
	tracker, err := state.NewFileTracker(layout.ManifestPath(), true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tracker.Close() })

	page := &fakePage{download: &fakeDownload{name: "advice.pdf", data: []byte("%PDF-1.4")}}
	return &fixture{
		layout:    layout,
		page:      page,
		passcodes: &fakePasscodes{page: page, code: "123456"},
		tracker:   tracker,
		job: model.Job{
			SourcePath:     placeholder,
			Store:          "Store",
			DateKey:        "2026-10-15",
			TransmissionID: "TX-100",
			PortalURL:      "https://yourremittance.com.au/dl?t=TX-100",
			Mailbox:        "INBOX",
		},
	}
}

func (f *fixture) driver(t *testing.T, text TextExtractor, tracker state.Tracker) *Driver {
	t.Helper()
	if tracker == nil {
		tracker = f.tracker
	}
	d, err := NewDriver(f.layout, &fakeBrowser{page: f.page}, f.passcodes, text, tracker, f.opts, nil)
	if err != nil {
		t.Fatalf("NewDriver() error = %v", err)
	}
	return d
}

func stagedFiles(t *testing.T, layout *workspace.Layout) []string {
	t.Helper()
	entries, err := os.ReadDir(layout.DownloadsDir())
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestProcess_Success(t *testing.T) {
	f := newFixture(t)
	text := fakeText{text: "Document Ref\nAdvice No: DOC-9\nTOTAL AMOUNT $250.00"}

	result := f.driver(t, text, nil).Process(context.Background(), f.job)
	if result.Kind != model.ResultOK {
		t.Fatalf("Process() kind = %v err = %v", result.Kind, result.Err)
	}

	want := filepath.Join(f.layout.StoreDir("Store"), "DOC-9 - 250.00.pdf")
	if result.Artifact != want {
		t.Errorf("Artifact = %q, want %q", result.Artifact, want)
	}
	if data, err := os.ReadFile(want); err != nil || string(data) != "%PDF-1.4" {
		t.Errorf("artifact content = %q, err = %v", data, err)
	}
	if _, err := os.Stat(f.job.SourcePath); !os.IsNotExist(err) {
		t.Error("placeholder inside the runner base should be removed")
	}
	if staged := stagedFiles(t, f.layout); len(staged) != 0 {
		t.Errorf("staging dir not empty: %v", staged)
	}
	if !f.tracker.AlreadyProcessed("TX-100") {
		t.Error("TX-100 not recorded")
	}
	manifest, _ := os.ReadFile(f.layout.ManifestPath())
	if strings.TrimSpace(string(manifest)) != "TX-100" {
		t.Errorf("manifest = %q", manifest)
	}
	if f.page.filled != "123456" {
		t.Errorf("filled = %q, want 123456", f.page.filled)
	}
	if !f.page.closed {
		t.Error("page not closed")
	}

	prepare, click := -1, -1
	for i, call := range f.page.calls {
		switch call {
		case "prepare INBOX":
			prepare = i
		case "click " + RequestButton:
			click = i
		}
	}
	if prepare < 0 || click < 0 || prepare > click {
		t.Errorf("mailbox must be snapshotted before the passcode is requested: %v", f.page.calls)
	}
}

func TestProcess_RetriesUntilControlReady(t *testing.T) {
	f := newFixture(t)
	f.page.readyAfter = 2

	result := f.driver(t, fakeText{}, nil).Process(context.Background(), f.job)
	if result.Kind != model.ResultOK {
		t.Fatalf("Process() kind = %v err = %v", result.Kind, result.Err)
	}
	if got := countCalls(f.page.calls, "reload"); got != 2 {
		t.Errorf("reloads = %d, want 2", got)
	}
	if want := filepath.Join(f.layout.StoreDir("Store"), "TX-100 - advice.pdf"); result.Artifact != want {
		t.Errorf("Artifact = %q, want fallback %q", result.Artifact, want)
	}
}

func TestProcess_ControlNeverReady(t *testing.T) {
	f := newFixture(t)
	f.page.readyAfter = 100

	result := f.driver(t, fakeText{}, nil).Process(context.Background(), f.job)
	if result.Kind != model.ResultFailed || !errors.Is(result.Err, ErrControlNotFound) {
		t.Fatalf("Process() = %v, %v; want failed with ErrControlNotFound", result.Kind, result.Err)
	}
	if f.page.waits != 4 {
		t.Errorf("attempts = %d, want 4", f.page.waits)
	}
	if f.passcodes.waited != 0 {
		t.Error("passcode must not be awaited when the portal never became ready")
	}
	if f.tracker.AlreadyProcessed("TX-100") {
		t.Error("failed job must not be recorded")
	}
	if _, err := os.Stat(f.job.SourcePath); err != nil {
		t.Error("placeholder must survive a failed job")
	}
}

func TestProcess_PasscodeTimeout(t *testing.T) {
	f := newFixture(t)
	f.passcodes.err = fmt.Errorf("%w for TX-100", passcode.ErrTimeout)

	result := f.driver(t, fakeText{}, nil).Process(context.Background(), f.job)
	if result.Kind != model.ResultFailed || !errors.Is(result.Err, passcode.ErrTimeout) {
		t.Fatalf("Process() = %v, %v; want failed with ErrTimeout", result.Kind, result.Err)
	}
	if !f.page.closed {
		t.Error("page not closed after failure")
	}
}

func TestProcess_DownloadNotReceived(t *testing.T) {
	f := newFixture(t)
	f.page.downloadErr = context.DeadlineExceeded

	result := f.driver(t, fakeText{}, nil).Process(context.Background(), f.job)
	if result.Kind != model.ResultFailed || !errors.Is(result.Err, ErrDownload) {
		t.Fatalf("Process() = %v, %v; want failed with ErrDownload", result.Kind, result.Err)
	}
	if !errors.Is(result.Err, context.DeadlineExceeded) {
		t.Errorf("cause lost: %v", result.Err)
	}
}

func TestProcess_StagedFileRemovedOnFailure(t *testing.T) {
	f := newFixture(t)
	// A file where the store directory should be makes allocation fail after staging.
	if err := os.RemoveAll(f.layout.StoreDir("Blocked")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.layout.StoreDir("Blocked"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.job.Store = "Blocked"

	result := f.driver(t, fakeText{}, nil).Process(context.Background(), f.job)
	if result.Kind != model.ResultFailed {
		t.Fatalf("Process() kind = %v, want failed", result.Kind)
	}
	if staged := stagedFiles(t, f.layout); len(staged) != 0 {
		t.Errorf("staged file left behind: %v", staged)
	}
}

func TestProcess_PersistenceFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	tracker := failingTracker{state.NewMemoryTracker()}

	result := f.driver(t, fakeText{}, tracker).Process(context.Background(), f.job)
	if result.Kind != model.ResultFatal || !errors.Is(result.Err, state.ErrPersistence) {
		t.Fatalf("Process() = %v, %v; want fatal persistence error", result.Kind, result.Err)
	}
}

func TestProcess_KeepsForeignAndArchivedPlaceholders(t *testing.T) {
	f := newFixture(t)
	outside := filepath.Join(t.TempDir(), "outside.eml")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.job.SourcePath = outside

	if result := f.driver(t, fakeText{err: errors.New("no pdftotext")}, nil).Process(context.Background(), f.job); result.Kind != model.ResultOK {
		t.Fatalf("Process() kind = %v err = %v", result.Kind, result.Err)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Error("placeholder outside the runner base must not be deleted")
	}

	g := newFixture(t)
	g.job.Archived = true
	if result := g.driver(t, fakeText{}, nil).Process(context.Background(), g.job); result.Kind != model.ResultOK {
		t.Fatalf("Process() kind = %v err = %v", result.Kind, result.Err)
	}
	if _, err := os.Stat(g.job.SourcePath); err != nil {
		t.Error("archived placeholder must not be deleted")
	}
}

func countCalls(calls []string, want string) int {
	n := 0
	for _, c := range calls {
		if c == want {
			n++
		}
	}
	return n
}

func TestProcess_StalledPageActionFailsJob(t *testing.T) {
	tests := []struct {
		name string
		call string
	}{
		{name: "navigate", call: "navigate"},
		{name: "request click", call: "click"},
		{name: "fill", call: "fill"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.page.hang = map[string]bool{tt.call: true}
			f.opts = Options{NavigateTimeout: 50 * time.Millisecond, ActionTimeout: 50 * time.Millisecond}

			started := time.Now()
			result := f.driver(t, nil, nil).Process(context.Background(), f.job)
			if result.Kind != model.ResultFailed || !errors.Is(result.Err, context.DeadlineExceeded) {
				t.Fatalf("Process() = %v, %v; want failed with deadline exceeded", result.Kind, result.Err)
			}
			if elapsed := time.Since(started); elapsed > 2*time.Second {
				t.Fatalf("Process() returned after %s", elapsed)
			}
			if _, err := os.Stat(f.job.SourcePath); err != nil {
				t.Errorf("placeholder removed after failure: %v", err)
			}
			if f.tracker.AlreadyProcessed(f.job.TransmissionID) {
				t.Error("failed job recorded as processed")
			}
		})
	}
}

func TestProcess_StalledReloadIsBounded(t *testing.T) {
	f := newFixture(t)
	f.page.readyAfter = 100
	f.page.hang = map[string]bool{"reload": true}
	f.opts = Options{ReadyAttempts: 3, NavigateTimeout: 30 * time.Millisecond}

	started := time.Now()
	result := f.driver(t, nil, nil).Process(context.Background(), f.job)
	if result.Kind != model.ResultFailed || !errors.Is(result.Err, ErrControlNotFound) {
		t.Fatalf("Process() = %v, %v; want failed with ErrControlNotFound", result.Kind, result.Err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("Process() returned after %s", elapsed)
	}
	reloads := 0
	for _, c := range f.page.calls {
		if c == "reload" {
			reloads++
		}
	}
	if reloads != 3 {
		t.Errorf("reloads = %d, want 3", reloads)
	}
}
