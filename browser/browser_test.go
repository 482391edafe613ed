package browser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
)

func TestAwaitDownload_Completed(t *testing.T) {
	dir := t.TempDir()
	events := make(chan any, 4)
	events <- &cdpbrowser.EventDownloadWillBegin{GUID: "g-1", SuggestedFilename: "advice.pdf"}
	events <- &cdpbrowser.EventDownloadProgress{GUID: "g-1", State: cdpbrowser.DownloadProgressStateCompleted}

	dl, err := awaitDownload(context.Background(), events, dir)
	if err != nil {
		t.Fatalf("awaitDownload() error = %v", err)
	}
	if dl.SuggestedName() != "advice.pdf" {
		t.Errorf("SuggestedName() = %q", dl.SuggestedName())
	}
	if dl.path != filepath.Join(dir, "g-1") {
		t.Errorf("path = %q", dl.path)
	}
}

func TestAwaitDownload_Canceled(t *testing.T) {
	events := make(chan any, 1)
	events <- &cdpbrowser.EventDownloadProgress{GUID: "g-1", State: cdpbrowser.DownloadProgressStateCanceled}

	if _, err := awaitDownload(context.Background(), events, t.TempDir()); !errors.Is(err, ErrDownloadCanceled) {
		t.Fatalf("awaitDownload() error = %v, want ErrDownloadCanceled", err)
	}
}

func TestAwaitDownload_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := awaitDownload(ctx, make(chan any), t.TempDir()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("awaitDownload() error = %v, want deadline exceeded", err)
	}
}

func TestPageOnEvent_IgnoresInProgress(t *testing.T) {
	p := &Page{events: make(chan any, 4)}
	p.onEvent(&cdpbrowser.EventDownloadProgress{GUID: "g", State: cdpbrowser.DownloadProgressStateInProgress})
	p.onEvent("unrelated")
	p.onEvent(&cdpbrowser.EventDownloadWillBegin{GUID: "g"})
	if got := len(p.events); got != 1 {
		t.Fatalf("queued events = %d, want 1", got)
	}
}

func TestDownloadSaveAs(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "g-1")
	if err := os.WriteFile(src, []byte("%PDF"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "staged.pdf")

	if err := (&Download{path: src}).SaveAs(dst); err != nil {
		t.Fatalf("SaveAs() error = %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still present")
	}
	if data, _ := os.ReadFile(dst); string(data) != "%PDF" {
		t.Errorf("content = %q", data)
	}
}

func TestAllocatorOptionsAddsExecPath(t *testing.T) {
	base := len(AllocatorOptions(Options{}))
	if got := len(AllocatorOptions(Options{ExecPath: "/usr/bin/chromium"})); got != base+1 {
		t.Fatalf("options = %d, want %d", got, base+1)
	}
}
