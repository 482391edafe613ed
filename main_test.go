package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/remittance-runner/config"
	"github.com/dhcgn/remittance-runner/workspace"
)

func testConfig(t *testing.T) (config.Config, *workspace.Layout) {
	t.Helper()
	cfg := config.Default()
	cfg.RunnerBase = t.TempDir()
	cfg.Date = "2026-10-15"
	cfg.IMAP.Host = ""
	layout, err := workspace.New(cfg.RunnerBase, cfg.Date)
	if err != nil {
		t.Fatal(err)
	}
	return cfg, layout
}

func TestRun_NothingToDoNeedsNoMailbox(t *testing.T) {
	cfg, layout := testConfig(t)
	if err := run(context.Background(), cfg, layout, slog.New(slog.DiscardHandler)); err != nil {
		t.Fatalf("run() error = %v, want nil without pending jobs", err)
	}
}

func TestRun_PendingJobRequiresMailbox(t *testing.T) {
	cfg, layout := testConfig(t)
	placeholder := filepath.Join(layout.StoreDir("Store A"), "notice.eml")
	if err := os.MkdirAll(filepath.Dir(placeholder), 0o755); err != nil {
		t.Fatal(err)
	}
	raw := "From: noreply@" + cfg.Portal.Domain + "\r\nTo: accounts@example.com\r\nSubject: Remittance advice\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n\r\n" +
		"Transmission ID: TX-100\nhttps://" + cfg.Portal.Domain + "/dl?t=TX-100\r\n"
	if err := os.WriteFile(placeholder, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	err := run(context.Background(), cfg, layout, slog.New(slog.DiscardHandler))
	if err == nil || !strings.Contains(err.Error(), "imap-host") {
		t.Fatalf("run() error = %v, want missing imap host", err)
	}
	if _, statErr := os.Stat(placeholder); statErr != nil {
		t.Errorf("placeholder touched: %v", statErr)
	}
}
