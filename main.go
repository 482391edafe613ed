package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dhcgn/remittance-runner/browser"
	"github.com/dhcgn/remittance-runner/cmd"
	"github.com/dhcgn/remittance-runner/config"
	"github.com/dhcgn/remittance-runner/imap"
	"github.com/dhcgn/remittance-runner/passcode"
	"github.com/dhcgn/remittance-runner/pdftext"
	"github.com/dhcgn/remittance-runner/portal"
	"github.com/dhcgn/remittance-runner/progress"
	"github.com/dhcgn/remittance-runner/runner"
	"github.com/dhcgn/remittance-runner/stats"
	"github.com/dhcgn/remittance-runner/workspace"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "remittance-runner",
		Short:        "Download secure remittance advices announced by placeholder emails",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}

			layout, err := workspace.New(cfg.RunnerBase, cfg.Date)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg, layout)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger = logger.With("run", uuid.NewString())
			slog.SetDefault(logger)
			logger.Info("starting remittance-runner", "date", cfg.Date, "base", cfg.DiscoveryBase(), "stores", cfg.Stores)

			return run(cmd.Context(), cfg, layout, logger)
		},
	}

	config.RegisterFlags(rootCmd)
	rootCmd.AddCommand(cmd.NewJobsCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, layout *workspace.Layout, logger *slog.Logger) error {
	var text portal.TextExtractor
	extractor, err := pdftext.New(pdftext.Options{Binary: cfg.PDFToText})
	if err != nil {
		logger.Warn("pdftotext unavailable, artifacts get fallback names", "err", err)
	} else {
		text = extractor
	}

	sessions := runner.Sessions{
		OpenMail: func(ctx context.Context) (runner.MailSession, error) {
			if err := cfg.ValidateIMAP(); err != nil {
				return nil, err
			}
			source, err := imap.Dial(ctx, imap.Options{
				Host:               cfg.IMAP.Host,
				Port:               cfg.IMAP.Port,
				Username:           cfg.IMAP.User,
				Password:           cfg.IMAP.Pass,
				UseTLS:             cfg.IMAP.UseTLS,
				InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
			}, logger)
			if err != nil {
				return nil, err
			}
			return source, nil
		},
		OpenBrowser: func(ctx context.Context) (runner.BrowserSession, error) {
			b, err := browser.Launch(ctx, browser.Options{
				Headless:    cfg.Portal.Headless,
				ExecPath:    cfg.Portal.ChromePath,
				DownloadDir: filepath.Join(layout.LogDir(), "browser"),
			}, logger)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
		Text: text,
	}

	r, err := runner.New(runner.Options{
		Layout:    layout,
		Discovery: cmd.DiscoveryOptions(cfg),
		Passcode:  passcode.DefaultOptions(),
		Portal:    portal.DefaultOptions(),
	}, sessions, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	stats.NewReporter(r, logger)
	if progress.Enabled(cfg.LogLevel) {
		r.SubscribeStats("progress", progress.New(true).Subscriber)
	}

	return r.Run(ctx)
}

func setupLogger(cfg config.Config, layout *workspace.Layout) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if err := os.MkdirAll(layout.LogDir(), 0o755); err != nil {
		return nil, cleanup, err
	}
	file, err := os.OpenFile(layout.SessionLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, cleanup, err
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
	cleanup = func() error {
		return file.Close()
	}
	return slog.New(handler), cleanup, nil
}
