// Package cmd holds the auxiliary subcommands of remittance-runner.
package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dhcgn/remittance-runner/config"
	"github.com/dhcgn/remittance-runner/discovery"
	"github.com/dhcgn/remittance-runner/model"
	"github.com/dhcgn/remittance-runner/state"
	"github.com/dhcgn/remittance-runner/workspace"
)

// DiscoveryOptions maps the run configuration onto discovery settings.
func DiscoveryOptions(cfg config.Config) discovery.Options {
	return discovery.Options{
		BaseDir:        cfg.DiscoveryBase(),
		DateKey:        cfg.Date,
		Stores:         cfg.Stores,
		PortalDomain:   cfg.Portal.Domain,
		Mailboxes:      cfg.Mail.Mailboxes,
		DefaultMailbox: cfg.Mail.DefaultMailbox,
		IncludeSubject: cfg.Mail.IncludeSubject,
		ExcludeSubject: cfg.Mail.ExcludeSubject,
	}
}

// NewJobsCommand lists the jobs discovery would produce, without touching the portal or mailbox.
func NewJobsCommand() *cobra.Command {
	var (
		showSkipped bool
		csvPath     string
	)

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List discovered remittance jobs and their processed status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}

			layout, err := workspace.New(cfg.RunnerBase, cfg.Date)
			if err != nil {
				return err
			}
			tracker, err := state.NewFileTracker(layout.ManifestPath(), false)
			if err != nil {
				return err
			}

			d, err := discovery.New(DiscoveryOptions(cfg), nil)
			if err != nil {
				return err
			}
			scan, err := d.Discover(cmd.Context())
			if err != nil {
				return fmt.Errorf("discover jobs: %w", err)
			}

			out := cmd.OutOrStdout()
			rows := jobRows(scan.Jobs, tracker)
			if len(rows) == 0 {
				fmt.Fprintf(out, "No remittance notifications found under %s\n", cfg.DiscoveryBase())
			} else {
				fmt.Fprintln(out, renderTable(
					[]string{"#", "Transmission", "Store", "Mailbox", "Status", "Source"},
					rows,
					[]columnAlignment{alignRight},
				))
			}
			pending := 0
			for _, job := range scan.Jobs {
				if !tracker.AlreadyProcessed(job.TransmissionID) {
					pending++
				}
			}
			fmt.Fprintf(out, "%d job(s), %d pending, %d skipped, %d duplicate(s)\n", len(scan.Jobs), pending, len(scan.Skipped), scan.Duplicates)

			if showSkipped && len(scan.Skipped) > 0 {
				fmt.Fprintln(out, renderTable([]string{"Source", "Reason"}, skippedRows(scan.Skipped), nil))
			}

			if csvPath != "" {
				if err := writeCSV(csvPath, rows); err != nil {
					return fmt.Errorf("write csv report: %w", err)
				}
				fmt.Fprintf(out, "Report saved to %s\n", csvPath)
			}
			return nil
		},
	}

	jobsCmd.Flags().BoolVar(&showSkipped, "skipped", false, "Also list notifications that were not turned into jobs")
	jobsCmd.Flags().StringVarP(&csvPath, "output", "o", "", "Write the job list as CSV to this file")
	return jobsCmd
}

func jobRows(jobs []model.Job, tracker state.Tracker) [][]string {
	rows := make([][]string, 0, len(jobs))
	for i, job := range jobs {
		status := "pending"
		if tracker.AlreadyProcessed(job.TransmissionID) {
			status = "processed"
		}
		source := filepath.Base(job.SourcePath)
		if job.Archived {
			source = fmt.Sprintf("%s#%d", source, job.SourceIndex)
		}
		rows = append(rows, []string{strconv.Itoa(i + 1), job.TransmissionID, job.Store, job.Mailbox, status, source})
	}
	return rows
}

func skippedRows(results []model.Result) [][]string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{r.Source, r.Reason})
	}
	return rows
}

func writeCSV(path string, rows [][]string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encodeCSV(file, rows); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func encodeCSV(w io.Writer, rows [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"n", "transmission", "store", "mailbox", "status", "source"}); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}
