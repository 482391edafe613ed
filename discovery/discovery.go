// Package discovery scans the dated work area for portal notifications and turns each into a Job.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dhcgn/remittance-runner/filter"
	"github.com/dhcgn/remittance-runner/message"
	"github.com/dhcgn/remittance-runner/model"
)

type Options struct {
	BaseDir        string
	DateKey        string
	Stores         []string
	PortalDomain   string
	Mailboxes      map[string]string
	DefaultMailbox string
	IncludeSubject []string
	ExcludeSubject []string
}

// Scan is the outcome of one discovery pass.
type Scan struct {
	Jobs       []model.Job
	Skipped    []model.Result
	Duplicates int
}

type Discoverer struct {
	opts      Options
	filter    *filter.Filter
	links     *linkFinder
	mailboxes map[string]string
	logger    *slog.Logger
}

func New(opts Options, logger *slog.Logger) (*Discoverer, error) {
	if strings.TrimSpace(opts.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is empty")
	}
	if strings.TrimSpace(opts.DefaultMailbox) == "" {
		return nil, fmt.Errorf("default mailbox is empty")
	}
	f, err := filter.New(filter.Options{
		SenderDomain:   opts.PortalDomain,
		IncludeSubject: opts.IncludeSubject,
		ExcludeSubject: opts.ExcludeSubject,
	})
	if err != nil {
		return nil, err
	}

	mailboxes := make(map[string]string, len(opts.Mailboxes))
	for addr, mailbox := range opts.Mailboxes {
		mailboxes[strings.ToLower(strings.TrimSpace(addr))] = mailbox
	}

	return &Discoverer{
		opts:      opts,
		filter:    f,
		links:     newLinkFinder(opts.PortalDomain),
		mailboxes: mailboxes,
		logger:    logger,
	}, nil
}

// Discover walks every store folder and returns the deduplicated Jobs in scan order.
// A missing base directory is returned as an error wrapping fs.ErrNotExist.
func (d *Discoverer) Discover(ctx context.Context) (Scan, error) {
	var scan Scan

	stores, err := d.storeDirs()
	if err != nil {
		return scan, err
	}

	seen := make(map[string]struct{})
	for _, storeDir := range stores {
		store := filepath.Base(storeDir)
		for _, folder := range d.folders(storeDir) {
			if err := ctx.Err(); err != nil {
				return scan, err
			}

			paths, err := messageFiles(folder)
			if err != nil {
				d.skip(&scan, model.Skipped(folder, err.Error()))
				continue
			}
			for _, path := range paths {
				for _, result := range d.Inspect(path, store) {
					if result.Kind != model.ResultOK {
						d.skip(&scan, result)
						continue
					}
					id := result.Job.TransmissionID
					if _, dup := seen[id]; dup {
						scan.Duplicates++
						continue
					}
					seen[id] = struct{}{}
					scan.Jobs = append(scan.Jobs, result.Job)
					if d.logger != nil {
						d.logger.Debug("job discovered", "transmission", id, "store", store, "source", path, "mailbox", result.Job.Mailbox)
					}
				}
			}
		}
	}

	return scan, nil
}

// Inspect turns every message stored at path into an OK or Skipped result.
func (d *Discoverer) Inspect(path, store string) []model.Result {
	envelopes, err := message.Read(path)
	if err != nil && len(envelopes) == 0 {
		return []model.Result{model.Skipped(path, err.Error())}
	}

	archived := strings.EqualFold(filepath.Ext(path), message.ExtMbox)
	results := make([]model.Result, 0, len(envelopes)+1)
	for _, env := range envelopes {
		if env.Err != nil {
			results = append(results, model.Skipped(path, env.Err.Error()))
			continue
		}
		results = append(results, d.inspectMessage(env.Message, store, archived))
	}
	if err != nil {
		results = append(results, model.Skipped(path, err.Error()))
	}
	return results
}

func (d *Discoverer) inspectMessage(msg model.SourceMessage, store string, archived bool) model.Result {
	source := msg.Path
	if archived {
		source = fmt.Sprintf("%s#%d", msg.Path, msg.Index)
	}

	if ok, reason := d.filter.Allows(msg); !ok {
		return model.Skipped(source, reason)
	}

	combined := msg.Combined()
	transmissionID, ok := ExtractTransmissionID(combined)
	if !ok {
		return model.Skipped(source, "transmission id not found")
	}
	portalURL, ok := d.links.Find(combined)
	if !ok {
		return model.Skipped(source, "secure download link not detected")
	}

	var recipient string
	if len(msg.To) > 0 {
		recipient = strings.ToLower(strings.TrimSpace(msg.To[0]))
	}

	return model.OK(model.Job{
		SourcePath:     msg.Path,
		SourceIndex:    msg.Index,
		Archived:       archived,
		Store:          store,
		DateKey:        d.opts.DateKey,
		TransmissionID: transmissionID,
		PortalURL:      portalURL,
		Recipient:      recipient,
		Mailbox:        d.Mailbox(recipient),
	})
}

// Mailbox maps a recipient to its passcode mailbox, falling back to the default.
func (d *Discoverer) Mailbox(recipient string) string {
	if mailbox, ok := d.mailboxes[strings.ToLower(strings.TrimSpace(recipient))]; ok && mailbox != "" {
		return mailbox
	}
	return d.opts.DefaultMailbox
}

func (d *Discoverer) skip(scan *Scan, result model.Result) {
	scan.Skipped = append(scan.Skipped, result)
	if d.logger != nil {
		d.logger.Info("skipping message", "source", result.Source, "reason", result.Reason)
	}
}

func (d *Discoverer) storeDirs() ([]string, error) {
	if len(d.opts.Stores) > 0 {
		dirs := make([]string, 0, len(d.opts.Stores))
		for _, store := range d.opts.Stores {
			dir := filepath.Join(d.opts.BaseDir, store)
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				if d.logger != nil {
					d.logger.Warn("store folder not found", "store", store, "path", dir)
				}
				continue
			}
			dirs = append(dirs, dir)
		}
		return dirs, nil
	}

	entries, err := os.ReadDir(d.opts.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("read base directory: %w", err)
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(d.opts.BaseDir, entry.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// folders returns the dated subfolder (when present) followed by the store folder itself,
// never the same physical folder twice.
func (d *Discoverer) folders(storeDir string) []string {
	candidates := []string{filepath.Join(storeDir, d.opts.DateKey), storeDir}
	seen := make(map[string]struct{}, len(candidates))
	var folders []string
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || !info.IsDir() {
			continue
		}
		key := resolve(candidate)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		folders = append(folders, candidate)
	}
	return folders
}

func messageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read folder: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && message.Supported(entry.Name()) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func resolve(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
