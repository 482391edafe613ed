// Package config merges the optional TOML file, command-line flags and environment into the
// settings of one run.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// DateLayout is the format of a date partition key.
const DateLayout = "2006-01-02"

type IMAP struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	User               string `toml:"user"`
	Pass               string `toml:"pass"`
	UseTLS             bool   `toml:"use_tls"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type Mail struct {
	DefaultMailbox string `toml:"default_mailbox"`
	// Mailboxes maps a notification recipient address to the passcode mailbox it forwards to.
	Mailboxes      map[string]string `toml:"mailboxes"`
	IncludeSubject []string          `toml:"include_subject"`
	ExcludeSubject []string          `toml:"exclude_subject"`
}

type Portal struct {
	Domain     string `toml:"domain"`
	Headless   bool   `toml:"headless"`
	ChromePath string `toml:"chrome_path"`
}

// Config captures every option of a run.
type Config struct {
	RunnerBase string   `toml:"runner_base"`
	BaseDir    string   `toml:"base_dir"`
	Stores     []string `toml:"stores"`
	LogLevel   string   `toml:"log_level"`
	PDFToText  string   `toml:"pdftotext"`
	IMAP       IMAP     `toml:"imap"`
	Mail       Mail     `toml:"mail"`
	Portal     Portal   `toml:"portal"`

	// Date is only set from the command line.
	Date string `toml:"-"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		RunnerBase: filepath.Join("03-outputs", "remittance-runner"),
		LogLevel:   "info",
		IMAP: IMAP{
			Port:   993,
			UseTLS: true,
		},
		Mail: Mail{
			DefaultMailbox: "Australia Orders",
			Mailboxes: map[string]string{
				"au-orders@novabio.com": "Australia Orders",
			},
		},
		Portal: Portal{
			Domain:   "yourremittance.com.au",
			Headless: true,
		},
	}
}

// RegisterFlags attaches the shared flags to cmd and all of its subcommands.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a TOML config file (default: ~/.config/remittance-runner/config.toml if present)")
	flags.String("date", "", "Target date folder (YYYY-MM-DD). Default: today")
	flags.StringArray("stores", nil, "Store folder to scan, repeatable (default: every store folder under the base directory)")
	flags.String("base-dir", "", "Folder containing the store subdirectories (default: <runner-base>/<date>/files)")
	flags.String("runner-base", "", "Root of the dated work areas")
	flags.String("log-level", "", "Logging level: debug, info, warn, error")
	flags.String("imap-host", "", "IMAP server hostname of the passcode mailbox")
	flags.Int("imap-port", 0, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.Bool("headless", true, "Run the browser without a window")
}

// Load reads the config file named by --config, then applies explicitly set flags and the
// environment on top of it.
func Load(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}

	cfg, err := LoadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.applyFlags(cmd); err != nil {
		return Config{}, err
	}
	if cfg.IMAP.Pass == "" {
		cfg.IMAP.Pass = os.Getenv("IMAP_PASS")
	}
	if err := cfg.normalize(time.Now()); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile decodes path over Default. An empty path falls back to the per-user location; a
// missing file is not an error.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return cfg, nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	// A mailboxes table in the file replaces the built-in map instead of merging into it.
	defaults := cfg.Mail.Mailboxes
	cfg.Mail.Mailboxes = nil
	if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", resolved, err)
	}
	if cfg.Mail.Mailboxes == nil {
		cfg.Mail.Mailboxes = defaults
	}
	return cfg, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	explicit := path != ""
	if !explicit {
		path = "~/.config/remittance-runner/config.toml"
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if errors.Is(err, fs.ErrNotExist) {
		if explicit {
			return "", false, fmt.Errorf("config file %s: %w", expanded, err)
		}
		return expanded, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

func (c *Config) applyFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && flags.Changed(name) {
			err = apply()
		}
	}

	set("date", func() (e error) { c.Date, e = flags.GetString("date"); return })
	set("stores", func() (e error) { c.Stores, e = flags.GetStringArray("stores"); return })
	set("base-dir", func() (e error) { c.BaseDir, e = flags.GetString("base-dir"); return })
	set("runner-base", func() (e error) { c.RunnerBase, e = flags.GetString("runner-base"); return })
	set("log-level", func() (e error) { c.LogLevel, e = flags.GetString("log-level"); return })
	set("imap-host", func() (e error) { c.IMAP.Host, e = flags.GetString("imap-host"); return })
	set("imap-port", func() (e error) { c.IMAP.Port, e = flags.GetInt("imap-port"); return })
	set("imap-user", func() (e error) { c.IMAP.User, e = flags.GetString("imap-user"); return })
	set("imap-pass", func() (e error) { c.IMAP.Pass, e = flags.GetString("imap-pass"); return })
	set("use-tls", func() (e error) { c.IMAP.UseTLS, e = flags.GetBool("use-tls"); return })
	set("insecure-skip-verify", func() (e error) { c.IMAP.InsecureSkipVerify, e = flags.GetBool("insecure-skip-verify"); return })
	set("headless", func() (e error) { c.Portal.Headless, e = flags.GetBool("headless"); return })
	return err
}

func (c *Config) normalize(now time.Time) error {
	c.Date = strings.TrimSpace(c.Date)
	if c.Date == "" {
		c.Date = now.Format(DateLayout)
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "":
		c.LogLevel = "info"
	case "warning":
		c.LogLevel = "warn"
	}

	var err error
	if c.RunnerBase, err = expandPath(c.RunnerBase); err != nil {
		return err
	}
	if c.BaseDir, err = expandPath(c.BaseDir); err != nil {
		return err
	}
	if c.PDFToText, err = expandBinary(c.PDFToText); err != nil {
		return err
	}
	if c.Portal.ChromePath, err = expandBinary(c.Portal.ChromePath); err != nil {
		return err
	}

	c.Portal.Domain = strings.ToLower(strings.TrimSpace(c.Portal.Domain))
	c.Mail.DefaultMailbox = strings.TrimSpace(c.Mail.DefaultMailbox)

	stores := c.Stores[:0]
	for _, s := range c.Stores {
		if s = strings.TrimSpace(s); s != "" {
			stores = append(stores, s)
		}
	}
	c.Stores = stores
	return nil
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	if _, err := time.Parse(DateLayout, c.Date); err != nil {
		return fmt.Errorf("invalid --date %q: expected YYYY-MM-DD", c.Date)
	}
	if c.RunnerBase == "" {
		return fmt.Errorf("runner_base is required")
	}
	if c.Portal.Domain == "" {
		return fmt.Errorf("portal.domain is required")
	}
	if c.Mail.DefaultMailbox == "" {
		return fmt.Errorf("mail.default_mailbox is required")
	}
	for _, s := range c.Stores {
		if strings.ContainsAny(s, `/\`) || s == "." || s == ".." {
			return fmt.Errorf("invalid store name %q", s)
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", c.LogLevel)
	}
	return nil
}

// ValidateIMAP checks the passcode mailbox settings a download run needs.
func (c Config) ValidateIMAP() error {
	if c.IMAP.Host == "" {
		return fmt.Errorf("--imap-host is required")
	}
	if c.IMAP.User == "" {
		return fmt.Errorf("--imap-user is required")
	}
	if c.IMAP.Pass == "" {
		return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
	}
	if c.IMAP.Port <= 0 || c.IMAP.Port > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	return nil
}

// DiscoveryBase is the folder holding the store subdirectories.
func (c Config) DiscoveryBase() string {
	if c.BaseDir != "" {
		return c.BaseDir
	}
	return filepath.Join(c.RunnerBase, c.Date, "files")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// expandBinary leaves bare command names for PATH lookup and expands everything else.
func expandBinary(value string) (string, error) {
	if !strings.HasPrefix(value, "~") && !strings.ContainsAny(value, `/\`) {
		return value, nil
	}
	return expandPath(value)
}
