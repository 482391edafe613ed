// Package pdftext extracts the text layer of a PDF with the poppler pdftotext tool.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultBinary is looked up on PATH when no explicit path is configured.
const DefaultBinary = "pdftotext"

var ErrNotInstalled = errors.New("pdftotext not found")

type Options struct {
	// Binary is an explicit path to pdftotext. Empty means look it up on PATH.
	Binary    string
	FirstPage int
	LastPage  int
}

func DefaultOptions() Options {
	return Options{FirstPage: 1, LastPage: 6}
}

// Extractor runs one pdftotext process per document.
type Extractor struct {
	binary string
	opts   Options
}

func New(opts Options) (*Extractor, error) {
	d := DefaultOptions()
	if opts.FirstPage <= 0 {
		opts.FirstPage = d.FirstPage
	}
	if opts.LastPage < opts.FirstPage {
		opts.LastPage = max(d.LastPage, opts.FirstPage)
	}
	name := opts.Binary
	if name == "" {
		name = DefaultBinary
	}
	binary, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotInstalled, err)
	}
	return &Extractor{binary: binary, opts: opts}, nil
}

// Args returns the pdftotext argument list for path; output goes to stdout.
func (e *Extractor) Args(path string) []string {
	return []string{
		"-layout", "-nopgbrk", "-q",
		"-f", strconv.Itoa(e.opts.FirstPage),
		"-l", strconv.Itoa(e.opts.LastPage),
		"-enc", "UTF-8",
		path, "-",
	}
}

func (e *Extractor) ExtractText(ctx context.Context, path string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.binary, e.Args(path)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("pdftotext %s: %w: %s", path, err, msg)
		}
		return "", fmt.Errorf("pdftotext %s: %w", path, err)
	}
	return stdout.String(), nil
}
