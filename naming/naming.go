// Package naming builds filesystem-safe, collision-free artifact paths.
package naming

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dhcgn/remittance-runner/model"
)

const (
	// Fallback is used when a name component sanitizes to nothing.
	Fallback  = "Remittance"
	Separator = " - "
	Extension = ".pdf"
)

var reserved = regexp.MustCompile(`[\\/:*?"<>|]`)

// Sanitize replaces filesystem-reserved characters with an underscore.
func Sanitize(value string) string {
	cleaned := reserved.ReplaceAllString(strings.TrimSpace(value), "_")
	if cleaned == "" {
		return Fallback
	}
	return cleaned
}

// TargetName composes "<reference> - <amount>.pdf". The reference falls back to the transmission
// id and the amount to the stem of the portal's suggested filename.
func TargetName(transmissionID string, meta model.Metadata, suggested string) string {
	base := meta.Reference
	if base == "" {
		base = transmissionID
	}
	parts := []string{Sanitize(base)}
	if meta.Amount != "" {
		parts = append(parts, Sanitize(meta.Amount))
	} else {
		parts = append(parts, Sanitize(stem(suggested)))
	}
	return strings.Join(parts, Separator) + Extension
}

// UniquePath returns dir/name, or dir/<stem>_<n><ext> for the first n that does not exist yet.
// The directory is created when missing. The check is not atomic against other writers.
func UniquePath(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	candidate := filepath.Join(dir, name)
	free, err := available(candidate)
	if err != nil || free {
		return candidate, err
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for counter := 1; ; counter++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, counter, ext))
		free, err := available(candidate)
		if err != nil || free {
			return candidate, err
		}
	}
}

func available(path string) (bool, error) {
	_, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return false, nil
}

func stem(suggested string) string {
	suggested = strings.TrimSpace(suggested)
	if suggested == "" {
		return Fallback
	}
	base := filepath.Base(suggested)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
