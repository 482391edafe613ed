package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/remittance-runner/model"
)

// Options captures the placeholder filtering configuration.
type Options struct {
	SenderDomain   string
	IncludeSubject []string
	ExcludeSubject []string
}

// Filter decides whether a placeholder message was sent by the portal and is worth inspecting.
type Filter struct {
	domain         string
	includeSubject []*regexp.Regexp
	excludeSubject []*regexp.Regexp
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	domain := strings.ToLower(strings.TrimSpace(opts.SenderDomain))
	if domain == "" {
		return nil, fmt.Errorf("sender domain is empty")
	}
	includeSubject, err := compilePatterns(opts.IncludeSubject)
	if err != nil {
		return nil, fmt.Errorf("compile include-subject pattern: %w", err)
	}
	excludeSubject, err := compilePatterns(opts.ExcludeSubject)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-subject pattern: %w", err)
	}

	return &Filter{
		domain:         domain,
		includeSubject: includeSubject,
		excludeSubject: excludeSubject,
	}, nil
}

// Allows reports whether msg passes the filter. When it does not, reason says why.
func (f *Filter) Allows(msg model.SourceMessage) (ok bool, reason string) {
	if !f.SenderMatches(msg.From) {
		return false, fmt.Sprintf("sender %q is not from %s", msg.From, f.domain)
	}
	if len(f.includeSubject) > 0 && !matchAny(f.includeSubject, msg.Subject) {
		return false, fmt.Sprintf("subject %q matches no include pattern", msg.Subject)
	}
	if matchAny(f.excludeSubject, msg.Subject) {
		return false, fmt.Sprintf("subject %q matches an exclude pattern", msg.Subject)
	}
	return true, ""
}

// SenderMatches reports whether sender's domain is the portal domain or one of its subdomains.
func (f *Filter) SenderMatches(sender string) bool {
	sender = strings.ToLower(strings.TrimSpace(sender))
	if i := strings.LastIndex(sender, "<"); i >= 0 {
		sender = strings.TrimSuffix(sender[i+1:], ">")
	}
	at := strings.LastIndex(sender, "@")
	if at < 0 {
		return false
	}
	domain := strings.TrimSpace(sender[at+1:])
	return domain == f.domain || strings.HasSuffix(domain, "."+f.domain)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
