package discovery

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	transmissionRe = regexp.MustCompile(`(?i)Transmission ID[:\s]+([A-Za-z0-9-]+)`)
	safeLinkRe     = regexp.MustCompile(`(?i)https://[a-z0-9-]+\.safelinks\.protection\.outlook\.com/[^\s>"']+`)
)

// ExtractTransmissionID returns the token following a "Transmission ID:" label.
func ExtractTransmissionID(text string) (string, bool) {
	m := transmissionRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	id := strings.TrimSpace(m[1])
	return id, id != ""
}

// linkFinder recovers portal URLs for one domain.
type linkFinder struct {
	domain  string
	direct  *regexp.Regexp
	encoded *regexp.Regexp
}

func newLinkFinder(domain string) *linkFinder {
	domain = strings.ToLower(strings.TrimSpace(domain))
	quoted := regexp.QuoteMeta(domain)
	return &linkFinder{
		domain:  domain,
		direct:  regexp.MustCompile(`(?i)https://[^\s>"']*` + quoted + `[^\s>"']*`),
		encoded: regexp.MustCompile(`(?i)a=(https%3a%2f%2f` + quoted + `[^&\s>"']+)`),
	}
}

// Find tries, in order, a direct link to the portal, a percent-encoded a= parameter, and a
// safe-link wrapper whose parameters are decoded up to two levels deep.
func (f *linkFinder) Find(text string) (string, bool) {
	for _, candidate := range f.direct.FindAllString(strings.ReplaceAll(text, "&amp;", "&"), -1) {
		if f.hostMatches(candidate) {
			return cleanURL(candidate), true
		}
	}

	if m := f.encoded.FindStringSubmatch(text); m != nil {
		if decoded, err := url.PathUnescape(m[1]); err == nil {
			return cleanURL(decoded), true
		}
	}

	for _, wrapper := range safeLinkRe.FindAllString(strings.ReplaceAll(text, "&amp;", "&"), -1) {
		if inner, ok := f.unwrap(wrapper); ok {
			return inner, true
		}
	}

	return "", false
}

func (f *linkFinder) unwrap(wrapper string) (string, bool) {
	candidate := wrapper
	for _, keys := range [][]string{{"url", "a"}, {"a", "url"}} {
		next, ok := queryParam(candidate, keys...)
		if !ok {
			continue
		}
		candidate = next
	}
	if candidate == wrapper || !strings.Contains(strings.ToLower(candidate), f.domain) {
		return "", false
	}
	return cleanURL(candidate), true
}

func (f *linkFinder) hostMatches(raw string) bool {
	u, err := url.Parse(cleanURL(raw))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == f.domain || strings.HasSuffix(host, "."+f.domain)
}

// queryParam returns the first present key, decoded by the query parser and decoded once more
// when the value is still percent-encoded (wrappers that double-encode their target).
func queryParam(raw string, keys ...string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	query := u.Query()
	for _, key := range keys {
		value := query.Get(key)
		if value == "" {
			continue
		}
		if !strings.Contains(value, "://") {
			if decoded, err := url.PathUnescape(value); err == nil {
				value = decoded
			}
		}
		return value, true
	}
	return "", false
}

func cleanURL(raw string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), "&amp;", "&")
	return strings.TrimRight(cleaned, ").,")
}
