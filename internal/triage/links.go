// ABOUTME: Link extraction and normalization for triage-eligible post URLs.
// ABOUTME: Derives deterministic case ids so re-encountering a link is idempotent.

package triage

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

// caseIDPrefix prefixes every derived case id.
const caseIDPrefix = "x-"

// canonicalHost is the primary form all allowed hosts normalize to.
const canonicalHost = "x.com"

// allowedHosts is the triage domain allow-list. Alternates map to the
// canonical host so the same post yields the same case regardless of which
// hostname the link used.
var allowedHosts = map[string]string{
	"x.com":              canonicalHost,
	"www.x.com":          canonicalHost,
	"twitter.com":        canonicalHost,
	"www.twitter.com":    canonicalHost,
	"mobile.twitter.com": canonicalHost,
}

// trackingParams are query parameters stripped during normalization.
var trackingParams = map[string]bool{
	"s":       true,
	"t":       true,
	"ref_src": true,
	"ref_url": true,
}

var (
	urlPattern    = regexp.MustCompile(`https?://[^\s<>()"'\x60|]+`)
	statusPattern = regexp.MustCompile(`/status(?:es)?/(\d+)`)
	caseIDPattern = regexp.MustCompile(`^x-[0-9a-f]+$`)
)

// Link is one extracted, normalized triage link.
type Link struct {
	URL    string // normalized form
	CaseID string // deterministic id derived from the URL
}

// ExtractLinks scans message text for URLs on the allowed domains, returning
// at most max normalized links, deduplicated by case id in order of first
// appearance. max <= 0 means no cap.
func ExtractLinks(text string, max int) []Link {
	var links []Link
	seen := make(map[string]bool)

	for _, raw := range urlPattern.FindAllString(text, -1) {
		normalized, ok := NormalizeURL(raw)
		if !ok {
			continue
		}
		id := DeriveCaseID(normalized)
		if seen[id] {
			continue
		}
		seen[id] = true
		links = append(links, Link{URL: normalized, CaseID: id})
		if max > 0 && len(links) >= max {
			break
		}
	}
	return links
}

// NormalizeURL canonicalizes a raw URL: lower-cased canonical host, tracking
// parameters and trailing slashes stripped. Returns false if the URL does
// not parse or its host is outside the allow-list.
func NormalizeURL(raw string) (string, bool) {
	// Chat markdown frequently leaves trailing punctuation attached
	raw = strings.TrimRight(raw, ".,;:!?")

	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	host, ok := allowedHosts[strings.ToLower(u.Hostname())]
	if !ok {
		return "", false
	}

	q := u.Query()
	for param := range q {
		if trackingParams[param] || strings.HasPrefix(param, "utm_") {
			q.Del(param)
		}
	}

	u.Scheme = "https"
	u.Host = host
	u.RawQuery = q.Encode()
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")

	return u.String(), true
}

// DeriveCaseID derives the deterministic case id for a normalized URL. When
// the URL carries a numeric post id the case id embeds it directly, so the
// same post maps to the same case even across unrelated messages; otherwise
// a content hash of the normalized URL is used.
func DeriveCaseID(normalized string) string {
	if m := statusPattern.FindStringSubmatch(normalized); m != nil {
		return caseIDPrefix + m[1]
	}
	sum := sha256.Sum256([]byte(normalized))
	return caseIDPrefix + hex.EncodeToString(sum[:])[:10]
}

// ValidCaseID reports whether s is syntactically a case id.
func ValidCaseID(s string) bool {
	return caseIDPattern.MatchString(s)
}
