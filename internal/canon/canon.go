// Package canon implements the URL canonicalizer: the single, deterministic
// raw-URL -> canonical-URL transformation applied before any enqueue, lookup,
// hash, or persistence elsewhere in the crawler.
package canon

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrInvalidURL is returned when the input cannot be parsed as a URL, uses a
// non-web scheme, or is a bare fragment.
var ErrInvalidURL = errors.New("canon: invalid url")

// ErrOutOfScope is returned when a URL's registrable domain does not match
// the site's seed domain.
var ErrOutOfScope = errors.New("canon: out of scope")

// trackingParams is the recognized set of tracking query parameters stripped
// by rule 4 of the canonicalization ruleset.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"fbclid":       true,
	"gclid":        true,
	"ref":          true,
	"session":      true,
	"sessionid":    true,
	"sid":          true,
	"orderby":      true,
	"sort":         true,
	"order":        true,
	"add-to-cart":  true,
}

// malformedScheme matches a scheme immediately followed by a host without the
// "//" separator, e.g. "https:example.com/path".
var malformedScheme = regexp.MustCompile(`^(https?):([A-Za-z0-9].*)$`)

// RepairMalformedScheme inserts the missing "//" after a scheme's colon when
// the URL was written without it (rule 7). Exported so link extraction can
// apply the same repair to hrefs before resolving them against a base URL.
func RepairMalformedScheme(raw string) string {
	if m := malformedScheme.FindStringSubmatch(raw); m != nil {
		return m[1] + "://" + m[2]
	}
	return raw
}

// Canonicalize applies the full canonicalization ruleset to raw and returns
// the canonical URL string. It never checks scope; use CanonicalizeInScope
// when a seed domain must bound the result.
func Canonicalize(raw string) (string, error) {
	raw = RepairMalformedScheme(strings.TrimSpace(raw))
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", fmt.Errorf("%w: empty or bare fragment", ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	// A site's http and https variants are the same page for identity
	// purposes, so canonicalization always settles on https (see scenario 1
	// in the testable-properties table: http://www.example.com/ canonicalizes
	// to https://example.com/, not http://example.com/).
	u.Scheme = "https"

	// Lowercase host, strip a leading "www.".
	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	u.Host = host

	// Remove the fragment.
	u.Fragment = ""
	u.RawFragment = ""

	// Remove tracking query parameters; keep the rest sorted by key then value.
	u.RawQuery = cleanQuery(u.Query())

	// Normalize the path. This operates on the escaped form so rule 5's
	// percent-decode-unreserved/re-encode-reserved step sees the actual %XX
	// escapes; u.Path alone has already been decoded by url.Parse and would
	// hide them.
	escapedPath := normalizePath(u.EscapedPath())
	if decoded, err := url.PathUnescape(escapedPath); err == nil {
		u.Path = decoded
	} else {
		u.Path = escapedPath
	}
	u.RawPath = escapedPath

	return u.String(), nil
}

// CanonicalizeInScope canonicalizes raw and verifies that its registrable
// domain matches seedHost's. Bare-host and "www."-prefixed variants of the
// seed are both considered in scope.
func CanonicalizeInScope(raw, seedHost string) (string, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(canonical)
	if err != nil {
		// Canonicalize already validated this; should not happen.
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if !sameRegistrableDomain(u.Hostname(), seedHost) {
		return "", fmt.Errorf("%w: %s not in scope of %s", ErrOutOfScope, u.Hostname(), seedHost)
	}
	return canonical, nil
}

// sameRegistrableDomain reports whether a and b share the same registrable
// (eTLD+1) domain, ignoring a leading "www." on either side.
func sameRegistrableDomain(a, b string) bool {
	a = strings.ToLower(strings.TrimPrefix(a, "www."))
	b = strings.ToLower(strings.TrimPrefix(b, "www."))
	if a == b {
		return true
	}
	ra, errA := publicsuffix.EffectiveTLDPlusOne(a)
	rb, errB := publicsuffix.EffectiveTLDPlusOne(b)
	if errA != nil || errB != nil {
		return false
	}
	return ra == rb
}

// cleanQuery removes tracking parameters from values and re-serializes the
// remainder sorted by key then value.
func cleanQuery(values url.Values) string {
	kept := url.Values{}
	for key, vals := range values {
		if trackingParams[strings.ToLower(key)] {
			continue
		}
		kept[key] = vals
	}
	if len(kept) == 0 {
		return ""
	}

	keys := make([]string, 0, len(kept))
	for k := range kept {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), kept[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// decodeUnreservedPercentEscapes applies RFC 3986 §6.2.2.2: a %XX escape
// whose decoded byte is an unreserved character (ALPHA / DIGIT / "-" / "." /
// "_" / "~") is replaced with that literal character; any other escape is
// kept but its hex digits are uppercased, so two URLs differing only in the
// encoding of an unreserved character canonicalize to the same path.
func decodeUnreservedPercentEscapes(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	for i := 0; i < len(p); {
		if p[i] == '%' && i+2 < len(p) && isHexDigit(p[i+1]) && isHexDigit(p[i+2]) {
			decoded := hexVal(p[i+1])<<4 | hexVal(p[i+2])
			if isUnreservedByte(decoded) {
				b.WriteByte(decoded)
			} else {
				b.WriteByte('%')
				b.WriteByte(upperHexDigit(p[i+1]))
				b.WriteByte(upperHexDigit(p[i+2]))
			}
			i += 3
			continue
		}
		b.WriteByte(p[i])
		i++
	}
	return b.String()
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func upperHexDigit(c byte) byte {
	if c >= 'a' && c <= 'f' {
		return c - 'a' + 'A'
	}
	return c
}

func isUnreservedByte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	default:
		return false
	}
}

// normalizePath takes a percent-encoded path, decodes unreserved characters
// and re-encodes reserved ones (rule 5), then collapses repeated slashes,
// resolves "." and ".." segments, and removes a trailing slash unless the
// path is exactly "/". The input and output are both in escaped form.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	p = decodeUnreservedPercentEscapes(p)
	cleaned := path.Clean(p)
	// path.Clean collapses "//" and resolves "." / "..", but also strips a
	// trailing slash already (except for "/"); re-derive it explicitly so the
	// rule is self-documenting and independent of path.Clean's exact
	// guarantees.
	if cleaned != "/" {
		cleaned = strings.TrimSuffix(cleaned, "/")
	}
	if cleaned == "" {
		cleaned = "/"
	}
	return cleaned
}

// IdempotentCheck re-canonicalizes a canonical URL and reports whether it is
// unchanged. Exposed for property tests; canon.Canonicalize is idempotent by
// construction since it never re-adds removed fragments or tracking params.
func IdempotentCheck(canonical string) (bool, error) {
	again, err := Canonicalize(canonical)
	if err != nil {
		return false, err
	}
	return again == canonical, nil
}
