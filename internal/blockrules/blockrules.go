// Package blockrules implements the frontier's block classifier: the set of
// path, extension, and query-parameter rules that keep the crawler off
// low-value pages (tag listings, author archives, pagination, static
// assets) without ever fetching them.
package blockrules

import (
	"net/url"
	"regexp"
	"strings"
)

// Class names a block rule category, reported in the end-of-job
// BLOCKED URL REPORT summary.
type Class string

const (
	ClassNone       Class = ""
	ClassTagPage    Class = "TAG_PAGE"
	ClassAuthorPage Class = "AUTHOR_PAGE"
	ClassPagination Class = "PAGINATION"
	ClassAssets     Class = "ASSETS"
	ClassStatic     Class = "STATIC"
	ClassQueryParam Class = "QUERY_PARAM"
)

var pathRules = []struct {
	class Class
	re    *regexp.Regexp
}{
	{ClassTagPage, regexp.MustCompile(`/(product-)?tag/`)},
	{ClassAuthorPage, regexp.MustCompile(`/author/`)},
	{ClassPagination, regexp.MustCompile(`/page/\d+/?`)},
	{ClassAssets, regexp.MustCompile(`/(assets|static)/`)},
}

var staticExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".css": true, ".js": true, ".pdf": true, ".zip": true, ".rar": true,
	".mp3": true, ".mp4": true, ".webm": true, ".woff": true, ".woff2": true,
	".ttf": true, ".ico": true,
}

var deniedQueryParams = map[string]bool{
	"orderby":      true,
	"sort":         true,
	"order":        true,
	"add-to-cart":  true,
}

// Classifier applies the block rules to a canonical URL.
type Classifier struct{}

// New returns a ready-to-use Classifier. The rule set is fixed by the
// crawler's configuration contract, not configurable per call.
func New() *Classifier {
	return &Classifier{}
}

// Classify returns the block class for canonicalURL, or ClassNone if it is
// not blocked. The caller (Frontier.Enqueue) is responsible for counting and
// marking the URL visited when the result is not ClassNone. Static file
// extensions are checked before the path rules, so a file under /assets/ or
// /static/ is reported as STATIC.
func (c *Classifier) Classify(canonicalURL string) Class {
	u, err := url.Parse(canonicalURL)
	if err != nil {
		return ClassNone
	}

	path := u.Path
	if ext := extensionOf(path); staticExtensions[ext] {
		return ClassStatic
	}

	for _, rule := range pathRules {
		if rule.re.MatchString(path) {
			return rule.class
		}
	}

	for key := range u.Query() {
		if deniedQueryParams[strings.ToLower(key)] {
			return ClassQueryParam
		}
	}

	return ClassNone
}

func extensionOf(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	slashAfter := strings.IndexByte(path[idx:], '/')
	if slashAfter >= 0 {
		return ""
	}
	return strings.ToLower(path[idx:])
}
