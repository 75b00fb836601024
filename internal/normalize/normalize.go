// Package normalize turns fetched or rendered HTML into the deterministic
// representation the rest of the pipeline hashes and compares: a semantic
// text body with noise and dynamic markup stripped, and a structural
// fingerprint of the surviving DOM skeleton. It also extracts outbound links
// and script sources for the frontier and the comparator.
package normalize

import (
	"bytes"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// Version identifies the rule set implemented by this package. It is stamped
// on every PageVersion; two PageVersions are only comparable when their
// Version tags match.
const Version = "v1.2"

// Fingerprint is the sorted multiset of tag paths ("/html/body/div/p") left
// in the DOM after cleanup. It is stable across text-only edits and
// sensitive to structural collapse or replacement.
type Fingerprint struct {
	TagPaths []string
}

var (
	reReactID     = regexp.MustCompile(`react-[0-9a-f-]+`)
	reEmberID     = regexp.MustCompile(`ember\d+`)
	reNgID        = regexp.MustCompile(`ng-[a-z0-9]+-\d+`)
	reVueID       = regexp.MustCompile(`data-v-[0-9a-f]+`)
	reNonceCSRF   = regexp.MustCompile(`(?i)(nonce|csrf)=`)
	reDisplayNone = regexp.MustCompile(`(?i)display\s*:\s*none`)
	// reWhitespace matches ASCII whitespace plus the common Unicode space
	// separators so text-node whitespace runs collapse to a single space
	// regardless of which kind of space the source HTML used.
	reWhitespace = regexp.MustCompile(`[\s\x{00A0}\x{1680}\x{2000}-\x{200B}\x{202F}\x{205F}\x{3000}]+`)
)

// removedSubtrees are elements whose entire subtree is dropped during
// cleanup: script/style/noscript/iframe content is never "page content".
var removedSubtrees = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"iframe":   true,
}

// SemanticNormalize parses htmlBytes leniently, removes script/style/
// noscript/iframe subtrees, comments, and display:none elements, strips
// dynamic-id attributes, and returns the remaining visible text (NFC
// normalized, whitespace-collapsed) together with the structural fingerprint
// of what survived.
func SemanticNormalize(htmlBytes []byte) (string, Fingerprint, error) {
	doc, err := html.Parse(bytes.NewReader(htmlBytes))
	if err != nil {
		return "", Fingerprint{}, err
	}

	var textParts []string
	var tagPaths []string

	var walk func(n *html.Node, path string)
	walk = func(n *html.Node, path string) {
		switch n.Type {
		case html.CommentNode:
			return
		case html.ElementNode:
			if removedSubtrees[n.Data] {
				return
			}
			if isDisplayNone(n) {
				return
			}
			stripDynamicAttrs(n)
			sortClassTokens(n)

			childPath := path + "/" + n.Data
			tagPaths = append(tagPaths, childPath)
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c, childPath)
			}
			return
		case html.TextNode:
			textParts = append(textParts, norm.NFC.String(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, path)
		}
	}
	walk(doc, "")

	text := strings.Join(textParts, "")
	text = reWhitespace.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	sort.Strings(tagPaths)
	fp := Fingerprint{TagPaths: tagPaths}
	return text, fp, nil
}

// isDisplayNone reports whether n carries an inline style asserting
// display:none.
func isDisplayNone(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "style" && reDisplayNone.MatchString(a.Val) {
			return true
		}
	}
	return false
}

// stripDynamicAttrs removes attributes whose value looks like a
// framework-generated dynamic id or a CSRF/nonce token, in place.
func stripDynamicAttrs(n *html.Node) {
	if len(n.Attr) == 0 {
		return
	}
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if isDynamicValue(a.Val) {
			continue
		}
		kept = append(kept, a)
	}
	n.Attr = kept
}

func isDynamicValue(val string) bool {
	return reReactID.MatchString(val) ||
		reEmberID.MatchString(val) ||
		reNgID.MatchString(val) ||
		reVueID.MatchString(val) ||
		reNonceCSRF.MatchString(val)
}

// sortClassTokens sorts the whitespace-separated tokens of a class attribute
// alphabetically, in place, so two DOMs differing only in class-token order
// converge to the same cleaned representation.
func sortClassTokens(n *html.Node) {
	for i, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		tokens := strings.Fields(a.Val)
		sort.Strings(tokens)
		n.Attr[i].Val = strings.Join(tokens, " ")
	}
}
