package normalize

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/defacewatch/core/internal/canon"
)

// linkAttrs maps the elements link extraction cares about to the attribute
// that carries their reference.
var linkAttrs = map[string]string{
	"a":      "href",
	"img":    "src",
	"link":   "href",
	"script": "src",
	"iframe": "src",
}

// ExtractURLs walks htmlBytes and returns the deduplicated, absolute http(s)
// URLs referenced by <a href>, <img src>, <link href>, <script src>, and
// <iframe src>. Relative references are resolved against base per RFC 3986;
// fragment-only references and non-web schemes are discarded.
func ExtractURLs(htmlBytes []byte, base *url.URL) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(htmlBytes))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if attrName, ok := linkAttrs[n.Data]; ok {
				if raw, found := attrValue(n, attrName); found {
					if abs, ok := resolveRef(raw, base); ok && !seen[abs] {
						seen[abs] = true
						out = append(out, abs)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return out, nil
}

// ExtractScriptSrcs returns the set of absolute script URLs referenced by
// <script src> in htmlBytes, resolved against base. Used by the comparator to
// detect injected or removed third-party scripts.
func ExtractScriptSrcs(htmlBytes []byte, base *url.URL) (map[string]bool, error) {
	doc, err := html.Parse(bytes.NewReader(htmlBytes))
	if err != nil {
		return nil, err
	}

	srcs := make(map[string]bool)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" {
			if raw, found := attrValue(n, "src"); found {
				if abs, ok := resolveRef(raw, base); ok {
					srcs[abs] = true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return srcs, nil
}

func attrValue(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// resolveRef resolves href against base, applying the malformed-scheme
// repair from canon, and discards fragment-only references and non-web
// schemes.
func resolveRef(href string, base *url.URL) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	href = canon.RepairMalformedScheme(href)

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}

	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}
