package normalize

import (
	"net/url"
	"reflect"
	"sort"
	"testing"
)

func mustParseBase(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", raw, err)
	}
	return u
}

func TestExtractURLs(t *testing.T) {
	htmlDoc := `<html><body>
		<a href="/about">About</a>
		<a href="https://example.com/page#section">Page</a>
		<a href="#fragment-only">Fragment</a>
		<img src="/img.png">
		<link href="/style.css">
		<script src="/app.js"></script>
		<iframe src="https://ads.example/frame"></iframe>
		<a href="mailto:a@b.com">Mail</a>
		<a href="https:example.com/broken">Broken scheme</a>
	</body></html>`

	base := mustParseBase(t, "https://example.com/dir/page")
	got, err := ExtractURLs([]byte(htmlDoc), base)
	if err != nil {
		t.Fatalf("ExtractURLs() error = %v", err)
	}

	want := []string{
		"https://example.com/about",
		"https://example.com/page",
		"https://example.com/img.png",
		"https://example.com/style.css",
		"https://example.com/app.js",
		"https://ads.example/frame",
		"https://example.com/broken",
	}

	sort.Strings(got)
	sort.Strings(want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractURLs() = %v, want %v", got, want)
	}
}

func TestExtractURLs_Deduplicates(t *testing.T) {
	htmlDoc := `<html><body>
		<a href="/a">1</a>
		<a href="/a">2</a>
		<a href="https://example.com/a">3</a>
	</body></html>`

	base := mustParseBase(t, "https://example.com/")
	got, err := ExtractURLs([]byte(htmlDoc), base)
	if err != nil {
		t.Fatalf("ExtractURLs() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("ExtractURLs() = %v, want single deduplicated entry", got)
	}
}

func TestExtractScriptSrcs(t *testing.T) {
	htmlDoc := `<html><body>
		<script src="/a.js"></script>
		<script src="https://cdn.example/b.js"></script>
		<script>inline();</script>
	</body></html>`

	base := mustParseBase(t, "https://example.com/")
	got, err := ExtractScriptSrcs([]byte(htmlDoc), base)
	if err != nil {
		t.Fatalf("ExtractScriptSrcs() error = %v", err)
	}

	want := map[string]bool{
		"https://example.com/a.js": true,
		"https://cdn.example/b.js": true,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractScriptSrcs() = %v, want %v", got, want)
	}
}
