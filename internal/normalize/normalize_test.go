package normalize

import (
	"strings"
	"testing"
)

func TestSemanticNormalize_StripsScriptStyleNoscriptIframeAndComments(t *testing.T) {
	htmlDoc := `<html><body>
		<!-- LiteSpeed cache 2024-01-01 -->
		<p>Hello World</p>
		<script>var x = 1;</script>
		<style>.a{color:red}</style>
		<noscript>enable js</noscript>
		<iframe src="https://ads.example/frame"></iframe>
	</body></html>`

	text, _, err := SemanticNormalize([]byte(htmlDoc))
	if err != nil {
		t.Fatalf("SemanticNormalize() error = %v", err)
	}
	if text != "Hello World" {
		t.Errorf("SemanticNormalize() text = %q, want %q", text, "Hello World")
	}
}

func TestSemanticNormalize_StripsDisplayNoneElements(t *testing.T) {
	htmlDoc := `<html><body>
		<p>Visible</p>
		<div style="display:none">Hidden</div>
		<div style=" DISPLAY : NONE ">Also Hidden</div>
	</body></html>`

	text, _, err := SemanticNormalize([]byte(htmlDoc))
	if err != nil {
		t.Fatalf("SemanticNormalize() error = %v", err)
	}
	if strings.Contains(text, "Hidden") {
		t.Errorf("SemanticNormalize() text = %q, want no hidden content", text)
	}
	if !strings.Contains(text, "Visible") {
		t.Errorf("SemanticNormalize() text = %q, want to contain %q", text, "Visible")
	}
}

func TestSemanticNormalize_CollapsesWhitespace(t *testing.T) {
	htmlDoc := "<html><body><p>Hello   \n\t  World</p></body></html>"

	text, _, err := SemanticNormalize([]byte(htmlDoc))
	if err != nil {
		t.Fatalf("SemanticNormalize() error = %v", err)
	}
	if text != "Hello World" {
		t.Errorf("SemanticNormalize() text = %q, want %q", text, "Hello World")
	}
}

func TestSemanticNormalize_StripsDynamicIDAttributes(t *testing.T) {
	htmlDoc := `<html><body>
		<div id="react-1a2b3c" class="widget">A</div>
		<div id="ember477" class="widget">B</div>
		<div ng-repeat-123="x" class="widget">C</div>
		<div data-v-abc123="" class="widget">D</div>
	</body></html>`

	_, fp, err := SemanticNormalize([]byte(htmlDoc))
	if err != nil {
		t.Fatalf("SemanticNormalize() error = %v", err)
	}
	// Structural fingerprint is about tag paths, not attributes, so this
	// mainly exercises that cleanup doesn't panic or drop the elements.
	if len(fp.TagPaths) == 0 {
		t.Errorf("SemanticNormalize() fingerprint is empty")
	}
}

// Scenario 4: two HTML inputs differing only in a cache-injected comment, an
// inline script, and whitespace must hash identically.
func TestContentHash_StableAcrossNoiseOnlyDifferences(t *testing.T) {
	a := `<html><body>
		<!-- LiteSpeed cache 2024-05-01 12:00:00 -->
		<p>Welcome to the site</p>
		<script>trackPageview();</script>
	</body></html>`

	b := `<html><body><p>Welcome   to the   site</p></body></html>`

	textA, _, err := SemanticNormalize([]byte(a))
	if err != nil {
		t.Fatalf("SemanticNormalize(a) error = %v", err)
	}
	textB, _, err := SemanticNormalize([]byte(b))
	if err != nil {
		t.Fatalf("SemanticNormalize(b) error = %v", err)
	}

	if ContentHash(textA) != ContentHash(textB) {
		t.Errorf("ContentHash mismatch: %q (%s) vs %q (%s)", textA, ContentHash(textA), textB, ContentHash(textB))
	}
}

func TestSemanticNormalize_StructuralFingerprintInsensitiveToText(t *testing.T) {
	a := `<html><body><div><p>Hello</p></div></body></html>`
	b := `<html><body><div><p>Goodbye, cruel world</p></div></body></html>`

	_, fpA, err := SemanticNormalize([]byte(a))
	if err != nil {
		t.Fatalf("SemanticNormalize(a) error = %v", err)
	}
	_, fpB, err := SemanticNormalize([]byte(b))
	if err != nil {
		t.Fatalf("SemanticNormalize(b) error = %v", err)
	}

	if StructuralHash(fpA) != StructuralHash(fpB) {
		t.Errorf("StructuralHash differs for text-only change: %v vs %v", fpA.TagPaths, fpB.TagPaths)
	}
}

func TestSemanticNormalize_StructuralFingerprintSensitiveToCollapse(t *testing.T) {
	a := `<html><body><div><p>Hello</p><p>World</p></div></body></html>`
	b := `<html><body><div>Hello World</div></body></html>`

	_, fpA, err := SemanticNormalize([]byte(a))
	if err != nil {
		t.Fatalf("SemanticNormalize(a) error = %v", err)
	}
	_, fpB, err := SemanticNormalize([]byte(b))
	if err != nil {
		t.Fatalf("SemanticNormalize(b) error = %v", err)
	}

	if StructuralHash(fpA) == StructuralHash(fpB) {
		t.Errorf("StructuralHash should differ after structural collapse, both = %v", fpA.TagPaths)
	}
}
