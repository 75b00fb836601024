package store

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestSnapshotWriter_WriteIncrementsCounter(t *testing.T) {
	w, err := NewSnapshotWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewSnapshotWriter() error = %v", err)
	}

	p1, err := w.Write(1, 1, "cust", "<html>one</html>", []string{"/html/body"}, nil)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	p2, err := w.Write(1, 1, "cust", "<html>two</html>", []string{"/html/body"}, nil)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if p1 == p2 {
		t.Errorf("two writes produced the same path %q, want distinct counters", p1)
	}
	if filepath.Base(p1) != "cust01.html" {
		t.Errorf("first write path = %q, want basename cust01.html", p1)
	}
	if filepath.Base(p2) != "cust02.html" {
		t.Errorf("second write path = %q, want basename cust02.html", p2)
	}
}

func TestSnapshotWriter_SeparateSiteFoldersIndependentCounters(t *testing.T) {
	w, err := NewSnapshotWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewSnapshotWriter() error = %v", err)
	}

	pA, _ := w.Write(1, 1, "cust", "a", nil, nil)
	pB, _ := w.Write(1, 2, "cust", "b", nil, nil)

	if filepath.Base(pA) != filepath.Base(pB) {
		t.Errorf("site folders should have independent counters: %q vs %q", pA, pB)
	}
}

func TestSnapshotWriter_ConcurrentWritesSerialized(t *testing.T) {
	w, err := NewSnapshotWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewSnapshotWriter() error = %v", err)
	}

	const n = 20
	paths := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			p, err := w.Write(1, 1, "cust", "x", nil, nil)
			paths <- p
			errs <- err
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		p := <-paths
		if seen[p] {
			t.Fatalf("duplicate snapshot path %q under concurrent writes", p)
		}
		seen[p] = true
	}
	if len(seen) != n {
		t.Errorf("got %d distinct paths, want %d", len(seen), n)
	}
}

func TestSnapshotWriter_ReadRoundTrips(t *testing.T) {
	w, err := NewSnapshotWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewSnapshotWriter() error = %v", err)
	}

	tags := []string{"/html/body", "/html/body/p"}
	scripts := []string{"https://example.com/a.js"}
	relPath, err := w.Write(1, 1, "cust", "hello world", tags, scripts)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	text, gotTags, gotScripts, err := w.Read(relPath)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if text != "hello world" {
		t.Errorf("Read() text = %q, want %q", text, "hello world")
	}
	if !reflect.DeepEqual(gotTags, tags) {
		t.Errorf("Read() tags = %v, want %v", gotTags, tags)
	}
	if !reflect.DeepEqual(gotScripts, scripts) {
		t.Errorf("Read() scripts = %v, want %v", gotScripts, scripts)
	}
}

func TestSnapshotWriter_ReadEmptySidecarsReturnNil(t *testing.T) {
	w, err := NewSnapshotWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewSnapshotWriter() error = %v", err)
	}

	relPath, err := w.Write(1, 1, "cust", "x", nil, nil)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_, tags, scripts, err := w.Read(relPath)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if tags != nil || scripts != nil {
		t.Errorf("Read() = (%v, %v), want (nil, nil) for empty sidecars", tags, scripts)
	}
}
