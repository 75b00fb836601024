package applog

import (
	"errors"
	"testing"
	"time"
)

func TestNew_DevelopmentAndProduction(t *testing.T) {
	for _, dev := range []bool{true, false} {
		log, err := New(Config{Development: dev, OutputPaths: []string{"stdout"}})
		if err != nil {
			t.Fatalf("New(Development=%v) error = %v", dev, err)
		}
		log.Info("test message")
		_ = log.Sync()
	}
}

func TestLogger_Levels(t *testing.T) {
	log, err := New(Config{OutputPaths: []string{"stdout"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer log.Sync()

	log.Debug("debug")
	log.Info("info", String("key", "value"))
	log.Warn("warn")
	log.Error("error", Error(errors.New("boom")))
}

func TestLogger_With(t *testing.T) {
	log, err := New(Config{OutputPaths: []string{"stdout"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer log.Sync()

	contextLogger := log.With(String("component", "worker"), Int("site_id", 1))
	if contextLogger == nil {
		t.Fatal("With() returned nil")
	}
	contextLogger.Info("message with context")
}

func TestLogger_FieldHelpers(t *testing.T) {
	log, err := New(Config{OutputPaths: []string{"stdout"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer log.Sync()

	log.Info("fields",
		String("s", "v"),
		Int("i", 1),
		Int64("i64", 2),
		Float64("f", 1.5),
		Duration("d", time.Second),
		Any("a", map[string]int{"x": 1}),
		Strings("ss", []string{"a", "b"}),
	)
}

func TestParseLevel_UnknownFallsBackToInfo(t *testing.T) {
	if got := parseLevel("bogus"); got != parseLevel("info") {
		t.Errorf("parseLevel(bogus) = %v, want same as parseLevel(info)", got)
	}
}

func TestNewNop_DiscardsWithoutPanicking(t *testing.T) {
	log := NewNop()
	log.Debug("debug")
	log.Info("info", String("k", "v"))
	log.Warn("warn")
	log.Error("error", Error(errors.New("boom")))
	log.With(String("component", "test")).Info("scoped")
	if err := log.Sync(); err != nil {
		t.Errorf("Sync() error = %v", err)
	}
}
