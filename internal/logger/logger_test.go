package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestInit(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger, err := Init("test-service", Options{Level: "debug"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug enabled")
	}
}

func TestInit_WithFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "logs", "pricesync.log")
	logger, err := Init("svc", Options{File: path})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	logger.Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"msg":"hello"`)) {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestNew_ServiceAndComponent(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(&buf, "pricesync", slog.LevelInfo), "stream")
	l.Info("opened")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if entry["service"] != "pricesync" || entry["component"] != "stream" {
		t.Errorf("unexpected attrs: %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConnID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := ConnID(ctx); id != "" {
		t.Errorf("expected empty conn id, got %q", id)
	}
	if Attrs(ctx) != nil {
		t.Error("expected nil attrs without conn id")
	}

	id := NewConnID()
	if len(id) != 36 {
		t.Errorf("expected uuid string, got %q", id)
	}
	ctx = WithConnID(ctx, id)
	if ConnID(ctx) != id {
		t.Errorf("round trip failed")
	}
	if len(Attrs(ctx)) != 1 {
		t.Error("expected one attr")
	}
}
