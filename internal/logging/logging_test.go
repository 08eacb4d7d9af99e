package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWithOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("routeflow", "debug", true, &buf)
	l.Named("routing").Debug("pass finished", "channel", "default", "rows", 3)

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected one json line, got %q: %v", buf.String(), err)
	}
	if rec["@module"] != "routeflow.routing" {
		t.Fatalf("unexpected module: %v", rec["@module"])
	}
	if rec["channel"] != "default" {
		t.Fatalf("unexpected channel field: %v", rec["channel"])
	}
}

func TestNewWithOutputUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("routeflow", "chatty", false, &buf)
	l.Debug("hidden")
	l.Info("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestOrNull(t *testing.T) {
	if OrNull(nil) == nil {
		t.Fatalf("expected a null logger")
	}
}
