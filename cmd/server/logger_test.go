package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "json", true).Info("Server listening", "addr", ":8080")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if line["addr"] != ":8080" {
		t.Fatalf("unexpected attrs: %v", line)
	}
}

func TestNewLoggerDevDefaultsToText(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "", true).Info("Server listening", "addr", ":8080")

	out := buf.String()
	if strings.HasPrefix(out, "{") || !strings.Contains(out, "Server listening") {
		t.Fatalf("expected text output, got %q", out)
	}
}
