package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolrelay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Basic(t *testing.T) {
	path := writeConfig(t, `
enabled: true
default_service: files
services:
  - name: files
    transport:
      type: sse
      url: http://localhost:8931/mcp
      headers:
        X-Key: abc
    timeout_sec: 45
    retry: 2
`)

	doc, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !doc.Enabled || doc.DefaultService != "files" {
		t.Errorf("doc = %+v", doc)
	}
	if len(doc.Services) != 1 {
		t.Fatalf("got %d services, want 1", len(doc.Services))
	}
	svc := doc.Services[0]
	if svc.Transport.Type != "sse" || svc.Transport.Headers["X-Key"] != "abc" {
		t.Errorf("transport = %+v", svc.Transport)
	}
	if svc.TimeoutSec.Int() != 45 || svc.Retry.Int() != 2 {
		t.Errorf("policy = timeout %d retry %d", svc.TimeoutSec.Int(), svc.Retry.Int())
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TOOLRELAY_TEST_TOKEN", "sekrit")
	path := writeConfig(t, `
services:
  - name: api
    transport:
      type: streamableHttp
      url: https://example.com/rpc
      headers:
        Authorization: Bearer ${TOOLRELAY_TEST_TOKEN}
`)

	doc, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	got := doc.Services[0].Transport.Headers["Authorization"]
	if got != "Bearer sekrit" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestFlexInt_ToleratesSloppyValues(t *testing.T) {
	path := writeConfig(t, `
services:
  - name: a
    timeout_sec: "30"
  - name: b
    timeout_sec: banana
  - name: c
    timeout_sec: 15
`)

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("sloppy numerics aborted load: %v", err)
	}
	if got := doc.Services[0].TimeoutSec.Int(); got != 30 {
		t.Errorf("quoted number = %d, want 30", got)
	}
	if got := doc.Services[1].TimeoutSec.Int(); got != 0 {
		t.Errorf("garbage value = %d, want 0 (unset)", got)
	}
	if got := doc.Services[2].TimeoutSec.Int(); got != 15 {
		t.Errorf("plain number = %d, want 15", got)
	}
}

func TestFindConfig_ExplicitMustExist(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing explicit path did not error")
	}

	path := writeConfig(t, "enabled: true\n")
	got, err := FindConfig(path)
	if err != nil || got != path {
		t.Errorf("FindConfig = %q, %v", got, err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"Debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
