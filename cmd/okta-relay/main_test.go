package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmountifield/okta-to-humio/internal/testutil"
	"github.com/jmountifield/okta-to-humio/pkg/checkpoint"
	"github.com/jmountifield/okta-to-humio/pkg/client"
	"github.com/jmountifield/okta-to-humio/pkg/relay"
	"github.com/jmountifield/okta-to-humio/pkg/sink"
)

func writeConfig(t *testing.T, fields map[string]any) string {
	t.Helper()
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "okta.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func readConfig(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("config file is not JSON: %v\n%s", err, data)
	}
	return doc
}

func pidPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "relay.pid")
}

func TestRun_FileModeStreamsToStdout(t *testing.T) {
	okta := testutil.NewMockOkta()
	defer okta.Close()
	okta.SetPages(testutil.Events("a", 3))

	cfgPath := writeConfig(t, map[string]any{
		"okta-org-host": okta.URL(),
		"okta-api-key":  "00secret",
		"timeout":       60,
		"custom-key":    "kept",
	})
	pid := pidPath(t)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-pid-file", pid, cfgPath}, &stdout, &stderr); code != exitOK {
		t.Fatalf("run() = %d, want %d\nstderr: %s", code, exitOK, stderr.String())
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("stdout has %d lines, want 3:\n%s", len(lines), stdout.String())
	}
	if !strings.Contains(lines[0], `"uuid":"a-0"`) {
		t.Errorf("first line = %s, want event a-0", lines[0])
	}

	doc := readConfig(t, cfgPath)
	if want := okta.CursorURL(1, 1000); doc[checkpoint.ContinuationKey] != want {
		t.Errorf("continuation-url = %v, want %s", doc[checkpoint.ContinuationKey], want)
	}
	if doc["custom-key"] != "kept" || doc["okta-api-key"] != "00secret" {
		t.Errorf("static keys not preserved: %v", doc)
	}

	if strings.Contains(stderr.String(), "00secret") {
		t.Error("stderr leaks the API key")
	}
	if !strings.Contains(stderr.String(), "Effective configuration") {
		t.Errorf("stderr = %s, want the effective configuration", stderr.String())
	}
	if _, err := os.Stat(pid); !os.IsNotExist(err) {
		t.Error("PID file not removed after the run")
	}
}

func TestRun_ResumesFromContinuationURL(t *testing.T) {
	okta := testutil.NewMockOkta()
	defer okta.Close()
	okta.SetPages(testutil.Events("a", 3), testutil.Events("b", 2))

	cfgPath := writeConfig(t, map[string]any{
		"okta-org-host":    okta.URL(),
		"okta-api-key":     "00secret",
		"timeout":          60,
		"continuation-url": okta.CursorURL(1, 1000),
	})

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-pid-file", pidPath(t), cfgPath}, &stdout, &stderr); code != exitOK {
		t.Fatalf("run() = %d\nstderr: %s", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), `{"uuid":"b-0"`) {
		t.Errorf("stdout = %s, want to start at page 1", stdout.String())
	}
	if got := okta.GetRequests()[0]; got != "/api/v1/logs?after=c1&limit=1000" {
		t.Errorf("first request = %q, want the stored cursor", got)
	}
}

func TestRun_HumioSink(t *testing.T) {
	okta := testutil.NewMockOkta()
	defer okta.Close()
	okta.SetPages(testutil.Events("a", 2))

	humio := testutil.NewMockHumio()
	defer humio.Close()

	cfgPath := writeConfig(t, map[string]any{
		"okta-org-host": okta.URL(),
		"okta-api-key":  "00secret",
		"timeout":       60,
		"humio-server":  humio.URL(),
		"humio-token":   "ingest",
	})

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-pid-file", pidPath(t), cfgPath}, &stdout, &stderr); code != exitOK {
		t.Fatalf("run() = %d\nstderr: %s", code, stderr.String())
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout = %q, want nothing in humio mode", stdout.String())
	}
	if n, err := humio.EventCount(); err != nil || n != 2 {
		t.Errorf("humio events = %d (%v), want 2", n, err)
	}
}

func TestRun_ExitCodes(t *testing.T) {
	tests := []struct {
		name       string
		oktaSetup  func(*testutil.MockOkta)
		humioCode  int
		expectCode int
	}{
		{
			name:       "invalid token",
			oktaSetup:  func(m *testutil.MockOkta) { m.SetResponse("", testutil.NewInvalidTokenResponse()) },
			expectCode: exitFetch,
		},
		{
			name:       "missing link",
			oktaSetup:  func(m *testutil.MockOkta) { m.SetResponse("", testutil.NewMissingLinkResponse(`[]`)) },
			expectCode: exitFetch,
		},
		{
			name:       "rate limited is a clean stop",
			oktaSetup:  func(m *testutil.MockOkta) { m.SetResponse("", testutil.NewRateLimitResponse()) },
			expectCode: exitOK,
		},
		{
			name:       "humio rejects batch",
			oktaSetup:  func(m *testutil.MockOkta) { m.SetPages(testutil.Events("a", 1)) },
			humioCode:  http.StatusInternalServerError,
			expectCode: exitForward,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			okta := testutil.NewMockOkta()
			defer okta.Close()
			tt.oktaSetup(okta)

			fields := map[string]any{
				"okta-org-host": okta.URL(),
				"okta-api-key":  "00secret",
				"timeout":       60,
			}
			if tt.humioCode != 0 {
				humio := testutil.NewMockHumio()
				defer humio.Close()
				humio.SetStatus(tt.humioCode)
				fields["humio-server"] = humio.URL()
				fields["humio-token"] = "ingest"
			}
			cfgPath := writeConfig(t, fields)

			var stdout, stderr bytes.Buffer
			if code := run([]string{"-pid-file", pidPath(t), cfgPath}, &stdout, &stderr); code != tt.expectCode {
				t.Errorf("run() = %d, want %d\nstderr: %s", code, tt.expectCode, stderr.String())
			}
			if _, ok := readConfig(t, cfgPath)[checkpoint.ContinuationKey]; ok {
				t.Error("cursor persisted although nothing was forwarded")
			}
		})
	}
}

func TestRun_Locked(t *testing.T) {
	pid := pidPath(t)
	if err := os.WriteFile(pid, []byte("4242\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfgPath := writeConfig(t, map[string]any{
		"okta-org-host": "https://example.okta.com",
		"okta-api-key":  "00secret",
		"timeout":       60,
	})

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-pid-file", pid, cfgPath}, &stdout, &stderr); code != exitLocked {
		t.Fatalf("run() = %d, want %d", code, exitLocked)
	}
	if !strings.Contains(stderr.String(), pid) || !strings.Contains(stderr.String(), "delete the file") {
		t.Errorf("stderr = %s, want a removal hint for %s", stderr.String(), pid)
	}
	if data, _ := os.ReadFile(pid); string(data) != "4242\n" {
		t.Errorf("PID file = %q, want it untouched", data)
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args func(t *testing.T) []string
	}{
		{"no config file", func(t *testing.T) []string { return nil }},
		{"two config files", func(t *testing.T) []string { return []string{"a.json", "b.json"} }},
		{"missing file", func(t *testing.T) []string { return []string{filepath.Join(t.TempDir(), "absent.json")} }},
		{"incomplete file", func(t *testing.T) []string {
			return []string{writeConfig(t, map[string]any{"okta-org-host": "https://example.okta.com"})}
		}},
		{"unknown flag", func(t *testing.T) []string { return []string{"-bogus"} }},
		{"env mode with file", func(t *testing.T) []string { return []string{"-env", "a.json"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tt.args(t), &stdout, &stderr); code != exitConfig {
				t.Errorf("run() = %d, want %d\nstderr: %s", code, exitConfig, stderr.String())
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-h"}, &stdout, &stderr); code != exitOK {
		t.Errorf("run(-h) = %d, want %d", code, exitOK)
	}
	if !strings.Contains(stderr.String(), "Usage: okta-relay") {
		t.Errorf("stderr = %s, want usage", stderr.String())
	}
}

func TestRun_EnvModeRequiresBackend(t *testing.T) {
	t.Setenv("OKTA_ORG_URL", "https://example.okta.com")
	t.Setenv("OKTA_API_KEY", "00secret")
	t.Setenv("DDB_TABLE", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("CHECKPOINT_BACKEND", "")

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-env"}, &stdout, &stderr); code != exitConfig {
		t.Errorf("run(-env) = %d, want %d", code, exitConfig)
	}
	if !strings.Contains(stderr.String(), "no checkpoint backend configured") {
		t.Errorf("stderr = %s, want backend error", stderr.String())
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err    error
		expect int
	}{
		{nil, exitOK},
		{fmt.Errorf("%w: %w", relay.ErrFetch, &client.UpstreamError{StatusCode: 500}), exitFetch},
		{fmt.Errorf("%w: %w", relay.ErrForward, sink.ErrSinkTimeout), exitForward},
		{fmt.Errorf("%w: disk full", relay.ErrCheckpoint), exitCheckpoint},
		{fmt.Errorf("%w: access denied", relay.ErrCheckpointLoad), exitCheckpoint},
		{fmt.Errorf("%w: %w", relay.ErrBudget, relay.ErrBudgetTooShort), exitConfig},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.expect {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.expect)
			}
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}
