package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bdobrica/Taicho/common/version"
	"github.com/bdobrica/Taicho/internal/genome"
	"github.com/bdobrica/Taicho/internal/protocol"
	"github.com/bdobrica/Taicho/internal/slave/hosted"
	"github.com/bdobrica/Taicho/internal/slave/server"
)

type staticDetector []string

func (d staticDetector) Detect(ctx context.Context) []string { return d }

func newTestServer(t *testing.T, token string) (*httptest.Server, *hosted.Registry) {
	t.Helper()
	registry := hosted.NewRegistry(nil)
	t.Cleanup(registry.Close)
	fp := version.Fingerprint{GitBranch: "main", GitCommit: "abc123", RuntimeVersion: "0.1.0"}
	srv := httptest.NewServer(server.New(server.Config{Token: token}, fp, registry, staticDetector{"native"}).Handler())
	t.Cleanup(srv.Close)
	return srv, registry
}

func execute(t *testing.T, srv *httptest.Server, token, key string, req protocol.ExecuteRequest) (*http.Response, protocol.ExecuteResponse) {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequest(http.MethodPost, srv.URL+"/execute", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if key != "" {
		httpReq.Header.Set("X-Idempotency-Key", key)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	defer resp.Body.Close()
	var out protocol.ExecuteResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp, out
}

func TestHealthReportsFingerprintAndAgents(t *testing.T) {
	srv, registry := newTestServer(t, "")
	registry.Deploy("agent-1", genome.New([]byte(`{"role":"scout"}`)))

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var health protocol.SlaveHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.GitCommit != "abc123" {
		t.Errorf("health = %+v", health)
	}
	if health.AgentsCount != 1 {
		t.Errorf("agents_count = %d, want 1", health.AgentsCount)
	}
	if len(health.AvailableStrategies) != 1 || health.AvailableStrategies[0] != "native" {
		t.Errorf("strategies = %v, want [native]", health.AvailableStrategies)
	}
}

func TestExecuteCapturesOutputAndExitCode(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp, out := execute(t, srv, "", "", protocol.ExecuteRequest{Command: "echo hello; echo oops >&2; exit 3"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out.Stdout != "hello\n" || out.Stderr != "oops\n" {
		t.Errorf("output = %q / %q", out.Stdout, out.Stderr)
	}
	if out.ExitCode != 3 {
		t.Errorf("exit_code = %d, want 3", out.ExitCode)
	}
}

func TestExecuteRequiresBearerToken(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	resp, _ := execute(t, srv, "", "", protocol.ExecuteRequest{Command: "true"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	resp, out := execute(t, srv, "s3cret", "", protocol.ExecuteRequest{Command: "echo ok"})
	if resp.StatusCode != http.StatusOK || out.Stdout != "ok\n" {
		t.Fatalf("status with token = %d, stdout = %q", resp.StatusCode, out.Stdout)
	}
}

func TestExecuteIdempotencyReplay(t *testing.T) {
	srv, _ := newTestServer(t, "")

	_, first := execute(t, srv, "", "key-1", protocol.ExecuteRequest{Command: "date +%N"})
	resp, second := execute(t, srv, "", "key-1", protocol.ExecuteRequest{Command: "date +%N"})
	if resp.Header.Get("X-Idempotency-Replay") != "true" {
		t.Error("second call missing replay header")
	}
	if first.Stdout != second.Stdout {
		t.Errorf("replay returned a fresh result: %q vs %q", first.Stdout, second.Stdout)
	}
}

func TestExecuteRejectsEmptyCommand(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp, _ := execute(t, srv, "", "", protocol.ExecuteRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
