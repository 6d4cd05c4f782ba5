package agent

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func buildArchive(t *testing.T) (body []byte, checksum string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("echo hi\n")
	_ = tw.WriteHeader(&tar.Header{Name: "run.sh", Mode: 0o755, Size: int64(len(content))})
	_, _ = tw.Write(content)
	_ = tw.Close()
	_ = gz.Close()
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func TestNewCoreRejectsMissingRoot(t *testing.T) {
	if _, err := NewCore(Config{}); err == nil {
		t.Fatalf("expected ConfigError for missing root")
	}
}

func TestCoreInitReconcileShutdown(t *testing.T) {
	archive, checksum := buildArchive(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	core, err := NewCore(Config{
		Root:              t.TempDir(),
		HeartbeatInterval: time.Hour,
		DownloadRetries:   2,
		DownloadTimeout:   2 * time.Second,
		DownloadBackoff:   time.Millisecond,
		StartGrace:        100 * time.Millisecond,
		StopTimeout:       2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	ctx := context.Background()
	if err := core.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	req := ReconcileRequest{
		Verb: "apply",
		Components: []Component{
			{
				Name: "stack-a",
				Properties: map[string]any{
					"data": map[string]any{
						"name":    "stack-a",
						"version": "1.0.0",
						"artifact": map[string]any{
							"uri":      srv.URL,
							"checksum": checksum,
						},
						"runtime": map[string]any{"start_command": "sleep 60"},
					},
				},
			},
		},
	}
	resp, err := core.Reconcile(ctx, req)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	var summary map[string]any
	if err := json.Unmarshal([]byte(resp), &summary); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if summary["status"] != "OK" {
		t.Fatalf("expected OK status, got %+v", summary)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := core.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
