package bootstrap

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"silexa/agents/stackagent/internal/engine"
	"silexa/agents/stackagent/internal/execproc"
	"silexa/agents/stackagent/internal/layout"
	"silexa/agents/stackagent/internal/model"
	"silexa/agents/stackagent/internal/statestore"
)

func buildArchive(t *testing.T) (body []byte, checksum string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("#!/bin/sh\necho hi\n")
	if err := tw.WriteHeader(&tar.Header{Name: "run.sh", Mode: 0o755, Size: int64(len(content))}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("write content: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

// TestRunRespawnsCrashedStackOnBoot covers scenario 6 end to end through the
// bootstrap entrypoint: the release's recorded process was killed while it was
// running, and the next Run pass must notice the dead pid and respawn it.
func TestRunRespawnsCrashedStackOnBoot(t *testing.T) {
	archive, checksum := buildArchive(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	eng := engine.New(engine.Options{
		Root:              t.TempDir(),
		DownloadRetries:   2,
		DownloadTimeout:   2 * time.Second,
		DownloadBackoff:   time.Millisecond,
		StartGrace:        200 * time.Millisecond,
		StopTimeout:       2 * time.Second,
		GracePollInterval: 20 * time.Millisecond,
	})

	release := model.Release{
		Name:     "stack-a",
		Version:  "1.0.0",
		Artifact: model.Artifact{URI: srv.URL, Checksum: checksum},
		Runtime:  model.Runtime{StartCommand: "sleep 60"},
	}
	if out := eng.ApplyRelease(context.Background(), release, ""); out.Status != "running" {
		t.Fatalf("expected running, got %+v", out)
	}

	paths := layout.For(eng.Root(), "stack-a")
	store := statestore.New(paths.StateFile)
	doc, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Process.PID == nil {
		t.Fatalf("expected a recorded pid before crash simulation")
	}
	oldPID := *doc.Process.PID

	proc, err := os.FindProcess(oldPID)
	if err != nil {
		t.Fatalf("FindProcess: %v", err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && execproc.PIDAlive(oldPID) {
		time.Sleep(20 * time.Millisecond)
	}
	if execproc.PIDAlive(oldPID) {
		t.Fatalf("expected pid %d to be dead before bootstrap", oldPID)
	}

	if err := Run(context.Background(), eng); err != nil {
		t.Fatalf("Run: %v", err)
	}

	doc, err = store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Process.PID == nil || *doc.Process.PID == oldPID {
		t.Fatalf("expected a new pid recorded after bootstrap, got %v (old was %d)", doc.Process.PID, oldPID)
	}
	if !execproc.PIDAlive(*doc.Process.PID) {
		t.Fatalf("expected the respawned pid to be alive")
	}
	if doc.Deployment.State != model.StateRunning {
		t.Fatalf("expected running state after bootstrap respawn, got %q", doc.Deployment.State)
	}
}
