package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"galion/internal/config"
	"galion/internal/logger"
	"galion/internal/queue"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	dir := t.TempDir()
	s := config.Defaults()
	s.Server.Listen = "127.0.0.1:0"
	s.Queue.Backend = "memory"
	s.Workers.Count = 1
	s.Downloads.Root = filepath.Join(dir, "downloads")
	s.Mirror.DSN = filepath.Join(dir, "mirror.db")
	s.Logging.Level = "error"
	return s
}

func TestNewBuildsComponentGraph(t *testing.T) {
	a, err := NewWithLogger(testSettings(t), logger.Discard())
	if err != nil {
		t.Fatalf("NewWithLogger failed: %v", err)
	}
	defer a.mirror.Close()

	if a.Manager() == nil {
		t.Error("Expected a queue manager, got nil")
	}
	if a.Registry() == nil {
		t.Fatal("Expected a platform registry, got nil")
	}
	if got := len(a.Registry().Descriptors()); got != 12 {
		t.Errorf("Expected 12 registered platforms, got %d", got)
	}
	if a.Server() == nil {
		t.Error("Expected an API server, got nil")
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	s := testSettings(t)
	s.Queue.Backend = "etcd"
	if _, err := NewWithLogger(s, logger.Discard()); err == nil {
		t.Fatal("Expected an error for an unknown queue backend")
	}
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	s := testSettings(t)
	s.Workers.Count = 0
	if _, err := NewWithLogger(s, logger.Discard()); err == nil {
		t.Fatal("Expected a validation error for zero workers")
	}
}

func TestStartServesAndShutdownStops(t *testing.T) {
	a, err := NewWithLogger(testSettings(t), logger.Discard())
	if err != nil {
		t.Fatalf("NewWithLogger failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	a.Server().Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200 from /healthz, got %d", rr.Code)
	}

	if got := a.pool.Size(); got != 1 {
		t.Errorf("Expected 1 worker after Start, got %d", got)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Shutdown(stopCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := a.pool.Size(); got != 0 {
		t.Errorf("Expected 0 workers after Shutdown, got %d", got)
	}
}

func TestStartRecoversOrphanedJobs(t *testing.T) {
	a, err := NewWithLogger(testSettings(t), logger.Discard())
	if err != nil {
		t.Fatalf("NewWithLogger failed: %v", err)
	}

	// ftp is outside every handler's Classify, so the pool disposes of the
	// recovered job in-process instead of reaching for the network.
	ctx := context.Background()
	job, err := a.Manager().Enqueue(ctx, queue.EnqueueRequest{
		URL:      "ftp://archive.example.com/dump.bin",
		Tenant:   "tenant-a",
		Priority: 5,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := a.Manager().Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	// Simulate a restart: the job sits in processing with no worker owning
	// it. Start must move it back to pending before the pool comes up; the
	// pool then fails it as unsupported, so anything but the orphaned
	// processing state proves recovery ran.
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Shutdown(stopCtx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := a.Manager().Job(ctx, job.ID)
		if err != nil {
			t.Fatalf("Job lookup failed: %v", err)
		}
		if got.Status == queue.StatusPending || got.Status == queue.StatusFailed {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Job was never recovered from the processing set")
}

func TestAuditPathDerivedFromLogFile(t *testing.T) {
	s := testSettings(t)
	s.Logging.File = filepath.Join(t.TempDir(), "logs", "galion.log")

	a, err := NewWithLogger(s, logger.Discard())
	if err != nil {
		t.Fatalf("NewWithLogger failed: %v", err)
	}
	defer a.mirror.Close()

	want := filepath.Join(filepath.Dir(s.Logging.File), "audit.jsonl")
	if got := a.auditPath(); got != want {
		t.Errorf("Expected audit path %q, got %q", want, got)
	}

	s2 := testSettings(t)
	a2, err := NewWithLogger(s2, logger.Discard())
	if err != nil {
		t.Fatalf("NewWithLogger failed: %v", err)
	}
	defer a2.mirror.Close()
	if got := a2.auditPath(); got != "" {
		t.Errorf("Expected empty audit path without a log file, got %q", got)
	}
}
