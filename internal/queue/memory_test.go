package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStorePendingOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.AddPending(ctx, "b", 2); err != nil {
		t.Fatalf("AddPending failed: %v", err)
	}
	if err := s.AddPending(ctx, "a", 1); err != nil {
		t.Fatalf("AddPending failed: %v", err)
	}
	if err := s.AddPending(ctx, "c", 3); err != nil {
		t.Fatalf("AddPending failed: %v", err)
	}

	for _, want := range []string{"a", "b", "c"} {
		id, ok, err := s.PopMinPending(ctx)
		if err != nil {
			t.Fatalf("PopMinPending failed: %v", err)
		}
		if !ok || id != want {
			t.Errorf("Expected %s, got %s (ok=%v)", want, id, ok)
		}
	}
	if _, ok, _ := s.PopMinPending(ctx); ok {
		t.Error("Expected empty pop to report not ok")
	}
}

func TestMemoryStoreEqualScoresKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, id := range []string{"first", "second", "third"} {
		if err := s.AddPending(ctx, id, 7); err != nil {
			t.Fatalf("AddPending failed: %v", err)
		}
	}
	for _, want := range []string{"first", "second", "third"} {
		id, ok, err := s.PopMinPending(ctx)
		if err != nil || !ok {
			t.Fatalf("PopMinPending failed: %v ok=%v", err, ok)
		}
		if id != want {
			t.Errorf("Expected %s, got %s", want, id)
		}
	}
}

func TestMemoryStoreCompletedCap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, id := range []string{"1", "2", "3", "4"} {
		if err := s.PushCompleted(ctx, id, 3); err != nil {
			t.Fatalf("PushCompleted failed: %v", err)
		}
	}
	ids, err := s.CompletedIDs(ctx, 10)
	if err != nil {
		t.Fatalf("CompletedIDs failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("Expected cap of 3, got %d", len(ids))
	}
	want := []string{"4", "3", "2"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], ids[i])
		}
	}
}

func TestMemoryStoreJobTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.SaveJob(ctx, "soon", []byte(`{}`), 10*time.Millisecond); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}
	if _, err := s.LoadJob(ctx, "soon"); err != nil {
		t.Fatalf("Expected record before expiry, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := s.LoadJob(ctx, "soon"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after expiry, got %v", err)
	}
}

func TestMemoryStoreSaveJobZeroTTLKeepsExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.SaveJob(ctx, "keep", []byte(`{"v":1}`), time.Hour); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}
	if err := s.SaveJob(ctx, "keep", []byte(`{"v":2}`), 0); err != nil {
		t.Fatalf("SaveJob update failed: %v", err)
	}
	payload, err := s.LoadJob(ctx, "keep")
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if string(payload) != `{"v":2}` {
		t.Errorf("Expected updated payload, got %s", payload)
	}
}

func TestMemoryStoreClaimFingerprint(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	owner, claimed, err := s.ClaimFingerprint(ctx, "abc123", "job-1", time.Hour)
	if err != nil {
		t.Fatalf("ClaimFingerprint failed: %v", err)
	}
	if !claimed || owner != "job-1" {
		t.Errorf("Expected fresh claim by job-1, got owner=%s claimed=%v", owner, claimed)
	}

	owner, claimed, err = s.ClaimFingerprint(ctx, "abc123", "job-2", time.Hour)
	if err != nil {
		t.Fatalf("ClaimFingerprint failed: %v", err)
	}
	if claimed {
		t.Error("Expected second claim to be rejected")
	}
	if owner != "job-1" {
		t.Errorf("Expected owner job-1, got %s", owner)
	}

	if err := s.DeleteFingerprint(ctx, "abc123"); err != nil {
		t.Fatalf("DeleteFingerprint failed: %v", err)
	}
	_, claimed, err = s.ClaimFingerprint(ctx, "abc123", "job-3", time.Hour)
	if err != nil {
		t.Fatalf("ClaimFingerprint failed: %v", err)
	}
	if !claimed {
		t.Error("Expected claim to succeed after delete")
	}
}

func TestMemoryStoreActiveSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.AddActive(ctx, "x"); err != nil {
		t.Fatalf("AddActive failed: %v", err)
	}
	n, err := s.ActiveCount(ctx)
	if err != nil || n != 1 {
		t.Errorf("Expected active count 1, got %d (%v)", n, err)
	}
	removed, err := s.RemoveActive(ctx, "x")
	if err != nil || !removed {
		t.Errorf("Expected removal to succeed, got removed=%v err=%v", removed, err)
	}
	removed, err = s.RemoveActive(ctx, "x")
	if err != nil {
		t.Fatalf("RemoveActive failed: %v", err)
	}
	if removed {
		t.Error("Expected second removal to report false")
	}
}

func TestMemoryStoreCounters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.IncrCounter(ctx, "total_queued", 1); err != nil {
		t.Fatalf("IncrCounter failed: %v", err)
	}
	if err := s.IncrCounter(ctx, "total_queued", 2); err != nil {
		t.Fatalf("IncrCounter failed: %v", err)
	}
	counters, err := s.Counters(ctx)
	if err != nil {
		t.Fatalf("Counters failed: %v", err)
	}
	if counters["total_queued"] != 3 {
		t.Errorf("Expected total_queued 3, got %d", counters["total_queued"])
	}
}

func TestFingerprintShape(t *testing.T) {
	fp := Fingerprint("https://example.com/video")
	if len(fp) != 16 {
		t.Errorf("Expected 16-char fingerprint, got %d (%s)", len(fp), fp)
	}
	if fp != Fingerprint("https://example.com/video") {
		t.Error("Expected fingerprint to be deterministic")
	}
	if fp == Fingerprint("https://example.com/other") {
		t.Error("Expected different URLs to produce different fingerprints")
	}
}

func TestScoreOrdering(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Second)

	if scoreFor(8, now) >= scoreFor(3, now) {
		t.Error("Expected higher priority to produce lower score")
	}
	if scoreFor(5, now) >= scoreFor(5, later) {
		t.Error("Expected earlier arrival to produce lower score at equal priority")
	}
	// A priority band dominates any arrival-time spread within it.
	if scoreFor(5, now.Add(time.Hour)) >= scoreFor(4, now) {
		t.Error("Expected priority band to dominate arrival time")
	}
}
