package jobstore

import (
	"path/filepath"
	"testing"
	"time"
)

func TestUpsertAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	job := &Job{JobID: "job-1", Kind: "fiqa-fast", Status: Queued, QueuedAt: time.Now()}
	if err := s.Upsert(job); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get("job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != Queued {
		t.Errorf("Status = %v, want QUEUED", got.Status)
	}

	// Reopen from disk to confirm persistence.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got2, err := s2.Get("job-1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got2.JobID != "job-1" {
		t.Errorf("JobID after reopen = %q", got2.JobID)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "jobs.json"))
	if _, err := s.Get("missing"); err == nil {
		t.Fatal("expected NotFound error")
	}
}

func TestReconcileOnBoot_ReapsDeadPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	s, _ := Open(path)
	pid := 999999
	if err := s.Upsert(&Job{JobID: "zombie-1", Status: Running, PID: &pid, QueuedAt: time.Now()}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reaped, err := s.ReconcileOnBoot(func(pid int) bool { return false })
	if err != nil {
		t.Fatalf("ReconcileOnBoot: %v", err)
	}
	if len(reaped) != 1 || reaped[0].JobID != "zombie-1" {
		t.Fatalf("reaped = %+v, want one entry for zombie-1", reaped)
	}

	got, _ := s.Get("zombie-1")
	if got.Status != Aborted {
		t.Errorf("Status = %v, want ABORTED", got.Status)
	}
	if got.Reason != "zombie_reaped" {
		t.Errorf("Reason = %q, want zombie_reaped", got.Reason)
	}
}

func TestReconcileOnBoot_LeavesAliveJobsRunning(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "jobs.json"))
	pid := 1
	s.Upsert(&Job{JobID: "alive-1", Status: Running, PID: &pid, QueuedAt: time.Now()})

	reaped, err := s.ReconcileOnBoot(func(pid int) bool { return true })
	if err != nil {
		t.Fatalf("ReconcileOnBoot: %v", err)
	}
	if len(reaped) != 0 {
		t.Fatalf("reaped = %+v, want none", reaped)
	}
}

func TestFindByFingerprint_IdempotentInFlight(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "jobs.json"))
	s.Upsert(&Job{JobID: "job-1", Status: Running, RequestFingerprint: "fp-a", QueuedAt: time.Now()})

	got := s.FindByFingerprint("fp-a", time.Minute)
	if got == nil || got.JobID != "job-1" {
		t.Fatalf("FindByFingerprint = %+v, want job-1", got)
	}
	if s.FindByFingerprint("fp-b", time.Minute) != nil {
		t.Error("FindByFingerprint for unknown fingerprint should be nil")
	}
}
