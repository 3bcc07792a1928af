// Package jobstore implements the durable Job State Store (spec §4.3, §3
// Job): a single jobs.json snapshot file guarded by a mutex, with
// write-temp-then-rename persistence and boot-time zombie reconciliation.
package jobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/waterwoods/searchforge-sub005/internal/apierr"
)

const schemaVersion = 1

// Status is the Job lifecycle state machine (spec §3).
type Status string

const (
	Queued    Status = "QUEUED"
	Running   Status = "RUNNING"
	Succeeded Status = "SUCCEEDED"
	Failed    Status = "FAILED"
	Cancelled Status = "CANCELLED"
	Aborted   Status = "ABORTED"
)

// IsTerminal reports whether s is one of the immutable terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case Succeeded, Failed, Cancelled, Aborted:
		return true
	default:
		return false
	}
}

// Job is the persisted record for one submitted job (spec §3 Job).
type Job struct {
	JobID               string            `json:"job_id"`
	Kind                string            `json:"kind"`
	Status               Status           `json:"status"`
	Cmd                 []string          `json:"cmd,omitempty"`
	PID                 *int              `json:"pid,omitempty"`
	QueuedAt             time.Time        `json:"queued_at"`
	StartedAt            *time.Time       `json:"started_at,omitempty"`
	FinishedAt           *time.Time       `json:"finished_at,omitempty"`
	RequestFingerprint   string            `json:"request_fingerprint"`
	Artifacts            map[string]string `json:"artifacts,omitempty"`
	Reason               string            `json:"reason,omitempty"`
}

// document is the on-disk jobs.json shape (spec §6).
type document struct {
	SchemaVersion int            `json:"schema_version"`
	Jobs          []*Job         `json:"jobs"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Store is the in-memory map guarded by a mutex, backed by jobs.json.
type Store struct {
	mu   sync.Mutex
	path string
	jobs map[string]*Job
}

// Open loads jobs.json from path, creating an empty store if it does not
// exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, jobs: make(map[string]*Job)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: read %q: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("jobstore: parse %q: %w", path, err)
	}
	for _, j := range doc.Jobs {
		s.jobs[j.JobID] = j
	}
	return s, nil
}

// Get returns a copy of the job with the given id.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apierr.WithDetail(apierr.NotFound, "job not found", id)
	}
	cp := *j
	return &cp, nil
}

// List returns all jobs, newest (by QueuedAt) first.
func (s *Store) List(limit int) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	// insertion-sort by QueuedAt descending; job counts are small (single
	// worker loop), so O(n^2) is fine and keeps this dependency-free.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].QueuedAt.After(out[j-1].QueuedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// FindByFingerprint returns the most recent non-terminal (or recently
// terminal) job with the given fingerprint, used for idempotent submission.
func (s *Store) FindByFingerprint(fp string, ttl time.Duration) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, j := range s.jobs {
		if j.RequestFingerprint != fp {
			continue
		}
		if !j.Status.IsTerminal() {
			cp := *j
			return &cp
		}
		if j.FinishedAt != nil && now.Sub(*j.FinishedAt) < ttl {
			cp := *j
			return &cp
		}
	}
	return nil
}

// Upsert writes job into the in-memory map and persists a full snapshot.
func (s *Store) Upsert(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.JobID] = &cp
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	doc := document{SchemaVersion: schemaVersion, UpdatedAt: time.Now().UTC()}
	for _, j := range s.jobs {
		doc.Jobs = append(doc.Jobs, j)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("jobstore: marshal: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// writeFileAtomic writes data to a temp file in the same directory then
// renames it into place, avoiding partial files on crash (spec §4.3).
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jobstore: mkdir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".jobs-*.tmp")
	if err != nil {
		return fmt.Errorf("jobstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("jobstore: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("jobstore: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("jobstore: rename into place: %w", err)
	}
	return nil
}

// ReconcileOnBoot rewrites every RUNNING job whose pid is not alive (per
// isAlive) to ABORTED with reason="zombie_reaped" (spec §4.3, §8). Returns
// the jobs that were reaped so the caller can emit the matching
// RUN_FAILED event to each run's event log.
func (s *Store) ReconcileOnBoot(isAlive func(pid int) bool) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped []*Job
	for _, j := range s.jobs {
		if j.Status != Running {
			continue
		}
		if j.PID != nil && isAlive(*j.PID) {
			continue
		}
		j.Status = Aborted
		j.Reason = "zombie_reaped"
		now := time.Now().UTC()
		j.FinishedAt = &now
		cp := *j
		reaped = append(reaped, &cp)
	}
	if len(reaped) > 0 {
		if err := s.saveLocked(); err != nil {
			return reaped, err
		}
	}
	return reaped, nil
}
