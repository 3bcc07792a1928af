package bandit

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

const stateSchemaVersion = 1

// stateDocument is the on-disk shape of bandit_state.json (spec §3, §6):
// one ArmState entry per configured arm, keyed by arm name.
type stateDocument struct {
	SchemaVersion int                  `json:"schema_version"`
	Arms          map[string]*ArmState `json:"arms"`
}

// SaveState persists the selector's current per-arm bookkeeping to path,
// write-temp-then-rename so a crash mid-write never leaves a partial
// bandit_state.json (mirrors internal/jobstore's jobs.json persistence).
func (s *Selector) SaveState(path string) error {
	doc := stateDocument{SchemaVersion: stateSchemaVersion, Arms: s.state}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("bandit: marshal state: %w", err)
	}
	return writeFileAtomic(path, data)
}

// LoadState builds a Selector from cfg, then overlays any per-arm state
// found at path. A missing file is not an error — a fresh Selector with
// zero state for every arm is returned, as on first boot.
func LoadState(path string, cfg Config, rng *rand.Rand) (*Selector, error) {
	sel := NewSelector(cfg, rng)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return sel, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bandit: read state: %w", err)
	}

	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("bandit: unmarshal state: %w", err)
	}
	for _, arm := range cfg.Arms {
		if st, ok := doc.Arms[arm]; ok && st != nil {
			sel.state[arm] = st
		}
	}
	return sel, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bandit: mkdir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".bandit_state-*.tmp")
	if err != nil {
		return fmt.Errorf("bandit: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("bandit: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("bandit: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("bandit: rename into place: %w", err)
	}
	return nil
}
