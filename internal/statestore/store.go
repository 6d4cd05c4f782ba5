// Package statestore persists and loads per-stack StackState documents
// atomically, so the document on disk is always either the previous
// committed version or the new one, never partial.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"silexa/agents/stackagent/internal/model"
)

// Store reads and writes the state document for a single stack at path.
type Store struct {
	path string
}

// New binds a Store to a state.json path (see layout.Paths.StateFile).
func New(path string) *Store {
	return &Store{path: path}
}

// Load returns the persisted document merged with defaults, so callers never
// see missing maps/structs. A corrupt or missing file yields the default
// document rather than an error, matching the spec's crash-recovery stance:
// the state store is best-effort memory, not a hard dependency for booting.
func (s *Store) Load() (model.StackState, error) {
	raw, err := os.ReadFile(s.path) // #nosec G304 -- path is derived from the configured stack root.
	if err != nil {
		if os.IsNotExist(err) {
			return model.DefaultStackState(), nil
		}
		return model.DefaultStackState(), nil
	}
	var doc model.StackState
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.DefaultStackState(), nil
	}
	if doc.Releases == nil {
		doc.Releases = map[string]model.Release{}
	}
	if doc.Deployment.State == "" {
		doc.Deployment.State = model.StateIdle
	}
	return doc, nil
}

// Save writes doc to <path>.tmp and atomically renames onto path (I4).
func (s *Store) Save(doc model.StackState) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return model.Wrap(model.KindStatePersistError, "marshal", err)
	}
	raw = append(raw, '\n')
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return model.Wrap(model.KindStatePersistError, "mkdir", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return model.Wrap(model.KindStatePersistError, "write_tmp", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return model.Wrap(model.KindStatePersistError, "rename", fmt.Errorf("commit state file: %w", err))
	}
	return nil
}

// --- small composable mutators, each a load-mutate-save transaction the
// engine calls instead of hand-rolling the read-modify-write itself. ---

// RecordRelease upserts release into the releases map, so a version is
// recoverable from disk even if a later install step fails.
func (s *Store) RecordRelease(release model.Release) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	if doc.Releases == nil {
		doc.Releases = map[string]model.Release{}
	}
	doc.Releases[release.Version] = release
	return s.Save(doc)
}

// UpdateDeploymentState transitions deployment.state and optionally sets
// target_version/last_failure; failure=nil clears any prior failure.
func (s *Store) UpdateDeploymentState(state model.DeploymentState, target *string, failure error) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	doc.Deployment.State = state
	if target != nil {
		doc.Deployment.TargetVersion = target
	}
	if failure != nil {
		doc.Deployment.LastFailure = model.StrPtr(failure.Error())
		doc.Deployment.LastFailureAt = model.StrPtr(model.NowRFC3339())
	} else {
		doc.Deployment.LastFailure = nil
		doc.Deployment.LastFailureAt = nil
	}
	return s.Save(doc)
}

// ClearFailure drops last_failure/last_failure_at without touching state.
func (s *Store) ClearFailure() error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	doc.Deployment.LastFailure = nil
	doc.Deployment.LastFailureAt = nil
	return s.Save(doc)
}

// SetCurrent updates current/previous together (the only place both change
// atomically with respect to each other in the state document).
func (s *Store) SetCurrent(current, previous *string) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	doc.Current = current
	doc.Previous = previous
	return s.Save(doc)
}

// RecordInstallTimestamp stamps deployment.timestamps.installed = now.
func (s *Store) RecordInstallTimestamp() error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	doc.Deployment.Timestamps.Installed = model.StrPtr(model.NowRFC3339())
	return s.Save(doc)
}

// RecordActivateTimestamp stamps deployment.timestamps.activated = now.
func (s *Store) RecordActivateTimestamp() error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	doc.Deployment.Timestamps.Activated = model.StrPtr(model.NowRFC3339())
	return s.Save(doc)
}

// RecordRollbackTimestamp stamps deployment.timestamps.rolled_back = now.
func (s *Store) RecordRollbackTimestamp() error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	doc.Deployment.Timestamps.RolledBack = model.StrPtr(model.NowRFC3339())
	return s.Save(doc)
}

// UpdateProcess records (or clears, when pid is nil) the supervised pid and
// its start time.
func (s *Store) UpdateProcess(pid *int, startedAt *string) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	doc.Process.PID = pid
	doc.Process.StartedAt = startedAt
	return s.Save(doc)
}

// RemoveRelease deletes a version's entry from the releases map (used by
// Prune; apply/remove never evict entries on their own).
func (s *Store) RemoveRelease(version string) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	delete(doc.Releases, version)
	return s.Save(doc)
}
