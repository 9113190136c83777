// Package queue persists the profile work queue as a single JSON array
// guarded by a cross-process advisory lock file. Writes are staged to a
// temp file, validated, and renamed over the target so a crash never
// leaves a half-written queue behind.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/steamvet/steamvet/internal/domain"
)

// Per-call retry parameters for transient lock or filesystem errors.
const (
	retryBase     = 200 * time.Millisecond
	retryCap      = 10 * time.Second
	retryAttempts = 3
)

// AddResult reports what Add did.
type AddResult int

const (
	Added AddResult = iota
	AlreadyPresent
)

// Store is the on-disk profile queue.
type Store struct {
	path     string
	lockPath string
}

// Open creates a queue store over profiles_queue.json in dir.
func Open(dir string) *Store {
	path := filepath.Join(dir, "profiles_queue.json")
	return &Store{path: path, lockPath: path + ".lock"}
}

// Add enqueues a profile with all checks in to_check. Idempotent: a
// duplicate steam_id leaves the existing profile untouched.
func (s *Store) Add(steamID, username string) (AddResult, error) {
	result := AlreadyPresent
	err := s.withLock(func(profiles []*domain.Profile) ([]*domain.Profile, bool, error) {
		for _, p := range profiles {
			if p.SteamID == steamID {
				return profiles, false, nil
			}
		}
		result = Added
		return append(profiles, domain.NewProfile(steamID, username)), true, nil
	})
	return result, err
}

// UpdateCheck sets one check's status. Unknown profiles are a no-op
// returning false; an invalid status or check name is an error.
func (s *Store) UpdateCheck(steamID string, check domain.CheckName, status domain.CheckStatus) (bool, error) {
	if !domain.ValidCheckName(check) {
		return false, fmt.Errorf("unknown check %q", check)
	}
	if !domain.ValidCheckStatus(status) {
		return false, fmt.Errorf("invalid check status %q", status)
	}

	updated := false
	err := s.withLock(func(profiles []*domain.Profile) ([]*domain.Profile, bool, error) {
		for _, p := range profiles {
			if p.SteamID == steamID {
				p.Checks[check] = status
				updated = true
				return profiles, true, nil
			}
		}
		return profiles, false, nil
	})
	return updated, err
}

// Remove deletes a profile from the queue. Removing an absent profile is
// a no-op.
func (s *Store) Remove(steamID string) error {
	return s.withLock(func(profiles []*domain.Profile) ([]*domain.Profile, bool, error) {
		for i, p := range profiles {
			if p.SteamID == steamID {
				return append(profiles[:i], profiles[i+1:]...), true, nil
			}
		}
		return profiles, false, nil
	})
}

// NextProcessable picks the next profile worth visiting: the first with
// any to_check check; failing that, the first with all checks terminal
// (ready for downstream submission); failing that, the first deferred.
// Returns nil when the queue holds nothing actionable.
func (s *Store) NextProcessable() (*domain.Profile, error) {
	profiles, err := s.readAll()
	if err != nil {
		return nil, err
	}

	for _, p := range profiles {
		if p.HasStatus(domain.StatusToCheck) {
			return p, nil
		}
	}
	for _, p := range profiles {
		if p.AllTerminal() {
			return p, nil
		}
	}
	for _, p := range profiles {
		if p.HasStatus(domain.StatusDeferred) {
			return p, nil
		}
	}
	return nil, nil
}

// ByID returns the profile with the given steam_id, or nil.
func (s *Store) ByID(steamID string) (*domain.Profile, error) {
	profiles, err := s.readAll()
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if p.SteamID == steamID {
			return p, nil
		}
	}
	return nil, nil
}

// All returns a copy of every queued profile in enqueue order.
func (s *Store) All() ([]*domain.Profile, error) {
	return s.readAll()
}

// Stats summarises the queue.
func (s *Store) Stats() (domain.Stats, error) {
	profiles, err := s.readAll()
	if err != nil {
		return domain.Stats{}, err
	}

	var stats domain.Stats
	stats.Total = len(profiles)
	for _, p := range profiles {
		switch {
		case p.AllTerminal():
			stats.Completed++
		case p.HasStatus(domain.StatusDeferred):
			stats.Deferred++
		case p.HasStatus(domain.StatusPassed) || p.HasStatus(domain.StatusFailed):
			stats.InFlight++
		default:
			stats.ToCheck++
		}
	}
	return stats, nil
}

// withLock runs a read-modify-write cycle under the advisory lock with
// per-call retry. The mutate function returns the new profile list and
// whether anything changed.
func (s *Store) withLock(mutate func([]*domain.Profile) ([]*domain.Profile, bool, error)) error {
	return s.retry(func() error {
		if err := acquireLock(s.lockPath); err != nil {
			return err
		}
		defer func() {
			if err := releaseLock(s.lockPath); err != nil {
				slog.Error("queue lock release failed", "error", err)
			}
		}()

		profiles, err := s.load()
		if err != nil {
			return err
		}
		profiles, changed, err := mutate(profiles)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return s.writeStaged(profiles)
	})
}

// readAll loads the queue under the lock without mutating it. Read-only
// observers still take the lock so they never see a mid-rename state.
func (s *Store) readAll() ([]*domain.Profile, error) {
	var profiles []*domain.Profile
	err := s.retry(func() error {
		if err := acquireLock(s.lockPath); err != nil {
			return err
		}
		defer func() {
			if err := releaseLock(s.lockPath); err != nil {
				slog.Error("queue lock release failed", "error", err)
			}
		}()

		var err error
		profiles, err = s.load()
		return err
	})
	return profiles, err
}

// load reads and validates the queue file. Missing file means empty queue.
func (s *Store) load() ([]*domain.Profile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	return parseAndValidate(data)
}

// writeStaged serialises to <queue>.tmp.<pid>.<ts>, re-reads and
// validates the staging file, renames it over the target, then re-reads
// and re-validates the final file.
func (s *Store) writeStaged(profiles []*domain.Profile) error {
	if profiles == nil {
		profiles = []*domain.Profile{}
	}
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling queue: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp.%d.%d", s.path, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}

	staged, err := os.ReadFile(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("re-reading %s: %w", tmp, err)
	}
	if _, err := parseAndValidate(staged); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("staged queue failed validation: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}

	final, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("re-reading %s: %w", s.path, err)
	}
	if _, err := parseAndValidate(final); err != nil {
		return fmt.Errorf("written queue failed validation: %w", err)
	}
	return nil
}

// parseAndValidate rejects non-array roots and malformed profiles.
func parseAndValidate(data []byte) ([]*domain.Profile, error) {
	var profiles []*domain.Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("queue root must be a JSON array: %w", err)
	}
	for i, p := range profiles {
		if p == nil {
			return nil, fmt.Errorf("profile %d is null", i)
		}
		if p.SteamID == "" {
			return nil, fmt.Errorf("profile %d missing steam_id", i)
		}
		if p.Username == "" {
			return nil, fmt.Errorf("profile %d (%s) missing username", i, p.SteamID)
		}
		if len(p.Checks) == 0 {
			return nil, fmt.Errorf("profile %d (%s) missing checks", i, p.SteamID)
		}
	}
	return profiles, nil
}

// retry runs op with exponential backoff and jitter. Lock timeouts and
// filesystem errors are usually transient (another process mid-write).
func (s *Store) retry(op func() error) error {
	var lastErr error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(delay) / 2))
			time.Sleep(delay + jitter)
			delay *= 2
			if delay > retryCap {
				delay = retryCap
			}
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrLockTimeout) {
			slog.Warn("queue operation failed, retrying", "attempt", attempt+1, "error", lastErr)
		}
	}
	return lastErr
}
