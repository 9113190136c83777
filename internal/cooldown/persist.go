package cooldown

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/steamvet/steamvet/internal/endpoint"
	"github.com/steamvet/steamvet/internal/registry"
)

// On-disk shapes for endpoint_cooldowns.json. Older files recorded
// duration_minutes instead of duration_ms; both are accepted on read,
// only duration_ms is written.
type fileRoot struct {
	Connections []fileConn `json:"connections"`
}

type fileConn struct {
	Index     int                     `json:"index"`
	Kind      registry.Kind           `json:"type"`
	URL       string                  `json:"url,omitempty"`
	Cooldowns map[string]*fileCooldown `json:"endpoint_cooldowns"`
}

type fileCooldown struct {
	CooldownUntil   int64  `json:"cooldown_until"`
	Reason          Reason `json:"reason"`
	BackoffLevel    *int   `json:"backoff_level,omitempty"`
	AppliedAt       int64  `json:"applied_at"`
	ErrorMessage    string `json:"error_message,omitempty"`
	DurationMS      int64  `json:"duration_ms,omitempty"`
	DurationMinutes int64  `json:"duration_minutes,omitempty"` // legacy, read-only
}

// loadFile reads the persisted matrix. A missing file yields an empty
// matrix. Expired records are kept here so matchConnections can seed
// backoff levels from them; the caller's first CleanupExpired drops them.
func (s *Store) loadFile() ([]*connState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	var root fileRoot
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}

	now := time.Now()
	var cells []*connState
	for _, fc := range root.Connections {
		cell := newConnState(fc.Kind, fc.URL)
		for name, rec := range fc.Cooldowns {
			class := endpoint.Class(name)
			duration := time.Duration(rec.DurationMS) * time.Millisecond
			if duration == 0 && rec.DurationMinutes > 0 {
				duration = time.Duration(rec.DurationMinutes) * time.Minute
			}
			loaded := &Record{
				Until:        time.UnixMilli(rec.CooldownUntil),
				Reason:       rec.Reason,
				AppliedAt:    time.UnixMilli(rec.AppliedAt),
				ErrorMessage: rec.ErrorMessage,
				BackoffLevel: rec.BackoffLevel,
				Duration:     duration,
			}

			// 429 levels survive record expiry: seed the in-memory map
			// even when the window has already passed.
			if rec.Reason == ReasonRateLimited && rec.BackoffLevel != nil {
				level := *rec.BackoffLevel
				if max := len(s.sequence) - 1; level > max {
					level = max
				}
				cell.backoff[class] = level
			}
			if !loaded.Expired(now) {
				cell.records[class] = loaded
			}
		}

		// Pad with empty columns so the slice position equals the index.
		for len(cells) < fc.Index {
			cells = append(cells, newConnState(registry.KindSOCKS5, ""))
		}
		cells = append(cells, cell)
	}
	return cells, nil
}

// save flushes unexpired records atomically under the cross-process flock.
func (s *Store) save() error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", s.lock.Path(), err)
	}
	defer func() { _ = s.lock.Unlock() }()

	s.mu.Lock()
	now := time.Now()
	root := fileRoot{Connections: make([]fileConn, 0, len(s.cells))}
	for i, cell := range s.cells {
		fc := fileConn{
			Index:     i,
			Kind:      cell.kind,
			URL:       cell.url,
			Cooldowns: make(map[string]*fileCooldown),
		}
		for class, rec := range cell.records {
			if rec.Expired(now) {
				continue
			}
			fc.Cooldowns[string(class)] = &fileCooldown{
				CooldownUntil: rec.Until.UnixMilli(),
				Reason:        rec.Reason,
				BackoffLevel:  rec.BackoffLevel,
				AppliedAt:     rec.AppliedAt.UnixMilli(),
				ErrorMessage:  rec.ErrorMessage,
				DurationMS:    rec.Duration.Milliseconds(),
			}
		}
		root.Connections = append(root.Connections, fc)
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cooldowns: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}
