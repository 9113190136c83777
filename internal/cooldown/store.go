// Package cooldown tracks per-(connection, endpoint class) rate-limit
// state. Each cell of the matrix holds at most one cooldown record; 429
// cells additionally carry an exponential backoff level that survives
// record expiry until a success resets it. State is persisted to
// endpoint_cooldowns.json so cooldowns survive restarts.
package cooldown

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/steamvet/steamvet/internal/endpoint"
	"github.com/steamvet/steamvet/internal/registry"
)

// Reason categorises why a cell was cooled down.
type Reason string

const (
	ReasonRateLimited Reason = "429"
	ReasonConnReset   Reason = "connection_reset"
	ReasonTimeout     Reason = "timeout"
	ReasonDNSFailure  Reason = "dns_failure"
	ReasonSOCKSError  Reason = "socks_error"
	ReasonPermanent   Reason = "permanent"
)

// Record is one active cooldown on a (connection, endpoint class) cell.
type Record struct {
	Until        time.Time
	Reason       Reason
	AppliedAt    time.Time
	ErrorMessage string
	BackoffLevel *int // present iff Reason == ReasonRateLimited
	Duration     time.Duration
}

// Expired reports whether the record's cooldown window has passed.
func (r *Record) Expired(now time.Time) bool {
	return !r.Until.After(now)
}

// DefaultBackoffSequence is the saturating 429 backoff ladder in minutes.
var DefaultBackoffSequence = []int{1, 2, 4, 8, 16, 32, 60, 120, 240, 480}

// DefaultDurations are the fixed cooldown windows for non-429 categories.
var DefaultDurations = map[Reason]time.Duration{
	ReasonConnReset:  5 * time.Minute,
	ReasonTimeout:    5 * time.Minute,
	ReasonDNSFailure: 10 * time.Minute,
	ReasonSOCKSError: 10 * time.Minute,
	ReasonPermanent:  24 * time.Hour,
}

// Config tunes the backoff ladder and fixed category durations.
type Config struct {
	// BackoffSequence is the ordered 429 cooldown ladder in minutes.
	// Must be non-empty with strictly positive entries; saturates at the
	// final element.
	BackoffSequence []int

	// Durations overrides the fixed window per non-429 reason.
	Durations map[Reason]time.Duration
}

// connState is the cooldown column for one connection. Kind and URL are
// remembered so cooldowns can be re-matched after registry edits.
type connState struct {
	kind    registry.Kind
	url     string
	records map[endpoint.Class]*Record
	backoff map[endpoint.Class]int
}

func newConnState(kind registry.Kind, url string) *connState {
	return &connState{
		kind:    kind,
		url:     url,
		records: make(map[endpoint.Class]*Record),
		backoff: make(map[endpoint.Class]int),
	}
}

// Store is the persistent cooldown matrix. A single process owns the
// file; in-process mutations serialise on the internal mutex and every
// mutation is flushed atomically under a cross-process flock.
type Store struct {
	path     string
	lock     *flock.Flock
	sequence []int
	fixed    map[Reason]time.Duration

	mu    sync.Mutex
	cells []*connState // position = connection index
}

// Open loads endpoint_cooldowns.json from dir and aligns the matrix with
// the given connections. Backoff levels are seeded from any persisted 429
// records, including expired ones.
func Open(dir string, conns []registry.Connection, cfg Config) (*Store, error) {
	if len(cfg.BackoffSequence) == 0 {
		cfg.BackoffSequence = DefaultBackoffSequence
	}
	for _, m := range cfg.BackoffSequence {
		if m <= 0 {
			return nil, fmt.Errorf("backoff sequence entry %d is not positive", m)
		}
	}
	fixed := make(map[Reason]time.Duration, len(DefaultDurations))
	for k, v := range DefaultDurations {
		fixed[k] = v
	}
	for k, v := range cfg.Durations {
		fixed[k] = v
	}

	path := filepath.Join(dir, "endpoint_cooldowns.json")
	s := &Store{
		path:     path,
		lock:     flock.New(path + ".lock"),
		sequence: cfg.BackoffSequence,
		fixed:    fixed,
	}

	loaded, err := s.loadFile()
	if err != nil {
		return nil, err
	}
	s.cells = s.matchConnections(loaded, conns)
	return s, nil
}

// IsAvailable reports whether the cell has no unexpired cooldown record.
func (s *Store) IsAvailable(conn int, class endpoint.Class) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cell := s.cell(conn)
	if cell == nil {
		return true
	}
	rec, ok := cell.records[class]
	return !ok || rec.Expired(time.Now())
}

// Mark records a cooldown on the cell. For 429s the duration follows the
// backoff ladder and the cell's level advances (saturating); other
// reasons use their fixed configured window.
func (s *Store) Mark(conn int, class endpoint.Class, reason Reason, message string) (*Record, error) {
	s.mu.Lock()

	cell := s.cell(conn)
	if cell == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("connection index %d out of range", conn)
	}

	now := time.Now()
	rec := &Record{
		Reason:       reason,
		AppliedAt:    now,
		ErrorMessage: message,
	}

	if reason == ReasonRateLimited {
		level := 0
		if cur, ok := cell.backoff[class]; ok {
			level = cur + 1
			if max := len(s.sequence) - 1; level > max {
				level = max
			}
		}
		cell.backoff[class] = level
		rec.BackoffLevel = &level
		rec.Duration = time.Duration(s.sequence[level]) * time.Minute
	} else {
		d, ok := s.fixed[reason]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("no configured duration for reason %q", reason)
		}
		rec.Duration = d
	}

	rec.Until = now.Add(rec.Duration)
	cell.records[class] = rec
	s.mu.Unlock()

	return rec, s.save()
}

// ResetOnSuccess clears the 429 state for a cell: the in-memory backoff
// level and any persisted 429 record. Non-429 records reflect external
// conditions and are left to expire on their own.
func (s *Store) ResetOnSuccess(conn int, class endpoint.Class) error {
	s.mu.Lock()
	cell := s.cell(conn)
	if cell == nil {
		s.mu.Unlock()
		return nil
	}

	_, hadLevel := cell.backoff[class]
	delete(cell.backoff, class)

	had429 := false
	if rec, ok := cell.records[class]; ok && rec.Reason == ReasonRateLimited {
		delete(cell.records, class)
		had429 = true
	}
	s.mu.Unlock()

	if !hadLevel && !had429 {
		return nil
	}
	return s.save()
}

// CleanupExpired drops all expired records from the matrix and the file.
// Backoff levels for 429 cells are retained in memory only.
func (s *Store) CleanupExpired() (int, error) {
	s.mu.Lock()
	now := time.Now()
	removed := 0
	for _, cell := range s.cells {
		for class, rec := range cell.records {
			if rec.Expired(now) {
				delete(cell.records, class)
				removed++
			}
		}
	}
	s.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}
	return removed, s.save()
}

// AllInCooldownFor reports whether every connection is cooled down for
// the class.
func (s *Store) AllInCooldownFor(class endpoint.Class) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, cell := range s.cells {
		rec, ok := cell.records[class]
		if !ok || rec.Expired(now) {
			return false
		}
	}
	return true
}

// NextAvailableIn returns the minimum remaining cooldown across
// connections for the class, or zero if any connection is available.
func (s *Store) NextAvailableIn(class endpoint.Class) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	min := time.Duration(-1)
	for _, cell := range s.cells {
		rec, ok := cell.records[class]
		if !ok || rec.Expired(now) {
			return 0
		}
		if remaining := rec.Until.Sub(now); min < 0 || remaining < min {
			min = remaining
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// BackoffLevel returns the current 429 level for a cell, or -1 if unset.
func (s *Store) BackoffLevel(conn int, class endpoint.Class) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cell := s.cell(conn); cell != nil {
		if level, ok := cell.backoff[class]; ok {
			return level
		}
	}
	return -1
}

// CellSnapshot describes one active cooldown for status reporting.
type CellSnapshot struct {
	Connection int
	Kind       registry.Kind
	URL        string
	Class      endpoint.Class
	Record     Record
}

// Snapshot returns all unexpired records, ordered by connection index.
func (s *Store) Snapshot() []CellSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []CellSnapshot
	for i, cell := range s.cells {
		for _, class := range endpoint.All {
			rec, ok := cell.records[class]
			if !ok || rec.Expired(now) {
				continue
			}
			out = append(out, CellSnapshot{
				Connection: i,
				Kind:       cell.kind,
				URL:        cell.url,
				Class:      class,
				Record:     *rec,
			})
		}
	}
	return out
}

// Sync re-aligns the matrix after a registry edit. Cooldowns are carried
// over by matching (index, type, url) first, then (type, url), then the
// lone direct entry; cells for removed proxies disappear.
func (s *Store) Sync(conns []registry.Connection) error {
	s.mu.Lock()
	s.cells = s.matchConnections(s.cells, conns)
	s.mu.Unlock()
	return s.save()
}

// cell returns the column for a connection index, or nil if out of range.
// Caller holds s.mu.
func (s *Store) cell(conn int) *connState {
	if conn < 0 || conn >= len(s.cells) {
		return nil
	}
	return s.cells[conn]
}

// matchConnections maps old columns onto the new connection list.
// Caller holds s.mu (or the store is not yet shared).
func (s *Store) matchConnections(old []*connState, conns []registry.Connection) []*connState {
	claimed := make([]bool, len(old))

	find := func(match func(*connState, registry.Connection) bool, c registry.Connection) *connState {
		for i, cell := range old {
			if cell == nil || claimed[i] {
				continue
			}
			if match(cell, c) {
				claimed[i] = true
				return cell
			}
		}
		return nil
	}

	cells := make([]*connState, len(conns))
	for i, c := range conns {
		// Strategy 1: exact (index, type, url).
		if c.Index < len(old) && old[c.Index] != nil && !claimed[c.Index] &&
			old[c.Index].kind == c.Kind && old[c.Index].url == c.URL {
			claimed[c.Index] = true
			cells[i] = old[c.Index]
			continue
		}
		// Strategy 2: (type, url).
		if cell := find(func(cell *connState, c registry.Connection) bool {
			return cell.kind == c.Kind && cell.url == c.URL
		}, c); cell != nil {
			cells[i] = cell
			continue
		}
		// Strategy 3: the direct entry matches by type alone.
		if c.Kind == registry.KindDirect {
			if cell := find(func(cell *connState, c registry.Connection) bool {
				return cell.kind == registry.KindDirect
			}, c); cell != nil {
				cells[i] = cell
				continue
			}
		}
		cells[i] = newConnState(c.Kind, c.URL)
	}
	return cells
}
