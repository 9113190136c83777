package cooldown

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steamvet/steamvet/internal/endpoint"
	"github.com/steamvet/steamvet/internal/registry"
)

func testConns() []registry.Connection {
	return []registry.Connection{
		{Index: 0, Kind: registry.KindDirect},
		{Index: 1, Kind: registry.KindSOCKS5, URL: "socks5://u:p@10.0.0.1:1080"},
	}
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, testConns(), Config{})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	return s
}

func TestMark_429BackoffLadder(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	// Successive 429s climb the ladder: 1, 2, 4 minutes...
	expected := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}
	for i, want := range expected {
		rec, err := s.Mark(0, endpoint.SteamLevel, ReasonRateLimited, "too many requests")
		if err != nil {
			t.Fatalf("Mark %d error: %v", i, err)
		}
		if rec.Duration != want {
			t.Errorf("429 #%d duration = %s, expected %s", i+1, rec.Duration, want)
		}
		if rec.BackoffLevel == nil || *rec.BackoffLevel != i {
			t.Errorf("429 #%d level = %v, expected %d", i+1, rec.BackoffLevel, i)
		}
	}
}

func TestMark_429Saturates(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	var last *Record
	for i := 0; i < len(DefaultBackoffSequence)+3; i++ {
		rec, err := s.Mark(0, endpoint.Friends, ReasonRateLimited, "")
		if err != nil {
			t.Fatal(err)
		}
		last = rec
	}

	max := len(DefaultBackoffSequence) - 1
	if *last.BackoffLevel != max {
		t.Errorf("level = %d, expected saturation at %d", *last.BackoffLevel, max)
	}
	if last.Duration != 480*time.Minute {
		t.Errorf("duration = %s, expected 480m", last.Duration)
	}
}

func TestMark_FixedDurations(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	cases := map[Reason]time.Duration{
		ReasonConnReset:  5 * time.Minute,
		ReasonTimeout:    5 * time.Minute,
		ReasonDNSFailure: 10 * time.Minute,
		ReasonSOCKSError: 10 * time.Minute,
		ReasonPermanent:  24 * time.Hour,
	}
	for reason, want := range cases {
		rec, err := s.Mark(1, endpoint.Inventory, reason, "boom")
		if err != nil {
			t.Fatalf("Mark(%s) error: %v", reason, err)
		}
		if rec.Duration != want {
			t.Errorf("%s duration = %s, expected %s", reason, rec.Duration, want)
		}
		if rec.BackoffLevel != nil {
			t.Errorf("%s should not carry a backoff level", reason)
		}
	}
}

func TestMark_OutOfRangeConnection(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	if _, err := s.Mark(9, endpoint.Friends, ReasonTimeout, ""); err == nil {
		t.Error("expected error for out-of-range connection")
	}
}

func TestIsAvailable(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	if !s.IsAvailable(0, endpoint.Friends) {
		t.Error("fresh cell should be available")
	}
	if _, err := s.Mark(0, endpoint.Friends, ReasonRateLimited, ""); err != nil {
		t.Fatal(err)
	}
	if s.IsAvailable(0, endpoint.Friends) {
		t.Error("marked cell should be unavailable")
	}
	// Other cells are untouched.
	if !s.IsAvailable(0, endpoint.Inventory) || !s.IsAvailable(1, endpoint.Friends) {
		t.Error("cooldown leaked into other cells")
	}
}

func TestResetOnSuccess_Clears429Only(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	for i := 0; i < 3; i++ {
		if _, err := s.Mark(0, endpoint.SteamLevel, ReasonRateLimited, ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Mark(0, endpoint.Inventory, ReasonTimeout, ""); err != nil {
		t.Fatal(err)
	}

	if err := s.ResetOnSuccess(0, endpoint.SteamLevel); err != nil {
		t.Fatal(err)
	}
	if !s.IsAvailable(0, endpoint.SteamLevel) {
		t.Error("429 record should be cleared on success")
	}
	if s.BackoffLevel(0, endpoint.SteamLevel) != -1 {
		t.Error("backoff level should be cleared on success")
	}

	// A fresh 429 starts back at the bottom of the ladder.
	rec, err := s.Mark(0, endpoint.SteamLevel, ReasonRateLimited, "")
	if err != nil {
		t.Fatal(err)
	}
	if *rec.BackoffLevel != 0 || rec.Duration != time.Minute {
		t.Errorf("post-reset 429 = level %d / %s, expected 0 / 1m", *rec.BackoffLevel, rec.Duration)
	}

	// The timeout record on the other class is left alone.
	if err := s.ResetOnSuccess(0, endpoint.Inventory); err != nil {
		t.Fatal(err)
	}
	if s.IsAvailable(0, endpoint.Inventory) {
		t.Error("non-429 record must not be cleared by success")
	}
}

func TestAllInCooldownFor(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	if s.AllInCooldownFor(endpoint.Friends) {
		t.Error("fresh matrix should not be fully cooled")
	}
	if _, err := s.Mark(0, endpoint.Friends, ReasonRateLimited, ""); err != nil {
		t.Fatal(err)
	}
	if s.AllInCooldownFor(endpoint.Friends) {
		t.Error("one of two connections cooled is not all")
	}
	if _, err := s.Mark(1, endpoint.Friends, ReasonSOCKSError, ""); err != nil {
		t.Fatal(err)
	}
	if !s.AllInCooldownFor(endpoint.Friends) {
		t.Error("both connections cooled should report all")
	}
}

func TestNextAvailableIn(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	if d := s.NextAvailableIn(endpoint.Friends); d != 0 {
		t.Errorf("fresh matrix NextAvailableIn = %s, expected 0", d)
	}

	// 429 on direct (1 minute), SOCKS error on the proxy (10 minutes):
	// the matrix frees up when the shorter window ends.
	if _, err := s.Mark(0, endpoint.Friends, ReasonRateLimited, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Mark(1, endpoint.Friends, ReasonSOCKSError, ""); err != nil {
		t.Fatal(err)
	}

	d := s.NextAvailableIn(endpoint.Friends)
	if d <= 0 || d > time.Minute {
		t.Errorf("NextAvailableIn = %s, expected within (0, 1m]", d)
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	for i := 0; i < 2; i++ {
		if _, err := s.Mark(1, endpoint.Inventory, ReasonRateLimited, "too many requests"); err != nil {
			t.Fatal(err)
		}
	}

	s2 := openTestStore(t, dir)
	if s2.IsAvailable(1, endpoint.Inventory) {
		t.Error("active cooldown lost across reload")
	}
	if level := s2.BackoffLevel(1, endpoint.Inventory); level != 1 {
		t.Errorf("reloaded backoff level = %d, expected 1", level)
	}
}

func TestPersistence_BackoffSurvivesExpiredRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoint_cooldowns.json")

	level := 4
	past := time.Now().Add(-time.Hour)
	root := fileRoot{Connections: []fileConn{
		{Index: 0, Kind: registry.KindDirect, Cooldowns: map[string]*fileCooldown{
			string(endpoint.Friends): {
				CooldownUntil: past.UnixMilli(),
				Reason:        ReasonRateLimited,
				BackoffLevel:  &level,
				AppliedAt:     past.Add(-16 * time.Minute).UnixMilli(),
				DurationMS:    (16 * time.Minute).Milliseconds(),
			},
		}},
	}}
	data, err := json.Marshal(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	s := openTestStore(t, dir)
	if !s.IsAvailable(0, endpoint.Friends) {
		t.Error("expired record should not block the cell")
	}
	if got := s.BackoffLevel(0, endpoint.Friends); got != 4 {
		t.Errorf("seeded backoff level = %d, expected 4", got)
	}

	// The next 429 continues the ladder from the seeded level.
	rec, err := s.Mark(0, endpoint.Friends, ReasonRateLimited, "")
	if err != nil {
		t.Fatal(err)
	}
	if *rec.BackoffLevel != 5 || rec.Duration != 32*time.Minute {
		t.Errorf("continued 429 = level %d / %s, expected 5 / 32m", *rec.BackoffLevel, rec.Duration)
	}
}

func TestPersistence_LegacyDurationMinutes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoint_cooldowns.json")

	until := time.Now().Add(20 * time.Minute)
	raw := `{"connections": [{"index": 0, "type": "direct", "endpoint_cooldowns": {
		"inventory": {
			"cooldown_until": ` + jsonInt(until.UnixMilli()) + `,
			"reason": "timeout",
			"applied_at": ` + jsonInt(time.Now().UnixMilli()) + `,
			"duration_minutes": 20
		}
	}}]}`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	s := openTestStore(t, dir)
	if s.IsAvailable(0, endpoint.Inventory) {
		t.Fatal("legacy record should still cool the cell")
	}

	snapshot := s.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 snapshot cell, got %d", len(snapshot))
	}
	if snapshot[0].Record.Duration != 20*time.Minute {
		t.Errorf("legacy duration = %s, expected 20m", snapshot[0].Record.Duration)
	}
}

func TestCleanupExpired(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	if _, err := s.Mark(0, endpoint.Friends, ReasonRateLimited, ""); err != nil {
		t.Fatal(err)
	}

	// Force the record into the past.
	s.mu.Lock()
	s.cells[0].records[endpoint.Friends].Until = time.Now().Add(-time.Second)
	s.mu.Unlock()

	removed, err := s.CleanupExpired()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, expected 1", removed)
	}
	if !s.IsAvailable(0, endpoint.Friends) {
		t.Error("cell should be available after cleanup")
	}
	// Level is retained so the next 429 keeps climbing.
	if s.BackoffLevel(0, endpoint.Friends) != 0 {
		t.Error("backoff level should survive cleanup")
	}
}

func TestSync_CarriesCooldownsAcrossRegistryEdits(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	if _, err := s.Mark(1, endpoint.Friends, ReasonRateLimited, ""); err != nil {
		t.Fatal(err)
	}

	// Insert a new proxy before the cooled one: its cooldown must follow
	// the URL to the new index.
	conns := []registry.Connection{
		{Index: 0, Kind: registry.KindDirect},
		{Index: 1, Kind: registry.KindSOCKS5, URL: "socks5://u:p@10.0.0.9:1080"},
		{Index: 2, Kind: registry.KindSOCKS5, URL: "socks5://u:p@10.0.0.1:1080"},
	}
	if err := s.Sync(conns); err != nil {
		t.Fatal(err)
	}

	if s.IsAvailable(2, endpoint.Friends) {
		t.Error("cooldown should follow the proxy URL to index 2")
	}
	if !s.IsAvailable(1, endpoint.Friends) {
		t.Error("new proxy should start with a clean column")
	}
}

func TestSync_DropsRemovedProxies(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	if _, err := s.Mark(1, endpoint.Friends, ReasonPermanent, "banned"); err != nil {
		t.Fatal(err)
	}
	if err := s.Sync([]registry.Connection{{Index: 0, Kind: registry.KindDirect}}); err != nil {
		t.Fatal(err)
	}

	if len(s.Snapshot()) != 0 {
		t.Error("removed proxy's cooldowns should be gone")
	}
}

func TestOpen_RejectsBadBackoffSequence(t *testing.T) {
	_, err := Open(t.TempDir(), testConns(), Config{BackoffSequence: []int{1, 0, 4}})
	if err == nil {
		t.Error("non-positive backoff entry accepted")
	}
}

func jsonInt(n int64) string {
	data, _ := json.Marshal(n)
	return string(data)
}
