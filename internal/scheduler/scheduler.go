// Package scheduler drives queued profiles through their check list.
// A single main loop visits one profile at a time, running each pending
// check through the validator and writing verdicts back to the queue. A
// second periodic loop reactivates checks that were deferred because
// every connection was cooled down for their endpoint class.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/steamvet/steamvet/internal/cooldown"
	"github.com/steamvet/steamvet/internal/domain"
	"github.com/steamvet/steamvet/internal/endpoint"
	"github.com/steamvet/steamvet/internal/ingest"
	"github.com/steamvet/steamvet/internal/queue"
	"github.com/steamvet/steamvet/internal/validate"
)

// Loop timing defaults.
const (
	DefaultProcessingDelay      = 350 * time.Millisecond
	DefaultEmptyQueueDelay      = 5 * time.Second
	DefaultReactivationInterval = time.Minute
)

// deferredKey identifies one deferred (profile, check) pair.
type deferredKey struct {
	steamID string
	check   domain.CheckName
}

// Ingester submits an accepted profile downstream. Implemented by
// ingest.Client.
type Ingester interface {
	Submit(ctx context.Context, steamID, username string) ingest.Result
}

// Scheduler owns the per-profile state machine and the deferred set.
type Scheduler struct {
	queue     *queue.Store
	validator *validate.Validator
	cooldowns *cooldown.Store
	ingester  Ingester

	ProcessingDelay      time.Duration
	EmptyQueueDelay      time.Duration
	ReactivationInterval time.Duration

	// busy is a capacity-1 semaphore preventing overlapping main-loop
	// ticks if Start is ever invoked twice.
	busy chan struct{}

	mu       sync.Mutex
	deferred map[deferredKey]struct{}
	private  map[string]bool // steam_id -> flagged private by steam_level

	cron   *cron.Cron
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. The deferred set is rebuilt from any deferred
// statuses already persisted in the queue so it survives restarts.
func New(q *queue.Store, v *validate.Validator, cds *cooldown.Store, ing Ingester) (*Scheduler, error) {
	s := &Scheduler{
		queue:                q,
		validator:            v,
		cooldowns:            cds,
		ingester:             ing,
		ProcessingDelay:      DefaultProcessingDelay,
		EmptyQueueDelay:      DefaultEmptyQueueDelay,
		ReactivationInterval: DefaultReactivationInterval,
		busy:                 make(chan struct{}, 1),
		deferred:             make(map[deferredKey]struct{}),
		private:              make(map[string]bool),
	}

	profiles, err := q.All()
	if err != nil {
		return nil, fmt.Errorf("rebuilding deferred set: %w", err)
	}
	for _, p := range profiles {
		for check, status := range p.Checks {
			if status == domain.StatusDeferred {
				s.deferred[deferredKey{p.SteamID, check}] = struct{}{}
			}
		}
	}
	if len(s.deferred) > 0 {
		slog.Info("deferred set rebuilt from queue", "pairs", len(s.deferred))
	}
	return s, nil
}

// Start launches the main loop goroutine and the reactivation cron job.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.ReactivationInterval)
	if _, err := s.cron.AddFunc(spec, func() { s.Reactivate(ctx) }); err != nil {
		slog.Error("scheduling reactivation loop failed", "spec", spec, "error", err)
	}
	s.cron.Start()

	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.tick(ctx)
		}
	}()
}

// Stop cancels both loops and waits for the main loop to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.done != nil {
		<-s.done
	}
}

// tick processes at most one profile, then sleeps the appropriate delay.
func (s *Scheduler) tick(ctx context.Context) {
	select {
	case s.busy <- struct{}{}:
		defer func() { <-s.busy }()
	default:
		return // a tick is already running
	}

	profile, err := s.queue.NextProcessable()
	if err != nil {
		slog.Error("fetching next processable profile failed", "error", err)
		s.sleep(ctx, s.EmptyQueueDelay)
		return
	}
	if profile == nil {
		s.sleep(ctx, s.EmptyQueueDelay)
		return
	}

	s.processProfile(ctx, profile)
	s.sleep(ctx, s.ProcessingDelay)
}

// processProfile runs all pending checks on one profile in declaration
// order and handles the terminal transitions.
func (s *Scheduler) processProfile(ctx context.Context, profile *domain.Profile) {
	for _, check := range domain.AllChecks {
		if ctx.Err() != nil {
			return
		}
		if profile.Checks[check] != domain.StatusToCheck {
			continue
		}

		// A private profile cannot expose friends or an inventory, so
		// those checks pass without spending an upstream call.
		if s.isPrivate(profile.SteamID) && (check == domain.CheckFriends || check == domain.CheckCSGOInventory) {
			s.setStatus(profile, check, domain.StatusPassed)
			slog.Info("check auto-passed for private profile", "steam_id", profile.SteamID, "check", check)
			continue
		}

		result := s.validator.Run(ctx, check, profile.SteamID)
		if rejected := s.applyResult(profile, check, result); rejected {
			return
		}
	}

	s.finalize(ctx, profile)
}

// applyResult writes one verdict back to the queue. Returns true when
// the profile was terminally rejected (caller stops its check loop).
func (s *Scheduler) applyResult(profile *domain.Profile, check domain.CheckName, result validate.Result) bool {
	switch result.Outcome {
	case validate.OutcomeSuccess:
		if result.Private {
			s.markPrivate(profile.SteamID)
		}
		if result.Passed {
			s.setStatus(profile, check, domain.StatusPassed)
			slog.Info("check passed", "steam_id", profile.SteamID, "check", check, "details", result.Details)
			return false
		}
		s.setStatus(profile, check, domain.StatusFailed)
		slog.Info("profile rejected", "steam_id", profile.SteamID, "check", check, "details", result.Details)
		s.discard(profile.SteamID)
		return true

	case validate.OutcomeDeferred:
		s.setStatus(profile, check, domain.StatusDeferred)
		s.addDeferred(profile.SteamID, check)
		slog.Info("check deferred", "steam_id", profile.SteamID, "check", check, "wait", result.Wait)
		return false

	default: // transport error
		s.setStatus(profile, check, domain.StatusDeferred)
		s.addDeferred(profile.SteamID, check)
		slog.Warn("check hit transport error, deferred", "steam_id", profile.SteamID, "check", check, "details", result.Details)
		return false
	}
}

// finalize handles a profile whose check loop completed without a
// rejection: submit downstream when everything passed, otherwise leave
// it for the reactivation loop. A profile that is terminal with a
// failed check is a leftover from an earlier discard whose queue write
// errored; retry the removal so it stops shadowing submittable work.
func (s *Scheduler) finalize(ctx context.Context, profile *domain.Profile) {
	current, err := s.queue.ByID(profile.SteamID)
	if err != nil || current == nil {
		return
	}
	if !current.AllPassed() {
		if current.AllTerminal() {
			slog.Warn("discarding failed profile left in queue", "steam_id", current.SteamID)
			s.discard(current.SteamID)
		}
		return
	}

	result := s.ingester.Submit(ctx, current.SteamID, current.Username)
	switch result.Disposition {
	case ingest.Accepted:
		slog.Info("profile accepted downstream", "steam_id", current.SteamID, "status", result.StatusCode)
		s.discard(current.SteamID)
	case ingest.Retryable:
		// Leave the profile untouched; the next cycle resubmits.
		slog.Warn("downstream submission failed, will retry",
			"steam_id", current.SteamID, "status", result.StatusCode, "message", result.Message)
	case ingest.Permanent:
		slog.Warn("downstream rejected profile permanently",
			"steam_id", current.SteamID, "status", result.StatusCode, "message", result.Message)
		s.discard(current.SteamID)
	}
}

// Reactivate is the periodic loop body: expire stale cooldowns, then
// re-run every deferred check whose endpoint class has a free connection.
func (s *Scheduler) Reactivate(ctx context.Context) {
	removed, err := s.cooldowns.CleanupExpired()
	if err != nil {
		slog.Error("cooldown cleanup failed", "error", err)
	} else if removed > 0 {
		slog.Info("expired cooldowns cleaned up", "removed", removed)
	}

	for _, key := range s.deferredPairs() {
		if ctx.Err() != nil {
			return
		}
		class := endpoint.ForCheck(key.check)
		if s.cooldowns.AllInCooldownFor(class) {
			continue
		}

		profile, err := s.queue.ByID(key.steamID)
		if err != nil {
			slog.Error("loading deferred profile failed", "steam_id", key.steamID, "error", err)
			continue
		}
		if profile == nil {
			s.removeDeferred(key.steamID, key.check)
			continue
		}

		if s.isPrivate(key.steamID) && (key.check == domain.CheckFriends || key.check == domain.CheckCSGOInventory) {
			s.setStatus(profile, key.check, domain.StatusPassed)
			s.removeDeferred(key.steamID, key.check)
			continue
		}

		result := s.validator.Run(ctx, key.check, key.steamID)
		if result.Outcome == validate.OutcomeSuccess {
			s.removeDeferred(key.steamID, key.check)
		}
		s.applyResult(profile, key.check, result)
	}

	s.logAvailability()
}

// logAvailability reports which endpoint classes are fully cooled down.
func (s *Scheduler) logAvailability() {
	var blocked []string
	for _, class := range endpoint.All {
		if s.cooldowns.AllInCooldownFor(class) {
			blocked = append(blocked, string(class))
		}
	}
	if len(blocked) > 0 {
		slog.Info("endpoint classes fully in cooldown", "classes", blocked)
	}
}

// discard removes a profile from the queue and drops its deferred pairs
// and private flag.
func (s *Scheduler) discard(steamID string) {
	if err := s.queue.Remove(steamID); err != nil {
		slog.Error("removing profile failed", "steam_id", steamID, "error", err)
		return
	}

	s.mu.Lock()
	for key := range s.deferred {
		if key.steamID == steamID {
			delete(s.deferred, key)
		}
	}
	delete(s.private, steamID)
	s.mu.Unlock()
}

func (s *Scheduler) setStatus(profile *domain.Profile, check domain.CheckName, status domain.CheckStatus) {
	profile.Checks[check] = status
	if _, err := s.queue.UpdateCheck(profile.SteamID, check, status); err != nil {
		slog.Error("updating check status failed",
			"steam_id", profile.SteamID, "check", check, "status", status, "error", err)
	}
}

func (s *Scheduler) addDeferred(steamID string, check domain.CheckName) {
	s.mu.Lock()
	s.deferred[deferredKey{steamID, check}] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) removeDeferred(steamID string, check domain.CheckName) {
	s.mu.Lock()
	delete(s.deferred, deferredKey{steamID, check})
	s.mu.Unlock()
}

func (s *Scheduler) deferredPairs() []deferredKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]deferredKey, 0, len(s.deferred))
	for key := range s.deferred {
		keys = append(keys, key)
	}
	return keys
}

// DeferredCount returns the number of deferred (profile, check) pairs.
func (s *Scheduler) DeferredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferred)
}

func (s *Scheduler) markPrivate(steamID string) {
	s.mu.Lock()
	s.private[steamID] = true
	s.mu.Unlock()
}

func (s *Scheduler) isPrivate(steamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.private[steamID]
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
