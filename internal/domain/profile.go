// Package domain holds the core data types shared across steamvet:
// queued profiles, their per-check statuses, and queue statistics.
package domain

import "time"

// CheckName identifies one of the fixed profile checks.
type CheckName string

// The seven checks every queued profile carries. Order matters: the
// scheduler runs checks in this declaration order.
const (
	CheckAnimatedAvatar        CheckName = "animated_avatar"
	CheckAvatarFrame           CheckName = "avatar_frame"
	CheckMiniProfileBackground CheckName = "mini_profile_background"
	CheckProfileBackground     CheckName = "profile_background"
	CheckSteamLevel            CheckName = "steam_level"
	CheckFriends               CheckName = "friends"
	CheckCSGOInventory         CheckName = "csgo_inventory"
)

// AllChecks is the fixed, ordered check list.
var AllChecks = []CheckName{
	CheckAnimatedAvatar,
	CheckAvatarFrame,
	CheckMiniProfileBackground,
	CheckProfileBackground,
	CheckSteamLevel,
	CheckFriends,
	CheckCSGOInventory,
}

// ValidCheckName reports whether name is one of the seven known checks.
func ValidCheckName(name CheckName) bool {
	for _, c := range AllChecks {
		if c == name {
			return true
		}
	}
	return false
}

// CheckStatus is the state of a single check on a queued profile.
type CheckStatus string

const (
	// StatusToCheck means the check has not been attempted yet.
	StatusToCheck CheckStatus = "to_check"

	// StatusPassed means the check completed and the profile satisfied it.
	StatusPassed CheckStatus = "passed"

	// StatusFailed means the check completed and the profile did not
	// satisfy it. Any failed check terminally rejects the profile.
	StatusFailed CheckStatus = "failed"

	// StatusDeferred means every connection was in cooldown for the
	// check's endpoint class; the reactivation loop retries it later.
	StatusDeferred CheckStatus = "deferred"
)

// ValidCheckStatus reports whether s is one of the four known statuses.
func ValidCheckStatus(s CheckStatus) bool {
	switch s {
	case StatusToCheck, StatusPassed, StatusFailed, StatusDeferred:
		return true
	}
	return false
}

// Profile is a queued profile awaiting validation.
type Profile struct {
	SteamID    string                    `json:"steam_id"`
	Username   string                    `json:"username"`
	EnqueuedAt int64                     `json:"enqueued_at"` // unix millis
	Checks     map[CheckName]CheckStatus `json:"checks"`
}

// NewProfile creates a profile with all seven checks set to to_check.
func NewProfile(steamID, username string) *Profile {
	checks := make(map[CheckName]CheckStatus, len(AllChecks))
	for _, c := range AllChecks {
		checks[c] = StatusToCheck
	}
	return &Profile{
		SteamID:    steamID,
		Username:   username,
		EnqueuedAt: time.Now().UnixMilli(),
		Checks:     checks,
	}
}

// HasStatus reports whether any check on the profile has the given status.
func (p *Profile) HasStatus(s CheckStatus) bool {
	for _, st := range p.Checks {
		if st == s {
			return true
		}
	}
	return false
}

// AllPassed reports whether every check has passed.
func (p *Profile) AllPassed() bool {
	if len(p.Checks) == 0 {
		return false
	}
	for _, st := range p.Checks {
		if st != StatusPassed {
			return false
		}
	}
	return true
}

// AllTerminal reports whether no check remains in to_check or deferred.
func (p *Profile) AllTerminal() bool {
	for _, st := range p.Checks {
		if st == StatusToCheck || st == StatusDeferred {
			return false
		}
	}
	return true
}

// Stats summarises the queue for the status endpoints.
type Stats struct {
	Total     int `json:"total"`
	ToCheck   int `json:"to_check"`
	InFlight  int `json:"in_flight"` // at least one passed/failed, not terminal
	Deferred  int `json:"deferred"`
	Completed int `json:"completed"` // all checks terminal
}
