// Package validate interprets upstream responses for each profile check.
// It is a stateless layer between the scheduler and the dispatcher: it
// knows which URL each check hits and what response shape counts as a
// pass, but owns no cooldown or queue state.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/steamvet/steamvet/internal/dispatch"
	"github.com/steamvet/steamvet/internal/domain"
)

// Thresholds a profile must stay under to pass.
const (
	maxSteamLevel = 13
	maxFriends    = 60
	csgoAppID     = "730"
	csgoContextID = "2"
)

// ResultOutcome is the validator's tri-valued verdict channel.
type ResultOutcome int

const (
	// OutcomeSuccess means the check ran; Passed carries the verdict.
	OutcomeSuccess ResultOutcome = iota

	// OutcomeDeferred means every connection is cooled down for the
	// check's endpoint class.
	OutcomeDeferred

	// OutcomeTransportError means the dispatch failed in a way that is
	// neither a verdict nor a cooldown deferral.
	OutcomeTransportError
)

// Result is the verdict for one check on one profile.
type Result struct {
	Outcome ResultOutcome
	Passed  bool

	// Private is set when the steam_level response was empty, marking
	// the whole profile as restricted visibility.
	Private bool

	// Wait is the deferral hint when Outcome is OutcomeDeferred.
	Wait time.Duration

	// Details describes the verdict for logging.
	Details string
}

// Requester dispatches one upstream call. Implemented by dispatch.Dispatcher.
type Requester interface {
	Request(ctx context.Context, url string) dispatch.Outcome
}

// Validator translates checks into upstream calls and scores responses.
type Validator struct {
	requester Requester
	apiKey    string

	// Base URLs are variable so tests can point at a stub server.
	APIBase       string
	CommunityBase string
}

// New creates a validator using the given Steam Web API key.
func New(requester Requester, apiKey string) *Validator {
	return &Validator{
		requester:     requester,
		apiKey:        apiKey,
		APIBase:       "https://api.steampowered.com",
		CommunityBase: "https://steamcommunity.com",
	}
}

// Run executes a single check for a profile.
func (v *Validator) Run(ctx context.Context, check domain.CheckName, steamID string) Result {
	switch check {
	case domain.CheckAnimatedAvatar:
		return v.cosmetic(ctx, "GetAnimatedAvatar", "avatar", steamID)
	case domain.CheckAvatarFrame:
		return v.cosmetic(ctx, "GetAvatarFrame", "avatar_frame", steamID)
	case domain.CheckMiniProfileBackground:
		return v.cosmetic(ctx, "GetMiniProfileBackground", "profile_background", steamID)
	case domain.CheckProfileBackground:
		return v.cosmetic(ctx, "GetProfileBackground", "profile_background", steamID)
	case domain.CheckSteamLevel:
		return v.steamLevel(ctx, steamID)
	case domain.CheckFriends:
		return v.friends(ctx, steamID)
	case domain.CheckCSGOInventory:
		return v.inventory(ctx, steamID)
	}
	return Result{Outcome: OutcomeTransportError, Details: fmt.Sprintf("unknown check %q", check)}
}

// playerServiceURL builds an IPlayerService method URL.
func (v *Validator) playerServiceURL(method, steamID string) string {
	q := url.Values{"key": {v.apiKey}, "steamid": {steamID}}
	return fmt.Sprintf("%s/IPlayerService/%s/v1/?%s", v.APIBase, method, q.Encode())
}

// cosmetic scores the four profile-cosmetic checks: the named field must
// be present in the response object and empty, meaning nothing equipped.
func (v *Validator) cosmetic(ctx context.Context, method, field, steamID string) Result {
	out := v.requester.Request(ctx, v.playerServiceURL(method, steamID))
	if r, done := fromOutcome(out); done {
		return r
	}

	response, ok := responseObject(out.Body)
	if !ok {
		return Result{Outcome: OutcomeTransportError, Details: "unrecognised response shape"}
	}

	val, present := response[field]
	passed := present && isEmptyValue(val)
	details := fmt.Sprintf("%s equipped", field)
	if passed {
		details = fmt.Sprintf("no %s equipped", field)
	}
	return Result{Outcome: OutcomeSuccess, Passed: passed, Details: details}
}

// steamLevel passes for low-level accounts. An empty response means the
// profile is private, which both passes the check and flags the profile
// so friends and inventory can short-circuit.
func (v *Validator) steamLevel(ctx context.Context, steamID string) Result {
	out := v.requester.Request(ctx, v.playerServiceURL("GetSteamLevel", steamID))
	if r, done := fromOutcome(out); done {
		return r
	}

	response, ok := responseObject(out.Body)
	if !ok {
		return Result{Outcome: OutcomeTransportError, Details: "unrecognised response shape"}
	}

	if len(response) == 0 {
		return Result{Outcome: OutcomeSuccess, Passed: true, Private: true, Details: "private profile"}
	}

	level, ok := numberField(response, "player_level")
	if !ok {
		return Result{Outcome: OutcomeTransportError, Details: "player_level missing"}
	}
	if level <= maxSteamLevel {
		return Result{Outcome: OutcomeSuccess, Passed: true, Details: fmt.Sprintf("level %d", level)}
	}
	return Result{Outcome: OutcomeSuccess, Passed: false, Details: fmt.Sprintf("level %d exceeds %d", level, maxSteamLevel)}
}

// friends passes for private friend lists (401) and small ones.
func (v *Validator) friends(ctx context.Context, steamID string) Result {
	q := url.Values{"key": {v.apiKey}, "steamid": {steamID}, "relationship": {"friend"}}
	out := v.requester.Request(ctx, fmt.Sprintf("%s/ISteamUser/GetFriendList/v1/?%s", v.APIBase, q.Encode()))
	if r, done := fromOutcome(out); done {
		return r
	}
	if out.Private {
		return Result{Outcome: OutcomeSuccess, Passed: true, Details: "private friends list"}
	}

	count, ok := friendCount(out.Body)
	if !ok {
		return Result{Outcome: OutcomeTransportError, Details: "unrecognised friends response"}
	}
	if count <= maxFriends {
		return Result{Outcome: OutcomeSuccess, Passed: true, Details: fmt.Sprintf("%d friends", count)}
	}
	return Result{Outcome: OutcomeSuccess, Passed: false, Details: fmt.Sprintf("%d friends exceeds %d", count, maxFriends)}
}

// inventory passes for private (401/403) or empty CS:GO inventories.
func (v *Validator) inventory(ctx context.Context, steamID string) Result {
	u := fmt.Sprintf("%s/inventory/%s/%s/%s?l=english&count=100",
		v.CommunityBase, steamID, csgoAppID, csgoContextID)
	out := v.requester.Request(ctx, u)
	if r, done := fromOutcome(out); done {
		return r
	}
	if out.Private {
		return Result{Outcome: OutcomeSuccess, Passed: true, Details: "private inventory"}
	}

	if isEmptyBody(out.Body) {
		return Result{Outcome: OutcomeSuccess, Passed: true, Details: "empty inventory"}
	}

	var root map[string]any
	if err := json.Unmarshal(out.Body, &root); err != nil {
		return Result{Outcome: OutcomeTransportError, Details: "unrecognised inventory response"}
	}
	count := 0
	if n, ok := numberField(root, "total_inventory_count"); ok {
		count = n
	} else if assets, ok := root["assets"].([]any); ok {
		count = len(assets)
	}
	if count == 0 {
		return Result{Outcome: OutcomeSuccess, Passed: true, Details: "empty inventory"}
	}
	return Result{Outcome: OutcomeSuccess, Passed: false, Details: fmt.Sprintf("%d inventory items", count)}
}

// fromOutcome converts deferred and failed dispatches into early results.
func fromOutcome(out dispatch.Outcome) (Result, bool) {
	switch out.Kind {
	case dispatch.OutcomeDeferred:
		return Result{Outcome: OutcomeDeferred, Wait: out.Wait, Details: "all connections in cooldown"}, true
	case dispatch.OutcomeFailed:
		return Result{Outcome: OutcomeTransportError, Details: out.Message}, true
	}
	return Result{}, false
}

// responseObject extracts the conventional {"response": {...}} envelope.
// Upstream bodies are heterogeneous, so everything is parsed permissively.
func responseObject(body []byte) (map[string]any, bool) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, false
	}
	inner, ok := root["response"]
	if !ok {
		return nil, false
	}
	if inner == nil {
		return map[string]any{}, true
	}
	obj, ok := inner.(map[string]any)
	return obj, ok
}

// friendCount pulls the friends array length from either the
// {"friendslist": {"friends": [...]}} envelope or a bare "friends" key.
func friendCount(body []byte) (int, bool) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return 0, false
	}
	if fl, ok := root["friendslist"].(map[string]any); ok {
		if friends, ok := fl["friends"].([]any); ok {
			return len(friends), true
		}
	}
	if friends, ok := root["friends"].([]any); ok {
		return len(friends), true
	}
	return 0, false
}

// numberField reads a numeric field, tolerating the float64 JSON default.
func numberField(obj map[string]any, key string) (int, bool) {
	if v, ok := obj[key].(float64); ok {
		return int(v), true
	}
	return 0, false
}

// isEmptyValue treats nil, empty objects, arrays, and strings as empty.
func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case string:
		return t == ""
	}
	return false
}

// isEmptyBody treats a missing, "null", or empty-object body as empty.
func isEmptyBody(body []byte) bool {
	switch string(body) {
	case "", "null", "{}", "[]":
		return true
	}
	return false
}
