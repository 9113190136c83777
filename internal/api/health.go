package api

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

// longCooldownThreshold splits short from long cooldowns in the summary.
const longCooldownThreshold = 30 * time.Minute

// EndpointHealth describes one active cooldown cell.
type EndpointHealth struct {
	InCooldown       bool    `json:"in_cooldown"`
	RemainingMS      int64   `json:"remaining_ms"`
	RemainingMinutes float64 `json:"remaining_minutes"`
	Reason           string  `json:"reason,omitempty"`
	BackoffLevel     *int    `json:"backoff_level,omitempty"`
	Until            int64   `json:"until,omitempty"`
}

// ConnectionHealth groups a connection's active cooldowns by endpoint.
type ConnectionHealth struct {
	Type      string                    `json:"type"`
	URL       string                    `json:"url,omitempty"`
	Endpoints map[string]EndpointHealth `json:"endpoints"`
}

// HealthSummary aggregates the matrix for a quick operational read.
type HealthSummary struct {
	TotalConnections     int      `json:"total_connections"`
	AvailableConnections int      `json:"available_connections"`
	EndpointsInCooldown  []string `json:"endpoints_in_cooldown"`
	ShortCooldowns       []string `json:"short_cooldowns"`
	LongCooldowns        []string `json:"long_cooldowns"`
}

// CooldownHealthResponse is the GET /health/cooldowns body.
type CooldownHealthResponse struct {
	Cooldowns     map[string]ConnectionHealth `json:"cooldowns"`
	Summary       HealthSummary               `json:"summary"`
	OverallStatus string                      `json:"overall_status"`
}

// HandleHealth is the liveness probe.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleCooldownHealth reports the cooldown matrix. overall_status is
// healthy with no active cooldowns, limited with only short ones, and
// degraded once any cooldown runs 30 minutes or longer.
func (s *Server) HandleCooldownHealth(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	conns := s.Registry.Connections()
	snapshot := s.Cooldowns.Snapshot()

	resp := CooldownHealthResponse{Cooldowns: make(map[string]ConnectionHealth, len(conns))}
	cooledConnections := make(map[int]bool)

	for _, c := range conns {
		resp.Cooldowns[connKey(c.Index)] = ConnectionHealth{
			Type:      string(c.Kind),
			URL:       c.URL,
			Endpoints: make(map[string]EndpointHealth),
		}
	}

	endpointSet := make(map[string]bool)
	for _, cell := range snapshot {
		remaining := cell.Record.Until.Sub(now)
		if remaining < 0 {
			continue
		}
		cooledConnections[cell.Connection] = true
		endpointSet[string(cell.Class)] = true

		key := connKey(cell.Connection)
		ch, ok := resp.Cooldowns[key]
		if !ok {
			continue
		}
		ch.Endpoints[string(cell.Class)] = EndpointHealth{
			InCooldown:       true,
			RemainingMS:      remaining.Milliseconds(),
			RemainingMinutes: remaining.Minutes(),
			Reason:           string(cell.Record.Reason),
			BackoffLevel:     cell.Record.BackoffLevel,
			Until:            cell.Record.Until.UnixMilli(),
		}
		resp.Cooldowns[key] = ch

		label := fmt.Sprintf("%s/%s", key, cell.Class)
		if remaining >= longCooldownThreshold {
			resp.Summary.LongCooldowns = append(resp.Summary.LongCooldowns, label)
		} else {
			resp.Summary.ShortCooldowns = append(resp.Summary.ShortCooldowns, label)
		}
	}

	resp.Summary.TotalConnections = len(conns)
	resp.Summary.AvailableConnections = len(conns) - len(cooledConnections)
	for e := range endpointSet {
		resp.Summary.EndpointsInCooldown = append(resp.Summary.EndpointsInCooldown, e)
	}
	sort.Strings(resp.Summary.EndpointsInCooldown)
	sort.Strings(resp.Summary.ShortCooldowns)
	sort.Strings(resp.Summary.LongCooldowns)

	switch {
	case len(resp.Summary.LongCooldowns) > 0:
		resp.OverallStatus = "degraded"
	case len(resp.Summary.ShortCooldowns) > 0:
		resp.OverallStatus = "limited"
	default:
		resp.OverallStatus = "healthy"
	}

	writeJSON(w, http.StatusOK, resp)
}

func connKey(index int) string {
	return fmt.Sprintf("connection_%d", index)
}
