package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/steamvet/steamvet/internal/domain"
	"github.com/steamvet/steamvet/internal/queue"
)

// EnqueueRequest is one profile submission.
type EnqueueRequest struct {
	SteamID  string `json:"steam_id"`
	Username string `json:"username"`
}

// EnqueueItemResult reports the outcome for one submitted profile.
type EnqueueItemResult struct {
	SteamID string `json:"steam_id"`
	Success bool   `json:"success"`
	Added   bool   `json:"added"`
	Message string `json:"message,omitempty"`
}

// HandleEnqueue accepts POST /profiles with either a single profile
// object or an array of them. Each item is validated and enqueued
// independently; duplicates succeed without re-adding.
func (s *Server) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		errorJSON(w, "reading request body failed", http.StatusBadRequest)
		return
	}

	reqs, err := parseEnqueueBody(body)
	if err != nil {
		errorJSON(w, err.Error(), http.StatusBadRequest)
		return
	}

	results := make([]EnqueueItemResult, 0, len(reqs))
	anyFailed := false
	for _, req := range reqs {
		results = append(results, s.enqueueOne(req))
		if !results[len(results)-1].Success {
			anyFailed = true
		}
	}

	status := http.StatusOK
	if anyFailed {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{"results": results})
}

func (s *Server) enqueueOne(req EnqueueRequest) EnqueueItemResult {
	res := EnqueueItemResult{SteamID: req.SteamID}

	req.SteamID = strings.TrimSpace(req.SteamID)
	req.Username = strings.TrimSpace(req.Username)
	if req.SteamID == "" || req.Username == "" {
		res.Message = "steam_id and username are required"
		return res
	}

	added, err := s.Queue.Add(req.SteamID, req.Username)
	if err != nil {
		slog.Error("enqueueing profile failed", "steam_id", req.SteamID, "error", err)
		res.Message = "enqueueing profile failed"
		return res
	}

	res.Success = true
	res.Added = added == queue.Added
	if added == queue.AlreadyPresent {
		res.Message = "already queued"
	}
	return res
}

// parseEnqueueBody accepts a bare object or an array of objects.
func parseEnqueueBody(body []byte) ([]EnqueueRequest, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, errors.New("empty request body")
	}

	if strings.HasPrefix(trimmed, "[") {
		var reqs []EnqueueRequest
		if err := json.Unmarshal(body, &reqs); err != nil {
			return nil, errors.New("malformed JSON array")
		}
		if len(reqs) == 0 {
			return nil, errors.New("empty profile array")
		}
		return reqs, nil
	}

	var req EnqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.New("malformed JSON object")
	}
	return []EnqueueRequest{req}, nil
}

// QueueListResponse is the GET /profiles/queue body.
type QueueListResponse struct {
	Profiles []*domain.Profile `json:"profiles"`
	Stats    domain.Stats      `json:"stats"`
}

// HandleQueueList returns the full queue with aggregate stats.
func (s *Server) HandleQueueList(w http.ResponseWriter, _ *http.Request) {
	profiles, err := s.Queue.All()
	if err != nil {
		slog.Error("listing queue failed", "error", err)
		errorJSON(w, "reading queue failed", http.StatusInternalServerError)
		return
	}
	stats, err := s.Queue.Stats()
	if err != nil {
		slog.Error("computing queue stats failed", "error", err)
		errorJSON(w, "reading queue failed", http.StatusInternalServerError)
		return
	}
	if profiles == nil {
		profiles = []*domain.Profile{}
	}
	writeJSON(w, http.StatusOK, QueueListResponse{Profiles: profiles, Stats: stats})
}
