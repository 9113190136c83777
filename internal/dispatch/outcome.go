package dispatch

import (
	"time"

	"github.com/steamvet/steamvet/internal/endpoint"
)

// OutcomeKind tags the result of a dispatch.
type OutcomeKind int

const (
	// OutcomeOK means a usable response was obtained (possibly a
	// private-data response, which is success for the caller).
	OutcomeOK OutcomeKind = iota

	// OutcomeDeferred means every connection is cooled down for the
	// endpoint class; retry after Wait.
	OutcomeDeferred

	// OutcomeFailed means a non-retryable error surfaced.
	OutcomeFailed
)

// Outcome is the tagged result of Dispatcher.Request.
type Outcome struct {
	Kind  OutcomeKind
	Class endpoint.Class

	// OK fields.
	Body       []byte
	StatusCode int
	Private    bool // 403/401 on inventory or 401 on friends

	// Deferred fields.
	Wait time.Duration

	// Failed fields.
	FailureKind string
	Message     string
}

// OK reports whether the outcome carries a usable response.
func (o Outcome) OK() bool { return o.Kind == OutcomeOK }

// Deferred reports whether the dispatch was deferred by cooldowns.
func (o Outcome) Deferred() bool { return o.Kind == OutcomeDeferred }
