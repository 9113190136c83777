// Package dispatch performs upstream HTTP calls on behalf of the
// validator. It classifies each URL into an endpoint class, picks the
// best currently-available connection (direct preferred, then proxies in
// round-robin order), enforces global pacing, and translates failures
// into cooldown marks. When every connection is cooled down for a class
// the dispatch is deferred rather than failed.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/steamvet/steamvet/internal/cooldown"
	"github.com/steamvet/steamvet/internal/endpoint"
	"github.com/steamvet/steamvet/internal/registry"
)

// defaultMinGap is the minimum spacing between any two upstream calls,
// independent of which connection carries them.
const defaultMinGap = time.Second

// maxBodySize caps response reads; inventory bodies are the largest and
// stay well under this.
const maxBodySize = 10 << 20

// FailureKindOther labels errors outside the retryable taxonomy.
const FailureKindOther = "upstream_other"

// Dispatcher routes upstream requests across the connection matrix.
type Dispatcher struct {
	registry  *registry.Registry
	cooldowns *cooldown.Store

	// Factory builds per-connection HTTP clients. Defaults to NewClient;
	// tests substitute a stub.
	Factory ClientFactory

	// MinGap overrides the global inter-call gap (default 1s).
	MinGap time.Duration

	paceMu   sync.Mutex
	lastCall time.Time
}

// New creates a dispatcher over the given registry and cooldown store.
func New(reg *registry.Registry, cds *cooldown.Store) *Dispatcher {
	return &Dispatcher{
		registry:  reg,
		cooldowns: cds,
		Factory:   NewClient,
		MinGap:    defaultMinGap,
	}
}

// Request performs an upstream GET. The walk over connections is a
// single pass: direct first when available, then each proxy from the
// round-robin cursor. Retryable failures cool down the attempted cell
// and move on; when the pass ends with no usable connection the outcome
// is deferred with the earliest time a cell frees up. The global gap is
// enforced before every attempt, so retrying on the next connection
// waits out the full gap too.
func (d *Dispatcher) Request(ctx context.Context, rawURL string) Outcome {
	class := endpoint.Classify(rawURL)

	candidates := append([]int{0}, d.registry.NextProxyOrder()...)
	for _, idx := range candidates {
		if !d.cooldowns.IsAvailable(idx, class) {
			continue
		}
		conn, ok := d.registry.ByIndex(idx)
		if !ok {
			continue
		}
		if err := d.pace(ctx); err != nil {
			return Outcome{Kind: OutcomeFailed, Class: class, FailureKind: FailureKindOther, Message: err.Error()}
		}
		out, retryNext := d.attempt(ctx, conn, class, rawURL)
		if !retryNext {
			return out
		}
	}

	wait := d.cooldowns.NextAvailableIn(class)
	slog.Debug("dispatch deferred", "class", class, "wait", wait)
	return Outcome{Kind: OutcomeDeferred, Class: class, Wait: wait}
}

// attempt runs one call on one connection. The second return value is
// true when the caller should continue with the next connection.
func (d *Dispatcher) attempt(ctx context.Context, conn registry.Connection, class endpoint.Class, rawURL string) (Outcome, bool) {
	client, err := d.Factory(conn, class.Timeout())
	if err != nil {
		d.markAndLog(conn, class, cooldown.ReasonSOCKSError, err.Error())
		return Outcome{}, true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Class: class, FailureKind: FailureKindOther, Message: err.Error()}, false
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if class == endpoint.Inventory {
		// The community inventory endpoint is pickier about looking like
		// a browser tab than the Web API methods.
		req.Header.Set("Sec-Fetch-Dest", "empty")
		req.Header.Set("Sec-Fetch-Mode", "cors")
		req.Header.Set("Sec-Fetch-Site", "same-origin")
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeFailed, Class: class, FailureKind: FailureKindOther, Message: ctx.Err().Error()}, false
		}
		if reason, ok := categorise(err); ok {
			d.markAndLog(conn, class, reason, err.Error())
			return Outcome{}, true
		}
		return Outcome{Kind: OutcomeFailed, Class: class, FailureKind: FailureKindOther, Message: err.Error()}, false
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if readErr != nil {
		if reason, ok := categorise(readErr); ok {
			d.markAndLog(conn, class, reason, readErr.Error())
			return Outcome{}, true
		}
		return Outcome{Kind: OutcomeFailed, Class: class, FailureKind: FailureKindOther, Message: readErr.Error()}, false
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := d.cooldowns.ResetOnSuccess(conn.Index, class); err != nil {
			slog.Warn("cooldown reset failed", "connection", conn.Index, "class", class, "error", err)
		}
		return Outcome{Kind: OutcomeOK, Class: class, Body: body, StatusCode: resp.StatusCode}, false

	case resp.StatusCode == http.StatusTooManyRequests:
		d.markAndLog(conn, class, cooldown.ReasonRateLimited, fmt.Sprintf("HTTP 429 from %s", rawURL))
		return Outcome{}, true

	case class == endpoint.Inventory && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized),
		class == endpoint.Friends && resp.StatusCode == http.StatusUnauthorized:
		// Restricted visibility, which the caller treats as success.
		return Outcome{Kind: OutcomeOK, Class: class, Body: body, StatusCode: resp.StatusCode, Private: true}, false

	default:
		return Outcome{
			Kind:        OutcomeFailed,
			Class:       class,
			FailureKind: FailureKindOther,
			Message:     fmt.Sprintf("HTTP %d from %s", resp.StatusCode, rawURL),
		}, false
	}
}

func (d *Dispatcher) markAndLog(conn registry.Connection, class endpoint.Class, reason cooldown.Reason, message string) {
	rec, err := d.cooldowns.Mark(conn.Index, class, reason, message)
	if err != nil {
		slog.Error("cooldown mark failed", "connection", conn.Index, "class", class, "error", err)
		return
	}
	slog.Info("connection cooled down",
		"connection", conn.Index,
		"class", class,
		"reason", reason,
		"until", rec.Until,
		"message", message,
	)
}

// pace enforces the global inter-call gap across all connections.
func (d *Dispatcher) pace(ctx context.Context) error {
	gap := d.MinGap
	if gap <= 0 {
		return nil
	}

	d.paceMu.Lock()
	wait := gap - time.Since(d.lastCall)
	if wait > 0 {
		d.paceMu.Unlock()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		d.paceMu.Lock()
	}
	d.lastCall = time.Now()
	d.paceMu.Unlock()
	return nil
}
