// Package gate is the connection-admission check: credential verification
// against the external identity verifier plus a shared sliding-window
// rate limit keyed by network address. It runs once per connection
// attempt, never per message.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/courtside/relay/internal/domain"
	"github.com/courtside/relay/internal/metrics"
)

const (
	DefaultMaxAttempts = 100
	DefaultWindow      = 60 * time.Second
)

// Attempt is a pending socket before it reaches the registry.
type Attempt struct {
	Credential string
	RemoteAddr string
	UserAgent  string
}

// Admission is the successful outcome of an Authorize call.
type Admission struct {
	UserID      string
	ConnectedAt time.Time
}

// Gatekeeper intercepts connection attempts before they reach the
// registry. It holds no locks while awaiting the verifier round trip.
type Gatekeeper struct {
	verifier    domain.IdentityVerifier
	counter     domain.RateLimitCounter
	clock       clockwork.Clock
	maxAttempts int64
	window      time.Duration

	verifyGroup singleflight.Group
}

func New(verifier domain.IdentityVerifier, counter domain.RateLimitCounter, clock clockwork.Clock, maxAttempts int64, window time.Duration) *Gatekeeper {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Gatekeeper{
		verifier:    verifier,
		counter:     counter,
		clock:       clock,
		maxAttempts: maxAttempts,
		window:      window,
	}
}

// Authorize admits or refuses one connection attempt. The rate-limit
// check-and-increment is atomic with respect to concurrent attempts from
// the same address; the counter is shared across all server processes.
func (g *Gatekeeper) Authorize(ctx context.Context, attempt Attempt) (Admission, error) {
	if attempt.Credential == "" {
		metrics.GateConnectionsTotal.WithLabelValues("auth_error").Inc()
		return Admission{}, fmt.Errorf("missing credential: %w", domain.ErrAuthentication)
	}

	count, err := g.counter.Incr(ctx, "connattempts:"+attempt.RemoteAddr, g.window)
	if err != nil {
		// A broken counter store must not take the whole admission path
		// down with it: fail open and keep score.
		metrics.GateRateLimitStoreErrors.Inc()
		slog.Warn("Rate-limit counter unavailable, admitting without limit check",
			"remote_addr", attempt.RemoteAddr, "error", err)
	} else if count > g.maxAttempts {
		metrics.GateConnectionsTotal.WithLabelValues("rate_limited").Inc()
		return Admission{}, fmt.Errorf("%d attempts in %s from %s: %w",
			count, g.window, attempt.RemoteAddr, domain.ErrRateLimited)
	}

	userID, err := g.verify(ctx, attempt.Credential)
	if err != nil {
		metrics.GateConnectionsTotal.WithLabelValues("auth_error").Inc()
		return Admission{}, fmt.Errorf("credential rejected: %w", domain.ErrAuthentication)
	}

	metrics.GateConnectionsTotal.WithLabelValues("accepted").Inc()
	return Admission{UserID: userID, ConnectedAt: g.clock.Now()}, nil
}

// verify collapses concurrent verifications of the same credential into
// one verifier round trip.
func (g *Gatekeeper) verify(ctx context.Context, credential string) (string, error) {
	start := g.clock.Now()
	result, err, _ := g.verifyGroup.Do(credential, func() (interface{}, error) {
		return g.verifier.Verify(ctx, credential)
	})
	metrics.GateVerifyDuration.Observe(g.clock.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
