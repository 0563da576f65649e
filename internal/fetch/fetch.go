// Package fetch wraps the session gateway with retry, backoff and a
// bounded worker pool. Transient failures are retried with exponential
// backoff plus jitter; permanent and auth failures are surfaced at once.
package fetch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/spotix/engine/internal/session"
	"github.com/spotix/engine/internal/track"
)

const (
	DefaultMaxAttempts    = 5
	DefaultBaseBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff     = 16 * time.Second
	DefaultAttemptTimeout = 10 * time.Second
	DefaultWorkers        = 4
)

// RetryPolicy configures the retry layer. Immutable once the fetcher is
// constructed.
type RetryPolicy struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	Jitter         time.Duration // upper bound of the random addend
	AttemptTimeout time.Duration // per attempt, independent of the retry budget
}

// DefaultRetryPolicy returns the policy used when configuration supplies
// nothing.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseBackoff:    DefaultBaseBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Jitter:         DefaultBaseBackoff / 2,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// normalize fills in zero values and caps jitter below the backoff base
// so that successive delays stay strictly increasing.
func (p RetryPolicy) normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = d.BaseBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Jitter <= 0 || p.Jitter >= p.BaseBackoff {
		p.Jitter = p.BaseBackoff / 2
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	return p
}

// Reauthorizer is implemented by gateways that can refresh their session
// token after an AuthExpired failure.
type Reauthorizer interface {
	RefreshToken(ctx context.Context) error
}

// Fetcher retries gateway fetches according to a RetryPolicy. A bounded
// semaphore keeps the number of concurrent network calls in check and a
// rate limiter smooths bursts against the service.
type Fetcher struct {
	gw      session.Gateway
	policy  RetryPolicy
	sem     chan struct{}
	limiter *rate.Limiter

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Fetcher over the given gateway. workers bounds concurrent
// fetches; zero selects the default.
func New(gw session.Gateway, policy RetryPolicy, workers int) *Fetcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Fetcher{
		gw:      gw,
		policy:  policy.normalize(),
		sem:     make(chan struct{}, workers),
		limiter: rate.NewLimiter(rate.Limit(workers*4), workers*4),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Policy returns the normalized policy in effect.
func (f *Fetcher) Policy() RetryPolicy {
	return f.policy
}

// Fetch retrieves one chunk, retrying transient failures. The error
// returned after the attempt budget is exhausted is Permanent to the
// caller. Fetching is a pure read, so every retry is safe.
func (f *Fetcher) Fetch(ctx context.Context, key track.ChunkKey) ([]byte, error) {
	select {
	case f.sem <- struct{}{}:
		defer func() { <-f.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	reauthed := false

	for attempt := 1; attempt <= f.policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, f.policy.AttemptTimeout)
		data, err := f.gw.Fetch(attemptCtx, key.TrackID, key.Range)
		cancel()
		if err == nil {
			return data, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch session.Classify(err) {
		case session.Permanent:
			return nil, err
		case session.AuthExpired:
			// One re-authentication, then one immediate retry. A second
			// auth failure is surfaced.
			if reauthed {
				return nil, err
			}
			ra, ok := f.gw.(Reauthorizer)
			if !ok {
				return nil, err
			}
			if raErr := ra.RefreshToken(ctx); raErr != nil {
				return nil, raErr
			}
			reauthed = true
			continue
		}

		if attempt == f.policy.MaxAttempts {
			break
		}

		delay := f.backoff(attempt)
		log.Debug().
			Str("chunk", key.String()).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Transient fetch failure, backing off")
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	return nil, &session.NetworkError{
		Kind: session.Permanent,
		Op:   "fetch",
		Err:  fmt.Errorf("%d attempts exhausted: %w", f.policy.MaxAttempts, lastErr),
	}
}

// backoff computes the delay before the next attempt: base doubled per
// attempt, capped, plus a random jitter below the base.
func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := f.policy.BaseBackoff << (attempt - 1)
	if delay > f.policy.MaxBackoff {
		delay = f.policy.MaxBackoff
	}
	f.mu.Lock()
	jitter := time.Duration(f.rng.Int63n(int64(f.policy.Jitter)))
	f.mu.Unlock()
	return delay + jitter
}
