// Package refresh renews expired access tokens with at most one network
// refresh in flight. Callers that arrive while a refresh is running wait in a
// FIFO queue and receive the same outcome.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/sessiongate/autherr"
	"github.com/jmcleod/sessiongate/storage"
)

// DefaultTimeout bounds a single refresh call.
const DefaultTimeout = 10 * time.Second

// Refresher performs the network refresh. It returns the new pair; the
// refresh token is unchanged unless the service rotated it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (storage.Credentials, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (storage.Credentials, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (storage.Credentials, error) {
	return f(ctx, refreshToken)
}

type result struct {
	token string
	err   error
}

// Stats counts coordinator activity since construction.
type Stats struct {
	Refreshes int
	Failures  int
	Waiters   int
}

// Coordinator serializes token refreshes for one credential store.
type Coordinator struct {
	store     storage.CredentialStore
	refresher Refresher
	timeout   time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight bool
	queue    []chan result
	hooks    []func(error)
	stats    Stats
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds each refresh call. Expiry counts as a failed refresh.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// New creates a Coordinator.
func New(store storage.CredentialStore, refresher Refresher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		refresher: refresher,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "refresh")
	return c
}

// OnFailure registers fn to run after a failed refresh has cleared the
// credential store. The session layer uses it to force an anonymous state.
func (c *Coordinator) OnFailure(fn func(error)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Stats returns a snapshot of the activity counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// EnsureFreshToken returns a renewed access token. If a refresh is already
// running the caller waits for it instead of starting another one. Errors
// match autherr.ErrRefreshFailed.
//
// Cancelling ctx abandons the wait only; the refresh itself always runs to
// completion (bounded by the timeout) so other waiters are still served.
func (c *Coordinator) EnsureFreshToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.inFlight {
		ch := make(chan result, 1)
		c.queue = append(c.queue, ch)
		c.stats.Waiters++
		c.mu.Unlock()
		select {
		case r := <-ch:
			return r.token, r.err
		case <-ctx.Done():
			return "", autherr.Wrap(autherr.ErrRefreshFailed, ctx.Err())
		}
	}
	c.inFlight = true
	c.stats.Refreshes++
	c.mu.Unlock()

	token, err := c.refresh(ctx)
	if err != nil {
		c.fail(err)
		return "", err
	}
	c.settle(result{token: token})
	return token, nil
}

func (c *Coordinator) refresh(ctx context.Context) (string, error) {
	creds, err := c.store.Load()
	if err != nil {
		return "", autherr.Wrap(autherr.ErrRefreshFailed, err)
	}
	if creds.RefreshToken == "" {
		return "", autherr.New(autherr.ErrRefreshFailed, autherr.ReasonUnauthorized, "no refresh token available")
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := time.Now()
	next, err := c.refresher.Refresh(rctx, creds.RefreshToken)
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return "", &autherr.Error{Kind: autherr.ErrRefreshFailed, Reason: autherr.ReasonUnknown,
				Message: "token refresh timed out", Err: err}
		}
		return "", autherr.Wrap(autherr.ErrRefreshFailed, err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = creds.RefreshToken
	}

	// A logout while the refresh was running leaves the store cleared; the
	// CAS keeps it that way while the waiters still get the new token.
	if err := c.store.PutCAS(creds.RefreshToken, next); err != nil {
		if !errors.Is(err, storage.ErrCASFailed) {
			return "", autherr.Wrap(autherr.ErrRefreshFailed, err)
		}
		c.logger.Info("credentials changed during refresh; not persisting")
	}
	c.logger.Debug("access token refreshed", "duration", time.Since(start))
	return next.AccessToken, nil
}

// settle resolves every queued waiter in arrival order and clears the
// in-flight flag. Swapping the queue out under the lock means a caller that
// arrives afterwards starts a new cycle instead of joining a finished one.
func (c *Coordinator) settle(r result) []func(error) {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.inFlight = false
	if r.err != nil {
		c.stats.Failures++
	}
	hooks := append(([]func(error))(nil), c.hooks...)
	c.mu.Unlock()

	for _, ch := range queue {
		ch <- r
	}
	return hooks
}

func (c *Coordinator) fail(err error) {
	c.logger.Warn("token refresh failed; clearing credentials", "error", err)
	if cerr := c.store.Clear(); cerr != nil {
		c.logger.Error("failed to clear credentials", "error", cerr)
	}
	for _, hook := range c.settle(result{err: err}) {
		hook(err)
	}
}
