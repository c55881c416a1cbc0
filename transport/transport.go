// Package transport attaches the current access token to outgoing requests
// and transparently retries a request once after a 401 by way of the refresh
// coordinator.
package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/jmcleod/sessiongate/storage"
)

// TokenRefresher is satisfied by *refresh.Coordinator.
type TokenRefresher interface {
	EnsureFreshToken(ctx context.Context) (string, error)
}

type contextKey int

const retriedKey contextKey = iota

// Transport is an http.RoundTripper that authorizes requests from a
// CredentialStore.
type Transport struct {
	base      http.RoundTripper
	store     storage.CredentialStore
	refresher TokenRefresher
	logger    *slog.Logger
}

var _ http.RoundTripper = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New wraps base. A nil base means http.DefaultTransport.
func New(base http.RoundTripper, store storage.CredentialStore, refresher TokenRefresher, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{base: base, store: store, refresher: refresher}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "transport")
	return t
}

// Middleware returns New as a wrapping function, for identity.Client.WrapTransport.
func Middleware(store storage.CredentialStore, refresher TokenRefresher, opts ...Option) func(http.RoundTripper) http.RoundTripper {
	return func(base http.RoundTripper) http.RoundTripper {
		return New(base, store, refresher, opts...)
	}
}

func authorize(req *http.Request, token string) *http.Request {
	out := req.Clone(req.Context())
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}
	return out
}

// RoundTrip sends req with the stored access token. On a 401 it asks the
// refresher for a new token and replays req exactly once. If the refresh
// fails the original 401 response is returned unchanged.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	creds, err := t.store.Load()
	if err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(authorize(req, creds.AccessToken))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if req.Context().Value(retriedKey) != nil {
		return resp, nil
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		t.logger.Debug("401 on request with non-replayable body; not retrying", "path", req.URL.Path)
		return resp, nil
	}

	token, rerr := t.refresher.EnsureFreshToken(req.Context())
	if rerr != nil {
		t.logger.Debug("refresh failed; returning original 401", "path", req.URL.Path, "error", rerr)
		return resp, nil
	}

	retry := authorize(req.WithContext(context.WithValue(req.Context(), retriedKey, true)), token)
	if req.GetBody != nil {
		body, gerr := req.GetBody()
		if gerr != nil {
			return resp, nil
		}
		retry.Body = body
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	t.logger.Debug("retrying with refreshed token", "path", req.URL.Path)
	return t.base.RoundTrip(retry)
}
