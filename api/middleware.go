package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmcleod/sessiongate/identity"
)

type contextKey int

const principalKey contextKey = iota

// principal is the authenticated caller of a request.
type principal struct {
	User       userRecord
	SessionKey string
}

// AuthMiddleware authenticates a Bearer access token, checks that its login
// session is still live and stores the caller on the request context.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeDetail(w, http.StatusUnauthorized, msgNotAuthorized, "not_authenticated")
			return
		}
		claims, err := a.parseAccessToken(raw)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, msgTokenInvalid, "token_not_valid")
			return
		}
		if _, ok := a.sessions.Get(claims.SessionKey); !ok {
			writeDetail(w, http.StatusUnauthorized, msgTokenInvalid, "token_not_valid")
			return
		}
		user, ok := a.users.get(claims.Subject)
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "User not found", "user_not_found")
			return
		}
		if !user.IsActive {
			writeDetail(w, http.StatusUnauthorized, "User is inactive", "user_inactive")
			return
		}
		a.sessions.Touch(claims.SessionKey, a.now())

		ctx := context.WithValue(r.Context(), principalKey, principal{User: user, SessionKey: claims.SessionKey})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly rejects callers without the admin role. It must run after
// AuthMiddleware.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFromContext(r.Context())
		if !ok || p.User.Role != identity.RoleAdmin {
			writeDetail(w, http.StatusForbidden, msgForbidden, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func principalFromContext(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey).(principal)
	return p, ok
}

// caller returns the authenticated principal. Handlers behind
// AuthMiddleware always have one.
func caller(r *http.Request) principal {
	p, _ := principalFromContext(r.Context())
	return p
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
