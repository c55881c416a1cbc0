package identity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/sessiongate/autherr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, r chi.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL)
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com")
	require.Error(t, err)
	_, err = New("://nope")
	require.Error(t, err)
}

func TestLogin(t *testing.T) {
	r := chi.NewRouter()
	r.Post(PathLogin, func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Empty(t, r.Header.Get("Authorization"))
		if req.Email != "alice@example.com" || req.Password != "pw" {
			writeJSON(w, http.StatusBadRequest, map[string][]string{"non_field_errors": {"Invalid email or password"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access":  "a1",
			"refresh": "r1",
			"user":    map[string]any{"id": 7, "email": req.Email, "role": "admin", "is_verified": true, "has_2fa": true},
		})
	})
	c := newTestClient(t, r)

	t.Run("Success", func(t *testing.T) {
		resp, err := c.Login(t.Context(), "  Alice@Example.com ", "pw")
		require.NoError(t, err)
		assert.Equal(t, "a1", resp.Access)
		assert.Equal(t, "r1", resp.Refresh)
		assert.Equal(t, "7", resp.User.ID)
		assert.True(t, resp.User.IsAdmin())
		assert.True(t, resp.User.Is2FAEnabled)
		assert.True(t, resp.User.IsActive)
	})

	t.Run("InvalidCredentials", func(t *testing.T) {
		_, err := c.Login(t.Context(), "alice@example.com", "wrong")
		require.ErrorIs(t, err, autherr.ErrAuth)
		assert.Equal(t, autherr.ReasonInvalidCredentials, autherr.ReasonOf(err))
		assert.Equal(t, "Invalid email or password", autherr.Message(err))
	})
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := New(srv.URL)
	require.NoError(t, err)

	_, err = c.Login(t.Context(), "a@b.c", "pw")
	require.ErrorIs(t, err, autherr.ErrNetwork)
	assert.NotErrorIs(t, err, autherr.ErrAuth)
}

func TestRefresh(t *testing.T) {
	var rotate atomic.Bool
	r := chi.NewRouter()
	r.Post(PathRefresh, func(w http.ResponseWriter, r *http.Request) {
		var req RefreshRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Refresh != "r1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired"})
			return
		}
		resp := RefreshResponse{Access: "a2"}
		if rotate.Load() {
			resp.Refresh = "r2"
		}
		writeJSON(w, http.StatusOK, resp)
	})
	c := newTestClient(t, r)

	creds, err := c.Refresh(t.Context(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", creds.AccessToken)
	assert.Equal(t, "r1", creds.RefreshToken)

	rotate.Store(true)
	creds, err = c.Refresh(t.Context(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r2", creds.RefreshToken)

	_, err = c.Refresh(t.Context(), "stale")
	require.ErrorIs(t, err, autherr.ErrRefreshFailed)
	assert.Equal(t, autherr.ReasonUnauthorized, autherr.ReasonOf(err))
	assert.Equal(t, "Token is invalid or expired", autherr.Message(err))
}

func TestVerifyCodesMapToInvalidCode(t *testing.T) {
	r := chi.NewRouter()
	r.Post(PathVerifyTwoFactorLogin, func(w http.ResponseWriter, r *http.Request) {
		var req VerifyTwoFactorLoginRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch {
		case req.Code == "123456":
			writeJSON(w, http.StatusOK, VerifyTwoFactorLoginResponse{Verified: true})
		case req.BackupCode == "ABCD2345":
			writeJSON(w, http.StatusOK, VerifyTwoFactorLoginResponse{Verified: true, BackupCodesRemaining: 9})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid verification code"})
		}
	})
	r.Post(PathVerifyTwoFactorSetup, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid verification code"})
	})
	c := newTestClient(t, r)

	_, err := c.VerifyTwoFactorLogin(t.Context(), "123456")
	require.NoError(t, err)

	resp, err := c.VerifyBackupCode(t.Context(), "ABCD2345")
	require.NoError(t, err)
	assert.Equal(t, 9, resp.BackupCodesRemaining)

	_, err = c.VerifyTwoFactorLogin(t.Context(), "000000")
	require.ErrorIs(t, err, autherr.ErrInvalidCode)

	_, err = c.VerifyTwoFactorSetup(t.Context(), "000000")
	require.ErrorIs(t, err, autherr.ErrInvalidCode)
}

func TestWrapTransportOnlyAffectsAuthorizedCalls(t *testing.T) {
	r := chi.NewRouter()
	r.Get(PathProfile, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."})
			return
		}
		writeJSON(w, http.StatusOK, User{ID: "1", Email: "a@b.c", Role: RoleUser})
	})
	r.Post(PathForgotPassword, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, MessageResponse{Message: "sent"})
	})
	c := newTestClient(t, r)

	_, err := c.Profile(t.Context())
	require.ErrorIs(t, err, autherr.ErrAuth)
	assert.Equal(t, http.StatusUnauthorized, err.(*autherr.Error).Status)

	c.WrapTransport(func(base http.RoundTripper) http.RoundTripper {
		return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			req = req.Clone(req.Context())
			req.Header.Set("Authorization", "Bearer tok")
			return base.RoundTrip(req)
		})
	})

	u, err := c.Profile(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", u.Email)

	msg, err := c.ForgotPassword(t.Context(), "a@b.c")
	require.NoError(t, err)
	assert.Equal(t, "sent", msg)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestErrorMessageShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"error", `{"error":"nope"}`, "nope"},
		{"detail", `{"detail":"Not found."}`, "Not found."},
		{"message", `{"message":"hi"}`, "hi"},
		{"non_field", `{"non_field_errors":["bad pair"]}`, "bad pair"},
		{"fields", `{"password":["too short"],"email":["taken"]}`, "email: taken"},
		{"text", `Bad Gateway`, "Bad Gateway"},
		{"empty", `{}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorMessage([]byte(tt.body)))
		})
	}
}

func TestStatusReasons(t *testing.T) {
	r := chi.NewRouter()
	r.Get(PathAdminUsers, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "Admin access required"})
	})
	r.Get(PathSessions, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	r.Post(PathForgotPassword, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "slow down"})
	})
	c := newTestClient(t, r)

	_, err := c.AdminUsers(t.Context())
	assert.Equal(t, autherr.ReasonForbidden, autherr.ReasonOf(err))

	_, err = c.Sessions(t.Context())
	assert.Equal(t, autherr.ReasonServer, autherr.ReasonOf(err))
	assert.Equal(t, "Bad Gateway", autherr.Message(err))

	_, err = c.ForgotPassword(t.Context(), "x@y.z")
	assert.Equal(t, autherr.ReasonRateLimited, autherr.ReasonOf(err))
}

func TestUserUnmarshalAliases(t *testing.T) {
	var u User
	require.NoError(t, json.Unmarshal([]byte(`{"id":"abc","email":"e","role":"user","is_active":false,"date_joined":"2024-01-02T03:04:05Z"}`), &u))
	assert.Equal(t, "abc", u.ID)
	assert.False(t, u.IsActive)
	assert.Equal(t, 2024, u.CreatedAt.Year())
	assert.False(t, u.IsAdmin())

	require.Error(t, json.Unmarshal([]byte(`{"id":1.5}`), &u))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeEmail(" ALICE@Example.COM "))
	assert.Equal(t, "strasse@example.com", NormalizeEmail("STRASSE@example.com"))
}

func TestAccessTokenExpiry(t *testing.T) {
	exp := time.Now().Add(5 * time.Minute).Truncate(time.Second)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	got, err := AccessTokenExpiry(tok)
	require.NoError(t, err)
	assert.True(t, exp.Equal(got))

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("secret"))
	_, err = AccessTokenExpiry(noExp)
	assert.ErrorIs(t, err, ErrNoExpiry)

	_, err = AccessTokenExpiry("not-a-jwt")
	assert.Error(t, err)
}
