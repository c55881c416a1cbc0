package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/jmcleod/sessiongate/identity"
)

type terminateAllRequest struct {
	// CurrentSessionKey, when set, survives the termination.
	CurrentSessionKey string `json:"current_session_key"`
}

// ListSessions handles GET /api/auth/sessions/. Sessions are listed most
// recently active first.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	p := caller(r)
	stored := a.sessions.ListByUser(p.User.ID)
	out := make([]identity.Session, 0, len(stored))
	for _, s := range stored {
		out = append(out, identity.Session{
			SessionKey:   s.SessionKey,
			IPAddress:    s.IPAddress,
			UserAgent:    s.UserAgent,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
			Current:      s.SessionKey == p.SessionKey,
		})
	}
	slices.SortStableFunc(out, func(x, y identity.Session) int {
		return y.LastActivity.Compare(x.LastActivity)
	})
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: out, Total: len(out)})
}

// TerminateSession handles POST /api/auth/terminate-session/.
func (a *API) TerminateSession(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[identity.TerminateSessionRequest](w, r)
	if !ok {
		return
	}
	if req.SessionKey == "" {
		writeError(w, http.StatusBadRequest, "Session key is required")
		return
	}
	p := caller(r)
	s, found := a.sessions.Get(req.SessionKey)
	if !found || s.UserID != p.User.ID || !a.sessions.Delete(req.SessionKey) {
		writeError(w, http.StatusNotFound, "Session not found or already terminated")
		return
	}
	a.audit.logEvent(AuditSessionTerminated, r, p.User.ID, slog.String("session_key", req.SessionKey))
	writeMessage(w, "Session terminated successfully")
}

// TerminateAllSessions handles POST /api/auth/terminate-all-sessions/.
// Without a current_session_key the caller's own login ends too.
func (a *API) TerminateAllSessions(w http.ResponseWriter, r *http.Request) {
	req, _ := decodeBody[terminateAllRequest](r)
	p := caller(r)

	n := 0
	if req.CurrentSessionKey == "" {
		n = a.sessions.DeleteByUser(p.User.ID)
	} else {
		for _, s := range a.sessions.ListByUser(p.User.ID) {
			if s.SessionKey != req.CurrentSessionKey && a.sessions.Delete(s.SessionKey) {
				n++
			}
		}
	}
	a.audit.logEvent(AuditAllSessionsTerminated, r, p.User.ID, slog.Int("terminated_count", n))
	writeMessage(w, fmt.Sprintf("Terminated %d sessions successfully", n))
}
