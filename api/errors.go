package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jmcleod/sessiongate/identity"
)

const maxBodySize = 64 << 10

const (
	msgFieldRequired = "This field is required."
	msgNotAuthorized = "Authentication credentials were not provided."
	msgTokenInvalid  = "Given token not valid for any token type"
	msgForbidden     = "You do not have permission to perform this action."
)

var errUserNotFound = errors.New("user not found")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, identity.ErrorResponse{Error: msg})
}

func writeMessage(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, identity.MessageResponse{Message: msg})
}

// writeDetail writes the {"detail": ...} shape used for authentication
// failures.
func writeDetail(w http.ResponseWriter, status int, detail, code string) {
	body := map[string]string{"detail": detail}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

// fieldErrors collects per-field validation messages and renders them as
// {"field": ["message", ...]}.
type fieldErrors map[string][]string

func (fe fieldErrors) add(field, msg string) {
	fe[field] = append(fe[field], msg)
}

func (fe fieldErrors) require(field, value string) {
	if strings.TrimSpace(value) == "" {
		fe.add(field, msgFieldRequired)
	}
}

func (fe fieldErrors) write(w http.ResponseWriter) bool {
	if len(fe) == 0 {
		return false
	}
	writeJSON(w, http.StatusBadRequest, fe)
	return true
}

// decodeJSON reads a size-limited JSON body into T. On failure it writes a
// 400 and returns false. An empty body decodes as the zero value.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&v); err != nil && !errors.Is(err, io.EOF) {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return v, false
	}
	return v, true
}

// writeInternalError logs err and returns a generic 500 so internal detail
// never reaches the client.
func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.ErrorContext(r.Context(), msg, "error", err, "path", r.URL.Path)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errUserNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	default:
		a.writeInternalError(w, r, "request failed", err)
	}
}

// decodeBody is decodeJSON for handlers that tolerate a missing or
// malformed body. Nothing is written on failure.
func decodeBody[T any](r *http.Request) (T, bool) {
	var v T
	if r.Body == nil {
		return v, false
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&v)
	return v, err == nil
}
