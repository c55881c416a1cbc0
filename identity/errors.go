package identity

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/jmcleod/sessiongate/autherr"
)

const maxErrorBody = 64 << 10

func reasonFor(status int) autherr.Reason {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return autherr.ReasonValidation
	case status == http.StatusUnauthorized:
		return autherr.ReasonUnauthorized
	case status == http.StatusForbidden:
		return autherr.ReasonForbidden
	case status == http.StatusNotFound:
		return autherr.ReasonNotFound
	case status == http.StatusTooManyRequests:
		return autherr.ReasonRateLimited
	case status >= 500:
		return autherr.ReasonServer
	default:
		return autherr.ReasonUnknown
	}
}

// decodeError turns a non-2xx response into an *autherr.Error of the given
// kind. This is the only place error payloads are inspected.
func decodeError(kind error, resp *http.Response) *autherr.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := errorMessage(body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &autherr.Error{
		Kind:    kind,
		Reason:  reasonFor(resp.StatusCode),
		Status:  resp.StatusCode,
		Message: msg,
	}
}

// errorMessage extracts a human-readable message from the shapes the service
// uses: {"error"}, {"detail"}, {"message"}, {"non_field_errors": [...]}, or a
// map of field name to messages.
func errorMessage(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, k := range []string{"error", "detail", "message"} {
		if s, ok := payload[k].(string); ok && s != "" {
			return s
		}
	}
	if s := firstString(payload["non_field_errors"]); s != "" {
		return s
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if s := firstString(payload[k]); s != "" {
			return fmt.Sprintf("%s: %s", k, s)
		}
	}
	return ""
}

func firstString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
