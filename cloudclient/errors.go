package cloudclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/tcgpos_sync/possync"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// statusError maps a non-2xx response to a tagged error. The kind always follows
// the status; a code in the body only replaces the default code.
func statusError(status int, raw []byte) error {
	var body errorBody
	_ = json.Unmarshal(raw, &body)
	message := strings.TrimSpace(body.Message)
	if message == "" {
		message = strings.TrimSpace(body.Error)
	}
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if len(message) > 500 {
		message = message[:500]
	}
	message = fmt.Sprintf("HTTP %d: %s", status, message)

	code := strings.ToUpper(strings.TrimSpace(body.Code))
	pick := func(def string) string {
		if code != "" {
			return code
		}
		return def
	}

	switch {
	case status == http.StatusTooManyRequests:
		return possync.Retriable(pick(possync.CodeRateLimited), message, nil)
	case status >= 500:
		return possync.Retriable(pick(possync.CodeServerError), message, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return possync.Auth(pick(possync.CodeUnauthorized), message, nil)
	case status == http.StatusRequestTimeout:
		return possync.Retriable(pick(possync.CodeTransportFailure), message, nil)
	default:
		return possync.Structural(pick(possync.CodeRequestRejected), message, nil)
	}
}
