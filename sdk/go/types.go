package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"statboard/core"
)

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string         `json:"status"`
	Checks map[string]any `json:"checks"`
}

// Error is a non-2xx API response. It unwraps to the matching core sentinel
// so callers can use errors.Is(err, core.ErrNotFound) across the wire.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("statboard: %s (status %d): %s", e.Code, e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case "not_found":
		return core.ErrNotFound
	case "invalid_argument":
		return core.ErrInvalidArgument
	case "storage_unavailable":
		return core.ErrStorageUnavailable
	}
	return nil
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = "http_error"
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if target == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ErrInvalidUserID is returned before any request when a user id is not positive.
var ErrInvalidUserID = errors.New("user id must be positive")
