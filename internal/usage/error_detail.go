package usage

import (
	"encoding/json"
	"net/http"
	"strings"

	"gorm.io/datatypes"
)

type callErrorDetail struct {
	StatusCode   int    `json:"status_code"`
	Message      string `json:"message"`
	ResponseBody any    `json:"response_body,omitempty"`
}

// buildErrorDetail summarizes a failed call's upstream response. Successful
// calls carry no detail.
func buildErrorDetail(failed bool, statusCode int, responseBody []byte) datatypes.JSON {
	if !failed && statusCode < http.StatusBadRequest {
		return nil
	}
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}

	message := extractErrorMessage(responseBody)
	if message == "" {
		message = strings.TrimSpace(http.StatusText(statusCode))
	}

	detail := callErrorDetail{
		StatusCode: statusCode,
		Message:    message,
	}
	if len(responseBody) > 0 {
		if json.Valid(responseBody) {
			detail.ResponseBody = json.RawMessage(responseBody)
		} else {
			detail.ResponseBody = string(responseBody)
		}
	}

	payload, errMarshal := json.Marshal(detail)
	if errMarshal != nil {
		return nil
	}
	return datatypes.JSON(payload)
}

func extractErrorMessage(responseBody []byte) string {
	trimmed := strings.TrimSpace(string(responseBody))
	if trimmed == "" {
		return ""
	}
	if !json.Valid([]byte(trimmed)) {
		return trimmed
	}

	var payload map[string]any
	if errUnmarshal := json.Unmarshal([]byte(trimmed), &payload); errUnmarshal != nil {
		return ""
	}
	if errValue, ok := payload["error"]; ok {
		switch typed := errValue.(type) {
		case map[string]any:
			if msg, ok := typed["message"].(string); ok {
				return strings.TrimSpace(msg)
			}
		case string:
			return strings.TrimSpace(typed)
		}
	}
	if msg, ok := payload["message"].(string); ok {
		return strings.TrimSpace(msg)
	}
	return ""
}
