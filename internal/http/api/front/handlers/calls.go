package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/billing"
	relayhttp "github.com/router-for-me/CLIProxyAPIMetering/internal/http"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/usage"
)

// CallHandler settles call reports.
type CallHandler struct {
	engine *usage.Engine
}

// NewCallHandler constructs a CallHandler.
func NewCallHandler(engine *usage.Engine) *CallHandler {
	return &CallHandler{engine: engine}
}

// reportCallRequest is the body of POST /calls.
type reportCallRequest struct {
	CallToken   string             `json:"call_token"`   // Token from the authorization.
	RequestID   string             `json:"request_id"`   // Idempotency key.
	Outcome     models.CallOutcome `json:"outcome"`      // success or failure.
	Usage       billing.Units      `json:"usage"`        // Actual usage.
	ErrorStatus int                `json:"error_status"` // Upstream status for failures.
	ErrorBody   json.RawMessage    `json:"error_body"`   // Upstream response body for failures.
}

// Report settles one call.
func (h *CallHandler) Report(c *gin.Context) {
	var body reportCallRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "message": "invalid request body"})
		return
	}
	result, errReport := h.engine.ReportCall(c.Request.Context(), usage.Report{
		CallToken:   body.CallToken,
		RequestID:   body.RequestID,
		Outcome:     body.Outcome,
		Units:       body.Usage,
		ErrorStatus: body.ErrorStatus,
		ErrorBody:   errorBodyBytes(body.ErrorBody),
	})
	if errReport != nil {
		relayhttp.WriteError(c, errReport)
		return
	}
	c.JSON(http.StatusOK, result)
}

// errorBodyBytes unwraps a JSON string body so plain-text upstream errors are
// stored as text.
func errorBodyBytes(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var text string
	if errUnmarshal := json.Unmarshal(raw, &text); errUnmarshal == nil {
		return []byte(text)
	}
	return raw
}
