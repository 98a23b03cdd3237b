package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	relayhttp "github.com/router-for-me/CLIProxyAPIMetering/internal/http"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/quota"
	"github.com/shopspring/decimal"
)

// QuotaHandler handles admin quota endpoints.
type QuotaHandler struct {
	store *quota.Store
}

// NewQuotaHandler constructs a QuotaHandler.
func NewQuotaHandler(store *quota.Store) *QuotaHandler {
	return &QuotaHandler{store: store}
}

// adjustRequest is the body of POST /quotas/adjust.
type adjustRequest struct {
	UserID        uint64          `json:"user_id"`        // Target user.
	BucketKey     string          `json:"bucket_key"`     // Target bucket, default when empty.
	Amount        decimal.Decimal `json:"amount"`         // Positive grants, negative deducts.
	Reason        string          `json:"reason"`         // Ledger reason.
	CorrelationID string          `json:"correlation_id"` // Optional ledger correlation id.
}

// Adjust grants or deducts quota.
func (h *QuotaHandler) Adjust(c *gin.Context) {
	var body adjustRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid request body")
		return
	}
	buckets, errAdjust := h.store.Adjust(c.Request.Context(), quota.Adjustment{
		UserID:        body.UserID,
		BucketKey:     body.BucketKey,
		Amount:        body.Amount,
		Reason:        body.Reason,
		CorrelationID: body.CorrelationID,
	})
	if errAdjust != nil {
		relayhttp.WriteError(c, errAdjust)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"buckets": relayhttp.BucketViews(buckets, h.store.Now()),
		"summary": quota.Summarize(body.UserID, buckets),
	})
}
