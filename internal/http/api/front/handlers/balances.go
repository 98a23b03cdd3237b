package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	relayhttp "github.com/router-for-me/CLIProxyAPIMetering/internal/http"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/ledger"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/quota"
)

// BalanceHandler serves balances and ledger history.
type BalanceHandler struct {
	store    *quota.Store
	recorder *ledger.Recorder
}

// NewBalanceHandler constructs a BalanceHandler.
func NewBalanceHandler(store *quota.Store, recorder *ledger.Recorder) *BalanceHandler {
	return &BalanceHandler{store: store, recorder: recorder}
}

// Balance returns the user's buckets in draw order and their totals.
func (h *BalanceHandler) Balance(c *gin.Context) {
	userID, errID := parseIDParam(c, "id")
	if errID != nil {
		relayhttp.WriteError(c, errID)
		return
	}
	buckets, errBal := h.store.Balances(c.Request.Context(), userID)
	if errBal != nil {
		relayhttp.WriteError(c, errBal)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"buckets": relayhttp.BucketViews(buckets, h.store.Now()),
		"summary": quota.Summarize(userID, buckets),
	})
}

// ledgerQuery defines filters for the ledger history view.
type ledgerQuery struct {
	BucketID      uint64 `form:"bucket_id"`      // Bucket filter.
	Kind          string `form:"kind"`           // Ledger kind filter.
	CorrelationID string `form:"correlation_id"` // Correlation filter.
	Since         string `form:"since"`          // RFC3339 lower bound.
	Until         string `form:"until"`          // RFC3339 upper bound.
	Limit         int    `form:"limit"`          // Page size.
	Offset        int    `form:"offset"`         // Page offset.
}

// Ledger returns the user's ledger records newest first.
func (h *BalanceHandler) Ledger(c *gin.Context) {
	userID, errID := parseIDParam(c, "id")
	if errID != nil {
		relayhttp.WriteError(c, errID)
		return
	}
	var q ledgerQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "message": "invalid query"})
		return
	}
	filter := ledger.Filter{
		UserID:        userID,
		BucketID:      q.BucketID,
		Kind:          models.LedgerKind(q.Kind),
		CorrelationID: q.CorrelationID,
		Limit:         q.Limit,
		Offset:        q.Offset,
	}
	var errTime error
	if filter.Since, errTime = parseOptionalTime(q.Since); errTime != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "message": "invalid since"})
		return
	}
	if filter.Until, errTime = parseOptionalTime(q.Until); errTime != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "message": "invalid until"})
		return
	}
	rows, total, errHistory := h.recorder.History(c.Request.Context(), filter)
	if errHistory != nil {
		relayhttp.WriteError(c, errHistory)
		return
	}
	records := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		records = append(records, relayhttp.LedgerRecordView(row))
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "records": records})
}

func parseOptionalTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, errParse := time.Parse(time.RFC3339, raw)
	if errParse != nil {
		return time.Time{}, errParse
	}
	return parsed.UTC(), nil
}
