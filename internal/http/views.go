package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
)

// BucketView renders a quota bucket for API responses.
func BucketView(b models.QuotaBucket, now time.Time) gin.H {
	return gin.H{
		"id":         b.ID,
		"bucket_key": b.BucketKey,
		"package_id": b.PackageID,
		"priority":   b.Priority,
		"available":  b.Available,
		"frozen":     b.Frozen,
		"used":       b.Used,
		"granted":    b.Granted,
		"expires_at": b.ExpiresAt,
		"drawable":   b.Drawable(now),
	}
}

// BucketViews renders buckets in the given order.
func BucketViews(buckets []models.QuotaBucket, now time.Time) []gin.H {
	out := make([]gin.H, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, BucketView(b, now))
	}
	return out
}

// AuthorizationView renders an authorization without its call token.
func AuthorizationView(a models.Authorization) gin.H {
	return gin.H{
		"id":                 a.ID,
		"user_id":            a.UserID,
		"model":              a.Model,
		"status":             a.Status,
		"frozen_amount":      a.FrozenAmount,
		"estimated_cost":     a.EstimatedCost,
		"actual_cost":        a.ActualCost,
		"price_rule_id":      a.PriceRuleID,
		"expires_at":         a.ExpiresAt,
		"settled_request_id": a.SettledRequestID,
		"revoke_reason":      a.RevokeReason,
		"finalized_at":       a.FinalizedAt,
		"created_at":         a.CreatedAt,
	}
}

// LedgerRecordView renders one ledger record.
func LedgerRecordView(r models.LedgerRecord) gin.H {
	return gin.H{
		"id":               r.ID,
		"user_id":          r.UserID,
		"bucket_id":        r.BucketID,
		"bucket_key":       r.BucketKey,
		"kind":             r.Kind,
		"amount":           r.Amount,
		"balance_before":   r.BalanceBefore,
		"balance_after":    r.BalanceAfter,
		"frozen_before":    r.FrozenBefore,
		"frozen_after":     r.FrozenAfter,
		"reason":           r.Reason,
		"correlation_id":   r.CorrelationID,
		"authorization_id": r.AuthorizationID,
		"created_at":       r.CreatedAt,
	}
}
