package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/billing"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	relayhttp "github.com/router-for-me/CLIProxyAPIMetering/internal/http"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/ledger"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/reconciler"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/settings"
	"gorm.io/gorm"
)

// MaintenanceHandler exposes operator actions.
type MaintenanceHandler struct {
	db         *gorm.DB
	reconciler *reconciler.Reconciler
	resolver   *billing.Resolver
	recorder   *ledger.Recorder
}

// NewMaintenanceHandler constructs a MaintenanceHandler.
func NewMaintenanceHandler(db *gorm.DB, rec *reconciler.Reconciler, resolver *billing.Resolver, recorder *ledger.Recorder) *MaintenanceHandler {
	return &MaintenanceHandler{db: db, reconciler: rec, resolver: resolver, recorder: recorder}
}

// Reconcile runs one expiry sweep now.
func (h *MaintenanceHandler) Reconcile(c *gin.Context) {
	result, errSweep := h.reconciler.Sweep(c.Request.Context())
	if errSweep != nil {
		relayhttp.WriteError(c, errSweep)
		return
	}
	c.JSON(http.StatusOK, result)
}

// invalidatePricesRequest is the body of POST /prices/invalidate.
type invalidatePricesRequest struct {
	UserID uint64 `json:"user_id"` // Limit to one user.
	Model  string `json:"model"`   // Limit to one model.
}

// InvalidatePrices drops cached price resolutions.
func (h *MaintenanceHandler) InvalidatePrices(c *gin.Context) {
	var body invalidatePricesRequest
	if c.Request.ContentLength > 0 {
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	ctx := c.Request.Context()
	model := strings.TrimSpace(body.Model)
	var errInvalidate error
	switch {
	case body.UserID != 0:
		errInvalidate = h.resolver.InvalidateUser(ctx, body.UserID)
	case model != "":
		errInvalidate = h.resolver.InvalidateModel(ctx, model)
	default:
		errInvalidate = h.resolver.InvalidateAll(ctx)
	}
	if errInvalidate != nil {
		relayhttp.WriteError(c, errs.Transient("invalidate price cache", errInvalidate))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// purgeLedgerRequest is the body of POST /ledger/purge.
type purgeLedgerRequest struct {
	Before time.Time `json:"before"` // Delete records created before this time.
}

// PurgeLedger deletes ledger records older than the cutoff.
func (h *MaintenanceHandler) PurgeLedger(c *gin.Context) {
	var body purgeLedgerRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid request body")
		return
	}
	deleted, errPurge := h.recorder.Purge(c.Request.Context(), body.Before)
	if errPurge != nil {
		relayhttp.WriteError(c, errPurge)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// putSettingRequest is the body of PUT /settings/:key.
type putSettingRequest struct {
	Value json.RawMessage `json:"value"` // JSON value.
}

// PutSetting stores a runtime setting and refreshes the snapshot.
func (h *MaintenanceHandler) PutSetting(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	var body putSettingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || len(body.Value) == 0 || !json.Valid(body.Value) {
		badRequest(c, "invalid request body")
		return
	}
	switch key {
	case settings.AuthorizationTTLSecondsKey, settings.ReconcileBatchSizeKey,
		settings.CallRecordRetentionDaysKey, settings.MinimumEstimateUnitsKey:
	default:
		badRequest(c, "unknown setting")
		return
	}
	if errPut := settings.Put(c.Request.Context(), h.db, key, body.Value); errPut != nil {
		relayhttp.WriteError(c, errs.Transient("put setting", errPut))
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": body.Value})
}
