package settings

// DB config keys for runtime-tunable metering values. A key missing from the
// settings table falls back to the file configuration.
const (
	// AuthorizationTTLSecondsKey overrides how long a new authorization stays active.
	AuthorizationTTLSecondsKey = "AUTHORIZATION_TTL_SECONDS"
	// ReconcileBatchSizeKey overrides how many expired authorizations one sweep page loads.
	ReconcileBatchSizeKey = "RECONCILE_BATCH_SIZE"
	// CallRecordRetentionDaysKey overrides how long call records are kept; 0 keeps them forever.
	CallRecordRetentionDaysKey = "CALL_RECORD_RETENTION_DAYS"
	// MinimumEstimateUnitsKey overrides the unit count used when no estimate is available.
	MinimumEstimateUnitsKey = "MINIMUM_ESTIMATE_UNITS"
)
