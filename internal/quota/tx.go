package quota

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/ledger"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Op describes the operation a mutation belongs to. It is copied onto every
// ledger record the mutation writes.
type Op struct {
	Reason          string
	CorrelationID   string
	AuthorizationID string
}

// BucketSpec identifies the bucket a grant lands in.
type BucketSpec struct {
	Key       string
	PackageID *uint64
	Priority  int
	ExpiresAt *time.Time
}

// Settlement is the outcome of converting an authorization's freeze.
type Settlement struct {
	Converted decimal.Decimal // Frozen amount moved to used.
	Released  decimal.Decimal // Frozen amount returned to available.
}

// Tx is a transaction scoped to one user's buckets.
type Tx struct {
	db          *gorm.DB
	userID      uint64
	now         time.Time
	correlation string
	buckets     []*models.QuotaBucket
	loaded      bool
}

// DB returns the underlying transaction for writes that must commit with the
// bucket mutations.
func (t *Tx) DB() *gorm.DB { return t.db }

// UserID returns the user the transaction is scoped to.
func (t *Tx) UserID() uint64 { return t.userID }

// Now returns the transaction timestamp.
func (t *Tx) Now() time.Time { return t.now }

// CorrelationID is used for ledger records whose Op carries none.
func (t *Tx) CorrelationID() string { return t.correlation }

// Buckets returns the locked buckets in draw order.
func (t *Tx) Buckets() ([]models.QuotaBucket, error) {
	if errLoad := t.load(); errLoad != nil {
		return nil, errLoad
	}
	out := make([]models.QuotaBucket, len(t.buckets))
	for i, b := range t.buckets {
		out[i] = *b
	}
	return out, nil
}

// load locks and caches the user's buckets for the rest of the transaction.
func (t *Tx) load() error {
	if t.loaded {
		return nil
	}
	var rows []models.QuotaBucket
	if errFind := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", t.userID).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return fmt.Errorf("load buckets: %w", errFind)
	}
	t.buckets = make([]*models.QuotaBucket, len(rows))
	for i := range rows {
		t.buckets[i] = &rows[i]
	}
	sortDrawOrder(t.buckets)
	t.loaded = true
	return nil
}

func (t *Tx) bucketByKey(key string) (*models.QuotaBucket, error) {
	if errLoad := t.load(); errLoad != nil {
		return nil, errLoad
	}
	for _, b := range t.buckets {
		if b.BucketKey == key {
			return b, nil
		}
	}
	return nil, nil
}

func (t *Tx) bucketByID(id uint64) (*models.QuotaBucket, error) {
	if errLoad := t.load(); errLoad != nil {
		return nil, errLoad
	}
	for _, b := range t.buckets {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, nil
}

// ensureBucket returns the bucket for spec, creating it when missing.
func (t *Tx) ensureBucket(spec BucketSpec) (*models.QuotaBucket, error) {
	key := strings.TrimSpace(spec.Key)
	if key == "" {
		key = models.DefaultBucketKey
	}
	existing, errFind := t.bucketByKey(key)
	if errFind != nil {
		return nil, errFind
	}
	if existing != nil {
		return existing, nil
	}

	row := models.QuotaBucket{
		UserID:    t.userID,
		BucketKey: key,
		PackageID: spec.PackageID,
		Priority:  spec.Priority,
		Available: decimal.Zero,
		Frozen:    decimal.Zero,
		Used:      decimal.Zero,
		Granted:   decimal.Zero,
		ExpiresAt: spec.ExpiresAt,
		CreatedAt: t.now,
		UpdatedAt: t.now,
	}
	res := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("create bucket %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		// Created concurrently by another transaction; lock and use that row.
		if errFind := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND bucket_key = ?", t.userID, key).
			First(&row).Error; errFind != nil {
			return nil, fmt.Errorf("reload bucket %s: %w", key, errFind)
		}
	}
	t.buckets = append(t.buckets, &row)
	sortDrawOrder(t.buckets)
	return &row, nil
}

// drawable returns buckets that may take new draws, in draw order.
func (t *Tx) drawable() []*models.QuotaBucket {
	out := make([]*models.QuotaBucket, 0, len(t.buckets))
	for _, b := range t.buckets {
		if b.Drawable(t.now) && b.Available.IsPositive() {
			out = append(out, b)
		}
	}
	return out
}

func totalAvailable(buckets []*models.QuotaBucket) decimal.Decimal {
	total := decimal.Zero
	for _, b := range buckets {
		total = total.Add(b.Available)
	}
	return total
}

// Freeze reserves amount across drawable buckets in draw order and returns the
// per-bucket allocations. Nothing is written when the total is insufficient.
func (t *Tx) Freeze(amount decimal.Decimal, op Op) ([]models.AuthorizationAllocation, error) {
	if amount.IsNegative() {
		return nil, errs.Invalidf("freeze amount %s is negative", amount)
	}
	if _, errEnsure := t.ensureBucket(BucketSpec{Key: models.DefaultBucketKey}); errEnsure != nil {
		return nil, errEnsure
	}
	if amount.IsZero() {
		return nil, nil
	}

	sources := t.drawable()
	if available := totalAvailable(sources); available.LessThan(amount) {
		return nil, errs.Insufficient(t.userID, amount, available)
	}

	remaining := amount
	allocations := make([]models.AuthorizationAllocation, 0, len(sources))
	for _, b := range sources {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(b.Available, remaining)
		if !take.IsPositive() {
			continue
		}
		availBefore, frozenBefore := b.Available, b.Frozen
		b.Available = b.Available.Sub(take)
		b.Frozen = b.Frozen.Add(take)
		if errWrite := t.write(b, models.LedgerFreeze, take, availBefore, frozenBefore, op); errWrite != nil {
			return nil, errWrite
		}
		allocations = append(allocations, models.AuthorizationAllocation{
			BucketID: b.ID,
			Amount:   take,
			Seq:      len(allocations),
		})
		remaining = remaining.Sub(take)
	}
	return allocations, nil
}

// Release returns every allocation to available.
func (t *Tx) Release(allocations []models.AuthorizationAllocation, op Op) (Settlement, error) {
	return t.Convert(allocations, decimal.Zero, op)
}

// Convert moves up to amount of the frozen allocations into used, walking them
// in draw order, and releases the remainder back to the buckets it came from.
// amount above the allocated total is ignored; callers consume overage separately.
func (t *Tx) Convert(allocations []models.AuthorizationAllocation, amount decimal.Decimal, op Op) (Settlement, error) {
	result := Settlement{Converted: decimal.Zero, Released: decimal.Zero}
	if amount.IsNegative() {
		return result, errs.Invalidf("convert amount %s is negative", amount)
	}
	if errLoad := t.load(); errLoad != nil {
		return result, errLoad
	}

	ordered := make([]models.AuthorizationAllocation, len(allocations))
	copy(ordered, allocations)
	sortAllocations(ordered)

	toConvert := amount
	carry := decimal.Zero
	visited := make(map[uint64]bool, len(ordered))
	settle := func(b *models.QuotaBucket, want decimal.Decimal) (decimal.Decimal, error) {
		// Clamp to what the bucket actually holds; the shortfall carries on.
		take := decimal.Min(want, b.Frozen)
		if !take.IsPositive() {
			return want, nil
		}
		conv := decimal.Min(take, toConvert)
		rel := take.Sub(conv)
		availBefore, frozenBefore := b.Available, b.Frozen
		if conv.IsPositive() {
			b.Frozen = b.Frozen.Sub(conv)
			b.Used = b.Used.Add(conv)
			if errWrite := t.write(b, models.LedgerDecrease, conv, availBefore, frozenBefore, op); errWrite != nil {
				return want, errWrite
			}
			toConvert = toConvert.Sub(conv)
			result.Converted = result.Converted.Add(conv)
		}
		if rel.IsPositive() {
			availBefore, frozenBefore = b.Available, b.Frozen
			b.Frozen = b.Frozen.Sub(rel)
			b.Available = b.Available.Add(rel)
			if errWrite := t.write(b, models.LedgerUnfreeze, rel, availBefore, frozenBefore, op); errWrite != nil {
				return want, errWrite
			}
			result.Released = result.Released.Add(rel)
		}
		return want.Sub(take), nil
	}

	for _, alloc := range ordered {
		b, errFind := t.bucketByID(alloc.BucketID)
		if errFind != nil {
			return result, errFind
		}
		want := alloc.Amount.Add(carry)
		if b == nil {
			carry = want
			continue
		}
		visited[b.ID] = true
		left, errSettle := settle(b, want)
		if errSettle != nil {
			return result, errSettle
		}
		carry = left
	}
	if carry.IsPositive() {
		for _, b := range t.buckets {
			if !carry.IsPositive() {
				break
			}
			if visited[b.ID] || !b.Frozen.IsPositive() {
				continue
			}
			left, errSettle := settle(b, carry)
			if errSettle != nil {
				return result, errSettle
			}
			carry = left
		}
	}
	if carry.IsPositive() {
		return result, fmt.Errorf("quota: user %d frozen balance short by %s", t.userID, carry)
	}
	return result, nil
}

// Consume moves amount from available to used across drawable buckets in draw
// order. Nothing is written when the total is insufficient.
func (t *Tx) Consume(amount decimal.Decimal, op Op) ([]models.AuthorizationAllocation, error) {
	if !amount.IsPositive() {
		return nil, errs.Invalidf("consume amount %s must be positive", amount)
	}
	if errLoad := t.load(); errLoad != nil {
		return nil, errLoad
	}
	return t.consumeFrom(t.drawable(), amount, op)
}

func (t *Tx) consumeFrom(sources []*models.QuotaBucket, amount decimal.Decimal, op Op) ([]models.AuthorizationAllocation, error) {
	if available := totalAvailable(sources); available.LessThan(amount) {
		return nil, errs.Insufficient(t.userID, amount, available)
	}
	remaining := amount
	draws := make([]models.AuthorizationAllocation, 0, len(sources))
	for _, b := range sources {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(b.Available, remaining)
		if !take.IsPositive() {
			continue
		}
		availBefore, frozenBefore := b.Available, b.Frozen
		b.Available = b.Available.Sub(take)
		b.Used = b.Used.Add(take)
		if errWrite := t.write(b, models.LedgerDecrease, take, availBefore, frozenBefore, op); errWrite != nil {
			return nil, errWrite
		}
		draws = append(draws, models.AuthorizationAllocation{BucketID: b.ID, Amount: take, Seq: len(draws)})
		remaining = remaining.Sub(take)
	}
	return draws, nil
}

// Grant adds amount to the bucket named by spec, creating it when missing. An
// existing package bucket takes the later expiry and the requested priority.
func (t *Tx) Grant(spec BucketSpec, amount decimal.Decimal, op Op) (*models.QuotaBucket, error) {
	if !amount.IsPositive() {
		return nil, errs.Invalidf("grant amount %s must be positive", amount)
	}
	b, errEnsure := t.ensureBucket(spec)
	if errEnsure != nil {
		return nil, errEnsure
	}
	if !b.IsDefault() {
		if spec.ExpiresAt != nil && (b.ExpiresAt == nil || spec.ExpiresAt.After(*b.ExpiresAt)) {
			expires := spec.ExpiresAt.UTC()
			b.ExpiresAt = &expires
		}
		if spec.Priority != b.Priority {
			b.Priority = spec.Priority
			sortDrawOrder(t.buckets)
		}
	}
	availBefore, frozenBefore := b.Available, b.Frozen
	b.Available = b.Available.Add(amount)
	b.Granted = b.Granted.Add(amount)
	if errWrite := t.write(b, models.LedgerIncrease, amount, availBefore, frozenBefore, op); errWrite != nil {
		return nil, errWrite
	}
	copied := *b
	return &copied, nil
}

// Deduct consumes amount from one bucket, or from all drawable buckets in draw
// order when bucketKey is empty.
func (t *Tx) Deduct(bucketKey string, amount decimal.Decimal, op Op) ([]models.AuthorizationAllocation, error) {
	if !amount.IsPositive() {
		return nil, errs.Invalidf("deduct amount %s must be positive", amount)
	}
	key := strings.TrimSpace(bucketKey)
	if key == "" {
		return t.Consume(amount, op)
	}
	b, errFind := t.bucketByKey(key)
	if errFind != nil {
		return nil, errFind
	}
	if b == nil {
		return nil, errs.NotFoundf("bucket %s for user %d", key, t.userID)
	}
	return t.consumeFrom([]*models.QuotaBucket{b}, amount, op)
}

// write persists b and appends its ledger record.
func (t *Tx) write(b *models.QuotaBucket, kind models.LedgerKind, amount, availBefore, frozenBefore decimal.Decimal, op Op) error {
	if b.Available.IsNegative() || b.Frozen.IsNegative() || b.Used.IsNegative() {
		return fmt.Errorf("quota: bucket %d would go negative", b.ID)
	}
	b.UpdatedAt = t.now
	res := t.db.Model(&models.QuotaBucket{}).
		Where("id = ?", b.ID).
		Updates(map[string]any{
			"available":  b.Available,
			"frozen":     b.Frozen,
			"used":       b.Used,
			"granted":    b.Granted,
			"priority":   b.Priority,
			"expires_at": b.ExpiresAt,
			"updated_at": b.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update bucket %d: %w", b.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return errors.New("quota: bucket row vanished")
	}

	rec := &models.LedgerRecord{
		UserID:        t.userID,
		BucketID:      b.ID,
		BucketKey:     b.BucketKey,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: availBefore,
		BalanceAfter:  b.Available,
		FrozenBefore:  frozenBefore,
		FrozenAfter:   b.Frozen,
		Reason:        op.Reason,
		CorrelationID: op.CorrelationID,
		CreatedAt:     t.now,
	}
	if strings.TrimSpace(rec.CorrelationID) == "" {
		rec.CorrelationID = t.correlation
	}
	if op.AuthorizationID != "" {
		authID := op.AuthorizationID
		rec.AuthorizationID = &authID
	}
	return ledger.Append(t.db, rec)
}

func sortAllocations(allocations []models.AuthorizationAllocation) {
	sort.SliceStable(allocations, func(i, j int) bool {
		return allocations[i].Seq < allocations[j].Seq
	})
}
