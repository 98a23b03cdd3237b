package modelregistry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ModelChecker validates that a model can be authorized.
type ModelChecker interface {
	CheckModel(ctx context.Context, name string) error
}

// Store maintains an in-memory view of registered models backed by the database.
type Store struct {
	db *gorm.DB

	mu sync.RWMutex
	// lower(name) -> model
	byName map[string]models.AIModel
}

// NewStore constructs a Store. Call Load to warm the in-memory view.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, byName: make(map[string]models.AIModel)}
}

// Load replaces the in-memory view with the current table contents.
func (s *Store) Load(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("modelregistry: nil db")
	}
	var rows []models.AIModel
	if errFind := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; errFind != nil {
		return errs.Transient("load models", errFind)
	}
	next := make(map[string]models.AIModel, len(rows))
	for _, row := range rows {
		next[normalize(row.Name)] = row
	}
	s.mu.Lock()
	s.byName = next
	s.mu.Unlock()
	log.Debugf("modelregistry: loaded %d models", len(rows))
	return nil
}

// CheckModel returns errs.ErrNotFound for unknown models and errs.ErrForbidden
// for inactive ones. A miss in memory falls through to the database.
func (s *Store) CheckModel(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errs.Invalidf("model is required")
	}
	model, ok := s.lookup(name)
	if !ok {
		var errLoad error
		model, errLoad = s.loadOne(ctx, name)
		if errLoad != nil {
			return errLoad
		}
	}
	if !model.IsActive {
		return fmt.Errorf("model %q is inactive: %w", name, errs.ErrForbidden)
	}
	return nil
}

// Register inserts the model when missing and refreshes the in-memory entry.
func (s *Store) Register(ctx context.Context, name, provider string) (*models.AIModel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Invalidf("model is required")
	}
	row := models.AIModel{
		Name:     name,
		Provider: strings.ToLower(strings.TrimSpace(provider)),
		IsActive: true,
	}
	errCreate := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&row).Error
	if errCreate != nil {
		return nil, errs.Transient("register model", errCreate)
	}
	model, errLoad := s.loadOne(ctx, name)
	if errLoad != nil {
		return nil, errLoad
	}
	return &model, nil
}

// SetActive toggles a model and updates the in-memory entry.
func (s *Store) SetActive(ctx context.Context, name string, active bool) error {
	name = strings.TrimSpace(name)
	res := s.db.WithContext(ctx).
		Model(&models.AIModel{}).
		Where("name = ?", name).
		Update("is_active", active)
	if res.Error != nil {
		return errs.Transient("update model", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NotFoundf("model %q", name)
	}
	_, errLoad := s.loadOne(ctx, name)
	return errLoad
}

// Snapshot returns the cached models sorted by name.
func (s *Store) Snapshot() []models.AIModel {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	out := make([]models.AIModel, 0, len(s.byName))
	for _, m := range s.byName {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) lookup(name string) (models.AIModel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byName[normalize(name)]
	return m, ok
}

func (s *Store) loadOne(ctx context.Context, name string) (models.AIModel, error) {
	var row models.AIModel
	errFind := s.db.WithContext(ctx).Where("name = ?", name).Take(&row).Error
	switch {
	case errFind == nil:
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		return models.AIModel{}, errs.NotFoundf("model %q", name)
	default:
		return models.AIModel{}, errs.Transient("load model", errFind)
	}
	s.mu.Lock()
	s.byName[normalize(row.Name)] = row
	s.mu.Unlock()
	return row, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
