package repository

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/hermes-inc/hermes/internal/domain/registry"
	"github.com/hermes-inc/hermes/internal/infrastructure/persistence/models"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

type PairwiseRepository struct {
	db  *gorm.DB
	log logger.Interface
}

func NewPairwiseRepository(db *gorm.DB, log logger.Interface) *PairwiseRepository {
	return &PairwiseRepository{db: db, log: log.Named("pairwise")}
}

func pairwiseFromModel(m *models.PairwiseModel) *registry.Pairwise {
	return &registry.Pairwise{
		TheirDID:    m.TheirDID,
		TheirVerkey: m.TheirVerkey,
		MyDID:       m.MyDID,
		MyVerkey:    m.MyVerkey,
		Metadata:    m.Metadata,
		TheirLabel:  m.TheirLabel,
	}
}

// Ensure upserts the pairwise keyed by their DID.
func (r *PairwiseRepository) Ensure(ctx context.Context, p *registry.Pairwise) error {
	var existing models.PairwiseModel
	err := r.db.WithContext(ctx).Where("their_did = ?", p.TheirDID).First(&existing).Error
	switch {
	case err == nil:
		existing.TheirVerkey = p.TheirVerkey
		existing.MyDID = p.MyDID
		existing.MyVerkey = p.MyVerkey
		if p.Metadata != nil {
			existing.Metadata = p.Metadata
		}
		if p.TheirLabel != "" {
			existing.TheirLabel = p.TheirLabel
		}
		if err := r.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return fmt.Errorf("update pairwise: %w", err)
		}
		return nil
	case err == gorm.ErrRecordNotFound:
		row := models.PairwiseModel{
			TheirDID:    p.TheirDID,
			TheirVerkey: p.TheirVerkey,
			MyDID:       p.MyDID,
			MyVerkey:    p.MyVerkey,
			Metadata:    p.Metadata,
			TheirLabel:  p.TheirLabel,
		}
		if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("create pairwise: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("load pairwise: %w", err)
	}
}

func (r *PairwiseRepository) LoadByVerkey(ctx context.Context, theirVerkey string) (*registry.Pairwise, error) {
	var row models.PairwiseModel
	if err := r.db.WithContext(ctx).Where("their_verkey = ?", theirVerkey).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load pairwise by verkey: %w", err)
	}
	return pairwiseFromModel(&row), nil
}

func (r *PairwiseRepository) LoadByDID(ctx context.Context, theirDID string) (*registry.Pairwise, error) {
	var row models.PairwiseModel
	if err := r.db.WithContext(ctx).Where("their_did = ?", theirDID).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load pairwise by did: %w", err)
	}
	return pairwiseFromModel(&row), nil
}

var pairwiseFilterColumns = map[string]string{
	"their_did":  "their_did",
	"their_label": "their_label",
	"my_did":     "my_did",
}

func (r *PairwiseRepository) applyFilters(q *gorm.DB, filters map[string]string) *gorm.DB {
	for name, value := range filters {
		column, ok := pairwiseFilterColumns[name]
		if !ok || value == "" {
			continue
		}
		q = q.Where(fmt.Sprintf("LOWER(%s) LIKE ?", column), "%"+strings.ToLower(value)+"%")
	}
	return q
}

// List returns a page of pairwise records matching the substring filters.
func (r *PairwiseRepository) List(ctx context.Context, filters map[string]string, offset, limit int) ([]registry.Pairwise, error) {
	q := r.applyFilters(r.db.WithContext(ctx).Model(&models.PairwiseModel{}), filters)

	var rows []models.PairwiseModel
	if err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list pairwises: %w", err)
	}
	out := make([]registry.Pairwise, 0, len(rows))
	for i := range rows {
		out = append(out, *pairwiseFromModel(&rows[i]))
	}
	return out, nil
}

func (r *PairwiseRepository) Count(ctx context.Context, filters map[string]string) (int64, error) {
	q := r.applyFilters(r.db.WithContext(ctx).Model(&models.PairwiseModel{}), filters)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return 0, fmt.Errorf("count pairwises: %w", err)
	}
	return total, nil
}
