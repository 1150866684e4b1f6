package repository

import (
	"context"

	"orderflow/internal/domain/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WebhookGormRepository struct {
	db *gorm.DB
}

func NewWebhookGormRepository(db *gorm.DB) *WebhookGormRepository {
	return &WebhookGormRepository{db: db}
}

// MarkProcessed は一意制約に任せる。衝突したら挿入されず false。
func (r *WebhookGormRepository) MarkProcessed(ctx context.Context, w model.ProcessedWebhook) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedup_key"}}, DoNothing: true}).
		Create(&w)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
