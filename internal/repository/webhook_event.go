package repository

import (
	"context"
	"digital-fulfillment/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WebhookEventRepository interface {
	// Record stores the delivery, or bumps the delivery counter when the same
	// payload was seen before. It reports whether this was the first delivery.
	Record(ctx context.Context, event *model.WebhookEvent) (bool, error)
	MarkProcessed(ctx context.Context, provider model.PaymentMethod, eventID, eventType string, procErr error) error
}

type webhookEventRepositoryImpl struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepositoryImpl{db: db}
}

func (r *webhookEventRepositoryImpl) Record(ctx context.Context, event *model.WebhookEvent) (bool, error) {
	event.Deliveries = 1
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	err := r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("provider = ? AND event_id = ?", event.Provider, event.EventID).
		Updates(map[string]interface{}{
			"deliveries": gorm.Expr("deliveries + 1"),
			"updated_at": time.Now(),
		}).Error

	return false, err
}

func (r *webhookEventRepositoryImpl) MarkProcessed(ctx context.Context, provider model.PaymentMethod, eventID, eventType string, procErr error) error {
	updates := map[string]interface{}{
		"processed_at":     time.Now(),
		"processing_error": "",
	}
	if eventType != "" {
		updates["event_type"] = eventType
	}
	if procErr != nil {
		updates["processing_error"] = procErr.Error()
	}

	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Updates(updates).Error
}
