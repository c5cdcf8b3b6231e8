package repository

import (
	"context"
	"digital-fulfillment/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentTransactionRepository interface {
	// CreateIfAbsent inserts the row unless (gateway, correlation id) exists. It
	// reports whether a row was inserted.
	CreateIfAbsent(ctx context.Context, tx *gorm.DB, txn *model.PaymentTransaction) (bool, error)
	FindByCorrelation(ctx context.Context, tx *gorm.DB, gateway model.PaymentMethod, correlationID string) (*model.PaymentTransaction, error)
	ListByOrder(ctx context.Context, tx *gorm.DB, orderID string) ([]*model.PaymentTransaction, error)
	CompareAndSetStatus(ctx context.Context, tx *gorm.DB, id uint, from, to model.TransactionStatus, reason string) error
}

type paymentTransactionRepoImpl struct {
	db *gorm.DB
}

func NewPaymentTransactionRepository(db *gorm.DB) PaymentTransactionRepository {
	return &paymentTransactionRepoImpl{
		db: db,
	}
}

func (r *paymentTransactionRepoImpl) CreateIfAbsent(ctx context.Context, tx *gorm.DB, txn *model.PaymentTransaction) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway"}, {Name: "correlation_id"}},
			DoNothing: true,
		}).
		Create(txn)
	if result.Error != nil {
		return false, translate(result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (r *paymentTransactionRepoImpl) FindByCorrelation(ctx context.Context, tx *gorm.DB, gateway model.PaymentMethod, correlationID string) (*model.PaymentTransaction, error) {
	var txn model.PaymentTransaction
	err := conn(r.db, tx).WithContext(ctx).
		Where("gateway = ? AND correlation_id = ?", gateway, correlationID).
		First(&txn).Error
	if err != nil {
		return nil, translate(err)
	}

	return &txn, nil
}

func (r *paymentTransactionRepoImpl) ListByOrder(ctx context.Context, tx *gorm.DB, orderID string) ([]*model.PaymentTransaction, error) {
	var txns []*model.PaymentTransaction
	err := conn(r.db, tx).WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id").
		Find(&txns).Error
	if err != nil {
		return nil, err
	}

	return txns, nil
}

func (r *paymentTransactionRepoImpl) CompareAndSetStatus(ctx context.Context, tx *gorm.DB, id uint, from, to model.TransactionStatus, reason string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":         to,
		"failure_reason": reason,
		"updated_at":     now,
	}
	if to.Terminal() {
		updates["verified_at"] = now
	}

	result := conn(r.db, tx).WithContext(ctx).Model(&model.PaymentTransaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleState
	}

	return nil
}
