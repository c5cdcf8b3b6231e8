package repository

import (
	"context"
	"digital-fulfillment/internal/model"
	"time"

	"gorm.io/gorm"
)

type OrderFilter struct {
	BuyerID           string
	PaymentStatus     model.PaymentStatus
	FulfillmentStatus model.FulfillmentStatus
	Limit             int
	Offset            int
}

type OrderRepository interface {
	Create(ctx context.Context, tx *gorm.DB, order *model.Order) error
	CreateOrderItems(ctx context.Context, tx *gorm.DB, items []model.OrderItem) error
	FindByID(ctx context.Context, tx *gorm.DB, orderID string) (*model.Order, error)
	FindByCode(ctx context.Context, code string) (*model.Order, error)
	List(ctx context.Context, filter OrderFilter) ([]*model.Order, error)
	// CompareAndSetPaymentStatus moves the payment axis only if it still holds from.
	CompareAndSetPaymentStatus(ctx context.Context, tx *gorm.DB, orderID string, from, to model.PaymentStatus) error
	CompareAndSetFulfillmentStatus(ctx context.Context, tx *gorm.DB, orderID string, from, to model.FulfillmentStatus) error
}

type orderRepoImpl struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepoImpl{
		db: db,
	}
}

func (r *orderRepoImpl) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	return translate(conn(r.db, tx).WithContext(ctx).Omit("Items").Create(order).Error)
}

func (r *orderRepoImpl) CreateOrderItems(ctx context.Context, tx *gorm.DB, items []model.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	return translate(conn(r.db, tx).WithContext(ctx).Create(&items).Error)
}

func (r *orderRepoImpl) FindByID(ctx context.Context, tx *gorm.DB, orderID string) (*model.Order, error) {
	var order model.Order
	err := conn(r.db, tx).WithContext(ctx).
		Preload("Items").
		Where("id = ?", orderID).
		First(&order).Error
	if err != nil {
		return nil, translate(err)
	}

	return &order, nil
}

func (r *orderRepoImpl) FindByCode(ctx context.Context, code string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("code = ?", code).
		First(&order).Error
	if err != nil {
		return nil, translate(err)
	}

	return &order, nil
}

func (r *orderRepoImpl) List(ctx context.Context, filter OrderFilter) ([]*model.Order, error) {
	q := r.db.WithContext(ctx).Preload("Items").Order("created_at DESC")
	if filter.BuyerID != "" {
		q = q.Where("buyer_id = ?", filter.BuyerID)
	}
	if filter.PaymentStatus != "" {
		q = q.Where("payment_status = ?", filter.PaymentStatus)
	}
	if filter.FulfillmentStatus != "" {
		q = q.Where("fulfillment_status = ?", filter.FulfillmentStatus)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var orders []*model.Order
	if err := q.Find(&orders).Error; err != nil {
		return nil, err
	}

	return orders, nil
}

func (r *orderRepoImpl) CompareAndSetPaymentStatus(ctx context.Context, tx *gorm.DB, orderID string, from, to model.PaymentStatus) error {
	now := time.Now()
	updates := map[string]interface{}{
		"payment_status": to,
		"updated_at":     now,
	}
	if to == model.PaymentPaid {
		updates["paid_at"] = now
	}

	result := conn(r.db, tx).WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND payment_status = ?", orderID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleState
	}

	return nil
}

func (r *orderRepoImpl) CompareAndSetFulfillmentStatus(ctx context.Context, tx *gorm.DB, orderID string, from, to model.FulfillmentStatus) error {
	result := conn(r.db, tx).WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND fulfillment_status = ?", orderID, from).
		Updates(map[string]interface{}{
			"fulfillment_status": to,
			"updated_at":         time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleState
	}

	return nil
}
