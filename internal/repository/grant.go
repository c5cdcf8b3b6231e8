package repository

import (
	"context"
	"digital-fulfillment/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GrantRepository interface {
	// CreateIfAbsent inserts unless (order, product, generation) already exists.
	CreateIfAbsent(ctx context.Context, tx *gorm.DB, grant *model.AccessGrant) (bool, error)
	FindByToken(ctx context.Context, token string) (*model.AccessGrant, error)
	FindByID(ctx context.Context, tx *gorm.DB, grantID string) (*model.AccessGrant, error)
	ListByAccount(ctx context.Context, accountID string) ([]*model.AccessGrant, error)
	ListByOrder(ctx context.Context, tx *gorm.DB, orderID string) ([]*model.AccessGrant, error)
	MaxGeneration(ctx context.Context, tx *gorm.DB, orderID, productID string) (int, error)

	// Bind latches the fingerprint onto an unbound, unrevoked grant. Losing the
	// race returns ErrStaleState.
	Bind(ctx context.Context, grantID, fingerprint, origin string, at time.Time) error
	TouchAccess(ctx context.Context, grantID string, at time.Time) error
	Revoke(ctx context.Context, tx *gorm.DB, grantID, revokedBy string) (bool, error)
	RevokeByOrder(ctx context.Context, tx *gorm.DB, orderID, revokedBy string) ([]string, error)
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
}

type grantRepoImpl struct {
	db *gorm.DB
}

func NewGrantRepository(db *gorm.DB) GrantRepository {
	return &grantRepoImpl{
		db: db,
	}
}

func (r *grantRepoImpl) CreateIfAbsent(ctx context.Context, tx *gorm.DB, grant *model.AccessGrant) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}, {Name: "product_id"}, {Name: "generation"}},
			DoNothing: true,
		}).
		Create(grant)
	if result.Error != nil {
		return false, translate(result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (r *grantRepoImpl) FindByToken(ctx context.Context, token string) (*model.AccessGrant, error) {
	var grant model.AccessGrant
	err := r.db.WithContext(ctx).
		Where("token = ?", token).
		First(&grant).Error
	if err != nil {
		return nil, translate(err)
	}

	return &grant, nil
}

func (r *grantRepoImpl) FindByID(ctx context.Context, tx *gorm.DB, grantID string) (*model.AccessGrant, error) {
	var grant model.AccessGrant
	err := conn(r.db, tx).WithContext(ctx).
		Where("id = ?", grantID).
		First(&grant).Error
	if err != nil {
		return nil, translate(err)
	}

	return &grant, nil
}

func (r *grantRepoImpl) ListByAccount(ctx context.Context, accountID string) ([]*model.AccessGrant, error) {
	var grants []*model.AccessGrant
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("issued_at DESC").
		Find(&grants).Error
	if err != nil {
		return nil, err
	}

	return grants, nil
}

func (r *grantRepoImpl) ListByOrder(ctx context.Context, tx *gorm.DB, orderID string) ([]*model.AccessGrant, error) {
	var grants []*model.AccessGrant
	err := conn(r.db, tx).WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("product_id, generation").
		Find(&grants).Error
	if err != nil {
		return nil, err
	}

	return grants, nil
}

func (r *grantRepoImpl) MaxGeneration(ctx context.Context, tx *gorm.DB, orderID, productID string) (int, error) {
	var max *int
	err := conn(r.db, tx).WithContext(ctx).Model(&model.AccessGrant{}).
		Where("order_id = ? AND product_id = ?", orderID, productID).
		Select("MAX(generation)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return -1, nil
	}

	return *max, nil
}

func (r *grantRepoImpl) Bind(ctx context.Context, grantID, fingerprint, origin string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&model.AccessGrant{}).
		Where("id = ? AND fingerprint IS NULL AND revoked = ?", grantID, false).
		Updates(map[string]interface{}{
			"fingerprint":  fingerprint,
			"bound_origin": origin,
			"bound_at":     at,
			"updated_at":   at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleState
	}

	return nil
}

func (r *grantRepoImpl) TouchAccess(ctx context.Context, grantID string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&model.AccessGrant{}).
		Where("id = ? AND revoked = ?", grantID, false).
		Updates(map[string]interface{}{
			"last_access_at": at,
			"access_count":   gorm.Expr("access_count + 1"),
			"updated_at":     at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleState
	}

	return nil
}

func (r *grantRepoImpl) Revoke(ctx context.Context, tx *gorm.DB, grantID, revokedBy string) (bool, error) {
	now := time.Now()
	result := conn(r.db, tx).WithContext(ctx).Model(&model.AccessGrant{}).
		Where("id = ? AND revoked = ?", grantID, false).
		Updates(map[string]interface{}{
			"revoked":    true,
			"revoked_at": now,
			"revoked_by": revokedBy,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

func (r *grantRepoImpl) RevokeByOrder(ctx context.Context, tx *gorm.DB, orderID, revokedBy string) ([]string, error) {
	db := conn(r.db, tx).WithContext(ctx)

	var ids []string
	err := db.Model(&model.AccessGrant{}).
		Where("order_id = ? AND revoked = ?", orderID, false).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now()
	err = db.Model(&model.AccessGrant{}).
		Where("id IN ? AND revoked = ?", ids, false).
		Updates(map[string]interface{}{
			"revoked":    true,
			"revoked_at": now,
			"revoked_by": revokedBy,
			"updated_at": now,
		}).Error
	if err != nil {
		return nil, err
	}

	return ids, nil
}

func (r *grantRepoImpl) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.AccessGrant{}).
		Where("expired_at IS NULL AND expires_at < ?", now).
		Updates(map[string]interface{}{
			"expired_at": now,
			"updated_at": now,
		})

	return result.RowsAffected, result.Error
}
