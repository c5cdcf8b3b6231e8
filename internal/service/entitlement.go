package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"digital-fulfillment/internal/model"
	"digital-fulfillment/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type EntitlementService interface {
	// IssueForOrder mints one unbound grant per digital line item and returns
	// only the grants created by this call.
	IssueForOrder(ctx context.Context, tx *gorm.DB, orderID string) ([]*model.AccessGrant, error)
	RevokeForOrder(ctx context.Context, tx *gorm.DB, orderID, revokedBy string) ([]string, error)
	Reissue(ctx context.Context, grantID string, requester Requester) (*model.AccessGrant, error)
	ListForAccount(ctx context.Context, accountID string) ([]*model.AccessGrant, error)
}

type entitlementServiceImpl struct {
	db        *gorm.DB
	orderRepo repository.OrderRepository
	grantRepo repository.GrantRepository
	lifetime  time.Duration
	notify    *dispatcher
	logger    *slog.Logger
	now       func() time.Time
}

func NewEntitlementService(
	db *gorm.DB,
	orderRepo repository.OrderRepository,
	grantRepo repository.GrantRepository,
	lifetime time.Duration,
	notifier Notifier,
	logger *slog.Logger,
) EntitlementService {
	return &entitlementServiceImpl{
		db:        db,
		orderRepo: orderRepo,
		grantRepo: grantRepo,
		lifetime:  lifetime,
		notify:    newDispatcher(notifier, 0, logger),
		logger:    logger,
		now:       time.Now,
	}
}

func (s *entitlementServiceImpl) IssueForOrder(ctx context.Context, tx *gorm.DB, orderID string) ([]*model.AccessGrant, error) {
	order, err := s.orderRepo.FindByID(ctx, tx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find order: %w", err)
	}

	var issued []*model.AccessGrant
	for _, item := range order.DigitalItems() {
		grant, err := s.newGrant(order.BuyerID, order.ID, item.ProductID, 0)
		if err != nil {
			return nil, err
		}

		created, err := s.grantRepo.CreateIfAbsent(ctx, tx, grant)
		if err != nil {
			return nil, fmt.Errorf("create grant: %w", err)
		}
		if !created {
			s.logger.DebugContext(ctx, "grant already issued",
				"order_code", order.Code,
				"product_id", item.ProductID,
			)
			continue
		}
		issued = append(issued, grant)
	}

	if len(issued) > 0 {
		s.logger.InfoContext(ctx, "grants issued",
			"order_code", order.Code,
			"account_id", order.BuyerID,
			"count", len(issued),
		)
	}

	return issued, nil
}

func (s *entitlementServiceImpl) RevokeForOrder(ctx context.Context, tx *gorm.DB, orderID, revokedBy string) ([]string, error) {
	ids, err := s.grantRepo.RevokeByOrder(ctx, tx, orderID, revokedBy)
	if err != nil {
		return nil, fmt.Errorf("revoke grants: %w", err)
	}
	if len(ids) > 0 {
		s.logger.InfoContext(ctx, "grants revoked for order", "order_id", orderID, "count", len(ids), "revoked_by", revokedBy)
	}
	return ids, nil
}

// Reissue revokes a grant and mints its successor, which starts unbound and
// keeps the predecessor's expiry. It is the only way a binding can move to
// another device.
func (s *entitlementServiceImpl) Reissue(ctx context.Context, grantID string, requester Requester) (*model.AccessGrant, error) {
	if !requester.IsAdmin() {
		return nil, ErrForbidden
	}

	var (
		next  *model.AccessGrant
		order *model.Order
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.grantRepo.FindByID(ctx, tx, grantID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("find grant: %w", err)
		}

		order, err = s.orderRepo.FindByID(ctx, tx, current.OrderID)
		if err != nil {
			return fmt.Errorf("find order: %w", err)
		}
		if order.PaymentStatus != model.PaymentPaid && order.PaymentStatus != model.PaymentProcessing {
			return fmt.Errorf("%w: order payment is %s", ErrInvalidStateTransition, order.PaymentStatus)
		}

		if !current.ExpiresAt.After(s.now()) {
			return fmt.Errorf("%w: grant expired", ErrInvalidStateTransition)
		}

		// only the live grant of a line can be reissued
		changed, err := s.grantRepo.Revoke(ctx, tx, current.ID, requester.AccountID)
		if err != nil {
			return fmt.Errorf("revoke grant: %w", err)
		}
		if !changed {
			return fmt.Errorf("%w: grant already revoked", ErrInvalidStateTransition)
		}

		maxGen, err := s.grantRepo.MaxGeneration(ctx, tx, current.OrderID, current.ProductID)
		if err != nil {
			return fmt.Errorf("max generation: %w", err)
		}

		next, err = s.newGrant(current.AccountID, current.OrderID, current.ProductID, maxGen+1)
		if err != nil {
			return err
		}
		// the access window belongs to the purchase, not to the grant
		next.ExpiresAt = current.ExpiresAt
		created, err := s.grantRepo.CreateIfAbsent(ctx, tx, next)
		if err != nil {
			return fmt.Errorf("create grant: %w", err)
		}
		if !created {
			return fmt.Errorf("%w: grant reissued concurrently", ErrInvalidStateTransition)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "grant reissued",
		"previous_grant_id", grantID,
		"grant_id", next.ID,
		"generation", next.Generation,
		"by", requester.AccountID,
	)
	s.notify.send(ctx,
		model.Notification{Type: model.NotificationEntitlementsRevoked, OrderID: order.ID, OrderCode: order.Code, AccountID: next.AccountID, GrantIDs: []string{grantID}, Reason: "reissued"},
		model.Notification{Type: model.NotificationEntitlementsIssued, OrderID: order.ID, OrderCode: order.Code, AccountID: next.AccountID, GrantIDs: []string{next.ID}},
	)

	return next, nil
}

func (s *entitlementServiceImpl) ListForAccount(ctx context.Context, accountID string) ([]*model.AccessGrant, error) {
	grants, err := s.grantRepo.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return grants, nil
}

func (s *entitlementServiceImpl) newGrant(accountID, orderID, productID string, generation int) (*model.AccessGrant, error) {
	token, err := newGrantToken()
	if err != nil {
		return nil, fmt.Errorf("generate grant token: %w", err)
	}

	now := s.now().UTC()
	return &model.AccessGrant{
		ID:         uuid.NewString(),
		Token:      token,
		AccountID:  accountID,
		OrderID:    orderID,
		ProductID:  productID,
		Generation: generation,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.lifetime),
	}, nil
}

// newGrantToken returns 32 random bytes, base64url encoded.
func newGrantToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
