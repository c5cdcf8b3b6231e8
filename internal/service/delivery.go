package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"digital-fulfillment/internal/client"
	"digital-fulfillment/internal/model"
	"digital-fulfillment/internal/repository"
)

type ContentStore interface {
	Open(ctx context.Context, productID string) (*client.ContentObject, error)
}

type Content struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
	GrantID     string
	Remaining   time.Duration
}

type DeliveryService interface {
	Serve(ctx context.Context, token string, id ClientIdentity) (*Content, error)
	Revoke(ctx context.Context, grantID string, requester Requester) error
}

type deliveryServiceImpl struct {
	validator Validator
	store     ContentStore
	grantRepo repository.GrantRepository
	watermark bool
	notify    *dispatcher
	logger    *slog.Logger
	now       func() time.Time
}

func NewDeliveryService(
	validator Validator,
	store ContentStore,
	grantRepo repository.GrantRepository,
	watermark bool,
	notifier Notifier,
	logger *slog.Logger,
) DeliveryService {
	return &deliveryServiceImpl{
		validator: validator,
		store:     store,
		grantRepo: grantRepo,
		watermark: watermark,
		notify:    newDispatcher(notifier, 0, logger),
		logger:    logger,
		now:       time.Now,
	}
}

func (s *deliveryServiceImpl) Serve(ctx context.Context, token string, id ClientIdentity) (*Content, error) {
	access, err := s.validator.Validate(ctx, token, id)
	if err != nil {
		if Classify(err) == KindSecurity {
			s.logger.WarnContext(ctx, "content access denied",
				"reason", err.Error(),
				"account_id", id.AccountID,
				"ip", id.IP,
			)
			return nil, ErrAccessDenied
		}
		return nil, err
	}

	grant := access.Grant
	obj, err := s.store.Open(ctx, grant.ProductID)
	if err != nil {
		s.logger.ErrorContext(ctx, "content storage failed",
			"grant_id", grant.ID,
			"product_id", grant.ProductID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %s", ErrContentUnavailable, grant.ProductID)
	}

	body := obj.Body
	if s.watermark && watermarkable(obj.ContentType) {
		body = watermark(body, grant.AccountID, grant.ID, s.now())
	}

	return &Content{
		Body:        body,
		ContentType: obj.ContentType,
		Filename:    obj.Filename,
		GrantID:     grant.ID,
		Remaining:   access.Remaining,
	}, nil
}

// Revoke is idempotent; revoking an already revoked grant succeeds.
func (s *deliveryServiceImpl) Revoke(ctx context.Context, grantID string, requester Requester) error {
	grant, err := s.grantRepo.FindByID(ctx, nil, grantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("find grant: %w", err)
	}
	if grant.AccountID != requester.AccountID && !requester.IsAdmin() {
		return ErrForbidden
	}

	changed, err := s.grantRepo.Revoke(ctx, nil, grantID, requester.AccountID)
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	if !changed {
		return nil
	}

	s.logger.InfoContext(ctx, "grant revoked", "grant_id", grantID, "by", requester.AccountID)
	s.notify.send(ctx, model.Notification{
		Type:      model.NotificationEntitlementsRevoked,
		OrderID:   grant.OrderID,
		AccountID: grant.AccountID,
		GrantIDs:  []string{grantID},
		Reason:    "revoked",
	})

	return nil
}
