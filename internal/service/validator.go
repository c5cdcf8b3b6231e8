package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"digital-fulfillment/internal/model"
	"digital-fulfillment/internal/repository"
)

type Access struct {
	Grant     *model.AccessGrant
	Remaining time.Duration
}

type Validator interface {
	Validate(ctx context.Context, token string, id ClientIdentity) (*Access, error)
}

type validatorImpl struct {
	grantRepo     repository.GrantRepository
	fingerprinter *Fingerprinter
	logger        *slog.Logger
	now           func() time.Time
}

func NewValidator(grantRepo repository.GrantRepository, fingerprinter *Fingerprinter, logger *slog.Logger) Validator {
	return &validatorImpl{
		grantRepo:     grantRepo,
		fingerprinter: fingerprinter,
		logger:        logger,
		now:           time.Now,
	}
}

func (v *validatorImpl) Validate(ctx context.Context, token string, id ClientIdentity) (*Access, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	grant, err := v.grantRepo.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("find grant: %w", err)
	}

	if id.AccountID != "" && id.AccountID != grant.AccountID {
		return nil, fmt.Errorf("%w: grant %s belongs to another account", ErrAccessDenied, grant.ID)
	}

	now := v.now()
	if grant.Revoked {
		return nil, ErrRevoked
	}
	if now.After(grant.ExpiresAt) {
		return nil, ErrExpired
	}

	fingerprint, origin, err := v.fingerprinter.Derive(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceMismatch, err)
	}

	if !grant.IsBound() {
		err := v.grantRepo.Bind(ctx, grant.ID, fingerprint, origin, now)
		switch {
		case err == nil:
			grant.Fingerprint = &fingerprint
			grant.BoundOrigin = &origin
			grant.BoundAt = &now
			v.logger.InfoContext(ctx, "grant bound", "grant_id", grant.ID, "account_id", grant.AccountID)
		case errors.Is(err, repository.ErrStaleState):
			// lost the first-use race; judge against the winner's binding
			grant, err = v.grantRepo.FindByID(ctx, nil, grant.ID)
			if err != nil {
				return nil, fmt.Errorf("reload grant: %w", err)
			}
			if grant.Revoked {
				return nil, ErrRevoked
			}
		default:
			return nil, fmt.Errorf("bind grant: %w", err)
		}
	}

	if !v.matches(grant, fingerprint, origin) {
		return nil, ErrDeviceMismatch
	}

	if err := v.grantRepo.TouchAccess(ctx, grant.ID, now); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			return nil, ErrRevoked
		}
		return nil, fmt.Errorf("touch grant: %w", err)
	}
	grant.LastAccessAt = &now
	grant.AccessCount++

	return &Access{
		Grant:     grant,
		Remaining: grant.ExpiresAt.Sub(now),
	}, nil
}

func (v *validatorImpl) matches(grant *model.AccessGrant, fingerprint, origin string) bool {
	if grant.Fingerprint == nil || !fingerprintsEqual(*grant.Fingerprint, fingerprint) {
		return false
	}
	if grant.BoundOrigin == nil {
		return false
	}
	return v.fingerprinter.Policy().Match(*grant.BoundOrigin, origin)
}
