package service

import (
	"context"
	"testing"
	"time"

	"digital-fulfillment/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIssueForOrderIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.ledger.CreateOrder(ctx, CreateOrderInput{
		BuyerID:         buyerID,
		Items:           items("ebook-go", "course-sql", "mug"),
		PaymentMethod:   model.PaymentMethodPaypal,
		ShippingAddress: "1 Gopher Way",
	})
	require.NoError(t, err)

	var first, second []*model.AccessGrant
	require.NoError(t, env.db.Transaction(func(tx *gorm.DB) (err error) {
		first, err = env.entitlements.IssueForOrder(ctx, tx, order.ID)
		return err
	}))
	second, err = env.entitlements.IssueForOrder(ctx, nil, order.ID)
	require.NoError(t, err)

	assert.Len(t, first, 2)
	assert.Empty(t, second)
	for _, g := range first {
		assert.Equal(t, buyerID, g.AccountID)
		assert.Equal(t, 0, g.Generation)
		assert.Len(t, g.Token, 43)
		assert.Equal(t, g.IssuedAt.Add(env.entitlements.lifetime), g.ExpiresAt)
	}
	assert.NotEqual(t, first[0].Token, first[1].Token)

	_, err = env.entitlements.IssueForOrder(ctx, nil, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReissueMovesBindingToNewGrant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, grant := env.paidDigitalOrder(t)

	_, err := env.validator.Validate(ctx, grant.Token, deviceA)
	require.NoError(t, err)

	_, err = env.entitlements.Reissue(ctx, grant.ID, buyer)
	assert.ErrorIs(t, err, ErrForbidden)

	next, err := env.entitlements.Reissue(ctx, grant.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, next.Generation)
	assert.False(t, next.IsBound())
	assert.NotEqual(t, grant.Token, next.Token)
	assert.WithinDuration(t, grant.ExpiresAt, next.ExpiresAt, time.Second)

	_, err = env.validator.Validate(ctx, grant.Token, deviceA)
	assert.ErrorIs(t, err, ErrRevoked)

	_, err = env.validator.Validate(ctx, next.Token, deviceB)
	require.NoError(t, err)

	again, err := env.entitlements.Reissue(ctx, next.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Generation)

	listed, err := env.entitlements.ListForAccount(ctx, buyerID)
	require.NoError(t, err)
	assert.Len(t, listed, 3)

	_, err = env.entitlements.Reissue(ctx, "missing", admin)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReissueRefusedAfterRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order, grant := env.paidDigitalOrder(t)

	_, err := env.payments.UpdatePaymentStatus(ctx, order.ID, model.PaymentRefunded, admin)
	require.NoError(t, err)

	_, err = env.entitlements.Reissue(ctx, grant.ID, admin)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestReissueOfRevokedGrantIsRefused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order, grant := env.paidDigitalOrder(t)

	next, err := env.entitlements.Reissue(ctx, grant.ID, admin)
	require.NoError(t, err)

	_, err = env.entitlements.Reissue(ctx, grant.ID, admin)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	var live []*model.AccessGrant
	for _, g := range env.grants(t, order.ID) {
		if !g.Revoked {
			live = append(live, g)
		}
	}
	require.Len(t, live, 1)
	assert.Equal(t, next.ID, live[0].ID)

	// a buyer revoke leaves nothing to reissue from either
	require.NoError(t, env.delivery.Revoke(ctx, next.ID, admin))
	_, err = env.entitlements.Reissue(ctx, next.ID, admin)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestReissueOfExpiredGrantIsRefused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, grant := env.paidDigitalOrder(t)

	later := func() time.Time { return grant.ExpiresAt.Add(time.Minute) }
	env.entitlements.now = later
	env.validator.now = later

	_, err := env.entitlements.Reissue(ctx, grant.ID, admin)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = env.validator.Validate(ctx, grant.Token, deviceA)
	assert.ErrorIs(t, err, ErrExpired)
}
