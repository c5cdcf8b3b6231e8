package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"digital-fulfillment/internal/client"
	"digital-fulfillment/internal/config"
	"digital-fulfillment/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := client.InitDBClient(config.Database{
		Driver:       "sqlite",
		URL:          fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		MaxIdleConns: 1,
		MaxOpenConns: 1,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newOrder(id, code string) *model.Order {
	return &model.Order{
		ID:                id,
		Code:              code,
		BuyerID:           "buyer-1",
		PaymentMethod:     model.PaymentMethodPaypal,
		PaymentStatus:     model.PaymentPending,
		FulfillmentStatus: model.FulfillmentPending,
		Subtotal:          decimal.NewFromInt(10),
		Total:             decimal.NewFromInt(10),
		Currency:          "USD",
	}
}

func newGrant(id string, generation int) *model.AccessGrant {
	now := time.Now().UTC()
	return &model.AccessGrant{
		ID:         id,
		Token:      "token-" + id,
		AccountID:  "buyer-1",
		OrderID:    "order-1",
		ProductID:  "ebook-go",
		Generation: generation,
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Hour),
	}
}

func TestOrderCodeIsUnique(t *testing.T) {
	repo := NewOrderRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, nil, newOrder("order-1", "ORD-AAAAAA")))
	err := repo.Create(ctx, nil, newOrder("order-2", "ORD-AAAAAA"))
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = repo.FindByCode(ctx, "ORD-ZZZZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrderCompareAndSet(t *testing.T) {
	repo := NewOrderRepository(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, nil, newOrder("order-1", "ORD-AAAAAA")))

	require.NoError(t, repo.CompareAndSetPaymentStatus(ctx, nil, "order-1", model.PaymentPending, model.PaymentProcessing))
	err := repo.CompareAndSetPaymentStatus(ctx, nil, "order-1", model.PaymentPending, model.PaymentProcessing)
	assert.ErrorIs(t, err, ErrStaleState)

	require.NoError(t, repo.CompareAndSetPaymentStatus(ctx, nil, "order-1", model.PaymentProcessing, model.PaymentPaid))
	order, err := repo.FindByID(ctx, nil, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPaid, order.PaymentStatus)
	assert.NotNil(t, order.PaidAt)
}

func TestGrantCreateIfAbsent(t *testing.T) {
	repo := NewGrantRepository(newTestDB(t))
	ctx := context.Background()

	maxGen, err := repo.MaxGeneration(ctx, nil, "order-1", "ebook-go")
	require.NoError(t, err)
	assert.Equal(t, -1, maxGen)

	created, err := repo.CreateIfAbsent(ctx, nil, newGrant("g-1", 0))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateIfAbsent(ctx, nil, newGrant("g-2", 0))
	require.NoError(t, err)
	assert.False(t, created, "same order, product and generation")

	created, err = repo.CreateIfAbsent(ctx, nil, newGrant("g-3", 1))
	require.NoError(t, err)
	assert.True(t, created)

	maxGen, err = repo.MaxGeneration(ctx, nil, "order-1", "ebook-go")
	require.NoError(t, err)
	assert.Equal(t, 1, maxGen)
}

func TestGrantBindIsWriteOnce(t *testing.T) {
	repo := NewGrantRepository(newTestDB(t))
	ctx := context.Background()
	_, err := repo.CreateIfAbsent(ctx, nil, newGrant("g-1", 0))
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, repo.Bind(ctx, "g-1", "fp-a", "203.0.113.10", now))
	assert.ErrorIs(t, repo.Bind(ctx, "g-1", "fp-b", "198.51.100.7", now), ErrStaleState)

	grant, err := repo.FindByToken(ctx, "token-g-1")
	require.NoError(t, err)
	require.NotNil(t, grant.Fingerprint)
	assert.Equal(t, "fp-a", *grant.Fingerprint)

	require.NoError(t, repo.TouchAccess(ctx, "g-1", now))
	require.NoError(t, repo.TouchAccess(ctx, "g-1", now))

	changed, err := repo.Revoke(ctx, nil, "g-1", "admin-1")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = repo.Revoke(ctx, nil, "g-1", "admin-1")
	require.NoError(t, err)
	assert.False(t, changed)

	assert.ErrorIs(t, repo.TouchAccess(ctx, "g-1", now), ErrStaleState)

	grant, err = repo.FindByID(ctx, nil, "g-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), grant.AccessCount)
	assert.Equal(t, "fp-a", *grant.Fingerprint, "revocation keeps the binding")
}

func TestGrantBindRefusedWhenRevoked(t *testing.T) {
	repo := NewGrantRepository(newTestDB(t))
	ctx := context.Background()
	_, err := repo.CreateIfAbsent(ctx, nil, newGrant("g-1", 0))
	require.NoError(t, err)
	_, err = repo.CreateIfAbsent(ctx, nil, newGrant("g-2", 1))
	require.NoError(t, err)

	ids, err := repo.RevokeByOrder(ctx, nil, "order-1", "admin-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g-1", "g-2"}, ids)

	ids, err = repo.RevokeByOrder(ctx, nil, "order-1", "admin-1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.ErrorIs(t, repo.Bind(ctx, "g-1", "fp-a", "203.0.113.10", time.Now()), ErrStaleState)
}

func TestPaymentTransactionCompareAndSet(t *testing.T) {
	repo := NewPaymentTransactionRepository(newTestDB(t))
	ctx := context.Background()

	txn := &model.PaymentTransaction{
		Gateway:       model.PaymentMethodPaypal,
		CorrelationID: "PP-1",
		OrderID:       "order-1",
		Status:        model.TransactionInitiated,
		Amount:        decimal.NewFromInt(10),
		Currency:      "USD",
	}
	created, err := repo.CreateIfAbsent(ctx, nil, txn)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *txn
	dup.ID = 0
	created, err = repo.CreateIfAbsent(ctx, nil, &dup)
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := repo.FindByCorrelation(ctx, nil, model.PaymentMethodPaypal, "PP-1")
	require.NoError(t, err)

	require.NoError(t, repo.CompareAndSetStatus(ctx, nil, stored.ID, model.TransactionInitiated, model.TransactionVerified, ""))
	err = repo.CompareAndSetStatus(ctx, nil, stored.ID, model.TransactionInitiated, model.TransactionFailed, "late")
	assert.ErrorIs(t, err, ErrStaleState)

	_, err = repo.FindByCorrelation(ctx, nil, model.PaymentMethodBraintree, "PP-1")
	assert.ErrorIs(t, err, ErrNotFound)

	txns, err := repo.ListByOrder(ctx, nil, "order-1")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, model.TransactionVerified, txns[0].Status)
	assert.NotNil(t, txns[0].VerifiedAt)
}

func TestWebhookEventRecord(t *testing.T) {
	db := newTestDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()

	event := func() *model.WebhookEvent {
		return &model.WebhookEvent{Provider: model.PaymentMethodPaypal, EventID: "abc", Payload: "{}"}
	}

	first, err := repo.Record(ctx, event())
	require.NoError(t, err)
	assert.True(t, first)

	first, err = repo.Record(ctx, event())
	require.NoError(t, err)
	assert.False(t, first)

	require.NoError(t, repo.MarkProcessed(ctx, model.PaymentMethodPaypal, "abc", "PAYMENT.CAPTURE.COMPLETED", errors.New("tampered payload")))

	var stored model.WebhookEvent
	require.NoError(t, db.First(&stored).Error)
	assert.Equal(t, 2, stored.Deliveries)
	assert.Equal(t, "PAYMENT.CAPTURE.COMPLETED", stored.EventType)
	assert.Equal(t, "tampered payload", stored.ProcessingError)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestProductSeedUpserts(t *testing.T) {
	repo := NewProductRepository(newTestDB(t))
	ctx := context.Background()

	products := []model.Product{{ID: "ebook-go", Title: "Go", Price: decimal.NewFromInt(20), Currency: "USD", IsDigital: true, IsPurchasable: true}}
	require.NoError(t, repo.Seed(ctx, products))

	products[0].Price = decimal.NewFromInt(25)
	products[0].IsPurchasable = false
	require.NoError(t, repo.Seed(ctx, products))

	p, err := repo.FindByID(ctx, "ebook-go")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(25).Equal(p.Price))
	assert.False(t, p.IsPurchasable)

	many, err := repo.FindMany(ctx, []string{"ebook-go", "missing"})
	require.NoError(t, err)
	assert.Len(t, many, 1)
}
