package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"digital-fulfillment/internal/client"
	"digital-fulfillment/internal/config"
	"digital-fulfillment/internal/model"
	"digital-fulfillment/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	buyerID = "buyer-1"
	adminID = "admin-1"
)

var (
	buyer = Requester{AccountID: buyerID}
	admin = Requester{AccountID: adminID, Role: RoleAdmin}

	deviceA = ClientIdentity{AccountID: buyerID, IP: "203.0.113.10", UserAgent: "reader/1.0", AcceptLanguage: "en-US", DeviceID: "device-a"}
	deviceB = ClientIdentity{AccountID: buyerID, IP: "198.51.100.7", UserAgent: "reader/2.0", AcceptLanguage: "de-DE", DeviceID: "device-b"}
)

type testEnv struct {
	db          *gorm.DB
	orderRepo   repository.OrderRepository
	txnRepo     repository.PaymentTransactionRepository
	webhookRepo repository.WebhookEventRepository
	grantRepo   repository.GrantRepository

	ledger       LedgerService
	entitlements *entitlementServiceImpl
	payments     *paymentServiceImpl
	validator    *validatorImpl
	delivery     *deliveryServiceImpl

	paypal    *fakePaypalClient
	braintree *fakeBraintreeClient
	notifier  *recordingNotifier
	store     *fakeContentStore
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
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

func seedProducts(t *testing.T, db *gorm.DB) {
	t.Helper()

	products := []model.Product{
		{ID: "ebook-go", Title: "Go in Practice", Price: decimal.RequireFromString("20.00"), Currency: "USD", IsDigital: true, IsPurchasable: true},
		{ID: "course-sql", Title: "SQL Course", Price: decimal.RequireFromString("15.50"), Currency: "USD", IsDigital: true, IsPurchasable: true},
		{ID: "mug", Title: "Gopher Mug", Price: decimal.RequireFromString("9.99"), Currency: "USD", IsDigital: false, IsPurchasable: true},
		{ID: "retired", Title: "Retired Book", Price: decimal.RequireFromString("5.00"), Currency: "USD", IsDigital: true, IsPurchasable: false},
		{ID: "poster-eur", Title: "Poster", Price: decimal.RequireFromString("12.00"), Currency: "EUR", IsDigital: false, IsPurchasable: true},
	}
	require.NoError(t, repository.NewProductRepository(db).Seed(context.Background(), products))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	seedProducts(t, db)
	logger := testLogger()

	env := &testEnv{
		db:          db,
		orderRepo:   repository.NewOrderRepository(db),
		txnRepo:     repository.NewPaymentTransactionRepository(db),
		webhookRepo: repository.NewWebhookEventRepository(db),
		grantRepo:   repository.NewGrantRepository(db),
		paypal:      newFakePaypalClient(),
		braintree:   newFakeBraintreeClient(),
		notifier:    &recordingNotifier{},
		store:       &fakeContentStore{files: map[string]string{"ebook-go": "%PDF go book", "course-sql": "%PDF sql course"}},
	}

	env.ledger = NewLedgerService(db, NewCatalog(repository.NewProductRepository(db)), env.orderRepo, logger)
	env.entitlements = NewEntitlementService(db, env.orderRepo, env.grantRepo, 24*time.Hour, env.notifier, logger).(*entitlementServiceImpl)
	env.payments = NewPaymentService(
		db,
		env.ledger,
		env.entitlements,
		env.orderRepo,
		env.txnRepo,
		env.webhookRepo,
		[]Gateway{NewPaypalGateway(env.paypal), NewBraintreeGateway(env.braintree), NewCODGateway()},
		PaymentConfig{BaseURL: "http://shop.test", GatewayTimeout: time.Second},
		env.notifier,
		logger,
	).(*paymentServiceImpl)

	policy, err := NewOriginPolicy(OriginExact, 0, 0)
	require.NoError(t, err)
	env.validator = NewValidator(env.grantRepo, NewFingerprinter("fp-secret", policy), logger).(*validatorImpl)
	env.delivery = NewDeliveryService(env.validator, env.store, env.grantRepo, false, env.notifier, logger).(*deliveryServiceImpl)

	return env
}

func (e *testEnv) placeOrder(t *testing.T, method model.PaymentMethod, items ...LineItemInput) *Checkout {
	t.Helper()

	in := CreateOrderInput{BuyerID: buyerID, Items: items, PaymentMethod: method}
	for _, item := range items {
		if item.ProductID == "mug" {
			in.ShippingAddress = "1 Gopher Way"
		}
	}
	checkout, err := e.payments.PlaceOrder(context.Background(), in, InitiateParams{})
	require.NoError(t, err)
	return checkout
}

func (e *testEnv) grants(t *testing.T, orderID string) []*model.AccessGrant {
	t.Helper()

	grants, err := e.grantRepo.ListByOrder(context.Background(), nil, orderID)
	require.NoError(t, err)
	return grants
}

func (e *testEnv) order(t *testing.T, orderID string) *model.Order {
	t.Helper()

	order, err := e.ledger.FindByID(context.Background(), orderID)
	require.NoError(t, err)
	return order
}

// paidDigitalOrder places a paypal order for one ebook and settles it by webhook.
func (e *testEnv) paidDigitalOrder(t *testing.T) (*model.Order, *model.AccessGrant) {
	t.Helper()
	ctx := context.Background()

	checkout := e.placeOrder(t, model.PaymentMethodPaypal, LineItemInput{ProductID: "ebook-go", Quantity: 1})
	initiation, err := e.payments.Initiate(ctx, checkout.Order.ID, buyer, InitiateParams{})
	require.NoError(t, err)

	body := paypalCaptureEvent(paypalCaptureCompleted, initiation.CorrelationID, checkout.Order.Code, "20.00", "USD")
	_, err = e.payments.HandleWebhook(ctx, model.PaymentMethodPaypal, http.Header{}, body)
	require.NoError(t, err)

	grants := e.grants(t, checkout.Order.ID)
	require.Len(t, grants, 1)
	return e.order(t, checkout.Order.ID), grants[0]
}

func items(ids ...string) []LineItemInput {
	out := make([]LineItemInput, 0, len(ids))
	for _, id := range ids {
		out = append(out, LineItemInput{ProductID: id, Quantity: 1})
	}
	return out
}

// -------- paypal --------

type fakePaypalClient struct {
	mu           sync.Mutex
	seq          int
	orders       map[string]*model.PaypalOrder
	created      []client.CreateOrderRequest
	captureCalls int
	verifyErr    error
	createErr    error
	// captureValue overrides the captured amount when set.
	captureValue string
	// captureStatus overrides the capture status, COMPLETED by default.
	captureStatus string
	captureErr    error
}

func newFakePaypalClient() *fakePaypalClient {
	return &fakePaypalClient{orders: map[string]*model.PaypalOrder{}}
}

func (f *fakePaypalClient) CreateOrder(_ context.Context, req client.CreateOrderRequest) (*client.CreateOrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}

	f.seq++
	id := fmt.Sprintf("PP-%d", f.seq)
	f.created = append(f.created, req)
	f.orders[id] = &model.PaypalOrder{
		ID:     id,
		Status: "CREATED",
		PurchaseUnits: []model.PurchaseUnit{{
			ReferenceID: req.ReferenceID,
			CustomID:    req.ReferenceID,
			Amount:      &model.Amount{Currency: req.Currency, Value: req.Amount.StringFixed(2)},
		}},
	}
	return &client.CreateOrderResponse{OrderID: id, ApproveURL: "https://paypal.test/approve/" + id}, nil
}

func (f *fakePaypalClient) CaptureOrder(_ context.Context, orderID string) (*model.PaypalOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.captureCalls++
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	order, ok := f.orders[orderID]
	if !ok {
		return nil, &client.APIError{Op: "capture order", StatusCode: http.StatusNotFound}
	}

	unit := &order.PurchaseUnits[0]
	if len(unit.Payments.Captures) == 0 {
		amount := *unit.Amount
		if f.captureValue != "" {
			amount.Value = f.captureValue
		}
		status := "COMPLETED"
		if f.captureStatus != "" {
			status = f.captureStatus
		}
		unit.Payments.Captures = []model.Capture{{
			ID:       "CAP-" + orderID,
			Status:   status,
			CustomID: unit.CustomID,
			Amount:   amount,
		}}
	}
	order.Status = "COMPLETED"
	copied := *order
	return &copied, nil
}

func (f *fakePaypalClient) GetOrder(_ context.Context, orderID string) (*model.PaypalOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	order, ok := f.orders[orderID]
	if !ok {
		return nil, &client.APIError{Op: "get order", StatusCode: http.StatusNotFound}
	}
	copied := *order
	return &copied, nil
}

func (f *fakePaypalClient) VerifyWebhookSignature(context.Context, http.Header, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyErr
}

func paypalCaptureEvent(eventType, paypalOrderID, orderCode, value, currency string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "WH-%s-%s",
		"event_type": %q,
		"resource": {
			"id": "CAP-%s",
			"status": "COMPLETED",
			"custom_id": %q,
			"amount": {"currency_code": %q, "value": %q},
			"supplementary_data": {"related_ids": {"order_id": %q}}
		}
	}`, paypalOrderID, value, eventType, paypalOrderID, orderCode, currency, value, paypalOrderID))
}

// -------- braintree --------

type fakeBraintreeClient struct {
	mu            sync.Mutex
	seq           int
	notifications map[string]*client.BraintreeNotification
	chargeErr     error
}

func newFakeBraintreeClient() *fakeBraintreeClient {
	return &fakeBraintreeClient{notifications: map[string]*client.BraintreeNotification{}}
}

func (f *fakeBraintreeClient) ChargeOneTime(_ context.Context, nonce, orderRef string, _ decimal.Decimal) (*client.BraintreeSale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	f.seq++
	return &client.BraintreeSale{TransactionID: fmt.Sprintf("bt-%d", f.seq), Status: "submitted_for_settlement"}, nil
}

func (f *fakeBraintreeClient) ParseWebhook(signature, _ string) (*client.BraintreeNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.notifications[signature]
	if !ok {
		return nil, errors.New("braintree: signature does not match payload")
	}
	return n, nil
}

// sign registers a notification and returns the form body a webhook would carry.
func (f *fakeBraintreeClient) sign(n *client.BraintreeNotification) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	signature := fmt.Sprintf("sig-%s-%s", n.Kind, n.TransactionID)
	f.notifications[signature] = n
	form := url.Values{"bt_signature": {signature}, "bt_payload": {"payload-" + n.TransactionID}}
	return []byte(form.Encode())
}

// -------- notifier, content --------

type recordingNotifier struct {
	mu   sync.Mutex
	sent []model.Notification
	// err fails every publish after recording the attempt.
	err error
}

func (r *recordingNotifier) Publish(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingNotifier) count(typ model.NotificationType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.sent {
		if s.Type == typ {
			n++
		}
	}
	return n
}

type fakeContentStore struct {
	files map[string]string
	// types overrides the application/pdf default per product.
	types map[string]string
}

func (s *fakeContentStore) Open(_ context.Context, productID string) (*client.ContentObject, error) {
	body, ok := s.files[productID]
	if !ok {
		return nil, client.ErrContentNotFound
	}
	contentType := "application/pdf"
	if t, ok := s.types[productID]; ok {
		contentType = t
	}
	return &client.ContentObject{
		Body:        io.NopCloser(strings.NewReader(body)),
		ContentType: contentType,
		Filename:    productID + ".pdf",
		Size:        int64(len(body)),
	}, nil
}
