package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"digital-fulfillment/internal/model"
	"digital-fulfillment/internal/repository"

	"gorm.io/gorm"
)

const duplicatePaymentReason = "duplicate_payment"

type Outcome struct {
	OrderID           string
	OrderCode         string
	PaymentStatus     model.PaymentStatus
	TransactionStatus model.TransactionStatus
	CorrelationID     string
	EventType         string
	GrantsIssued      int
	// Cached is set when the correlation id had already been settled.
	Cached bool
}

type Checkout struct {
	Order      *model.Order
	Initiation *Initiation
}

type PaymentConfig struct {
	BaseURL        string
	GatewayTimeout time.Duration
	NotifyTimeout  time.Duration
}

type PaymentService interface {
	// PlaceOrder creates the order and initiates payment right away for
	// gateways that confirm at checkout.
	PlaceOrder(ctx context.Context, in CreateOrderInput, params InitiateParams) (*Checkout, error)
	Initiate(ctx context.Context, orderID string, requester Requester, params InitiateParams) (*Initiation, error)
	// Verify is the single entry point for webhooks, redirects and internal
	// confirmations. It is idempotent per gateway correlation id.
	Verify(ctx context.Context, method model.PaymentMethod, cb Callback) (*Outcome, error)
	HandleWebhook(ctx context.Context, method model.PaymentMethod, headers http.Header, body []byte) (*Outcome, error)
	HandleRedirect(ctx context.Context, method model.PaymentMethod, outcome string, query url.Values) (*Outcome, error)
	UpdatePaymentStatus(ctx context.Context, orderID string, to model.PaymentStatus, requester Requester) (*model.Order, error)
	Methods() []model.PaymentMethod
}

type paymentServiceImpl struct {
	db               *gorm.DB
	ledger           LedgerService
	entitlements     EntitlementService
	orderRepo        repository.OrderRepository
	txnRepo          repository.PaymentTransactionRepository
	webhookEventRepo repository.WebhookEventRepository
	gateways         map[model.PaymentMethod]Gateway
	cfg              PaymentConfig
	notify           *dispatcher
	logger           *slog.Logger
}

func NewPaymentService(
	db *gorm.DB,
	ledger LedgerService,
	entitlements EntitlementService,
	orderRepo repository.OrderRepository,
	txnRepo repository.PaymentTransactionRepository,
	webhookEventRepo repository.WebhookEventRepository,
	gateways []Gateway,
	cfg PaymentConfig,
	notifier Notifier,
	logger *slog.Logger,
) PaymentService {
	registry := make(map[model.PaymentMethod]Gateway, len(gateways))
	for _, g := range gateways {
		registry[g.Method()] = g
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}

	return &paymentServiceImpl{
		db:               db,
		ledger:           ledger,
		entitlements:     entitlements,
		orderRepo:        orderRepo,
		txnRepo:          txnRepo,
		webhookEventRepo: webhookEventRepo,
		gateways:         registry,
		cfg:              cfg,
		notify:           newDispatcher(notifier, cfg.NotifyTimeout, logger),
		logger:           logger,
	}
}

func (s *paymentServiceImpl) Methods() []model.PaymentMethod {
	methods := make([]model.PaymentMethod, 0, len(s.gateways))
	for m := range s.gateways {
		methods = append(methods, m)
	}
	return methods
}

func (s *paymentServiceImpl) gateway(method model.PaymentMethod) (Gateway, error) {
	g, ok := s.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, method)
	}
	return g, nil
}

func (s *paymentServiceImpl) PlaceOrder(ctx context.Context, in CreateOrderInput, params InitiateParams) (*Checkout, error) {
	g, err := s.gateway(in.PaymentMethod)
	if err != nil {
		return nil, err
	}

	order, err := s.ledger.CreateOrder(ctx, in)
	if err != nil {
		return nil, err
	}

	checkout := &Checkout{Order: order}
	if auto, ok := g.(autoInitiator); !ok || !auto.AutoInitiate() {
		return checkout, nil
	}

	checkout.Initiation, err = s.Initiate(ctx, order.ID, Requester{AccountID: in.BuyerID}, params)
	if err != nil {
		return nil, fmt.Errorf("initiate payment for %s: %w", order.Code, err)
	}
	if checkout.Order, err = s.ledger.FindByID(ctx, order.ID); err != nil {
		return nil, err
	}

	return checkout, nil
}

func (s *paymentServiceImpl) Initiate(ctx context.Context, orderID string, requester Requester, params InitiateParams) (*Initiation, error) {
	order, err := s.ledger.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != requester.AccountID && !requester.IsAdmin() {
		return nil, ErrNotFound
	}

	g, err := s.gateway(order.PaymentMethod)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus != model.PaymentPending && order.PaymentStatus != model.PaymentFailed {
		return nil, fmt.Errorf("%w: payment is %s", ErrInvalidStateTransition, order.PaymentStatus)
	}

	if params.ReturnURL == "" {
		params.ReturnURL = s.callbackURL(g.Method(), "success")
	}
	if params.CancelURL == "" {
		params.CancelURL = s.callbackURL(g.Method(), "cancel")
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	initiation, err := g.Initiate(gctx, order, params)
	if err != nil {
		s.logger.WarnContext(ctx, "payment initiation failed",
			"order_code", order.Code,
			"gateway", g.Method(),
			"error", err,
		)
		return nil, err
	}

	var issued []*model.AccessGrant
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.txnRepo.CreateIfAbsent(ctx, tx, &model.PaymentTransaction{
			Gateway:       g.Method(),
			CorrelationID: initiation.CorrelationID,
			OrderID:       order.ID,
			Status:        model.TransactionInitiated,
			Amount:        order.Total,
			Currency:      order.Currency,
		})
		if err != nil {
			return fmt.Errorf("record payment transaction: %w", err)
		}
		if !initiation.Immediate {
			return nil
		}

		meta := TransitionMeta{Gateway: g.Method(), CorrelationID: initiation.CorrelationID, Reason: "confirmed at checkout"}
		if err := s.ledger.TransitionPayment(ctx, tx, order.ID, model.PaymentProcessing, meta); err != nil {
			return err
		}
		issued, err = s.entitlements.IssueForOrder(ctx, tx, order.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "payment initiated",
		"order_code", order.Code,
		"gateway", g.Method(),
		"correlation_id", initiation.CorrelationID,
		"immediate", initiation.Immediate,
	)
	if len(issued) > 0 {
		s.notify.send(ctx, model.Notification{
			Type:      model.NotificationEntitlementsIssued,
			OrderID:   order.ID,
			OrderCode: order.Code,
			AccountID: order.BuyerID,
			GrantIDs:  grantIDs(issued),
		})
	}

	return initiation, nil
}

func (s *paymentServiceImpl) Verify(ctx context.Context, method model.PaymentMethod, cb Callback) (*Outcome, error) {
	g, err := s.gateway(method)
	if err != nil {
		return nil, err
	}

	correlationID, err := g.Peek(cb)
	if err != nil {
		return nil, rejected(err)
	}
	if correlationID != "" {
		existing, err := s.txnRepo.FindByCorrelation(ctx, nil, method, correlationID)
		switch {
		case err == nil && existing.Status.Terminal():
			return s.cachedOutcome(ctx, existing)
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("find payment transaction: %w", err)
		}
	}

	v, err := g.Verify(ctx, cb)
	if err != nil {
		return nil, rejected(err)
	}
	if v.CorrelationID == "" || !v.Status.Terminal() {
		return nil, fmt.Errorf("%w: no settlement in callback", ErrIgnoredEvent)
	}

	order, err := s.resolveOrder(ctx, method, v)
	if err != nil {
		return nil, err
	}

	if v.Status == model.TransactionVerified {
		if err := matchAmount(order, v); err != nil {
			s.logger.WarnContext(ctx, "payment amount mismatch",
				"order_code", order.Code,
				"gateway", method,
				"correlation_id", v.CorrelationID,
				"error", err,
			)
			return nil, err
		}
	}

	return s.apply(ctx, method, order, v)
}

func (s *paymentServiceImpl) resolveOrder(ctx context.Context, method model.PaymentMethod, v *Verification) (*model.Order, error) {
	if v.OrderRef != "" {
		return s.ledger.FindByCode(ctx, v.OrderRef)
	}

	txn, err := s.txnRepo.FindByCorrelation(ctx, nil, method, v.CorrelationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find payment transaction: %w", err)
	}
	return s.ledger.FindByID(ctx, txn.OrderID)
}

// apply settles one verified callback in a single transaction. The
// transaction row is the idempotency key: whoever moves it out of initiated
// owns the order transition.
func (s *paymentServiceImpl) apply(ctx context.Context, method model.PaymentMethod, order *model.Order, v *Verification) (*Outcome, error) {
	var (
		outcome       *Outcome
		issued        []*model.AccessGrant
		doublePayment bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		amount := order.Total
		if v.Amount != nil {
			amount = *v.Amount
		}
		_, err := s.txnRepo.CreateIfAbsent(ctx, tx, &model.PaymentTransaction{
			Gateway:       method,
			CorrelationID: v.CorrelationID,
			OrderID:       order.ID,
			Status:        model.TransactionInitiated,
			Amount:        amount,
			Currency:      order.Currency,
		})
		if err != nil {
			return fmt.Errorf("record payment transaction: %w", err)
		}

		txn, err := s.txnRepo.FindByCorrelation(ctx, tx, method, v.CorrelationID)
		if err != nil {
			return fmt.Errorf("find payment transaction: %w", err)
		}
		if txn.OrderID != order.ID {
			return fmt.Errorf("%w: correlation id %s belongs to another order", ErrTamperedPayload, v.CorrelationID)
		}

		current, err := s.orderRepo.FindByID(ctx, tx, order.ID)
		if err != nil {
			return fmt.Errorf("find order: %w", err)
		}
		if txn.Status.Terminal() {
			outcome = newOutcome(current, txn, v, true)
			return nil
		}

		if v.Status == model.TransactionVerified &&
			(current.PaymentStatus == model.PaymentPaid || current.PaymentStatus == model.PaymentRefunded) {
			err := s.txnRepo.CompareAndSetStatus(ctx, tx, txn.ID, model.TransactionInitiated, model.TransactionFailed, duplicatePaymentReason)
			if err != nil && !errors.Is(err, repository.ErrStaleState) {
				return fmt.Errorf("refuse duplicate payment: %w", err)
			}
			txn.Status = model.TransactionFailed
			doublePayment = true
			outcome = newOutcome(current, txn, v, false)
			return nil
		}

		err = s.txnRepo.CompareAndSetStatus(ctx, tx, txn.ID, model.TransactionInitiated, v.Status, v.Reason)
		if errors.Is(err, repository.ErrStaleState) {
			if txn, err = s.txnRepo.FindByCorrelation(ctx, tx, method, v.CorrelationID); err != nil {
				return fmt.Errorf("reload payment transaction: %w", err)
			}
			outcome = newOutcome(current, txn, v, true)
			return nil
		}
		if err != nil {
			return fmt.Errorf("settle payment transaction: %w", err)
		}
		txn.Status = v.Status

		meta := TransitionMeta{Gateway: method, CorrelationID: v.CorrelationID, Reason: v.Reason}
		if v.Status == model.TransactionVerified {
			if err := s.advancePayment(ctx, tx, current, model.PaymentPaid, meta); err != nil {
				return err
			}
			if issued, err = s.entitlements.IssueForOrder(ctx, tx, order.ID); err != nil {
				return fmt.Errorf("issue grants: %w", err)
			}
		} else {
			err := s.advancePayment(ctx, tx, current, model.PaymentFailed, meta)
			if err != nil && !errors.Is(err, ErrInvalidStateTransition) {
				return err
			}
		}

		fresh, err := s.orderRepo.FindByID(ctx, tx, order.ID)
		if err != nil {
			return fmt.Errorf("reload order: %w", err)
		}
		outcome = newOutcome(fresh, txn, v, false)
		outcome.GrantsIssued = len(issued)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if doublePayment {
		s.logger.ErrorContext(ctx, "double payment refused",
			"order_code", order.Code,
			"gateway", method,
			"correlation_id", v.CorrelationID,
			"payment_status", outcome.PaymentStatus,
		)
		return outcome, ErrDoublePayment
	}
	if outcome.Cached {
		return outcome, nil
	}

	notifications := []model.Notification{{
		Type:      model.NotificationPaymentConfirmed,
		OrderID:   order.ID,
		OrderCode: order.Code,
		AccountID: order.BuyerID,
	}}
	if v.Status == model.TransactionFailed {
		notifications[0].Type = model.NotificationPaymentFailed
		notifications[0].Reason = v.Reason
	}
	if len(issued) > 0 {
		notifications = append(notifications, model.Notification{
			Type:      model.NotificationEntitlementsIssued,
			OrderID:   order.ID,
			OrderCode: order.Code,
			AccountID: order.BuyerID,
			GrantIDs:  grantIDs(issued),
		})
	}
	s.notify.send(ctx, notifications...)

	return outcome, nil
}

// advancePayment walks the payment axis to target through processing.
func (s *paymentServiceImpl) advancePayment(ctx context.Context, tx *gorm.DB, order *model.Order, target model.PaymentStatus, meta TransitionMeta) error {
	status := order.PaymentStatus
	if status == target {
		return nil
	}
	if status == model.PaymentPending || status == model.PaymentFailed {
		if err := s.ledger.TransitionPayment(ctx, tx, order.ID, model.PaymentProcessing, meta); err != nil {
			return err
		}
	}
	return s.ledger.TransitionPayment(ctx, tx, order.ID, target, meta)
}

func (s *paymentServiceImpl) cachedOutcome(ctx context.Context, txn *model.PaymentTransaction) (*Outcome, error) {
	order, err := s.ledger.FindByID(ctx, txn.OrderID)
	if err != nil {
		return nil, err
	}
	return newOutcome(order, txn, &Verification{CorrelationID: txn.CorrelationID}, true), nil
}

func (s *paymentServiceImpl) HandleWebhook(ctx context.Context, method model.PaymentMethod, headers http.Header, body []byte) (*Outcome, error) {
	if _, err := s.gateway(method); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(body)
	eventID := hex.EncodeToString(sum[:])

	first, err := s.webhookEventRepo.Record(ctx, &model.WebhookEvent{
		Provider: method,
		EventID:  eventID,
		Payload:  string(body),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "record webhook delivery failed", "gateway", method, "error", err)
	} else if !first {
		s.logger.InfoContext(ctx, "webhook redelivered", "gateway", method, "event_id", eventID)
	}

	outcome, verifyErr := s.Verify(ctx, method, Callback{
		Kind:    CallbackWebhook,
		Headers: headers,
		Body:    body,
	})

	eventType := ""
	if outcome != nil {
		eventType = outcome.EventType
	}
	if err := s.webhookEventRepo.MarkProcessed(ctx, method, eventID, eventType, verifyErr); err != nil {
		s.logger.WarnContext(ctx, "mark webhook processed failed", "gateway", method, "error", err)
	}

	s.logCallback(ctx, method, CallbackWebhook, outcome, verifyErr)
	return outcome, verifyErr
}

func (s *paymentServiceImpl) HandleRedirect(ctx context.Context, method model.PaymentMethod, outcome string, query url.Values) (*Outcome, error) {
	switch outcome {
	case "success", "fail", "cancel":
	default:
		return nil, fmt.Errorf("%w: redirect outcome %q", ErrInvalidInput, outcome)
	}

	cb := Callback{
		Kind:    CallbackRedirect,
		Outcome: outcome,
		Query:   query,
	}
	result, err := s.Verify(ctx, method, cb)
	s.logCallback(ctx, method, CallbackRedirect, result, err)
	if errors.Is(err, ErrIgnoredEvent) {
		// nothing settled yet; the buyer still gets the current state
		if current, cerr := s.currentOutcome(ctx, method, cb); cerr == nil {
			return current, nil
		}
	}
	return result, err
}

// currentOutcome reports the stored state for the callback's correlation id
// without settling anything.
func (s *paymentServiceImpl) currentOutcome(ctx context.Context, method model.PaymentMethod, cb Callback) (*Outcome, error) {
	g, err := s.gateway(method)
	if err != nil {
		return nil, err
	}
	correlationID, err := g.Peek(cb)
	if err != nil {
		return nil, err
	}
	txn, err := s.txnRepo.FindByCorrelation(ctx, nil, method, correlationID)
	if err != nil {
		return nil, err
	}
	return s.cachedOutcome(ctx, txn)
}

func (s *paymentServiceImpl) UpdatePaymentStatus(ctx context.Context, orderID string, to model.PaymentStatus, requester Requester) (*model.Order, error) {
	if !requester.IsAdmin() {
		return nil, ErrForbidden
	}
	if !to.Valid() {
		return nil, fmt.Errorf("%w: payment status %q", ErrInvalidInput, to)
	}

	order, err := s.ledger.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	meta := TransitionMeta{Reason: "admin " + requester.AccountID}

	switch {
	case to == model.PaymentPaid && order.PaymentMethod == model.PaymentMethodCOD:
		amount := order.Total
		_, err := s.Verify(ctx, model.PaymentMethodCOD, Callback{
			Kind:     CallbackInternal,
			OrderRef: order.Code,
			Amount:   &amount,
			Currency: order.Currency,
		})
		if err != nil {
			return nil, err
		}

	case to == model.PaymentPaid:
		var issued []*model.AccessGrant
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) (err error) {
			if err = s.ledger.TransitionPayment(ctx, tx, order.ID, model.PaymentPaid, meta); err != nil {
				return err
			}
			issued, err = s.entitlements.IssueForOrder(ctx, tx, order.ID)
			return err
		})
		if err != nil {
			return nil, err
		}
		s.notify.send(ctx,
			model.Notification{Type: model.NotificationPaymentConfirmed, OrderID: order.ID, OrderCode: order.Code, AccountID: order.BuyerID},
			model.Notification{Type: model.NotificationEntitlementsIssued, OrderID: order.ID, OrderCode: order.Code, AccountID: order.BuyerID, GrantIDs: grantIDs(issued)},
		)

	case to == model.PaymentRefunded:
		var revoked []string
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) (err error) {
			if err = s.ledger.TransitionPayment(ctx, tx, order.ID, model.PaymentRefunded, meta); err != nil {
				return err
			}
			revoked, err = s.entitlements.RevokeForOrder(ctx, tx, order.ID, requester.AccountID)
			return err
		})
		if err != nil {
			return nil, err
		}
		s.notify.send(ctx, model.Notification{
			Type:      model.NotificationEntitlementsRevoked,
			OrderID:   order.ID,
			OrderCode: order.Code,
			AccountID: order.BuyerID,
			GrantIDs:  revoked,
			Reason:    "refunded",
		})

	default:
		if err := s.ledger.TransitionPayment(ctx, nil, order.ID, to, meta); err != nil {
			return nil, err
		}
	}

	return s.ledger.FindByID(ctx, orderID)
}

func (s *paymentServiceImpl) callbackURL(method model.PaymentMethod, outcome string) string {
	return fmt.Sprintf("%s/api/payments/%s/%s", strings.TrimRight(s.cfg.BaseURL, "/"), method, outcome)
}

// logCallback logs by taxonomy; callers never see the detail.
func (s *paymentServiceImpl) logCallback(ctx context.Context, method model.PaymentMethod, kind CallbackKind, outcome *Outcome, err error) {
	attrs := []any{"gateway", method, "callback", kind}
	if outcome != nil {
		attrs = append(attrs,
			"order_code", outcome.OrderCode,
			"correlation_id", outcome.CorrelationID,
			"payment_status", outcome.PaymentStatus,
			"cached", outcome.Cached,
		)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}

	switch Classify(err) {
	case "":
		s.logger.InfoContext(ctx, "payment callback processed", attrs...)
	case KindConflict, KindNotFound, KindValidation:
		s.logger.InfoContext(ctx, "payment callback not applied", attrs...)
	case KindSecurity, KindDependency:
		s.logger.WarnContext(ctx, "payment callback rejected", attrs...)
	default:
		s.logger.ErrorContext(ctx, "payment callback failed", attrs...)
	}
}

func newOutcome(order *model.Order, txn *model.PaymentTransaction, v *Verification, cached bool) *Outcome {
	return &Outcome{
		OrderID:           order.ID,
		OrderCode:         order.Code,
		PaymentStatus:     order.PaymentStatus,
		TransactionStatus: txn.Status,
		CorrelationID:     txn.CorrelationID,
		EventType:         v.EventType,
		Cached:            cached,
	}
}

func matchAmount(order *model.Order, v *Verification) error {
	if v.Amount == nil {
		return fmt.Errorf("%w: missing amount", ErrTamperedPayload)
	}
	if !v.Amount.Equal(order.Total) {
		return fmt.Errorf("%w: amount %s does not match order total %s", ErrTamperedPayload, v.Amount.StringFixed(2), order.Total.StringFixed(2))
	}
	if !strings.EqualFold(v.Currency, order.Currency) {
		return fmt.Errorf("%w: currency %q does not match %q", ErrTamperedPayload, v.Currency, order.Currency)
	}
	return nil
}

// rejected keeps retryable and ignorable failures apart from everything
// else a gateway refuses, which is treated as tampering.
func rejected(err error) error {
	if errors.Is(err, ErrIgnoredEvent) ||
		errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrTamperedPayload) ||
		errors.Is(err, ErrPaymentDeclined) ||
		errors.Is(err, ErrInvalidInput) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTamperedPayload, err)
}
