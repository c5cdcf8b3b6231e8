package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"digital-fulfillment/internal/model"
	"digital-fulfillment/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	orderCodePrefix   = "ORD-"
	orderCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	orderCodeLength   = 6
	orderCodeAttempts = 5
)

type LineItemInput struct {
	ProductID string
	Quantity  int32
}

type CreateOrderInput struct {
	BuyerID         string
	Items           []LineItemInput
	PaymentMethod   model.PaymentMethod
	ShippingAddress string
	Discount        decimal.Decimal
}

// TransitionMeta is logged alongside payment transitions.
type TransitionMeta struct {
	Gateway       model.PaymentMethod
	CorrelationID string
	Reason        string
}

type LedgerService interface {
	CreateOrder(ctx context.Context, in CreateOrderInput) (*model.Order, error)
	TransitionPayment(ctx context.Context, tx *gorm.DB, orderID string, to model.PaymentStatus, meta TransitionMeta) error
	TransitionFulfillment(ctx context.Context, orderID string, to model.FulfillmentStatus) (*model.Order, error)
	FindByID(ctx context.Context, orderID string) (*model.Order, error)
	FindByCode(ctx context.Context, code string) (*model.Order, error)
	ListByBuyer(ctx context.Context, buyerID string, filter repository.OrderFilter) ([]*model.Order, error)
	ListAll(ctx context.Context, filter repository.OrderFilter) ([]*model.Order, error)
}

type ledgerServiceImpl struct {
	db        *gorm.DB
	catalog   Catalog
	orderRepo repository.OrderRepository
	logger    *slog.Logger
}

func NewLedgerService(
	db *gorm.DB,
	catalog Catalog,
	orderRepo repository.OrderRepository,
	logger *slog.Logger,
) LedgerService {
	return &ledgerServiceImpl{
		db:        db,
		catalog:   catalog,
		orderRepo: orderRepo,
		logger:    logger,
	}
}

func (s *ledgerServiceImpl) CreateOrder(ctx context.Context, in CreateOrderInput) (*model.Order, error) {
	if strings.TrimSpace(in.BuyerID) == "" {
		return nil, fmt.Errorf("%w: missing buyer", ErrInvalidInput)
	}
	if !in.PaymentMethod.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, in.PaymentMethod)
	}
	if in.Discount.IsNegative() {
		return nil, fmt.Errorf("%w: negative discount", ErrInvalidInput)
	}

	lines, err := mergeLines(in.Items)
	if err != nil {
		return nil, err
	}

	orderID := uuid.NewString()
	items := make([]model.OrderItem, 0, len(lines))
	subtotal := decimal.Zero
	currency := ""
	for _, line := range lines {
		product, err := s.catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown product %s", ErrInvalidLineItem, line.ProductID)
			}
			return nil, fmt.Errorf("get product: %w", err)
		}
		if !product.IsPurchasable {
			return nil, fmt.Errorf("%w: product %s is not purchasable", ErrInvalidLineItem, product.ID)
		}
		if currency == "" {
			currency = product.Currency
		} else if !strings.EqualFold(currency, product.Currency) {
			return nil, fmt.Errorf("%w: mixed currencies %s and %s", ErrInvalidLineItem, currency, product.Currency)
		}

		item := model.OrderItem{
			OrderID:   orderID,
			ProductID: product.ID,
			Title:     product.Title,
			Quantity:  line.Quantity,
			UnitPrice: product.Price,
			IsDigital: product.IsDigital,
		}
		subtotal = subtotal.Add(item.LineTotal())
		items = append(items, item)
	}

	order := &model.Order{
		ID:                orderID,
		BuyerID:           in.BuyerID,
		PaymentMethod:     in.PaymentMethod,
		PaymentStatus:     model.PaymentPending,
		FulfillmentStatus: model.FulfillmentPending,
		ShippingAddress:   strings.TrimSpace(in.ShippingAddress),
		Subtotal:          subtotal,
		Discount:          in.Discount,
		Total:             decimal.Max(subtotal.Sub(in.Discount), decimal.Zero),
		Currency:          strings.ToUpper(currency),
		Items:             items,
	}
	if order.HasPhysicalItems() && order.ShippingAddress == "" {
		return nil, ErrInvalidShippingAddress
	}

	for attempt := 1; ; attempt++ {
		order.Code, err = newOrderCode()
		if err != nil {
			return nil, fmt.Errorf("generate order code: %w", err)
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.orderRepo.Create(ctx, tx, order); err != nil {
				return fmt.Errorf("store order in db: %w", err)
			}
			if err := s.orderRepo.CreateOrderItems(ctx, tx, order.Items); err != nil {
				return fmt.Errorf("store order items in db: %w", err)
			}
			return nil
		})
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrDuplicate) || attempt == orderCodeAttempts {
			return nil, err
		}
		s.logger.DebugContext(ctx, "order code collision, retrying", "code", order.Code)
	}

	s.logger.InfoContext(ctx, "order created",
		"order_code", order.Code,
		"buyer_id", order.BuyerID,
		"payment_method", order.PaymentMethod,
		"total", order.Total.StringFixed(2),
		"currency", order.Currency,
	)

	return order, nil
}

func (s *ledgerServiceImpl) TransitionPayment(ctx context.Context, tx *gorm.DB, orderID string, to model.PaymentStatus, meta TransitionMeta) error {
	order, err := s.orderRepo.FindByID(ctx, tx, orderID)
	if err != nil {
		return s.notFound(err, "find order")
	}

	from := order.PaymentStatus
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: payment %s -> %s", ErrInvalidStateTransition, from, to)
	}

	if err := s.orderRepo.CompareAndSetPaymentStatus(ctx, tx, orderID, from, to); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			return fmt.Errorf("%w: payment status changed concurrently", ErrInvalidStateTransition)
		}
		return fmt.Errorf("update payment status: %w", err)
	}

	s.logger.InfoContext(ctx, "payment status changed",
		"order_code", order.Code,
		"from", from,
		"to", to,
		"gateway", meta.Gateway,
		"correlation_id", meta.CorrelationID,
		"reason", meta.Reason,
	)

	return nil
}

func (s *ledgerServiceImpl) TransitionFulfillment(ctx context.Context, orderID string, to model.FulfillmentStatus) (*model.Order, error) {
	order, err := s.orderRepo.FindByID(ctx, nil, orderID)
	if err != nil {
		return nil, s.notFound(err, "find order")
	}

	from := order.FulfillmentStatus
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: fulfillment %s -> %s", ErrInvalidStateTransition, from, to)
	}
	if to == model.FulfillmentDelivered &&
		order.PaymentStatus != model.PaymentPaid &&
		order.PaymentMethod != model.PaymentMethodCOD {
		return nil, fmt.Errorf("%w: cannot deliver while payment is %s", ErrInvalidStateTransition, order.PaymentStatus)
	}

	if err := s.orderRepo.CompareAndSetFulfillmentStatus(ctx, nil, orderID, from, to); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			return nil, fmt.Errorf("%w: fulfillment status changed concurrently", ErrInvalidStateTransition)
		}
		return nil, fmt.Errorf("update fulfillment status: %w", err)
	}

	s.logger.InfoContext(ctx, "fulfillment status changed",
		"order_code", order.Code,
		"from", from,
		"to", to,
	)

	order.FulfillmentStatus = to
	return order, nil
}

func (s *ledgerServiceImpl) FindByID(ctx context.Context, orderID string) (*model.Order, error) {
	order, err := s.orderRepo.FindByID(ctx, nil, orderID)
	if err != nil {
		return nil, s.notFound(err, "find order")
	}
	return order, nil
}

func (s *ledgerServiceImpl) FindByCode(ctx context.Context, code string) (*model.Order, error) {
	order, err := s.orderRepo.FindByCode(ctx, strings.ToUpper(code))
	if err != nil {
		return nil, s.notFound(err, "find order by code")
	}
	return order, nil
}

func (s *ledgerServiceImpl) ListByBuyer(ctx context.Context, buyerID string, filter repository.OrderFilter) ([]*model.Order, error) {
	filter.BuyerID = buyerID
	return s.ListAll(ctx, filter)
}

func (s *ledgerServiceImpl) ListAll(ctx context.Context, filter repository.OrderFilter) ([]*model.Order, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	orders, err := s.orderRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

func (s *ledgerServiceImpl) notFound(err error, op string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// mergeLines validates quantities and folds repeated products into one line,
// keeping first-seen order.
func mergeLines(items []LineItemInput) ([]LineItemInput, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", ErrInvalidLineItem)
	}

	index := make(map[string]int, len(items))
	totals := make([]int64, 0, len(items))
	merged := make([]LineItemInput, 0, len(items))
	for _, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: missing product id", ErrInvalidLineItem)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive for %s", ErrInvalidLineItem, productID)
		}

		i, ok := index[productID]
		if !ok {
			index[productID] = len(merged)
			merged = append(merged, LineItemInput{ProductID: productID})
			totals = append(totals, 0)
			i = len(merged) - 1
		}
		totals[i] += int64(item.Quantity)
		if totals[i] > math.MaxInt32 {
			return nil, fmt.Errorf("%w: quantity too large for %s", ErrInvalidLineItem, productID)
		}
	}

	for i := range merged {
		merged[i].Quantity = int32(totals[i])
	}
	return merged, nil
}

func newOrderCode() (string, error) {
	const limit = 256 - 256%len(orderCodeAlphabet)

	out := make([]byte, 0, orderCodeLength)
	buf := make([]byte, orderCodeLength*2)
	for len(out) < orderCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			// reject to keep the distribution uniform
			if int(b) >= limit {
				continue
			}
			out = append(out, orderCodeAlphabet[int(b)%len(orderCodeAlphabet)])
			if len(out) == orderCodeLength {
				break
			}
		}
	}
	return orderCodePrefix + string(out), nil
}
