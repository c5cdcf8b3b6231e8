package handler

import (
	"net/http"
	"strconv"

	"digital-fulfillment/internal/dto"
	"digital-fulfillment/internal/middleware"
	"digital-fulfillment/internal/model"
	"digital-fulfillment/internal/repository"
	"digital-fulfillment/internal/service"

	"github.com/labstack/echo/v4"
)

type OrderHandler struct {
	ledgerService  service.LedgerService
	paymentService service.PaymentService
}

func NewOrderHandler(ledgerService service.LedgerService, paymentService service.PaymentService) *OrderHandler {
	return &OrderHandler{
		ledgerService:  ledgerService,
		paymentService: paymentService,
	}
}

func (h *OrderHandler) Checkout(c echo.Context) error {
	ctx := c.Request().Context()

	requester, err := middleware.RequesterFrom(c)
	if err != nil {
		return err
	}

	var req dto.CreateOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	in := service.CreateOrderInput{
		BuyerID:         requester.AccountID,
		PaymentMethod:   model.PaymentMethod(req.PaymentMethod),
		ShippingAddress: req.ShippingAddress,
	}
	for _, item := range req.Items {
		if item == nil {
			continue
		}
		in.Items = append(in.Items, service.LineItemInput{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	checkout, err := h.paymentService.PlaceOrder(ctx, in, service.InitiateParams{Nonce: req.Nonce})
	if err != nil {
		return err
	}

	resp := &dto.CheckoutResponse{Order: dto.NewOrderResponse(checkout.Order)}
	if checkout.Initiation != nil {
		resp.Payment = paymentResponse(checkout.Initiation)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *OrderHandler) InitiatePayment(c echo.Context) error {
	ctx := c.Request().Context()

	requester, err := middleware.RequesterFrom(c)
	if err != nil {
		return err
	}

	var req dto.InitiatePaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	initiation, err := h.paymentService.Initiate(ctx, c.Param("id"), requester, service.InitiateParams{Nonce: req.Nonce})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, paymentResponse(initiation))
}

func (h *OrderHandler) ListMine(c echo.Context) error {
	ctx := c.Request().Context()

	requester, err := middleware.RequesterFrom(c)
	if err != nil {
		return err
	}

	filter, err := orderFilter(c)
	if err != nil {
		return err
	}

	orders, err := h.ledgerService.ListByBuyer(ctx, requester.AccountID, filter)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.NewOrderListResponse(orders))
}

func (h *OrderHandler) Get(c echo.Context) error {
	return h.getOwned(c, func(id string) (*model.Order, error) {
		return h.ledgerService.FindByID(c.Request().Context(), id)
	}, c.Param("id"))
}

func (h *OrderHandler) GetByCode(c echo.Context) error {
	return h.getOwned(c, func(code string) (*model.Order, error) {
		return h.ledgerService.FindByCode(c.Request().Context(), code)
	}, c.Param("code"))
}

// getOwned hides orders of other buyers behind a 404.
func (h *OrderHandler) getOwned(c echo.Context, find func(string) (*model.Order, error), key string) error {
	requester, err := middleware.RequesterFrom(c)
	if err != nil {
		return err
	}

	order, err := find(key)
	if err != nil {
		return err
	}
	if order.BuyerID != requester.AccountID && !requester.IsAdmin() {
		return service.ErrNotFound
	}

	return c.JSON(http.StatusOK, dto.NewOrderResponse(order))
}

func (h *OrderHandler) AdminList(c echo.Context) error {
	ctx := c.Request().Context()

	filter, err := orderFilter(c)
	if err != nil {
		return err
	}
	filter.BuyerID = c.QueryParam("buyer_id")

	orders, err := h.ledgerService.ListAll(ctx, filter)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.NewOrderListResponse(orders))
}

func (h *OrderHandler) AdminUpdateFulfillment(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.StatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	order, err := h.ledgerService.TransitionFulfillment(ctx, c.Param("id"), model.FulfillmentStatus(req.Status))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.NewOrderResponse(order))
}

func (h *OrderHandler) AdminUpdatePayment(c echo.Context) error {
	ctx := c.Request().Context()

	requester, err := middleware.RequesterFrom(c)
	if err != nil {
		return err
	}

	var req dto.StatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	order, err := h.paymentService.UpdatePaymentStatus(ctx, c.Param("id"), model.PaymentStatus(req.Status), requester)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.NewOrderResponse(order))
}

func orderFilter(c echo.Context) (repository.OrderFilter, error) {
	filter := repository.OrderFilter{
		PaymentStatus:     model.PaymentStatus(c.QueryParam("payment_status")),
		FulfillmentStatus: model.FulfillmentStatus(c.QueryParam("fulfillment_status")),
	}

	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
		}
		*dst = n
	}

	return filter, nil
}

func paymentResponse(in *service.Initiation) *dto.PaymentResponse {
	return &dto.PaymentResponse{
		CorrelationID: in.CorrelationID,
		RedirectURL:   in.RedirectURL,
		Immediate:     in.Immediate,
	}
}
