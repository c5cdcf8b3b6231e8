package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"digital-fulfillment/internal/model"
	"digital-fulfillment/internal/service"

	"github.com/labstack/echo/v4"
)

const maxWebhookBody = 1 << 20

type PaymentHandler struct {
	paymentService service.PaymentService
	returnURL      string
	logger         *slog.Logger
}

func NewPaymentHandler(paymentService service.PaymentService, returnURL string, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		returnURL:      returnURL,
		logger:         logger,
	}
}

// Webhook always acknowledges. Gateways retry on anything else, and a
// rejected payload will not get better by being redelivered.
func (h *PaymentHandler) Webhook(c echo.Context) error {
	ctx := c.Request().Context()
	gateway := model.PaymentMethod(c.Param("gateway"))

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		h.logger.WarnContext(ctx, "read webhook body failed", "gateway", gateway, "error", err)
		return c.NoContent(http.StatusOK)
	}

	if _, err := h.paymentService.HandleWebhook(ctx, gateway, c.Request().Header, body); err != nil &&
		service.Classify(err) == service.KindValidation {
		h.logger.InfoContext(ctx, "webhook for unknown gateway", "gateway", gateway, "error", err)
	}

	return c.NoContent(http.StatusOK)
}

// Redirect verifies the buyer's return from the gateway and forwards them to
// the storefront with the resulting status.
func (h *PaymentHandler) Redirect(c echo.Context) error {
	ctx := c.Request().Context()

	outcome, err := h.paymentService.HandleRedirect(ctx,
		model.PaymentMethod(c.Param("gateway")),
		c.Param("outcome"),
		c.QueryParams(),
	)

	if h.returnURL == "" {
		if err != nil {
			return err
		}
		resp := map[string]string{"status": string(outcome.PaymentStatus)}
		if !outcome.Cached {
			resp["order"] = outcome.OrderCode
		}
		return c.JSON(http.StatusOK, resp)
	}

	params := url.Values{}
	switch {
	case err != nil:
		params.Set("status", "error")
	case outcome.Cached:
		// replays of a settled result carry no order code
		params.Set("status", string(outcome.PaymentStatus))
	default:
		params.Set("order", outcome.OrderCode)
		params.Set("status", string(outcome.PaymentStatus))
	}

	return c.Redirect(http.StatusFound, h.returnURL+"?"+params.Encode())
}
