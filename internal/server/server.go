package server

import (
	"context"
	"log/slog"
	"net/http"

	"digital-fulfillment/internal/config"
	"digital-fulfillment/internal/handler"
	authmw "digital-fulfillment/internal/middleware"
	"digital-fulfillment/internal/service"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type Services struct {
	Ledger      service.LedgerService
	Payment     service.PaymentService
	Entitlement service.EntitlementService
	Delivery    service.DeliveryService
}

type Server struct {
	echo               *echo.Echo
	auth               config.Auth
	orderHandler       *handler.OrderHandler
	paymentHandler     *handler.PaymentHandler
	entitlementHandler *handler.EntitlementHandler
}

func NewServer(cfg *config.Config, services Services, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler(logger)

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(c.Request().Context(), level, "request",
				slog.String("method", v.Method),
				slog.String("path", v.URIPath),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
				slog.String("request_id", v.RequestID),
			)
			return nil
		},
	}))
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:               e,
		auth:               cfg.Auth,
		orderHandler:       handler.NewOrderHandler(services.Ledger, services.Payment),
		paymentHandler:     handler.NewPaymentHandler(services.Payment, cfg.Payments.ReturnURL, logger),
		entitlementHandler: handler.NewEntitlementHandler(services.Entitlement, services.Delivery),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// -------- gateway callbacks (authenticated by the gateway, not the buyer) --------
	payments := api.Group("/payments")
	payments.POST("/:gateway/webhook", s.paymentHandler.Webhook)
	payments.GET("/:gateway/:outcome", s.paymentHandler.Redirect)

	auth := authmw.AuthMiddleware(s.auth.Secret, s.auth.Issuer)

	// -------- orders --------
	orders := api.Group("/orders", auth)
	orders.POST("", s.orderHandler.Checkout)
	orders.GET("", s.orderHandler.ListMine)
	orders.GET("/:id", s.orderHandler.Get)
	orders.GET("/code/:code", s.orderHandler.GetByCode)
	orders.POST("/:id/payments", s.orderHandler.InitiatePayment)

	// -------- entitlements --------
	entitlements := api.Group("/entitlements", auth)
	entitlements.GET("", s.entitlementHandler.ListMine)
	entitlements.GET("/:token/content", s.entitlementHandler.Content)
	entitlements.DELETE("/:id", s.entitlementHandler.Revoke)

	// -------- admin --------
	admin := api.Group("/admin", auth, authmw.RequireAdmin())
	admin.GET("/orders", s.orderHandler.AdminList)
	admin.PATCH("/orders/:id/status", s.orderHandler.AdminUpdateFulfillment)
	admin.PATCH("/orders/:id/payment-status", s.orderHandler.AdminUpdatePayment)
	admin.POST("/entitlements/:id/reissue", s.entitlementHandler.Reissue)
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
