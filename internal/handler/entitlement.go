package handler

import (
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"digital-fulfillment/internal/dto"
	"digital-fulfillment/internal/middleware"
	"digital-fulfillment/internal/service"

	"github.com/labstack/echo/v4"
)

const HeaderDeviceID = "X-Device-Id"

type EntitlementHandler struct {
	entitlementService service.EntitlementService
	deliveryService    service.DeliveryService
}

func NewEntitlementHandler(entitlementService service.EntitlementService, deliveryService service.DeliveryService) *EntitlementHandler {
	return &EntitlementHandler{
		entitlementService: entitlementService,
		deliveryService:    deliveryService,
	}
}

func (h *EntitlementHandler) ListMine(c echo.Context) error {
	ctx := c.Request().Context()

	requester, err := middleware.RequesterFrom(c)
	if err != nil {
		return err
	}

	grants, err := h.entitlementService.ListForAccount(ctx, requester.AccountID)
	if err != nil {
		return err
	}

	now := time.Now()
	resp := make([]*dto.GrantResponse, 0, len(grants))
	for _, g := range grants {
		resp = append(resp, dto.NewGrantResponse(g, now, true))
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *EntitlementHandler) Content(c echo.Context) error {
	ctx := c.Request().Context()

	requester, err := middleware.RequesterFrom(c)
	if err != nil {
		return err
	}

	req := c.Request()
	content, err := h.deliveryService.Serve(ctx, c.Param("token"), service.ClientIdentity{
		AccountID:      requester.AccountID,
		IP:             c.RealIP(),
		UserAgent:      req.UserAgent(),
		AcceptLanguage: req.Header.Get("Accept-Language"),
		DeviceID:       req.Header.Get(HeaderDeviceID),
	})
	if err != nil {
		return err
	}
	defer content.Body.Close()

	header := c.Response().Header()
	header.Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": content.Filename}))
	header.Set("Cache-Control", "no-store")
	header.Set("X-Grant-Id", content.GrantID)
	header.Set("X-Grant-Remaining", strconv.FormatInt(int64(content.Remaining/time.Second), 10))

	return c.Stream(http.StatusOK, content.ContentType, content.Body)
}

func (h *EntitlementHandler) Revoke(c echo.Context) error {
	ctx := c.Request().Context()

	requester, err := middleware.RequesterFrom(c)
	if err != nil {
		return err
	}

	if err := h.deliveryService.Revoke(ctx, c.Param("id"), requester); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *EntitlementHandler) Reissue(c echo.Context) error {
	ctx := c.Request().Context()

	requester, err := middleware.RequesterFrom(c)
	if err != nil {
		return err
	}

	grant, err := h.entitlementService.Reissue(ctx, c.Param("id"), requester)
	if err != nil {
		return fmt.Errorf("reissue grant: %w", err)
	}

	return c.JSON(http.StatusCreated, dto.NewGrantResponse(grant, time.Now(), false))
}
