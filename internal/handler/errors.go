package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"digital-fulfillment/internal/dto"
	"digital-fulfillment/internal/service"

	"github.com/labstack/echo/v4"
)

var kindStatus = map[service.Kind]int{
	service.KindValidation: http.StatusBadRequest,
	service.KindConflict:   http.StatusConflict,
	service.KindDependency: http.StatusServiceUnavailable,
	service.KindSecurity:   http.StatusForbidden,
	service.KindIntegrity:  http.StatusConflict,
	service.KindNotFound:   http.StatusNotFound,
	service.KindInternal:   http.StatusInternalServerError,
}

// ErrorHandler renders service errors by kind. Security failures all look
// the same to the caller; the detail only goes to the log.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg, ok := he.Message.(string)
			if !ok {
				msg = http.StatusText(he.Code)
			}
			_ = c.JSON(he.Code, dto.ErrorResponse{Error: msg})
			return
		}

		kind := service.Classify(err)
		status := kindStatus[kind]
		body := dto.ErrorResponse{Error: err.Error()}
		switch kind {
		case service.KindSecurity:
			body.Error = "access denied"
		case service.KindInternal:
			logger.ErrorContext(c.Request().Context(), "request failed",
				"method", c.Request().Method,
				"path", c.Path(),
				"error", err,
			)
			body.Error = "internal error"
		case service.KindDependency:
			body.Error = "service temporarily unavailable"
		}

		_ = c.JSON(status, body)
	}
}
