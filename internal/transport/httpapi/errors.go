package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"VisaTracker/internal/domain"
)

var kindStatus = map[domain.Kind]int{
	domain.KindUpstreamUnavailable:  http.StatusBadGateway,
	domain.KindUpstreamTimeout:      http.StatusGatewayTimeout,
	domain.KindNotifyDeliveryFailed: http.StatusBadGateway,
	domain.KindConfigMissing:        http.StatusInternalServerError,
	domain.KindUnauthorized:         http.StatusUnauthorized,
	domain.KindMethodNotAllowed:     http.StatusMethodNotAllowed,
	domain.KindValidation:           http.StatusBadRequest,
	domain.KindNotFound:             http.StatusNotFound,
	domain.KindConflict:             http.StatusConflict,
	domain.KindRunInProgress:        http.StatusConflict,
}

// errorBody renders {"error": message} plus "details" when present.
func errorBody(message string, details any) echo.Map {
	body := echo.Map{"error": message}
	if details != nil {
		body["details"] = details
	}
	return body
}

func appHTTPErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var (
			code int
			body echo.Map
		)

		var herr *echo.HTTPError
		var derr *domain.Error
		switch {
		case errors.As(err, &herr):
			if inner, ok := herr.Internal.(*echo.HTTPError); ok {
				herr = inner
			}
			code = herr.Code
			if msg, ok := herr.Message.(string); ok {
				body = errorBody(msg, nil)
			} else {
				body = echo.Map{"error": herr.Message}
			}
		case errors.As(err, &derr):
			code = http.StatusInternalServerError
			if status, ok := kindStatus[derr.Kind]; ok {
				code = status
			}
			body = errorBody(derr.Message, derr.Details)
		default: // any other error is a server error
			code = http.StatusInternalServerError
			body = errorBody(http.StatusText(code), nil)
		}

		if code >= http.StatusInternalServerError {
			logger.Error("request error", "path", c.Path(), "status", code, "error", err)
		}

		if c.Response().Committed {
			return
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, body)
		}
		if err != nil {
			logger.Error("write error response", "error", err)
		}
	}
}
