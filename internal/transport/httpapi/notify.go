package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"VisaTracker/internal/domain"
	"VisaTracker/internal/gateway"
	"VisaTracker/internal/infrastructure/telegram"
)

type notifyRequest struct {
	FullName        string `json:"fullName"`
	Passport        string `json:"passport"`
	StudentID       string `json:"studentId"`
	Birthday        string `json:"birthday"`
	NewStatus       string `json:"newStatus"`
	ApplicationDate string `json:"applicationDate"`
}

func registerNotifyAPI(e *echo.Echo, sender MessageSender, allowed []string) {
	cors := gateway.CORS{AllowedOrigins: allowed, Fallback: gateway.FallbackNone}
	e.Any("/api/notify-telegram", notifyHandler(sender, cors))
}

func notifyHandler(sender MessageSender, cors gateway.CORS) echo.HandlerFunc {
	return func(c echo.Context) error {
		setCORS(c, cors, "POST, OPTIONS")

		switch c.Request().Method {
		case http.MethodOptions:
			return c.NoContent(http.StatusNoContent)
		case http.MethodPost:
		default:
			return domain.ErrMethodNotAllowed
		}

		if sender == nil || !sender.Enabled() {
			return c.JSON(http.StatusInternalServerError,
				errorBody("Missing TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID environment variable", nil))
		}

		var req notifyRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON body").SetInternal(err)
		}

		text := telegram.Compose(telegram.Message{
			FullName:        req.FullName,
			StudentID:       req.StudentID,
			ApplicationDate: req.ApplicationDate,
			Status:          req.NewStatus,
		})

		err := sender.Send(c.Request().Context(), text)
		if err == nil {
			return c.JSON(http.StatusOK, echo.Map{"ok": true})
		}

		var apiErr *telegram.APIError
		if errors.As(err, &apiErr) {
			return c.JSON(http.StatusBadGateway, errorBody("Telegram API request failed", apiErr.Response))
		}
		details := err.Error()
		var derr *domain.Error
		if errors.As(err, &derr) && derr.Details != nil {
			details, _ = derr.Details.(string)
		}
		return c.JSON(http.StatusInternalServerError, errorBody("Failed to send Telegram message", details))
	}
}
