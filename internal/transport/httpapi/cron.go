package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"VisaTracker/internal/domain"
)

func registerCronAPI(e *echo.Echo, runner Runner, secret string, logger *slog.Logger) {
	e.Any("/api/cron-auto-check", cronHandler(runner, secret, logger))
}

func cronHandler(runner Runner, secret string, logger *slog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Method != http.MethodGet {
			return domain.ErrMethodNotAllowed
		}
		if secret != "" {
			got := c.Request().Header.Get(echo.HeaderAuthorization)
			if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+secret)) != 1 {
				return domain.ErrUnauthorized
			}
		}

		// the batch outlives a caller that hangs up
		result, err := runner.RunOnce(context.WithoutCancel(c.Request().Context()))
		switch {
		case errors.Is(err, domain.ErrRunInProgress):
			return c.JSON(http.StatusConflict, echo.Map{"ok": false, "error": domain.ErrRunInProgress.Message})
		case err != nil:
			logger.Error("cron auto-check failed", "error", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"ok": false, "error": err.Error()})
		}
		return c.JSON(http.StatusOK, echo.Map{"ok": true, "checked": result.Checked, "changed": result.Changed})
	}
}
