package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"VisaTracker/internal/domain"
	"VisaTracker/internal/ports"
	"VisaTracker/internal/usecase"
)

func registerRecordsAPI(g *echo.Group, svc *usecase.RecordService, feed ports.ChangeFeed, logger *slog.Logger) {
	h := recordsHandler{svc: svc, feed: feed, logger: logger}

	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/stream", h.stream)
	g.GET("/:passport", h.get)
	g.PUT("/:passport", h.update)
	g.DELETE("/:passport", h.delete)
	g.POST("/:passport/check", h.check)
}

type recordsHandler struct {
	svc    *usecase.RecordService
	feed   ports.ChangeFeed
	logger *slog.Logger
}

func (h recordsHandler) list(c echo.Context) error {
	result, err := h.svc.List(c.Request().Context(), usecase.ListFilter{
		Search:   c.QueryParam("search"),
		Category: domain.Category(c.QueryParam("category")),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h recordsHandler) create(c echo.Context) error {
	var in usecase.RecordInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	rec, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h recordsHandler) get(c echo.Context) error {
	rec, err := h.svc.Get(c.Request().Context(), c.Param("passport"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (h recordsHandler) update(c echo.Context) error {
	var in usecase.UpdateInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	rec, err := h.svc.Update(c.Request().Context(), c.Param("passport"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (h recordsHandler) delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("passport")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h recordsHandler) check(c echo.Context) error {
	result, err := h.svc.Check(c.Request().Context(), c.Param("passport"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// stream relays the change feed as server-sent events until the client leaves.
func (h recordsHandler) stream(c echo.Context) error {
	if h.feed == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "change feed not supported by the configured store")
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for change, err := range h.feed.Watch(c.Request().Context()) {
		if err != nil {
			h.logger.Warn("record stream interrupted", "error", err)
			return writeEvent(w, "error", echo.Map{"error": err.Error()})
		}
		var payload any = change.Record
		if change.Kind == domain.ChangeSynced {
			payload = echo.Map{}
		}
		if err := writeEvent(w, string(change.Kind), payload); err != nil {
			return nil
		}
	}
	return nil
}

func writeEvent(w *echo.Response, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
