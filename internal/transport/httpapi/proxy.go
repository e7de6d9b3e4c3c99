package httpapi

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"VisaTracker/internal/domain"
	"VisaTracker/internal/gateway"
)

var proxyMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}

// registerProxyAPI mounts both proxy entry points. /check-status is the
// standalone server variant, /api/check-status the serverless one.
func registerProxyAPI(e *echo.Echo, fwd *gateway.Forwarder, allowed []string) {
	standalone := proxyHandler(fwd, "/check-status", gateway.CORS{AllowedOrigins: allowed, Fallback: gateway.FallbackFirstAllowed})
	e.Match(proxyMethods, "/check-status", standalone)
	e.Match(proxyMethods, "/check-status/*", standalone)

	serverless := proxyHandler(fwd, "/api/check-status", gateway.CORS{AllowedOrigins: allowed, Fallback: gateway.FallbackWildcard})
	e.Match(proxyMethods, "/api/check-status", serverless)
	e.Match(proxyMethods, "/api/check-status/*", serverless)
}

func proxyHandler(fwd *gateway.Forwarder, prefix string, cors gateway.CORS) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		setCORS(c, cors, gateway.AllowedMethods)

		if req.Method == http.MethodOptions {
			return c.NoContent(http.StatusNoContent)
		}

		var body []byte
		if req.Method == http.MethodPost && req.Body != nil {
			raw, err := io.ReadAll(io.LimitReader(req.Body, gateway.MaxBodyBytes+1))
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "cannot read request body").SetInternal(err)
			}
			if len(raw) > gateway.MaxBodyBytes {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
			}
			body = raw
		}

		path := gateway.TaskPath(req.URL.Path, prefix, c.QueryParam("path"))
		resp, err := fwd.Forward(req.Context(), req.Method, path, body)
		if err != nil {
			message := err.Error()
			if derr, ok := err.(*domain.Error); ok {
				message = derr.Message
			}
			return c.JSON(http.StatusInternalServerError, errorBody(message, gateway.ConnectFailedDetails))
		}

		header := c.Response().Header()
		if resp.ContentType != "" {
			header.Set(echo.HeaderContentType, resp.ContentType)
		}
		if resp.ContentLength != "" {
			header.Set(echo.HeaderContentLength, resp.ContentLength)
		}
		c.Response().WriteHeader(resp.StatusCode)
		_, err = c.Response().Write(resp.Body)
		return err
	}
}

func setCORS(c echo.Context, cors gateway.CORS, methods string) {
	req := c.Request()
	header := c.Response().Header()
	if origin := cors.AllowOrigin(req.Header.Get(echo.HeaderOrigin), req.Header.Get("Referer")); origin != "" {
		header.Set(echo.HeaderAccessControlAllowOrigin, origin)
	}
	header.Add(echo.HeaderVary, echo.HeaderOrigin)
	header.Set(echo.HeaderAccessControlAllowMethods, methods)
	header.Set(echo.HeaderAccessControlAllowHeaders, gateway.AllowedHeaders)
}
