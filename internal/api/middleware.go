package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/cress/internal/auth"
	"github.com/satriahrh/cress/internal/metrics"
)

const claimsKey = "client_claims"

// metricsMiddleware records every request against its route pattern
func metricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				status = httpErr.Code
			}
			endpoint := c.Path()
			if endpoint == "" {
				endpoint = "unmatched"
			}
			m.RecordHTTPRequest(c.Request().Method, endpoint, strconv.Itoa(status), time.Since(start))
			return err
		}
	}
}

// authMiddleware requires a valid client token when auth is enabled. The
// token comes from the Authorization header or, for browsers opening a
// websocket, the token query parameter.
func authMiddleware(issuer *auth.Issuer, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := bearerToken(c.Request().Header.Get("Authorization"))
			if token == "" {
				token = c.QueryParam("token")
			}

			if issuer.Enabled() && token == "" {
				logger.Warn("Request rejected: missing token", zap.String("path", c.Path()))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "missing_token",
					Message: "JWT token is required",
				})
			}

			claims, err := issuer.Validate(token)
			if err != nil {
				logger.Warn("Request rejected: invalid token", zap.Error(err))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "Invalid or expired JWT token",
				})
			}

			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

func bearerToken(header string) string {
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func clientName(c echo.Context) string {
	if claims, ok := c.Get(claimsKey).(*auth.ClientClaims); ok && claims.ClientName != "" {
		return claims.ClientName
	}
	return "anonymous"
}
