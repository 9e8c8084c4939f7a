package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/satriahrh/cress/domain"
	"github.com/satriahrh/cress/domain/entities"
	"github.com/satriahrh/cress/internal/auth"
	"github.com/satriahrh/cress/internal/metrics"
	"github.com/satriahrh/cress/internal/voice"
	"github.com/satriahrh/cress/internal/websocket"
	"github.com/satriahrh/cress/usecase"
)

// ChatService is the text chat surface exposed over HTTP
type ChatService interface {
	websocket.ChatService
	Messages() []entities.ChatMessage
}

// Dependencies wires the routes to the services
type Dependencies struct {
	Hub      *websocket.Hub
	Voice    websocket.VoiceController
	Chat     ChatService
	Modes    websocket.ModeService
	Issuer   *auth.Issuer
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type handlers struct {
	Dependencies
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{deps}

	e.Validator = newRequestValidator()
	e.Use(metricsMiddleware(deps.Metrics))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "cress",
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	// API v1 routes
	v1 := e.Group("/api/v1")
	v1.POST("/auth/token", h.issueToken)

	secured := v1.Group("", authMiddleware(deps.Issuer, deps.Logger))

	// Text chat
	secured.GET("/chat/messages", h.listMessages)
	secured.POST("/chat/messages", h.sendMessage)

	// Voice call
	secured.GET("/voice/state", h.voiceState)
	secured.POST("/voice/connect", h.voiceConnect)
	secured.POST("/voice/disconnect", h.voiceDisconnect)

	// Mode
	secured.GET("/mode", h.getMode)
	secured.PUT("/mode", h.setMode)

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocket.HandleWebSocket(deps.Hub, c, clientName(c), deps.Logger)
	}, authMiddleware(deps.Issuer, deps.Logger))
}

func (h *handlers) issueToken(c echo.Context) error {
	var req TokenRequest
	if resp := bindAndValidate(c, &req); resp != nil {
		return badRequest(c, resp)
	}

	token, expiresAt, err := h.Issuer.Issue(req.ClientName)
	if errors.Is(err, auth.ErrAuthDisabled) {
		return c.JSON(http.StatusOK, TokenResponse{AuthEnabled: false})
	}
	if err != nil {
		h.Logger.Error("Failed to generate client token",
			zap.String("client", req.ClientName),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	h.Logger.Info("Client authenticated", zap.String("client", req.ClientName))
	return c.JSON(http.StatusOK, TokenResponse{
		Token:       token,
		ExpiresAt:   &expiresAt,
		AuthEnabled: true,
	})
}

func (h *handlers) listMessages(c echo.Context) error {
	return c.JSON(http.StatusOK, MessagesResponse{Messages: h.Chat.Messages()})
}

// sendMessage streams every mutation of the turn as a server-sent event.
// Errors raised before the first event are plain JSON responses.
func (h *handlers) sendMessage(c echo.Context) error {
	var req SendMessageRequest
	if resp := bindAndValidate(c, &req); resp != nil {
		return badRequest(c, resp)
	}

	res := c.Response()
	started := false
	writeEvent := func(event string, msg entities.ChatMessage) {
		if !started {
			res.Header().Set(echo.HeaderContentType, "text/event-stream")
			res.Header().Set("Cache-Control", "no-cache")
			res.Header().Set("Connection", "keep-alive")
			res.WriteHeader(http.StatusOK)
			started = true
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			return
		}
		fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, payload)
		res.Flush()
	}

	final, err := h.Chat.Send(c.Request().Context(), req.Text, func(msg entities.ChatMessage) {
		writeEvent("message", msg)
	})
	if err != nil {
		if started {
			h.Logger.Warn("Chat stream ended with error", zap.Error(err))
			return nil
		}
		return h.chatError(c, err)
	}

	writeEvent("done", final)
	return nil
}

func (h *handlers) chatError(c echo.Context, err error) error {
	var configErr *domain.ConfigError
	switch {
	case errors.Is(err, usecase.ErrEmptyMessage):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty_message", Message: err.Error()})
	case errors.Is(err, usecase.ErrTurnInProgress):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: "turn_in_progress", Message: err.Error()})
	case errors.As(err, &configErr):
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "config_error", Message: configErr.Message})
	default:
		h.Logger.Error("Chat send failed", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: "chat_failed", Message: err.Error()})
	}
}

func (h *handlers) voiceState(c echo.Context) error {
	return c.JSON(http.StatusOK, VoiceResponse{State: h.Voice.Snapshot()})
}

func (h *handlers) voiceConnect(c echo.Context) error {
	err := h.Voice.Connect(c.Request().Context())
	if err == nil {
		return c.JSON(http.StatusOK, VoiceResponse{State: h.Voice.Snapshot()})
	}

	snapshot := h.Voice.Snapshot()
	message := err.Error()
	if snapshot.Error != nil {
		message = *snapshot.Error
	}

	var configErr *domain.ConfigError
	var permissionErr *domain.PermissionError
	status, code := http.StatusBadGateway, "voice_connect_failed"
	switch {
	case errors.Is(err, voice.ErrConnectInProgress), errors.Is(err, voice.ErrAlreadyConnected):
		status, code = http.StatusConflict, "voice_busy"
	case errors.As(err, &configErr):
		status, code = http.StatusServiceUnavailable, "config_error"
	case errors.As(err, &permissionErr):
		status, code = http.StatusServiceUnavailable, "permission_denied"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusAccepted, "voice_connecting"
	}

	h.Logger.Info("Voice connect did not complete", zap.String("code", code), zap.Error(err))
	return c.JSON(status, ErrorResponse{Error: code, Message: message})
}

func (h *handlers) voiceDisconnect(c echo.Context) error {
	if err := h.Voice.Disconnect(c.Request().Context()); err != nil {
		h.Logger.Error("Voice disconnect failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "voice_disconnect_failed",
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusOK, VoiceResponse{State: h.Voice.Snapshot()})
}

func (h *handlers) getMode(c echo.Context) error {
	return c.JSON(http.StatusOK, ModeResponse{Mode: h.Modes.Mode()})
}

func (h *handlers) setMode(c echo.Context) error {
	var req ModeRequest
	if resp := bindAndValidate(c, &req); resp != nil {
		return badRequest(c, resp)
	}

	if err := h.Modes.SetMode(c.Request().Context(), req.Mode); err != nil {
		h.Logger.Error("Set mode failed", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, usecase.ErrInvalidMode) {
			status = http.StatusBadRequest
		}
		return c.JSON(status, ErrorResponse{Error: "set_mode_failed", Message: err.Error()})
	}

	if h.Hub != nil {
		h.Hub.Broadcast(websocket.CreateModeMessage(h.Modes.Mode()))
	}
	return c.JSON(http.StatusOK, ModeResponse{Mode: h.Modes.Mode()})
}
