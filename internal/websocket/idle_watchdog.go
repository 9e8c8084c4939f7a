package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Disconnecter hangs up the voice call
type Disconnecter interface {
	Disconnect(ctx context.Context) error
}

// IdleWatchdog hangs the voice call up once the last UI client has been gone
// for the grace period. A client coming back in time cancels it.
type IdleWatchdog struct {
	voice  Disconnecter
	grace  time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	clients int
	stopped bool
}

// NewIdleWatchdog creates a watchdog. A zero grace disables it.
func NewIdleWatchdog(voice Disconnecter, grace time.Duration, logger *zap.Logger) *IdleWatchdog {
	return &IdleWatchdog{
		voice:  voice,
		grace:  grace,
		logger: logger,
	}
}

// ClientsChanged is called by the hub with the current client count
func (w *IdleWatchdog) ClientsChanged(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	previous := w.clients
	w.clients = n
	if w.stopped || w.grace <= 0 {
		return
	}

	if n > 0 {
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
			w.logger.Debug("Idle disconnect cancelled")
		}
		return
	}

	if previous > 0 && w.timer == nil {
		w.timer = time.AfterFunc(w.grace, w.fire)
		w.logger.Debug("Idle disconnect armed", zap.Duration("grace", w.grace))
	}
}

func (w *IdleWatchdog) fire() {
	w.mu.Lock()
	w.timer = nil
	if w.stopped || w.clients > 0 {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w.logger.Info("No UI clients left, hanging up voice call")
	if err := w.voice.Disconnect(ctx); err != nil {
		w.logger.Error("Idle disconnect failed", zap.Error(err))
	}
}

// Stop cancels a pending disconnect and disables the watchdog
func (w *IdleWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.logger.Info("Idle watchdog stopped")
}
