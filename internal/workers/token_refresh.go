package workers

import (
	"context"
	"time"

	"github.com/cuemby/agent/internal/auth"
	"github.com/cuemby/agent/internal/log"
	"github.com/rs/zerolog"
)

// TokenRefreshSettings governs how proactively the token refresh worker
// renews the bearer token ahead of its own expiry, rather than waiting for
// the syncer to notice it has already expired.
type TokenRefreshSettings struct {
	PollInterval  time.Duration
	RefreshMargin time.Duration
}

// TokenRefreshWorker periodically renews the device's bearer token before
// it expires, independent of whatever triggers a sync pass.
type TokenRefreshWorker struct {
	tokens   *auth.TokenManager
	settings TokenRefreshSettings
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   zerolog.Logger
}

// NewTokenRefreshWorker constructs a TokenRefreshWorker. Call Start to
// begin its loop.
func NewTokenRefreshWorker(tokens *auth.TokenManager, settings TokenRefreshSettings) *TokenRefreshWorker {
	return &TokenRefreshWorker{
		tokens:   tokens,
		settings: settings,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("token-refresh-worker"),
	}
}

// Start refreshes the token immediately if it is already expired, then
// begins the worker's polling loop in a new goroutine.
func (w *TokenRefreshWorker) Start(ctx context.Context) {
	if w.tokens.GetToken().IsExpired(time.Now()) {
		if err := w.tokens.RefreshToken(ctx); err != nil {
			w.logger.Error().Err(err).Msg("failed to refresh expired token at startup")
		}
	}
	go w.run(ctx)
}

// Stop signals the loop to exit and waits for it to do so.
func (w *TokenRefreshWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *TokenRefreshWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	interval := w.settings.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.refreshIfNearingExpiry(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *TokenRefreshWorker) refreshIfNearingExpiry(ctx context.Context) {
	token := w.tokens.GetToken()
	if !token.IsExpired(time.Now().Add(w.settings.RefreshMargin)) {
		return
	}
	if err := w.tokens.RefreshToken(ctx); err != nil {
		w.logger.Error().Err(err).Msg("failed to refresh token ahead of expiry")
	}
}
