// Package httpserver exposes the provider webhook and the health check over gin.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/gateway/novapay"
	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultListenAddr = ":8080"
	shutdownTimeout   = 5 * time.Second
	webhookPath       = "/api/webhooks/novapay"
)

var errInvalidServerConfig = errors.New("invalid http server config")

// Reconciler applies a provider status delivered by the webhook.
type Reconciler interface {
	ApplyProviderStatus(ctx context.Context, providerSessionID string, status voucher.ProviderStatus) (voucher.ApplyResult, error)
}

// Config aggregates the HTTP surface settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	MerchantID     string
}

// Validate fills defaults and rejects unusable settings.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if strings.TrimSpace(cfg.MerchantID) == "" {
		return fmt.Errorf("%w: merchant id is required", errInvalidServerConfig)
	}
	return nil
}

// Run serves until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, cfg Config, reconciler Reconciler, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           NewRouter(cfg, reconciler, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter wires the routes. Exposed for tests and for embedding in another server.
func NewRouter(cfg Config, reconciler Reconciler, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Content-Type", "Origin", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &webhookHandler{merchantID: cfg.MerchantID, reconciler: reconciler, logger: logger}
	router.POST(webhookPath, handler.handleNotification)
	return router
}

type webhookHandler struct {
	merchantID string
	reconciler Reconciler
	logger     *zap.Logger
}

func (handler *webhookHandler) handleNotification(ctx *gin.Context) {
	body, err := ctx.GetRawData()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	notification, err := novapay.ParseNotification(body)
	if err != nil {
		handler.logger.Warn("malformed webhook", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with session_id"))
		return
	}
	if err := notification.Authenticate(handler.merchantID); err != nil {
		handler.logger.Warn("webhook merchant mismatch",
			zap.String("merchant_id", notification.MerchantID),
			zap.String("session_id", notification.SessionID),
		)
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "merchant mismatch"))
		return
	}

	result, err := handler.reconciler.ApplyProviderStatus(ctx.Request.Context(), notification.SessionID, notification.ProviderStatus())
	if errors.Is(err, voucher.ErrInventoryConflict) && result.Outcome == voucher.OutcomeConflict {
		// The losing payment is already recorded as failed.
		handler.logger.Warn("webhook payment lost inventory race",
			zap.String("session_id", notification.SessionID),
			zap.String("transaction_id", result.Transaction.ID.String()),
			zap.Error(err),
		)
		err = nil
	}
	switch {
	case errors.Is(err, voucher.ErrUnknownTransaction):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown session"))
		return
	case err != nil:
		handler.logger.Error("webhook reconciliation failed",
			zap.String("session_id", notification.SessionID),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "reconciliation failed"))
		return
	}
	handler.logger.Info("webhook processed",
		zap.String("session_id", notification.SessionID),
		zap.String("provider_status", notification.Status),
		zap.String("transaction_id", result.Transaction.ID.String()),
		zap.String("outcome", string(result.Outcome)),
	)
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}
