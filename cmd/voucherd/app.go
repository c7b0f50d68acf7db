package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/config"
	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/gateway/novapay"
	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/logging"
	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/notify"
	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/session"
	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/sweeper"
	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type application struct {
	cfg        config.Config
	logger     *zap.Logger
	service    *voucher.Service
	gateway    *novapay.Client
	location   *time.Location
	closeStore func()
}

func newApplication(ctx context.Context, cfg config.Config, logger *zap.Logger) (*application, error) {
	location, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	fallbackPrice, err := voucher.NewAmountCents(cfg.FallbackPricePerLiterCents)
	if err != nil {
		closeStore()
		return nil, err
	}
	options := []voucher.ServiceOption{
		voucher.WithOperationLogger(logging.NewZapOperationLogger(logger)),
		voucher.WithFallbackPricePerLiter(fallbackPrice),
		voucher.WithMaxQuantity(cfg.MaxQuantity),
	}

	var gateway *novapay.Client
	if cfg.GatewayEnabled() {
		signer, err := novapay.LoadSigner(cfg.NovaPay.PrivateKeyPath, cfg.NovaPay.PrivateKeyPassphrase)
		if err != nil {
			closeStore()
			return nil, fmt.Errorf("novapay signer: %w", err)
		}
		gateway, err = novapay.NewClient(novapay.Config{
			BaseURL:    cfg.NovaPay.BaseURL,
			MerchantID: cfg.NovaPay.MerchantID,
			Timeout:    cfg.NovaPay.Timeout,
		}, signer, novapay.WithLogger(logger))
		if err != nil {
			closeStore()
			return nil, err
		}
		options = append(options, voucher.WithPaymentGateway(gateway))
	} else {
		logger.Warn("novapay is not configured; checkout and webhook are disabled")
	}

	service, err := voucher.NewService(store, time.Now, options...)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("voucher service init: %w", err)
	}
	return &application{
		cfg:        cfg,
		logger:     logger,
		service:    service,
		gateway:    gateway,
		location:   location,
		closeStore: closeStore,
	}, nil
}

func (app *application) Close() {
	app.closeStore()
}

// sessionStore picks Redis when an address is configured. The returned cleanup is a
// periodic sweep for the in-memory store and a no-op for Redis, whose keys expire.
func (app *application) sessionStore() (session.Store, func(), func() error) {
	if app.cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     app.cfg.Redis.Addr,
			Password: app.cfg.Redis.Password,
			DB:       app.cfg.Redis.DB,
		})
		return session.NewRedisStore(client, app.cfg.SessionMaxAge, time.Now), func() {}, client.Close
	}
	memory := session.NewMemoryStore(app.cfg.SessionMaxAge, time.Now)
	cleanup := func() {
		if removed := memory.Cleanup(); removed > 0 {
			app.logger.Debug("expired sessions removed", zap.Int("count", removed))
		}
	}
	return memory, cleanup, func() error { return nil }
}

func (app *application) notifier() (notify.Notifier, error) {
	channels := notify.Fanout{notify.NewLogNotifier(app.logger)}
	if app.cfg.EmailEnabled() {
		mailer, err := notify.NewEmailNotifier(notify.SMTPConfig{
			Host:     app.cfg.SMTP.Host,
			Port:     app.cfg.SMTP.Port,
			User:     app.cfg.SMTP.User,
			Password: app.cfg.SMTP.Password,
			From:     app.cfg.SMTP.From,
		}, app.location)
		if err != nil {
			return nil, err
		}
		channels = append(channels, mailer)
	}
	return channels, nil
}

func (app *application) sweeper() (*sweeper.Sweeper, error) {
	notifier, err := app.notifier()
	if err != nil {
		return nil, err
	}
	return sweeper.New(app.service, notifier, sweeper.Config{
		Schedule:   app.cfg.Sweep.Schedule,
		Location:   app.location,
		WindowDays: app.cfg.Sweep.WindowDays,
		PendingTTL: app.cfg.PendingTTL,
	}, sweeper.WithLogger(app.logger))
}
