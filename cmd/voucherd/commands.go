package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/config"
	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/httpserver"
	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/inventory"
	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/wizard"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const sessionCleanupInterval = 10 * time.Minute

func newLogger() (*zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	sessions, cleanupSessions, closeSessions := app.sessionStore()
	defer func() { _ = closeSessions() }()

	engine, err := wizard.NewEngine(app.service, sessions, wizard.WithLogger(logger))
	if err != nil {
		return err
	}
	maintenance, err := app.sweeper()
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serveGRPC(groupCtx, cfg.GRPCListenAddr, grpcserver.NewServer(grpcserver.NewPurchaseServer(engine, app.service), logger), logger)
	})
	if app.gateway != nil {
		group.Go(func() error {
			return httpserver.Run(groupCtx, httpserver.Config{
				ListenAddr:     cfg.HTTPListenAddr,
				AllowedOrigins: cfg.AllowedOrigins,
				MerchantID:     app.gateway.MerchantID(),
			}, app.service, logger)
		})
	}
	group.Go(func() error {
		return maintenance.Start(groupCtx)
	})
	group.Go(func() error {
		ticker := time.NewTicker(sessionCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				cleanupSessions()
			}
		}
	})
	return group.Wait()
}

func serveGRPC(ctx context.Context, listenAddr string, server *grpc.Server, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listenAddr))
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		server.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func runMigrate(ctx context.Context, cfg config.Config, down bool, out io.Writer) error {
	if !cfg.IsPostgres() {
		if down {
			return errors.New("--down is only supported for PostgreSQL")
		}
		gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database open: %w", err)
		}
		defer func() { _ = cleanup() }()
		if err := prepareSchema(gormDB, driver); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, "sqlite schema up to date")
		return nil
	}
	if down {
		if err := migrations.Down(cfg.DatabaseURL); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, "migrations reverted")
		return nil
	}
	changed, err := migrations.Up(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	version, dirty, err := migrations.Version(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "schema version %d (changed=%t dirty=%t)\n", version, changed, dirty)
	return nil
}

func runImport(ctx context.Context, cfg config.Config, file string, out io.Writer) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	batch, err := inventory.LoadFile(file, app.location)
	if err != nil {
		return err
	}
	report, err := app.service.ImportInventory(ctx, batch)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "imported %d networks, %d fuel types, %d prices, %d vouchers\n",
		report.Networks, report.FuelTypes, report.Prices, report.Vouchers)
	return nil
}

func runSweep(ctx context.Context, cfg config.Config, dryRun bool, out io.Writer) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	maintenance, err := app.sweeper()
	if err != nil {
		return err
	}
	report, sweepErr := maintenance.RunExpiryNotices(ctx, dryRun)
	for _, group := range report.Groups {
		_, _ = fmt.Fprintf(out, "%s (%s):\n", group.Buyer.ID, group.Buyer.DisplayName)
		for _, item := range group.Vouchers {
			_, _ = fmt.Fprintf(out, "  %s %s %s %d L expires %s\n",
				item.Code, item.NetworkID, item.FuelTypeID, item.Volume.Int64(),
				item.ExpiresAt.In(app.location).Format("2006-01-02 15:04"))
		}
	}
	_, _ = fmt.Fprintf(out, "owners=%d vouchers=%d notified=%d unreachable=%d failed=%d\n",
		report.Owners, report.Vouchers, report.Notified, report.Unreachable, report.Failed)
	return sweepErr
}
