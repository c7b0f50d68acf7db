// Package sweeper runs the scheduled maintenance jobs: the daily expiry notice and the
// reclaim of abandoned pending transactions.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/notify"
	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultSchedule        = "0 10 * * *"
	DefaultReclaimSchedule = "@every 5m"
	DefaultWindowDays      = 7
	DefaultPendingTTL      = 30 * time.Minute
)

var errInvalidSweeperConfig = errors.New("invalid sweeper config")

// Maintenance is the slice of voucher.Service the jobs call.
type Maintenance interface {
	ExpiringByOwner(ctx context.Context, from time.Time, until time.Time) ([]voucher.OwnerVouchers, error)
	ReclaimStale(ctx context.Context, ttl time.Duration) (voucher.ReclaimReport, error)
}

// Config controls both jobs. Zero values fall back to the defaults.
type Config struct {
	Schedule        string
	ReclaimSchedule string
	Location        *time.Location
	WindowDays      int
	PendingTTL      time.Duration
}

// ExpiryReport summarizes one expiry notice run.
type ExpiryReport struct {
	From        time.Time
	Until       time.Time
	Owners      int
	Vouchers    int
	Notified    int
	Unreachable int
	Failed      int
	Groups      []voucher.OwnerVouchers
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger wires a zap logger for job runs.
func WithLogger(logger *zap.Logger) Option {
	return func(sweeper *Sweeper) {
		sweeper.logger = logger
	}
}

// WithClock overrides the clock the expiry window is computed from.
func WithClock(now func() time.Time) Option {
	return func(sweeper *Sweeper) {
		sweeper.now = now
	}
}

// Sweeper owns the cron schedule.
type Sweeper struct {
	maintenance Maintenance
	notifier    notify.Notifier
	config      Config
	logger      *zap.Logger
	now         func() time.Time
}

// New validates the configuration, including both cron expressions.
func New(maintenance Maintenance, notifier notify.Notifier, config Config, options ...Option) (*Sweeper, error) {
	if maintenance == nil {
		return nil, fmt.Errorf("%w: maintenance service is required", errInvalidSweeperConfig)
	}
	if notifier == nil {
		return nil, fmt.Errorf("%w: notifier is required", errInvalidSweeperConfig)
	}
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if config.ReclaimSchedule == "" {
		config.ReclaimSchedule = DefaultReclaimSchedule
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.WindowDays == 0 {
		config.WindowDays = DefaultWindowDays
	}
	if config.WindowDays < 0 {
		return nil, fmt.Errorf("%w: window days must be positive", errInvalidSweeperConfig)
	}
	if config.PendingTTL == 0 {
		config.PendingTTL = DefaultPendingTTL
	}
	if config.PendingTTL < 0 {
		return nil, fmt.Errorf("%w: pending ttl must be positive", errInvalidSweeperConfig)
	}
	for _, schedule := range []string{config.Schedule, config.ReclaimSchedule} {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("%w: schedule %q: %w", errInvalidSweeperConfig, schedule, err)
		}
	}
	sweeper := &Sweeper{
		maintenance: maintenance,
		notifier:    notifier,
		config:      config,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	if sweeper.logger == nil {
		sweeper.logger = zap.NewNop()
	}
	if sweeper.now == nil {
		sweeper.now = time.Now
	}
	return sweeper, nil
}

// Window returns [now, midnight after the last full day of the window) in the
// configured location.
func (sweeper *Sweeper) Window() (time.Time, time.Time) {
	now := sweeper.now().In(sweeper.config.Location)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, sweeper.config.Location)
	return now, startOfDay.AddDate(0, 0, sweeper.config.WindowDays+1)
}

// RunExpiryNotices sends one notice per owner with vouchers expiring in the window.
// A failed delivery does not stop the run; failures are joined into the returned error.
// With dryRun set nothing is sent.
func (sweeper *Sweeper) RunExpiryNotices(ctx context.Context, dryRun bool) (ExpiryReport, error) {
	from, until := sweeper.Window()
	report := ExpiryReport{From: from, Until: until}
	groups, err := sweeper.maintenance.ExpiringByOwner(ctx, from, until)
	if err != nil {
		sweeper.logger.Error("list expiring vouchers", zap.Error(err))
		return report, err
	}
	report.Groups = groups
	report.Owners = len(groups)

	var failures []error
	for _, group := range groups {
		report.Vouchers += len(group.Vouchers)
		if dryRun {
			sweeper.logger.Info("expiry notice (dry run)",
				zap.String("buyer_id", group.Buyer.ID.String()),
				zap.Int("vouchers", len(group.Vouchers)),
			)
			continue
		}
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}
		notifyErr := sweeper.notifier.NotifyExpiring(ctx, group.Buyer, group.Vouchers)
		switch {
		case notifyErr == nil:
			report.Notified++
		case errors.Is(notifyErr, notify.ErrNoRecipient):
			report.Unreachable++
			sweeper.logger.Warn("owner unreachable", zap.String("buyer_id", group.Buyer.ID.String()))
		default:
			report.Failed++
			failures = append(failures, notifyErr)
			sweeper.logger.Error("expiry notice failed",
				zap.String("buyer_id", group.Buyer.ID.String()),
				zap.Error(notifyErr),
			)
		}
	}
	sweeper.logger.Info("expiry sweep finished",
		zap.Bool("dry_run", dryRun),
		zap.Time("from", from),
		zap.Time("until", until),
		zap.Int("owners", report.Owners),
		zap.Int("vouchers", report.Vouchers),
		zap.Int("notified", report.Notified),
		zap.Int("unreachable", report.Unreachable),
		zap.Int("failed", report.Failed),
	)
	return report, errors.Join(failures...)
}

// RunReclaim decides pending transactions older than the configured TTL.
func (sweeper *Sweeper) RunReclaim(ctx context.Context) (voucher.ReclaimReport, error) {
	report, err := sweeper.maintenance.ReclaimStale(ctx, sweeper.config.PendingTTL)
	if err != nil {
		sweeper.logger.Error("reclaim stale transactions", zap.Error(err))
		return report, err
	}
	if report.Scanned > 0 {
		sweeper.logger.Info("reclaimed stale transactions",
			zap.Int("scanned", report.Scanned),
			zap.Int("canceled", report.Canceled),
			zap.Int("committed", report.Committed),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped),
		)
	}
	return report, nil
}

// Start schedules both jobs and blocks until ctx is done, then waits for running jobs.
func (sweeper *Sweeper) Start(ctx context.Context) error {
	cronLog := cronLogger{sugar: sweeper.logger.Sugar()}
	scheduler := cron.New(
		cron.WithLocation(sweeper.config.Location),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := scheduler.AddFunc(sweeper.config.Schedule, func() {
		_, _ = sweeper.RunExpiryNotices(ctx, false)
	}); err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}
	if _, err := scheduler.AddFunc(sweeper.config.ReclaimSchedule, func() {
		_, _ = sweeper.RunReclaim(ctx)
	}); err != nil {
		return fmt.Errorf("schedule reclaim: %w", err)
	}
	scheduler.Start()
	sweeper.logger.Info("sweeper started",
		zap.String("schedule", sweeper.config.Schedule),
		zap.String("reclaim_schedule", sweeper.config.ReclaimSchedule),
		zap.String("location", sweeper.config.Location.String()),
	)
	<-ctx.Done()
	<-scheduler.Stop().Done()
	sweeper.logger.Info("sweeper stopped")
	return nil
}

type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (logger cronLogger) Info(message string, keysAndValues ...interface{}) {
	logger.sugar.Debugw(message, keysAndValues...)
}

func (logger cronLogger) Error(err error, message string, keysAndValues ...interface{}) {
	logger.sugar.Errorw(message, append(keysAndValues, "error", err)...)
}
