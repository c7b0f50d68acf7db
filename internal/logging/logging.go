// Package logging adapts the domain operation log to zap.
package logging

import (
	"context"

	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"go.uber.org/zap"
)

const statusError = "error"

// ZapOperationLogger writes one structured entry per domain operation. Failed operations
// are logged at warn level; everything else at info.
type ZapOperationLogger struct {
	logger *zap.Logger
}

var _ voucher.OperationLogger = (*ZapOperationLogger)(nil)

func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger.Named("voucher")}
}

func (adapter *ZapOperationLogger) LogOperation(ctx context.Context, entry voucher.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.BuyerID.IsZero() {
		fields = append(fields, zap.String("buyer_id", entry.BuyerID.String()))
	}
	if !entry.TransactionID.IsZero() {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if entry.VoucherCount > 0 {
		fields = append(fields, zap.Int("voucher_count", entry.VoucherCount))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount.Int64()))
	}
	if entry.PriceTier != "" {
		fields = append(fields, zap.String("price_tier", string(entry.PriceTier)))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", string(entry.Outcome)))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	if entry.Status == statusError || entry.Error != nil {
		adapter.logger.Warn("voucher operation", fields...)
		return
	}
	adapter.logger.Info("voucher operation", fields...)
}
