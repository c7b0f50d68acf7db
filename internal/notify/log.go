package notify

import (
	"context"

	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"go.uber.org/zap"
)

// LogNotifier records notices in the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (notifier *LogNotifier) NotifyExpiring(ctx context.Context, owner voucher.Buyer, vouchers []voucher.Voucher) error {
	codes := make([]string, 0, len(vouchers))
	for _, item := range vouchers {
		codes = append(codes, item.Code)
	}
	notifier.logger.Info("expiring vouchers",
		zap.String("buyer_id", owner.ID.String()),
		zap.Strings("codes", codes),
		zap.Int("count", len(vouchers)),
	)
	return nil
}
