package voucher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ReclaimReport summarizes one stale-pending reclaim pass.
type ReclaimReport struct {
	Scanned   int
	Canceled  int
	Committed int
	Failed    int
	Skipped   int
}

// ReclaimStale decides pending transactions older than ttl. When a provider session
// exists the provider is asked first: a Success or Failed status is reconciled as if
// it had been delivered; otherwise the session is voided and the transaction canceled.
// Transactions whose status cannot be fetched stay pending for the next pass.
func (service *Service) ReclaimStale(ctx context.Context, ttl time.Duration) (ReclaimReport, error) {
	var report ReclaimReport
	if ttl <= 0 {
		return report, fmt.Errorf("%w: ttl must be positive", ErrInvalidServiceConfig)
	}
	cutoff := service.nowFn().Add(-ttl)
	stale, err := service.store.ListStalePending(ctx, cutoff, reclaimBatchSize)
	if err != nil {
		return report, err
	}
	report.Scanned = len(stale)
	for _, transaction := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		outcome, err := service.reclaimOne(ctx, transaction)
		service.logOperation(ctx, OperationLog{
			Operation:     operationReclaimStale,
			BuyerID:       transaction.BuyerID,
			TransactionID: transaction.ID,
			Outcome:       outcome,
			Reason:        ReasonExpired,
			Error:         err,
		})
		switch {
		case err != nil && !errors.Is(err, ErrInventoryConflict):
			report.Skipped++
		case outcome == OutcomeCommitted:
			report.Committed++
		case outcome == OutcomeFailed || outcome == OutcomeConflict:
			report.Failed++
		case outcome == OutcomeAlreadyTerminal:
		default:
			report.Canceled++
		}
	}
	return report, nil
}

func (service *Service) reclaimOne(ctx context.Context, transaction Transaction) (ApplyOutcome, error) {
	if service.gateway != nil && transaction.ProviderSessionID != "" {
		status, err := service.gateway.GetStatus(ctx, transaction.ProviderSessionID)
		if err != nil {
			return "", err
		}
		if MapProviderStatus(status) != TransactionStatusPending {
			result, err := service.Apply(ctx, transaction.ID, status)
			return result.Outcome, err
		}
		if err := service.gateway.Void(ctx, transaction.ProviderSessionID); err != nil {
			return "", err
		}
	}
	_, err := service.CancelTransaction(ctx, transaction.ID, ReasonExpired)
	if errors.Is(err, ErrInvalidTransition) {
		return OutcomeAlreadyTerminal, nil
	}
	return "", err
}

// OwnerVouchers groups expiring vouchers under their owner.
type OwnerVouchers struct {
	Buyer    Buyer
	Vouchers []Voucher
}

// ExpiringByOwner returns owned, unused vouchers expiring in [from, until), one group per owner.
func (service *Service) ExpiringByOwner(ctx context.Context, from time.Time, until time.Time) ([]OwnerVouchers, error) {
	if !until.After(from) {
		return nil, nil
	}
	vouchers, err := service.store.ListExpiringOwned(ctx, from, until)
	if err != nil {
		return nil, err
	}
	grouped := make(map[BuyerID][]Voucher)
	owners := make([]BuyerID, 0)
	for _, owned := range vouchers {
		if owned.OwnerID.IsZero() || owned.IsUsed || !owned.ExpiresAt.After(from) || !owned.ExpiresAt.Before(until) {
			continue
		}
		if _, seen := grouped[owned.OwnerID]; !seen {
			owners = append(owners, owned.OwnerID)
		}
		grouped[owned.OwnerID] = append(grouped[owned.OwnerID], owned)
	}
	sort.Slice(owners, func(left, right int) bool {
		return owners[left].String() < owners[right].String()
	})
	groups := make([]OwnerVouchers, 0, len(owners))
	for _, owner := range owners {
		buyer, err := service.store.GetBuyer(ctx, owner)
		if errors.Is(err, ErrUnknownBuyer) {
			buyer = Buyer{ID: owner}
		} else if err != nil {
			return nil, err
		}
		ownerVouchers := grouped[owner]
		sort.SliceStable(ownerVouchers, func(left, right int) bool {
			return ownerVouchers[left].ExpiresAt.Before(ownerVouchers[right].ExpiresAt)
		})
		groups = append(groups, OwnerVouchers{Buyer: buyer, Vouchers: ownerVouchers})
	}
	return groups, nil
}

// Redeem marks an owned voucher as used.
func (service *Service) Redeem(ctx context.Context, buyerID BuyerID, voucherID VoucherID) (Voucher, error) {
	var redeemed Voucher
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.LockVouchers(ctx, []VoucherID{voucherID})
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownVoucher, voucherID)
		}
		current := locked[0]
		if current.OwnerID != buyerID {
			return ErrVoucherNotOwned
		}
		if current.IsUsed {
			return ErrVoucherAlreadyUsed
		}
		usedAt := service.nowFn().UTC()
		if err := transactionStore.MarkVoucherUsed(ctx, voucherID, buyerID, usedAt); err != nil {
			return err
		}
		current.IsUsed = true
		current.UsedAt = usedAt
		redeemed = current
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationRedeem,
		BuyerID:      buyerID,
		VoucherCount: 1,
		Error:        operationError,
	})
	return redeemed, operationError
}
