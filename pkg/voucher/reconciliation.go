package voucher

import (
	"context"
	"errors"
	"fmt"
)

// Apply maps an external payment status onto the transaction. It is the single
// entry point for both the polling and webhook paths and is idempotent: a decided
// transaction is returned unchanged with OutcomeAlreadyTerminal.
//
// A paid outcome re-verifies every candidate and commits ownership in one storage
// transaction. If any candidate was sold, used or expired in the meantime the
// commit is rolled back, the transaction is marked failed and the returned error
// wraps ErrInventoryConflict.
func (service *Service) Apply(ctx context.Context, transactionID TransactionID, status ProviderStatus) (ApplyResult, error) {
	result, operationError := service.apply(ctx, transactionID, MapProviderStatus(status))
	service.logOperation(ctx, OperationLog{
		Operation:     operationApply,
		BuyerID:       result.Transaction.BuyerID,
		TransactionID: transactionID,
		VoucherCount:  len(result.Transaction.CandidateVoucherIDs),
		Amount:        result.Transaction.TotalAmount,
		Outcome:       result.Outcome,
		Reason:        string(status),
		Error:         operationError,
	})
	return result, operationError
}

func (service *Service) apply(ctx context.Context, transactionID TransactionID, target TransactionStatus) (ApplyResult, error) {
	var result ApplyResult
	commitError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		transaction, err := transactionStore.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if transaction.Status.IsTerminal() {
			result = ApplyResult{Outcome: OutcomeAlreadyTerminal, Transaction: transaction}
			return nil
		}
		switch target {
		case TransactionStatusPaid:
			committed, err := service.commitPaid(ctx, transactionStore, transaction)
			if err != nil {
				return err
			}
			result = ApplyResult{Outcome: OutcomeCommitted, Transaction: committed}
			return nil
		case TransactionStatusFailed:
			decision := TransactionDecision{
				Status:    TransactionStatusFailed,
				Reason:    ReasonProviderFailed,
				DecidedAt: service.nowFn().UTC(),
			}
			if err := transactionStore.DecideTransaction(ctx, transactionID, decision); err != nil {
				return err
			}
			result = ApplyResult{Outcome: OutcomeFailed, Transaction: applyDecision(transaction, decision)}
			return nil
		default:
			result = ApplyResult{Outcome: OutcomePending, Transaction: transaction}
			return nil
		}
	})
	if commitError == nil {
		return result, nil
	}
	if !errors.Is(commitError, ErrInventoryConflict) {
		return ApplyResult{}, commitError
	}
	return service.recordConflict(ctx, transactionID, commitError)
}

// commitPaid runs inside the caller's storage transaction.
func (service *Service) commitPaid(ctx context.Context, transactionStore Store, transaction Transaction) (Transaction, error) {
	now := service.nowFn().UTC()
	candidates := transaction.CandidateVoucherIDs
	locked, err := transactionStore.LockVouchers(ctx, candidates)
	if err != nil {
		return Transaction{}, err
	}
	byID := make(map[VoucherID]Voucher, len(locked))
	for _, lockedVoucher := range locked {
		byID[lockedVoucher.ID] = lockedVoucher
	}
	for _, candidate := range candidates {
		lockedVoucher, found := byID[candidate]
		if !found {
			return Transaction{}, fmt.Errorf("%w: voucher %s missing", ErrInventoryConflict, candidate)
		}
		if !lockedVoucher.IsAvailableAt(now) {
			return Transaction{}, fmt.Errorf("%w: voucher %s no longer available", ErrInventoryConflict, candidate)
		}
	}
	for _, candidate := range candidates {
		if err := transactionStore.AssignVoucher(ctx, candidate, transaction.BuyerID, now); err != nil {
			return Transaction{}, err
		}
		row := TransactionVoucher{
			TransactionID:   transaction.ID,
			VoucherID:       candidate,
			PriceAtPurchase: transaction.UnitPrice,
			CreatedAt:       now,
		}
		if err := transactionStore.InsertTransactionVoucher(ctx, row); err != nil {
			return Transaction{}, err
		}
	}
	decision := TransactionDecision{Status: TransactionStatusPaid, DecidedAt: now}
	if err := transactionStore.DecideTransaction(ctx, transaction.ID, decision); err != nil {
		return Transaction{}, err
	}
	return applyDecision(transaction, decision), nil
}

func (service *Service) recordConflict(ctx context.Context, transactionID TransactionID, conflict error) (ApplyResult, error) {
	var result ApplyResult
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		transaction, err := transactionStore.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if transaction.Status.IsTerminal() {
			result = ApplyResult{Outcome: OutcomeAlreadyTerminal, Transaction: transaction}
			return nil
		}
		decision := TransactionDecision{
			Status:    TransactionStatusFailed,
			Reason:    ReasonInventoryConflict,
			DecidedAt: service.nowFn().UTC(),
		}
		if err := transactionStore.DecideTransaction(ctx, transactionID, decision); err != nil {
			return err
		}
		result = ApplyResult{Outcome: OutcomeConflict, Transaction: applyDecision(transaction, decision)}
		return nil
	})
	if err != nil {
		return ApplyResult{}, errors.Join(conflict, err)
	}
	if result.Outcome == OutcomeAlreadyTerminal {
		return result, nil
	}
	return result, conflict
}
