package voucher

import (
	"context"
	"fmt"
)

// CreateTransaction records a pending purchase with the reservation's fixed candidate set.
func (service *Service) CreateTransaction(ctx context.Context, buyerID BuyerID, reservation Reservation) (Transaction, error) {
	var transaction Transaction
	operationError := func() error {
		if buyerID.IsZero() {
			return fmt.Errorf("%w: empty value", ErrInvalidBuyerID)
		}
		if err := validateReservation(reservation); err != nil {
			return err
		}
		transactionID, err := NewTransactionID(service.newID())
		if err != nil {
			return err
		}
		candidates := make([]VoucherID, len(reservation.Candidates))
		copy(candidates, reservation.Candidates)
		transaction = Transaction{
			ID:                  transactionID,
			BuyerID:             buyerID,
			UnitPrice:           reservation.UnitPrice,
			TotalAmount:         reservation.Total,
			Status:              TransactionStatusPending,
			CandidateVoucherIDs: candidates,
			CreatedAt:           service.nowFn().UTC(),
		}
		return service.store.CreateTransaction(ctx, transaction)
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationCreateTransaction,
		BuyerID:       buyerID,
		TransactionID: transaction.ID,
		VoucherCount:  reservation.Quantity(),
		Amount:        reservation.Total,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return transaction, nil
}

// CancelTransaction moves a pending transaction to canceled. A decided transaction is
// returned unchanged together with ErrInvalidTransition.
func (service *Service) CancelTransaction(ctx context.Context, transactionID TransactionID, reason string) (Transaction, error) {
	var transaction Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		transaction = current
		if current.Status.IsTerminal() {
			return fmt.Errorf("%w: transaction is %s", ErrInvalidTransition, current.Status)
		}
		decision := TransactionDecision{
			Status:    TransactionStatusCanceled,
			Reason:    reason,
			DecidedAt: service.nowFn().UTC(),
		}
		if err := transactionStore.DecideTransaction(ctx, transactionID, decision); err != nil {
			return err
		}
		transaction = applyDecision(current, decision)
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCancelTransaction,
		BuyerID:       transaction.BuyerID,
		TransactionID: transactionID,
		Reason:        reason,
		Error:         operationError,
	})
	return transaction, operationError
}

func applyDecision(transaction Transaction, decision TransactionDecision) Transaction {
	transaction.Status = decision.Status
	transaction.FailureReason = decision.Reason
	transaction.DecidedAt = decision.DecidedAt
	return transaction
}

func validateReservation(reservation Reservation) error {
	if len(reservation.Candidates) == 0 {
		return fmt.Errorf("%w: empty candidate set", ErrInvalidQuantity)
	}
	seen := make(map[VoucherID]struct{}, len(reservation.Candidates))
	for _, candidate := range reservation.Candidates {
		if candidate.String() == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidVoucherID)
		}
		if _, duplicate := seen[candidate]; duplicate {
			return fmt.Errorf("%w: duplicate candidate %s", ErrInvalidVoucherID, candidate)
		}
		seen[candidate] = struct{}{}
	}
	if reservation.UnitPrice <= 0 {
		return fmt.Errorf("%w: unit price must be positive", ErrInvalidAmountCents)
	}
	if reservation.Total != reservation.UnitPrice.Times(len(reservation.Candidates)) {
		return fmt.Errorf("%w: total does not match unit price and quantity", ErrInvalidAmountCents)
	}
	return nil
}
