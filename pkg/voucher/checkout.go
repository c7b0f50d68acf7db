package voucher

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PaymentGateway is the outbound payment provider. Implementations wrap transport
// failures in ErrGatewayUnavailable and non-2xx responses in ErrGatewayRejected.
type PaymentGateway interface {
	OpenSession(ctx context.Context, buyerPhone string) (string, error)
	AttachCharge(ctx context.Context, sessionID string, amount AmountCents, items []LineItem) (string, error)
	Void(ctx context.Context, sessionID string) error
	GetStatus(ctx context.Context, sessionID string) (ProviderStatus, error)
}

// LineItem is one product row on the provider's payment page.
type LineItem struct {
	Description string
	Price       AmountCents
	Count       int
}

// Checkout records a pending transaction for the reservation and opens a payment
// session for it. Gateway failures cancel the transaction and are returned.
func (service *Service) Checkout(ctx context.Context, buyerID BuyerID, reservation Reservation) (Transaction, error) {
	var transaction Transaction
	operationError := func() error {
		if service.gateway == nil {
			return fmt.Errorf("%w: payment gateway is not configured", ErrInvalidServiceConfig)
		}
		buyer, err := service.store.GetBuyer(ctx, buyerID)
		if err != nil && !errors.Is(err, ErrUnknownBuyer) {
			return err
		}
		if strings.TrimSpace(buyer.Phone) == "" {
			return ErrBuyerPhoneRequired
		}
		created, err := service.CreateTransaction(ctx, buyerID, reservation)
		if err != nil {
			return err
		}
		transaction = created
		sessionID, err := service.gateway.OpenSession(ctx, buyer.Phone)
		if err != nil {
			return service.cancelAfterGatewayError(ctx, transaction.ID, err)
		}
		redirectURL, err := service.gateway.AttachCharge(ctx, sessionID, reservation.Total, lineItems(reservation))
		if err != nil {
			if voidErr := service.gateway.Void(ctx, sessionID); voidErr != nil {
				err = errors.Join(err, voidErr)
			}
			return service.cancelAfterGatewayError(ctx, transaction.ID, err)
		}
		if err := service.store.SetProviderSession(ctx, transaction.ID, sessionID, redirectURL); err != nil {
			if voidErr := service.gateway.Void(ctx, sessionID); voidErr != nil {
				err = errors.Join(err, voidErr)
			}
			return service.cancelAfterGatewayError(ctx, transaction.ID, err)
		}
		transaction.ProviderSessionID = sessionID
		transaction.ProviderRedirectURL = redirectURL
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationCheckout,
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

// AbandonCheckout settles a pending transaction the buyer walked away from. The
// provider is asked first: a Success or Failed status is reconciled and the decided
// transaction is returned with ErrInvalidTransition. Otherwise the session is voided and
// the transaction canceled. A failed status lookup or void leaves the transaction
// pending for ReclaimStale.
func (service *Service) AbandonCheckout(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	transaction, err := service.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if transaction.Status.IsTerminal() {
		return transaction, fmt.Errorf("%w: transaction is %s", ErrInvalidTransition, transaction.Status)
	}
	if service.gateway != nil && transaction.ProviderSessionID != "" {
		settled, outcome, settleErr := service.settleWithProvider(ctx, transaction)
		service.logOperation(ctx, OperationLog{
			Operation:     operationAbandonCheckout,
			BuyerID:       transaction.BuyerID,
			TransactionID: transactionID,
			Outcome:       outcome,
			Error:         settleErr,
		})
		if settleErr != nil {
			return transaction, settleErr
		}
		if settled.Status.IsTerminal() {
			return settled, fmt.Errorf("%w: transaction is %s", ErrInvalidTransition, settled.Status)
		}
	}
	return service.CancelTransaction(ctx, transactionID, ReasonBuyerCanceled)
}

// settleWithProvider reconciles a decided provider status or voids a still-open session.
func (service *Service) settleWithProvider(ctx context.Context, transaction Transaction) (Transaction, ApplyOutcome, error) {
	status, err := service.gateway.GetStatus(ctx, transaction.ProviderSessionID)
	if err != nil {
		return transaction, "", err
	}
	if MapProviderStatus(status) != TransactionStatusPending {
		result, err := service.Apply(ctx, transaction.ID, status)
		if err != nil && !errors.Is(err, ErrInventoryConflict) {
			return transaction, "", err
		}
		return result.Transaction, result.Outcome, nil
	}
	if err := service.gateway.Void(ctx, transaction.ProviderSessionID); err != nil {
		return transaction, "", err
	}
	return transaction, "", nil
}

// RefreshStatus asks the provider for the payment status and reconciles it.
func (service *Service) RefreshStatus(ctx context.Context, transactionID TransactionID) (ApplyResult, error) {
	transaction, err := service.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return ApplyResult{}, err
	}
	if transaction.Status.IsTerminal() {
		return ApplyResult{Outcome: OutcomeAlreadyTerminal, Transaction: transaction}, nil
	}
	if service.gateway == nil {
		return ApplyResult{}, fmt.Errorf("%w: payment gateway is not configured", ErrInvalidServiceConfig)
	}
	if transaction.ProviderSessionID == "" {
		return ApplyResult{}, fmt.Errorf("%w: transaction %s has no provider session", ErrInvalidProviderSession, transactionID)
	}
	status, err := service.gateway.GetStatus(ctx, transaction.ProviderSessionID)
	if err != nil {
		return ApplyResult{}, err
	}
	return service.Apply(ctx, transactionID, status)
}

// ApplyProviderStatus reconciles a status pushed by the provider for one of its sessions.
func (service *Service) ApplyProviderStatus(ctx context.Context, providerSessionID string, status ProviderStatus) (ApplyResult, error) {
	sessionID := strings.TrimSpace(providerSessionID)
	if sessionID == "" {
		return ApplyResult{}, fmt.Errorf("%w: empty session id", ErrInvalidProviderSession)
	}
	transaction, err := service.store.GetTransactionBySession(ctx, sessionID)
	if err != nil {
		return ApplyResult{}, err
	}
	return service.Apply(ctx, transaction.ID, status)
}

func (service *Service) cancelAfterGatewayError(ctx context.Context, transactionID TransactionID, gatewayError error) error {
	if _, err := service.CancelTransaction(ctx, transactionID, ReasonGatewayError); err != nil {
		return errors.Join(gatewayError, err)
	}
	return gatewayError
}

func lineItems(reservation Reservation) []LineItem {
	items := make([]LineItem, 0, len(reservation.Candidates))
	for _, candidate := range reservation.Candidates {
		items = append(items, LineItem{
			Description: fmt.Sprintf("Fuel voucher %s (%d L)", candidate, reservation.Filter.Volume),
			Price:       reservation.UnitPrice,
			Count:       1,
		})
	}
	return items
}
