package voucher

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the voucher service.
var (
	ErrInsufficientInventory   = errors.New("insufficient inventory")
	ErrInventoryConflict       = errors.New("inventory conflict")
	ErrGatewayUnavailable      = errors.New("payment gateway unavailable")
	ErrGatewayRejected         = errors.New("payment gateway rejected request")
	ErrInvalidTransition       = errors.New("invalid transaction transition")
	ErrUnknownTransaction      = errors.New("unknown transaction")
	ErrUnknownVoucher          = errors.New("unknown voucher")
	ErrUnknownBuyer            = errors.New("unknown buyer")
	ErrDuplicateVoucherCode    = errors.New("duplicate voucher code")
	ErrVoucherNotOwned         = errors.New("voucher not owned by buyer")
	ErrVoucherAlreadyUsed      = errors.New("voucher already used")
	ErrBuyerPhoneRequired      = errors.New("buyer phone required")
	ErrInvalidBuyerID          = errors.New("invalid buyer id")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidVoucherID        = errors.New("invalid voucher id")
	ErrInvalidNetworkID        = errors.New("invalid network id")
	ErrInvalidFuelTypeID       = errors.New("invalid fuel type id")
	ErrInvalidVoucherCode      = errors.New("invalid voucher code")
	ErrInvalidVolume           = errors.New("invalid volume")
	ErrInvalidQuantity         = errors.New("invalid quantity")
	ErrInvalidAmountCents      = errors.New("invalid amount cents")
	ErrInvalidTransactionState = errors.New("invalid transaction status")
	ErrInvalidProviderSession  = errors.New("invalid provider session")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
