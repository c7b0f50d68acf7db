package voucher

import "context"

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a voucher operation.
type OperationLog struct {
	Operation     string
	BuyerID       BuyerID
	TransactionID TransactionID
	VoucherCount  int
	Amount        AmountCents
	PriceTier     PriceTier
	Outcome       ApplyOutcome
	Reason        string
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}
