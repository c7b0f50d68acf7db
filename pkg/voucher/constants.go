package voucher

import "time"

const (
	operationReserve           = "reserve"
	operationResolvePrice      = "resolve_price"
	operationCreateTransaction = "create_transaction"
	operationCheckout          = "checkout"
	operationApply             = "apply"
	operationCancelTransaction = "cancel_transaction"
	operationAbandonCheckout   = "abandon_checkout"
	operationReclaimStale      = "reclaim_stale"
	operationRedeem            = "redeem"
	operationRegisterBuyer     = "register_buyer"
	operationImportInventory   = "import_inventory"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultFallbackPricePerLiter is used when no price record exists for a network and fuel type.
	DefaultFallbackPricePerLiter AmountCents = 5500
	// DefaultMaxQuantity caps the number of vouchers in one purchase.
	DefaultMaxQuantity = 20
	// DefaultPendingTTL is how long a pending transaction may wait for payment.
	DefaultPendingTTL = 30 * time.Minute

	reclaimBatchSize = 100
)
