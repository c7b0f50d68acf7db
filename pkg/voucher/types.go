package voucher

import (
	"fmt"
	"strings"
	"time"
)

// AmountCents is an integer currency amount in minor units.
type AmountCents int64

// NewAmountCents validates an amount and ensures it is strictly positive.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 exposes the raw cents value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// Times multiplies the amount by a unit count.
func (amount AmountCents) Times(count int) AmountCents {
	return AmountCents(int64(amount) * int64(count))
}

// Liters is the fuel volume a voucher entitles its owner to.
type Liters int64

// NewLiters validates a voucher volume.
func NewLiters(raw int64) (Liters, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidVolume)
	}
	return Liters(raw), nil
}

// Int64 exposes the raw volume.
func (volume Liters) Int64() int64 {
	return int64(volume)
}

// BuyerID identifies a buyer (the chat user).
type BuyerID struct {
	value string
}

// NewBuyerID validates and normalizes a buyer id.
func NewBuyerID(raw string) (BuyerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BuyerID{}, fmt.Errorf("%w: empty value", ErrInvalidBuyerID)
	}
	return BuyerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BuyerID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id BuyerID) IsZero() bool {
	return id.value == ""
}

// TransactionID identifies a purchase transaction.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id TransactionID) IsZero() bool {
	return id.value == ""
}

// VoucherID identifies a voucher.
type VoucherID struct {
	value string
}

// NewVoucherID validates and normalizes a voucher id.
func NewVoucherID(raw string) (VoucherID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return VoucherID{}, fmt.Errorf("%w: empty value", ErrInvalidVoucherID)
	}
	return VoucherID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id VoucherID) String() string {
	return id.value
}

// NetworkID identifies a gas station network.
type NetworkID struct {
	value string
}

// NewNetworkID validates and normalizes a network id.
func NewNetworkID(raw string) (NetworkID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return NetworkID{}, fmt.Errorf("%w: empty value", ErrInvalidNetworkID)
	}
	return NetworkID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id NetworkID) String() string {
	return id.value
}

// FuelTypeID identifies a fuel grade.
type FuelTypeID struct {
	value string
}

// NewFuelTypeID validates and normalizes a fuel type id.
func NewFuelTypeID(raw string) (FuelTypeID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return FuelTypeID{}, fmt.Errorf("%w: empty value", ErrInvalidFuelTypeID)
	}
	return FuelTypeID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id FuelTypeID) String() string {
	return id.value
}

// TransactionStatus defines the purchase lifecycle.
type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "pending"
	TransactionStatusPaid     TransactionStatus = "paid"
	TransactionStatusFailed   TransactionStatus = "failed"
	TransactionStatusCanceled TransactionStatus = "canceled"
)

// ParseTransactionStatus validates a stored status value.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(strings.TrimSpace(raw)) {
	case TransactionStatusPending:
		return TransactionStatusPending, nil
	case TransactionStatusPaid:
		return TransactionStatusPaid, nil
	case TransactionStatusFailed:
		return TransactionStatusFailed, nil
	case TransactionStatusCanceled:
		return TransactionStatusCanceled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionState, raw)
	}
}

// String returns the status string.
func (status TransactionStatus) String() string {
	return string(status)
}

// IsTerminal reports whether the status is a decided outcome.
func (status TransactionStatus) IsTerminal() bool {
	return status == TransactionStatusPaid || status == TransactionStatusFailed || status == TransactionStatusCanceled
}

// ProviderStatus is the payment status reported by the external provider.
type ProviderStatus string

const (
	ProviderStatusSuccess ProviderStatus = "Success"
	ProviderStatusFailed  ProviderStatus = "Failed"
)

// MapProviderStatus maps an external status onto a local status. Anything other
// than Success or Failed leaves the transaction pending.
func MapProviderStatus(status ProviderStatus) TransactionStatus {
	switch status {
	case ProviderStatusSuccess:
		return TransactionStatusPaid
	case ProviderStatusFailed:
		return TransactionStatusFailed
	default:
		return TransactionStatusPending
	}
}

// Failure reasons recorded on decided transactions.
const (
	ReasonProviderFailed    = "provider_failed"
	ReasonInventoryConflict = "inventory_conflict"
	ReasonGatewayError      = "gateway_error"
	ReasonExpired           = "expired"
	ReasonBuyerCanceled     = "buyer_canceled"
)

// Voucher is a prepaid single-use fuel entitlement.
type Voucher struct {
	ID            VoucherID
	Code          string
	NetworkID     NetworkID
	FuelTypeID    FuelTypeID
	Volume        Liters
	PurchasePrice AmountCents
	OwnerID       BuyerID
	IsUsed        bool
	UsedAt        time.Time
	ExpiresAt     time.Time
	PurchasedAt   time.Time
}

// IsAvailableAt reports whether the voucher can still be sold at the given instant.
func (voucher Voucher) IsAvailableAt(at time.Time) bool {
	return voucher.OwnerID.IsZero() && !voucher.IsUsed && voucher.ExpiresAt.After(at)
}

// Transaction is a recorded purchase intent with a fixed candidate set.
type Transaction struct {
	ID                  TransactionID
	BuyerID             BuyerID
	UnitPrice           AmountCents
	TotalAmount         AmountCents
	Status              TransactionStatus
	CandidateVoucherIDs []VoucherID
	ProviderSessionID   string
	ProviderRedirectURL string
	FailureReason       string
	CreatedAt           time.Time
	DecidedAt           time.Time
}

// TransactionVoucher records the price a voucher was sold at.
type TransactionVoucher struct {
	TransactionID   TransactionID
	VoucherID       VoucherID
	PriceAtPurchase AmountCents
	CreatedAt       time.Time
}

// TransactionDecision is the terminal outcome written onto a pending transaction.
type TransactionDecision struct {
	Status    TransactionStatus
	Reason    string
	DecidedAt time.Time
}

// Network is a gas station network.
type Network struct {
	ID   NetworkID
	Name string
}

// FuelType is a fuel grade sold by networks.
type FuelType struct {
	ID   FuelTypeID
	Name string
}

// Price is the sale price of a voucher of a given volume.
type Price struct {
	NetworkID  NetworkID
	FuelTypeID FuelTypeID
	Volume     Liters
	Amount     AmountCents
	Active     bool
}

// Buyer holds the contact details of a chat user.
type Buyer struct {
	ID          BuyerID
	Phone       string
	Email       string
	DisplayName string
}

// VoucherFilter selects vouchers by network, fuel type and volume.
type VoucherFilter struct {
	NetworkID  NetworkID
	FuelTypeID FuelTypeID
	Volume     Liters
}

// PriceTier names the price resolution step that produced a unit price.
type PriceTier string

const (
	PriceTierExact    PriceTier = "exact"
	PriceTierProrated PriceTier = "prorated"
	PriceTierFallback PriceTier = "fallback"
)

// PriceQuote is a resolved unit price.
type PriceQuote struct {
	UnitPrice AmountCents
	Tier      PriceTier
}

// Reservation is the soft hold produced by the allocator.
type Reservation struct {
	Filter     VoucherFilter
	Candidates []VoucherID
	UnitPrice  AmountCents
	Total      AmountCents
	PriceTier  PriceTier
}

// Quantity returns the number of vouchers in the candidate set.
func (reservation Reservation) Quantity() int {
	return len(reservation.Candidates)
}

// ApplyOutcome tags the result of a reconciliation.
type ApplyOutcome string

const (
	OutcomeAlreadyTerminal ApplyOutcome = "already_terminal"
	OutcomePending         ApplyOutcome = "pending"
	OutcomeCommitted       ApplyOutcome = "committed"
	OutcomeConflict        ApplyOutcome = "conflict"
	OutcomeFailed          ApplyOutcome = "failed"
)

// ApplyResult carries the outcome and the transaction as it stands afterwards.
type ApplyResult struct {
	Outcome     ApplyOutcome
	Transaction Transaction
}
