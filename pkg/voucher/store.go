package voucher

import (
	"context"
	"time"
)

// Store persists vouchers, transactions and the catalog.
//
// Methods called on the Store handed to WithTx run inside one storage
// transaction. GetTransaction and LockVouchers lock the rows they return when
// called inside a transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	ListNetworks(ctx context.Context, at time.Time) ([]Network, error)
	ListFuelTypes(ctx context.Context, networkID NetworkID, at time.Time) ([]FuelType, error)
	ListVolumes(ctx context.Context, networkID NetworkID, fuelTypeID FuelTypeID, at time.Time) ([]Liters, error)
	ListPrices(ctx context.Context, networkID NetworkID, fuelTypeID FuelTypeID) ([]Price, error)

	ListAvailableVouchers(ctx context.Context, filter VoucherFilter, at time.Time, limit int) ([]Voucher, error)
	CountAvailableVouchers(ctx context.Context, filter VoucherFilter, at time.Time) (int, error)
	LockVouchers(ctx context.Context, voucherIDs []VoucherID) ([]Voucher, error)
	AssignVoucher(ctx context.Context, voucherID VoucherID, buyerID BuyerID, at time.Time) error
	MarkVoucherUsed(ctx context.Context, voucherID VoucherID, buyerID BuyerID, at time.Time) error
	ListOwnedVouchers(ctx context.Context, buyerID BuyerID) ([]Voucher, error)
	ListExpiringOwned(ctx context.Context, from time.Time, until time.Time) ([]Voucher, error)

	GetBuyer(ctx context.Context, buyerID BuyerID) (Buyer, error)
	SaveBuyer(ctx context.Context, buyer Buyer) error

	CreateTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	GetTransactionBySession(ctx context.Context, providerSessionID string) (Transaction, error)
	SetProviderSession(ctx context.Context, transactionID TransactionID, providerSessionID string, redirectURL string) error
	DecideTransaction(ctx context.Context, transactionID TransactionID, decision TransactionDecision) error
	InsertTransactionVoucher(ctx context.Context, row TransactionVoucher) error
	ListTransactionVouchers(ctx context.Context, transactionID TransactionID) ([]TransactionVoucher, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]Transaction, error)

	SaveNetwork(ctx context.Context, network Network) error
	SaveFuelType(ctx context.Context, fuelType FuelType) error
	SavePrice(ctx context.Context, price Price) error
	InsertVoucher(ctx context.Context, voucher Voucher) error
}
