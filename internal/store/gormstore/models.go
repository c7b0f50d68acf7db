package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Network represents the networks table.
type Network struct {
	NetworkID string    `gorm:"primaryKey"`
	Name      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Network) TableName() string { return "networks" }

// FuelType represents the fuel_types table.
type FuelType struct {
	FuelTypeID string    `gorm:"primaryKey"`
	Name       string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (FuelType) TableName() string { return "fuel_types" }

// Price mirrors the prices table. One row per network, fuel type and volume.
type Price struct {
	PriceID      string    `gorm:"type:uuid;primaryKey"`
	NetworkID    string    `gorm:"not null;index:uniq_prices_network_fuel_volume,unique,priority:1"`
	FuelTypeID   string    `gorm:"not null;index:uniq_prices_network_fuel_volume,unique,priority:2"`
	VolumeLiters int64     `gorm:"not null;index:uniq_prices_network_fuel_volume,unique,priority:3"`
	AmountCents  int64     `gorm:"not null"`
	Active       bool      `gorm:"not null;default:true"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Price) TableName() string { return "prices" }

func (price *Price) BeforeCreate(tx *gorm.DB) error {
	if price.PriceID == "" {
		price.PriceID = uuid.NewString()
	}
	return nil
}

// Voucher mirrors the vouchers table. A null owner means the voucher is for sale.
type Voucher struct {
	VoucherID          string     `gorm:"primaryKey"`
	Code               string     `gorm:"not null;uniqueIndex:uniq_vouchers_code"`
	NetworkID          string     `gorm:"not null;index:idx_vouchers_selection,priority:1"`
	FuelTypeID         string     `gorm:"not null;index:idx_vouchers_selection,priority:2"`
	VolumeLiters       int64      `gorm:"not null;index:idx_vouchers_selection,priority:3"`
	PurchasePriceCents int64      `gorm:"not null"`
	OwnerID            *string    `gorm:"index:idx_vouchers_owner"`
	IsUsed             bool       `gorm:"not null;default:false"`
	UsedAt             *time.Time `gorm:""`
	ExpiresAt          time.Time  `gorm:"not null;index:idx_vouchers_selection,priority:4"`
	PurchasedAt        *time.Time `gorm:""`
	CreatedAt          time.Time  `gorm:"not null"`
}

func (Voucher) TableName() string { return "vouchers" }

// Buyer mirrors the buyers table.
type Buyer struct {
	BuyerID     string    `gorm:"primaryKey"`
	Phone       string    `gorm:"not null;default:''"`
	Email       string    `gorm:"not null;default:''"`
	DisplayName string    `gorm:"not null;default:''"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Buyer) TableName() string { return "buyers" }

// Transaction mirrors the transactions table. The candidate set is stored as a
// JSON array of voucher ids and never changes after insert.
type Transaction struct {
	TransactionID       string                      `gorm:"primaryKey"`
	BuyerID             string                      `gorm:"not null;index:idx_transactions_buyer"`
	UnitPriceCents      int64                       `gorm:"not null"`
	TotalAmountCents    int64                       `gorm:"not null"`
	Status              string                      `gorm:"not null;index:idx_transactions_status_created,priority:1"`
	CandidateVoucherIDs datatypes.JSONSlice[string] `gorm:"not null"`
	ProviderSessionID   *string                     `gorm:"uniqueIndex:uniq_transactions_provider_session"`
	ProviderRedirectURL string                      `gorm:"not null;default:''"`
	FailureReason       string                      `gorm:"not null;default:''"`
	CreatedAt           time.Time                   `gorm:"not null;index:idx_transactions_status_created,priority:2"`
	DecidedAt           *time.Time                  `gorm:""`
}

func (Transaction) TableName() string { return "transactions" }

// TransactionVoucher mirrors the transaction_vouchers table. The unique voucher
// index guarantees a voucher is sold at most once.
type TransactionVoucher struct {
	TransactionVoucherID string    `gorm:"type:uuid;primaryKey"`
	TransactionID        string    `gorm:"not null;index:idx_transaction_vouchers_transaction"`
	VoucherID            string    `gorm:"not null;uniqueIndex:uniq_transaction_vouchers_voucher"`
	PriceAtPurchaseCents int64     `gorm:"not null"`
	CreatedAt            time.Time `gorm:"not null"`
}

func (TransactionVoucher) TableName() string { return "transaction_vouchers" }

func (row *TransactionVoucher) BeforeCreate(tx *gorm.DB) error {
	if row.TransactionVoucherID == "" {
		row.TransactionVoucherID = uuid.NewString()
	}
	return nil
}

// Models lists every model in dependency order for AutoMigrate.
func Models() []any {
	return []any{
		&Network{},
		&FuelType{},
		&Price{},
		&Voucher{},
		&Buyer{},
		&Transaction{},
		&TransactionVoucher{},
	}
}
