package voucher

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Inventory is a batch of catalog records and vouchers to load.
type Inventory struct {
	Networks  []Network
	FuelTypes []FuelType
	Prices    []Price
	Vouchers  []Voucher
}

// ImportReport counts the records written by ImportInventory.
type ImportReport struct {
	Networks  int
	FuelTypes int
	Prices    int
	Vouchers  int
}

// ImportInventory writes the batch in one storage transaction. Vouchers without an id
// receive a generated one; vouchers are always imported unowned and unused.
func (service *Service) ImportInventory(ctx context.Context, inventory Inventory) (ImportReport, error) {
	var report ImportReport
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		report = ImportReport{}
		for _, network := range inventory.Networks {
			if network.ID.String() == "" {
				return fmt.Errorf("%w: empty value", ErrInvalidNetworkID)
			}
			if err := transactionStore.SaveNetwork(ctx, network); err != nil {
				return err
			}
			report.Networks++
		}
		for _, fuelType := range inventory.FuelTypes {
			if fuelType.ID.String() == "" {
				return fmt.Errorf("%w: empty value", ErrInvalidFuelTypeID)
			}
			if err := transactionStore.SaveFuelType(ctx, fuelType); err != nil {
				return err
			}
			report.FuelTypes++
		}
		for _, price := range inventory.Prices {
			if err := validateFilter(VoucherFilter{NetworkID: price.NetworkID, FuelTypeID: price.FuelTypeID, Volume: price.Volume}); err != nil {
				return err
			}
			if price.Amount <= 0 {
				return fmt.Errorf("%w: price must be positive", ErrInvalidAmountCents)
			}
			if err := transactionStore.SavePrice(ctx, price); err != nil {
				return err
			}
			report.Prices++
		}
		for _, item := range inventory.Vouchers {
			prepared, err := service.prepareImportedVoucher(item)
			if err != nil {
				return err
			}
			if err := transactionStore.InsertVoucher(ctx, prepared); err != nil {
				return err
			}
			report.Vouchers++
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationImportInventory,
		VoucherCount: report.Vouchers,
		Error:        operationError,
	})
	if operationError != nil {
		return ImportReport{}, operationError
	}
	return report, nil
}

func (service *Service) prepareImportedVoucher(item Voucher) (Voucher, error) {
	if item.ID.String() == "" {
		generated, err := NewVoucherID(service.newID())
		if err != nil {
			return Voucher{}, err
		}
		item.ID = generated
	}
	item.Code = strings.TrimSpace(item.Code)
	if item.Code == "" {
		return Voucher{}, fmt.Errorf("%w: empty value", ErrInvalidVoucherCode)
	}
	if err := validateFilter(VoucherFilter{NetworkID: item.NetworkID, FuelTypeID: item.FuelTypeID, Volume: item.Volume}); err != nil {
		return Voucher{}, err
	}
	if item.ExpiresAt.IsZero() {
		return Voucher{}, fmt.Errorf("%w: voucher %s has no expiry", ErrInvalidVoucherCode, item.Code)
	}
	item.OwnerID = BuyerID{}
	item.IsUsed = false
	item.UsedAt = time.Time{}
	item.PurchasedAt = time.Time{}
	return item, nil
}
