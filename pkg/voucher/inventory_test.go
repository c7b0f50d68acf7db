package voucher

import (
	"context"
	"errors"
	"testing"
	"time"
)

func sampleInventory(test *testing.T) Inventory {
	test.Helper()
	filter := mustFilter(test, 20)
	return Inventory{
		Networks:  []Network{{ID: filter.NetworkID, Name: "OKKO"}},
		FuelTypes: []FuelType{{ID: filter.FuelTypeID, Name: "A-95"}},
		Prices:    []Price{{NetworkID: filter.NetworkID, FuelTypeID: filter.FuelTypeID, Volume: 20, Amount: 105000, Active: true}},
		Vouchers: []Voucher{
			{
				Code:          " OKKO-0001 ",
				NetworkID:     filter.NetworkID,
				FuelTypeID:    filter.FuelTypeID,
				Volume:        20,
				PurchasePrice: 98000,
				ExpiresAt:     fixedNow.Add(90 * 24 * time.Hour),
				OwnerID:       mustBuyerID(test, buyerIDValue),
				IsUsed:        true,
			},
		},
	}
}

func TestImportInventoryLoadsUnownedStock(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger), WithIDGenerator(sequentialIDs("voucher")))

	report, err := service.ImportInventory(context.Background(), sampleInventory(test))
	if err != nil {
		test.Fatalf("import: %v", err)
	}
	if report != (ImportReport{Networks: 1, FuelTypes: 1, Prices: 1, Vouchers: 1}) {
		test.Fatalf("unexpected report: %+v", report)
	}
	imported := store.mustVoucher(test, "voucher-1")
	if imported.Code != "OKKO-0001" || !imported.OwnerID.IsZero() || imported.IsUsed {
		test.Fatalf("imported voucher must be trimmed, unowned and unused: %+v", imported)
	}
	reservation := mustReserve(test, service, mustFilter(test, 20), 1)
	if reservation.UnitPrice != 105000 || reservation.PriceTier != PriceTierExact {
		test.Fatalf("imported price not used: %+v", reservation)
	}
	logged := logger.byOperation(operationImportInventory)
	if len(logged) != 1 || logged[0].VoucherCount != 1 || logged[0].Status != operationStatusOK {
		test.Fatalf("unexpected import log: %+v", logged)
	}
}

func TestImportInventoryIsAllOrNothing(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		mutate  func(inventory *Inventory)
		wantErr error
	}{
		{
			name:    "missing code",
			mutate:  func(inventory *Inventory) { inventory.Vouchers[0].Code = " " },
			wantErr: ErrInvalidVoucherCode,
		},
		{
			name:    "missing expiry",
			mutate:  func(inventory *Inventory) { inventory.Vouchers[0].ExpiresAt = time.Time{} },
			wantErr: ErrInvalidVoucherCode,
		},
		{
			name:    "missing volume",
			mutate:  func(inventory *Inventory) { inventory.Vouchers[0].Volume = 0 },
			wantErr: ErrInvalidVolume,
		},
		{
			name:    "non-positive price",
			mutate:  func(inventory *Inventory) { inventory.Prices[0].Amount = 0 },
			wantErr: ErrInvalidAmountCents,
		},
		{
			name: "duplicate code",
			mutate: func(inventory *Inventory) {
				inventory.Vouchers = append(inventory.Vouchers, inventory.Vouchers[0])
			},
			wantErr: ErrDuplicateVoucherCode,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			service := mustNewService(test, store)
			inventory := sampleInventory(test)
			testCase.mutate(&inventory)

			_, err := service.ImportInventory(context.Background(), inventory)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
			if len(store.vouchers) != 0 || len(store.prices) != 0 {
				test.Fatalf("failed import must leave no vouchers or prices behind")
			}
		})
	}
}
