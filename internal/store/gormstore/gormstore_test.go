package gormstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2025, time.March, 14, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "vouchers.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(Models()...))
	return New(db)
}

func newTestService(t *testing.T, store *Store) *voucher.Service {
	t.Helper()
	var counter int
	var mutex sync.Mutex
	service, err := voucher.NewService(store, func() time.Time { return testNow }, voucher.WithIDGenerator(func() string {
		mutex.Lock()
		defer mutex.Unlock()
		counter++
		return fmt.Sprintf("tx-%d", counter)
	}))
	require.NoError(t, err)
	return service
}

func testFilter(t *testing.T, volume voucher.Liters) voucher.VoucherFilter {
	t.Helper()
	networkID, err := voucher.NewNetworkID("okko")
	require.NoError(t, err)
	fuelTypeID, err := voucher.NewFuelTypeID("a95")
	require.NoError(t, err)
	return voucher.VoucherFilter{NetworkID: networkID, FuelTypeID: fuelTypeID, Volume: volume}
}

func mustID[T any](t *testing.T, build func(string) (T, error), raw string) T {
	t.Helper()
	value, err := build(raw)
	require.NoError(t, err)
	return value
}

func seedInventory(t *testing.T, store *Store, filter voucher.VoucherFilter, expiries map[string]time.Duration) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveNetwork(ctx, voucher.Network{ID: filter.NetworkID, Name: "OKKO"}))
	require.NoError(t, store.SaveFuelType(ctx, voucher.FuelType{ID: filter.FuelTypeID, Name: "A-95"}))
	require.NoError(t, store.SavePrice(ctx, voucher.Price{NetworkID: filter.NetworkID, FuelTypeID: filter.FuelTypeID, Volume: filter.Volume, Amount: 50000, Active: true}))
	for rawID, offset := range expiries {
		require.NoError(t, store.InsertVoucher(ctx, voucher.Voucher{
			ID:            mustID(t, voucher.NewVoucherID, rawID),
			Code:          "code-" + rawID,
			NetworkID:     filter.NetworkID,
			FuelTypeID:    filter.FuelTypeID,
			Volume:        filter.Volume,
			PurchasePrice: 45000,
			ExpiresAt:     testNow.Add(offset),
		}))
	}
}

func TestCatalogAndSelection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	filter := testFilter(t, 10)
	seedInventory(t, store, filter, map[string]time.Duration{
		"v-late":    72 * time.Hour,
		"v-soon":    time.Hour,
		"v-mid":     24 * time.Hour,
		"v-expired": -time.Hour,
	})

	networks, err := store.ListNetworks(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, networks, 1)
	require.Equal(t, "OKKO", networks[0].Name)

	fuelTypes, err := store.ListFuelTypes(ctx, filter.NetworkID, testNow)
	require.NoError(t, err)
	require.Len(t, fuelTypes, 1)

	volumes, err := store.ListVolumes(ctx, filter.NetworkID, filter.FuelTypeID, testNow)
	require.NoError(t, err)
	require.Equal(t, []voucher.Liters{10}, volumes)

	available, err := store.ListAvailableVouchers(ctx, filter, testNow, 2)
	require.NoError(t, err)
	require.Len(t, available, 2)
	require.Equal(t, "v-soon", available[0].ID.String())
	require.Equal(t, "v-mid", available[1].ID.String())

	count, err := store.CountAvailableVouchers(ctx, filter, testNow)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	afterExpiry, err := store.ListNetworks(ctx, testNow.Add(96*time.Hour))
	require.NoError(t, err)
	require.Empty(t, afterExpiry)
}

func TestSavePriceUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	filter := testFilter(t, 20)
	seedInventory(t, store, filter, nil)
	require.NoError(t, store.SavePrice(ctx, voucher.Price{NetworkID: filter.NetworkID, FuelTypeID: filter.FuelTypeID, Volume: 20, Amount: 61000, Active: false}))

	prices, err := store.ListPrices(ctx, filter.NetworkID, filter.FuelTypeID)
	require.NoError(t, err)
	require.Len(t, prices, 1)
	require.Equal(t, voucher.AmountCents(61000), prices[0].Amount)
	require.False(t, prices[0].Active)
}

func TestInsertVoucherRejectsDuplicateCode(t *testing.T) {
	store := newTestStore(t)
	filter := testFilter(t, 10)
	seedInventory(t, store, filter, map[string]time.Duration{"v-1": time.Hour})

	err := store.InsertVoucher(context.Background(), voucher.Voucher{
		ID:         mustID(t, voucher.NewVoucherID, "v-2"),
		Code:       "code-v-1",
		NetworkID:  filter.NetworkID,
		FuelTypeID: filter.FuelTypeID,
		Volume:     10,
		ExpiresAt:  testNow.Add(time.Hour),
	})
	require.ErrorIs(t, err, voucher.ErrDuplicateVoucherCode)
}

func TestUniqueViolationMatchesConstraint(t *testing.T) {
	store := newTestStore(t)
	filter := testFilter(t, 10)
	seedInventory(t, store, filter, map[string]time.Duration{"v-1": time.Hour})

	duplicate := store.db.Create(&Voucher{
		VoucherID:    "v-2",
		Code:         "code-v-1",
		NetworkID:    filter.NetworkID.String(),
		FuelTypeID:   filter.FuelTypeID.String(),
		VolumeLiters: 10,
		ExpiresAt:    testNow.Add(time.Hour),
		CreatedAt:    testNow,
	}).Error
	require.Error(t, duplicate)
	require.True(t, isUniqueViolation(duplicate, constraintVoucherCode))
	require.False(t, isUniqueViolation(duplicate, constraintTransactionVoucher))

	notNull := store.db.Exec(
		"INSERT INTO transaction_vouchers (transaction_voucher_id, transaction_id, voucher_id, price_at_purchase_cents, created_at) VALUES (?, ?, NULL, ?, ?)",
		"00000000-0000-0000-0000-000000000001", "tx-1", 50000, testNow,
	).Error
	require.Error(t, notNull)
	require.False(t, isUniqueViolation(notNull, constraintTransactionVoucher))
}

func TestAssignVoucherIsConditional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	filter := testFilter(t, 10)
	seedInventory(t, store, filter, map[string]time.Duration{"v-1": time.Hour, "v-expired": -time.Minute})
	buyerID := mustID(t, voucher.NewBuyerID, "buyer-1")
	otherBuyer := mustID(t, voucher.NewBuyerID, "buyer-2")
	voucherID := mustID(t, voucher.NewVoucherID, "v-1")

	require.NoError(t, store.AssignVoucher(ctx, voucherID, buyerID, testNow))
	require.ErrorIs(t, store.AssignVoucher(ctx, voucherID, otherBuyer, testNow), voucher.ErrInventoryConflict)
	require.ErrorIs(t, store.AssignVoucher(ctx, mustID(t, voucher.NewVoucherID, "v-expired"), buyerID, testNow), voucher.ErrInventoryConflict)

	owned, err := store.ListOwnedVouchers(ctx, buyerID)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	require.Equal(t, buyerID, owned[0].OwnerID)
	require.True(t, owned[0].PurchasedAt.Equal(testNow))

	require.NoError(t, store.MarkVoucherUsed(ctx, voucherID, buyerID, testNow))
	require.ErrorIs(t, store.MarkVoucherUsed(ctx, voucherID, buyerID, testNow), voucher.ErrVoucherAlreadyUsed)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	filter := testFilter(t, 10)
	seedInventory(t, store, filter, map[string]time.Duration{"v-1": time.Hour})
	failure := errors.New("abort")

	err := store.WithTx(ctx, func(ctx context.Context, txStore voucher.Store) error {
		if err := txStore.AssignVoucher(ctx, mustID(t, voucher.NewVoucherID, "v-1"), mustID(t, voucher.NewBuyerID, "buyer-1"), testNow); err != nil {
			return err
		}
		return failure
	})
	require.ErrorIs(t, err, failure)

	count, err := store.CountAvailableVouchers(ctx, filter, testNow)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestTransactionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	filter := testFilter(t, 10)
	seedInventory(t, store, filter, map[string]time.Duration{"v-1": time.Hour, "v-2": 2 * time.Hour})
	transactionID := mustID(t, voucher.NewTransactionID, "tx-1")
	transaction := voucher.Transaction{
		ID:                  transactionID,
		BuyerID:             mustID(t, voucher.NewBuyerID, "buyer-1"),
		UnitPrice:           50000,
		TotalAmount:         100000,
		Status:              voucher.TransactionStatusPending,
		CandidateVoucherIDs: []voucher.VoucherID{mustID(t, voucher.NewVoucherID, "v-1"), mustID(t, voucher.NewVoucherID, "v-2")},
		CreatedAt:           testNow.Add(-time.Hour),
	}
	require.NoError(t, store.CreateTransaction(ctx, transaction))
	require.NoError(t, store.SetProviderSession(ctx, transactionID, "session-1", "https://pay.example.test/1"))

	loaded, err := store.GetTransactionBySession(ctx, "session-1")
	require.NoError(t, err)
	require.Equal(t, transaction.CandidateVoucherIDs, loaded.CandidateVoucherIDs)
	require.Equal(t, "https://pay.example.test/1", loaded.ProviderRedirectURL)
	require.True(t, loaded.DecidedAt.IsZero())

	stale, err := store.ListStalePending(ctx, testNow.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	decision := voucher.TransactionDecision{Status: voucher.TransactionStatusCanceled, Reason: voucher.ReasonExpired, DecidedAt: testNow}
	require.NoError(t, store.DecideTransaction(ctx, transactionID, decision))
	require.ErrorIs(t, store.DecideTransaction(ctx, transactionID, decision), voucher.ErrInvalidTransition)
	require.ErrorIs(t, store.DecideTransaction(ctx, mustID(t, voucher.NewTransactionID, "tx-missing"), decision), voucher.ErrUnknownTransaction)

	decided, err := store.GetTransaction(ctx, transactionID)
	require.NoError(t, err)
	require.Equal(t, voucher.TransactionStatusCanceled, decided.Status)
	require.Equal(t, voucher.ReasonExpired, decided.FailureReason)
	require.True(t, decided.DecidedAt.Equal(testNow))

	_, err = store.GetTransactionBySession(ctx, "session-unknown")
	require.ErrorIs(t, err, voucher.ErrUnknownTransaction)
}

func TestTransactionVoucherIsUniquePerVoucher(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	row := voucher.TransactionVoucher{
		TransactionID:   mustID(t, voucher.NewTransactionID, "tx-1"),
		VoucherID:       mustID(t, voucher.NewVoucherID, "v-1"),
		PriceAtPurchase: 50000,
		CreatedAt:       testNow,
	}
	require.NoError(t, store.InsertTransactionVoucher(ctx, row))
	row.TransactionID = mustID(t, voucher.NewTransactionID, "tx-2")
	require.ErrorIs(t, store.InsertTransactionVoucher(ctx, row), voucher.ErrInventoryConflict)
}

func TestBuyerUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	buyerID := mustID(t, voucher.NewBuyerID, "buyer-1")

	_, err := store.GetBuyer(ctx, buyerID)
	require.ErrorIs(t, err, voucher.ErrUnknownBuyer)

	require.NoError(t, store.SaveBuyer(ctx, voucher.Buyer{ID: buyerID, DisplayName: "Olena"}))
	require.NoError(t, store.SaveBuyer(ctx, voucher.Buyer{ID: buyerID, DisplayName: "Olena", Phone: "+380501234567"}))
	buyer, err := store.GetBuyer(ctx, buyerID)
	require.NoError(t, err)
	require.Equal(t, "+380501234567", buyer.Phone)
	require.Equal(t, "Olena", buyer.DisplayName)
}

func TestServiceCommitsOnceUnderRace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	filter := testFilter(t, 10)
	seedInventory(t, store, filter, map[string]time.Duration{"v-1": time.Hour, "v-2": 2 * time.Hour, "v-3": 3 * time.Hour})
	service := newTestService(t, store)

	first, err := service.Reserve(ctx, filter, 2)
	require.NoError(t, err)
	second, err := service.Reserve(ctx, filter, 2)
	require.NoError(t, err)
	require.Equal(t, first.Candidates, second.Candidates)

	firstTx, err := service.CreateTransaction(ctx, mustID(t, voucher.NewBuyerID, "buyer-1"), first)
	require.NoError(t, err)
	secondTx, err := service.CreateTransaction(ctx, mustID(t, voucher.NewBuyerID, "buyer-2"), second)
	require.NoError(t, err)

	results := make([]voucher.ApplyResult, 2)
	errs := make([]error, 2)
	var waitGroup sync.WaitGroup
	for index, transactionID := range []voucher.TransactionID{firstTx.ID, secondTx.ID} {
		waitGroup.Add(1)
		go func(index int, transactionID voucher.TransactionID) {
			defer waitGroup.Done()
			results[index], errs[index] = service.Apply(ctx, transactionID, voucher.ProviderStatusSuccess)
		}(index, transactionID)
	}
	waitGroup.Wait()

	committed := 0
	conflicts := 0
	for index := range results {
		switch results[index].Outcome {
		case voucher.OutcomeCommitted:
			require.NoError(t, errs[index])
			committed++
		case voucher.OutcomeConflict:
			require.ErrorIs(t, errs[index], voucher.ErrInventoryConflict)
			require.Equal(t, voucher.TransactionStatusFailed, results[index].Transaction.Status)
			conflicts++
		default:
			t.Fatalf("unexpected outcome %s", results[index].Outcome)
		}
	}
	require.Equal(t, 1, committed)
	require.Equal(t, 1, conflicts)

	remaining, err := service.Reserve(ctx, filter, 1)
	require.NoError(t, err)
	require.Equal(t, "v-3", remaining.Candidates[0].String())
	_, err = service.Reserve(ctx, filter, 2)
	require.ErrorIs(t, err, voucher.ErrInsufficientInventory)
}

func TestExpiringOwnedWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	filter := testFilter(t, 10)
	seedInventory(t, store, filter, map[string]time.Duration{
		"v-inside":  48 * time.Hour,
		"v-outside": 10 * 24 * time.Hour,
		"v-unowned": 24 * time.Hour,
	})
	buyerID := mustID(t, voucher.NewBuyerID, "buyer-1")
	require.NoError(t, store.AssignVoucher(ctx, mustID(t, voucher.NewVoucherID, "v-inside"), buyerID, testNow))
	require.NoError(t, store.AssignVoucher(ctx, mustID(t, voucher.NewVoucherID, "v-outside"), buyerID, testNow))

	expiring, err := store.ListExpiringOwned(ctx, testNow, testNow.Add(8*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	require.Equal(t, "v-inside", expiring[0].ID.String())
}
