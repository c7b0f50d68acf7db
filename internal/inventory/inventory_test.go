package inventory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var kyiv = time.FixedZone("EET", 2*60*60)

const sampleInventory = `
networks:
  - {id: okko, name: OKKO}
  - {id: wog}
fuel_types:
  - {id: a95, name: A-95}
prices:
  - {network: okko, fuel_type: a95, volume: 20, amount_cents: 105000}
  - {network: wog, fuel_type: a95, volume: 10, amount_cents: 52000, active: false}
vouchers:
  - network: okko
    fuel_type: a95
    volume: 20
    expires_at: 2025-06-30
    codes: [A95-0001, A95-0002]
  - id: v-wog-1
    code: WOG-0001
    network: wog
    fuel_type: a95
    volume: 10
    expires_at: "2025-07-01T12:00:00Z"
`

func TestLoadConvertsDocument(t *testing.T) {
	t.Parallel()
	inventory, err := Load(strings.NewReader(sampleInventory), kyiv)
	require.NoError(t, err)

	require.Len(t, inventory.Networks, 2)
	require.Equal(t, "OKKO", inventory.Networks[0].Name)
	require.Equal(t, "wog", inventory.Networks[1].Name)
	require.Len(t, inventory.Prices, 2)
	require.True(t, inventory.Prices[0].Active)
	require.False(t, inventory.Prices[1].Active)
	require.Equal(t, voucher.AmountCents(105000), inventory.Prices[0].Amount)

	require.Len(t, inventory.Vouchers, 3)
	require.Equal(t, "A95-0001", inventory.Vouchers[0].Code)
	require.Empty(t, inventory.Vouchers[0].ID.String())
	require.True(t, inventory.Vouchers[0].ExpiresAt.Equal(time.Date(2025, time.June, 30, 22, 0, 0, 0, time.UTC)))
	require.Equal(t, "v-wog-1", inventory.Vouchers[2].ID.String())
	require.True(t, inventory.Vouchers[2].ExpiresAt.Equal(time.Date(2025, time.July, 1, 12, 0, 0, 0, time.UTC)))
}

func TestLoadRejectsBadEntries(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		document string
		contains string
	}{
		{name: "unknown key", document: "stations: []\n", contains: "stations"},
		{name: "empty network id", document: "networks:\n  - {name: OKKO}\n", contains: "networks[0]"},
		{name: "zero price", document: "prices:\n  - {network: okko, fuel_type: a95, volume: 20, amount_cents: 0}\n", contains: "prices[0]"},
		{name: "no codes", document: "vouchers:\n  - {network: okko, fuel_type: a95, volume: 20, expires_at: 2025-06-30}\n", contains: "vouchers[0]"},
		{name: "bad expiry", document: "vouchers:\n  - {network: okko, fuel_type: a95, volume: 20, expires_at: soon, code: A}\n", contains: "expires_at"},
		{name: "id for many codes", document: "vouchers:\n  - {id: v-1, network: okko, fuel_type: a95, volume: 20, expires_at: 2025-06-30, codes: [A, B]}\n", contains: "vouchers[0]"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(strings.NewReader(testCase.document), time.UTC)
			require.ErrorIs(t, err, errInvalidInventory)
			require.Contains(t, err.Error(), testCase.contains)
		})
	}
}

func TestLoadEmptyDocument(t *testing.T) {
	t.Parallel()
	inventory, err := Load(strings.NewReader(""), nil)
	require.NoError(t, err)
	require.Empty(t, inventory.Vouchers)
}

func TestLoadFileImportsIntoStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleInventory), 0o600))
	inventory, err := LoadFile(path, kyiv)
	require.NoError(t, err)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "inventory.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(gormstore.Models()...))

	now := time.Date(2025, time.March, 14, 10, 0, 0, 0, time.UTC)
	service, err := voucher.NewService(gormstore.New(db), func() time.Time { return now })
	require.NoError(t, err)

	ctx := context.Background()
	report, err := service.ImportInventory(ctx, inventory)
	require.NoError(t, err)
	require.Equal(t, voucher.ImportReport{Networks: 2, FuelTypes: 1, Prices: 2, Vouchers: 3}, report)

	networkID, err := voucher.NewNetworkID("okko")
	require.NoError(t, err)
	fuelTypeID, err := voucher.NewFuelTypeID("a95")
	require.NoError(t, err)
	available, err := service.CountAvailable(ctx, voucher.VoucherFilter{NetworkID: networkID, FuelTypeID: fuelTypeID, Volume: 20})
	require.NoError(t, err)
	require.Equal(t, 2, available)

	_, err = service.ImportInventory(ctx, voucher.Inventory{Vouchers: inventory.Vouchers[:1]})
	require.ErrorIs(t, err, voucher.ErrDuplicateVoucherCode)
}

func TestLoadFileMissing(t *testing.T) {
	t.Parallel()
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}
