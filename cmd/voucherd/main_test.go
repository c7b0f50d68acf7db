package main

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/store/gormstore"
	"github.com/stretchr/testify/require"
)

const testInventory = `
networks:
  - {id: okko, name: OKKO}
fuel_types:
  - {id: a95, name: A-95}
prices:
  - {network: okko, fuel_type: a95, volume: 20, amount_cents: 105000}
vouchers:
  - network: okko
    fuel_type: a95
    volume: 20
    expires_at: 2099-12-31
    codes: [A95-0001, A95-0002]
`

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestResolveDriver(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	testCases := []struct {
		name           string
		dsn            string
		expectedDriver string
		expectedPath   string
	}{
		{name: "postgres", dsn: "postgres://voucher@localhost/voucher", expectedDriver: driverPostgres},
		{name: "postgresql", dsn: "postgresql://voucher@localhost/voucher", expectedDriver: driverPostgres},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(dir, "a", "voucher.db"), expectedDriver: driverSQLite, expectedPath: filepath.Join(dir, "a", "voucher.db")},
		{name: "bare path", dsn: filepath.Join(dir, "b.db"), expectedDriver: driverSQLite, expectedPath: filepath.Join(dir, "b.db")},
		{name: "memory", dsn: ":memory:", expectedDriver: driverSQLite, expectedPath: ":memory:"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			driver, path, err := resolveDriver(testCase.dsn)
			require.NoError(t, err)
			require.Equal(t, testCase.expectedDriver, driver)
			require.Equal(t, testCase.expectedPath, path)
		})
	}
}

func TestStoreOptionsIsolation(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		driver   string
		expected sql.IsolationLevel
	}{
		{driver: driverPostgres, expected: sql.LevelSerializable},
		{driver: driverSQLite, expected: sql.LevelDefault},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.driver, func(t *testing.T) {
			t.Parallel()
			store := gormstore.New(nil, storeOptions(testCase.driver)...)
			require.Equal(t, testCase.expected, store.IsolationLevel())
		})
	}
}

func TestImportThenSweepOnSQLite(t *testing.T) {
	dir := t.TempDir()
	databaseURL := "sqlite://" + filepath.Join(dir, "voucher.db")
	inventoryPath := filepath.Join(dir, "stock.yaml")
	require.NoError(t, os.WriteFile(inventoryPath, []byte(testInventory), 0o600))

	out, err := executeCommand(t, "--env-file", "", "--database-url", databaseURL, "migrate")
	require.NoError(t, err)
	require.Contains(t, out, "sqlite schema up to date")

	out, err = executeCommand(t, "--env-file", "", "--database-url", databaseURL, "import", "--file", inventoryPath)
	require.NoError(t, err)
	require.Contains(t, out, "imported 1 networks, 1 fuel types, 1 prices, 2 vouchers")

	_, err = executeCommand(t, "--env-file", "", "--database-url", databaseURL, "import", "--file", inventoryPath)
	require.Error(t, err)

	out, err = executeCommand(t, "--env-file", "", "--database-url", databaseURL, "sweep", "--dry-run")
	require.NoError(t, err)
	require.Contains(t, out, "owners=0 vouchers=0")
}

func TestImportRequiresFile(t *testing.T) {
	_, err := executeCommand(t, "--env-file", "", "--database-url", filepath.Join(t.TempDir(), "voucher.db"), "import")
	require.Error(t, err)
}
