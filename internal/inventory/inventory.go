// Package inventory reads the YAML files stock is imported from.
//
//	networks:
//	  - {id: okko, name: OKKO}
//	fuel_types:
//	  - {id: a95, name: A-95}
//	prices:
//	  - {network: okko, fuel_type: a95, volume: 20, amount_cents: 105000}
//	vouchers:
//	  - network: okko
//	    fuel_type: a95
//	    volume: 20
//	    expires_at: 2025-06-30
//	    codes: [A95-0001, A95-0002]
//
// A date-only expires_at keeps the voucher valid through that day in the load location.
package inventory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

var errInvalidInventory = errors.New("invalid inventory file")

type document struct {
	Networks  []namedEntry   `yaml:"networks"`
	FuelTypes []namedEntry   `yaml:"fuel_types"`
	Prices    []priceEntry   `yaml:"prices"`
	Vouchers  []voucherEntry `yaml:"vouchers"`
}

type namedEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type priceEntry struct {
	Network     string `yaml:"network"`
	FuelType    string `yaml:"fuel_type"`
	Volume      int64  `yaml:"volume"`
	AmountCents int64  `yaml:"amount_cents"`
	Active      *bool  `yaml:"active"`
}

type voucherEntry struct {
	ID        string   `yaml:"id"`
	Code      string   `yaml:"code"`
	Codes     []string `yaml:"codes"`
	Network   string   `yaml:"network"`
	FuelType  string   `yaml:"fuel_type"`
	Volume    int64    `yaml:"volume"`
	ExpiresAt string   `yaml:"expires_at"`
}

// LoadFile reads and converts one inventory file.
func LoadFile(path string, location *time.Location) (voucher.Inventory, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return voucher.Inventory{}, fmt.Errorf("read inventory %s: %w", path, err)
	}
	return Load(bytes.NewReader(contents), location)
}

// Load decodes a YAML document into an import batch. Unknown keys are rejected.
func Load(reader io.Reader, location *time.Location) (voucher.Inventory, error) {
	if location == nil {
		location = time.UTC
	}
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	var parsed document
	if err := decoder.Decode(&parsed); err != nil {
		if errors.Is(err, io.EOF) {
			return voucher.Inventory{}, nil
		}
		return voucher.Inventory{}, fmt.Errorf("%w: %w", errInvalidInventory, err)
	}

	var inventory voucher.Inventory
	for index, entry := range parsed.Networks {
		networkID, err := voucher.NewNetworkID(entry.ID)
		if err != nil {
			return voucher.Inventory{}, entryError("networks", index, err)
		}
		inventory.Networks = append(inventory.Networks, voucher.Network{ID: networkID, Name: nameOrID(entry)})
	}
	for index, entry := range parsed.FuelTypes {
		fuelTypeID, err := voucher.NewFuelTypeID(entry.ID)
		if err != nil {
			return voucher.Inventory{}, entryError("fuel_types", index, err)
		}
		inventory.FuelTypes = append(inventory.FuelTypes, voucher.FuelType{ID: fuelTypeID, Name: nameOrID(entry)})
	}
	for index, entry := range parsed.Prices {
		price, err := convertPrice(entry)
		if err != nil {
			return voucher.Inventory{}, entryError("prices", index, err)
		}
		inventory.Prices = append(inventory.Prices, price)
	}
	for index, entry := range parsed.Vouchers {
		vouchers, err := convertVouchers(entry, location)
		if err != nil {
			return voucher.Inventory{}, entryError("vouchers", index, err)
		}
		inventory.Vouchers = append(inventory.Vouchers, vouchers...)
	}
	return inventory, nil
}

func convertPrice(entry priceEntry) (voucher.Price, error) {
	networkID, err := voucher.NewNetworkID(entry.Network)
	if err != nil {
		return voucher.Price{}, err
	}
	fuelTypeID, err := voucher.NewFuelTypeID(entry.FuelType)
	if err != nil {
		return voucher.Price{}, err
	}
	volume, err := voucher.NewLiters(entry.Volume)
	if err != nil {
		return voucher.Price{}, err
	}
	amount, err := voucher.NewAmountCents(entry.AmountCents)
	if err != nil {
		return voucher.Price{}, err
	}
	active := true
	if entry.Active != nil {
		active = *entry.Active
	}
	return voucher.Price{NetworkID: networkID, FuelTypeID: fuelTypeID, Volume: volume, Amount: amount, Active: active}, nil
}

func convertVouchers(entry voucherEntry, location *time.Location) ([]voucher.Voucher, error) {
	networkID, err := voucher.NewNetworkID(entry.Network)
	if err != nil {
		return nil, err
	}
	fuelTypeID, err := voucher.NewFuelTypeID(entry.FuelType)
	if err != nil {
		return nil, err
	}
	volume, err := voucher.NewLiters(entry.Volume)
	if err != nil {
		return nil, err
	}
	expiresAt, err := parseExpiry(entry.ExpiresAt, location)
	if err != nil {
		return nil, err
	}
	codes := entry.Codes
	if strings.TrimSpace(entry.Code) != "" {
		codes = append([]string{entry.Code}, codes...)
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: empty value", voucher.ErrInvalidVoucherCode)
	}
	if entry.ID != "" && len(codes) > 1 {
		return nil, fmt.Errorf("%w: id given for %d codes", voucher.ErrInvalidVoucherID, len(codes))
	}
	vouchers := make([]voucher.Voucher, 0, len(codes))
	for _, code := range codes {
		item := voucher.Voucher{
			Code:       strings.TrimSpace(code),
			NetworkID:  networkID,
			FuelTypeID: fuelTypeID,
			Volume:     volume,
			ExpiresAt:  expiresAt,
		}
		if entry.ID != "" {
			voucherID, err := voucher.NewVoucherID(entry.ID)
			if err != nil {
				return nil, err
			}
			item.ID = voucherID
		}
		vouchers = append(vouchers, item)
	}
	return vouchers, nil
}

func parseExpiry(raw string, location *time.Location) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, errors.New("expires_at is required")
	}
	if day, err := time.ParseInLocation(dateLayout, trimmed, location); err == nil {
		return day.AddDate(0, 0, 1).UTC(), nil
	}
	moment, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("expires_at %q: want YYYY-MM-DD or RFC 3339", trimmed)
	}
	return moment.UTC(), nil
}

func nameOrID(entry namedEntry) string {
	if name := strings.TrimSpace(entry.Name); name != "" {
		return name
	}
	return strings.TrimSpace(entry.ID)
}

func entryError(section string, index int, err error) error {
	return fmt.Errorf("%w: %s[%d]: %w", errInvalidInventory, section, index, err)
}
