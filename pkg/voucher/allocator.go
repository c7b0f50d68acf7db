package voucher

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Reserve selects the soonest-expiring available vouchers matching the filter and
// prices them. Nothing is written; exclusivity is established only when a payment
// is reconciled.
func (service *Service) Reserve(ctx context.Context, filter VoucherFilter, quantity int) (Reservation, error) {
	var reservation Reservation
	operationError := func() error {
		if err := validateFilter(filter); err != nil {
			return err
		}
		if quantity < 1 || quantity > service.maxQuantity {
			return fmt.Errorf("%w: must be between 1 and %d", ErrInvalidQuantity, service.maxQuantity)
		}
		now := service.nowFn()
		vouchers, err := service.store.ListAvailableVouchers(ctx, filter, now, quantity)
		if err != nil {
			return err
		}
		candidates := make([]VoucherID, 0, quantity)
		for _, candidate := range vouchers {
			if !candidate.IsAvailableAt(now) {
				continue
			}
			candidates = append(candidates, candidate.ID)
			if len(candidates) == quantity {
				break
			}
		}
		if len(candidates) < quantity {
			return fmt.Errorf("%w: requested %d, available %d", ErrInsufficientInventory, quantity, len(candidates))
		}
		quote, err := service.ResolvePrice(ctx, filter)
		if err != nil {
			return err
		}
		reservation = Reservation{
			Filter:     filter,
			Candidates: candidates,
			UnitPrice:  quote.UnitPrice,
			Total:      quote.UnitPrice.Times(quantity),
			PriceTier:  quote.Tier,
		}
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation:    operationReserve,
		VoucherCount: quantity,
		Amount:       reservation.Total,
		PriceTier:    reservation.PriceTier,
		Error:        operationError,
	})
	return reservation, operationError
}

// CountAvailable returns how many vouchers matching the filter are for sale.
func (service *Service) CountAvailable(ctx context.Context, filter VoucherFilter) (int, error) {
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	return service.store.CountAvailableVouchers(ctx, filter, service.nowFn())
}

// ResolvePrice returns the unit price for a voucher of the filtered volume. The
// exact active price wins; otherwise the nearest other volume is pro-rated; otherwise
// the configured per-liter fallback applies.
func (service *Service) ResolvePrice(ctx context.Context, filter VoucherFilter) (PriceQuote, error) {
	prices, err := service.store.ListPrices(ctx, filter.NetworkID, filter.FuelTypeID)
	if err != nil {
		return PriceQuote{}, err
	}
	quote := service.quotePrice(filter.Volume, prices)
	service.logOperation(ctx, OperationLog{
		Operation: operationResolvePrice,
		Amount:    quote.UnitPrice,
		PriceTier: quote.Tier,
	})
	return quote, nil
}

func (service *Service) quotePrice(volume Liters, prices []Price) PriceQuote {
	others := make([]Price, 0, len(prices))
	for _, price := range prices {
		if !price.Active || price.Amount <= 0 || price.Volume <= 0 {
			continue
		}
		if price.Volume == volume {
			return PriceQuote{UnitPrice: price.Amount, Tier: PriceTierExact}
		}
		others = append(others, price)
	}
	if len(others) > 0 {
		sort.SliceStable(others, func(left, right int) bool {
			leftDistance := distance(others[left].Volume, volume)
			rightDistance := distance(others[right].Volume, volume)
			if leftDistance != rightDistance {
				return leftDistance < rightDistance
			}
			return others[left].Volume < others[right].Volume
		})
		reference := others[0]
		return PriceQuote{UnitPrice: prorate(reference.Amount, reference.Volume, volume), Tier: PriceTierProrated}
	}
	return PriceQuote{UnitPrice: service.fallbackPerLiter.Times(int(volume)), Tier: PriceTierFallback}
}

func prorate(amount AmountCents, from Liters, to Liters) AmountCents {
	scaled := decimal.NewFromInt(amount.Int64()).
		Mul(decimal.NewFromInt(to.Int64())).
		Div(decimal.NewFromInt(from.Int64())).
		Round(0)
	return AmountCents(scaled.IntPart())
}

func distance(left Liters, right Liters) Liters {
	if left > right {
		return left - right
	}
	return right - left
}

func validateFilter(filter VoucherFilter) error {
	if filter.NetworkID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidNetworkID)
	}
	if filter.FuelTypeID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidFuelTypeID)
	}
	if filter.Volume <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidVolume)
	}
	return nil
}
