package voucher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service contains the allocation and reconciliation logic over a Store.
type Service struct {
	store            Store
	nowFn            func() time.Time
	logger           OperationLogger
	gateway          PaymentGateway
	fallbackPerLiter AmountCents
	maxQuantity      int
	newID            func() string
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithPaymentGateway wires the outbound payment provider used by checkout.
func WithPaymentGateway(gateway PaymentGateway) ServiceOption {
	return func(service *Service) {
		service.gateway = gateway
	}
}

// WithFallbackPricePerLiter overrides the last-resort per-liter price.
func WithFallbackPricePerLiter(price AmountCents) ServiceOption {
	return func(service *Service) {
		service.fallbackPerLiter = price
	}
}

// WithMaxQuantity overrides the per-purchase voucher cap.
func WithMaxQuantity(limit int) ServiceOption {
	return func(service *Service) {
		service.maxQuantity = limit
	}
}

// WithIDGenerator overrides how transaction identifiers are minted.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		service.newID = generate
	}
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:            store,
		nowFn:            now,
		fallbackPerLiter: DefaultFallbackPricePerLiter,
		maxQuantity:      DefaultMaxQuantity,
		newID:            uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.fallbackPerLiter <= 0 {
		return nil, fmt.Errorf("%w: fallback price must be positive", ErrInvalidServiceConfig)
	}
	if service.maxQuantity <= 0 {
		return nil, fmt.Errorf("%w: max quantity must be positive", ErrInvalidServiceConfig)
	}
	if service.newID == nil {
		return nil, fmt.Errorf("%w: id generator is nil", ErrInvalidServiceConfig)
	}
	return service, nil
}

// MaxQuantity returns the per-purchase voucher cap.
func (service *Service) MaxQuantity() int {
	return service.maxQuantity
}

// ListNetworks returns networks that have stock for sale.
func (service *Service) ListNetworks(ctx context.Context) ([]Network, error) {
	return service.store.ListNetworks(ctx, service.nowFn())
}

// ListFuelTypes returns fuel types in stock at a network.
func (service *Service) ListFuelTypes(ctx context.Context, networkID NetworkID) ([]FuelType, error) {
	return service.store.ListFuelTypes(ctx, networkID, service.nowFn())
}

// ListVolumes returns voucher volumes in stock for a network and fuel type.
func (service *Service) ListVolumes(ctx context.Context, networkID NetworkID, fuelTypeID FuelTypeID) ([]Liters, error) {
	return service.store.ListVolumes(ctx, networkID, fuelTypeID, service.nowFn())
}

// GetBuyer loads a buyer profile.
func (service *Service) GetBuyer(ctx context.Context, buyerID BuyerID) (Buyer, error) {
	return service.store.GetBuyer(ctx, buyerID)
}

// RegisterBuyer creates or updates a buyer profile. Empty fields keep their stored values.
func (service *Service) RegisterBuyer(ctx context.Context, buyer Buyer) (Buyer, error) {
	var saved Buyer
	operationError := func() error {
		if buyer.ID.IsZero() {
			return fmt.Errorf("%w: empty value", ErrInvalidBuyerID)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			existing, err := transactionStore.GetBuyer(ctx, buyer.ID)
			if err != nil && !errors.Is(err, ErrUnknownBuyer) {
				return err
			}
			merged := mergeBuyer(existing, buyer)
			if err := transactionStore.SaveBuyer(ctx, merged); err != nil {
				return err
			}
			saved = merged
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationRegisterBuyer,
		BuyerID:   buyer.ID,
		Error:     operationError,
	})
	return saved, operationError
}

// GetTransaction loads a transaction by id.
func (service *Service) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	return service.store.GetTransaction(ctx, transactionID)
}

// ListOwnedVouchers returns vouchers committed to a buyer.
func (service *Service) ListOwnedVouchers(ctx context.Context, buyerID BuyerID) ([]Voucher, error) {
	return service.store.ListOwnedVouchers(ctx, buyerID)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func mergeBuyer(existing Buyer, update Buyer) Buyer {
	merged := existing
	merged.ID = update.ID
	if phone := strings.TrimSpace(update.Phone); phone != "" {
		merged.Phone = phone
	}
	if email := strings.TrimSpace(update.Email); email != "" {
		merged.Email = email
	}
	if displayName := strings.TrimSpace(update.DisplayName); displayName != "" {
		merged.DisplayName = displayName
	}
	return merged
}
