package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	sqliteConstraintCode       = 19
	sqliteConstraintUniqueCode = 2067
	defaultMaxRetries          = 3
	retryBackoffStep           = 50 * time.Millisecond

	constraintVoucherCode        = "uniq_vouchers_code"
	constraintTransactionVoucher = "uniq_transaction_vouchers_voucher"
	constraintProviderSession    = "uniq_transactions_provider_session"

	errorOperationStore       = "store"
	errorSubjectBuyer         = "buyer"
	errorSubjectCatalog       = "catalog"
	errorSubjectPrice         = "price"
	errorSubjectTransaction   = "transaction"
	errorSubjectVoucher       = "voucher"
	errorCodeAssign           = "assign"
	errorCodeCount            = "count"
	errorCodeCreate           = "create"
	errorCodeDecide           = "decide"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLock             = "lock"
	errorCodeRedeem           = "redeem"
	errorCodeSave             = "save"
	errorCodeSetSession       = "set_session"
	errorCodeTransactionRetry = "retry"

	availableVoucherCondition = "owner_id IS NULL AND is_used = ? AND expires_at > ?"
)

// SQLite reports the indexed columns instead of the index name.
var sqliteUniqueColumns = map[string]string{
	constraintVoucherCode:        "vouchers.code",
	constraintTransactionVoucher: "transaction_vouchers.voucher_id",
	constraintProviderSession:    "transactions.provider_session_id",
}

// Option configures a Store.
type Option func(*Store)

// WithIsolation sets the isolation level used by WithTx.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(store *Store) {
		store.txOptions = &sql.TxOptions{Isolation: level}
	}
}

// WithMaxRetries sets how many times WithTx retries a transaction that failed
// with a serialization failure or deadlock.
func WithMaxRetries(retries int) Option {
	return func(store *Store) {
		if retries >= 0 {
			store.maxRetries = retries
		}
	}
}

// Store implements voucher.Store using GORM.
type Store struct {
	db         *gorm.DB
	txOptions  *sql.TxOptions
	maxRetries int
	inTx       bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, options ...Option) *Store {
	store := &Store{db: db, maxRetries: defaultMaxRetries}
	for _, option := range options {
		option(store)
	}
	return store
}

// IsolationLevel reports the isolation level WithTx requests.
func (store *Store) IsolationLevel() sql.IsolationLevel {
	if store.txOptions == nil {
		return sql.LevelDefault
	}
	return store.txOptions.Isolation
}

// WithTx executes fn within a transaction. Serialization failures and deadlocks are
// retried with a linear backoff; a nested call joins the outer transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore voucher.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	var lastErr error
	for attempt := 0; attempt <= store.maxRetries; attempt++ {
		lastErr = store.runTx(ctx, fn)
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * retryBackoffStep):
		}
	}
	return wrapStoreError(errorSubjectTransaction, errorCodeTransactionRetry, lastErr)
}

func (store *Store) runTx(ctx context.Context, fn func(ctx context.Context, txStore voucher.Store) error) error {
	options := make([]*sql.TxOptions, 0, 1)
	if store.txOptions != nil {
		options = append(options, store.txOptions)
	}
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, txOptions: store.txOptions, maxRetries: store.maxRetries, inTx: true})
	}, options...)
}

func (store *Store) ListNetworks(ctx context.Context, at time.Time) ([]voucher.Network, error) {
	stocked := store.db.Model(&Voucher{}).Select("network_id").Where(availableVoucherCondition, false, at.UTC())
	var rows []Network
	err := store.db.WithContext(ctx).
		Where("network_id IN (?)", stocked).
		Order("name ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	networks := make([]voucher.Network, 0, len(rows))
	for _, row := range rows {
		networkID, err := voucher.NewNetworkID(row.NetworkID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
		}
		networks = append(networks, voucher.Network{ID: networkID, Name: row.Name})
	}
	return networks, nil
}

func (store *Store) ListFuelTypes(ctx context.Context, networkID voucher.NetworkID, at time.Time) ([]voucher.FuelType, error) {
	stocked := store.db.Model(&Voucher{}).
		Select("fuel_type_id").
		Where("network_id = ?", networkID.String()).
		Where(availableVoucherCondition, false, at.UTC())
	var rows []FuelType
	err := store.db.WithContext(ctx).
		Where("fuel_type_id IN (?)", stocked).
		Order("name ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	fuelTypes := make([]voucher.FuelType, 0, len(rows))
	for _, row := range rows {
		fuelTypeID, err := voucher.NewFuelTypeID(row.FuelTypeID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
		}
		fuelTypes = append(fuelTypes, voucher.FuelType{ID: fuelTypeID, Name: row.Name})
	}
	return fuelTypes, nil
}

func (store *Store) ListVolumes(ctx context.Context, networkID voucher.NetworkID, fuelTypeID voucher.FuelTypeID, at time.Time) ([]voucher.Liters, error) {
	var values []int64
	err := store.db.WithContext(ctx).
		Model(&Voucher{}).
		Distinct("volume_liters").
		Where("network_id = ? AND fuel_type_id = ?", networkID.String(), fuelTypeID.String()).
		Where(availableVoucherCondition, false, at.UTC()).
		Order("volume_liters ASC").
		Pluck("volume_liters", &values).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	volumes := make([]voucher.Liters, 0, len(values))
	for _, value := range values {
		volume, err := voucher.NewLiters(value)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
		}
		volumes = append(volumes, volume)
	}
	return volumes, nil
}

func (store *Store) ListPrices(ctx context.Context, networkID voucher.NetworkID, fuelTypeID voucher.FuelTypeID) ([]voucher.Price, error) {
	var rows []Price
	err := store.db.WithContext(ctx).
		Where("network_id = ? AND fuel_type_id = ?", networkID.String(), fuelTypeID.String()).
		Order("volume_liters ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPrice, errorCodeList, err)
	}
	prices := make([]voucher.Price, 0, len(rows))
	for _, row := range rows {
		prices = append(prices, voucher.Price{
			NetworkID:  networkID,
			FuelTypeID: fuelTypeID,
			Volume:     voucher.Liters(row.VolumeLiters),
			Amount:     voucher.AmountCents(row.AmountCents),
			Active:     row.Active,
		})
	}
	return prices, nil
}

func (store *Store) ListAvailableVouchers(ctx context.Context, filter voucher.VoucherFilter, at time.Time, limit int) ([]voucher.Voucher, error) {
	var rows []Voucher
	err := store.selection(ctx, filter, at).
		Order("expires_at ASC, voucher_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectVoucher, errorCodeList, err)
	}
	return mapVouchers(rows)
}

func (store *Store) CountAvailableVouchers(ctx context.Context, filter voucher.VoucherFilter, at time.Time) (int, error) {
	var count int64
	if err := store.selection(ctx, filter, at).Count(&count).Error; err != nil {
		return 0, wrapStoreError(errorSubjectVoucher, errorCodeCount, err)
	}
	return int(count), nil
}

func (store *Store) LockVouchers(ctx context.Context, voucherIDs []voucher.VoucherID) ([]voucher.Voucher, error) {
	if len(voucherIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(voucherIDs))
	for _, voucherID := range voucherIDs {
		ids = append(ids, voucherID.String())
	}
	var rows []Voucher
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("voucher_id IN ?", ids).
		Order("voucher_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectVoucher, errorCodeLock, err)
	}
	return mapVouchers(rows)
}

func (store *Store) AssignVoucher(ctx context.Context, voucherID voucher.VoucherID, buyerID voucher.BuyerID, at time.Time) error {
	purchasedAt := at.UTC()
	result := store.db.WithContext(ctx).
		Model(&Voucher{}).
		Where("voucher_id = ?", voucherID.String()).
		Where(availableVoucherCondition, false, purchasedAt).
		Updates(map[string]any{
			"owner_id":     buyerID.String(),
			"purchased_at": purchasedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeAssign, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectVoucher, errorCodeAssign, voucher.ErrInventoryConflict)
	}
	return nil
}

func (store *Store) MarkVoucherUsed(ctx context.Context, voucherID voucher.VoucherID, buyerID voucher.BuyerID, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Voucher{}).
		Where("voucher_id = ? AND owner_id = ? AND is_used = ?", voucherID.String(), buyerID.String(), false).
		Updates(map[string]any{
			"is_used": true,
			"used_at": at.UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeRedeem, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectVoucher, errorCodeRedeem, voucher.ErrVoucherAlreadyUsed)
	}
	return nil
}

func (store *Store) ListOwnedVouchers(ctx context.Context, buyerID voucher.BuyerID) ([]voucher.Voucher, error) {
	var rows []Voucher
	err := store.db.WithContext(ctx).
		Where("owner_id = ?", buyerID.String()).
		Order("expires_at ASC, voucher_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectVoucher, errorCodeList, err)
	}
	return mapVouchers(rows)
}

func (store *Store) ListExpiringOwned(ctx context.Context, from time.Time, until time.Time) ([]voucher.Voucher, error) {
	var rows []Voucher
	err := store.db.WithContext(ctx).
		Where("owner_id IS NOT NULL AND is_used = ?", false).
		Where("expires_at > ? AND expires_at < ?", from.UTC(), until.UTC()).
		Order("owner_id ASC, expires_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectVoucher, errorCodeList, err)
	}
	return mapVouchers(rows)
}

func (store *Store) GetBuyer(ctx context.Context, buyerID voucher.BuyerID) (voucher.Buyer, error) {
	var row Buyer
	err := store.db.WithContext(ctx).Where("buyer_id = ?", buyerID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return voucher.Buyer{}, wrapStoreError(errorSubjectBuyer, errorCodeGet, voucher.ErrUnknownBuyer)
		}
		return voucher.Buyer{}, wrapStoreError(errorSubjectBuyer, errorCodeGet, err)
	}
	return voucher.Buyer{ID: buyerID, Phone: row.Phone, Email: row.Email, DisplayName: row.DisplayName}, nil
}

func (store *Store) SaveBuyer(ctx context.Context, buyer voucher.Buyer) error {
	row := Buyer{
		BuyerID:     buyer.ID.String(),
		Phone:       buyer.Phone,
		Email:       buyer.Email,
		DisplayName: buyer.DisplayName,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "buyer_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"phone", "email", "display_name", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBuyer, errorCodeSave, err)
	}
	return nil
}

func (store *Store) CreateTransaction(ctx context.Context, transaction voucher.Transaction) error {
	candidates := make([]string, 0, len(transaction.CandidateVoucherIDs))
	for _, candidate := range transaction.CandidateVoucherIDs {
		candidates = append(candidates, candidate.String())
	}
	row := Transaction{
		TransactionID:       transaction.ID.String(),
		BuyerID:             transaction.BuyerID.String(),
		UnitPriceCents:      transaction.UnitPrice.Int64(),
		TotalAmountCents:    transaction.TotalAmount.Int64(),
		Status:              transaction.Status.String(),
		CandidateVoucherIDs: candidates,
		CreatedAt:           transaction.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID voucher.TransactionID) (voucher.Transaction, error) {
	query := store.db.WithContext(ctx)
	if store.inTx {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Transaction
	err := query.Where("transaction_id = ?", transactionID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return voucher.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, voucher.ErrUnknownTransaction)
		}
		return voucher.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return voucher.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) GetTransactionBySession(ctx context.Context, providerSessionID string) (voucher.Transaction, error) {
	var row Transaction
	err := store.db.WithContext(ctx).Where("provider_session_id = ?", providerSessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return voucher.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, voucher.ErrUnknownTransaction)
		}
		return voucher.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return voucher.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) SetProviderSession(ctx context.Context, transactionID voucher.TransactionID, providerSessionID string, redirectURL string) error {
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("transaction_id = ?", transactionID.String()).
		Updates(map[string]any{
			"provider_session_id":   providerSessionID,
			"provider_redirect_url": redirectURL,
		})
	if isUniqueViolation(result.Error, constraintProviderSession) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, voucher.ErrInvalidProviderSession)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeSetSession, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeSetSession, voucher.ErrUnknownTransaction)
	}
	return nil
}

func (store *Store) DecideTransaction(ctx context.Context, transactionID voucher.TransactionID, decision voucher.TransactionDecision) error {
	decidedAt := decision.DecidedAt.UTC()
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("transaction_id = ? AND status = ?", transactionID.String(), voucher.TransactionStatusPending.String()).
		Updates(map[string]any{
			"status":         decision.Status.String(),
			"failure_reason": decision.Reason,
			"decided_at":     decidedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeDecide, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&Transaction{}).Where("transaction_id = ?", transactionID.String()).Count(&count).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeDecide, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeDecide, voucher.ErrUnknownTransaction)
	}
	return wrapStoreError(errorSubjectTransaction, errorCodeDecide, voucher.ErrInvalidTransition)
}

func (store *Store) InsertTransactionVoucher(ctx context.Context, transactionVoucher voucher.TransactionVoucher) error {
	row := TransactionVoucher{
		TransactionID:        transactionVoucher.TransactionID.String(),
		VoucherID:            transactionVoucher.VoucherID.String(),
		PriceAtPurchaseCents: transactionVoucher.PriceAtPurchase.Int64(),
		CreatedAt:            transactionVoucher.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintTransactionVoucher) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, voucher.ErrInventoryConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactionVouchers(ctx context.Context, transactionID voucher.TransactionID) ([]voucher.TransactionVoucher, error) {
	var rows []TransactionVoucher
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID.String()).
		Order("created_at ASC, voucher_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	result := make([]voucher.TransactionVoucher, 0, len(rows))
	for _, row := range rows {
		voucherID, err := voucher.NewVoucherID(row.VoucherID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		result = append(result, voucher.TransactionVoucher{
			TransactionID:   transactionID,
			VoucherID:       voucherID,
			PriceAtPurchase: voucher.AmountCents(row.PriceAtPurchaseCents),
			CreatedAt:       row.CreatedAt.UTC(),
		})
	}
	return result, nil
}

func (store *Store) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]voucher.Transaction, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", voucher.TransactionStatusPending.String(), createdBefore.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]voucher.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) SaveNetwork(ctx context.Context, network voucher.Network) error {
	row := Network{NetworkID: network.ID.String(), Name: network.Name}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "network_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeSave, err)
	}
	return nil
}

func (store *Store) SaveFuelType(ctx context.Context, fuelType voucher.FuelType) error {
	row := FuelType{FuelTypeID: fuelType.ID.String(), Name: fuelType.Name}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fuel_type_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeSave, err)
	}
	return nil
}

func (store *Store) SavePrice(ctx context.Context, price voucher.Price) error {
	row := Price{
		NetworkID:    price.NetworkID.String(),
		FuelTypeID:   price.FuelTypeID.String(),
		VolumeLiters: price.Volume.Int64(),
		AmountCents:  price.Amount.Int64(),
		Active:       price.Active,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "network_id"}, {Name: "fuel_type_id"}, {Name: "volume_liters"}},
			DoUpdates: clause.AssignmentColumns([]string{"amount_cents", "active", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectPrice, errorCodeSave, err)
	}
	return nil
}

func (store *Store) InsertVoucher(ctx context.Context, item voucher.Voucher) error {
	row := Voucher{
		VoucherID:          item.ID.String(),
		Code:               item.Code,
		NetworkID:          item.NetworkID.String(),
		FuelTypeID:         item.FuelTypeID.String(),
		VolumeLiters:       item.Volume.Int64(),
		PurchasePriceCents: item.PurchasePrice.Int64(),
		IsUsed:             item.IsUsed,
		ExpiresAt:          item.ExpiresAt.UTC(),
		UsedAt:             optionalTime(item.UsedAt),
		PurchasedAt:        optionalTime(item.PurchasedAt),
	}
	if !item.OwnerID.IsZero() {
		owner := item.OwnerID.String()
		row.OwnerID = &owner
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintVoucherCode) {
		return wrapStoreError(errorSubjectVoucher, errorCodeDuplicate, voucher.ErrDuplicateVoucherCode)
	}
	if err != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) selection(ctx context.Context, filter voucher.VoucherFilter, at time.Time) *gorm.DB {
	return store.db.WithContext(ctx).
		Model(&Voucher{}).
		Where("network_id = ? AND fuel_type_id = ? AND volume_liters = ?", filter.NetworkID.String(), filter.FuelTypeID.String(), filter.Volume.Int64()).
		Where(availableVoucherCondition, false, at.UTC())
}

func wrapStoreError(subject string, code string, err error) error {
	return voucher.WrapError(errorOperationStore, subject, code, err)
}

func mapVouchers(rows []Voucher) ([]voucher.Voucher, error) {
	vouchers := make([]voucher.Voucher, 0, len(rows))
	for _, row := range rows {
		mapped, err := mapVoucher(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectVoucher, errorCodeInvalid, err)
		}
		vouchers = append(vouchers, mapped)
	}
	return vouchers, nil
}

func mapVoucher(row Voucher) (voucher.Voucher, error) {
	voucherID, err := voucher.NewVoucherID(row.VoucherID)
	if err != nil {
		return voucher.Voucher{}, err
	}
	networkID, err := voucher.NewNetworkID(row.NetworkID)
	if err != nil {
		return voucher.Voucher{}, err
	}
	fuelTypeID, err := voucher.NewFuelTypeID(row.FuelTypeID)
	if err != nil {
		return voucher.Voucher{}, err
	}
	volume, err := voucher.NewLiters(row.VolumeLiters)
	if err != nil {
		return voucher.Voucher{}, err
	}
	mapped := voucher.Voucher{
		ID:            voucherID,
		Code:          row.Code,
		NetworkID:     networkID,
		FuelTypeID:    fuelTypeID,
		Volume:        volume,
		PurchasePrice: voucher.AmountCents(row.PurchasePriceCents),
		IsUsed:        row.IsUsed,
		UsedAt:        timeOrZero(row.UsedAt),
		ExpiresAt:     row.ExpiresAt.UTC(),
		PurchasedAt:   timeOrZero(row.PurchasedAt),
	}
	if row.OwnerID != nil {
		ownerID, err := voucher.NewBuyerID(*row.OwnerID)
		if err != nil {
			return voucher.Voucher{}, err
		}
		mapped.OwnerID = ownerID
	}
	return mapped, nil
}

func mapTransaction(row Transaction) (voucher.Transaction, error) {
	transactionID, err := voucher.NewTransactionID(row.TransactionID)
	if err != nil {
		return voucher.Transaction{}, err
	}
	buyerID, err := voucher.NewBuyerID(row.BuyerID)
	if err != nil {
		return voucher.Transaction{}, err
	}
	status, err := voucher.ParseTransactionStatus(row.Status)
	if err != nil {
		return voucher.Transaction{}, err
	}
	candidates := make([]voucher.VoucherID, 0, len(row.CandidateVoucherIDs))
	for _, raw := range row.CandidateVoucherIDs {
		candidate, err := voucher.NewVoucherID(raw)
		if err != nil {
			return voucher.Transaction{}, err
		}
		candidates = append(candidates, candidate)
	}
	transaction := voucher.Transaction{
		ID:                  transactionID,
		BuyerID:             buyerID,
		UnitPrice:           voucher.AmountCents(row.UnitPriceCents),
		TotalAmount:         voucher.AmountCents(row.TotalAmountCents),
		Status:              status,
		CandidateVoucherIDs: candidates,
		ProviderRedirectURL: row.ProviderRedirectURL,
		FailureReason:       row.FailureReason,
		CreatedAt:           row.CreatedAt.UTC(),
		DecidedAt:           timeOrZero(row.DecidedAt),
	}
	if row.ProviderSessionID != nil {
		transaction.ProviderSessionID = *row.ProviderSessionID
	}
	return transaction, nil
}

func timeOrZero(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return value.UTC()
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		message := sqliteErr.Error()
		unique := sqliteErr.Code() == sqliteConstraintUniqueCode ||
			(sqliteErr.Code() == sqliteConstraintCode && strings.Contains(message, "UNIQUE constraint failed"))
		columns, known := sqliteUniqueColumns[constraint]
		return unique && known && strings.Contains(message, columns)
	}
	return false
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	return false
}
