package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintVoucherCode        = "uniq_vouchers_code"
	constraintTransactionVoucher = "uniq_transaction_vouchers_voucher"
	constraintProviderSession    = "uniq_transactions_provider_session"
	pgUniqueViolationCode        = "23505"
	pgSerializationFailureCode   = "40001"
	pgDeadlockDetectedCode       = "40P01"
	defaultMaxRetries            = 3
	retryBackoffStep             = 50 * time.Millisecond

	errorOperationStore     = "store"
	errorSubjectBuyer       = "buyer"
	errorSubjectCatalog     = "catalog"
	errorSubjectPrice       = "price"
	errorSubjectTransaction = "transaction"
	errorSubjectVoucher     = "voucher"
	errorCodeAssign         = "assign"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCount          = "count"
	errorCodeCreate         = "create"
	errorCodeDecide         = "decide"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeRedeem         = "redeem"
	errorCodeRetry          = "retry"
	errorCodeSave           = "save"
	errorCodeSetSession     = "set_session"

	voucherColumns = `
		voucher_id, code, network_id, fuel_type_id, volume_liters, purchase_price_cents,
		owner_id, is_used, used_at, expires_at, purchased_at
	`

	transactionColumns = `
		transaction_id, buyer_id, unit_price_cents, total_amount_cents, status,
		candidate_voucher_ids, provider_session_id, provider_redirect_url, failure_reason,
		created_at, decided_at
	`

	sqlListNetworks = `
		select n.network_id, n.name from networks n
		where exists (
			select 1 from vouchers v
			where v.network_id = n.network_id and v.owner_id is null and not v.is_used and v.expires_at > $1
		)
		order by n.name
	`

	sqlListFuelTypes = `
		select f.fuel_type_id, f.name from fuel_types f
		where exists (
			select 1 from vouchers v
			where v.fuel_type_id = f.fuel_type_id and v.network_id = $1
			and v.owner_id is null and not v.is_used and v.expires_at > $2
		)
		order by f.name
	`

	sqlListVolumes = `
		select distinct volume_liters from vouchers
		where network_id = $1 and fuel_type_id = $2
		and owner_id is null and not is_used and expires_at > $3
		order by volume_liters
	`

	sqlListPrices = `
		select volume_liters, amount_cents, active from prices
		where network_id = $1 and fuel_type_id = $2
		order by volume_liters
	`

	sqlListAvailableVouchers = `select ` + voucherColumns + ` from vouchers
		where network_id = $1 and fuel_type_id = $2 and volume_liters = $3
		and owner_id is null and not is_used and expires_at > $4
		order by expires_at, voucher_id
		limit $5
	`

	sqlCountAvailableVouchers = `
		select count(*) from vouchers
		where network_id = $1 and fuel_type_id = $2 and volume_liters = $3
		and owner_id is null and not is_used and expires_at > $4
	`

	sqlLockVouchers = `select ` + voucherColumns + ` from vouchers
		where voucher_id = any($1)
		order by voucher_id
		for update
	`

	sqlAssignVoucher = `
		update vouchers set owner_id = $2, purchased_at = $3
		where voucher_id = $1 and owner_id is null and not is_used and expires_at > $3
	`

	sqlMarkVoucherUsed = `
		update vouchers set is_used = true, used_at = $3
		where voucher_id = $1 and owner_id = $2 and not is_used
	`

	sqlListOwnedVouchers = `select ` + voucherColumns + ` from vouchers
		where owner_id = $1
		order by expires_at, voucher_id
	`

	sqlListExpiringOwned = `select ` + voucherColumns + ` from vouchers
		where owner_id is not null and not is_used and expires_at > $1 and expires_at < $2
		order by owner_id, expires_at
	`

	sqlSelectBuyer = `
		select phone, email, display_name from buyers where buyer_id = $1
	`

	sqlUpsertBuyer = `
		insert into buyers(buyer_id, phone, email, display_name, created_at, updated_at)
		values ($1, $2, $3, $4, now(), now())
		on conflict (buyer_id) do update
		set phone = excluded.phone, email = excluded.email, display_name = excluded.display_name, updated_at = now()
	`

	sqlInsertTransaction = `
		insert into transactions(
			transaction_id, buyer_id, unit_price_cents, total_amount_cents, status, candidate_voucher_ids, created_at
		)
		values ($1, $2, $3, $4, $5, $6, $7)
	`

	sqlSelectTransaction = `select ` + transactionColumns + ` from transactions where transaction_id = $1`

	sqlSelectTransactionForUpdate = sqlSelectTransaction + ` for update`

	sqlSelectTransactionBySession = `select ` + transactionColumns + ` from transactions where provider_session_id = $1`

	sqlSetProviderSession = `
		update transactions set provider_session_id = $2, provider_redirect_url = $3
		where transaction_id = $1
	`

	sqlDecideTransaction = `
		update transactions set status = $2, failure_reason = $3, decided_at = $4
		where transaction_id = $1 and status = 'pending'
	`

	sqlTransactionExists = `select exists(select 1 from transactions where transaction_id = $1)`

	sqlInsertTransactionVoucher = `
		insert into transaction_vouchers(transaction_voucher_id, transaction_id, voucher_id, price_at_purchase_cents, created_at)
		values (gen_random_uuid(), $1, $2, $3, $4)
	`

	sqlListTransactionVouchers = `
		select voucher_id, price_at_purchase_cents, created_at from transaction_vouchers
		where transaction_id = $1
		order by created_at, voucher_id
	`

	sqlListStalePending = `select ` + transactionColumns + ` from transactions
		where status = 'pending' and created_at < $1
		order by created_at
		limit $2
	`

	sqlUpsertNetwork = `
		insert into networks(network_id, name, created_at) values ($1, $2, now())
		on conflict (network_id) do update set name = excluded.name
	`

	sqlUpsertFuelType = `
		insert into fuel_types(fuel_type_id, name, created_at) values ($1, $2, now())
		on conflict (fuel_type_id) do update set name = excluded.name
	`

	sqlUpsertPrice = `
		insert into prices(price_id, network_id, fuel_type_id, volume_liters, amount_cents, active, created_at, updated_at)
		values (gen_random_uuid(), $1, $2, $3, $4, $5, now(), now())
		on conflict (network_id, fuel_type_id, volume_liters) do update
		set amount_cents = excluded.amount_cents, active = excluded.active, updated_at = now()
	`

	sqlInsertVoucher = `
		insert into vouchers(` + voucherColumns + `, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
	`
)

// queryer is the subset of pgxpool.Pool and pgx.Tx the store needs.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements voucher.Store using a pgx connection pool. Transactions run at
// serializable isolation and are retried on serialization failures.
type Store struct {
	pool       *pgxpool.Pool
	q          queryer
	inTx       bool
	maxRetries int
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool, maxRetries: defaultMaxRetries}
}

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
	return wrapStoreError(errorSubjectTransaction, errorCodeRetry, lastErr)
}

func (store *Store) runTx(ctx context.Context, fn func(ctx context.Context, txStore voucher.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, q: tx, inTx: true, maxRetries: store.maxRetries}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) ListNetworks(ctx context.Context, at time.Time) ([]voucher.Network, error) {
	rows, err := store.q.Query(ctx, sqlListNetworks, at.UTC())
	if err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	defer rows.Close()
	networks := make([]voucher.Network, 0, 8)
	for rows.Next() {
		var idValue, name string
		if err := rows.Scan(&idValue, &name); err != nil {
			return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
		}
		networkID, err := voucher.NewNetworkID(idValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
		}
		networks = append(networks, voucher.Network{ID: networkID, Name: name})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	return networks, nil
}

func (store *Store) ListFuelTypes(ctx context.Context, networkID voucher.NetworkID, at time.Time) ([]voucher.FuelType, error) {
	rows, err := store.q.Query(ctx, sqlListFuelTypes, networkID.String(), at.UTC())
	if err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	defer rows.Close()
	fuelTypes := make([]voucher.FuelType, 0, 8)
	for rows.Next() {
		var idValue, name string
		if err := rows.Scan(&idValue, &name); err != nil {
			return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
		}
		fuelTypeID, err := voucher.NewFuelTypeID(idValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
		}
		fuelTypes = append(fuelTypes, voucher.FuelType{ID: fuelTypeID, Name: name})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	return fuelTypes, nil
}

func (store *Store) ListVolumes(ctx context.Context, networkID voucher.NetworkID, fuelTypeID voucher.FuelTypeID, at time.Time) ([]voucher.Liters, error) {
	rows, err := store.q.Query(ctx, sqlListVolumes, networkID.String(), fuelTypeID.String(), at.UTC())
	if err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[int64])
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
	rows, err := store.q.Query(ctx, sqlListPrices, networkID.String(), fuelTypeID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectPrice, errorCodeList, err)
	}
	defer rows.Close()
	prices := make([]voucher.Price, 0, 8)
	for rows.Next() {
		var volume, amount int64
		var active bool
		if err := rows.Scan(&volume, &amount, &active); err != nil {
			return nil, wrapStoreError(errorSubjectPrice, errorCodeList, err)
		}
		prices = append(prices, voucher.Price{
			NetworkID:  networkID,
			FuelTypeID: fuelTypeID,
			Volume:     voucher.Liters(volume),
			Amount:     voucher.AmountCents(amount),
			Active:     active,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPrice, errorCodeList, err)
	}
	return prices, nil
}

func (store *Store) ListAvailableVouchers(ctx context.Context, filter voucher.VoucherFilter, at time.Time, limit int) ([]voucher.Voucher, error) {
	return store.queryVouchers(ctx, sqlListAvailableVouchers,
		filter.NetworkID.String(), filter.FuelTypeID.String(), filter.Volume.Int64(), at.UTC(), limit)
}

func (store *Store) CountAvailableVouchers(ctx context.Context, filter voucher.VoucherFilter, at time.Time) (int, error) {
	var count int64
	err := store.q.QueryRow(ctx, sqlCountAvailableVouchers,
		filter.NetworkID.String(), filter.FuelTypeID.String(), filter.Volume.Int64(), at.UTC()).Scan(&count)
	if err != nil {
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
	return store.queryVouchers(ctx, sqlLockVouchers, ids)
}

func (store *Store) AssignVoucher(ctx context.Context, voucherID voucher.VoucherID, buyerID voucher.BuyerID, at time.Time) error {
	tag, err := store.q.Exec(ctx, sqlAssignVoucher, voucherID.String(), buyerID.String(), at.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeAssign, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectVoucher, errorCodeAssign, voucher.ErrInventoryConflict)
	}
	return nil
}

func (store *Store) MarkVoucherUsed(ctx context.Context, voucherID voucher.VoucherID, buyerID voucher.BuyerID, at time.Time) error {
	tag, err := store.q.Exec(ctx, sqlMarkVoucherUsed, voucherID.String(), buyerID.String(), at.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeRedeem, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectVoucher, errorCodeRedeem, voucher.ErrVoucherAlreadyUsed)
	}
	return nil
}

func (store *Store) ListOwnedVouchers(ctx context.Context, buyerID voucher.BuyerID) ([]voucher.Voucher, error) {
	return store.queryVouchers(ctx, sqlListOwnedVouchers, buyerID.String())
}

func (store *Store) ListExpiringOwned(ctx context.Context, from time.Time, until time.Time) ([]voucher.Voucher, error) {
	return store.queryVouchers(ctx, sqlListExpiringOwned, from.UTC(), until.UTC())
}

func (store *Store) GetBuyer(ctx context.Context, buyerID voucher.BuyerID) (voucher.Buyer, error) {
	buyer := voucher.Buyer{ID: buyerID}
	err := store.q.QueryRow(ctx, sqlSelectBuyer, buyerID.String()).Scan(&buyer.Phone, &buyer.Email, &buyer.DisplayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return voucher.Buyer{}, wrapStoreError(errorSubjectBuyer, errorCodeGet, voucher.ErrUnknownBuyer)
		}
		return voucher.Buyer{}, wrapStoreError(errorSubjectBuyer, errorCodeGet, err)
	}
	return buyer, nil
}

func (store *Store) SaveBuyer(ctx context.Context, buyer voucher.Buyer) error {
	if _, err := store.q.Exec(ctx, sqlUpsertBuyer, buyer.ID.String(), buyer.Phone, buyer.Email, buyer.DisplayName); err != nil {
		return wrapStoreError(errorSubjectBuyer, errorCodeSave, err)
	}
	return nil
}

func (store *Store) CreateTransaction(ctx context.Context, transaction voucher.Transaction) error {
	candidates := make([]string, 0, len(transaction.CandidateVoucherIDs))
	for _, candidate := range transaction.CandidateVoucherIDs {
		candidates = append(candidates, candidate.String())
	}
	_, err := store.q.Exec(ctx, sqlInsertTransaction,
		transaction.ID.String(),
		transaction.BuyerID.String(),
		transaction.UnitPrice.Int64(),
		transaction.TotalAmount.Int64(),
		transaction.Status.String(),
		candidates,
		transaction.CreatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID voucher.TransactionID) (voucher.Transaction, error) {
	query := sqlSelectTransaction
	if store.inTx {
		query = sqlSelectTransactionForUpdate
	}
	return store.queryTransaction(ctx, query, transactionID.String())
}

func (store *Store) GetTransactionBySession(ctx context.Context, providerSessionID string) (voucher.Transaction, error) {
	return store.queryTransaction(ctx, sqlSelectTransactionBySession, providerSessionID)
}

func (store *Store) SetProviderSession(ctx context.Context, transactionID voucher.TransactionID, providerSessionID string, redirectURL string) error {
	tag, err := store.q.Exec(ctx, sqlSetProviderSession, transactionID.String(), providerSessionID, redirectURL)
	if isUniqueViolation(err, constraintProviderSession) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, voucher.ErrInvalidProviderSession)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeSetSession, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeSetSession, voucher.ErrUnknownTransaction)
	}
	return nil
}

func (store *Store) DecideTransaction(ctx context.Context, transactionID voucher.TransactionID, decision voucher.TransactionDecision) error {
	tag, err := store.q.Exec(ctx, sqlDecideTransaction, transactionID.String(), decision.Status.String(), decision.Reason, decision.DecidedAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeDecide, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := store.q.QueryRow(ctx, sqlTransactionExists, transactionID.String()).Scan(&exists); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeDecide, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectTransaction, errorCodeDecide, voucher.ErrUnknownTransaction)
	}
	return wrapStoreError(errorSubjectTransaction, errorCodeDecide, voucher.ErrInvalidTransition)
}

func (store *Store) InsertTransactionVoucher(ctx context.Context, row voucher.TransactionVoucher) error {
	_, err := store.q.Exec(ctx, sqlInsertTransactionVoucher,
		row.TransactionID.String(), row.VoucherID.String(), row.PriceAtPurchase.Int64(), row.CreatedAt.UTC())
	if isUniqueViolation(err, constraintTransactionVoucher) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, voucher.ErrInventoryConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactionVouchers(ctx context.Context, transactionID voucher.TransactionID) ([]voucher.TransactionVoucher, error) {
	rows, err := store.q.Query(ctx, sqlListTransactionVouchers, transactionID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	result := make([]voucher.TransactionVoucher, 0, 4)
	for rows.Next() {
		var (
			voucherValue string
			priceValue   int64
			createdAt    time.Time
		)
		if err := rows.Scan(&voucherValue, &priceValue, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
		}
		voucherID, err := voucher.NewVoucherID(voucherValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		result = append(result, voucher.TransactionVoucher{
			TransactionID:   transactionID,
			VoucherID:       voucherID,
			PriceAtPurchase: voucher.AmountCents(priceValue),
			CreatedAt:       createdAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return result, nil
}

func (store *Store) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]voucher.Transaction, error) {
	rows, err := store.q.Query(ctx, sqlListStalePending, createdBefore.UTC(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]voucher.Transaction, 0, 8)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) SaveNetwork(ctx context.Context, network voucher.Network) error {
	if _, err := store.q.Exec(ctx, sqlUpsertNetwork, network.ID.String(), network.Name); err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeSave, err)
	}
	return nil
}

func (store *Store) SaveFuelType(ctx context.Context, fuelType voucher.FuelType) error {
	if _, err := store.q.Exec(ctx, sqlUpsertFuelType, fuelType.ID.String(), fuelType.Name); err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeSave, err)
	}
	return nil
}

func (store *Store) SavePrice(ctx context.Context, price voucher.Price) error {
	_, err := store.q.Exec(ctx, sqlUpsertPrice,
		price.NetworkID.String(), price.FuelTypeID.String(), price.Volume.Int64(), price.Amount.Int64(), price.Active)
	if err != nil {
		return wrapStoreError(errorSubjectPrice, errorCodeSave, err)
	}
	return nil
}

func (store *Store) InsertVoucher(ctx context.Context, item voucher.Voucher) error {
	var owner *string
	if !item.OwnerID.IsZero() {
		value := item.OwnerID.String()
		owner = &value
	}
	_, err := store.q.Exec(ctx, sqlInsertVoucher,
		item.ID.String(),
		item.Code,
		item.NetworkID.String(),
		item.FuelTypeID.String(),
		item.Volume.Int64(),
		item.PurchasePrice.Int64(),
		owner,
		item.IsUsed,
		optionalTime(item.UsedAt),
		item.ExpiresAt.UTC(),
		optionalTime(item.PurchasedAt),
	)
	if isUniqueViolation(err, constraintVoucherCode) {
		return wrapStoreError(errorSubjectVoucher, errorCodeDuplicate, voucher.ErrDuplicateVoucherCode)
	}
	if err != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) queryVouchers(ctx context.Context, query string, args ...any) ([]voucher.Voucher, error) {
	rows, err := store.q.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectVoucher, errorCodeList, err)
	}
	defer rows.Close()
	vouchers := make([]voucher.Voucher, 0, 8)
	for rows.Next() {
		item, err := scanVoucher(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectVoucher, errorCodeInvalid, err)
		}
		vouchers = append(vouchers, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectVoucher, errorCodeList, err)
	}
	return vouchers, nil
}

func (store *Store) queryTransaction(ctx context.Context, query string, args ...any) (voucher.Transaction, error) {
	transaction, err := scanTransaction(store.q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return voucher.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, voucher.ErrUnknownTransaction)
		}
		return voucher.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func scanVoucher(row pgx.Row) (voucher.Voucher, error) {
	var (
		idValue, code, networkValue, fuelValue string
		volumeValue, purchasePrice             int64
		ownerValue                             *string
		isUsed                                 bool
		usedAt, purchasedAt                    *time.Time
		expiresAt                              time.Time
	)
	if err := row.Scan(&idValue, &code, &networkValue, &fuelValue, &volumeValue, &purchasePrice,
		&ownerValue, &isUsed, &usedAt, &expiresAt, &purchasedAt); err != nil {
		return voucher.Voucher{}, err
	}
	voucherID, err := voucher.NewVoucherID(idValue)
	if err != nil {
		return voucher.Voucher{}, err
	}
	networkID, err := voucher.NewNetworkID(networkValue)
	if err != nil {
		return voucher.Voucher{}, err
	}
	fuelTypeID, err := voucher.NewFuelTypeID(fuelValue)
	if err != nil {
		return voucher.Voucher{}, err
	}
	volume, err := voucher.NewLiters(volumeValue)
	if err != nil {
		return voucher.Voucher{}, err
	}
	item := voucher.Voucher{
		ID:            voucherID,
		Code:          code,
		NetworkID:     networkID,
		FuelTypeID:    fuelTypeID,
		Volume:        volume,
		PurchasePrice: voucher.AmountCents(purchasePrice),
		IsUsed:        isUsed,
		UsedAt:        timeOrZero(usedAt),
		ExpiresAt:     expiresAt.UTC(),
		PurchasedAt:   timeOrZero(purchasedAt),
	}
	if ownerValue != nil {
		ownerID, err := voucher.NewBuyerID(*ownerValue)
		if err != nil {
			return voucher.Voucher{}, err
		}
		item.OwnerID = ownerID
	}
	return item, nil
}

func scanTransaction(row pgx.Row) (voucher.Transaction, error) {
	var (
		idValue, buyerValue, statusValue string
		unitPrice, totalAmount           int64
		candidateValues                  []string
		sessionValue                     *string
		redirectURL, failureReason       string
		createdAt                        time.Time
		decidedAt                        *time.Time
	)
	if err := row.Scan(&idValue, &buyerValue, &unitPrice, &totalAmount, &statusValue, &candidateValues,
		&sessionValue, &redirectURL, &failureReason, &createdAt, &decidedAt); err != nil {
		return voucher.Transaction{}, err
	}
	transactionID, err := voucher.NewTransactionID(idValue)
	if err != nil {
		return voucher.Transaction{}, err
	}
	buyerID, err := voucher.NewBuyerID(buyerValue)
	if err != nil {
		return voucher.Transaction{}, err
	}
	status, err := voucher.ParseTransactionStatus(statusValue)
	if err != nil {
		return voucher.Transaction{}, err
	}
	candidates := make([]voucher.VoucherID, 0, len(candidateValues))
	for _, raw := range candidateValues {
		candidate, err := voucher.NewVoucherID(raw)
		if err != nil {
			return voucher.Transaction{}, err
		}
		candidates = append(candidates, candidate)
	}
	transaction := voucher.Transaction{
		ID:                  transactionID,
		BuyerID:             buyerID,
		UnitPrice:           voucher.AmountCents(unitPrice),
		TotalAmount:         voucher.AmountCents(totalAmount),
		Status:              status,
		CandidateVoucherIDs: candidates,
		ProviderRedirectURL: redirectURL,
		FailureReason:       failureReason,
		CreatedAt:           createdAt.UTC(),
		DecidedAt:           timeOrZero(decidedAt),
	}
	if sessionValue != nil {
		transaction.ProviderSessionID = *sessionValue
	}
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return voucher.WrapError(errorOperationStore, subject, code, err)
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
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
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
