package voucher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

var errStoreFailure = errors.New("store failure")

type stubStore struct {
	txMutex sync.Mutex

	networks            map[NetworkID]Network
	fuelTypes           map[FuelTypeID]FuelType
	prices              []Price
	vouchers            map[VoucherID]Voucher
	buyers              map[BuyerID]Buyer
	transactions        map[TransactionID]Transaction
	transactionVouchers []TransactionVoucher

	listAvailableError     error
	listPricesError        error
	getTransactionError    error
	createTransactionError error
	decideError            error
	lockError              error
	assignError            error
	assignErrorAtCall      int
	assignCalls            int
	setSessionError        error
	listStaleError         error
	listExpiringError      error
	getBuyerError          error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		networks:     make(map[NetworkID]Network),
		fuelTypes:    make(map[FuelTypeID]FuelType),
		vouchers:     make(map[VoucherID]Voucher),
		buyers:       make(map[BuyerID]Buyer),
		transactions: make(map[TransactionID]Transaction),
	}
}

type stubSnapshot struct {
	vouchers            map[VoucherID]Voucher
	buyers              map[BuyerID]Buyer
	transactions        map[TransactionID]Transaction
	transactionVouchers []TransactionVoucher
	prices              []Price
}

func (store *stubStore) snapshot() stubSnapshot {
	copied := stubSnapshot{
		vouchers:            make(map[VoucherID]Voucher, len(store.vouchers)),
		buyers:              make(map[BuyerID]Buyer, len(store.buyers)),
		transactions:        make(map[TransactionID]Transaction, len(store.transactions)),
		transactionVouchers: append([]TransactionVoucher(nil), store.transactionVouchers...),
		prices:              append([]Price(nil), store.prices...),
	}
	for key, value := range store.vouchers {
		copied.vouchers[key] = value
	}
	for key, value := range store.buyers {
		copied.buyers[key] = value
	}
	for key, value := range store.transactions {
		copied.transactions[key] = value
	}
	return copied
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.vouchers = snapshot.vouchers
	store.buyers = snapshot.buyers
	store.transactions = snapshot.transactions
	store.transactionVouchers = snapshot.transactionVouchers
	store.prices = snapshot.prices
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	saved := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

func (store *stubStore) ListNetworks(ctx context.Context, at time.Time) ([]Network, error) {
	seen := make(map[NetworkID]struct{})
	networks := make([]Network, 0)
	for _, stored := range store.sortedVouchers() {
		if !stored.IsAvailableAt(at) {
			continue
		}
		if _, ok := seen[stored.NetworkID]; ok {
			continue
		}
		seen[stored.NetworkID] = struct{}{}
		networks = append(networks, store.networks[stored.NetworkID])
	}
	sort.Slice(networks, func(left, right int) bool { return networks[left].Name < networks[right].Name })
	return networks, nil
}

func (store *stubStore) ListFuelTypes(ctx context.Context, networkID NetworkID, at time.Time) ([]FuelType, error) {
	seen := make(map[FuelTypeID]struct{})
	fuelTypes := make([]FuelType, 0)
	for _, stored := range store.sortedVouchers() {
		if !stored.IsAvailableAt(at) || stored.NetworkID != networkID {
			continue
		}
		if _, ok := seen[stored.FuelTypeID]; ok {
			continue
		}
		seen[stored.FuelTypeID] = struct{}{}
		fuelTypes = append(fuelTypes, store.fuelTypes[stored.FuelTypeID])
	}
	sort.Slice(fuelTypes, func(left, right int) bool { return fuelTypes[left].Name < fuelTypes[right].Name })
	return fuelTypes, nil
}

func (store *stubStore) ListVolumes(ctx context.Context, networkID NetworkID, fuelTypeID FuelTypeID, at time.Time) ([]Liters, error) {
	seen := make(map[Liters]struct{})
	volumes := make([]Liters, 0)
	for _, stored := range store.sortedVouchers() {
		if !stored.IsAvailableAt(at) || stored.NetworkID != networkID || stored.FuelTypeID != fuelTypeID {
			continue
		}
		if _, ok := seen[stored.Volume]; ok {
			continue
		}
		seen[stored.Volume] = struct{}{}
		volumes = append(volumes, stored.Volume)
	}
	sort.Slice(volumes, func(left, right int) bool { return volumes[left] < volumes[right] })
	return volumes, nil
}

func (store *stubStore) ListPrices(ctx context.Context, networkID NetworkID, fuelTypeID FuelTypeID) ([]Price, error) {
	if store.listPricesError != nil {
		return nil, store.listPricesError
	}
	prices := make([]Price, 0)
	for _, price := range store.prices {
		if price.NetworkID == networkID && price.FuelTypeID == fuelTypeID {
			prices = append(prices, price)
		}
	}
	return prices, nil
}

func (store *stubStore) ListAvailableVouchers(ctx context.Context, filter VoucherFilter, at time.Time, limit int) ([]Voucher, error) {
	if store.listAvailableError != nil {
		return nil, store.listAvailableError
	}
	matches := make([]Voucher, 0)
	for _, stored := range store.sortedVouchers() {
		if !stored.IsAvailableAt(at) || !matchesFilter(stored, filter) {
			continue
		}
		matches = append(matches, stored)
		if len(matches) == limit {
			break
		}
	}
	return matches, nil
}

func (store *stubStore) CountAvailableVouchers(ctx context.Context, filter VoucherFilter, at time.Time) (int, error) {
	count := 0
	for _, stored := range store.vouchers {
		if stored.IsAvailableAt(at) && matchesFilter(stored, filter) {
			count++
		}
	}
	return count, nil
}

func (store *stubStore) LockVouchers(ctx context.Context, voucherIDs []VoucherID) ([]Voucher, error) {
	if store.lockError != nil {
		return nil, store.lockError
	}
	locked := make([]Voucher, 0, len(voucherIDs))
	for _, voucherID := range voucherIDs {
		if stored, ok := store.vouchers[voucherID]; ok {
			locked = append(locked, stored)
		}
	}
	return locked, nil
}

func (store *stubStore) AssignVoucher(ctx context.Context, voucherID VoucherID, buyerID BuyerID, at time.Time) error {
	store.assignCalls++
	if store.assignError != nil && (store.assignErrorAtCall == 0 || store.assignErrorAtCall == store.assignCalls) {
		return store.assignError
	}
	stored, ok := store.vouchers[voucherID]
	if !ok || !stored.IsAvailableAt(at) {
		return ErrInventoryConflict
	}
	stored.OwnerID = buyerID
	stored.PurchasedAt = at
	store.vouchers[voucherID] = stored
	return nil
}

func (store *stubStore) MarkVoucherUsed(ctx context.Context, voucherID VoucherID, buyerID BuyerID, at time.Time) error {
	stored, ok := store.vouchers[voucherID]
	if !ok {
		return ErrUnknownVoucher
	}
	stored.IsUsed = true
	stored.UsedAt = at
	store.vouchers[voucherID] = stored
	return nil
}

func (store *stubStore) ListOwnedVouchers(ctx context.Context, buyerID BuyerID) ([]Voucher, error) {
	owned := make([]Voucher, 0)
	for _, stored := range store.sortedVouchers() {
		if stored.OwnerID == buyerID {
			owned = append(owned, stored)
		}
	}
	return owned, nil
}

func (store *stubStore) ListExpiringOwned(ctx context.Context, from time.Time, until time.Time) ([]Voucher, error) {
	if store.listExpiringError != nil {
		return nil, store.listExpiringError
	}
	expiring := make([]Voucher, 0)
	for _, stored := range store.sortedVouchers() {
		if stored.OwnerID.IsZero() || stored.IsUsed {
			continue
		}
		if stored.ExpiresAt.After(from) && stored.ExpiresAt.Before(until) {
			expiring = append(expiring, stored)
		}
	}
	return expiring, nil
}

func (store *stubStore) GetBuyer(ctx context.Context, buyerID BuyerID) (Buyer, error) {
	if store.getBuyerError != nil {
		return Buyer{}, store.getBuyerError
	}
	buyer, ok := store.buyers[buyerID]
	if !ok {
		return Buyer{}, ErrUnknownBuyer
	}
	return buyer, nil
}

func (store *stubStore) SaveBuyer(ctx context.Context, buyer Buyer) error {
	store.buyers[buyer.ID] = buyer
	return nil
}

func (store *stubStore) CreateTransaction(ctx context.Context, transaction Transaction) error {
	if store.createTransactionError != nil {
		return store.createTransactionError
	}
	store.transactions[transaction.ID] = transaction
	return nil
}

func (store *stubStore) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	if store.getTransactionError != nil {
		return Transaction{}, store.getTransactionError
	}
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return Transaction{}, ErrUnknownTransaction
	}
	return transaction, nil
}

func (store *stubStore) GetTransactionBySession(ctx context.Context, providerSessionID string) (Transaction, error) {
	for _, transaction := range store.transactions {
		if transaction.ProviderSessionID == providerSessionID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrUnknownTransaction
}

func (store *stubStore) SetProviderSession(ctx context.Context, transactionID TransactionID, providerSessionID string, redirectURL string) error {
	if store.setSessionError != nil {
		return store.setSessionError
	}
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return ErrUnknownTransaction
	}
	transaction.ProviderSessionID = providerSessionID
	transaction.ProviderRedirectURL = redirectURL
	store.transactions[transactionID] = transaction
	return nil
}

func (store *stubStore) DecideTransaction(ctx context.Context, transactionID TransactionID, decision TransactionDecision) error {
	if store.decideError != nil {
		return store.decideError
	}
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return ErrUnknownTransaction
	}
	if transaction.Status != TransactionStatusPending {
		return ErrInvalidTransition
	}
	store.transactions[transactionID] = applyDecision(transaction, decision)
	return nil
}

func (store *stubStore) InsertTransactionVoucher(ctx context.Context, row TransactionVoucher) error {
	for _, existing := range store.transactionVouchers {
		if existing.VoucherID == row.VoucherID {
			return ErrInventoryConflict
		}
	}
	store.transactionVouchers = append(store.transactionVouchers, row)
	return nil
}

func (store *stubStore) ListTransactionVouchers(ctx context.Context, transactionID TransactionID) ([]TransactionVoucher, error) {
	rows := make([]TransactionVoucher, 0)
	for _, row := range store.transactionVouchers {
		if row.TransactionID == transactionID {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (store *stubStore) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]Transaction, error) {
	if store.listStaleError != nil {
		return nil, store.listStaleError
	}
	stale := make([]Transaction, 0)
	for _, transaction := range store.transactions {
		if transaction.Status == TransactionStatusPending && transaction.CreatedAt.Before(createdBefore) {
			stale = append(stale, transaction)
		}
	}
	sort.Slice(stale, func(left, right int) bool { return stale[left].CreatedAt.Before(stale[right].CreatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (store *stubStore) SaveNetwork(ctx context.Context, network Network) error {
	store.networks[network.ID] = network
	return nil
}

func (store *stubStore) SaveFuelType(ctx context.Context, fuelType FuelType) error {
	store.fuelTypes[fuelType.ID] = fuelType
	return nil
}

func (store *stubStore) SavePrice(ctx context.Context, price Price) error {
	store.prices = append(store.prices, price)
	return nil
}

func (store *stubStore) InsertVoucher(ctx context.Context, voucher Voucher) error {
	for _, existing := range store.vouchers {
		if existing.Code == voucher.Code {
			return ErrDuplicateVoucherCode
		}
	}
	store.vouchers[voucher.ID] = voucher
	return nil
}

func (store *stubStore) sortedVouchers() []Voucher {
	sorted := make([]Voucher, 0, len(store.vouchers))
	for _, stored := range store.vouchers {
		sorted = append(sorted, stored)
	}
	sort.Slice(sorted, func(left, right int) bool {
		if !sorted[left].ExpiresAt.Equal(sorted[right].ExpiresAt) {
			return sorted[left].ExpiresAt.Before(sorted[right].ExpiresAt)
		}
		return sorted[left].ID.String() < sorted[right].ID.String()
	})
	return sorted
}

func (store *stubStore) addVoucher(test *testing.T, rawID string, filter VoucherFilter, expiresAt time.Time) Voucher {
	test.Helper()
	stored := Voucher{
		ID:            mustVoucherID(test, rawID),
		Code:          "code-" + rawID,
		NetworkID:     filter.NetworkID,
		FuelTypeID:    filter.FuelTypeID,
		Volume:        filter.Volume,
		PurchasePrice: 40000,
		ExpiresAt:     expiresAt,
	}
	store.vouchers[stored.ID] = stored
	return stored
}

func (store *stubStore) mustVoucher(test *testing.T, rawID string) Voucher {
	test.Helper()
	stored, ok := store.vouchers[mustVoucherID(test, rawID)]
	if !ok {
		test.Fatalf("voucher %s not found", rawID)
	}
	return stored
}

func (store *stubStore) mustTransaction(test *testing.T, transactionID TransactionID) Transaction {
	test.Helper()
	transaction, ok := store.transactions[transactionID]
	if !ok {
		test.Fatalf("transaction %s not found", transactionID)
	}
	return transaction
}

func matchesFilter(stored Voucher, filter VoucherFilter) bool {
	return stored.NetworkID == filter.NetworkID && stored.FuelTypeID == filter.FuelTypeID && stored.Volume == filter.Volume
}

type stubGateway struct {
	mutex       sync.Mutex
	sessionID   string
	redirectURL string
	status      ProviderStatus
	openError   error
	attachError error
	voidError   error
	statusError error
	phones      []string
	charges     []AmountCents
	items       [][]LineItem
	voided      []string
	statusCalls int
}

func (gateway *stubGateway) OpenSession(ctx context.Context, buyerPhone string) (string, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.phones = append(gateway.phones, buyerPhone)
	if gateway.openError != nil {
		return "", gateway.openError
	}
	return gateway.sessionID, nil
}

func (gateway *stubGateway) AttachCharge(ctx context.Context, sessionID string, amount AmountCents, items []LineItem) (string, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.charges = append(gateway.charges, amount)
	gateway.items = append(gateway.items, items)
	if gateway.attachError != nil {
		return "", gateway.attachError
	}
	return gateway.redirectURL, nil
}

func (gateway *stubGateway) Void(ctx context.Context, sessionID string) error {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.voided = append(gateway.voided, sessionID)
	return gateway.voidError
}

func (gateway *stubGateway) GetStatus(ctx context.Context, sessionID string) (ProviderStatus, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.statusCalls++
	if gateway.statusError != nil {
		return "", gateway.statusError
	}
	return gateway.status, nil
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) byOperation(operation string) []OperationLog {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	matches := make([]OperationLog, 0)
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			matches = append(matches, entry)
		}
	}
	return matches
}
