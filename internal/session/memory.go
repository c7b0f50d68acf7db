package session

import (
	"context"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mutex    sync.RWMutex
	sessions map[string]Session
	maxAge   time.Duration
	now      func() time.Time
}

// NewMemoryStore builds an in-memory store. A non-positive maxAge keeps sessions forever.
func NewMemoryStore(maxAge time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{sessions: make(map[string]Session), maxAge: maxAge, now: now}
}

func (store *MemoryStore) Load(ctx context.Context, buyerID voucher.BuyerID) (Session, error) {
	store.mutex.RLock()
	session, ok := store.sessions[buyerID.String()]
	store.mutex.RUnlock()
	if !ok {
		return Session{}, ErrNotFound
	}
	if expired(session, store.now(), store.maxAge) {
		store.mutex.Lock()
		delete(store.sessions, buyerID.String())
		store.mutex.Unlock()
		return Session{}, ErrNotFound
	}
	return session.clone(), nil
}

func (store *MemoryStore) Save(ctx context.Context, session Session) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.sessions[session.BuyerID] = session.clone()
	return nil
}

func (store *MemoryStore) Delete(ctx context.Context, buyerID voucher.BuyerID) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.sessions, buyerID.String())
	return nil
}

// Cleanup drops every expired session and reports how many were removed.
func (store *MemoryStore) Cleanup() int {
	now := store.now()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	removed := 0
	for buyerID, session := range store.sessions {
		if expired(session, now, store.maxAge) {
			delete(store.sessions, buyerID)
			removed++
		}
	}
	return removed
}
