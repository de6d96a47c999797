package mirror

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
)

// MemoryStore keeps the mirror in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	assets    map[common.Address]AssetRecord
	pools     map[common.Address]escrow.Pool
	transfers map[common.Address]escrow.Transfer
	outcomes  map[common.Hash]OutcomeRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:    make(map[common.Address]AssetRecord),
		pools:     make(map[common.Address]escrow.Pool),
		transfers: make(map[common.Address]escrow.Transfer),
		outcomes:  make(map[common.Hash]OutcomeRecord),
	}
}

// UpsertAsset implements Store.
func (m *MemoryStore) UpsertAsset(_ context.Context, asset AssetRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.assets[asset.Address]; ok {
		stamped := asset.UpdatedAt
		asset.UpdatedAt = current.UpdatedAt
		if current == asset {
			return nil
		}
		asset.UpdatedAt = stamped
	}
	if asset.UpdatedAt.IsZero() {
		asset.UpdatedAt = time.Now().UTC()
	}
	m.assets[asset.Address] = asset
	return nil
}

// UpsertAssets implements AssetBatcher.
func (m *MemoryStore) UpsertAssets(ctx context.Context, assets []AssetRecord) error {
	for _, a := range assets {
		if err := m.UpsertAsset(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// UpsertPool implements Store.
func (m *MemoryStore) UpsertPool(_ context.Context, pool escrow.Pool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.pools[pool.Address]; ok && !PoolNewer(&current, &pool) {
		return false, nil
	}
	m.pools[pool.Address] = pool
	return true, nil
}

// ReplacePool implements Store.
func (m *MemoryStore) ReplacePool(_ context.Context, pool escrow.Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[pool.Address] = pool
	return nil
}

// UpsertTransfer implements Store.
func (m *MemoryStore) UpsertTransfer(_ context.Context, transfer escrow.Transfer) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.transfers[transfer.Address]; ok && !TransferNewer(&current, &transfer) {
		return false, nil
	}
	m.transfers[transfer.Address] = transfer
	return true, nil
}

// RecordOutcome implements Store.
func (m *MemoryStore) RecordOutcome(_ context.Context, outcome OutcomeRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.outcomes[outcome.TxHash]; ok {
		return false, nil
	}
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now().UTC()
	}
	m.outcomes[outcome.TxHash] = outcome
	return true, nil
}

// GetPool implements Store.
func (m *MemoryStore) GetPool(_ context.Context, address common.Address) (*escrow.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.pools[address]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "pool not mirrored", xerrors.WithMetadata("pool", address.Hex()))
	}
	return &pool, nil
}

// ListPools implements Store.
func (m *MemoryStore) ListPools(_ context.Context) ([]escrow.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pools := make([]escrow.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Address.Cmp(pools[j].Address) < 0 })
	return pools, nil
}

// GetTransfer implements Store.
func (m *MemoryStore) GetTransfer(_ context.Context, address common.Address) (*escrow.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	transfer, ok := m.transfers[address]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "transfer not mirrored", xerrors.WithMetadata("transfer", address.Hex()))
	}
	return &transfer, nil
}

// ListTransfers implements Store. Results are newest first.
func (m *MemoryStore) ListTransfers(_ context.Context, filter TransferFilter) ([]escrow.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []escrow.Transfer
	for _, t := range m.transfers {
		if filter.Match(&t) {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt > result[j].CreatedAt
		}
		return result[i].Address.Cmp(result[j].Address) < 0
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// GetOutcome implements Store.
func (m *MemoryStore) GetOutcome(_ context.Context, txHash common.Hash) (*OutcomeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	outcome, ok := m.outcomes[txHash]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "outcome not recorded", xerrors.WithMetadata("tx", txHash.Hex()))
	}
	return &outcome, nil
}

// Asset returns a mirrored asset.
func (m *MemoryStore) Asset(address common.Address) (AssetRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[address]
	return a, ok
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
