package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
	"Handshake-Escrow/internal/observability/metrics"
	"Handshake-Escrow/pkg/logger"
)

// Config controls the ledger runtime.
type Config struct {
	// Authority may initialise assets and pools.
	Authority common.Address
	// RecentWindow is how many recent hashes a transaction may reference.
	RecentWindow int
	// SlotInterval advances the recent hash when no transaction lands.
	SlotInterval time.Duration
	// Workers apply pending transactions in parallel.
	Workers   int
	QueueSize int
	Clock     func() time.Time
	Logger    *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.RecentWindow <= 0 {
		c.RecentWindow = 150
	}
	if c.SlotInterval <= 0 {
		c.SlotInterval = 400 * time.Millisecond
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = logger.Named("ledger")
	}
}

type holdingKey struct {
	owner common.Address
	asset common.Address
}

type sequenceKey struct {
	sender common.Address
	pool   common.Address
}

// Ledger is the authoritative escrow ledger. Transactions are accepted by
// SendTransaction and applied asynchronously by Run.
type Ledger struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	assets    map[common.Address]*Asset
	holdings  map[holdingKey]uint64
	pools     map[common.Address]*escrow.Pool
	transfers map[common.Address]*escrow.Transfer
	sequences map[sequenceKey]uint64
	receipts  map[common.Hash]*Receipt
	recent    []common.Hash
	recentSet map[common.Hash]struct{}
	slot      uint64
	head      common.Hash

	locks   stripedLocks
	pending chan *SignedTransaction
}

// New returns an empty ledger.
func New(cfg Config) *Ledger {
	cfg.applyDefaults()
	l := &Ledger{
		cfg:       cfg,
		logger:    cfg.Logger,
		assets:    make(map[common.Address]*Asset),
		holdings:  make(map[holdingKey]uint64),
		pools:     make(map[common.Address]*escrow.Pool),
		transfers: make(map[common.Address]*escrow.Transfer),
		sequences: make(map[sequenceKey]uint64),
		receipts:  make(map[common.Hash]*Receipt),
		recentSet: make(map[common.Hash]struct{}),
		pending:   make(chan *SignedTransaction, cfg.QueueSize),
	}
	l.mu.Lock()
	l.advanceLocked(common.Hash{})
	l.mu.Unlock()
	return l
}

// Authority returns the provisioning authority.
func (l *Ledger) Authority() common.Address {
	return l.cfg.Authority
}

// GenesisPool provisions a pool at start.
type GenesisPool struct {
	Asset    common.Address
	Operator common.Address
	FeeBps   uint16
}

// GenesisHolding provisions a funded holding at start.
type GenesisHolding struct {
	Owner   common.Address
	Asset   common.Address
	Balance uint64
}

// Genesis is the initial state of a fresh ledger.
type Genesis struct {
	Assets   []Asset
	Pools    []GenesisPool
	Holdings []GenesisHolding
}

// ApplyGenesis installs assets, pools and balances. It must run before any
// transaction is submitted.
func (l *Ledger) ApplyGenesis(g Genesis) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, asset := range g.Assets {
		if _, ok := l.assets[asset.Address]; ok {
			return xerrors.New(xerrors.CodeConflict, "asset already exists", xerrors.WithMetadata("asset", asset.Address.Hex()))
		}
		a := asset
		if a.Authority == (common.Address{}) {
			a.Authority = l.cfg.Authority
		}
		l.assets[a.Address] = &a
	}
	for _, gp := range g.Pools {
		if _, ok := l.assets[gp.Asset]; !ok {
			return xerrors.New(xerrors.CodeAssetNotFound, "", xerrors.WithMetadata("asset", gp.Asset.Hex()))
		}
		pool, err := escrow.NewPool(gp.Asset, gp.Operator, gp.FeeBps)
		if err != nil {
			return err
		}
		if _, ok := l.pools[pool.Address]; ok {
			return xerrors.New(xerrors.CodeConflict, "pool already exists", xerrors.WithMetadata("pool", pool.Address.Hex()))
		}
		pool.Slot = l.slot
		l.pools[pool.Address] = pool
	}
	for _, h := range g.Holdings {
		asset, ok := l.assets[h.Asset]
		if !ok {
			return xerrors.New(xerrors.CodeAssetNotFound, "", xerrors.WithMetadata("asset", h.Asset.Hex()))
		}
		key := holdingKey{owner: h.Owner, asset: h.Asset}
		l.holdings[key] += h.Balance
		asset.Supply += h.Balance
	}
	return nil
}

// Head returns the latest slot.
func (l *Ledger) Head(ctx context.Context) (Head, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Head{Slot: l.slot, Hash: l.head, Time: l.now()}, nil
}

// GetAsset returns an asset by address.
func (l *Ledger) GetAsset(ctx context.Context, address common.Address) (*Asset, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	asset, ok := l.assets[address]
	if !ok {
		return nil, xerrors.New(xerrors.CodeAssetNotFound, "", xerrors.WithMetadata("asset", address.Hex()))
	}
	clone := *asset
	return &clone, nil
}

// GetPool returns a pool by address.
func (l *Ledger) GetPool(ctx context.Context, address common.Address) (*escrow.Pool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pool, ok := l.pools[address]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "pool not found", xerrors.WithMetadata("pool", address.Hex()))
	}
	clone := *pool
	return &clone, nil
}

// ListPools returns every pool ordered by address.
func (l *Ledger) ListPools(ctx context.Context) ([]escrow.Pool, error) {
	l.mu.RLock()
	out := make([]escrow.Pool, 0, len(l.pools))
	for _, pool := range l.pools {
		out = append(out, *pool)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out, nil
}

// GetTransfer returns a transfer by address. Resolved transfers stay
// readable with their terminal status.
func (l *Ledger) GetTransfer(ctx context.Context, address common.Address) (*escrow.Transfer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	transfer, ok := l.transfers[address]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "transfer not found", xerrors.WithMetadata("transfer", address.Hex()))
	}
	clone := *transfer
	return &clone, nil
}

// GetHolding returns the holding of owner for asset. Missing holdings are
// reported with Exists == false.
func (l *Ledger) GetHolding(ctx context.Context, owner, asset common.Address) (Holding, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	balance, ok := l.holdings[holdingKey{owner: owner, asset: asset}]
	return Holding{Owner: owner, Asset: asset, Balance: balance, Exists: ok}, nil
}

// NextSequence returns the nonce the next transfer from sender against pool
// must use.
func (l *Ledger) NextSequence(ctx context.Context, sender, pool common.Address) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequences[sequenceKey{sender: sender, pool: pool}], nil
}

// GetReceipt returns the receipt of a submitted transaction.
func (l *Ledger) GetReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	receipt, ok := l.receipts[hash]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "transaction not found", xerrors.WithMetadata("tx", hash.Hex()))
	}
	clone := *receipt
	clone.Events = append([]Event(nil), receipt.Events...)
	return &clone, nil
}

// SendTransaction verifies a signed transaction and queues it. Preflight
// failures are returned as LEDGER_REJECTED wrapping the cause.
func (l *Ledger) SendTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	stx, err := DecodeSignedTransaction(raw)
	if err != nil {
		return common.Hash{}, rejected(err)
	}
	if _, err := stx.Verify(); err != nil {
		return common.Hash{}, rejected(err)
	}
	hash := stx.Hash()

	l.mu.Lock()
	if _, ok := l.recentSet[stx.Tx.RecentHash]; !ok {
		l.mu.Unlock()
		return hash, rejected(xerrors.New(xerrors.CodeInvalidState, "recent hash not found",
			xerrors.WithMetadata("recent_hash", stx.Tx.RecentHash.Hex())))
	}
	if _, ok := l.receipts[hash]; ok {
		l.mu.Unlock()
		return hash, rejected(xerrors.New(xerrors.CodeInvalidState, "transaction already processed",
			xerrors.WithMetadata("tx", hash.Hex())))
	}
	l.receipts[hash] = &Receipt{TxHash: hash, Status: ReceiptPending}
	l.mu.Unlock()

	select {
	case l.pending <- stx:
		return hash, nil
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.receipts, hash)
		l.mu.Unlock()
		return hash, ctx.Err()
	}
}

// Run applies queued transactions until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < l.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case stx := <-l.pending:
					l.process(stx)
				}
			}
		}()
	}

	ticker := time.NewTicker(l.cfg.SlotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			l.mu.Lock()
			l.advanceLocked(common.Hash{})
			l.mu.Unlock()
		}
	}
}

func (l *Ledger) process(stx *SignedTransaction) {
	hash := stx.Hash()
	start := time.Now()

	release := l.lockAccounts(stx.Tx.Instructions)
	defer release()

	ws := newWorkingSet(l, hash, l.now())
	var applyErr error
	for i, ins := range stx.Tx.Instructions {
		if err := ws.apply(ins); err != nil {
			applyErr = xerrors.Wrap(xerrors.CodeOf(err), err, fmt.Sprintf("instruction %d (%s) failed", i, ins.Op))
			break
		}
	}

	l.mu.Lock()
	receipt := l.receipts[hash]
	if receipt == nil {
		receipt = &Receipt{TxHash: hash}
		l.receipts[hash] = receipt
	}
	if applyErr != nil {
		receipt.Status = ReceiptFailed
		receipt.ErrorCode = string(xerrors.RootCode(applyErr))
		receipt.Error = applyErr.Error()
		receipt.Slot = l.slot
	} else {
		l.advanceLocked(hash)
		ws.commitLocked(l.slot)
		receipt.Status = ReceiptConfirmed
		receipt.Slot = l.slot
		receipt.Events = ws.events
	}
	l.mu.Unlock()

	metrics.ObserveLedgerTransaction(string(receipt.Status), time.Since(start))
	if applyErr != nil {
		l.logger.Debug("transaction failed",
			slog.String("tx", hash.Hex()),
			slog.String("error_code", receipt.ErrorCode),
			slog.String("error", receipt.Error))
		return
	}
	l.logger.Debug("transaction confirmed",
		slog.String("tx", hash.Hex()),
		slog.Uint64("slot", receipt.Slot),
		slog.Int("events", len(receipt.Events)))
}

// advanceLocked starts a new slot and rotates the recent hash window.
func (l *Ledger) advanceLocked(tx common.Hash) {
	l.slot++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], l.slot)
	l.head = crypto.Keccak256Hash(l.head.Bytes(), tx.Bytes(), n[:])
	l.recent = append(l.recent, l.head)
	l.recentSet[l.head] = struct{}{}
	for len(l.recent) > l.cfg.RecentWindow {
		delete(l.recentSet, l.recent[0])
		l.recent = l.recent[1:]
	}
}

// lockAccounts locks every account the instructions touch. The key set is
// recomputed under the locks because a transfer created concurrently adds
// its pool and holdings to the set.
func (l *Ledger) lockAccounts(instructions []Instruction) func() {
	for {
		keys := l.lockKeys(instructions)
		release := l.locks.acquire(keys)
		if slices.Equal(keys, l.lockKeys(instructions)) {
			return release
		}
		release()
	}
}

// lockKeys lists the accounts touched by instructions. Transfer and pool
// fields used here never change after creation.
func (l *Ledger) lockKeys(instructions []Instruction) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var keys []string
	holding := func(owner, asset common.Address) {
		keys = append(keys, "holding:"+owner.Hex()+":"+asset.Hex())
	}
	// Pools and transfers created earlier in the same transaction are not in
	// state yet.
	newPools := make(map[common.Address]common.Address)
	newTransfers := make(map[common.Address]escrow.Transfer)
	for _, ins := range instructions {
		switch ins.Op {
		case OpInitAsset, OpMint:
			keys = append(keys, "asset:"+ins.Asset.Hex())
			holding(ins.Account, ins.Asset)
		case OpInitPool, OpTogglePause:
			keys = append(keys, "pool:"+ins.Pool.Hex())
			if ins.Op == OpInitPool {
				derived := escrow.DerivePoolAddress(ins.Asset, ins.Account)
				keys = append(keys, "pool:"+derived.Hex())
				newPools[derived] = ins.Asset
			}
		case OpCreateHolding:
			holding(ins.Account, ins.Asset)
		case OpCreateTransfer:
			address := escrow.DeriveTransferAddress(ins.Signer, ins.Pool, ins.Nonce)
			keys = append(keys,
				"pool:"+ins.Pool.Hex(),
				"transfer:"+address.Hex(),
				"sequence:"+ins.Signer.Hex()+":"+ins.Pool.Hex())
			holding(ins.Signer, ins.Asset)
			newTransfers[address] = escrow.Transfer{Pool: ins.Pool, Sender: ins.Signer, Recipient: ins.Account, Asset: ins.Asset}
		case OpClaim, OpCancel, OpReject, OpDecline, OpExpire:
			keys = append(keys, "transfer:"+ins.Transfer.Hex())
			t, ok := newTransfers[ins.Transfer]
			if existing, found := l.transfers[ins.Transfer]; found {
				t, ok = *existing, true
			}
			if ok {
				keys = append(keys, "pool:"+t.Pool.Hex())
				holding(t.Sender, t.Asset)
				holding(t.Recipient, t.Asset)
			}
		case OpDeposit, OpWithdraw:
			keys = append(keys, "pool:"+ins.Pool.Hex())
			asset, ok := newPools[ins.Pool]
			if p, found := l.pools[ins.Pool]; found {
				asset, ok = p.Asset, true
			}
			if ok {
				holding(ins.Signer, asset)
				holding(ins.Account, asset)
			}
		}
	}
	return keys
}

func (l *Ledger) now() int64 {
	return l.cfg.Clock().Unix()
}

func rejected(cause error) error {
	return xerrors.Wrap(xerrors.CodeLedgerRejected, cause, "")
}
