package ledger

import (
	"math/bits"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
)

type holdingEntry struct {
	balance uint64
	exists  bool
	dirty   bool
}

// workingSet holds copies of every record a transaction reads. Instructions
// mutate the copies; commitLocked publishes them only if all succeed.
type workingSet struct {
	l      *Ledger
	txHash common.Hash
	now    int64

	assets    map[common.Address]*Asset
	holdings  map[holdingKey]*holdingEntry
	pools     map[common.Address]*escrow.Pool
	transfers map[common.Address]*escrow.Transfer
	sequences map[sequenceKey]uint64

	dirtyAssets    map[common.Address]struct{}
	dirtyPools     map[common.Address]struct{}
	dirtyTransfers map[common.Address]struct{}
	dirtySequences map[sequenceKey]struct{}

	events []Event
}

func newWorkingSet(l *Ledger, txHash common.Hash, now int64) *workingSet {
	return &workingSet{
		l:              l,
		txHash:         txHash,
		now:            now,
		assets:         make(map[common.Address]*Asset),
		holdings:       make(map[holdingKey]*holdingEntry),
		pools:          make(map[common.Address]*escrow.Pool),
		transfers:      make(map[common.Address]*escrow.Transfer),
		sequences:      make(map[sequenceKey]uint64),
		dirtyAssets:    make(map[common.Address]struct{}),
		dirtyPools:     make(map[common.Address]struct{}),
		dirtyTransfers: make(map[common.Address]struct{}),
		dirtySequences: make(map[sequenceKey]struct{}),
	}
}

func (ws *workingSet) asset(address common.Address) (*Asset, error) {
	if a, ok := ws.assets[address]; ok {
		return a, nil
	}
	ws.l.mu.RLock()
	stored, ok := ws.l.assets[address]
	var clone Asset
	if ok {
		clone = *stored
	}
	ws.l.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeAssetNotFound, "", xerrors.WithMetadata("asset", address.Hex()))
	}
	ws.assets[address] = &clone
	return &clone, nil
}

func (ws *workingSet) pool(address common.Address) (*escrow.Pool, error) {
	if p, ok := ws.pools[address]; ok {
		return p, nil
	}
	ws.l.mu.RLock()
	stored, ok := ws.l.pools[address]
	var clone escrow.Pool
	if ok {
		clone = *stored
	}
	ws.l.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNoActivePool, "pool not found", xerrors.WithMetadata("pool", address.Hex()))
	}
	ws.pools[address] = &clone
	return &clone, nil
}

func (ws *workingSet) transfer(address common.Address) (*escrow.Transfer, error) {
	if t, ok := ws.transfers[address]; ok {
		return t, nil
	}
	ws.l.mu.RLock()
	stored, ok := ws.l.transfers[address]
	var clone escrow.Transfer
	if ok {
		clone = *stored
	}
	ws.l.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "transfer not found", xerrors.WithMetadata("transfer", address.Hex()))
	}
	ws.transfers[address] = &clone
	return &clone, nil
}

func (ws *workingSet) holding(owner, asset common.Address) *holdingEntry {
	key := holdingKey{owner: owner, asset: asset}
	if h, ok := ws.holdings[key]; ok {
		return h
	}
	ws.l.mu.RLock()
	balance, ok := ws.l.holdings[key]
	ws.l.mu.RUnlock()
	h := &holdingEntry{balance: balance, exists: ok}
	ws.holdings[key] = h
	return h
}

func (ws *workingSet) sequence(sender, pool common.Address) uint64 {
	key := sequenceKey{sender: sender, pool: pool}
	if n, ok := ws.sequences[key]; ok {
		return n
	}
	ws.l.mu.RLock()
	n := ws.l.sequences[key]
	ws.l.mu.RUnlock()
	ws.sequences[key] = n
	return n
}

func (ws *workingSet) debit(owner, asset common.Address, amount uint64) error {
	h := ws.holding(owner, asset)
	if !h.exists {
		return xerrors.New(xerrors.CodeInsufficientFunds, "holding does not exist",
			xerrors.WithMetadata("owner", owner.Hex()), xerrors.WithMetadata("asset", asset.Hex()))
	}
	if h.balance < amount {
		return xerrors.New(xerrors.CodeInsufficientFunds, "",
			xerrors.WithMetadata("owner", owner.Hex()), xerrors.WithMetadata("asset", asset.Hex()))
	}
	h.balance -= amount
	h.dirty = true
	return nil
}

func (ws *workingSet) credit(owner, asset common.Address, amount uint64) error {
	h := ws.holding(owner, asset)
	if !h.exists {
		return xerrors.New(xerrors.CodeInvalidState, "destination holding does not exist",
			xerrors.WithMetadata("owner", owner.Hex()), xerrors.WithMetadata("asset", asset.Hex()))
	}
	sum, carry := bits.Add64(h.balance, amount, 0)
	if carry != 0 {
		return xerrors.New(xerrors.CodeMathOverflow, "holding balance overflow")
	}
	h.balance = sum
	h.dirty = true
	return nil
}

func (ws *workingSet) markPool(p *escrow.Pool)         { ws.dirtyPools[p.Address] = struct{}{} }
func (ws *workingSet) markTransfer(t *escrow.Transfer) { ws.dirtyTransfers[t.Address] = struct{}{} }

func (ws *workingSet) apply(ins Instruction) error {
	switch ins.Op {
	case OpInitAsset:
		return ws.initAsset(ins)
	case OpInitPool:
		return ws.initPool(ins)
	case OpCreateHolding:
		return ws.createHolding(ins)
	case OpMint:
		return ws.mint(ins)
	case OpTogglePause:
		return ws.togglePause(ins)
	case OpCreateTransfer:
		return ws.createTransfer(ins)
	case OpClaim, OpCancel, OpReject, OpDecline, OpExpire:
		return ws.resolve(ins)
	case OpDeposit:
		return ws.deposit(ins)
	case OpWithdraw:
		return ws.withdraw(ins)
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "unknown instruction "+ins.Op.String())
	}
}

func (ws *workingSet) initAsset(ins Instruction) error {
	if ins.Signer != ws.l.cfg.Authority {
		return xerrors.New(xerrors.CodeUnauthorized, "only the ledger authority can initialise assets")
	}
	if _, err := ws.asset(ins.Asset); err == nil {
		return xerrors.New(xerrors.CodeConflict, "asset already exists", xerrors.WithMetadata("asset", ins.Asset.Hex()))
	}
	authority := ins.Account
	if authority == (common.Address{}) {
		authority = ins.Signer
	}
	ws.assets[ins.Asset] = &Asset{Address: ins.Asset, Symbol: ins.Text, Decimals: ins.Decimals, Authority: authority}
	ws.dirtyAssets[ins.Asset] = struct{}{}
	ws.events = append(ws.events, Event{Kind: EventAssetInitialized, Asset: ins.Asset})
	return nil
}

func (ws *workingSet) initPool(ins Instruction) error {
	if ins.Signer != ws.l.cfg.Authority {
		return xerrors.New(xerrors.CodeUnauthorized, "only the ledger authority can initialise pools")
	}
	if _, err := ws.asset(ins.Asset); err != nil {
		return err
	}
	pool, err := escrow.NewPool(ins.Asset, ins.Account, ins.FeeBps)
	if err != nil {
		return err
	}
	if ins.Pool != (common.Address{}) && ins.Pool != pool.Address {
		return xerrors.New(xerrors.CodeInvalidArgument, "pool address does not match derivation")
	}
	if _, err := ws.pool(pool.Address); err == nil {
		return xerrors.New(xerrors.CodeConflict, "pool already exists", xerrors.WithMetadata("pool", pool.Address.Hex()))
	}
	ws.pools[pool.Address] = pool
	ws.markPool(pool)
	ws.events = append(ws.events, Event{Kind: EventPoolInitialized, Pool: pool.Address, Asset: pool.Asset})
	return nil
}

func (ws *workingSet) createHolding(ins Instruction) error {
	if _, err := ws.asset(ins.Asset); err != nil {
		return err
	}
	h := ws.holding(ins.Account, ins.Asset)
	if h.exists {
		return nil
	}
	h.exists = true
	h.dirty = true
	ws.events = append(ws.events, Event{Kind: EventHoldingCreated, Asset: ins.Asset, Recipient: ins.Account})
	return nil
}

func (ws *workingSet) mint(ins Instruction) error {
	asset, err := ws.asset(ins.Asset)
	if err != nil {
		return err
	}
	if ins.Signer != asset.Authority {
		return xerrors.New(xerrors.CodeUnauthorized, "only the mint authority can mint")
	}
	if ins.Amount == 0 {
		return xerrors.New(xerrors.CodeInvalidAmount, "")
	}
	supply, carry := bits.Add64(asset.Supply, ins.Amount, 0)
	if carry != 0 {
		return xerrors.New(xerrors.CodeMathOverflow, "asset supply overflow")
	}
	if err := ws.credit(ins.Account, ins.Asset, ins.Amount); err != nil {
		return err
	}
	asset.Supply = supply
	ws.dirtyAssets[ins.Asset] = struct{}{}
	ws.events = append(ws.events, Event{Kind: EventAssetMinted, Asset: ins.Asset, Recipient: ins.Account, Amount: ins.Amount})
	return nil
}

func (ws *workingSet) togglePause(ins Instruction) error {
	pool, err := ws.pool(ins.Pool)
	if err != nil {
		return err
	}
	if err := pool.TogglePause(ins.Signer); err != nil {
		return err
	}
	ws.markPool(pool)
	ws.events = append(ws.events, Event{Kind: EventPoolPauseToggled, Pool: pool.Address, Asset: pool.Asset})
	return nil
}

func (ws *workingSet) createTransfer(ins Instruction) error {
	pool, err := ws.pool(ins.Pool)
	if err != nil {
		return err
	}
	expected := ws.sequence(ins.Signer, ins.Pool)
	if ins.Nonce != expected {
		return xerrors.New(xerrors.CodeInvalidState, "stale transfer sequence",
			xerrors.WithMetadata("expected", strconv.FormatUint(expected, 10)))
	}
	address := escrow.DeriveTransferAddress(ins.Signer, ins.Pool, ins.Nonce)
	if ins.Transfer != (common.Address{}) && ins.Transfer != address {
		return xerrors.New(xerrors.CodeInvalidArgument, "transfer address does not match derivation")
	}
	t, err := escrow.Create(pool, escrow.CreateParams{
		Sender:         ins.Signer,
		Recipient:      ins.Account,
		Asset:          ins.Asset,
		Amount:         ins.Amount,
		Memo:           ins.Text,
		ClaimableAfter: int64(ins.ClaimableAfter),
		ClaimableUntil: int64(ins.ClaimableUntil),
		Nonce:          ins.Nonce,
		Now:            ws.now,
	})
	if err != nil {
		return err
	}
	if err := ws.debit(ins.Signer, ins.Asset, ins.Amount); err != nil {
		return err
	}
	t.CreateTx = ws.txHash
	key := sequenceKey{sender: ins.Signer, pool: ins.Pool}
	ws.sequences[key] = expected + 1
	ws.dirtySequences[key] = struct{}{}
	ws.transfers[t.Address] = t
	ws.markTransfer(t)
	ws.markPool(pool)
	ws.events = append(ws.events, Event{
		Kind:      EventTransferCreated,
		Transfer:  t.Address,
		Pool:      pool.Address,
		Asset:     t.Asset,
		Sender:    t.Sender,
		Recipient: t.Recipient,
		Amount:    t.Amount,
	})
	return nil
}

var resolutionEvents = map[Op]string{
	OpClaim:   EventTransferClaimed,
	OpCancel:  EventTransferCancelled,
	OpReject:  EventTransferRejected,
	OpDecline: EventTransferDeclined,
	OpExpire:  EventTransferExpired,
}

func (ws *workingSet) resolve(ins Instruction) error {
	t, err := ws.transfer(ins.Transfer)
	if err != nil {
		return err
	}
	pool, err := ws.pool(t.Pool)
	if err != nil {
		return err
	}

	var settlement escrow.Settlement
	switch ins.Op {
	case OpClaim:
		settlement, err = escrow.Claim(pool, t, ins.Signer, ws.now)
	case OpCancel:
		settlement, err = escrow.Cancel(pool, t, ins.Signer, ws.now)
	case OpReject:
		settlement, err = escrow.Reject(pool, t, ins.Signer, ins.ReasonCode, ins.Text, ws.now)
	case OpDecline:
		settlement, err = escrow.Decline(pool, t, ins.Signer, ins.ReasonCode, ins.Text, ws.now)
	case OpExpire:
		settlement, err = escrow.Expire(pool, t, ws.now)
	}
	if err != nil {
		return err
	}
	if err := ws.credit(settlement.Payee, t.Asset, settlement.Payout); err != nil {
		return err
	}
	t.ResolveTx = ws.txHash
	ws.markTransfer(t)
	ws.markPool(pool)
	ws.events = append(ws.events, Event{
		Kind:       resolutionEvents[ins.Op],
		Transfer:   t.Address,
		Pool:       pool.Address,
		Asset:      t.Asset,
		Sender:     t.Sender,
		Recipient:  t.Recipient,
		Amount:     t.Amount,
		Fee:        settlement.Fee,
		NetAmount:  settlement.Payout,
		ReasonCode: t.ReasonCode,
		Reason:     t.Reason,
	})
	return nil
}

func (ws *workingSet) deposit(ins Instruction) error {
	pool, err := ws.pool(ins.Pool)
	if err != nil {
		return err
	}
	if err := pool.Fund(ins.Amount); err != nil {
		return err
	}
	if err := ws.debit(ins.Signer, pool.Asset, ins.Amount); err != nil {
		return err
	}
	ws.markPool(pool)
	ws.events = append(ws.events, Event{Kind: EventPoolDeposit, Pool: pool.Address, Asset: pool.Asset, Sender: ins.Signer, Amount: ins.Amount})
	return nil
}

func (ws *workingSet) withdraw(ins Instruction) error {
	pool, err := ws.pool(ins.Pool)
	if err != nil {
		return err
	}
	if err := pool.Drain(ins.Signer, ins.Amount); err != nil {
		return err
	}
	destination := ins.Account
	if destination == (common.Address{}) {
		destination = ins.Signer
	}
	if err := ws.credit(destination, pool.Asset, ins.Amount); err != nil {
		return err
	}
	ws.markPool(pool)
	ws.events = append(ws.events, Event{Kind: EventPoolWithdrawal, Pool: pool.Address, Asset: pool.Asset, Recipient: destination, Amount: ins.Amount})
	return nil
}

// commitLocked publishes the working set. The caller holds l.mu.
func (ws *workingSet) commitLocked(slot uint64) {
	l := ws.l
	for address := range ws.dirtyAssets {
		l.assets[address] = ws.assets[address]
	}
	for key, h := range ws.holdings {
		if h.dirty {
			l.holdings[key] = h.balance
		}
	}
	for key := range ws.dirtySequences {
		l.sequences[key] = ws.sequences[key]
	}
	for address := range ws.dirtyPools {
		pool := ws.pools[address]
		pool.Slot = slot
		l.pools[address] = pool
	}
	for address := range ws.dirtyTransfers {
		t := ws.transfers[address]
		t.Slot = slot
		l.transfers[address] = t
	}
}
