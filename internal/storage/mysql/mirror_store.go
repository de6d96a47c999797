package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	mysqldriver "github.com/go-sql-driver/mysql"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
	"Handshake-Escrow/internal/mirror"
)

const errDuplicateEntry = 1062

const upsertAssetSQL = `INSERT INTO escrow_assets (address, symbol, decimals, faucet_amount, native, updated_at)
    VALUES (?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE
    updated_at = IF(symbol <=> VALUES(symbol) AND decimals <=> VALUES(decimals)
        AND faucet_amount <=> VALUES(faucet_amount) AND native <=> VALUES(native), updated_at, VALUES(updated_at)),
    symbol = VALUES(symbol), decimals = VALUES(decimals),
    faucet_amount = VALUES(faucet_amount), native = VALUES(native)`

const insertPoolSQL = `INSERT INTO escrow_pools
    (address, asset, operator, fee_bps, paused, total_deposited, total_withdrawn, total_fees_collected,
    transfers_created, transfers_resolved, reserve, slot, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Columns are assigned left to right, so slot must be updated last.
const upsertPoolSQL = insertPoolSQL + `
    ON DUPLICATE KEY UPDATE
    asset = IF(VALUES(slot) > slot, VALUES(asset), asset),
    operator = IF(VALUES(slot) > slot, VALUES(operator), operator),
    fee_bps = IF(VALUES(slot) > slot, VALUES(fee_bps), fee_bps),
    paused = IF(VALUES(slot) > slot, VALUES(paused), paused),
    total_deposited = IF(VALUES(slot) > slot, VALUES(total_deposited), total_deposited),
    total_withdrawn = IF(VALUES(slot) > slot, VALUES(total_withdrawn), total_withdrawn),
    total_fees_collected = IF(VALUES(slot) > slot, VALUES(total_fees_collected), total_fees_collected),
    transfers_created = IF(VALUES(slot) > slot, VALUES(transfers_created), transfers_created),
    transfers_resolved = IF(VALUES(slot) > slot, VALUES(transfers_resolved), transfers_resolved),
    reserve = IF(VALUES(slot) > slot, VALUES(reserve), reserve),
    updated_at = IF(VALUES(slot) > slot, VALUES(updated_at), updated_at),
    slot = IF(VALUES(slot) > slot, VALUES(slot), slot)`

const replacePoolSQL = insertPoolSQL + `
    ON DUPLICATE KEY UPDATE asset = VALUES(asset), operator = VALUES(operator), fee_bps = VALUES(fee_bps),
    paused = VALUES(paused), total_deposited = VALUES(total_deposited), total_withdrawn = VALUES(total_withdrawn),
    total_fees_collected = VALUES(total_fees_collected), transfers_created = VALUES(transfers_created),
    transfers_resolved = VALUES(transfers_resolved), reserve = VALUES(reserve), updated_at = VALUES(updated_at),
    slot = VALUES(slot)`

// A terminal row only accepts a newer terminal row. status and slot are
// assigned last because the guard reads them.
const upsertTransferSQL = `INSERT INTO escrow_transfers
    (address, pool, sender, recipient, asset, amount, memo, status, nonce, created_at, claimable_after,
    claimable_until, create_tx, resolve_tx, resolved_at, reason_code, reason, slot)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE
    resolve_tx = IF(VALUES(slot) > slot AND NOT (status <> 'active' AND VALUES(status) = 'active'), VALUES(resolve_tx), resolve_tx),
    resolved_at = IF(VALUES(slot) > slot AND NOT (status <> 'active' AND VALUES(status) = 'active'), VALUES(resolved_at), resolved_at),
    reason_code = IF(VALUES(slot) > slot AND NOT (status <> 'active' AND VALUES(status) = 'active'), VALUES(reason_code), reason_code),
    reason = IF(VALUES(slot) > slot AND NOT (status <> 'active' AND VALUES(status) = 'active'), VALUES(reason), reason),
    status = IF(VALUES(slot) > slot AND NOT (status <> 'active' AND VALUES(status) = 'active'), VALUES(status), status),
    slot = IF(VALUES(slot) > slot AND NOT (status <> 'active' AND VALUES(status) = 'active'), VALUES(slot), slot)`

const insertOutcomeSQL = `INSERT INTO escrow_outcomes (tx_hash, op, status, slot, error_code, error, recorded_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`

const selectPoolColumns = `SELECT address, asset, operator, fee_bps, paused, total_deposited, total_withdrawn,
    total_fees_collected, transfers_created, transfers_resolved, reserve, slot FROM escrow_pools`

const selectTransferColumns = `SELECT address, pool, sender, recipient, asset, amount, memo, status, nonce,
    created_at, claimable_after, claimable_until, create_tx, resolve_tx, resolved_at, reason_code, reason, slot
    FROM escrow_transfers`

const selectOutcomeSQL = `SELECT tx_hash, op, status, slot, error_code, error, recorded_at
    FROM escrow_outcomes WHERE tx_hash = ?`

// MirrorStore implements mirror.Store on MySQL.
type MirrorStore struct {
	db *sql.DB
}

var (
	_ mirror.Store        = (*MirrorStore)(nil)
	_ mirror.AssetBatcher = (*MirrorStore)(nil)
)

// NewMirrorStore connects and applies pending migrations.
func NewMirrorStore(ctx context.Context, cfg Config) (*MirrorStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db, defaultMigrations()); err != nil {
		db.Close()
		return nil, err
	}
	return &MirrorStore{db: db}, nil
}

// Close releases the connection pool.
func (s *MirrorStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertAsset implements mirror.Store.
func (s *MirrorStore) UpsertAsset(ctx context.Context, asset mirror.AssetRecord) error {
	if asset.UpdatedAt.IsZero() {
		asset.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, upsertAssetSQL,
		hexAddress(asset.Address), asset.Symbol, asset.Decimals, asset.FaucetAmount, asset.Native, asset.UpdatedAt.Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "upsert asset", xerrors.WithMetadata("asset", asset.Symbol))
	}
	return nil
}

// UpsertAssets writes every asset inside one transaction.
func (s *MirrorStore) UpsertAssets(ctx context.Context, assets []mirror.AssetRecord) (err error) {
	if len(assets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin asset batch")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	now := time.Now().UTC()
	for _, asset := range assets {
		if asset.UpdatedAt.IsZero() {
			asset.UpdatedAt = now
		}
		if _, execErr := tx.ExecContext(ctx, upsertAssetSQL,
			hexAddress(asset.Address), asset.Symbol, asset.Decimals, asset.FaucetAmount, asset.Native, asset.UpdatedAt.Unix()); execErr != nil {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, execErr, "upsert asset", xerrors.WithMetadata("asset", asset.Symbol))
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit asset batch")
	}
	return nil
}

// UpsertPool implements mirror.Store. MySQL reports 0 affected rows when
// the guard left the row unchanged.
func (s *MirrorStore) UpsertPool(ctx context.Context, pool escrow.Pool) (bool, error) {
	res, err := s.db.ExecContext(ctx, upsertPoolSQL, poolArgs(pool)...)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "upsert pool", xerrors.WithMetadata("pool", pool.Address.Hex()))
	}
	return affected(res), nil
}

// ReplacePool implements mirror.Store.
func (s *MirrorStore) ReplacePool(ctx context.Context, pool escrow.Pool) error {
	if _, err := s.db.ExecContext(ctx, replacePoolSQL, poolArgs(pool)...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "replace pool", xerrors.WithMetadata("pool", pool.Address.Hex()))
	}
	return nil
}

// UpsertTransfer implements mirror.Store.
func (s *MirrorStore) UpsertTransfer(ctx context.Context, t escrow.Transfer) (bool, error) {
	res, err := s.db.ExecContext(ctx, upsertTransferSQL,
		hexAddress(t.Address), hexAddress(t.Pool), hexAddress(t.Sender), hexAddress(t.Recipient), hexAddress(t.Asset),
		t.Amount, t.Memo, t.Status.String(), t.Nonce, t.CreatedAt, t.ClaimableAfter, t.ClaimableUntil,
		t.CreateTx.Hex(), t.ResolveTx.Hex(), t.ResolvedAt, t.ReasonCode, t.Reason, t.Slot)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "upsert transfer", xerrors.WithMetadata("transfer", t.Address.Hex()))
	}
	return affected(res), nil
}

// RecordOutcome implements mirror.Store.
func (s *MirrorStore) RecordOutcome(ctx context.Context, o mirror.OutcomeRecord) (bool, error) {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, insertOutcomeSQL,
		o.TxHash.Hex(), o.Op, o.Status, o.Slot, o.ErrorCode, o.Error, o.RecordedAt.Unix())
	if err != nil {
		var myErr *mysqldriver.MySQLError
		if errors.As(err, &myErr) && myErr.Number == errDuplicateEntry {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "record outcome", xerrors.WithMetadata("tx", o.TxHash.Hex()))
	}
	return true, nil
}

// GetPool implements mirror.Store.
func (s *MirrorStore) GetPool(ctx context.Context, address common.Address) (*escrow.Pool, error) {
	row := s.db.QueryRowContext(ctx, selectPoolColumns+` WHERE address = ?`, hexAddress(address))
	pool, err := scanPool(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "pool not mirrored", xerrors.WithMetadata("pool", address.Hex()))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "get pool")
	}
	return pool, nil
}

// ListPools implements mirror.Store.
func (s *MirrorStore) ListPools(ctx context.Context) ([]escrow.Pool, error) {
	rows, err := s.db.QueryContext(ctx, selectPoolColumns+` ORDER BY address`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list pools")
	}
	defer rows.Close()
	var pools []escrow.Pool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan pool")
		}
		pools = append(pools, *pool)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate pools")
	}
	return pools, nil
}

// GetTransfer implements mirror.Store.
func (s *MirrorStore) GetTransfer(ctx context.Context, address common.Address) (*escrow.Transfer, error) {
	row := s.db.QueryRowContext(ctx, selectTransferColumns+` WHERE address = ?`, hexAddress(address))
	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "transfer not mirrored", xerrors.WithMetadata("transfer", address.Hex()))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "get transfer")
	}
	return t, nil
}

// ListTransfers implements mirror.Store. Results are newest first.
func (s *MirrorStore) ListTransfers(ctx context.Context, filter mirror.TransferFilter) ([]escrow.Transfer, error) {
	query, args := transferQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list transfers")
	}
	defer rows.Close()
	var transfers []escrow.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan transfer")
		}
		transfers = append(transfers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate transfers")
	}
	return transfers, nil
}

// GetOutcome implements mirror.Store.
func (s *MirrorStore) GetOutcome(ctx context.Context, txHash common.Hash) (*mirror.OutcomeRecord, error) {
	var (
		o          mirror.OutcomeRecord
		hash       string
		errMessage sql.NullString
		recordedAt int64
	)
	err := s.db.QueryRowContext(ctx, selectOutcomeSQL, txHash.Hex()).
		Scan(&hash, &o.Op, &o.Status, &o.Slot, &o.ErrorCode, &errMessage, &recordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "outcome not recorded", xerrors.WithMetadata("tx", txHash.Hex()))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "get outcome")
	}
	o.TxHash = common.HexToHash(hash)
	o.Error = errMessage.String
	o.RecordedAt = time.Unix(recordedAt, 0).UTC()
	return &o, nil
}

func transferQuery(f mirror.TransferFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Pool != (common.Address{}) {
		where = append(where, "pool = ?")
		args = append(args, hexAddress(f.Pool))
	}
	if f.Sender != (common.Address{}) {
		where = append(where, "sender = ?")
		args = append(args, hexAddress(f.Sender))
	}
	if f.Recipient != (common.Address{}) {
		where = append(where, "recipient = ?")
		args = append(args, hexAddress(f.Recipient))
	}
	if f.Status != escrow.StatusUnknown {
		where = append(where, "status = ?")
		args = append(args, f.Status.String())
	}
	if f.ExpiredBefore > 0 {
		where = append(where, "status = 'active' AND claimable_until > 0 AND claimable_until < ?")
		args = append(args, f.ExpiredBefore)
	}
	query := selectTransferColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, address ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*escrow.Pool, error) {
	var (
		p                        escrow.Pool
		address, asset, operator string
	)
	if err := row.Scan(&address, &asset, &operator, &p.FeeBps, &p.Paused, &p.TotalDeposited, &p.TotalWithdrawn,
		&p.TotalFeesCollected, &p.TransfersCreated, &p.TransfersResolved, &p.Reserve, &p.Slot); err != nil {
		return nil, err
	}
	p.Address = common.HexToAddress(address)
	p.Asset = common.HexToAddress(asset)
	p.Operator = common.HexToAddress(operator)
	return &p, nil
}

func scanTransfer(row rowScanner) (*escrow.Transfer, error) {
	var (
		t                                       escrow.Transfer
		address, pool, sender, recipient, asset string
		status, createTx, resolveTx             string
	)
	if err := row.Scan(&address, &pool, &sender, &recipient, &asset, &t.Amount, &t.Memo, &status, &t.Nonce,
		&t.CreatedAt, &t.ClaimableAfter, &t.ClaimableUntil, &createTx, &resolveTx, &t.ResolvedAt,
		&t.ReasonCode, &t.Reason, &t.Slot); err != nil {
		return nil, err
	}
	parsed, err := escrow.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	t.Status = parsed
	t.Address = common.HexToAddress(address)
	t.Pool = common.HexToAddress(pool)
	t.Sender = common.HexToAddress(sender)
	t.Recipient = common.HexToAddress(recipient)
	t.Asset = common.HexToAddress(asset)
	t.CreateTx = common.HexToHash(createTx)
	t.ResolveTx = common.HexToHash(resolveTx)
	return &t, nil
}

func poolArgs(p escrow.Pool) []any {
	return []any{
		hexAddress(p.Address), hexAddress(p.Asset), hexAddress(p.Operator), p.FeeBps, p.Paused,
		p.TotalDeposited, p.TotalWithdrawn, p.TotalFeesCollected, p.TransfersCreated, p.TransfersResolved,
		p.Reserve, p.Slot, time.Now().UTC().Unix(),
	}
}

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

func hexAddress(a common.Address) string {
	return strings.ToLower(a.Hex())
}
