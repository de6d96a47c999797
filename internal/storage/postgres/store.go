// Package postgres stores the escrow mirror in PostgreSQL through pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"Handshake-Escrow/deploy/migrations"
	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
	"Handshake-Escrow/internal/mirror"
)

// Amounts are NUMERIC(20,0) so the full uint64 range fits; they travel as
// text to avoid lossy int64 conversion.
const upsertAssetSQL = `
	INSERT INTO escrow_assets (address, symbol, decimals, faucet_amount, native, updated_at)
	VALUES ($1, $2, $3, $4::text::numeric, $5, $6)
	ON CONFLICT (address) DO UPDATE SET
		symbol = EXCLUDED.symbol,
		decimals = EXCLUDED.decimals,
		faucet_amount = EXCLUDED.faucet_amount,
		native = EXCLUDED.native,
		updated_at = EXCLUDED.updated_at
	WHERE (escrow_assets.symbol, escrow_assets.decimals, escrow_assets.faucet_amount, escrow_assets.native)
		IS DISTINCT FROM (EXCLUDED.symbol, EXCLUDED.decimals, EXCLUDED.faucet_amount, EXCLUDED.native)`

const insertPoolSQL = `
	INSERT INTO escrow_pools (
		address, asset, operator, fee_bps, paused, total_deposited, total_withdrawn, total_fees_collected,
		transfers_created, transfers_resolved, reserve, slot, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7::text::numeric, $8::text::numeric,
		$9::text::numeric, $10::text::numeric, $11::text::numeric, $12, now())
	ON CONFLICT (address) DO UPDATE SET
		asset = EXCLUDED.asset,
		operator = EXCLUDED.operator,
		fee_bps = EXCLUDED.fee_bps,
		paused = EXCLUDED.paused,
		total_deposited = EXCLUDED.total_deposited,
		total_withdrawn = EXCLUDED.total_withdrawn,
		total_fees_collected = EXCLUDED.total_fees_collected,
		transfers_created = EXCLUDED.transfers_created,
		transfers_resolved = EXCLUDED.transfers_resolved,
		reserve = EXCLUDED.reserve,
		slot = EXCLUDED.slot,
		updated_at = now()`

const upsertPoolSQL = insertPoolSQL + `
	WHERE escrow_pools.slot < EXCLUDED.slot`

const upsertTransferSQL = `
	INSERT INTO escrow_transfers (
		address, pool, sender, recipient, asset, amount, memo, status, nonce, created_at, claimable_after,
		claimable_until, create_tx, resolve_tx, resolved_at, reason_code, reason, slot
	) VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	ON CONFLICT (address) DO UPDATE SET
		status = EXCLUDED.status,
		resolve_tx = EXCLUDED.resolve_tx,
		resolved_at = EXCLUDED.resolved_at,
		reason_code = EXCLUDED.reason_code,
		reason = EXCLUDED.reason,
		slot = EXCLUDED.slot
	WHERE escrow_transfers.slot < EXCLUDED.slot
		AND NOT (escrow_transfers.status <> 'active' AND EXCLUDED.status = 'active')`

const insertOutcomeSQL = `
	INSERT INTO escrow_outcomes (tx_hash, op, status, slot, error_code, error, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (tx_hash) DO NOTHING`

const selectPoolSQL = `
	SELECT address, asset, operator, fee_bps, paused, total_deposited::text, total_withdrawn::text,
		total_fees_collected::text, transfers_created::text, transfers_resolved::text, reserve::text, slot
	FROM escrow_pools`

const selectTransferSQL = `
	SELECT address, pool, sender, recipient, asset, amount::text, memo, status, nonce, created_at,
		claimable_after, claimable_until, create_tx, resolve_tx, resolved_at, reason_code, reason, slot
	FROM escrow_transfers`

// Store implements mirror.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ mirror.Store        = (*Store)(nil)
	_ mirror.AssetBatcher = (*Store)(nil)
)

// NewStore connects and applies pending migrations.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping postgres")
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx, migrations.Postgres()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) migrate(ctx context.Context, files fs.FS) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create schema_migrations")
	}
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "read migrations")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		version := strings.SplitN(name, "_", 2)[0]
		content, err := fs.ReadFile(files, name)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "read migration "+name)
		}
		if err := s.applyMigration(ctx, version, string(content)); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "apply migration "+name)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version, content string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, content); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertAsset implements mirror.Store.
func (s *Store) UpsertAsset(ctx context.Context, asset mirror.AssetRecord) error {
	return s.UpsertAssets(ctx, []mirror.AssetRecord{asset})
}

// UpsertAssets sends every asset in one batch.
func (s *Store) UpsertAssets(ctx context.Context, assets []mirror.AssetRecord) error {
	if len(assets) == 0 {
		return nil
	}
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, a := range assets {
		updated := a.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		batch.Queue(upsertAssetSQL,
			hexAddress(a.Address),
			a.Symbol,
			int16(a.Decimals),
			strconv.FormatUint(a.FaucetAmount, 10),
			a.Native,
			updated,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range assets {
		if _, err := br.Exec(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "upsert assets")
		}
	}
	return nil
}

// UpsertPool implements mirror.Store.
func (s *Store) UpsertPool(ctx context.Context, pool escrow.Pool) (bool, error) {
	tag, err := s.pool.Exec(ctx, upsertPoolSQL, poolArgs(pool)...)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "upsert pool", xerrors.WithMetadata("pool", pool.Address.Hex()))
	}
	return tag.RowsAffected() > 0, nil
}

// ReplacePool implements mirror.Store.
func (s *Store) ReplacePool(ctx context.Context, pool escrow.Pool) error {
	if _, err := s.pool.Exec(ctx, insertPoolSQL, poolArgs(pool)...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "replace pool", xerrors.WithMetadata("pool", pool.Address.Hex()))
	}
	return nil
}

// UpsertTransfer implements mirror.Store.
func (s *Store) UpsertTransfer(ctx context.Context, t escrow.Transfer) (bool, error) {
	tag, err := s.pool.Exec(ctx, upsertTransferSQL,
		hexAddress(t.Address), hexAddress(t.Pool), hexAddress(t.Sender), hexAddress(t.Recipient), hexAddress(t.Asset),
		strconv.FormatUint(t.Amount, 10), t.Memo, t.Status.String(), int64(t.Nonce), t.CreatedAt, t.ClaimableAfter,
		t.ClaimableUntil, t.CreateTx.Hex(), t.ResolveTx.Hex(), t.ResolvedAt, int16(t.ReasonCode), t.Reason, int64(t.Slot))
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "upsert transfer", xerrors.WithMetadata("transfer", t.Address.Hex()))
	}
	return tag.RowsAffected() > 0, nil
}

// RecordOutcome implements mirror.Store.
func (s *Store) RecordOutcome(ctx context.Context, o mirror.OutcomeRecord) (bool, error) {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, insertOutcomeSQL,
		o.TxHash.Hex(), o.Op, o.Status, int64(o.Slot), o.ErrorCode, o.Error, o.RecordedAt)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "record outcome", xerrors.WithMetadata("tx", o.TxHash.Hex()))
	}
	return tag.RowsAffected() > 0, nil
}

// GetPool implements mirror.Store.
func (s *Store) GetPool(ctx context.Context, address common.Address) (*escrow.Pool, error) {
	pool, err := scanPool(s.pool.QueryRow(ctx, selectPoolSQL+` WHERE address = $1`, hexAddress(address)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "pool not mirrored", xerrors.WithMetadata("pool", address.Hex()))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "get pool")
	}
	return pool, nil
}

// ListPools implements mirror.Store.
func (s *Store) ListPools(ctx context.Context) ([]escrow.Pool, error) {
	rows, err := s.pool.Query(ctx, selectPoolSQL+` ORDER BY address`)
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
func (s *Store) GetTransfer(ctx context.Context, address common.Address) (*escrow.Transfer, error) {
	t, err := scanTransfer(s.pool.QueryRow(ctx, selectTransferSQL+` WHERE address = $1`, hexAddress(address)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "transfer not mirrored", xerrors.WithMetadata("transfer", address.Hex()))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "get transfer")
	}
	return t, nil
}

// ListTransfers implements mirror.Store. Results are newest first.
func (s *Store) ListTransfers(ctx context.Context, filter mirror.TransferFilter) ([]escrow.Transfer, error) {
	query, args := transferQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *Store) GetOutcome(ctx context.Context, txHash common.Hash) (*mirror.OutcomeRecord, error) {
	var (
		o    mirror.OutcomeRecord
		hash string
		slot int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tx_hash, op, status, slot, error_code, error, recorded_at
		FROM escrow_outcomes WHERE tx_hash = $1`, txHash.Hex()).
		Scan(&hash, &o.Op, &o.Status, &slot, &o.ErrorCode, &o.Error, &o.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "outcome not recorded", xerrors.WithMetadata("tx", txHash.Hex()))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "get outcome")
	}
	o.TxHash = common.HexToHash(hash)
	o.Slot = uint64(slot)
	return &o, nil
}

func transferQuery(f mirror.TransferFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	param := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Pool != (common.Address{}) {
		where = append(where, "pool = "+param(hexAddress(f.Pool)))
	}
	if f.Sender != (common.Address{}) {
		where = append(where, "sender = "+param(hexAddress(f.Sender)))
	}
	if f.Recipient != (common.Address{}) {
		where = append(where, "recipient = "+param(hexAddress(f.Recipient)))
	}
	if f.Status != escrow.StatusUnknown {
		where = append(where, "status = "+param(f.Status.String()))
	}
	if f.ExpiredBefore > 0 {
		where = append(where, "status = 'active' AND claimable_until > 0 AND claimable_until < "+param(f.ExpiredBefore))
	}
	query := selectTransferSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, address ASC"
	if f.Limit > 0 {
		query += " LIMIT " + param(f.Limit)
	}
	return query, args
}

func scanPool(row pgx.Row) (*escrow.Pool, error) {
	var (
		p                                                   escrow.Pool
		address, asset, operator                            string
		feeBps                                              int32
		deposited, withdrawn, fees, created, resolved, rsrv string
		slot                                                int64
	)
	if err := row.Scan(&address, &asset, &operator, &feeBps, &p.Paused, &deposited, &withdrawn,
		&fees, &created, &resolved, &rsrv, &slot); err != nil {
		return nil, err
	}
	p.Address = common.HexToAddress(address)
	p.Asset = common.HexToAddress(asset)
	p.Operator = common.HexToAddress(operator)
	p.FeeBps = uint16(feeBps)
	p.Slot = uint64(slot)
	var err error
	for _, field := range []struct {
		dst *uint64
		raw string
	}{
		{&p.TotalDeposited, deposited},
		{&p.TotalWithdrawn, withdrawn},
		{&p.TotalFeesCollected, fees},
		{&p.TransfersCreated, created},
		{&p.TransfersResolved, resolved},
		{&p.Reserve, rsrv},
	} {
		if *field.dst, err = strconv.ParseUint(field.raw, 10, 64); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func scanTransfer(row pgx.Row) (*escrow.Transfer, error) {
	var (
		t                                        escrow.Transfer
		address, pool, sender, recipient, asset string
		amount, status, createTx, resolveTx     string
		nonce, slot                              int64
		reasonCode                               int16
	)
	if err := row.Scan(&address, &pool, &sender, &recipient, &asset, &amount, &t.Memo, &status, &nonce,
		&t.CreatedAt, &t.ClaimableAfter, &t.ClaimableUntil, &createTx, &resolveTx, &t.ResolvedAt,
		&reasonCode, &t.Reason, &slot); err != nil {
		return nil, err
	}
	parsed, err := escrow.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
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
	t.Nonce = uint64(nonce)
	t.Slot = uint64(slot)
	t.ReasonCode = uint8(reasonCode)
	return &t, nil
}

func poolArgs(p escrow.Pool) []any {
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	return []any{
		hexAddress(p.Address), hexAddress(p.Asset), hexAddress(p.Operator), int32(p.FeeBps), p.Paused,
		u(p.TotalDeposited), u(p.TotalWithdrawn), u(p.TotalFeesCollected), u(p.TransfersCreated),
		u(p.TransfersResolved), u(p.Reserve), int64(p.Slot),
	}
}

func hexAddress(a common.Address) string {
	return strings.ToLower(a.Hex())
}
