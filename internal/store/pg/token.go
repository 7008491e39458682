package pg

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mylucky.org/internal/ledger"
)

// Token is a Postgres-backed ledger for one token. Amounts are numeric(78,0)
// and travel as decimal text so no precision is lost.
type Token struct {
	db   *sql.DB
	info ledger.TokenInfo
	addr string
}

var _ ledger.Token = (*Token)(nil)

// Token registers info (if new) and returns its ledger.
func (s *Store) Token(ctx context.Context, info ledger.TokenInfo) (*Token, error) {
	if info.Address == (common.Address{}) {
		return nil, ledger.ErrZeroAddress
	}
	addr := hexAddr(info.Address)
	if _, err := s.db.ExecContext(ctx, `
		insert into tokens(address, symbol, decimals) values ($1,$2,$3)
		on conflict (address) do nothing
	`, addr, info.Symbol, int(info.Decimals)); err != nil {
		return nil, err
	}
	return &Token{db: s.db, info: info, addr: addr}, nil
}

func (t *Token) Info() ledger.TokenInfo { return t.info }

func (t *Token) TotalSupply(ctx context.Context) (*big.Int, error) {
	var raw string
	err := t.db.QueryRowContext(ctx, `select supply::text from tokens where address=$1`, t.addr).Scan(&raw)
	if isNoRows(err) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return parseAmount(raw)
}

func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return t.balance(ctx, t.db, hexAddr(owner), false)
}

func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return t.allowance(ctx, t.db, hexAddr(owner), hexAddr(spender), false)
}

func (t *Token) Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ledger.ErrZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ledger.ErrInvalidAmount
	}
	_, err := t.db.ExecContext(ctx, `
		insert into allowances(token, owner, spender, amount) values ($1,$2,$3,$4::numeric)
		on conflict (token, owner, spender) do update set amount = excluded.amount
	`, t.addr, hexAddr(owner), hexAddr(spender), amount.String())
	return err
}

func (t *Token) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (ledger.Transfer, error) {
	return t.move(ctx, common.Address{}, from, to, amount)
}

func (t *Token) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) (ledger.Transfer, error) {
	if spender == (common.Address{}) {
		return ledger.Transfer{}, ledger.ErrZeroAddress
	}
	return t.move(ctx, spender, from, to, amount)
}

// move debits from and credits to in one serializable transaction. A non-zero
// spender consumes allowance.
func (t *Token) move(ctx context.Context, spender, from, to common.Address, amount *big.Int) (ledger.Transfer, error) {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ledger.Transfer{}, ledger.ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ledger.Transfer{}, ledger.ErrInvalidAmount
	}
	fromHex, toHex := hexAddr(from), hexAddr(to)

	tx, err := t.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Transfer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into balances(token, owner, amount) values ($1,$2,0), ($1,$3,0)
		on conflict do nothing
	`, t.addr, fromHex, toHex); err != nil {
		return ledger.Transfer{}, err
	}

	// Lock both rows in stable order to avoid deadlocks
	var fromBal *big.Int
	for _, owner := range sorted(fromHex, toHex) {
		bal, err := t.balance(ctx, tx, owner, true)
		if err != nil {
			return ledger.Transfer{}, err
		}
		if owner == fromHex {
			fromBal = bal
		}
	}

	if spender != (common.Address{}) {
		allowed, err := t.allowance(ctx, tx, fromHex, hexAddr(spender), true)
		if err != nil {
			return ledger.Transfer{}, err
		}
		if allowed.Cmp(amount) < 0 {
			return ledger.Transfer{}, ledger.ErrInsufficientAllowance
		}
	}
	if fromBal.Cmp(amount) < 0 {
		return ledger.Transfer{}, ledger.ErrInsufficientFunds
	}

	if spender != (common.Address{}) {
		if _, err := tx.ExecContext(ctx, `
			update allowances set amount = amount - $4::numeric
			where token=$1 and owner=$2 and spender=$3
		`, t.addr, fromHex, hexAddr(spender), amount.String()); err != nil {
			return ledger.Transfer{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		update balances set amount = amount - $3::numeric
		where token=$1 and owner=$2
	`, t.addr, fromHex, amount.String()); err != nil {
		return ledger.Transfer{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update balances set amount = amount + $3::numeric
		where token=$1 and owner=$2
	`, t.addr, toHex, amount.String()); err != nil {
		return ledger.Transfer{}, err
	}

	rec, err := t.record(ctx, tx, from, to, amount)
	if err != nil {
		return ledger.Transfer{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transfer{}, err
	}
	return rec, nil
}

func (t *Token) Mint(ctx context.Context, to common.Address, amount *big.Int) (ledger.Transfer, error) {
	if to == (common.Address{}) {
		return ledger.Transfer{}, ledger.ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ledger.Transfer{}, ledger.ErrInvalidAmount
	}

	tx, err := t.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Transfer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into balances(token, owner, amount) values ($1,$2,$3::numeric)
		on conflict (token, owner) do update set amount = balances.amount + excluded.amount
	`, t.addr, hexAddr(to), amount.String()); err != nil {
		return ledger.Transfer{}, err
	}
	res, err := tx.ExecContext(ctx, `update tokens set supply = supply + $2::numeric where address=$1`, t.addr, amount.String())
	if err != nil {
		return ledger.Transfer{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.Transfer{}, ledger.ErrNotFound
	}
	rec, err := t.record(ctx, tx, common.Address{}, to, amount)
	if err != nil {
		return ledger.Transfer{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transfer{}, err
	}
	return rec, nil
}

func (t *Token) ListTransfers(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Transfer, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := t.db.QueryContext(ctx, `
		select id, created_at, from_address, to_address, amount::text, sequence
		from transfers
		where token=$1 and sequence > $2
		order by sequence asc
		limit $3
	`, t.addr, int64(afterSeq), limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []ledger.Transfer
	var last uint64
	for rows.Next() {
		var (
			rec      ledger.Transfer
			from, to string
			amount   string
			seq      int64
		)
		if err := rows.Scan(&rec.ID, &rec.CreatedAt, &from, &to, &amount, &seq); err != nil {
			return nil, 0, err
		}
		if rec.Amount, err = parseAmount(amount); err != nil {
			return nil, 0, err
		}
		rec.Token = t.info.Address
		rec.From = common.HexToAddress(from)
		rec.To = common.HexToAddress(to)
		rec.Sequence = uint64(seq)
		res = append(res, rec)
		last = rec.Sequence
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return res, last, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (t *Token) balance(ctx context.Context, q querier, owner string, lock bool) (*big.Int, error) {
	query := `select amount::text from balances where token=$1 and owner=$2`
	if lock {
		query += ` for update`
	}
	var raw string
	err := q.QueryRowContext(ctx, query, t.addr, owner).Scan(&raw)
	if isNoRows(err) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseAmount(raw)
}

func (t *Token) allowance(ctx context.Context, q querier, owner, spender string, lock bool) (*big.Int, error) {
	query := `select amount::text from allowances where token=$1 and owner=$2 and spender=$3`
	if lock {
		query += ` for update`
	}
	var raw string
	err := q.QueryRowContext(ctx, query, t.addr, owner, spender).Scan(&raw)
	if isNoRows(err) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseAmount(raw)
}

func (t *Token) record(ctx context.Context, tx *sql.Tx, from, to common.Address, amount *big.Int) (ledger.Transfer, error) {
	id := uuid16()
	var seq int64
	if err := tx.QueryRowContext(ctx, `
		insert into transfers(id, token, from_address, to_address, amount)
		values ($1,$2,$3,$4,$5::numeric) returning sequence
	`, id, t.addr, hexAddr(from), hexAddr(to), amount.String()).Scan(&seq); err != nil {
		return ledger.Transfer{}, err
	}
	return ledger.Transfer{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Token:     t.info.Address,
		From:      from,
		To:        to,
		Amount:    new(big.Int).Set(amount),
		Sequence:  uint64(seq),
	}, nil
}
