package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpx/margin-engine/internal/derive"
	"github.com/perpx/margin-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth. Scaled-integer monetary fields map directly to BIGINT, so
// no precision is lost in either direction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so entity
// writes can run standalone or inside a commit transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Exchange ---

func (s *PostgresStore) GetExchange(ctx context.Context) (*model.Exchange, error) {
	addr := string(derive.Exchange())
	_, err := s.pool.Exec(ctx,
		`INSERT INTO exchange (address, updated_at) VALUES ($1, NOW())
		 ON CONFLICT (address) DO NOTHING`, addr)
	if err != nil {
		return nil, fmt.Errorf("seed exchange: %w", err)
	}

	var ex model.Exchange
	err = s.pool.QueryRow(ctx,
		`SELECT collateral_value, basis, fees, rebates, margin_used, number_of_markets, updated_at
		 FROM exchange WHERE address = $1`, addr).
		Scan(&ex.CollateralValue, &ex.Basis, &ex.Fees, &ex.Rebates,
			&ex.MarginUsed, &ex.NumberOfMarkets, &ex.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get exchange: %w", err)
	}
	return &ex, nil
}

func (s *PostgresStore) PutExchange(ctx context.Context, ex *model.Exchange) error {
	return putExchange(ctx, s.pool, ex)
}

func putExchange(ctx context.Context, q querier, ex *model.Exchange) error {
	_, err := q.Exec(ctx,
		`UPDATE exchange
		 SET collateral_value = $2, basis = $3, fees = $4, rebates = $5,
		     margin_used = $6, number_of_markets = $7, updated_at = $8
		 WHERE address = $1`,
		string(derive.Exchange()), ex.CollateralValue, ex.Basis, ex.Fees,
		ex.Rebates, ex.MarginUsed, ex.NumberOfMarkets, ex.UpdatedAt)
	return err
}

// --- Markets ---

const marketColumns = `market_index, current_price, price_updated_at, taker_fee, maker_fee,
	leverage, market_weight, feed_address, token_amount, basis, fees, rebates, pnl,
	margin_used, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (address, `+marketColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		string(derive.Market(m.Index)), m.Index, m.CurrentPrice, m.PriceUpdatedAt,
		m.TakerFee, m.MakerFee, m.Leverage, m.MarketWeight, m.FeedAddress,
		m.TokenAmount, m.Basis, m.Fees, m.Rebates, m.Pnl, m.MarginUsed, m.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: market %d", ErrAlreadyExists, m.Index)
	}
	return err
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	err := row.Scan(&m.Index, &m.CurrentPrice, &m.PriceUpdatedAt, &m.TakerFee,
		&m.MakerFee, &m.Leverage, &m.MarketWeight, &m.FeedAddress, &m.TokenAmount,
		&m.Basis, &m.Fees, &m.Rebates, &m.Pnl, &m.MarginUsed, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, index uint16) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE address = $1`,
		string(derive.Market(index))))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: market %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %d: %w", index, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY market_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) PutMarket(ctx context.Context, m *model.Market) error {
	return putMarket(ctx, s.pool, m)
}

func putMarket(ctx context.Context, q querier, m *model.Market) error {
	tag, err := q.Exec(ctx,
		`UPDATE markets
		 SET current_price = $2, price_updated_at = $3, taker_fee = $4, maker_fee = $5,
		     leverage = $6, market_weight = $7, feed_address = $8, token_amount = $9,
		     basis = $10, fees = $11, rebates = $12, pnl = $13, margin_used = $14
		 WHERE address = $1`,
		string(derive.Market(m.Index)), m.CurrentPrice, m.PriceUpdatedAt,
		m.TakerFee, m.MakerFee, m.Leverage, m.MarketWeight, m.FeedAddress,
		m.TokenAmount, m.Basis, m.Fees, m.Rebates, m.Pnl, m.MarginUsed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %d", ErrNotFound, m.Index)
	}
	return nil
}

// --- User accounts ---

const accountColumns = `owner, collateral_value, pnl, fees, rebates, margin_used, created_at, updated_at`

func (s *PostgresStore) CreateUserAccount(ctx context.Context, a *model.UserAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_accounts (address, `+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(derive.UserAccount(a.Owner)), a.Owner, a.CollateralValue, a.Pnl,
		a.Fees, a.Rebates, a.MarginUsed, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: account %s", ErrAlreadyExists, a.Owner)
	}
	return err
}

func (s *PostgresStore) GetUserAccount(ctx context.Context, owner string) (*model.UserAccount, error) {
	var a model.UserAccount
	err := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM user_accounts WHERE address = $1`,
		string(derive.UserAccount(owner))).
		Scan(&a.Owner, &a.CollateralValue, &a.Pnl, &a.Fees, &a.Rebates,
			&a.MarginUsed, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", owner, err)
	}
	return &a, nil
}

func (s *PostgresStore) PutUserAccount(ctx context.Context, a *model.UserAccount) error {
	return putUserAccount(ctx, s.pool, a)
}

func putUserAccount(ctx context.Context, q querier, a *model.UserAccount) error {
	tag, err := q.Exec(ctx,
		`UPDATE user_accounts
		 SET collateral_value = $2, pnl = $3, fees = $4, rebates = $5,
		     margin_used = $6, updated_at = $7
		 WHERE address = $1`,
		string(derive.UserAccount(a.Owner)), a.CollateralValue, a.Pnl, a.Fees,
		a.Rebates, a.MarginUsed, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", ErrNotFound, a.Owner)
	}
	return nil
}

// --- User positions ---

const positionColumns = `owner, market_index, token_amount, basis, fees, rebates, pnl, margin_used, updated_at`

func (s *PostgresStore) CreateUserPosition(ctx context.Context, p *model.UserPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_positions (address, `+positionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(derive.UserPosition(p.Owner, p.MarketIndex)), p.Owner, p.MarketIndex,
		p.TokenAmount, p.Basis, p.Fees, p.Rebates, p.Pnl, p.MarginUsed, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: position %s/%d", ErrAlreadyExists, p.Owner, p.MarketIndex)
	}
	return err
}

func (s *PostgresStore) GetUserPosition(ctx context.Context, owner string, index uint16) (*model.UserPosition, error) {
	var p model.UserPosition
	err := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM user_positions WHERE address = $1`,
		string(derive.UserPosition(owner, index))).
		Scan(&p.Owner, &p.MarketIndex, &p.TokenAmount, &p.Basis, &p.Fees,
			&p.Rebates, &p.Pnl, &p.MarginUsed, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s/%d", ErrNotFound, owner, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%d: %w", owner, index, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, owner string) ([]model.UserPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM user_positions
		 WHERE owner = $1 ORDER BY market_index`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.UserPosition
	for rows.Next() {
		var p model.UserPosition
		if err := rows.Scan(&p.Owner, &p.MarketIndex, &p.TokenAmount, &p.Basis,
			&p.Fees, &p.Rebates, &p.Pnl, &p.MarginUsed, &p.UpdatedAt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) PutUserPosition(ctx context.Context, p *model.UserPosition) error {
	return putUserPosition(ctx, s.pool, p)
}

func putUserPosition(ctx context.Context, q querier, p *model.UserPosition) error {
	tag, err := q.Exec(ctx,
		`UPDATE user_positions
		 SET token_amount = $2, basis = $3, fees = $4, rebates = $5, pnl = $6,
		     margin_used = $7, updated_at = $8
		 WHERE address = $1`,
		string(derive.UserPosition(p.Owner, p.MarketIndex)), p.TokenAmount,
		p.Basis, p.Fees, p.Rebates, p.Pnl, p.MarginUsed, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: position %s/%d", ErrNotFound, p.Owner, p.MarketIndex)
	}
	return nil
}

// --- Treasury ---

const treasuryColumns = `mint, enabled, market_weight, decimals, feed_address, balance, updated_at`

func (s *PostgresStore) CreateTreasuryPosition(ctx context.Context, tp *model.TreasuryPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO treasury_positions (address, `+treasuryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(derive.TreasuryPosition(tp.Mint)), tp.Mint, tp.Enabled,
		tp.MarketWeight, tp.Decimals, tp.FeedAddress, tp.Balance, tp.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: treasury %s", ErrAlreadyExists, tp.Mint)
	}
	return err
}

func (s *PostgresStore) GetTreasuryPosition(ctx context.Context, mint string) (*model.TreasuryPosition, error) {
	var tp model.TreasuryPosition
	err := s.pool.QueryRow(ctx,
		`SELECT `+treasuryColumns+` FROM treasury_positions WHERE address = $1`,
		string(derive.TreasuryPosition(mint))).
		Scan(&tp.Mint, &tp.Enabled, &tp.MarketWeight, &tp.Decimals,
			&tp.FeedAddress, &tp.Balance, &tp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: treasury %s", ErrNotFound, mint)
	}
	if err != nil {
		return nil, fmt.Errorf("get treasury %s: %w", mint, err)
	}
	return &tp, nil
}

func (s *PostgresStore) ListTreasuryPositions(ctx context.Context) ([]model.TreasuryPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+treasuryColumns+` FROM treasury_positions ORDER BY mint`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.TreasuryPosition
	for rows.Next() {
		var tp model.TreasuryPosition
		if err := rows.Scan(&tp.Mint, &tp.Enabled, &tp.MarketWeight, &tp.Decimals,
			&tp.FeedAddress, &tp.Balance, &tp.UpdatedAt); err != nil {
			return nil, err
		}
		positions = append(positions, tp)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) PutTreasuryPosition(ctx context.Context, tp *model.TreasuryPosition) error {
	return putTreasuryPosition(ctx, s.pool, tp)
}

func putTreasuryPosition(ctx context.Context, q querier, tp *model.TreasuryPosition) error {
	tag, err := q.Exec(ctx,
		`UPDATE treasury_positions
		 SET enabled = $2, market_weight = $3, decimals = $4, feed_address = $5,
		     balance = $6, updated_at = $7
		 WHERE address = $1`,
		string(derive.TreasuryPosition(tp.Mint)), tp.Enabled, tp.MarketWeight,
		tp.Decimals, tp.FeedAddress, tp.Balance, tp.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: treasury %s", ErrNotFound, tp.Mint)
	}
	return nil
}

// --- Ledger ---

const ledgerColumns = `id, type, owner, market_index, mint, amount, price, fee, pnl, timestamp`

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	return insertLedgerEntry(ctx, s.pool, e)
}

func insertLedgerEntry(ctx context.Context, q querier, e *model.LedgerEntry) error {
	_, err := q.Exec(ctx,
		`INSERT INTO ledger_entries (`+ledgerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Type, e.Owner, e.MarketIndex, e.Mint, e.Amount, e.Price,
		e.Fee, e.Pnl, e.Timestamp)
	return err
}

func (s *PostgresStore) queryLedger(ctx context.Context, where string, arg any) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE `+where+` ORDER BY timestamp`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.Type, &e.Owner, &e.MarketIndex, &e.Mint,
			&e.Amount, &e.Price, &e.Fee, &e.Pnl, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) LedgerByMarket(ctx context.Context, index uint16) ([]model.LedgerEntry, error) {
	return s.queryLedger(ctx, `type = 'trade' AND market_index = $1`, index)
}

func (s *PostgresStore) LedgerByOwner(ctx context.Context, owner string) ([]model.LedgerEntry, error) {
	return s.queryLedger(ctx, `owner = $1`, owner)
}

func (s *PostgresStore) LedgerByMint(ctx context.Context, mint string) ([]model.LedgerEntry, error) {
	return s.queryLedger(ctx, `mint = $1`, mint)
}

// --- Atomic commits ---

func (s *PostgresStore) CommitTrade(ctx context.Context, ex *model.Exchange, m *model.Market,
	a *model.UserAccount, p *model.UserPosition, e *model.LedgerEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := putExchange(ctx, tx, ex); err != nil {
			return err
		}
		if err := putMarket(ctx, tx, m); err != nil {
			return err
		}
		if err := putUserAccount(ctx, tx, a); err != nil {
			return err
		}
		if err := putUserPosition(ctx, tx, p); err != nil {
			return err
		}
		return insertLedgerEntry(ctx, tx, e)
	})
}

func (s *PostgresStore) CommitFunding(ctx context.Context, ex *model.Exchange, a *model.UserAccount,
	tp *model.TreasuryPosition, e *model.LedgerEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := putExchange(ctx, tx, ex); err != nil {
			return err
		}
		if err := putUserAccount(ctx, tx, a); err != nil {
			return err
		}
		if err := putTreasuryPosition(ctx, tx, tp); err != nil {
			return err
		}
		return insertLedgerEntry(ctx, tx, e)
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
