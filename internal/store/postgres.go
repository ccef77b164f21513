package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/position"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Mana is stored as NUMERIC for exact decimal precision; pool reserves are
// DOUBLE PRECISION, matching the pricing math.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const marketColumns = `id, slug, question, creator_id, outcome_type,
	pool_yes, pool_no, p, min, max, is_log_scale, sums_to_one,
	fee_creator, fee_platform, fee_liquidity, volume::TEXT,
	status, version, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market, provision model.LiquidityProvision) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := applyBalanceDelta(ctx, tx, m.CreatorID, decimal.NewFromFloat(provision.Amount).Neg()); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO markets (id, slug, question, creator_id, outcome_type,
		                      pool_yes, pool_no, p, min, max, is_log_scale, sums_to_one,
		                      fee_creator, fee_platform, fee_liquidity, volume,
		                      status, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16::NUMERIC, $17, $18, $19)`,
		m.ID, m.Slug, m.Question, m.CreatorID, string(m.OutcomeType),
		m.Pool.Yes, m.Pool.No, m.P, m.Min, m.Max, m.IsLogScale, m.SumsToOne,
		m.CollectedFees.Creator, m.CollectedFees.Platform, m.CollectedFees.Liquidity, m.Volume.String(),
		m.Status, m.Version, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert market %s: %w", m.ID, err)
	}

	for _, a := range m.Answers {
		_, err := tx.Exec(ctx,
			`INSERT INTO answers (id, market_id, idx, text, pool_yes, pool_no, p, resolved)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.ID, m.ID, a.Index, a.Text, a.State.Pool.Yes, a.State.Pool.No, a.State.P, a.Resolved)
		if err != nil {
			return fmt.Errorf("insert answer %s: %w", a.ID, err)
		}
	}

	if err := insertProvision(ctx, tx, provision); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return s.getMarket(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
}

func (s *PostgresStore) GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error) {
	return s.getMarket(ctx, `SELECT `+marketColumns+` FROM markets WHERE slug = $1`, slug)
}

func (s *PostgresStore) getMarket(ctx context.Context, query, arg string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", arg, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", arg, err)
	}
	answers, err := loadAnswers(ctx, s.pool, []string{m.ID})
	if err != nil {
		return nil, err
	}
	m.Answers = answers[m.ID]
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	var ids []string
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	answers, err := loadAnswers(ctx, s.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range markets {
		markets[i].Answers = answers[markets[i].ID]
	}
	return markets, nil
}

func (s *PostgresStore) CommitTrade(ctx context.Context, c Commit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	m := c.Market
	tag, err := tx.Exec(ctx,
		`UPDATE markets
		 SET pool_yes = $3, pool_no = $4, p = $5,
		     fee_creator = $6, fee_platform = $7, fee_liquidity = $8,
		     volume = $9::NUMERIC, status = $10, version = version + 1
		 WHERE id = $1 AND version = $2`,
		m.ID, c.ExpectedVersion, m.Pool.Yes, m.Pool.No, m.P,
		m.CollectedFees.Creator, m.CollectedFees.Platform, m.CollectedFees.Liquidity,
		m.Volume.String(), m.Status,
	)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM markets WHERE id = $1)`, m.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("market %s: %w", m.ID, model.ErrNotFound)
		}
		return fmt.Errorf("market %s moved past version %d: %w", m.ID, c.ExpectedVersion, model.ErrStaleSnapshot)
	}

	for _, a := range m.Answers {
		_, err := tx.Exec(ctx,
			`UPDATE answers SET pool_yes = $3, pool_no = $4, p = $5, resolved = $6
			 WHERE id = $1 AND market_id = $2`,
			a.ID, m.ID, a.State.Pool.Yes, a.State.Pool.No, a.State.P, a.Resolved)
		if err != nil {
			return fmt.Errorf("update answer %s: %w", a.ID, err)
		}
	}

	for _, u := range c.OrderUpdates {
		tag, err := tx.Exec(ctx,
			`UPDATE limit_orders SET remaining = $3, cancelled = cancelled OR $4
			 WHERE id = $1 AND market_id = $2 AND NOT cancelled`,
			u.ID, m.ID, u.Remaining, u.Cancelled)
		if err != nil {
			return fmt.Errorf("update order %s: %w", u.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("order %s no longer open: %w", u.ID, model.ErrStaleSnapshot)
		}
	}

	for _, o := range c.NewOrders {
		_, err := tx.Exec(ctx,
			`INSERT INTO limit_orders (id, user_id, market_id, answer_id, outcome, limit_prob,
			                           shares, remaining, cancelled, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			o.ID, o.UserID, o.MarketID, o.AnswerID, string(o.Outcome), o.LimitProb,
			o.Shares, o.Remaining, o.Cancelled, o.CreatedAt, o.ExpiresAt)
		if err != nil {
			return fmt.Errorf("insert order %s: %w", o.ID, err)
		}
	}

	for i := range c.Entries {
		if err := insertLedgerEntry(ctx, tx, &c.Entries[i]); err != nil {
			return err
		}
	}
	for _, p := range c.Provisions {
		if err := insertProvision(ctx, tx, p); err != nil {
			return err
		}
	}
	for _, h := range disposals(c.Entries) {
		var totalS string
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(shares), 0)::TEXT FROM ledger_entries
			 WHERE user_id = $1 AND market_id = $2 AND answer_id = $3 AND outcome = $4 AND kind <> $5`,
			h.user, h.market, h.answer, string(h.outcome), string(model.EntryLiquidity),
		).Scan(&totalS)
		if err != nil {
			return fmt.Errorf("sum holding: %w", err)
		}
		total, err := decimal.NewFromString(totalS)
		if err != nil {
			return fmt.Errorf("parse holding %q: %w", totalS, err)
		}
		if err := overdrawn(h, total); err != nil {
			return err
		}
	}
	// Fixed lock order across concurrent commits.
	users := make([]string, 0, len(c.BalanceDeltas))
	for user := range c.BalanceDeltas {
		users = append(users, user)
	}
	sort.Strings(users)
	for _, user := range users {
		if err := applyBalanceDelta(ctx, tx, user, c.BalanceDeltas[user]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	c.Market.Version = c.ExpectedVersion + 1
	return nil
}

func (s *PostgresStore) GetOpenOrders(ctx context.Context, marketID string) ([]model.LimitOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, answer_id, outcome, limit_prob,
		        shares, remaining, cancelled, created_at, expires_at
		 FROM limit_orders
		 WHERE market_id = $1 AND NOT cancelled AND remaining > 0
		 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.LimitOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT id, user_id, market_id, answer_id, outcome, limit_prob,
		        shares, remaining, cancelled, created_at, expires_at
		 FROM limit_orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) EnsureUser(ctx context.Context, userID string, starting decimal.Decimal) (decimal.Decimal, error) {
	var balanceS string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET id = users.id
		 RETURNING balance::TEXT`, userID, starting.String()).Scan(&balanceS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ensure user %s: %w", userID, err)
	}
	return decimal.NewFromString(balanceS)
}

func (s *PostgresStore) GetBalances(ctx context.Context, userIDs []string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, balance::TEXT FROM users WHERE id = ANY($1)`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal, len(userIDs))
	for rows.Next() {
		var id, balanceS string
		if err := rows.Scan(&id, &balanceS); err != nil {
			return nil, err
		}
		out[id], _ = decimal.NewFromString(balanceS)
	}
	return out, rows.Err()
}

const ledgerColumns = `id, user_id, market_id, answer_id, kind, outcome,
	shares::TEXT, amount::TEXT, fees::TEXT, prob_before::TEXT, prob_after::TEXT,
	order_id, loan_amount::TEXT, timestamp`

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE market_id = $1 ORDER BY timestamp, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE user_id = $1 ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetProvisions(ctx context.Context, marketID string) ([]model.LiquidityProvision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, user_id, amount, liquidity, created_at
		 FROM liquidity_provisions WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LiquidityProvision
	for rows.Next() {
		var p model.LiquidityProvision
		if err := rows.Scan(&p.ID, &p.MarketID, &p.UserID, &p.Amount, &p.Liquidity, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetUserPositions folds the user's ledger. Cost basis needs the entries in
// order, so aggregation happens in Go rather than in SQL.
func (s *PostgresStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	entries, err := s.GetLedgerEntriesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return position.Aggregate(entries), nil
}

func applyBalanceDelta(ctx context.Context, q querier, userID string, delta decimal.Decimal) error {
	var balanceS string
	err := q.QueryRow(ctx,
		`INSERT INTO users (id, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET balance = users.balance + EXCLUDED.balance
		 RETURNING balance::TEXT`, userID, delta.String()).Scan(&balanceS)
	if err != nil {
		return fmt.Errorf("update balance %s: %w", userID, err)
	}
	balance, _ := decimal.NewFromString(balanceS)
	if balance.IsNegative() {
		return fmt.Errorf("%w: %s would have %s", model.ErrInsufficientBalance, userID, balance)
	}
	return nil
}

func insertLedgerEntry(ctx context.Context, q querier, e *model.LedgerEntry) error {
	_, err := q.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, market_id, answer_id, kind, outcome,
		                             shares, amount, fees, prob_before, prob_after,
		                             order_id, loan_amount, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12, $13::NUMERIC, $14)`,
		e.ID, e.UserID, e.MarketID, e.AnswerID, string(e.Kind), string(e.Outcome),
		e.Shares.String(), e.Amount.String(), e.Fees.String(),
		e.ProbBefore.String(), e.ProbAfter.String(),
		e.OrderID, e.LoanAmount.String(), e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
	}
	return nil
}

func insertProvision(ctx context.Context, q querier, p model.LiquidityProvision) error {
	_, err := q.Exec(ctx,
		`INSERT INTO liquidity_provisions (id, market_id, user_id, amount, liquidity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.MarketID, p.UserID, p.Amount, p.Liquidity, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert provision %s: %w", p.ID, err)
	}
	return nil
}

func loadAnswers(ctx context.Context, q querier, marketIDs []string) (map[string][]model.Answer, error) {
	out := make(map[string][]model.Answer)
	if len(marketIDs) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx,
		`SELECT id, market_id, idx, text, pool_yes, pool_no, p, resolved
		 FROM answers WHERE market_id = ANY($1) ORDER BY market_id, idx`, marketIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.ID, &a.MarketID, &a.Index, &a.Text,
			&a.State.Pool.Yes, &a.State.Pool.No, &a.State.P, &a.Resolved); err != nil {
			return nil, err
		}
		out[a.MarketID] = append(out[a.MarketID], a)
	}
	return out, rows.Err()
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var outcomeType, volumeS string
	if err := row.Scan(&m.ID, &m.Slug, &m.Question, &m.CreatorID, &outcomeType,
		&m.Pool.Yes, &m.Pool.No, &m.P, &m.Min, &m.Max, &m.IsLogScale, &m.SumsToOne,
		&m.CollectedFees.Creator, &m.CollectedFees.Platform, &m.CollectedFees.Liquidity, &volumeS,
		&m.Status, &m.Version, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.OutcomeType = model.OutcomeType(outcomeType)
	m.Volume, _ = decimal.NewFromString(volumeS)
	return &m, nil
}

func scanOrder(row pgx.Row) (*model.LimitOrder, error) {
	var o model.LimitOrder
	var outcome string
	var expires *time.Time
	if err := row.Scan(&o.ID, &o.UserID, &o.MarketID, &o.AnswerID, &outcome, &o.LimitProb,
		&o.Shares, &o.Remaining, &o.Cancelled, &o.CreatedAt, &expires); err != nil {
		return nil, err
	}
	o.Outcome = model.Outcome(outcome)
	o.ExpiresAt = expires
	return &o, nil
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind, outcome, sharesS, amountS, feesS, beforeS, afterS, loanS string

		if err := rows.Scan(&e.ID, &e.UserID, &e.MarketID, &e.AnswerID, &kind, &outcome,
			&sharesS, &amountS, &feesS, &beforeS, &afterS,
			&e.OrderID, &loanS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Kind = model.EntryKind(kind)
		e.Outcome = model.Outcome(outcome)
		e.Shares, _ = decimal.NewFromString(sharesS)
		e.Amount, _ = decimal.NewFromString(amountS)
		e.Fees, _ = decimal.NewFromString(feesS)
		e.ProbBefore, _ = decimal.NewFromString(beforeS)
		e.ProbAfter, _ = decimal.NewFromString(afterS)
		e.LoanAmount, _ = decimal.NewFromString(loanS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
