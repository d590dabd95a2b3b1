// Package sqlite is the durable store for positions, conditional orders,
// and holdings. It is the source of truth; the Redis index is rebuilt from
// it at startup.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"tradesim/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/tradesim.db"
}

// Store implements model.PositionStore, model.OrderStore, and
// model.HoldingStore over a single SQLite database.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database, enables WAL mode, and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single-writer pool: SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			id                   TEXT PRIMARY KEY,
			user_id              TEXT NOT NULL,
			wallet_id            TEXT NOT NULL,
			token                TEXT NOT NULL,
			exchange             TEXT NOT NULL,
			trading_symbol       TEXT,
			position_type        TEXT NOT NULL,
			qty                  INTEGER NOT NULL,
			avg_price            REAL    NOT NULL,
			total_value          INTEGER NOT NULL,
			last_price           INTEGER NOT NULL DEFAULT 0,
			current_value        INTEGER NOT NULL DEFAULT 0,
			unrealized_pnl       INTEGER NOT NULL DEFAULT 0,
			unrealized_pnl_pct   REAL    NOT NULL DEFAULT 0,
			order_ids            TEXT    NOT NULL DEFAULT '[]',
			expires_at           INTEGER NOT NULL,
			is_squared_off       INTEGER NOT NULL DEFAULT 0,
			square_off_order_id  TEXT,
			converted_to_holding INTEGER NOT NULL DEFAULT 0,
			holding_id           TEXT,
			created_at           INTEGER NOT NULL,
			updated_at           INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id, is_squared_off);
		CREATE INDEX IF NOT EXISTS idx_positions_expiry ON positions(position_type, is_squared_off, expires_at);
		CREATE INDEX IF NOT EXISTS idx_positions_instrument ON positions(exchange, token);

		CREATE TABLE IF NOT EXISTS orders (
			order_id       TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			wallet_id      TEXT NOT NULL,
			token          TEXT NOT NULL,
			exchange       TEXT NOT NULL,
			trading_symbol TEXT,
			variant        TEXT NOT NULL,
			txn_type       TEXT NOT NULL,
			position_type  TEXT NOT NULL,
			qty            INTEGER NOT NULL,
			limit_price    INTEGER NOT NULL DEFAULT 0,
			trigger_price  INTEGER NOT NULL DEFAULT 0,
			approval_ref   TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL,
			triggered_at   INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
		CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at);

		CREATE TABLE IF NOT EXISTS holdings (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			wallet_id      TEXT NOT NULL,
			token          TEXT NOT NULL,
			exchange       TEXT NOT NULL,
			trading_symbol TEXT,
			qty            INTEGER NOT NULL,
			avg_price      REAL    NOT NULL,
			position_id    TEXT NOT NULL,
			created_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_holdings_user ON holdings(user_id, created_at);
	`)
	return err
}

// openFilter is the three-way predicate selecting actively tracked rows.
const openFilter = `is_squared_off = 0 AND converted_to_holding = 0 AND qty != 0`

const positionCols = `id, user_id, wallet_id, token, exchange, trading_symbol, position_type,
	qty, avg_price, total_value, last_price, current_value, unrealized_pnl, unrealized_pnl_pct,
	order_ids, expires_at, is_squared_off, square_off_order_id, converted_to_holding, holding_id,
	created_at, updated_at`

// ── PositionStore ──

func (s *Store) SavePosition(ctx context.Context, p *model.Position) error {
	orderIDs, err := json.Marshal(p.OrderIDs)
	if err != nil {
		return fmt.Errorf("sqlite marshal order ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions (`+positionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.WalletID, p.Token, p.Exchange, p.TradingSymbol, p.PositionType,
		p.Qty, p.AvgPrice, p.TotalValue, p.LastPrice, p.CurrentValue, p.UnrealizedPnL, p.UnrealizedPnLPct,
		string(orderIDs), p.ExpiresAt.Unix(), boolInt(p.IsSquaredOff), p.SquareOffOrderID,
		boolInt(p.ConvertedToHolding), p.HoldingID, p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlite save position %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *Store) FindOpenPosition(ctx context.Context, userID, exchange, token, positionType string) (*model.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+positionCols+` FROM positions
		WHERE user_id = ? AND exchange = ? AND token = ? AND position_type = ? AND `+openFilter+`
		LIMIT 1`,
		userID, exchange, token, positionType)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *Store) ActiveByUser(ctx context.Context, userID, positionType string) ([]model.Position, error) {
	q := `SELECT ` + positionCols + ` FROM positions WHERE user_id = ? AND ` + openFilter
	args := []interface{}{userID}
	if positionType != "" {
		q += ` AND position_type = ?`
		args = append(args, positionType)
	}
	q += ` ORDER BY created_at DESC`
	return s.queryPositions(ctx, q, args...)
}

func (s *Store) ExpiredIntraday(ctx context.Context, now time.Time) ([]model.Position, error) {
	return s.queryPositions(ctx, `
		SELECT `+positionCols+` FROM positions
		WHERE position_type = ? AND `+openFilter+` AND expires_at <= ?
		ORDER BY created_at`,
		model.PositionIntraday, now.Unix())
}

func (s *Store) ExpiredDelivery(ctx context.Context, now time.Time) ([]model.Position, error) {
	return s.queryPositions(ctx, `
		SELECT `+positionCols+` FROM positions
		WHERE position_type = ? AND `+openFilter+` AND expires_at <= ?
		ORDER BY created_at`,
		model.PositionDelivery, now.Unix())
}

func (s *Store) OpenByInstrument(ctx context.Context, exchange, token string) ([]model.Position, error) {
	return s.queryPositions(ctx, `
		SELECT `+positionCols+` FROM positions
		WHERE exchange = ? AND token = ? AND `+openFilter+`
		ORDER BY created_at`,
		exchange, token)
}

func (s *Store) HistoryByUser(ctx context.Context, userID string, from, to time.Time, limit, offset int) ([]model.Position, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryPositions(ctx, `
		SELECT `+positionCols+` FROM positions
		WHERE user_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, from.Unix(), to.Unix(), limit, offset)
}

func (s *Store) queryPositions(ctx context.Context, q string, args ...interface{}) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(r rowScanner) (*model.Position, error) {
	var p model.Position
	var orderIDs string
	var expiresAt, createdAt, updatedAt int64
	var squaredOff, converted int
	var sqOrderID, holdingID, tradingSymbol sql.NullString

	err := r.Scan(&p.ID, &p.UserID, &p.WalletID, &p.Token, &p.Exchange, &tradingSymbol, &p.PositionType,
		&p.Qty, &p.AvgPrice, &p.TotalValue, &p.LastPrice, &p.CurrentValue, &p.UnrealizedPnL, &p.UnrealizedPnLPct,
		&orderIDs, &expiresAt, &squaredOff, &sqOrderID, &converted, &holdingID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(orderIDs), &p.OrderIDs); err != nil {
		return nil, fmt.Errorf("sqlite unmarshal order ids for %s: %w", p.ID, err)
	}
	p.TradingSymbol = tradingSymbol.String
	p.SquareOffOrderID = sqOrderID.String
	p.HoldingID = holdingID.String
	p.IsSquaredOff = squaredOff != 0
	p.ConvertedToHolding = converted != 0
	p.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

// ── OrderStore ──

const orderCols = `order_id, user_id, wallet_id, token, exchange, trading_symbol, variant,
	txn_type, position_type, qty, limit_price, trigger_price, approval_ref, status,
	created_at, updated_at, triggered_at`

func (s *Store) SaveOrder(ctx context.Context, o *model.ConditionalOrder) error {
	var triggeredAt interface{}
	if !o.TriggeredAt.IsZero() {
		triggeredAt = o.TriggeredAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders (`+orderCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.UserID, o.WalletID, o.Token, o.Exchange, o.TradingSymbol, o.Variant,
		o.TransactionType, o.PositionType, o.Qty, o.LimitPrice, o.TriggerPrice, o.ApprovalRef, o.Status,
		o.CreatedAt.Unix(), o.UpdatedAt.Unix(), triggeredAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite save order %s: %w", o.OrderID, err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*model.ConditionalOrder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *Store) PendingOrders(ctx context.Context) ([]model.ConditionalOrder, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE status IN (?, ?)
		ORDER BY created_at`,
		model.OrderPending, model.OrderTriggered)
}

func (s *Store) OrdersByUser(ctx context.Context, userID string, limit int) ([]model.ConditionalOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryOrders(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
}

func (s *Store) TransitionStatus(ctx context.Context, orderID string, from []string, to string) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	q := `UPDATE orders SET status = ?, updated_at = ? WHERE order_id = ? AND status IN (?`
	args := []interface{}{to, time.Now().Unix(), orderID, from[0]}
	for _, f := range from[1:] {
		q += `, ?`
		args = append(args, f)
	}
	q += `)`

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("sqlite transition order %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) queryOrders(ctx context.Context, q string, args ...interface{}) ([]model.ConditionalOrder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query orders: %w", err)
	}
	defer rows.Close()

	var out []model.ConditionalOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOrder(r rowScanner) (*model.ConditionalOrder, error) {
	var o model.ConditionalOrder
	var createdAt, updatedAt int64
	var triggeredAt sql.NullInt64
	var tradingSymbol sql.NullString

	err := r.Scan(&o.OrderID, &o.UserID, &o.WalletID, &o.Token, &o.Exchange, &tradingSymbol, &o.Variant,
		&o.TransactionType, &o.PositionType, &o.Qty, &o.LimitPrice, &o.TriggerPrice, &o.ApprovalRef, &o.Status,
		&createdAt, &updatedAt, &triggeredAt)
	if err != nil {
		return nil, err
	}

	o.TradingSymbol = tradingSymbol.String
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if triggeredAt.Valid {
		o.TriggeredAt = time.Unix(triggeredAt.Int64, 0).UTC()
	}
	return &o, nil
}

// ── HoldingStore ──

func (s *Store) CreateHolding(ctx context.Context, h *model.Holding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO holdings (id, user_id, wallet_id, token, exchange, trading_symbol, qty, avg_price, position_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.UserID, h.WalletID, h.Token, h.Exchange, h.TradingSymbol, h.Qty, h.AvgPrice, h.PositionID, h.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlite create holding %s: %w", h.ID, err)
	}
	return nil
}

func (s *Store) HoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, wallet_id, token, exchange, trading_symbol, qty, avg_price, position_id, created_at
		FROM holdings WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query holdings: %w", err)
	}
	defer rows.Close()

	var out []model.Holding
	for rows.Next() {
		var h model.Holding
		var createdAt int64
		var tradingSymbol sql.NullString
		if err := rows.Scan(&h.ID, &h.UserID, &h.WalletID, &h.Token, &h.Exchange, &tradingSymbol,
			&h.Qty, &h.AvgPrice, &h.PositionID, &createdAt); err != nil {
			return nil, err
		}
		h.TradingSymbol = tradingSymbol.String
		h.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
