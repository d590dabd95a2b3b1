package execution

import (
	"database/sql"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Fill is one executed fill, as recorded in the audit journal.
type Fill struct {
	OrderID      string    `json:"order_id"`
	UserID       string    `json:"user_id"`
	Token        string    `json:"token"`
	Exchange     string    `json:"exchange"`
	PositionType string    `json:"position_type"`
	Txn          string    `json:"txn"` // BUY, SELL
	Qty          int64     `json:"qty"`
	Price        int64     `json:"price"` // paise
	PositionID   string    `json:"position_id"`
	FilledAt     time.Time `json:"filled_at"`
}

// Journal persists executed fills to SQLite for audit and reconciliation.
// It is off the hot path: a failed journal write is logged, never fatal.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS fills (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id      TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		token         TEXT NOT NULL,
		exchange      TEXT NOT NULL,
		position_type TEXT NOT NULL,
		txn           TEXT NOT NULL,
		qty           INTEGER NOT NULL,
		price         INTEGER NOT NULL,
		position_id   TEXT NOT NULL,
		filled_at     DATETIME NOT NULL,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_fills_user ON fills(user_id);
	CREATE INDEX IF NOT EXISTS idx_fills_position ON fills(position_id);
	CREATE INDEX IF NOT EXISTS idx_fills_filled_at ON fills(filled_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened fill journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// RecordFill persists a fill. Errors are logged and swallowed; the journal
// is an audit trail, not the source of truth.
func (j *Journal) RecordFill(fill Fill) {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO fills (order_id, user_id, token, exchange, position_type, txn, qty, price, position_id, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.OrderID,
		fill.UserID,
		fill.Token,
		fill.Exchange,
		fill.PositionType,
		fill.Txn,
		fill.Qty,
		fill.Price,
		fill.PositionID,
		fill.FilledAt.Format(time.RFC3339),
	)
	if err != nil {
		log.Printf("[journal] record fill %s: %v", fill.OrderID, err)
	}
}

// RecentFills returns the last N fills, newest first.
func (j *Journal) RecentFills(limit int) ([]Fill, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT order_id, user_id, token, exchange, position_type, txn, qty, price, position_id, filled_at
		 FROM fills ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []Fill
	for rows.Next() {
		var f Fill
		var filledAt string
		if err := rows.Scan(&f.OrderID, &f.UserID, &f.Token, &f.Exchange, &f.PositionType,
			&f.Txn, &f.Qty, &f.Price, &f.PositionID, &filledAt); err != nil {
			continue
		}
		f.FilledAt, _ = time.Parse(time.RFC3339, filledAt)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
