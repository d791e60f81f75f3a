// Package stocksvc is the development stock-data service: a SQL stock table,
// parquet daily bars, an optional Alpaca market-data source and the HTTP
// surface the dashboard talks to.
package stocksvc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // Postgres driver.
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"stockdash/internal/domain"
)

// ErrNotFound is returned when a symbol has no row.
var ErrNotFound = errors.New("stock not found")

// Store persists the latest snapshot of each stock in a SQL table.
type Store struct {
	db     *sql.DB
	driver string
}

// OpenStore opens the stock table on driver ("sqlite" or "postgres") and
// checks the connection.
func OpenStore(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// Single writer avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging %s: %w", driver, err)
	}
	return &Store{db: db, driver: driver}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Migrate creates the stocks table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		id = "SERIAL PRIMARY KEY"
	}
	ddl := `CREATE TABLE IF NOT EXISTS stocks (
		id             ` + id + `,
		symbol         TEXT NOT NULL UNIQUE,
		name           TEXT NOT NULL DEFAULT '',
		current_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
		change_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
		volume         BIGINT NOT NULL DEFAULT 0,
		market_cap     DOUBLE PRECISION NOT NULL DEFAULT 0,
		sector         TEXT NOT NULL DEFAULT '',
		is_active      BOOLEAN NOT NULL DEFAULT TRUE,
		last_updated   TEXT NOT NULL DEFAULT ''
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating stocks table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_stocks_change ON stocks (change_percent)`); err != nil {
		return fmt.Errorf("creating change index: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// Upsert inserts the stocks or replaces the existing rows with the same
// symbol, in one transaction.
func (s *Store) Upsert(ctx context.Context, stocks ...domain.Stock) error {
	if len(stocks) == 0 {
		return nil
	}
	q := s.rebind(`
		INSERT INTO stocks (symbol, name, current_price, change_percent, volume, market_cap, sector, is_active, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			name = excluded.name,
			current_price = excluded.current_price,
			change_percent = excluded.change_percent,
			volume = excluded.volume,
			market_cap = excluded.market_cap,
			sector = excluded.sector,
			is_active = excluded.is_active,
			last_updated = excluded.last_updated`)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, st := range stocks {
		_, err := stmt.ExecContext(ctx,
			strings.ToUpper(st.Symbol), st.Name, st.CurrentPrice, st.ChangePercent,
			st.Volume, st.MarketCap, st.Sector, st.IsActive, formatDate(st.LastUpdated),
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upserting %s: %w", st.Symbol, err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

const stockColumns = `id, symbol, name, current_price, change_percent, volume, market_cap, sector, is_active, last_updated`

// List returns every stock ordered by symbol, or only the active ones.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]domain.Stock, error) {
	q := `SELECT ` + stockColumns + ` FROM stocks`
	if activeOnly {
		q += ` WHERE is_active = TRUE`
	}
	q += ` ORDER BY symbol`
	return s.query(ctx, q)
}

// Get returns the stock for symbol, or ErrNotFound.
func (s *Store) Get(ctx context.Context, symbol string) (domain.Stock, error) {
	rows, err := s.query(ctx, s.rebind(`SELECT `+stockColumns+` FROM stocks WHERE symbol = ?`), strings.ToUpper(symbol))
	if err != nil {
		return domain.Stock{}, err
	}
	if len(rows) == 0 {
		return domain.Stock{}, ErrNotFound
	}
	return rows[0], nil
}

// TopGainers returns up to limit stocks by change percent, highest first.
func (s *Store) TopGainers(ctx context.Context, limit int) ([]domain.Stock, error) {
	return s.ranked(ctx, "", "DESC", limit)
}

// TopLosers returns up to limit stocks by change percent, lowest first.
func (s *Store) TopLosers(ctx context.Context, limit int) ([]domain.Stock, error) {
	return s.ranked(ctx, "", "ASC", limit)
}

// Movers returns up to limit non-negative gainers and up to limit negative
// losers, so no symbol can land in both lists.
func (s *Store) Movers(ctx context.Context, limit int) (domain.MarketMovers, error) {
	gainers, err := s.ranked(ctx, "change_percent >= 0", "DESC", limit)
	if err != nil {
		return domain.MarketMovers{}, err
	}
	losers, err := s.ranked(ctx, "change_percent < 0", "ASC", limit)
	if err != nil {
		return domain.MarketMovers{}, err
	}
	return domain.MarketMovers{Gainers: gainers, Losers: losers}, nil
}

// LatestUpdate returns the newest last_updated date, or the zero time when
// the table is empty.
func (s *Store) LatestUpdate(ctx context.Context) (time.Time, error) {
	var v sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(last_updated) FROM stocks`).Scan(&v); err != nil {
		return time.Time{}, err
	}
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	ts, err := domain.ParseTimestamp(v.String)
	if err != nil {
		return time.Time{}, err
	}
	return ts.Time, nil
}

// Count returns the number of rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stocks`).Scan(&n)
	return n, err
}

func (s *Store) ranked(ctx context.Context, where, dir string, limit int) ([]domain.Stock, error) {
	q := `SELECT ` + stockColumns + ` FROM stocks`
	if where != "" {
		q += ` WHERE ` + where
	}
	q += ` ORDER BY change_percent ` + dir + `, symbol LIMIT ?`
	return s.query(ctx, s.rebind(q), limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]domain.Stock, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Stock{}
	for rows.Next() {
		var (
			st      domain.Stock
			updated string
		)
		if err := rows.Scan(&st.ID, &st.Symbol, &st.Name, &st.CurrentPrice, &st.ChangePercent,
			&st.Volume, &st.MarketCap, &st.Sector, &st.IsActive, &updated); err != nil {
			return nil, err
		}
		if updated != "" {
			if ts, err := domain.ParseTimestamp(updated); err == nil {
				st.LastUpdated = ts
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatDate(ts domain.Timestamp) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format("2006-01-02")
}
