package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore implements PortfolioStore and StateStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db, now: time.Now}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS portfolios (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		risk_tolerance TEXT NOT NULL DEFAULT 'medium',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_portfolios_user ON portfolios(user_id);

	CREATE TABLE IF NOT EXISTS holdings (
		portfolio_id TEXT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
		symbol TEXT NOT NULL,
		quantity TEXT NOT NULL,
		average_cost TEXT NOT NULL,
		PRIMARY KEY (portfolio_id, symbol)
	);

	CREATE TABLE IF NOT EXISTS alert_configs (
		id TEXT PRIMARY KEY,
		portfolio_id TEXT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
		symbol TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		threshold REAL NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alert_configs_portfolio ON alert_configs(portfolio_id);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS kv_lists (
		key TEXT NOT NULL,
		seq INTEGER NOT NULL,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (key, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Portfolios
// ============================================================================

// CreatePortfolio inserts p and its holdings.
func (s *SQLiteStore) CreatePortfolio(ctx context.Context, p *models.Portfolio) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO portfolios (id, user_id, name, risk_tolerance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.Name, string(p.RiskTolerance), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert portfolio: %w", err)
	}

	if err := insertHoldings(ctx, tx, p); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	p.LastUpdated = now
	return nil
}

// GetPortfolio loads a portfolio with its holdings.
func (s *SQLiteStore) GetPortfolio(ctx context.Context, id string) (*models.Portfolio, error) {
	p := &models.Portfolio{}
	var risk string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, risk_tolerance, updated_at FROM portfolios WHERE id = ?
	`, id).Scan(&p.ID, &p.UserID, &p.Name, &risk, &p.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrPortfolioNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio: %w", err)
	}
	p.RiskTolerance = models.RiskTolerance(risk)

	if p.Holdings, err = s.holdings(ctx, id); err != nil {
		return nil, err
	}
	p.Normalize()
	return p, nil
}

// ListPortfolios returns every portfolio owned by userID.
func (s *SQLiteStore) ListPortfolios(ctx context.Context, userID string) ([]*models.Portfolio, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM portfolios WHERE user_id = ? ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolios: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolios: %w", err)
	}

	out := make([]*models.Portfolio, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPortfolio(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// UpdatePortfolio replaces the name, risk tolerance and holdings of p.
func (s *SQLiteStore) UpdatePortfolio(ctx context.Context, p *models.Portfolio) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE portfolios SET name = ?, risk_tolerance = ?, updated_at = ? WHERE id = ?
	`, p.Name, string(p.RiskTolerance), now, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update portfolio: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.ErrPortfolioNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM holdings WHERE portfolio_id = ?`, p.ID); err != nil {
		return fmt.Errorf("failed to clear holdings: %w", err)
	}
	if err := insertHoldings(ctx, tx, p); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	p.LastUpdated = now
	return nil
}

// DeletePortfolio removes a portfolio, its holdings and alert configurations.
func (s *SQLiteStore) DeletePortfolio(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM portfolios WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete portfolio: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.ErrPortfolioNotFound
	}
	return nil
}

func insertHoldings(ctx context.Context, tx *sql.Tx, p *models.Portfolio) error {
	if len(p.Holdings) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO holdings (portfolio_id, symbol, quantity, average_cost)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, h := range p.Holdings {
		if _, err := stmt.ExecContext(ctx, p.ID, h.Symbol, h.Quantity.String(), h.AverageCost.String()); err != nil {
			return fmt.Errorf("failed to insert holding %s: %w", h.Symbol, err)
		}
	}
	return nil
}

func (s *SQLiteStore) holdings(ctx context.Context, portfolioID string) ([]models.PortfolioHolding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, quantity, average_cost FROM holdings WHERE portfolio_id = ? ORDER BY symbol ASC
	`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	var holdings []models.PortfolioHolding
	for rows.Next() {
		var h models.PortfolioHolding
		var qty, cost string
		if err := rows.Scan(&h.Symbol, &qty, &cost); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		if h.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("invalid quantity for %s: %w", h.Symbol, err)
		}
		if h.AverageCost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("invalid average cost for %s: %w", h.Symbol, err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// ============================================================================
// Alert configurations
// ============================================================================

// SaveAlertConfig inserts or replaces an alert configuration.
func (s *SQLiteStore) SaveAlertConfig(ctx context.Context, cfg *models.AlertConfig) error {
	now := s.now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alert_configs (id, portfolio_id, symbol, type, threshold, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cfg.ID, cfg.PortfolioID, cfg.Symbol, string(cfg.Type), cfg.Threshold, enabled, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return apperrors.ErrPortfolioNotFound
		}
		return fmt.Errorf("failed to save alert config: %w", err)
	}
	return nil
}

// GetAlertConfig loads one alert configuration.
func (s *SQLiteStore) GetAlertConfig(ctx context.Context, id string) (*models.AlertConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, portfolio_id, symbol, type, threshold, enabled, created_at, updated_at
		FROM alert_configs WHERE id = ?
	`, id)

	cfg, err := scanAlertConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrAlertConfigNotFound
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListAlertConfigs returns a portfolio's alert configurations.
func (s *SQLiteStore) ListAlertConfigs(ctx context.Context, portfolioID string) ([]models.AlertConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, portfolio_id, symbol, type, threshold, enabled, created_at, updated_at
		FROM alert_configs WHERE portfolio_id = ? ORDER BY created_at ASC
	`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert configs: %w", err)
	}
	defer rows.Close()

	var configs []models.AlertConfig
	for rows.Next() {
		cfg, err := scanAlertConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlertConfig(row scanner) (*models.AlertConfig, error) {
	var cfg models.AlertConfig
	var typ string
	var enabled int
	err := row.Scan(&cfg.ID, &cfg.PortfolioID, &cfg.Symbol, &typ, &cfg.Threshold, &enabled, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert config: %w", err)
	}
	cfg.Type = models.AlertType(typ)
	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// ============================================================================
// State store
// ============================================================================

func (s *SQLiteStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixNano()
}

// Set implements StateStore.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO kv (key, value, expires_at) VALUES (?, ?, ?)
	`, key, value, s.expiry(ttl))
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Get implements StateStore.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if expiresAt != 0 && expiresAt <= s.now().UnixNano() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return nil, ErrNotFound
	}
	return value, nil
}

// Delete implements StateStore.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_lists WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete list %s: %w", key, err)
	}
	return nil
}

// Keys implements StateStore. Expired entries are purged first.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.PurgeExpired(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv WHERE substr(key, 1, ?) = ?
		UNION
		SELECT DISTINCT key FROM kv_lists WHERE substr(key, 1, ?) = ?
		ORDER BY key
	`, len(prefix), prefix, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// PushFront implements StateStore.
func (s *SQLiteStore) PushFront(ctx context.Context, key string, value []byte, max int, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	nowNano := s.now().UnixNano()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM kv_lists WHERE key = ? AND expires_at != 0 AND expires_at <= ?
	`, key, nowNano); err != nil {
		return fmt.Errorf("failed to expire list %s: %w", key, err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM kv_lists WHERE key = ?
	`, key).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read list %s: %w", key, err)
	}

	expiresAt := s.expiry(ttl)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kv_lists (key, seq, value, expires_at) VALUES (?, ?, ?, ?)
	`, key, seq, value, expiresAt); err != nil {
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE kv_lists SET expires_at = ? WHERE key = ?`, expiresAt, key); err != nil {
		return fmt.Errorf("failed to refresh ttl of %s: %w", key, err)
	}

	if max > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM kv_lists WHERE key = ? AND seq <= ?
		`, key, seq-int64(max)); err != nil {
			return fmt.Errorf("failed to trim %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Range implements StateStore.
func (s *SQLiteStore) Range(ctx context.Context, key string, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM kv_lists
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY seq DESC LIMIT ?
	`, key, s.now().UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to range %s: %w", key, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan list entry: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RemoveFromList implements StateStore.
func (s *SQLiteStore) RemoveFromList(ctx context.Context, key string, match func([]byte) bool) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, value FROM kv_lists WHERE key = ?`, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}

	var seqs []int64
	for rows.Next() {
		var seq int64
		var v []byte
		if err := rows.Scan(&seq, &v); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan list entry: %w", err)
		}
		if match(v) {
			seqs = append(seqs, seq)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, seq := range seqs {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_lists WHERE key = ? AND seq = ?`, key, seq); err != nil {
			return 0, fmt.Errorf("failed to remove from %s: %w", key, err)
		}
	}
	return len(seqs), nil
}

// PurgeExpired deletes every expired key and list entry.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) error {
	now := s.now().UnixNano()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at != 0 AND expires_at <= ?`, now); err != nil {
		return fmt.Errorf("failed to purge keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_lists WHERE expires_at != 0 AND expires_at <= ?`, now); err != nil {
		return fmt.Errorf("failed to purge lists: %w", err)
	}
	return nil
}
