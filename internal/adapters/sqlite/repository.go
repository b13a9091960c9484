package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"reversalBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.DocumentStore and ports.TradeLog using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/reversal_bot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// A single connection serializes writers; every document write is a whole-row replace.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS documents (
		key TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trade_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		line TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- DocumentStore Implementation ---

// ReadJSON decodes the document stored under key into dst.
func (r *Repository) ReadJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	const query = `SELECT body FROM documents WHERE key = ?`

	var body string
	err := r.db.QueryRowContext(ctx, query, key).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Document not found", map[string]interface{}{"key": key})
			return false, nil
		}
		return false, fmt.Errorf("failed to read document %s: %w: %w", key, ports.ErrQueryFailed, err)
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		return false, fmt.Errorf("failed to decode document %s: %w: %w", key, ports.ErrQueryFailed, err)
	}
	return true, nil
}

// WriteJSON replaces the document stored under key.
func (r *Repository) WriteJSON(ctx context.Context, key string, value interface{}) error {
	const query = `
	INSERT INTO documents (key, body, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`

	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w: %w", key, ports.ErrUpdateFailed, err)
	}
	if _, err := r.db.ExecContext(ctx, query, key, string(body), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write document %s: %w: %w", key, ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Document written", map[string]interface{}{"key": key, "bytes": len(body)})
	return nil
}

// --- TradeLog Implementation ---

// AppendLine appends one line to the trade log.
func (r *Repository) AppendLine(ctx context.Context, line string) error {
	const query = `INSERT INTO trade_log (line, created_at) VALUES (?, ?)`
	if _, err := r.db.ExecContext(ctx, query, line, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to append trade log line: %w: %w", ports.ErrUpdateFailed, err)
	}
	return nil
}

// Lines returns the trade log in append order.
func (r *Repository) Lines(ctx context.Context) ([]string, error) {
	const query = `SELECT line FROM trade_log ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade log: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	lines := make([]string, 0)
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("failed to scan trade log line: %w", err)
		}
		lines = append(lines, line)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade log rows: %w", err)
	}
	return lines, nil
}
