// Package sqlite persists document snapshots in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/c0deZ3R0/peersync"
	syncErrors "github.com/c0deZ3R0/peersync/errors"
	"github.com/c0deZ3R0/peersync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const (
	opLoadAll = "sqlite.LoadAll"
	opSave    = "sqlite.Save"
	opLoad    = "sqlite.Load"
	component = "storage/sqlite"
)

var (
	ErrStoreClosed      = errors.New("store is closed")
	ErrInvalidTableName = errors.New("invalid table name")
)

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds configuration options for the Store.
//
// DefaultConfig enables WAL mode and a small connection pool.
type Config struct {
	// DataSourceName is the SQLite file name or URI.
	// Example: "file:docs.db"
	DataSourceName string

	// EnableWAL appends _journal_mode=WAL to DataSourceName.
	EnableWAL bool

	// TableName defaults to "documents".
	TableName string

	Logger *logging.Logger

	MaxOpenConns    int           // Default: 4
	MaxIdleConns    int           // Default: 2
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "documents"
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if strings.Contains(c.DataSourceName, ":memory:") {
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
		c.EnableWAL = false
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config for dataSourceName with WAL enabled.
func DefaultConfig(dataSourceName string) *Config {
	return &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
}

// Store keeps one snapshot per document id.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	closed    bool
	logger    *logging.Logger
	tableName string
}

var _ peersync.DocStore = (*Store)(nil)

// NewWithDataSource opens a store with DefaultConfig.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// New opens the database and creates the table if needed.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}
	config.setDefaults()
	if !tableNameRE.MatchString(config.TableName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, config.TableName)
	}

	logger := config.Logger.WithComponent(logging.Component(component))
	logger.Info("opening sqlite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	s := &Store{
		db:        db,
		logger:    logger,
		tableName: config.TableName,
	}
	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.Info("sqlite document store initialized", slog.String("table_name", s.tableName))
	return s, nil
}

func (s *Store) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        doc_id      TEXT PRIMARY KEY,
        snapshot    BLOB NOT NULL,
        updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );`, s.tableName)
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save replaces the snapshot of docID.
func (s *Store) Save(ctx context.Context, docID string, snapshot []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	if docID == "" {
		return syncErrors.E(syncErrors.Op(opSave), syncErrors.Component(component), syncErrors.KindInvalid, "empty document id")
	}

	query := fmt.Sprintf(`INSERT INTO %s (doc_id, snapshot, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(doc_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, docID, snapshot); err != nil {
		return syncErrors.WrapOpComponent(err, opSave, component)
	}
	return nil
}

// Load returns the snapshot of one document.
func (s *Store) Load(ctx context.Context, docID string) ([]byte, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	var snapshot []byte
	query := fmt.Sprintf(`SELECT snapshot FROM %s WHERE doc_id = ?`, s.tableName)
	err := s.db.QueryRowContext(ctx, query, docID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, syncErrors.WrapOpComponent(err, opLoad, component)
	}
	return snapshot, true, nil
}

// LoadAll returns every stored snapshot keyed by document id.
func (s *Store) LoadAll(ctx context.Context) (map[string][]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT doc_id, snapshot FROM %s ORDER BY doc_id`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoadAll, component)
	}
	defer rows.Close()

	docs := make(map[string][]byte)
	for rows.Next() {
		var id string
		var snapshot []byte
		if err := rows.Scan(&id, &snapshot); err != nil {
			return nil, syncErrors.WrapOpComponent(fmt.Errorf("failed to scan document row: %w", err), opLoadAll, component)
		}
		docs[id] = snapshot
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoadAll, component)
	}
	return docs, nil
}

// Stats returns database statistics for monitoring
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
