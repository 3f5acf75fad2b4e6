// Package briefcase is the SQLite adapter for a local replica: it opens the
// database, introspects tables and performs the row reads and writes the
// apply loop needs inside a single transaction.
package briefcase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"

	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
	"github.com/c0deZ3R0/go-changeset-kit/logging"
)

// ErrClosed is returned by operations on a closed briefcase.
var ErrClosed = errors.New("briefcase is closed")

// Config holds configuration options for a Briefcase.
//
// DefaultConfig applies:
//   - WAL journal mode
//   - foreign keys enforced immediately
//   - a 5s busy timeout
//   - a pool of 4 connections (1 for in-memory databases)
type Config struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string

	// JournalMode is passed to PRAGMA journal_mode. Defaults to WAL.
	JournalMode string

	// BusyTimeout bounds how long a statement waits on a locked database.
	BusyTimeout time.Duration

	// DisableForeignKeys turns off foreign key enforcement. Constraint
	// conflicts from foreign keys are then never raised.
	DisableForeignKeys bool

	// MetaTable stores the applied-changeset tip. Defaults to "cset_tip".
	MetaTable string

	MaxOpenConns    int
	ConnMaxLifetime time.Duration

	// Logger defaults to a discarding logger.
	Logger *logging.Logger
}

func (c *Config) setDefaults() {
	if c.JournalMode == "" {
		c.JournalMode = "WAL"
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MetaTable == "" {
		c.MetaTable = "cset_tip"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 4
	}
	if c.inMemory() {
		c.MaxOpenConns = 1
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
}

func (c *Config) inMemory() bool {
	return c.Path == ":memory:" || strings.Contains(c.Path, "mode=memory")
}

// DefaultConfig returns a Config with defaults applied for path.
func DefaultConfig(path string) *Config {
	c := &Config{Path: path}
	c.setDefaults()
	return c
}

func (c *Config) dataSourceName() string {
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprint(c.BusyTimeout.Milliseconds()))
	q.Set("_journal_mode", c.JournalMode)
	if c.DisableForeignKeys {
		q.Set("_foreign_keys", "0")
	} else {
		q.Set("_foreign_keys", "1")
	}
	path := c.Path
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

// Briefcase is a local replica database.
type Briefcase struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	logger *logging.Logger
	meta   string
	path   string
}

// Open opens (creating if needed) the database described by cfg.
func Open(ctx context.Context, cfg *Config) (*Briefcase, error) {
	if cfg == nil {
		return nil, cserrors.NewValidationError(cserrors.OpOpen, errors.New("config cannot be nil"))
	}
	cfg.setDefaults()
	if cfg.Path == "" {
		return nil, cserrors.NewValidationError(cserrors.OpOpen, errors.New("briefcase path is required"))
	}

	logger := cfg.Logger.WithComponent("briefcase")
	logger.InfoContext(ctx, "opening briefcase",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", cfg.JournalMode),
		slog.Bool("foreign_keys", !cfg.DisableForeignKeys),
	)

	db, err := sql.Open("sqlite3", cfg.dataSourceName())
	if err != nil {
		return nil, cserrors.NewStorageError(cserrors.OpOpen, fmt.Errorf("failed to open sqlite database: %w", err))
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, cserrors.NewStorageError(cserrors.OpOpen, fmt.Errorf("failed to connect to sqlite database: %w", err))
	}

	b := &Briefcase{db: db, logger: logger, meta: cfg.MetaTable, path: cfg.Path}
	err = cfg.Logger.LogOperation(ctx, logging.Operation(cserrors.OpOpen), "briefcase", func() error {
		return b.setupSchema(ctx)
	})
	if err != nil {
		db.Close()
		return nil, cserrors.NewStorageError(cserrors.OpOpen, fmt.Errorf("failed to setup briefcase metadata: %w", err))
	}
	return b, nil
}

func (b *Briefcase) setupSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id              INTEGER PRIMARY KEY CHECK (id = 1),
		changeset_index INTEGER NOT NULL,
		changeset_id    TEXT NOT NULL,
		applied_at      TEXT NOT NULL
	)`, quoteIdent(b.meta))
	_, err := b.db.ExecContext(ctx, query)
	return err
}

// Path returns the configured database path.
func (b *Briefcase) Path() string { return b.path }

// DB exposes the underlying handle for setup and inspection. Writes made
// through it bypass conflict handling.
func (b *Briefcase) DB() *sql.DB { return b.db }

// Exec runs statements outside any apply session.
func (b *Briefcase) Exec(ctx context.Context, query string, args ...any) error {
	if err := b.check(); err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return cserrors.NewStorageError(cserrors.OpWrite, err)
	}
	return nil
}

// Close closes the database.
func (b *Briefcase) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *Briefcase) check() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return cserrors.NewStorageError(cserrors.OpOpen, ErrClosed)
	}
	return nil
}

// Tip is the last changeset committed to the briefcase.
type Tip struct {
	Index     int
	ID        string
	AppliedAt time.Time
}

// IsZero reports whether no changeset has been applied.
func (t Tip) IsZero() bool { return t.Index == 0 && t.ID == "" }

// Tip returns the applied-changeset tip.
func (b *Briefcase) Tip(ctx context.Context) (Tip, error) {
	if err := b.check(); err != nil {
		return Tip{}, err
	}
	return readTip(ctx, b.db, b.meta)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readTip(ctx context.Context, q queryer, meta string) (Tip, error) {
	var (
		tip       Tip
		appliedAt string
	)
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT changeset_index, changeset_id, applied_at FROM %s WHERE id = 1`, quoteIdent(meta)),
	).Scan(&tip.Index, &tip.ID, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tip{}, nil
	}
	if err != nil {
		return Tip{}, cserrors.NewStorageError(cserrors.OpRead, err)
	}
	tip.AppliedAt, _ = time.Parse(time.RFC3339Nano, appliedAt)
	return tip, nil
}

// Tables lists user tables in name order, excluding SQLite internals and the
// tip table.
func (b *Briefcase) Tables(ctx context.Context) ([]string, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name <> ? ORDER BY name`, b.meta)
	if err != nil {
		return nil, cserrors.NewStorageError(cserrors.OpRead, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, cserrors.NewStorageError(cserrors.OpRead, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, cserrors.NewStorageError(cserrors.OpRead, err)
	}
	return names, nil
}

// Stats returns database statistics.
func (b *Briefcase) Stats() sql.DBStats { return b.db.Stats() }

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
