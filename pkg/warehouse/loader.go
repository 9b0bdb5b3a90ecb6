// Package warehouse appends transformed datasets to a SQL warehouse table.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/crm-bulk-etl/pkg/logging"
	"github.com/Sternrassler/crm-bulk-etl/pkg/transform"
	"github.com/rs/zerolog"
)

// ErrNoColumns is returned when a non-empty dataset has no columns.
var ErrNoColumns = errors.New("dataset has no columns")

// Loader appends a dataset to a table.
type Loader interface {
	Append(ctx context.Context, table string, ds *transform.Dataset) error
}

// DefaultTable returns the destination table name for a module.
func DefaultTable(module string) string {
	return "data_" + module + "_consolidado"
}

// PlaceholderStyle selects the bind parameter syntax of the driver.
type PlaceholderStyle string

const (
	// PlaceholderQuestion uses "?" (Snowflake, SQLite, MySQL).
	PlaceholderQuestion PlaceholderStyle = "question"

	// PlaceholderDollar uses "$1", "$2", ... (PostgreSQL).
	PlaceholderDollar PlaceholderStyle = "dollar"
)

// Config holds loader configuration.
type Config struct {
	// BatchSize is the maximum number of rows per INSERT statement.
	BatchSize int

	// MaxParams caps the bind parameters of one statement. Batches shrink for
	// wide tables to stay under it.
	MaxParams int

	Placeholder PlaceholderStyle

	Logger *zerolog.Logger
}

// DefaultConfig returns a default loader configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:   500,
		MaxParams:   10000,
		Placeholder: PlaceholderQuestion,
	}
}

// SQLLoader loads datasets through database/sql. Every column is created as
// TEXT; empty cells are inserted as NULL.
type SQLLoader struct {
	db     *sql.DB
	config Config
	logger zerolog.Logger
}

// NewSQLLoader creates a loader on an open database.
func NewSQLLoader(db *sql.DB, cfg Config) (*SQLLoader, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxParams <= 0 {
		cfg.MaxParams = DefaultConfig().MaxParams
	}
	switch cfg.Placeholder {
	case "":
		cfg.Placeholder = PlaceholderQuestion
	case PlaceholderQuestion, PlaceholderDollar:
	default:
		return nil, fmt.Errorf("unknown placeholder style %q", cfg.Placeholder)
	}

	logger := logging.NewLogger(logging.ComponentLoad)
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &SQLLoader{db: db, config: cfg, logger: logger}, nil
}

// Append creates the table if needed and inserts every row in one
// transaction. An empty dataset is a no-op.
func (l *SQLLoader) Append(ctx context.Context, table string, ds *transform.Dataset) (err error) {
	if ds.Empty() {
		l.logger.Warn().Str("table", table).Msg("Dataset is empty, nothing to load")
		return nil
	}
	if len(ds.Columns) == 0 {
		return ErrNoColumns
	}

	name, err := QuoteTable(table)
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		loadRunsTotal.WithLabelValues(status).Inc()
		loadDuration.Observe(time.Since(start).Seconds())
	}()

	l.logger.Info().
		Str("table", table).
		Int("rows", ds.Len()).
		Int("columns", len(ds.Columns)).
		Msg("Loading dataset")

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				l.logger.Error().Err(rbErr).Str("table", table).Msg("Rollback failed")
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, createTableSQL(name, ds.Columns)); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	batch := l.rowsPerBatch(len(ds.Columns))
	for lo := 0; lo < len(ds.Rows); lo += batch {
		hi := lo + batch
		if hi > len(ds.Rows) {
			hi = len(ds.Rows)
		}
		query, args := l.insertSQL(name, ds.Columns, ds.Rows[lo:hi])
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert rows %d-%d into %s: %w", lo, hi-1, table, err)
		}
		l.logger.Debug().Str("table", table).Int("rows", hi-lo).Msg("Batch inserted")
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	loadRowsTotal.Add(float64(ds.Len()))
	l.logger.Info().
		Str("table", table).
		Int("rows", ds.Len()).
		Dur("duration", time.Since(start)).
		Msg("Dataset loaded")
	return nil
}

func (l *SQLLoader) rowsPerBatch(columns int) int {
	n := l.config.MaxParams / columns
	if n < 1 {
		n = 1
	}
	if n > l.config.BatchSize {
		n = l.config.BatchSize
	}
	return n
}

func createTableSQL(table string, columns []string) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = QuoteIdent(c) + " TEXT"
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))
}

func (l *SQLLoader) insertSQL(table string, columns []string, rows [][]string) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(rows)*len(columns))

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = QuoteIdent(c)
	}
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(quoted, ", "))

	n := 0
	for r, row := range rows {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			n++
			b.WriteString(l.placeholder(n))

			var cell string
			if c < len(row) {
				cell = row[c]
			}
			if cell == "" {
				args = append(args, nil)
			} else {
				args = append(args, cell)
			}
		}
		b.WriteByte(')')
	}

	return b.String(), args
}

func (l *SQLLoader) placeholder(n int) string {
	if l.config.Placeholder == PlaceholderDollar {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// QuoteIdent quotes an identifier with double quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteTable quotes a possibly schema-qualified table name ("schema.table").
func QuoteTable(table string) (string, error) {
	if table == "" {
		return "", fmt.Errorf("table name is required")
	}
	parts := strings.Split(table, ".")
	for i, p := range parts {
		if p == "" {
			return "", fmt.Errorf("invalid table name %q", table)
		}
		parts[i] = QuoteIdent(p)
	}
	return strings.Join(parts, "."), nil
}
