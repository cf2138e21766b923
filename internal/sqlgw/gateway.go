// Package sqlgw is the single driver touchpoint for the relational
// databases. It executes projection queries with typed named parameters,
// performs batched inserts with affected-row accounting, introspects column
// metadata, and truncates oversized strings instead of rejecting them.
// Driver errors never leave this package unclassified.
package sqlgw

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"
)

type (
	// Executor is the subset of database/sql needed to run gateway
	// operations. *sql.Conn, *sql.Tx, and *sql.DB all satisfy it, which is
	// what lets one insert path serve both leased sessions and open
	// transactions.
	Executor interface {
		QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
		QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	}

	// Row is one fetched record: column name to scalar-union value.
	Row map[string]any

	// ResultSet carries fetched rows together with the result's column
	// order, which maps are unable to preserve.
	ResultSet struct {
		Columns []string
		Rows    []Row
	}

	// ColumnInfo is the destination-side metadata used for typed binding
	// and truncation decisions.
	ColumnInfo struct {
		DataType  string
		MaxLength int
		Precision int
		Scale     int
	}

	// Gateway executes SQL against leased sessions and transactions. The
	// only state it keeps is the per-(table,column) max-length memo.
	Gateway struct {
		logger *slog.Logger

		mu     sync.RWMutex
		maxLen map[string]int
	}
)

// New creates a Gateway. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		logger: logger.With("component", "sqlgw"),
		maxLen: make(map[string]int),
	}
}

// Query executes sql with named parameters and returns the full result set
// with values normalized into the scalar union.
//
// Parameters:
//   - ctx: carries the query timeout and cancellation
//   - ex: the leased session or transaction to run on
//   - query: SQL text containing @name placeholders only
//   - params: named values; bound by type, never interpolated
//
// Returns:
//   - *ResultSet: columns in result order plus all rows
//   - error: wrapped and classified (ErrConnectionLost, ErrObjectNotFound, ...)
func (g *Gateway) Query(ctx context.Context, ex Executor, query string, params []Param) (*ResultSet, error) {
	rows, err := ex.QueryContext(ctx, query, toNamedArgs(params)...)
	if err != nil {
		return nil, wrapError(err, "query failed")
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, wrapError(err, "reading result columns")
	}

	rs := &ResultSet{Columns: columns}

	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))

		for i := range values {
			scanTargets[i] = &values[i]
		}

		if err := rows.Scan(scanTargets...); err != nil {
			return nil, wrapError(err, "scanning result row")
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}

		rs.Rows = append(rs.Rows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "iterating result rows")
	}

	return rs, nil
}

// Insert writes one row and returns the affected-row count reported by
// SELECT @@ROWCOUNT. Columns fixes both the column list and the placeholder
// order; values are taken from row by column name with missing entries
// bound as NULL.
//
// Returns:
//   - int64: rows affected (1 on success)
//   - error: ErrDuplicateKey on unique violations (2601/2627),
//     ErrConnectionLost on dead sessions, otherwise a wrapped driver error
func (g *Gateway) Insert(ctx context.Context, ex Executor, table string, columns []string, row Row) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("%w: table %s", ErrNoColumns, table)
	}

	placeholders := make([]string, len(columns))
	params := make([]Param, len(columns))

	for i, col := range columns {
		name := fmt.Sprintf("p%d", i+1)
		placeholders[i] = "@" + name
		params[i] = Param{Name: name, Value: row[col]}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s); SELECT @@ROWCOUNT",
		QuoteIdent(table),
		strings.Join(quoteIdents(columns), ", "),
		strings.Join(placeholders, ", "),
	)

	var affected int64
	if err := ex.QueryRowContext(ctx, query, toNamedArgs(params)...).Scan(&affected); err != nil {
		return 0, wrapError(err, "insert into %s", table)
	}

	return affected, nil
}

// ClearTable deletes every row of table and returns the count removed.
func (g *Gateway) ClearTable(ctx context.Context, ex Executor, table string) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s; SELECT @@ROWCOUNT", QuoteIdent(table))

	var deleted int64
	if err := ex.QueryRowContext(ctx, query).Scan(&deleted); err != nil {
		return 0, wrapError(err, "clearing table %s", table)
	}

	return deleted, nil
}

// Exec runs a statement that returns no rows, such as a post-transfer
// UPDATE on the source, and reports the affected-row count.
func (g *Gateway) Exec(ctx context.Context, ex Executor, query string, params []Param) (int64, error) {
	res, err := ex.ExecContext(ctx, query, toNamedArgs(params)...)
	if err != nil {
		return 0, wrapError(err, "executing statement")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, wrapError(err, "reading affected rows")
	}

	return affected, nil
}

// CountRows counts the rows of table, optionally under a NOLOCK hint for
// dirty-read tolerant counting of live destinations.
func (g *Gateway) CountRows(ctx context.Context, ex Executor, table string, nolock bool) (int64, error) {
	hint := ""
	if nolock {
		hint = " WITH (NOLOCK)"
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", QuoteIdent(table), hint)

	var count int64
	if err := ex.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, wrapError(err, "counting rows of %s", table)
	}

	return count, nil
}

// DistinctValues projects the distinct combinations of columns from table
// under NOLOCK. The orchestrator preloads existing merge keys with it.
func (g *Gateway) DistinctValues(ctx context.Context, ex Executor, table string, columns []string) (*ResultSet, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: table %s", ErrNoColumns, table)
	}

	query := fmt.Sprintf(
		"SELECT DISTINCT %s FROM %s WITH (NOLOCK)",
		strings.Join(quoteIdents(columns), ", "),
		QuoteIdent(table),
	)

	return g.Query(ctx, ex, query, nil)
}

// ColumnTypes introspects INFORMATION_SCHEMA.COLUMNS for table.
//
// Returns:
//   - map of column name to ColumnInfo (character max length normalized:
//     NULL and MAX both come back as 0, meaning unbounded)
//   - error: ErrObjectNotFound when the table has no columns at all
func (g *Gateway) ColumnTypes(ctx context.Context, ex Executor, table string) (map[string]ColumnInfo, error) {
	const query = `SELECT COLUMN_NAME, DATA_TYPE,
		COALESCE(CHARACTER_MAXIMUM_LENGTH, 0),
		COALESCE(NUMERIC_PRECISION, 0),
		COALESCE(NUMERIC_SCALE, 0)
	FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_NAME = @table`

	rows, err := ex.QueryContext(ctx, query, toNamedArgs([]Param{{Name: "table", Value: table}})...)
	if err != nil {
		return nil, wrapError(err, "introspecting columns of %s", table)
	}
	defer func() { _ = rows.Close() }()

	info := make(map[string]ColumnInfo)

	for rows.Next() {
		var (
			name string
			ci   ColumnInfo
		)

		if err := rows.Scan(&name, &ci.DataType, &ci.MaxLength, &ci.Precision, &ci.Scale); err != nil {
			return nil, wrapError(err, "scanning column metadata of %s", table)
		}

		if ci.MaxLength < 0 {
			ci.MaxLength = 0 // varchar(max) and friends report -1
		}

		info[name] = ci
	}

	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "iterating column metadata of %s", table)
	}

	if len(info) == 0 {
		return nil, fmt.Errorf("%w: table %s has no columns", ErrObjectNotFound, table)
	}

	return info, nil
}

// ColumnMaxLength returns the character capacity of (table, column), or 0
// when the column is unbounded or not character-typed. Results are memoized
// for the gateway's lifetime; destination schemas do not change mid-run.
func (g *Gateway) ColumnMaxLength(ctx context.Context, ex Executor, table, column string) (int, error) {
	key := table + "." + column

	g.mu.RLock()
	cached, ok := g.maxLen[key]
	g.mu.RUnlock()

	if ok {
		return cached, nil
	}

	const query = `SELECT COALESCE(CHARACTER_MAXIMUM_LENGTH, 0)
	FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_NAME = @table AND COLUMN_NAME = @column`

	args := toNamedArgs([]Param{
		{Name: "table", Value: table},
		{Name: "column", Value: column},
	})

	var length int
	if err := ex.QueryRowContext(ctx, query, args...).Scan(&length); err != nil {
		if err == sql.ErrNoRows {
			length = 0
		} else {
			return 0, wrapError(err, "reading max length of %s", key)
		}
	}

	if length < 0 {
		length = 0
	}

	g.mu.Lock()
	g.maxLen[key] = length
	g.mu.Unlock()

	return length, nil
}

// FitString truncates s to the destination column's capacity. Oversized
// values are cut, never rejected; each cut is logged with enough context to
// trace the loss. Metadata failures leave s untouched.
func (g *Gateway) FitString(ctx context.Context, ex Executor, table, column, s string) string {
	max, err := g.ColumnMaxLength(ctx, ex, table, column)
	if err != nil {
		g.logger.Debug("max length lookup failed, string left unmodified",
			"table", table,
			"column", column,
			"error", err,
		)

		return s
	}

	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}

	runes := []rune(s)
	truncated := string(runes[:max])

	g.logger.Warn("string truncated to destination column capacity",
		"table", table,
		"column", column,
		"max_length", max,
		"original_length", len(runes),
	)

	return truncated
}

// ForgetColumn drops the memoized max length of (table, column). Used after
// destination schema interventions.
func (g *Gateway) ForgetColumn(table, column string) {
	g.mu.Lock()
	delete(g.maxLen, table+"."+column)
	g.mu.Unlock()
}
