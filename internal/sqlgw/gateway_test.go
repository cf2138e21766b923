package sqlgw

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	mssql "github.com/microsoft/go-mssqldb"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("opening sqlmock: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db, mock
}

func TestQueryNormalizesValues(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db, mock := newMockDB(t)
	g := New(slog.New(slog.DiscardHandler))

	when := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT .* FROM src_orders").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name", "created"}).
			AddRow(int32(7), []byte("widget"), when),
	)

	rs, err := g.Query(t.Context(), db, "SELECT id, name, created FROM src_orders", nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if len(rs.Rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rs.Rows))
	}

	row := rs.Rows[0]

	if row["id"] != int64(7) {
		t.Errorf("id = %v (%T), want int64(7)", row["id"], row["id"])
	}

	if row["name"] != "widget" {
		t.Errorf("name = %v (%T), want string", row["name"], row["name"])
	}

	if !row["created"].(time.Time).Equal(when) {
		t.Errorf("created = %v, want %v", row["created"], when)
	}

	if len(rs.Columns) != 3 || rs.Columns[0] != "id" {
		t.Errorf("columns = %v, want result order preserved", rs.Columns)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertReportsRowCount(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db, mock := newMockDB(t)
	g := New(slog.New(slog.DiscardHandler))

	mock.ExpectQuery(`INSERT INTO \[dst_orders\].*SELECT @@ROWCOUNT`).
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(int64(1)))

	affected, err := g.Insert(t.Context(), db, "dst_orders", []string{"id", "name"}, Row{
		"id":   int64(1),
		"name": "widget",
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	if affected != 1 {
		t.Errorf("affected = %d, want 1", affected)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertClassifiesDuplicate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db, mock := newMockDB(t)
	g := New(slog.New(slog.DiscardHandler))

	mock.ExpectQuery(`INSERT INTO \[dst_orders\]`).
		WillReturnError(mssql.Error{Number: 2627, Message: "Violation of PRIMARY KEY constraint"})

	_, err := g.Insert(t.Context(), db, "dst_orders", []string{"id"}, Row{"id": int64(1)})
	if !IsDuplicate(err) {
		t.Errorf("Insert() error = %v, want duplicate class", err)
	}

	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("error does not wrap ErrDuplicateKey: %v", err)
	}
}

func TestInsertRejectsEmptyColumnList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db, _ := newMockDB(t)
	g := New(slog.New(slog.DiscardHandler))

	_, err := g.Insert(t.Context(), db, "dst_orders", nil, Row{})
	if !errors.Is(err, ErrNoColumns) {
		t.Errorf("Insert() error = %v, want ErrNoColumns", err)
	}
}

func TestExecSurfacesRowsAffectedError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db, mock := newMockDB(t)
	g := New(slog.New(slog.DiscardHandler))

	mock.ExpectExec("UPDATE src_orders").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("rowcount unavailable")))

	affected, err := g.Exec(t.Context(), db, "UPDATE src_orders SET done = 1", nil)
	if err == nil {
		t.Fatal("Exec() error = nil, want the affected-rows failure surfaced")
	}

	if affected != 0 {
		t.Errorf("affected = %d, want 0 on failure", affected)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestColumnTypesIntrospectsTable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db, mock := newMockDB(t)
	g := New(slog.New(slog.DiscardHandler))

	mock.ExpectQuery("COLUMN_NAME, DATA_TYPE").
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "max_len", "precision", "scale"}).
			AddRow("id", "bigint", 0, 19, 0).
			AddRow("name", "nvarchar", 50, 0, 0).
			AddRow("notes", "nvarchar", -1, 0, 0))

	info, err := g.ColumnTypes(t.Context(), db, "dst_orders")
	if err != nil {
		t.Fatalf("ColumnTypes() error = %v", err)
	}

	if len(info) != 3 {
		t.Fatalf("got %d columns, want 3", len(info))
	}

	if got := info["name"]; got.DataType != "nvarchar" || got.MaxLength != 50 {
		t.Errorf("name column = %+v, want nvarchar(50)", got)
	}

	// nvarchar(max) reports -1; it must come back as unbounded.
	if got := info["notes"].MaxLength; got != 0 {
		t.Errorf("notes MaxLength = %d, want 0", got)
	}

	if got := info["id"]; got.Precision != 19 {
		t.Errorf("id precision = %d, want 19", got.Precision)
	}
}

func TestColumnTypesReportsMissingTable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db, mock := newMockDB(t)
	g := New(slog.New(slog.DiscardHandler))

	mock.ExpectQuery("COLUMN_NAME, DATA_TYPE").
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "max_len", "precision", "scale"}))

	_, err := g.ColumnTypes(t.Context(), db, "no_such_table")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("ColumnTypes() error = %v, want ErrObjectNotFound", err)
	}
}

func TestForgetColumnDropsMemo(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db, mock := newMockDB(t)
	g := New(slog.New(slog.DiscardHandler))

	mock.ExpectQuery("CHARACTER_MAXIMUM_LENGTH").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(10))
	mock.ExpectQuery("CHARACTER_MAXIMUM_LENGTH").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(20))

	length, err := g.ColumnMaxLength(t.Context(), db, "dst_orders", "name")
	if err != nil || length != 10 {
		t.Fatalf("ColumnMaxLength() = %d, %v, want 10", length, err)
	}

	g.ForgetColumn("dst_orders", "name")

	// The memo entry is gone, so the next lookup re-reads the schema.
	length, err = g.ColumnMaxLength(t.Context(), db, "dst_orders", "name")
	if err != nil || length != 20 {
		t.Fatalf("ColumnMaxLength() after forget = %d, %v, want 20", length, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestColumnMaxLengthMemoizes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db, mock := newMockDB(t)
	g := New(slog.New(slog.DiscardHandler))

	mock.ExpectQuery("CHARACTER_MAXIMUM_LENGTH").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(10))

	for range 3 {
		length, err := g.ColumnMaxLength(t.Context(), db, "dst_orders", "name")
		if err != nil {
			t.Fatalf("ColumnMaxLength() error = %v", err)
		}

		if length != 10 {
			t.Errorf("length = %d, want 10", length)
		}
	}

	// A single expectation satisfied three lookups.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFitStringTruncates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db, mock := newMockDB(t)
	g := New(slog.New(slog.DiscardHandler))

	mock.ExpectQuery("CHARACTER_MAXIMUM_LENGTH").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(4))

	if got := g.FitString(t.Context(), db, "dst_orders", "code", "abcdef"); got != "abcd" {
		t.Errorf("FitString() = %q, want abcd", got)
	}

	// Fits within capacity: untouched, served from the memo.
	if got := g.FitString(t.Context(), db, "dst_orders", "code", "ok"); got != "ok" {
		t.Errorf("FitString() = %q, want ok", got)
	}
}

func TestFitStringLeavesValueOnMetadataFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db, mock := newMockDB(t)
	g := New(slog.New(slog.DiscardHandler))

	mock.ExpectQuery("CHARACTER_MAXIMUM_LENGTH").
		WillReturnError(errors.New("metadata blew up"))

	if got := g.FitString(t.Context(), db, "dst_orders", "code", "abcdef"); got != "abcdef" {
		t.Errorf("FitString() = %q, want original value on failure", got)
	}
}

func TestClassifyBuckets(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindOther},
		{"unique index", mssql.Error{Number: 2601}, KindDuplicate},
		{"primary key", mssql.Error{Number: 2627}, KindDuplicate},
		{"invalid object", mssql.Error{Number: 208}, KindNotFound},
		{"login failed", mssql.Error{Number: 18456}, KindAuth},
		{"cannot open database", mssql.Error{Number: 4060}, KindAuth},
		{"reset by peer", mssql.Error{Number: 10054}, KindConnection},
		{"high severity", mssql.Error{Number: 999, Class: 20}, KindConnection},
		{"bad conn", driver.ErrBadConn, KindConnection},
		{"conn done", sql.ErrConnDone, KindConnection},
		{"eof", io.EOF, KindConnection},
		{"deadline", context.DeadlineExceeded, KindConnection},
		{"wrapped sentinel", fmt.Errorf("%w: later wrap", ErrConnectionLost), KindConnection},
		{"plain", errors.New("something else"), KindOther},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestAppendWhereBuildsClauses(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	query, params, err := AppendWhere("SELECT * FROM t", []Filter{
		{Field: "region", Op: "=", Values: []any{"EU"}},
		{Field: "qty", Op: "between", Values: []any{int64(1), int64(10)}},
		{Field: "status", Op: "IN", Values: []any{"a", "b"}},
	})
	if err != nil {
		t.Fatalf("AppendWhere() error = %v", err)
	}

	want := "SELECT * FROM t WHERE [region] = @f0" +
		" AND [qty] BETWEEN @f1_lo AND @f1_hi" +
		" AND [status] IN (@f2_0, @f2_1)"
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}

	if len(params) != 5 {
		t.Errorf("got %d params, want 5", len(params))
	}
}

func TestAppendWhereRejectsBadFilters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := []Filter{
		{Field: "x", Op: "LIKE OR 1=1", Values: []any{"v"}},
		{Field: "x", Op: "IN", Values: nil},
		{Field: "x", Op: "BETWEEN", Values: []any{1}},
		{Field: "x", Op: "=", Values: []any{1, 2}},
	}

	for _, f := range cases {
		if _, _, err := AppendWhere("SELECT 1", []Filter{f}); !errors.Is(err, ErrInvalidFilter) {
			t.Errorf("AppendWhere(%+v) error = %v, want ErrInvalidFilter", f, err)
		}
	}
}

func TestExpandKeyList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	query, params := ExpandKeyList(
		"UPDATE src SET done = 1 WHERE id IN (@keys)",
		"@keys",
		[]any{int64(1), int64(2), int64(3)},
	)

	if !strings.Contains(query, "IN (@k0, @k1, @k2)") {
		t.Errorf("query = %q, want expanded placeholder list", query)
	}

	if len(params) != 3 || params[2].Value != int64(3) {
		t.Errorf("params = %v, want three bound keys", params)
	}
}

func TestQuoteIdentEscapesBrackets(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := QuoteIdent("weird]name"); got != "[weird]]name]" {
		t.Errorf("QuoteIdent() = %q", got)
	}
}

func TestBindValueTyping(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := bindValue(int(3)); got != int64(3) {
		t.Errorf("bindValue(int) = %v (%T), want int64", got, got)
	}

	// Integral floats bind as BIGINT, fractional ones stay floating.
	if got := bindValue(float64(4)); got != int64(4) {
		t.Errorf("bindValue(4.0) = %v (%T), want int64", got, got)
	}

	if got := bindValue(4.5); got != 4.5 {
		t.Errorf("bindValue(4.5) = %v, want 4.5", got)
	}

	when := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	if _, ok := bindValue(when).(mssql.DateTime1); !ok {
		t.Errorf("bindValue(time) = %T, want mssql.DateTime1", bindValue(when))
	}
}
