package repo

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"modelsync/internal/domain"
)

// Repo reads and writes the object tables. Methods taking a *sql.Tx run on
// it when non-nil and on DB otherwise.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// Where is a conjunction of column equality tests. A nil value matches NULL.
// Column names are trusted; callers map user input onto known columns.
type Where map[string]any

func (w Where) clause() (string, []any) {
	if len(w) == 0 {
		return "", nil
	}
	cols := make([]string, 0, len(w))
	for c := range w {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	var (
		clauses []string
		args    []any
	)
	for _, c := range cols {
		if w[c] == nil {
			clauses = append(clauses, c+" IS NULL")
			continue
		}
		clauses = append(clauses, c+"=?")
		args = append(args, w[c])
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
