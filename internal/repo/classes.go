package repo

import (
	"context"
	"database/sql"
	"fmt"

	"modelsync/internal/domain"
)

const classColumns = `id,name,base_id,abstract,created_at,updated_at`

func scanClass(s rowScanner) (domain.Class, error) {
	var c domain.Class
	var base sql.NullString
	var abstract int
	if err := s.Scan(&c.ID, &c.Name, &base, &abstract, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return c, notFound(err)
	}
	if base.Valid {
		b := base.String
		c.BaseID = &b
	}
	c.Abstract = abstract != 0
	return c, nil
}

func (r Repo) GetClass(ctx context.Context, tx *sql.Tx, id string) (domain.Class, error) {
	return scanClass(r.q(tx).QueryRowContext(ctx, `SELECT `+classColumns+` FROM classes WHERE id=?`, id))
}

func (r Repo) ClassByName(ctx context.Context, tx *sql.Tx, name string) (domain.Class, error) {
	return scanClass(r.q(tx).QueryRowContext(ctx, `SELECT `+classColumns+` FROM classes WHERE name=?`, name))
}

func (r Repo) ListClasses(ctx context.Context, tx *sql.Tx, where Where) ([]domain.Class, error) {
	clause, args := where.clause()
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+classColumns+` FROM classes`+clause+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Class
	for rows.Next() {
		c, err := scanClass(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertClass(ctx context.Context, tx *sql.Tx, c domain.Class) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO classes(`+classColumns+`) VALUES (?,?,?,?,?,?)`,
		c.ID, c.Name, nullableStringPtr(c.BaseID), boolInt(c.Abstract), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) UpdateClass(ctx context.Context, tx *sql.Tx, c domain.Class) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE classes SET name=?, base_id=?, abstract=?, updated_at=? WHERE id=?`,
		c.Name, nullableStringPtr(c.BaseID), boolInt(c.Abstract), c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClassChain returns the class with id followed by its ancestors, nearest first.
func (r Repo) ClassChain(ctx context.Context, tx *sql.Tx, id string) ([]domain.Class, error) {
	seen := map[string]bool{}
	var chain []domain.Class
	for next := id; next != ""; {
		if seen[next] {
			return nil, fmt.Errorf("class %s: inheritance cycle", id)
		}
		seen[next] = true
		c, err := r.GetClass(ctx, tx, next)
		if err != nil {
			return nil, err
		}
		chain = append(chain, c)
		next = ""
		if c.BaseID != nil {
			next = *c.BaseID
		}
	}
	return chain, nil
}

// IsSubclass reports whether classID is ancestorID or derives from it.
func (r Repo) IsSubclass(ctx context.Context, tx *sql.Tx, classID, ancestorID string) (bool, error) {
	chain, err := r.ClassChain(ctx, tx, classID)
	if err != nil {
		return false, err
	}
	for _, c := range chain {
		if c.ID == ancestorID {
			return true, nil
		}
	}
	return false, nil
}

func (r Repo) CountInstances(ctx context.Context, tx *sql.Tx, classID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE class_id=?`, classID).Scan(&n)
	return n, err
}
