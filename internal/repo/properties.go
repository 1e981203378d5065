package repo

import (
	"context"
	"database/sql"
	"strings"

	"modelsync/internal/domain"
)

const propertyColumns = `id,class_id,display_name,data_type,COALESCE(unit,''),COALESCE(description,''),historized,COALESCE(reference_target,''),created_at,updated_at`

func scanProperty(s rowScanner) (domain.PropertyDef, error) {
	var p domain.PropertyDef
	var dataType string
	var historized int
	if err := s.Scan(&p.ID, &p.ClassID, &p.DisplayName, &dataType, &p.Unit, &p.Description, &historized, &p.ReferenceTarget, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, notFound(err)
	}
	p.DataType = domain.DataType(dataType)
	p.Historized = historized != 0
	return p, nil
}

func (r Repo) GetProperty(ctx context.Context, tx *sql.Tx, id string) (domain.PropertyDef, error) {
	return scanProperty(r.q(tx).QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM property_defs WHERE id=?`, id))
}

// PropertyByKey finds the property a class declares under displayName.
func (r Repo) PropertyByKey(ctx context.Context, tx *sql.Tx, classID, displayName string) (domain.PropertyDef, error) {
	return scanProperty(r.q(tx).QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM property_defs WHERE class_id=? AND display_name=?`, classID, displayName))
}

// ListProperties returns matching properties in declaration order.
func (r Repo) ListProperties(ctx context.Context, tx *sql.Tx, where Where) ([]domain.PropertyDef, error) {
	clause, args := where.clause()
	return r.queryProperties(ctx, tx, `SELECT `+propertyColumns+` FROM property_defs`+clause+` ORDER BY rowid`, args...)
}

// PropertiesOf returns the properties declared on any of classIDs.
func (r Repo) PropertiesOf(ctx context.Context, tx *sql.Tx, classIDs []string) ([]domain.PropertyDef, error) {
	if len(classIDs) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(classIDs)), ",")
	args := make([]any, len(classIDs))
	for i, id := range classIDs {
		args[i] = id
	}
	return r.queryProperties(ctx, tx, `SELECT `+propertyColumns+` FROM property_defs WHERE class_id IN (`+marks+`) ORDER BY rowid`, args...)
}

func (r Repo) queryProperties(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.PropertyDef, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PropertyDef
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertProperty(ctx context.Context, tx *sql.Tx, p domain.PropertyDef) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO property_defs(id,class_id,display_name,data_type,unit,description,historized,reference_target,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ClassID, p.DisplayName, string(p.DataType), nullable(p.Unit), nullable(p.Description), boolInt(p.Historized), nullable(p.ReferenceTarget), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdateProperty(ctx context.Context, tx *sql.Tx, p domain.PropertyDef) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE property_defs SET class_id=?, display_name=?, data_type=?, unit=?, description=?, historized=?, reference_target=?, updated_at=? WHERE id=?`,
		p.ClassID, p.DisplayName, string(p.DataType), nullable(p.Unit), nullable(p.Description), boolInt(p.Historized), nullable(p.ReferenceTarget), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
