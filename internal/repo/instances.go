package repo

import (
	"context"
	"database/sql"

	"modelsync/internal/domain"
)

const instanceColumns = `id,class_id,name,created_at,updated_at`

func scanInstance(s rowScanner) (domain.Instance, error) {
	var in domain.Instance
	if err := s.Scan(&in.ID, &in.ClassID, &in.Name, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return in, notFound(err)
	}
	return in, nil
}

func (r Repo) GetInstance(ctx context.Context, tx *sql.Tx, id string) (domain.Instance, error) {
	return scanInstance(r.q(tx).QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id=?`, id))
}

func (r Repo) InstanceByKey(ctx context.Context, tx *sql.Tx, classID, name string) (domain.Instance, error) {
	return scanInstance(r.q(tx).QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE class_id=? AND name=?`, classID, name))
}

func (r Repo) ListInstances(ctx context.Context, tx *sql.Tx, where Where) ([]domain.Instance, error) {
	clause, args := where.clause()
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances`+clause+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, in domain.Instance) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO instances(`+instanceColumns+`) VALUES (?,?,?,?,?)`,
		in.ID, in.ClassID, in.Name, in.CreatedAt, in.UpdatedAt)
	return err
}

func (r Repo) UpdateInstance(ctx context.Context, tx *sql.Tx, in domain.Instance) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE instances SET class_id=?, name=?, updated_at=? WHERE id=?`,
		in.ClassID, in.Name, in.UpdatedAt, in.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InstanceValues returns the raw JSON values of an instance keyed by property id.
func (r Repo) InstanceValues(ctx context.Context, tx *sql.Tx, instanceID string) (map[string]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT property_id,value_json FROM instance_values WHERE instance_id=?`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var propertyID, raw string
		if err := rows.Scan(&propertyID, &raw); err != nil {
			return nil, err
		}
		res[propertyID] = raw
	}
	return res, rows.Err()
}

// PropertyValues returns the raw JSON values stored for a property keyed by
// instance id.
func (r Repo) PropertyValues(ctx context.Context, tx *sql.Tx, propertyID string) (map[string]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT instance_id,value_json FROM instance_values WHERE property_id=?`, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var instanceID, raw string
		if err := rows.Scan(&instanceID, &raw); err != nil {
			return nil, err
		}
		res[instanceID] = raw
	}
	return res, rows.Err()
}

func (r Repo) PutValue(ctx context.Context, tx *sql.Tx, instanceID, propertyID, raw string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO instance_values(instance_id,property_id,value_json) VALUES (?,?,?)
ON CONFLICT(instance_id,property_id) DO UPDATE SET value_json=excluded.value_json`, instanceID, propertyID, raw)
	return err
}

func (r Repo) DeleteValue(ctx context.Context, tx *sql.Tx, instanceID, propertyID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM instance_values WHERE instance_id=? AND property_id=?`, instanceID, propertyID)
	return err
}
