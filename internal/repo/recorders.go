package repo

import (
	"context"
	"database/sql"

	"payline/internal/domain"
)

func (r Repo) SetAdminTx(ctx context.Context, tx *sql.Tx, adminID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_settings(id,admin_id,created_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET admin_id=excluded.admin_id, updated_at=excluded.updated_at`, adminID, now, now)
	return err
}

func (r Repo) GetAdmin(ctx context.Context) (string, error) {
	var admin string
	err := r.DB.QueryRowContext(ctx, `SELECT admin_id FROM ledger_settings WHERE id=1`).Scan(&admin)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return admin, err
}

func (r Repo) GetAdminTx(ctx context.Context, tx *sql.Tx) (string, error) {
	var admin string
	err := tx.QueryRowContext(ctx, `SELECT admin_id FROM ledger_settings WHERE id=1`).Scan(&admin)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return admin, err
}

// AddRecorderTx grants the recorder capability; adding an existing recorder
// is a no-op.
func (r Repo) AddRecorderTx(ctx context.Context, tx *sql.Tx, principal, addedBy, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO recorders(principal,added_by,created_at) VALUES (?,?,?)`,
		principal, addedBy, now)
	return err
}

// RemoveRecorderTx revokes the recorder capability. Returns ErrNotFound when
// the principal was not a recorder.
func (r Repo) RemoveRecorderTx(ctx context.Context, tx *sql.Tx, principal string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM recorders WHERE principal=?`, principal)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) IsRecorderTx(ctx context.Context, tx *sql.Tx, principal string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM recorders WHERE principal=? LIMIT 1`, principal)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListRecorders(ctx context.Context) ([]domain.Recorder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT principal,added_by,created_at FROM recorders ORDER BY created_at ASC, principal ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Recorder
	for rows.Next() {
		var rec domain.Recorder
		if err := rows.Scan(&rec.Principal, &rec.AddedBy, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
