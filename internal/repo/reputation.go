package repo

import (
	"context"
	"database/sql"

	"payline/internal/domain"
)

const reputationColumns = `worker,score,total_tasks,completed_on_time,total_disputes,total_ratings,sum_of_ratings,created_at,updated_at`

func scanReputation(scan func(dest ...any) error) (domain.ReputationRecord, error) {
	var rec domain.ReputationRecord
	err := scan(&rec.Worker, &rec.Score, &rec.TotalTasks, &rec.CompletedOnTime,
		&rec.TotalDisputes, &rec.TotalRatings, &rec.SumOfRatings, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func (r Repo) GetReputation(ctx context.Context, worker string) (domain.ReputationRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+reputationColumns+` FROM reputation WHERE worker=?`, worker)
	return scanReputation(row.Scan)
}

func (r Repo) GetReputationTx(ctx context.Context, tx *sql.Tx, worker string) (domain.ReputationRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+reputationColumns+` FROM reputation WHERE worker=?`, worker)
	return scanReputation(row.Scan)
}

func (r Repo) UpsertReputationTx(ctx context.Context, tx *sql.Tx, rec domain.ReputationRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reputation(worker,score,total_tasks,completed_on_time,total_disputes,total_ratings,sum_of_ratings,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(worker) DO UPDATE SET
  score=excluded.score,
  total_tasks=excluded.total_tasks,
  completed_on_time=excluded.completed_on_time,
  total_disputes=excluded.total_disputes,
  total_ratings=excluded.total_ratings,
  sum_of_ratings=excluded.sum_of_ratings,
  updated_at=excluded.updated_at`,
		rec.Worker, rec.Score, rec.TotalTasks, rec.CompletedOnTime,
		rec.TotalDisputes, rec.TotalRatings, rec.SumOfRatings, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r Repo) ListReputation(ctx context.Context) ([]domain.ReputationRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reputationColumns+` FROM reputation ORDER BY worker ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReputationRecord
	for rows.Next() {
		rec, err := scanReputation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
