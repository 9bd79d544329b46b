package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"payline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const streamColumns = `id,worker,payer,total_amount,released_amount,claimed_amount,start_time,duration,release_interval,last_release_time,status,created_at`

func scanStream(scan func(dest ...any) error) (domain.Stream, error) {
	var s domain.Stream
	err := scan(&s.ID, &s.Worker, &s.Payer, &s.TotalAmount, &s.ReleasedAmount, &s.ClaimedAmount,
		&s.StartTime, &s.Duration, &s.ReleaseInterval, &s.LastReleaseTime, &s.Status, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// InsertStream inserts a stream and returns its assigned id.
func (r Repo) InsertStream(ctx context.Context, tx *sql.Tx, s domain.Stream) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO streams(worker,payer,total_amount,released_amount,claimed_amount,start_time,duration,release_interval,last_release_time,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.Worker, s.Payer, s.TotalAmount, s.ReleasedAmount, s.ClaimedAmount,
		s.StartTime, s.Duration, s.ReleaseInterval, s.LastReleaseTime, s.Status, s.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetStream(ctx context.Context, id int64) (domain.Stream, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id=?`, id)
	return scanStream(row.Scan)
}

// GetStreamTx reads a stream inside the caller's transaction so the
// subsequent update sees a consistent snapshot.
func (r Repo) GetStreamTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Stream, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id=?`, id)
	return scanStream(row.Scan)
}

func (r Repo) UpdateStreamTx(ctx context.Context, tx *sql.Tx, s domain.Stream) error {
	res, err := tx.ExecContext(ctx, `UPDATE streams SET released_amount=?, claimed_amount=?, last_release_time=?, status=? WHERE id=?`,
		s.ReleasedAmount, s.ClaimedAmount, s.LastReleaseTime, s.Status, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStreamsFor returns streams where the principal is payer or worker.
func (r Repo) ListStreamsFor(ctx context.Context, principal string) ([]domain.Stream, error) {
	return r.listStreams(ctx, `WHERE worker=? OR payer=?`, principal, principal)
}

func (r Repo) ListStreams(ctx context.Context) ([]domain.Stream, error) {
	return r.listStreams(ctx, "")
}

func (r Repo) listStreams(ctx context.Context, where string, args ...any) ([]domain.Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM streams ` + where + ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stream
	for rows.Next() {
		s, err := scanStream(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetAccount(ctx context.Context, principal string) (domain.Account, error) {
	var a domain.Account
	err := r.DB.QueryRowContext(ctx, `SELECT principal,balance,updated_at FROM accounts WHERE principal=?`, principal).
		Scan(&a.Principal, &a.Balance, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// CreditAccountTx adds amount to a principal's balance, creating the account
// row on first use.
func (r Repo) CreditAccountTx(ctx context.Context, tx *sql.Tx, principal string, amount int64, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(principal,balance,updated_at) VALUES (?,?,?)
ON CONFLICT(principal) DO UPDATE SET balance=balance+excluded.balance, updated_at=excluded.updated_at`,
		principal, amount, now)
	return err
}

// DebitAccountTx subtracts amount from a principal's balance. It returns
// false without error when the balance is insufficient or the account does
// not exist.
func (r Repo) DebitAccountTx(ctx context.Context, tx *sql.Tx, principal string, amount int64, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=balance-?, updated_at=? WHERE principal=? AND balance>=?`,
		amount, now, principal, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LatestEvents returns up to limit recent events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, kind, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, kind, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, kind, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, kind)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,kind,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,kind,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Kind, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
