package auth

import (
	"context"
	"database/sql"
	"fmt"

	"payline/internal/repo"
)

// UnauthorizedError indicates the caller lacks the required role for an
// operation.
type UnauthorizedError struct {
	Principal string
	Role      string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("principal %s lacks role %s", e.Principal, e.Role)
}

// Service answers role questions against the ledger settings and recorder
// tables. Checks run inside the caller's transaction so membership and the
// guarded mutation commit or roll back together.
type Service struct {
	DB *sql.DB
}

func (s Service) IsAdmin(ctx context.Context, tx *sql.Tx, principal string) (bool, error) {
	r := repo.Repo{DB: s.DB}
	admin, err := r.GetAdminTx(ctx, tx)
	if err != nil {
		if err == repo.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return admin == principal, nil
}

// RequireAdmin returns UnauthorizedError unless principal is the admin.
func (s Service) RequireAdmin(ctx context.Context, tx *sql.Tx, principal string) error {
	ok, err := s.IsAdmin(ctx, tx, principal)
	if err != nil {
		return err
	}
	if !ok {
		return UnauthorizedError{Principal: principal, Role: "admin"}
	}
	return nil
}

func (s Service) IsRecorder(ctx context.Context, tx *sql.Tx, principal string) (bool, error) {
	r := repo.Repo{DB: s.DB}
	return r.IsRecorderTx(ctx, tx, principal)
}

// RequireRecorder returns UnauthorizedError unless principal holds the
// recorder capability.
func (s Service) RequireRecorder(ctx context.Context, tx *sql.Tx, principal string) error {
	ok, err := s.IsRecorder(ctx, tx, principal)
	if err != nil {
		return err
	}
	if !ok {
		return UnauthorizedError{Principal: principal, Role: "recorder"}
	}
	return nil
}

// RequirePayerOrAdmin authorizes operations reserved for a stream's payer or
// the ledger admin.
func (s Service) RequirePayerOrAdmin(ctx context.Context, tx *sql.Tx, principal, payer string) error {
	if principal == payer {
		return nil
	}
	ok, err := s.IsAdmin(ctx, tx, principal)
	if err != nil {
		return err
	}
	if !ok {
		return UnauthorizedError{Principal: principal, Role: "payer or admin"}
	}
	return nil
}
