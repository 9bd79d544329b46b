package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"payline/internal/config"
	"payline/internal/domain"
	"payline/internal/engine/auth"
	"payline/internal/events"
	"payline/internal/repo"
	"payline/internal/treasury"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Treasury treasury.Transferor
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, t treasury.Transferor) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Auth:     auth.Service{DB: db},
		Config:   cfg,
		Treasury: t,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowUnix() int64 { return e.now().UTC().Unix() }

func (e Engine) nowRFC() string { return e.now().UTC().Format(time.RFC3339) }

func streamEntityID(id int64) string { return strconv.FormatInt(id, 10) }

// InitLedger seeds the admin principal. Re-running with the same admin is a
// no-op; changing the admin afterwards goes through TransferAdmin.
func (e Engine) InitLedger(ctx context.Context, adminID string) error {
	if adminID == "" {
		return fmt.Errorf("%w: admin principal required", ErrInvalidInput)
	}
	existing, err := e.Repo.GetAdmin(ctx)
	if err == nil {
		if existing == adminID {
			return nil
		}
		return fmt.Errorf("ledger already initialized with admin %s", existing)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetAdminTx(ctx, tx, adminID, e.nowRFC()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "ledger.initialized", "ledger", "", adminID, events.EventPayload{"admin": adminID}); err != nil {
		return err
	}
	return tx.Commit()
}

// StreamCreateOptions are parameters for opening a payment stream. Duration
// and ReleaseInterval are seconds; TotalAmount is the smallest currency unit.
type StreamCreateOptions struct {
	Worker          string
	TotalAmount     int64
	Duration        int64
	ReleaseInterval int64
}

// CreateStream escrows TotalAmount from the caller (the payer) and opens an
// active stream towards the worker. The debit and the stream creation commit
// as one unit.
func (e Engine) CreateStream(ctx context.Context, caller string, opts StreamCreateOptions) (domain.Stream, error) {
	if e.Config == nil {
		return domain.Stream{}, errors.New("config not loaded")
	}
	if caller == "" {
		return domain.Stream{}, fmt.Errorf("%w: caller required", ErrInvalidInput)
	}
	if opts.Worker == "" {
		return domain.Stream{}, fmt.Errorf("%w: worker required", ErrInvalidInput)
	}
	if opts.TotalAmount <= 0 {
		return domain.Stream{}, fmt.Errorf("%w: total amount must be positive", ErrInvalidInput)
	}
	if opts.Duration <= 0 || opts.Duration > e.Config.Ledger.MaxDurationSeconds {
		return domain.Stream{}, fmt.Errorf("%w: duration must be in (0, %d] seconds", ErrInvalidInput, e.Config.Ledger.MaxDurationSeconds)
	}
	if opts.ReleaseInterval < e.Config.Ledger.MinReleaseIntervalSeconds {
		return domain.Stream{}, fmt.Errorf("%w: release interval must be >= %d seconds", ErrInvalidInput, e.Config.Ledger.MinReleaseIntervalSeconds)
	}
	if opts.ReleaseInterval > opts.Duration {
		return domain.Stream{}, fmt.Errorf("%w: release interval exceeds duration", ErrInvalidInput)
	}

	now := e.nowUnix()
	s := domain.Stream{
		Worker:          opts.Worker,
		Payer:           caller,
		TotalAmount:     opts.TotalAmount,
		StartTime:       now,
		Duration:        opts.Duration,
		ReleaseInterval: opts.ReleaseInterval,
		LastReleaseTime: now,
		Status:          domain.StreamActive,
		CreatedAt:       e.nowRFC(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, err
	}
	defer tx.Rollback()

	debited, err := e.Repo.DebitAccountTx(ctx, tx, caller, opts.TotalAmount, s.CreatedAt)
	if err != nil {
		return domain.Stream{}, err
	}
	if !debited {
		return domain.Stream{}, fmt.Errorf("%w: payer %s cannot cover %d", ErrInsufficientFunds, caller, opts.TotalAmount)
	}
	id, err := e.Repo.InsertStream(ctx, tx, s)
	if err != nil {
		return domain.Stream{}, err
	}
	s.ID = id
	if err := e.Events.Append(ctx, tx, "stream.created", "stream", streamEntityID(id), caller, events.EventPayload{
		"worker":           s.Worker,
		"payer":            s.Payer,
		"total_amount":     s.TotalAmount,
		"duration":         s.Duration,
		"release_interval": s.ReleaseInterval,
	}); err != nil {
		return domain.Stream{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stream{}, err
	}
	return s, nil
}

// ReleasePayment moves the pro-rata earned amount from escrow into the
// stream's released bucket. No external transfer happens here; workers pull
// released funds with ClaimEarnings.
func (e Engine) ReleasePayment(ctx context.Context, caller string, id int64) (domain.Stream, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStreamTx(ctx, tx, id)
	if err != nil {
		return s, err
	}
	if s.Status != domain.StreamActive {
		return s, fmt.Errorf("%w: stream %d is %s", ErrInvalidState, id, s.Status)
	}
	now := e.nowUnix()
	if now-s.LastReleaseTime < s.ReleaseInterval {
		return s, fmt.Errorf("%w: next release at %d", ErrTooSoon, s.LastReleaseTime+s.ReleaseInterval)
	}
	// Pro-rata by elapsed time; integer division truncates so escrow is
	// never over-released.
	elapsed := now - s.StartTime
	totalReleasable := s.TotalAmount
	if elapsed < s.Duration {
		totalReleasable = s.TotalAmount * elapsed / s.Duration
	}
	newRelease := totalReleasable - s.ReleasedAmount
	if newRelease <= 0 {
		return s, fmt.Errorf("%w: stream %d", ErrNothingToRelease, id)
	}
	s.ReleasedAmount += newRelease
	s.LastReleaseTime = now
	completed := s.ReleasedAmount >= s.TotalAmount || now >= s.StartTime+s.Duration
	if completed {
		s.Status = domain.StreamCompleted
	}
	if err := e.Repo.UpdateStreamTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "stream.released", "stream", streamEntityID(id), caller, events.EventPayload{
		"amount":          newRelease,
		"released_amount": s.ReleasedAmount,
	}); err != nil {
		return s, err
	}
	if completed {
		if err := e.Events.Append(ctx, tx, "stream.completed", "stream", streamEntityID(id), caller, events.EventPayload{
			"released_amount": s.ReleasedAmount,
		}); err != nil {
			return s, err
		}
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// ClaimEarnings pays the worker everything released but not yet claimed. The
// custodial payout goes through the treasury inside the transaction, so a
// failed transfer leaves the claim unrecorded and safe to retry.
func (e Engine) ClaimEarnings(ctx context.Context, caller string, id int64) (domain.Stream, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStreamTx(ctx, tx, id)
	if err != nil {
		return s, err
	}
	if caller != s.Worker {
		return s, auth.UnauthorizedError{Principal: caller, Role: "worker"}
	}
	amount := s.ReleasedAmount - s.ClaimedAmount
	if amount <= 0 {
		return s, fmt.Errorf("%w: stream %d", ErrNothingToClaim, id)
	}
	s.ClaimedAmount = s.ReleasedAmount
	if err := e.Repo.UpdateStreamTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "earnings.claimed", "stream", streamEntityID(id), caller, events.EventPayload{
		"amount":         amount,
		"claimed_amount": s.ClaimedAmount,
	}); err != nil {
		return s, err
	}
	if err := e.Treasury.Transfer(ctx, s.Worker, amount); err != nil {
		return s, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// PauseStream suspends releasing. Payer or admin only.
func (e Engine) PauseStream(ctx context.Context, caller string, id int64) (domain.Stream, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStreamTx(ctx, tx, id)
	if err != nil {
		return s, err
	}
	if err := e.Auth.RequirePayerOrAdmin(ctx, tx, caller, s.Payer); err != nil {
		return s, err
	}
	if s.Status != domain.StreamActive {
		return s, fmt.Errorf("%w: stream %d is %s", ErrInvalidState, id, s.Status)
	}
	s.Status = domain.StreamPaused
	if err := e.Repo.UpdateStreamTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "stream.paused", "stream", streamEntityID(id), caller, nil); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// ResumeStream reactivates a paused stream. The interval clock restarts at
// now, so a release is not immediately available after resuming.
func (e Engine) ResumeStream(ctx context.Context, caller string, id int64) (domain.Stream, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStreamTx(ctx, tx, id)
	if err != nil {
		return s, err
	}
	if err := e.Auth.RequirePayerOrAdmin(ctx, tx, caller, s.Payer); err != nil {
		return s, err
	}
	if s.Status != domain.StreamPaused {
		return s, fmt.Errorf("%w: stream %d is %s", ErrInvalidState, id, s.Status)
	}
	s.Status = domain.StreamActive
	s.LastReleaseTime = e.nowUnix()
	if err := e.Repo.UpdateStreamTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "stream.resumed", "stream", streamEntityID(id), caller, nil); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// CancelStream settles both sides: released-but-unclaimed funds go to the
// worker through the treasury, the unreleased remainder returns to the
// payer's account. claimed + refund always equals the original total.
func (e Engine) CancelStream(ctx context.Context, caller string, id int64) (domain.Stream, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStreamTx(ctx, tx, id)
	if err != nil {
		return s, err
	}
	if err := e.Auth.RequirePayerOrAdmin(ctx, tx, caller, s.Payer); err != nil {
		return s, err
	}
	if s.Status != domain.StreamActive && s.Status != domain.StreamPaused {
		return s, fmt.Errorf("%w: stream %d is %s", ErrInvalidState, id, s.Status)
	}
	workerPayout := s.ReleasedAmount - s.ClaimedAmount
	payerRefund := s.TotalAmount - s.ReleasedAmount
	s.ClaimedAmount = s.ReleasedAmount
	s.Status = domain.StreamCancelled
	if err := e.Repo.UpdateStreamTx(ctx, tx, s); err != nil {
		return s, err
	}
	if payerRefund > 0 {
		if err := e.Repo.CreditAccountTx(ctx, tx, s.Payer, payerRefund, e.nowRFC()); err != nil {
			return s, err
		}
	}
	if err := e.Events.Append(ctx, tx, "stream.cancelled", "stream", streamEntityID(id), caller, events.EventPayload{
		"worker_payout": workerPayout,
		"payer_refund":  payerRefund,
	}); err != nil {
		return s, err
	}
	if workerPayout > 0 {
		if err := e.Treasury.Transfer(ctx, s.Worker, workerPayout); err != nil {
			return s, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func (e Engine) GetStream(ctx context.Context, id int64) (domain.Stream, error) {
	return e.Repo.GetStream(ctx, id)
}

func (e Engine) ListStreamsFor(ctx context.Context, principal string) ([]domain.Stream, error) {
	return e.Repo.ListStreamsFor(ctx, principal)
}

// Deposit credits a principal's available balance. Principals may fund
// themselves; the admin may fund anyone.
func (e Engine) Deposit(ctx context.Context, caller, principal string, amount int64) (domain.Account, error) {
	if principal == "" {
		return domain.Account{}, fmt.Errorf("%w: principal required", ErrInvalidInput)
	}
	if amount <= 0 {
		return domain.Account{}, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidInput)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()

	if caller != principal {
		if err := e.Auth.RequireAdmin(ctx, tx, caller); err != nil {
			return domain.Account{}, err
		}
	}
	if err := e.Repo.CreditAccountTx(ctx, tx, principal, amount, e.nowRFC()); err != nil {
		return domain.Account{}, err
	}
	if err := e.Events.Append(ctx, tx, "account.deposited", "account", principal, caller, events.EventPayload{
		"amount": amount,
	}); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return e.Repo.GetAccount(ctx, principal)
}

// AddRecorder grants the recorder capability. Admin only.
func (e Engine) AddRecorder(ctx context.Context, caller, principal string) error {
	if principal == "" {
		return fmt.Errorf("%w: principal required", ErrInvalidInput)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.RequireAdmin(ctx, tx, caller); err != nil {
		return err
	}
	if err := e.Repo.AddRecorderTx(ctx, tx, principal, caller, e.nowRFC()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "recorder.added", "recorder", principal, caller, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveRecorder revokes the recorder capability. Admin only.
func (e Engine) RemoveRecorder(ctx context.Context, caller, principal string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.RequireAdmin(ctx, tx, caller); err != nil {
		return err
	}
	if err := e.Repo.RemoveRecorderTx(ctx, tx, principal); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "recorder.removed", "recorder", principal, caller, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// TransferAdmin hands the admin role to another principal. Only the current
// admin may do this.
func (e Engine) TransferAdmin(ctx context.Context, caller, newAdmin string) error {
	if newAdmin == "" {
		return fmt.Errorf("%w: new admin required", ErrInvalidInput)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.RequireAdmin(ctx, tx, caller); err != nil {
		return err
	}
	if err := e.Repo.SetAdminTx(ctx, tx, newAdmin, e.nowRFC()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "admin.transferred", "ledger", "", caller, events.EventPayload{
		"from": caller,
		"to":   newAdmin,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
