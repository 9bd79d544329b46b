package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"payline/internal/domain"
	"payline/internal/events"
	"payline/internal/repo"
)

const (
	// BaseScore is the score a worker starts at on their first recorded task.
	BaseScore = 100
	// MaxScore caps upward drift so one prolific worker cannot run away
	// from the rest of the pool.
	MaxScore = 1000

	completionCredit      = 2
	onTimeCredit          = 1
	disputePenaltyPerUnit = 10
)

// ratingBonus maps a 1..5 client rating onto score points. A zero rating
// means "not rated" and is neutral.
func ratingBonus(rating int64) int64 {
	switch rating {
	case 5:
		return 3
	case 4:
		return 2
	case 3:
		return 1
	case 1:
		return -1
	default:
		return 0
	}
}

func clampScore(score int64) int64 {
	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// RecordCompletion records a finished task for a worker and moves their
// score. Recorder capability required. rating is 0 (unrated) or 1..5. taskID
// is an opaque reference kept only in the event log.
func (e Engine) RecordCompletion(ctx context.Context, caller, worker, taskID string, onTime bool, rating int64) (domain.ReputationRecord, error) {
	if worker == "" {
		return domain.ReputationRecord{}, fmt.Errorf("%w: worker required", ErrInvalidInput)
	}
	if rating < 0 || rating > 5 {
		return domain.ReputationRecord{}, fmt.Errorf("%w: rating must be 0..5", ErrInvalidInput)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReputationRecord{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.RequireRecorder(ctx, tx, caller); err != nil {
		return domain.ReputationRecord{}, err
	}
	rec, err := e.reputationOrBase(ctx, tx, worker)
	if err != nil {
		return rec, err
	}
	points := int64(completionCredit) + ratingBonus(rating)
	if onTime {
		points += onTimeCredit
	}
	if points <= 0 && rating == 1 {
		points = -1
	}
	rec.Score = clampScore(rec.Score + points)
	rec.TotalTasks++
	if onTime {
		rec.CompletedOnTime++
	}
	if rating > 0 {
		rec.TotalRatings++
		rec.SumOfRatings += rating
	}
	rec.UpdatedAt = e.nowRFC()
	if err := e.Repo.UpsertReputationTx(ctx, tx, rec); err != nil {
		return rec, err
	}
	if err := e.Events.Append(ctx, tx, "task.recorded", "reputation", worker, caller, events.EventPayload{
		"task_id": taskID,
		"on_time": onTime,
		"rating":  rating,
		"points":  points,
		"score":   rec.Score,
	}); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	return rec, nil
}

// RecordDispute applies a dispute penalty against a worker. Recorder
// capability required. severity is 1..5.
func (e Engine) RecordDispute(ctx context.Context, caller, worker, taskID string, severity int64) (domain.ReputationRecord, error) {
	if worker == "" {
		return domain.ReputationRecord{}, fmt.Errorf("%w: worker required", ErrInvalidInput)
	}
	if severity < 1 || severity > 5 {
		return domain.ReputationRecord{}, fmt.Errorf("%w: severity must be 1..5", ErrInvalidInput)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReputationRecord{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.RequireRecorder(ctx, tx, caller); err != nil {
		return domain.ReputationRecord{}, err
	}
	rec, err := e.reputationOrBase(ctx, tx, worker)
	if err != nil {
		return rec, err
	}
	penalty := disputePenaltyPerUnit * severity
	rec.Score = clampScore(rec.Score - penalty)
	rec.TotalDisputes++
	rec.UpdatedAt = e.nowRFC()
	if err := e.Repo.UpsertReputationTx(ctx, tx, rec); err != nil {
		return rec, err
	}
	if err := e.Events.Append(ctx, tx, "dispute.recorded", "reputation", worker, caller, events.EventPayload{
		"task_id":  taskID,
		"severity": severity,
		"penalty":  penalty,
		"score":    rec.Score,
	}); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	return rec, nil
}

// UpdateScore sets a worker's score outright. Admin only; visible in the
// event log as a manual adjustment, distinct from recorded activity.
func (e Engine) UpdateScore(ctx context.Context, caller, worker string, score int64) (domain.ReputationRecord, error) {
	if worker == "" {
		return domain.ReputationRecord{}, fmt.Errorf("%w: worker required", ErrInvalidInput)
	}
	if score < 0 || score > MaxScore {
		return domain.ReputationRecord{}, fmt.Errorf("%w: score must be 0..%d", ErrInvalidInput, MaxScore)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReputationRecord{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.RequireAdmin(ctx, tx, caller); err != nil {
		return domain.ReputationRecord{}, err
	}
	rec, err := e.reputationOrBase(ctx, tx, worker)
	if err != nil {
		return rec, err
	}
	previous := rec.Score
	rec.Score = score
	rec.UpdatedAt = e.nowRFC()
	if err := e.Repo.UpsertReputationTx(ctx, tx, rec); err != nil {
		return rec, err
	}
	if err := e.Events.Append(ctx, tx, "score.adjusted", "reputation", worker, caller, events.EventPayload{
		"previous": previous,
		"score":    score,
	}); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	return rec, nil
}

// GetReputation returns the worker's record, or a zero-activity record for
// workers never seen. Unknown is not an error for reputation reads.
func (e Engine) GetReputation(ctx context.Context, worker string) (domain.ReputationRecord, error) {
	rec, err := e.Repo.GetReputation(ctx, worker)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ReputationRecord{Worker: worker}, nil
	}
	return rec, err
}

// ReputationScore returns the worker's current score and task count, both
// zero if never seen.
func (e Engine) ReputationScore(ctx context.Context, worker string) (score, totalTasks int64, err error) {
	rec, err := e.GetReputation(ctx, worker)
	if err != nil {
		return 0, 0, err
	}
	return rec.Score, rec.TotalTasks, nil
}

// CompletionRate returns the on-time rate in basis points (0..10000).
// Zero tasks means a zero rate.
func (e Engine) CompletionRate(ctx context.Context, worker string) (int64, error) {
	rec, err := e.GetReputation(ctx, worker)
	if err != nil {
		return 0, err
	}
	if rec.TotalTasks == 0 {
		return 0, nil
	}
	return rec.CompletedOnTime * 10000 / rec.TotalTasks, nil
}

// AverageRating returns the mean client rating scaled by 100 (e.g. 450 for
// 4.5 stars). Zero when no ratings were given.
func (e Engine) AverageRating(ctx context.Context, worker string) (int64, error) {
	rec, err := e.GetReputation(ctx, worker)
	if err != nil {
		return 0, err
	}
	if rec.TotalRatings == 0 {
		return 0, nil
	}
	return rec.SumOfRatings * 100 / rec.TotalRatings, nil
}

func (e Engine) reputationOrBase(ctx context.Context, tx *sql.Tx, worker string) (domain.ReputationRecord, error) {
	rec, err := e.Repo.GetReputationTx(ctx, tx, worker)
	if errors.Is(err, repo.ErrNotFound) {
		now := e.nowRFC()
		return domain.ReputationRecord{Worker: worker, Score: BaseScore, CreatedAt: now, UpdatedAt: now}, nil
	}
	return rec, err
}
