package server

import (
	"encoding/json"

	"payline/internal/domain"
)

// Request payloads

type CreateStreamRequest struct {
	Worker          string `json:"worker"`
	TotalAmount     int64  `json:"total_amount"`
	Duration        int64  `json:"duration"`
	ReleaseInterval int64  `json:"release_interval"`
}

type DepositRequest struct {
	Amount int64 `json:"amount"`
}

type RecordCompletionRequest struct {
	TaskID string `json:"task_id,omitempty"`
	OnTime bool   `json:"on_time"`
	Rating int64  `json:"rating" minimum:"0" maximum:"5"`
}

type RecordDisputeRequest struct {
	TaskID   string `json:"task_id,omitempty"`
	Severity int64  `json:"severity" minimum:"1" maximum:"5"`
}

type SetScoreRequest struct {
	Score int64 `json:"score" minimum:"0" maximum:"1000"`
}

type AddRecorderRequest struct {
	Principal string `json:"principal"`
}

type TransferAdminRequest struct {
	Principal string `json:"principal"`
}

// Response payloads

type StreamResponse struct {
	ID              int64  `json:"id"`
	Worker          string `json:"worker"`
	Payer           string `json:"payer"`
	TotalAmount     int64  `json:"total_amount"`
	ReleasedAmount  int64  `json:"released_amount"`
	ClaimedAmount   int64  `json:"claimed_amount"`
	StartTime       int64  `json:"start_time"`
	Duration        int64  `json:"duration"`
	ReleaseInterval int64  `json:"release_interval"`
	LastReleaseTime int64  `json:"last_release_time"`
	Status          string `json:"status" enum:"active,paused,completed,cancelled"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type AccountResponse struct {
	Principal string `json:"principal"`
	Balance   int64  `json:"balance"`
	UpdatedAt string `json:"updated_at,omitempty" format:"date-time"`
}

type ReputationResponse struct {
	Worker          string `json:"worker"`
	Score           int64  `json:"score"`
	TotalTasks      int64  `json:"total_tasks"`
	CompletedOnTime int64  `json:"completed_on_time"`
	TotalDisputes   int64  `json:"total_disputes"`
	TotalRatings    int64  `json:"total_ratings"`
	SumOfRatings    int64  `json:"sum_of_ratings"`
	// CompletionRateBP is the on-time rate in basis points (0..10000).
	CompletionRateBP int64 `json:"completion_rate_bp"`
	// AverageRatingX100 is the mean rating scaled by 100.
	AverageRatingX100 int64 `json:"average_rating_x100"`
	UpdatedAt         string `json:"updated_at,omitempty" format:"date-time"`
}

type RecorderResponse struct {
	Principal string `json:"principal"`
	AddedBy   string `json:"added_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Kind       string          `json:"kind"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func streamResponse(s domain.Stream) StreamResponse {
	return StreamResponse{
		ID:              s.ID,
		Worker:          s.Worker,
		Payer:           s.Payer,
		TotalAmount:     s.TotalAmount,
		ReleasedAmount:  s.ReleasedAmount,
		ClaimedAmount:   s.ClaimedAmount,
		StartTime:       s.StartTime,
		Duration:        s.Duration,
		ReleaseInterval: s.ReleaseInterval,
		LastReleaseTime: s.LastReleaseTime,
		Status:          s.Status,
		CreatedAt:       s.CreatedAt,
	}
}

func mapStreams(items []domain.Stream) []StreamResponse {
	res := make([]StreamResponse, 0, len(items))
	for _, s := range items {
		res = append(res, streamResponse(s))
	}
	return res
}

func accountResponse(a domain.Account) AccountResponse {
	return AccountResponse{Principal: a.Principal, Balance: a.Balance, UpdatedAt: a.UpdatedAt}
}

func reputationResponse(rec domain.ReputationRecord) ReputationResponse {
	resp := ReputationResponse{
		Worker:          rec.Worker,
		Score:           rec.Score,
		TotalTasks:      rec.TotalTasks,
		CompletedOnTime: rec.CompletedOnTime,
		TotalDisputes:   rec.TotalDisputes,
		TotalRatings:    rec.TotalRatings,
		SumOfRatings:    rec.SumOfRatings,
		UpdatedAt:       rec.UpdatedAt,
	}
	if rec.TotalTasks > 0 {
		resp.CompletionRateBP = rec.CompletedOnTime * 10000 / rec.TotalTasks
	}
	if rec.TotalRatings > 0 {
		resp.AverageRatingX100 = rec.SumOfRatings * 100 / rec.TotalRatings
	}
	return resp
}

func recorderResponse(r domain.Recorder) RecorderResponse {
	return RecorderResponse{Principal: r.Principal, AddedBy: r.AddedBy, CreatedAt: r.CreatedAt}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Kind:       evt.Kind,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
