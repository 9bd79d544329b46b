package domain

// Stream statuses.
const (
	StreamActive    = "active"
	StreamPaused    = "paused"
	StreamCompleted = "completed"
	StreamCancelled = "cancelled"
)

// Stream is an escrowed payment stream between a payer and a worker.
// Amounts are in the smallest currency unit; times are unix seconds.
type Stream struct {
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

// Terminal reports whether the stream can no longer be mutated.
func (s Stream) Terminal() bool {
	return s.Status == StreamCompleted || s.Status == StreamCancelled
}

// Account holds a principal's available (non-escrowed) balance.
type Account struct {
	Principal string `json:"principal"`
	Balance   int64  `json:"balance"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// ReputationRecord is the running reputation aggregate for one worker.
// Created lazily on the worker's first recorded event.
type ReputationRecord struct {
	Worker          string `json:"worker"`
	Score           int64  `json:"score"`
	TotalTasks      int64  `json:"total_tasks"`
	CompletedOnTime int64  `json:"completed_on_time"`
	TotalDisputes   int64  `json:"total_disputes"`
	TotalRatings    int64  `json:"total_ratings"`
	SumOfRatings    int64  `json:"sum_of_ratings"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

// Recorder is a principal allowed to record completions and disputes.
type Recorder struct {
	Principal string `json:"principal"`
	AddedBy   string `json:"added_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one immutable entry of the append-only ledger log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Kind       string `json:"kind"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
