package engine_test

import (
	"errors"
	"testing"

	"payline/internal/engine"
	"payline/internal/engine/auth"
)

func newReputationEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	if err := env.Engine.AddRecorder(env.Ctx, "admin", "recorder"); err != nil {
		t.Fatalf("add recorder: %v", err)
	}
	return env
}

func TestRecordCompletionScoring(t *testing.T) {
	cases := []struct {
		name   string
		onTime bool
		rating int64
		want   int64 // score after one completion from base
	}{
		{"on time five stars", true, 5, 106},
		{"on time four stars", true, 4, 105},
		{"on time three stars", true, 3, 104},
		{"on time two stars", true, 2, 103},
		{"on time one star", true, 1, 102},
		{"on time unrated", true, 0, 103},
		{"late five stars", false, 5, 105},
		{"late one star", false, 1, 101},
		{"late unrated", false, 0, 102},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newReputationEnv(t)
			rec, err := env.Engine.RecordCompletion(env.Ctx, "recorder", "bob", "task-1", tc.onTime, tc.rating)
			if err != nil {
				t.Fatalf("record: %v", err)
			}
			if rec.Score != tc.want {
				t.Fatalf("score = %d, want %d", rec.Score, tc.want)
			}
			if rec.TotalTasks != 1 {
				t.Fatalf("tasks = %d, want 1", rec.TotalTasks)
			}
		})
	}
}

func TestRecordCompletionCounters(t *testing.T) {
	env := newReputationEnv(t)
	mustRecord := func(onTime bool, rating int64) {
		t.Helper()
		if _, err := env.Engine.RecordCompletion(env.Ctx, "recorder", "bob", "", onTime, rating); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	mustRecord(true, 5)
	mustRecord(true, 4)
	mustRecord(false, 0)

	rec, err := env.Engine.GetReputation(env.Ctx, "bob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.TotalTasks != 3 || rec.CompletedOnTime != 2 {
		t.Fatalf("tasks=%d onTime=%d, want 3/2", rec.TotalTasks, rec.CompletedOnTime)
	}
	if rec.TotalRatings != 2 || rec.SumOfRatings != 9 {
		t.Fatalf("ratings=%d sum=%d, want 2/9", rec.TotalRatings, rec.SumOfRatings)
	}

	rate, err := env.Engine.CompletionRate(env.Ctx, "bob")
	if err != nil || rate != 6666 {
		t.Fatalf("completion rate = %d (%v), want 6666", rate, err)
	}
	avg, err := env.Engine.AverageRating(env.Ctx, "bob")
	if err != nil || avg != 450 {
		t.Fatalf("average rating = %d (%v), want 450", avg, err)
	}
}

func TestRecordCompletionValidation(t *testing.T) {
	env := newReputationEnv(t)
	if _, err := env.Engine.RecordCompletion(env.Ctx, "recorder", "bob", "", true, 6); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("rating 6 err = %v, want ErrInvalidInput", err)
	}
	if _, err := env.Engine.RecordCompletion(env.Ctx, "recorder", "bob", "", true, -1); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("rating -1 err = %v, want ErrInvalidInput", err)
	}
	if _, err := env.Engine.RecordCompletion(env.Ctx, "recorder", "", "", true, 5); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("empty worker err = %v, want ErrInvalidInput", err)
	}
}

func TestRecorderAuthorization(t *testing.T) {
	env := newReputationEnv(t)
	var ue auth.UnauthorizedError
	if _, err := env.Engine.RecordCompletion(env.Ctx, "mallory", "bob", "", true, 5); !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UnauthorizedError", err)
	}
	// the admin is not implicitly a recorder
	if _, err := env.Engine.RecordCompletion(env.Ctx, "admin", "bob", "", true, 5); !errors.As(err, &ue) {
		t.Fatalf("admin err = %v, want UnauthorizedError", err)
	}
	if err := env.Engine.RemoveRecorder(env.Ctx, "admin", "recorder"); err != nil {
		t.Fatalf("remove recorder: %v", err)
	}
	if _, err := env.Engine.RecordCompletion(env.Ctx, "recorder", "bob", "", true, 5); !errors.As(err, &ue) {
		t.Fatalf("removed recorder err = %v, want UnauthorizedError", err)
	}
}

func TestRecordDispute(t *testing.T) {
	env := newReputationEnv(t)
	rec, err := env.Engine.RecordDispute(env.Ctx, "recorder", "bob", "task-9", 3)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	// base 100 minus 10 per severity unit
	if rec.Score != 70 || rec.TotalDisputes != 1 {
		t.Fatalf("score=%d disputes=%d, want 70/1", rec.Score, rec.TotalDisputes)
	}

	// score floors at zero
	for i := 0; i < 3; i++ {
		rec, err = env.Engine.RecordDispute(env.Ctx, "recorder", "bob", "", 5)
		if err != nil {
			t.Fatalf("dispute %d: %v", i, err)
		}
	}
	if rec.Score != 0 {
		t.Fatalf("score = %d, want floored at 0", rec.Score)
	}

	if _, err := env.Engine.RecordDispute(env.Ctx, "recorder", "bob", "", 0); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("severity 0 err = %v, want ErrInvalidInput", err)
	}
	if _, err := env.Engine.RecordDispute(env.Ctx, "recorder", "bob", "", 6); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("severity 6 err = %v, want ErrInvalidInput", err)
	}
}

func TestDisputeAfterCompletion(t *testing.T) {
	env := newReputationEnv(t)
	rec, err := env.Engine.RecordCompletion(env.Ctx, "recorder", "bob", "task-1", true, 5)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Score != 106 {
		t.Fatalf("score = %d, want 106", rec.Score)
	}
	rec, err = env.Engine.RecordDispute(env.Ctx, "recorder", "bob", "task-1", 3)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if rec.Score != 76 {
		t.Fatalf("score = %d, want 76", rec.Score)
	}
	if rec.TotalTasks != 1 || rec.TotalDisputes != 1 {
		t.Fatalf("tasks=%d disputes=%d, want 1/1", rec.TotalTasks, rec.TotalDisputes)
	}
}

func TestScoreCap(t *testing.T) {
	env := newReputationEnv(t)
	if _, err := env.Engine.UpdateScore(env.Ctx, "admin", "bob", 998); err != nil {
		t.Fatalf("set score: %v", err)
	}
	rec, err := env.Engine.RecordCompletion(env.Ctx, "recorder", "bob", "", true, 5)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Score != engine.MaxScore {
		t.Fatalf("score = %d, want capped at %d", rec.Score, engine.MaxScore)
	}
}

func TestUpdateScore(t *testing.T) {
	env := newReputationEnv(t)
	var ue auth.UnauthorizedError
	if _, err := env.Engine.UpdateScore(env.Ctx, "recorder", "bob", 500); !errors.As(err, &ue) {
		t.Fatalf("recorder err = %v, want UnauthorizedError", err)
	}
	if _, err := env.Engine.UpdateScore(env.Ctx, "admin", "bob", 1001); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("out of range err = %v, want ErrInvalidInput", err)
	}
	rec, err := env.Engine.UpdateScore(env.Ctx, "admin", "bob", 42)
	if err != nil || rec.Score != 42 {
		t.Fatalf("set: %v score=%d", err, rec.Score)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, "score.adjusted", "", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("score.adjusted events = %d (%v), want 1", len(evts), err)
	}
}

func TestUnknownWorkerReads(t *testing.T) {
	env := newReputationEnv(t)
	rec, err := env.Engine.GetReputation(env.Ctx, "nobody")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Worker != "nobody" || rec.Score != 0 || rec.TotalTasks != 0 {
		t.Fatalf("unexpected record for unknown worker: %+v", rec)
	}
	score, tasks, err := env.Engine.ReputationScore(env.Ctx, "nobody")
	if err != nil || score != 0 || tasks != 0 {
		t.Fatalf("score = %d tasks = %d (%v), want zeros", score, tasks, err)
	}
	rate, err := env.Engine.CompletionRate(env.Ctx, "nobody")
	if err != nil || rate != 0 {
		t.Fatalf("rate = %d (%v), want 0", rate, err)
	}
	avg, err := env.Engine.AverageRating(env.Ctx, "nobody")
	if err != nil || avg != 0 {
		t.Fatalf("avg = %d (%v), want 0", avg, err)
	}
}
