package service

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
)

func progressEvent(submissionID int64, name string, answered, total int32, status model.ProgressStatus) model.ProgressEvent {
	return model.ProgressEvent{
		ExamID:            1,
		SubmissionID:      submissionID,
		StudentID:         submissionID * 10,
		StudentName:       name,
		TotalQuestions:    total,
		AnsweredQuestions: answered,
		Status:            status,
	}
}

func TestProgressAggregator_Completion(t *testing.T) {
	a := NewProgressAggregator(clockwork.NewFakeClockAt(testEpoch), zerolog.Nop())

	tests := []struct {
		name     string
		answered int32
		total    int32
		wantPct  float64
		wantAns  int32
	}{
		{"half", 10, 20, 50, 10},
		{"empty exam", 0, 0, 0, 0},
		{"over answered", 25, 20, 100, 20},
		{"negative answered", -3, 20, 0, 0},
		{"negative total", 5, -1, 0, 0},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := a.OnProgressEvent(progressEvent(int64(i+1), "s", tt.answered, tt.total, model.ProgressStatusInProgress))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.CompletionPercentage != tt.wantPct {
				t.Errorf("percentage: want %v, got %v", tt.wantPct, rec.CompletionPercentage)
			}
			if rec.AnsweredQuestions != tt.wantAns {
				t.Errorf("answered: want %d, got %d", tt.wantAns, rec.AnsweredQuestions)
			}
		})
	}
}

func TestProgressAggregator_SubmittedIsTerminal(t *testing.T) {
	a := NewProgressAggregator(clockwork.NewFakeClockAt(testEpoch), zerolog.Nop())

	if _, err := a.OnProgressEvent(progressEvent(7, "alice", 20, 20, model.ProgressStatusSubmitted)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	prev, err := a.OnProgressEvent(progressEvent(7, "alice", 3, 20, model.ProgressStatusInProgress))
	if !errors.Is(err, ErrRejectedTransition) {
		t.Fatalf("expected ErrRejectedTransition, got %v", err)
	}
	if prev.Status != model.ProgressStatusSubmitted || prev.AnsweredQuestions != 20 {
		t.Fatalf("record should be unchanged, got %+v", prev)
	}

	snap := a.Snapshot(1)
	if len(snap) != 1 || snap[0].AnsweredQuestions != 20 {
		t.Fatalf("snapshot should keep the submitted record, got %+v", snap)
	}
}

func TestProgressAggregator_LastWriteWins(t *testing.T) {
	a := NewProgressAggregator(clockwork.NewFakeClockAt(testEpoch), zerolog.Nop())

	a.OnProgressEvent(progressEvent(1, "alice", 5, 10, model.ProgressStatusInProgress))
	a.OnProgressEvent(progressEvent(1, "alice", 3, 10, model.ProgressStatusPaused))

	snap := a.Snapshot(1)
	if len(snap) != 1 {
		t.Fatalf("expected one record, got %d", len(snap))
	}
	if snap[0].AnsweredQuestions != 3 || snap[0].Status != model.ProgressStatusPaused {
		t.Fatalf("expected the later event to win, got %+v", snap[0])
	}
}

func TestProgressAggregator_InvalidStatus(t *testing.T) {
	a := NewProgressAggregator(clockwork.NewFakeClockAt(testEpoch), zerolog.Nop())

	_, err := a.OnProgressEvent(progressEvent(1, "alice", 1, 10, model.ProgressStatus("GRADED")))
	if !errors.Is(err, ErrInvalidProgress) {
		t.Fatalf("expected ErrInvalidProgress, got %v", err)
	}
	if len(a.Snapshot(1)) != 0 {
		t.Fatal("invalid events must not be stored")
	}
}

func TestProgressAggregator_SnapshotOrder(t *testing.T) {
	a := NewProgressAggregator(clockwork.NewFakeClockAt(testEpoch), zerolog.Nop())

	a.OnProgressEvent(progressEvent(3, "carol", 1, 10, model.ProgressStatusInProgress))
	a.OnProgressEvent(progressEvent(2, "alice", 1, 10, model.ProgressStatusInProgress))
	a.OnProgressEvent(progressEvent(1, "alice", 1, 10, model.ProgressStatusInProgress))

	snap := a.Snapshot(1)
	want := []int64{1, 2, 3}
	for i, id := range want {
		if snap[i].SubmissionID != id {
			t.Errorf("position %d: want submission %d, got %d", i, id, snap[i].SubmissionID)
		}
	}

	released := a.Release(1)
	if len(released) != 3 || len(a.Snapshot(1)) != 0 {
		t.Fatalf("release should hand over all records and clear the exam")
	}
}

func TestProgressAggregator_ForeignStudentRejected(t *testing.T) {
	a := NewProgressAggregator(clockwork.NewFakeClockAt(testEpoch), zerolog.Nop())

	if _, err := a.OnProgressEvent(progressEvent(4, "dina", 6, 10, model.ProgressStatusInProgress)); err != nil {
		t.Fatalf("first event: %v", err)
	}

	forged := progressEvent(4, "eve", 10, 10, model.ProgressStatusSubmitted)
	forged.StudentID = 99
	prev, err := a.OnProgressEvent(forged)
	if !errors.Is(err, ErrRejectedTransition) {
		t.Fatalf("expected ErrRejectedTransition, got %v", err)
	}
	if prev.StudentID != 40 || prev.StudentName != "dina" || prev.Status != model.ProgressStatusInProgress {
		t.Fatalf("record should still belong to the owner, got %+v", prev)
	}

	snap := a.Snapshot(1)
	if len(snap) != 1 || snap[0].AnsweredQuestions != 6 {
		t.Fatalf("snapshot should keep the owner's record, got %+v", snap)
	}

	// The owner can still submit.
	rec, err := a.OnProgressEvent(progressEvent(4, "dina", 10, 10, model.ProgressStatusSubmitted))
	if err != nil || rec.Status != model.ProgressStatusSubmitted {
		t.Fatalf("owner submit: rec=%+v err=%v", rec, err)
	}
}

func TestProgressAggregator_ConcurrentSubmitNeverOverwritten(t *testing.T) {
	for round := 0; round < 20; round++ {
		a := NewProgressAggregator(clockwork.NewFakeClockAt(testEpoch), zerolog.Nop())

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			submitted bool
		)
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				status := model.ProgressStatusInProgress
				if i == 0 {
					status = model.ProgressStatusSubmitted
				}
				_, err := a.OnProgressEvent(progressEvent(1, "alice", int32(i), 10, status))

				mu.Lock()
				defer mu.Unlock()
				if status == model.ProgressStatusSubmitted {
					if err != nil {
						t.Errorf("submit rejected: %v", err)
					}
					submitted = true
				}
			}(i)
		}
		close(start)
		wg.Wait()

		if !submitted {
			t.Fatal("submit never applied")
		}
		snap := a.Snapshot(1)
		if len(snap) != 1 || snap[0].Status != model.ProgressStatusSubmitted || snap[0].AnsweredQuestions != 0 {
			t.Fatalf("round %d: submitted record was overwritten: %+v", round, snap)
		}
		if _, err := a.OnProgressEvent(progressEvent(1, "alice", 9, 10, model.ProgressStatusInProgress)); !errors.Is(err, ErrRejectedTransition) {
			t.Fatalf("round %d: late event accepted: %v", round, err)
		}
	}
}

func TestProgressAggregator_SnapshotMatchesReplay(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	statuses := []model.ProgressStatus{
		model.ProgressStatusInProgress,
		model.ProgressStatusPaused,
		model.ProgressStatusSubmitted,
	}

	for round := 0; round < 50; round++ {
		a := NewProgressAggregator(clockwork.NewFakeClockAt(testEpoch), zerolog.Nop())
		want := make(map[int64]model.ProgressEvent)

		for i := 0; i < 40; i++ {
			ev := progressEvent(int64(rng.Intn(5)+1), "s", int32(rng.Intn(12)), 10, statuses[rng.Intn(len(statuses))])
			a.OnProgressEvent(ev)

			if prev, ok := want[ev.SubmissionID]; ok && prev.Status == model.ProgressStatusSubmitted {
				continue
			}
			want[ev.SubmissionID] = ev
		}

		snap := a.Snapshot(1)
		if len(snap) != len(want) {
			t.Fatalf("round %d: want %d records, got %d", round, len(want), len(snap))
		}
		for _, rec := range snap {
			ev := want[rec.SubmissionID]
			answered := ev.AnsweredQuestions
			if answered > ev.TotalQuestions {
				answered = ev.TotalQuestions
			}
			if rec.Status != ev.Status || rec.AnsweredQuestions != answered {
				t.Fatalf("round %d submission %d: replay gives %s %d/%d, snapshot has %+v",
					round, rec.SubmissionID, ev.Status, answered, ev.TotalQuestions, rec)
			}
		}
	}
}

func TestProgressAggregator_Idle(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	a := NewProgressAggregator(clock, zerolog.Nop())

	if !a.Idle(1, time.Minute) {
		t.Fatal("an exam without progress is idle")
	}
	a.OnProgressEvent(progressEvent(1, "alice", 1, 10, model.ProgressStatusInProgress))
	if a.Idle(1, time.Minute) {
		t.Fatal("recent progress keeps the exam busy")
	}
	clock.Advance(2 * time.Minute)
	if !a.Idle(1, time.Minute) {
		t.Fatal("exam should be idle after a quiet minute")
	}
}
