package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
)

type examProgress struct {
	mu           sync.Mutex
	bySubmission map[int64]*model.ProgressRecord
}

// ProgressAggregator folds progress events into the latest state per submission.
type ProgressAggregator struct {
	clock clockwork.Clock
	exams sync.Map // int64 → *examProgress
	log   zerolog.Logger
}

// NewProgressAggregator creates an empty aggregator.
func NewProgressAggregator(clock clockwork.Clock, log zerolog.Logger) *ProgressAggregator {
	return &ProgressAggregator{
		clock: clock,
		log:   log.With().Str("component", "progress_aggregator").Logger(),
	}
}

func (a *ProgressAggregator) exam(examID int64) *examProgress {
	if v, ok := a.exams.Load(examID); ok {
		return v.(*examProgress)
	}
	v, _ := a.exams.LoadOrStore(examID, &examProgress{bySubmission: make(map[int64]*model.ProgressRecord)})
	return v.(*examProgress)
}

// OnProgressEvent stores ev as the latest state of its submission. Events are
// applied in arrival order. Once a submission is SUBMITTED every later event
// is rejected and the record stays as it was. A submission belongs to the
// student of its first event; events from anyone else are rejected too.
func (a *ProgressAggregator) OnProgressEvent(ev model.ProgressEvent) (model.ProgressRecord, error) {
	if !ev.Status.Valid() {
		return model.ProgressRecord{}, fmt.Errorf("%w: status %q", ErrInvalidProgress, ev.Status)
	}

	ep := a.exam(ev.ExamID)
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if prev, ok := ep.bySubmission[ev.SubmissionID]; ok && prev.Status == model.ProgressStatusSubmitted {
		a.log.Warn().
			Int64("exam_id", ev.ExamID).
			Int64("submission_id", ev.SubmissionID).
			Str("status", string(ev.Status)).
			Msg("Progress event after submission ignored")
		return *prev, fmt.Errorf("%w: submission %d already submitted", ErrRejectedTransition, ev.SubmissionID)
	} else if ok && prev.StudentID != ev.StudentID {
		a.log.Warn().
			Int64("exam_id", ev.ExamID).
			Int64("submission_id", ev.SubmissionID).
			Int64("owner_id", prev.StudentID).
			Int64("student_id", ev.StudentID).
			Msg("Progress event for another student's submission ignored")
		return *prev, fmt.Errorf("%w: submission %d belongs to student %d", ErrRejectedTransition, ev.SubmissionID, prev.StudentID)
	}

	total := ev.TotalQuestions
	if total < 0 {
		total = 0
	}
	answered := ev.AnsweredQuestions
	if answered < 0 {
		answered = 0
	}
	if answered > total {
		answered = total
	}

	rec := &model.ProgressRecord{
		SubmissionID:         ev.SubmissionID,
		ExamID:               ev.ExamID,
		StudentID:            ev.StudentID,
		StudentName:          ev.StudentName,
		StudentEmail:         ev.StudentEmail,
		TotalQuestions:       total,
		AnsweredQuestions:    answered,
		CompletionPercentage: model.CompletionPercentage(answered, total),
		Status:               ev.Status,
		LastUpdateTime:       a.clock.Now(),
	}
	ep.bySubmission[ev.SubmissionID] = rec
	return *rec, nil
}

// Snapshot returns every record of an exam ordered by student name.
func (a *ProgressAggregator) Snapshot(examID int64) []model.ProgressRecord {
	v, ok := a.exams.Load(examID)
	if !ok {
		return []model.ProgressRecord{}
	}
	ep := v.(*examProgress)

	ep.mu.Lock()
	out := make([]model.ProgressRecord, 0, len(ep.bySubmission))
	for _, rec := range ep.bySubmission {
		out = append(out, *rec)
	}
	ep.mu.Unlock()

	sortProgress(out)
	return out
}

// Idle reports whether no submission of an exam was updated within the last idle.
func (a *ProgressAggregator) Idle(examID int64, idle time.Duration) bool {
	v, ok := a.exams.Load(examID)
	if !ok {
		return true
	}
	ep := v.(*examProgress)
	cutoff := a.clock.Now().Add(-idle)

	ep.mu.Lock()
	defer ep.mu.Unlock()
	for _, rec := range ep.bySubmission {
		if rec.LastUpdateTime.After(cutoff) {
			return false
		}
	}
	return true
}

// Release drops all state of an exam and returns it for archival.
func (a *ProgressAggregator) Release(examID int64) []model.ProgressRecord {
	v, ok := a.exams.LoadAndDelete(examID)
	if !ok {
		return []model.ProgressRecord{}
	}
	ep := v.(*examProgress)

	ep.mu.Lock()
	out := make([]model.ProgressRecord, 0, len(ep.bySubmission))
	for _, rec := range ep.bySubmission {
		out = append(out, *rec)
	}
	ep.bySubmission = make(map[int64]*model.ProgressRecord)
	ep.mu.Unlock()

	sortProgress(out)
	return out
}

func sortProgress(recs []model.ProgressRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].StudentName != recs[j].StudentName {
			return recs[i].StudentName < recs[j].StudentName
		}
		return recs[i].SubmissionID < recs[j].SubmissionID
	})
}
