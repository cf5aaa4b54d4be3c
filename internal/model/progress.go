package model

import "time"

// ProgressStatus enumerates the states of a student submission.
type ProgressStatus string

const (
	ProgressStatusInProgress ProgressStatus = "IN_PROGRESS"
	ProgressStatusPaused     ProgressStatus = "PAUSED"
	ProgressStatusSubmitted  ProgressStatus = "SUBMITTED"
)

// Valid reports whether s is one of the known progress states.
func (s ProgressStatus) Valid() bool {
	switch s {
	case ProgressStatusInProgress, ProgressStatusPaused, ProgressStatusSubmitted:
		return true
	}
	return false
}

// ProgressRecord is the latest known progress of one submission.
type ProgressRecord struct {
	SubmissionID         int64          `json:"submissionId"`
	ExamID               int64          `json:"examId"`
	StudentID            int64          `json:"studentId"`
	StudentName          string         `json:"studentName"`
	StudentEmail         string         `json:"studentEmail"`
	TotalQuestions       int32          `json:"totalQuestions"`
	AnsweredQuestions    int32          `json:"answeredQuestions"`
	CompletionPercentage float64        `json:"completionPercentage"`
	Status               ProgressStatus `json:"status"`
	LastUpdateTime       time.Time      `json:"lastUpdateTime"`
}

// ProgressEvent is one inbound progress report from a student client.
type ProgressEvent struct {
	ExamID            int64
	SubmissionID      int64
	StudentID         int64
	StudentName       string
	StudentEmail      string
	TotalQuestions    int32
	AnsweredQuestions int32
	Status            ProgressStatus
}

// CompletionPercentage returns answered/total*100 clamped to [0,100], and 0 for an empty exam.
func CompletionPercentage(answered, total int32) float64 {
	if total <= 0 {
		return 0
	}
	if answered < 0 {
		answered = 0
	}
	if answered > total {
		answered = total
	}
	return float64(answered) / float64(total) * 100
}
