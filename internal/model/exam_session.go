package model

import "time"

// SessionStatus enumerates the states of a live exam timer.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "ACTIVE"
	SessionStatusPaused SessionStatus = "PAUSED"
	SessionStatusEnded  SessionStatus = "ENDED"
)

// ExamSession is the authoritative timer state of one running exam.
type ExamSession struct {
	ExamID    int64         `json:"examId"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Status    SessionStatus `json:"status"`
	// PausedRemainingSeconds is only meaningful while Status is PAUSED.
	PausedRemainingSeconds int64 `json:"pausedRemainingSeconds,omitempty"`
}

// TimerTick is a point-in-time view of an ExamSession. It is never stored.
type TimerTick struct {
	ExamID           int64         `json:"examId"`
	StartTime        time.Time     `json:"startTime"`
	EndTime          time.Time     `json:"endTime"`
	RemainingSeconds int64         `json:"remainingSeconds"`
	Status           SessionStatus `json:"status"`
	Timestamp        time.Time     `json:"timestamp"`
}

// StartExamRequest is the payload for starting an exam timer.
// Either EndTime or DurationMinutes must be given; StartTime defaults to now.
type StartExamRequest struct {
	StartTime       *time.Time `json:"start_time" binding:"omitempty"`
	EndTime         *time.Time `json:"end_time" binding:"required_without=DurationMinutes,omitempty"`
	DurationMinutes int        `json:"duration_minutes" binding:"required_without=EndTime,omitempty,min=1,max=1440"`
}
