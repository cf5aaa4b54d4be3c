package websocket

import (
	"encoding/json"
	"time"

	"github.com/stemsi/exstem-live/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing     Action = "ping"
	ActionProgress Action = "progress"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ProgressRequest is sent by the client whenever its answer count or state changes.
type ProgressRequest struct {
	Action            Action               `json:"action"`
	SubmissionID      int64                `json:"submissionId" binding:"required,gt=0"`
	TotalQuestions    int32                `json:"totalQuestions" binding:"gte=0"`
	AnsweredQuestions int32                `json:"answeredQuestions" binding:"gte=0"`
	Status            model.ProgressStatus `json:"status" binding:"required,oneof=IN_PROGRESS PAUSED SUBMITTED"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError    Event = "error"
	EventAccepted Event = "accepted"
	EventPong     Event = "pong"
	EventMessage  Event = "message"
)

type AcceptedResponse struct {
	Event        Event   `json:"event"`
	SubmissionID int64   `json:"submissionId"`
	Completion   float64 `json:"completionPercentage"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

// TopicMessage wraps a broadcast forwarded from a subscribed topic.
type TopicMessage struct {
	Event Event           `json:"event"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// ─── Broadcast payloads (topic wire shapes) ─────────────────────────

// ConnectionStatusMessage is published on exam/{examId}/connection.
type ConnectionStatusMessage struct {
	ExamID       int64                  `json:"examId"`
	StudentID    int64                  `json:"studentId"`
	StudentName  string                 `json:"studentName"`
	StudentEmail string                 `json:"studentEmail"`
	Status       model.ConnectionStatus `json:"status"`
	SessionID    string                 `json:"sessionId"`
	IPAddress    *string                `json:"ipAddress,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// TimerSyncMessage is published on exam/{examId}/timer.
type TimerSyncMessage struct {
	ExamID           int64               `json:"examId"`
	StartTime        time.Time           `json:"startTime"`
	EndTime          time.Time           `json:"endTime"`
	RemainingSeconds int64               `json:"remainingSeconds"`
	Status           model.SessionStatus `json:"status"`
	Timestamp        time.Time           `json:"timestamp"`
}

// StudentProgressMessage is published on exam/{examId}/progress.
type StudentProgressMessage struct {
	SubmissionID         int64                `json:"submissionId"`
	ExamID               int64                `json:"examId"`
	StudentID            int64                `json:"studentId"`
	StudentName          string               `json:"studentName"`
	StudentEmail         string               `json:"studentEmail"`
	TotalQuestions       int32                `json:"totalQuestions"`
	AnsweredQuestions    int32                `json:"answeredQuestions"`
	CompletionPercentage float64              `json:"completionPercentage"`
	Status               model.ProgressStatus `json:"status"`
	LastUpdateTime       time.Time            `json:"lastUpdateTime"`
	Timestamp            time.Time            `json:"timestamp"`
}

// SystemMessage is published on the system topic.
type SystemMessage struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// UserAlertMessage is published on user/{userId}/alerts.
type UserAlertMessage struct {
	UserID    int64     `json:"userId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewConnectionStatusMessage builds the connection-status payload for ev.
func NewConnectionStatusMessage(ev model.ConnectionEvent) ConnectionStatusMessage {
	r := ev.Record
	msg := ConnectionStatusMessage{
		ExamID:       r.ExamID,
		StudentID:    r.StudentID,
		StudentName:  r.StudentName,
		StudentEmail: r.StudentEmail,
		Status:       r.Status,
		SessionID:    r.SessionID,
		Timestamp:    ev.Timestamp,
	}
	if r.IPAddress != "" {
		ip := r.IPAddress
		msg.IPAddress = &ip
	}
	return msg
}

// NewTimerSyncMessage builds the timer-sync payload for t.
func NewTimerSyncMessage(t model.TimerTick) TimerSyncMessage {
	return TimerSyncMessage{
		ExamID:           t.ExamID,
		StartTime:        t.StartTime,
		EndTime:          t.EndTime,
		RemainingSeconds: t.RemainingSeconds,
		Status:           t.Status,
		Timestamp:        t.Timestamp,
	}
}

// NewStudentProgressMessage builds the student-progress payload for r, stamped at now.
func NewStudentProgressMessage(r model.ProgressRecord, now time.Time) StudentProgressMessage {
	return StudentProgressMessage{
		SubmissionID:         r.SubmissionID,
		ExamID:               r.ExamID,
		StudentID:            r.StudentID,
		StudentName:          r.StudentName,
		StudentEmail:         r.StudentEmail,
		TotalQuestions:       r.TotalQuestions,
		AnsweredQuestions:    r.AnsweredQuestions,
		CompletionPercentage: r.CompletionPercentage,
		Status:               r.Status,
		LastUpdateTime:       r.LastUpdateTime,
		Timestamp:            now,
	}
}
