package model

import "time"

// ConnectionStatus enumerates the lifecycle states of a student connection.
type ConnectionStatus string

const (
	ConnectionStatusConnected    ConnectionStatus = "CONNECTED"
	ConnectionStatusDisconnected ConnectionStatus = "DISCONNECTED"
	ConnectionStatusReconnected  ConnectionStatus = "RECONNECTED"
)

// Live reports whether the status counts as an open session.
func (s ConnectionStatus) Live() bool {
	return s == ConnectionStatusConnected || s == ConnectionStatusReconnected
}

// ConnectionRecord is the latest known connection of one student in one exam.
type ConnectionRecord struct {
	ExamID       int64            `json:"examId"`
	StudentID    int64            `json:"studentId"`
	StudentName  string           `json:"studentName"`
	StudentEmail string           `json:"studentEmail"`
	SessionID    string           `json:"sessionId"`
	IPAddress    string           `json:"ipAddress,omitempty"`
	Status       ConnectionStatus `json:"status"`
	LastChangeAt time.Time        `json:"lastChangeAt"`
	LastSeenAt   time.Time        `json:"-"`
}

// ConnectionEvent is emitted for every accepted connection status change.
type ConnectionEvent struct {
	Record    ConnectionRecord
	Timestamp time.Time
}

// ConnectRequest carries everything the transport knows about a new session.
type ConnectRequest struct {
	ExamID       int64
	StudentID    int64
	StudentName  string
	StudentEmail string
	SessionID    string
	IPAddress    string
}
