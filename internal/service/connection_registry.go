package service

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
)

// ConnectTransition is the outcome of OnConnect.
type ConnectTransition struct {
	// Superseded is the DISCONNECTED event of a still-live older session for the
	// same student, if one was replaced.
	Superseded *model.ConnectionEvent
	Event      model.ConnectionEvent
	// Changed is false when the same session connected twice; nothing new happened.
	Changed bool
}

type examConnections struct {
	mu        sync.Mutex
	byStudent map[int64]*model.ConnectionRecord
}

type sessionRef struct {
	examID    int64
	studentID int64
}

// ConnectionRegistry tracks the connection record of every (exam, student) pair.
// State is sharded per exam; operations on different exams never share a lock.
type ConnectionRegistry struct {
	clock    clockwork.Clock
	exams    sync.Map // int64 → *examConnections
	sessions sync.Map // sessionID → sessionRef
	log      zerolog.Logger
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry(clock clockwork.Clock, log zerolog.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{
		clock: clock,
		log:   log.With().Str("component", "connection_registry").Logger(),
	}
}

func (r *ConnectionRegistry) exam(examID int64) *examConnections {
	if v, ok := r.exams.Load(examID); ok {
		return v.(*examConnections)
	}
	v, _ := r.exams.LoadOrStore(examID, &examConnections{byStudent: make(map[int64]*model.ConnectionRecord)})
	return v.(*examConnections)
}

// OnConnect records a new session for a student.
//
//   - no prior record: CONNECTED
//   - prior record DISCONNECTED: RECONNECTED
//   - prior record still live (duplicate tab, stale socket): the old session is
//     marked DISCONNECTED and returned as Superseded, the new one is RECONNECTED
func (r *ConnectionRegistry) OnConnect(req model.ConnectRequest) ConnectTransition {
	ec := r.exam(req.ExamID)
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := r.clock.Now()
	prev, exists := ec.byStudent[req.StudentID]

	if exists && prev.SessionID == req.SessionID && prev.Status.Live() {
		prev.LastSeenAt = now
		return ConnectTransition{Event: model.ConnectionEvent{Record: *prev, Timestamp: prev.LastChangeAt}}
	}

	var out ConnectTransition
	status := model.ConnectionStatusConnected
	if exists {
		status = model.ConnectionStatusReconnected
		if prev.Status.Live() {
			prev.Status = model.ConnectionStatusDisconnected
			prev.LastChangeAt = now
			out.Superseded = &model.ConnectionEvent{Record: *prev, Timestamp: now}
			r.sessions.Delete(prev.SessionID)

			r.log.Info().
				Int64("exam_id", req.ExamID).
				Int64("student_id", req.StudentID).
				Str("old_session_id", prev.SessionID).
				Str("session_id", req.SessionID).
				Msg("Superseding live session")
		} else {
			r.sessions.Delete(prev.SessionID)
		}
	}

	rec := &model.ConnectionRecord{
		ExamID:       req.ExamID,
		StudentID:    req.StudentID,
		StudentName:  req.StudentName,
		StudentEmail: req.StudentEmail,
		SessionID:    req.SessionID,
		IPAddress:    req.IPAddress,
		Status:       status,
		LastChangeAt: now,
		LastSeenAt:   now,
	}
	ec.byStudent[req.StudentID] = rec
	r.sessions.Store(req.SessionID, sessionRef{examID: req.ExamID, studentID: req.StudentID})

	out.Event = model.ConnectionEvent{Record: *rec, Timestamp: now}
	out.Changed = true
	return out
}

// ExamOf returns the exam a tracked session belongs to.
func (r *ConnectionRegistry) ExamOf(sessionID string) (int64, bool) {
	v, ok := r.sessions.Load(sessionID)
	if !ok {
		return 0, false
	}
	return v.(sessionRef).examID, true
}

// OnDisconnect marks the session's record DISCONNECTED. An unknown or already
// disconnected session is not an error: it returns false.
func (r *ConnectionRegistry) OnDisconnect(sessionID string) (model.ConnectionEvent, bool) {
	v, ok := r.sessions.Load(sessionID)
	if !ok {
		r.log.Debug().Str("session_id", sessionID).Msg("Disconnect for unknown session")
		return model.ConnectionEvent{}, false
	}
	ref := v.(sessionRef)

	ec := r.exam(ref.examID)
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return r.disconnectLocked(ec, ref.studentID, sessionID, r.clock.Now())
}

func (r *ConnectionRegistry) disconnectLocked(ec *examConnections, studentID int64, sessionID string, now time.Time) (model.ConnectionEvent, bool) {
	rec, ok := ec.byStudent[studentID]
	if !ok || rec.SessionID != sessionID || !rec.Status.Live() {
		return model.ConnectionEvent{}, false
	}
	rec.Status = model.ConnectionStatusDisconnected
	rec.LastChangeAt = now
	r.sessions.Delete(sessionID)
	return model.ConnectionEvent{Record: *rec, Timestamp: now}, true
}

// Heartbeat refreshes the liveness timestamp of a live session.
func (r *ConnectionRegistry) Heartbeat(sessionID string) bool {
	v, ok := r.sessions.Load(sessionID)
	if !ok {
		return false
	}
	ref := v.(sessionRef)

	ec := r.exam(ref.examID)
	ec.mu.Lock()
	defer ec.mu.Unlock()
	rec, ok := ec.byStudent[ref.studentID]
	if !ok || rec.SessionID != sessionID || !rec.Status.Live() {
		return false
	}
	rec.LastSeenAt = r.clock.Now()
	return true
}

// StaleSessions lists live sessions not seen within grace, grouped by exam.
func (r *ConnectionRegistry) StaleSessions(grace time.Duration) map[int64][]string {
	cutoff := r.clock.Now().Add(-grace)
	out := make(map[int64][]string)
	r.exams.Range(func(k, v any) bool {
		examID := k.(int64)
		ec := v.(*examConnections)
		ec.mu.Lock()
		for _, rec := range ec.byStudent {
			if rec.Status.Live() && rec.LastSeenAt.Before(cutoff) {
				out[examID] = append(out[examID], rec.SessionID)
			}
		}
		ec.mu.Unlock()
		return true
	})
	return out
}

// Expire implicitly disconnects sessionID if it is still live and has not been
// seen within grace. Expiry is re-checked under the exam lock, so a heartbeat
// that raced the sweep keeps the session alive.
func (r *ConnectionRegistry) Expire(sessionID string, grace time.Duration) (model.ConnectionEvent, bool) {
	v, ok := r.sessions.Load(sessionID)
	if !ok {
		return model.ConnectionEvent{}, false
	}
	ref := v.(sessionRef)

	ec := r.exam(ref.examID)
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := r.clock.Now()
	rec, ok := ec.byStudent[ref.studentID]
	if !ok || rec.SessionID != sessionID || !rec.LastSeenAt.Before(now.Add(-grace)) {
		return model.ConnectionEvent{}, false
	}
	return r.disconnectLocked(ec, ref.studentID, sessionID, now)
}

// Idle reports whether an exam has no live session and no record that changed
// within the last idle. An exam nobody connected to is idle.
func (r *ConnectionRegistry) Idle(examID int64, idle time.Duration) bool {
	v, ok := r.exams.Load(examID)
	if !ok {
		return true
	}
	ec := v.(*examConnections)
	cutoff := r.clock.Now().Add(-idle)

	ec.mu.Lock()
	defer ec.mu.Unlock()
	for _, rec := range ec.byStudent {
		if rec.Status.Live() || rec.LastChangeAt.After(cutoff) {
			return false
		}
	}
	return true
}

// Snapshot returns every record of an exam ordered by student name.
// An exam nobody has connected to yields an empty slice.
func (r *ConnectionRegistry) Snapshot(examID int64) []model.ConnectionRecord {
	v, ok := r.exams.Load(examID)
	if !ok {
		return []model.ConnectionRecord{}
	}
	ec := v.(*examConnections)

	ec.mu.Lock()
	out := make([]model.ConnectionRecord, 0, len(ec.byStudent))
	for _, rec := range ec.byStudent {
		out = append(out, *rec)
	}
	ec.mu.Unlock()

	sortConnections(out)
	return out
}

// Release drops all state of an exam and returns it for archival.
func (r *ConnectionRegistry) Release(examID int64) []model.ConnectionRecord {
	v, ok := r.exams.LoadAndDelete(examID)
	if !ok {
		return []model.ConnectionRecord{}
	}
	ec := v.(*examConnections)

	ec.mu.Lock()
	out := make([]model.ConnectionRecord, 0, len(ec.byStudent))
	for _, rec := range ec.byStudent {
		out = append(out, *rec)
		r.sessions.Delete(rec.SessionID)
	}
	ec.byStudent = make(map[int64]*model.ConnectionRecord)
	ec.mu.Unlock()

	sortConnections(out)
	return out
}

func sortConnections(recs []model.ConnectionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].StudentName != recs[j].StudentName {
			return recs[i].StudentName < recs[j].StudentName
		}
		return recs[i].StudentID < recs[j].StudentID
	})
}
