package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/broker"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

const (
	publishTimeout = 5 * time.Second
	archiveTimeout = 10 * time.Second

	// globalLane carries the system and user-alert topics, which belong to no exam.
	globalLane int64 = -1
)

// Archiver receives the final state of an ended exam.
type Archiver interface {
	Archive(ctx context.Context, archive model.ExamArchive) error
}

// SessionCloser closes a transport session the hub no longer considers live.
type SessionCloser interface {
	CloseSession(sessionID, reason string)
}

// HubConfig tunes queueing, retry and liveness behaviour of the hub.
type HubConfig struct {
	LaneQueueSize          int
	PublishMaxRetries      uint64
	PublishBackoff         time.Duration
	HeartbeatGrace         time.Duration
	HeartbeatSweepInterval time.Duration
	ArchiveRetention       time.Duration
}

// HubConfigFrom extracts the hub settings from the application config.
func HubConfigFrom(cfg *config.Config) HubConfig {
	return HubConfig{
		LaneQueueSize:          cfg.LaneQueueSize,
		PublishMaxRetries:      cfg.PublishMaxRetries,
		PublishBackoff:         cfg.PublishBackoff,
		HeartbeatGrace:         cfg.HeartbeatGrace,
		HeartbeatSweepInterval: cfg.HeartbeatSweepInterval,
		ArchiveRetention:       cfg.ArchiveRetention,
	}
}

// HubStats are running counters of the hub's delivery pipeline.
type HubStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

type outbound struct {
	topic   string
	payload []byte
}

// lane is the serialization point of one exam. Holding mu while mutating a
// component and enqueueing its message keeps topic order equal to acceptance order.
type lane struct {
	examID int64
	mu     sync.Mutex
	queue  chan outbound
	closed bool
}

// BroadcastHub is the single fan-out point: it applies inbound events to the
// registry, aggregator and timer coordinator and publishes the resulting
// messages to the exam topics.
type BroadcastHub struct {
	broker   broker.Broker
	registry *ConnectionRegistry
	progress *ProgressAggregator
	timers   *TimerCoordinator
	archiver Archiver
	clock    clockwork.Clock
	cfg      HubConfig
	log      zerolog.Logger

	closerMu sync.RWMutex
	closer   SessionCloser

	lanes  sync.Map // int64 → *lane
	closed atomic.Bool
	wg     sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// NewBroadcastHub wires the hub and registers itself as the coordinator's tick handler.
func NewBroadcastHub(
	b broker.Broker,
	registry *ConnectionRegistry,
	progress *ProgressAggregator,
	timers *TimerCoordinator,
	archiver Archiver,
	clock clockwork.Clock,
	cfg HubConfig,
	log zerolog.Logger,
) *BroadcastHub {
	if cfg.LaneQueueSize <= 0 {
		cfg.LaneQueueSize = 256
	}
	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = 100 * time.Millisecond
	}
	if cfg.HeartbeatSweepInterval <= 0 {
		cfg.HeartbeatSweepInterval = 10 * time.Second
	}
	if cfg.HeartbeatGrace <= 0 {
		cfg.HeartbeatGrace = 45 * time.Second
	}
	h := &BroadcastHub{
		broker:   b,
		registry: registry,
		progress: progress,
		timers:   timers,
		archiver: archiver,
		clock:    clock,
		cfg:      cfg,
		log:      log.With().Str("component", "broadcast_hub").Logger(),
	}
	timers.SetTickHandler(h.onTick)
	return h
}

// SetSessionCloser installs the transport used to close superseded or expired sessions.
func (h *BroadcastHub) SetSessionCloser(c SessionCloser) {
	h.closerMu.Lock()
	h.closer = c
	h.closerMu.Unlock()
}

func (h *BroadcastHub) closeSession(sessionID, reason string) {
	h.closerMu.RLock()
	c := h.closer
	h.closerMu.RUnlock()
	if c != nil {
		c.CloseSession(sessionID, reason)
	}
}

// ─── Lanes ──────────────────────────────────────────────────────────

// acquire returns the locked lane of examID, creating it on first use.
func (h *BroadcastHub) acquire(examID int64) (*lane, error) {
	for {
		if h.closed.Load() {
			return nil, errors.New("broadcast hub closed")
		}
		v, loaded := h.lanes.Load(examID)
		if !loaded {
			fresh := &lane{examID: examID, queue: make(chan outbound, h.cfg.LaneQueueSize)}
			v, loaded = h.lanes.LoadOrStore(examID, fresh)
			if !loaded {
				h.wg.Add(1)
				go h.drain(fresh)
			}
		}
		l := v.(*lane)
		l.mu.Lock()
		if !l.closed {
			return l, nil
		}
		l.mu.Unlock()
		h.lanes.CompareAndDelete(examID, l)
	}
}

// enqueueLocked marshals v and queues it on the lane. The caller holds l.mu.
// A full lane drops the message instead of blocking the producer.
func (h *BroadcastHub) enqueueLocked(l *lane, topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("Marshal broadcast")
		return
	}
	select {
	case l.queue <- outbound{topic: topic, payload: payload}:
	default:
		h.dropped.Add(1)
		h.log.Warn().Int64("exam_id", l.examID).Str("topic", topic).Msg("Lane queue full, message dropped")
	}
}

// drain publishes a lane's messages in order until the lane is closed.
func (h *BroadcastHub) drain(l *lane) {
	defer h.wg.Done()
	for msg := range l.queue {
		h.publish(msg)
	}
}

func (h *BroadcastHub) publish(msg outbound) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.cfg.PublishBackoff
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		err := h.broker.Publish(ctx, msg.topic, msg.payload)
		if errors.Is(err, broker.ErrBrokerClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		h.log.Warn().Err(err).Str("topic", msg.topic).Int("attempt", attempt).Dur("retry_in", wait).Msg("Publish failed, retrying")
	}

	if err := backoff.RetryNotify(op, backoff.WithMaxRetries(b, h.cfg.PublishMaxRetries), notify); err != nil {
		h.failed.Add(1)
		h.log.Error().
			Err(fmt.Errorf("%w: %v", ErrTransportFailure, err)).
			Str("topic", msg.topic).
			Int("attempts", attempt).
			Msg("ALERT: broadcast dropped after retries")
		return
	}
	h.published.Add(1)
}

// ─── Connections ────────────────────────────────────────────────────

// Connect registers a student session and broadcasts the resulting status
// change(s). A superseded live session is broadcast as DISCONNECTED first and
// then closed on the transport.
func (h *BroadcastHub) Connect(req model.ConnectRequest) (ConnectTransition, error) {
	l, err := h.acquire(req.ExamID)
	if err != nil {
		return ConnectTransition{}, err
	}

	if h.examEnded(req.ExamID) {
		l.mu.Unlock()
		h.rejected.Add(1)
		return ConnectTransition{}, fmt.Errorf("%w: exam %d has ended", ErrRejectedTransition, req.ExamID)
	}

	tr := h.registry.OnConnect(req)
	if tr.Superseded != nil {
		h.enqueueLocked(l, config.Topic.ExamConnection(req.ExamID), ws.NewConnectionStatusMessage(*tr.Superseded))
	}
	if tr.Changed {
		h.enqueueLocked(l, config.Topic.ExamConnection(req.ExamID), ws.NewConnectionStatusMessage(tr.Event))
	}
	l.mu.Unlock()

	if tr.Superseded != nil {
		h.closeSession(tr.Superseded.Record.SessionID, "superseded by a newer session")
	}
	return tr, nil
}

// Disconnect marks a session DISCONNECTED. Unknown sessions return false.
func (h *BroadcastHub) Disconnect(sessionID string) (model.ConnectionEvent, bool) {
	examID, ok := h.registry.ExamOf(sessionID)
	if !ok {
		h.log.Debug().Err(ErrUnknownSession).Str("session_id", sessionID).Msg("Disconnect ignored")
		return model.ConnectionEvent{}, false
	}
	l, err := h.acquire(examID)
	if err != nil {
		return model.ConnectionEvent{}, false
	}
	defer l.mu.Unlock()

	ev, ok := h.registry.OnDisconnect(sessionID)
	if ok {
		h.enqueueLocked(l, config.Topic.ExamConnection(examID), ws.NewConnectionStatusMessage(ev))
	}
	return ev, ok
}

// Heartbeat records liveness of a session.
func (h *BroadcastHub) Heartbeat(sessionID string) bool {
	return h.registry.Heartbeat(sessionID)
}

// SweepStale implicitly disconnects every session whose heartbeat is older
// than the configured grace and closes it on the transport. It then reaps
// idle exams. It returns the number of expired sessions.
func (h *BroadcastHub) SweepStale() int {
	expired := h.expireStale()
	h.reapIdle()
	return expired
}

func (h *BroadcastHub) expireStale() int {
	expired := 0
	for examID, sessions := range h.registry.StaleSessions(h.cfg.HeartbeatGrace) {
		l, err := h.acquire(examID)
		if err != nil {
			return expired
		}
		var closed []string
		for _, sid := range sessions {
			ev, ok := h.registry.Expire(sid, h.cfg.HeartbeatGrace)
			if !ok {
				continue
			}
			h.enqueueLocked(l, config.Topic.ExamConnection(examID), ws.NewConnectionStatusMessage(ev))
			closed = append(closed, sid)
		}
		l.mu.Unlock()

		for _, sid := range closed {
			h.log.Info().Int64("exam_id", examID).Str("session_id", sid).Msg("Session expired, no heartbeat")
			h.closeSession(sid, "heartbeat timeout")
		}
		expired += len(closed)
	}
	return expired
}

// reapIdle drops the lane and the registry and aggregator state of every exam
// that has no timer, no live session and no activity within the grace. Such
// lanes come from connects to exams that never started or from unknown exam IDs.
func (h *BroadcastHub) reapIdle() int {
	var candidates []*lane
	h.lanes.Range(func(k, v any) bool {
		if k.(int64) != globalLane {
			candidates = append(candidates, v.(*lane))
		}
		return true
	})

	reaped := 0
	for _, l := range candidates {
		l.mu.Lock()
		if l.closed || !h.idleLocked(l.examID) {
			l.mu.Unlock()
			continue
		}
		conns := h.registry.Release(l.examID)
		subs := h.progress.Release(l.examID)
		l.closed = true
		close(l.queue)
		h.lanes.CompareAndDelete(l.examID, l)
		l.mu.Unlock()

		reaped++
		h.log.Debug().
			Int64("exam_id", l.examID).
			Int("connections", len(conns)).
			Int("submissions", len(subs)).
			Msg("Idle exam reaped")
	}
	return reaped
}

// idleLocked reports whether an exam can be reaped. The caller holds its lane.
func (h *BroadcastHub) idleLocked(examID int64) bool {
	if _, err := h.timers.Current(examID); err == nil {
		return false
	}
	return h.registry.Idle(examID, h.cfg.HeartbeatGrace) && h.progress.Idle(examID, h.cfg.HeartbeatGrace)
}

// Run sweeps stale sessions on the configured interval until ctx is done.
func (h *BroadcastHub) Run(ctx context.Context) {
	h.log.Info().Dur("grace", h.cfg.HeartbeatGrace).Msg("Liveness sweeper started")
	ticker := h.clock.NewTicker(h.cfg.HeartbeatSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("Liveness sweeper stopped")
			return
		case <-ticker.Chan():
			h.SweepStale()
		}
	}
}

// ─── Progress ───────────────────────────────────────────────────────

// RecordProgress folds a progress event and broadcasts the updated record.
func (h *BroadcastHub) RecordProgress(ev model.ProgressEvent) (model.ProgressRecord, error) {
	l, err := h.acquire(ev.ExamID)
	if err != nil {
		return model.ProgressRecord{}, err
	}
	defer l.mu.Unlock()

	if h.examEnded(ev.ExamID) {
		h.rejected.Add(1)
		return model.ProgressRecord{}, fmt.Errorf("%w: exam %d has ended", ErrRejectedTransition, ev.ExamID)
	}

	rec, err := h.progress.OnProgressEvent(ev)
	if err != nil {
		if errors.Is(err, ErrRejectedTransition) {
			h.rejected.Add(1)
		}
		return rec, err
	}
	h.enqueueLocked(l, config.Topic.ExamProgress(ev.ExamID), ws.NewStudentProgressMessage(rec, h.clock.Now()))
	return rec, nil
}

// ─── Timer ──────────────────────────────────────────────────────────

type timerOp func(examID int64) (model.TimerTick, error)

// timerTransition runs op under the exam lane and broadcasts its tick.
func (h *BroadcastHub) timerTransition(examID int64, op timerOp) (model.TimerTick, error) {
	l, err := h.acquire(examID)
	if err != nil {
		return model.TimerTick{}, err
	}
	defer l.mu.Unlock()

	tick, err := op(examID)
	if err != nil {
		if errors.Is(err, ErrRejectedTransition) {
			h.rejected.Add(1)
		}
		return tick, err
	}
	h.enqueueLocked(l, config.Topic.ExamTimer(examID), ws.NewTimerSyncMessage(tick))
	if tick.Status == model.SessionStatusEnded {
		h.finishLocked(examID, tick)
	}
	return tick, nil
}

// StartExam starts the exam countdown.
func (h *BroadcastHub) StartExam(examID int64, startTime, endTime time.Time) (model.TimerTick, error) {
	return h.timerTransition(examID, func(id int64) (model.TimerTick, error) {
		return h.timers.Start(id, startTime, endTime)
	})
}

// PauseExam freezes the exam countdown.
func (h *BroadcastHub) PauseExam(examID int64) (model.TimerTick, error) {
	return h.timerTransition(examID, h.timers.Pause)
}

// ResumeExam restarts a paused countdown.
func (h *BroadcastHub) ResumeExam(examID int64) (model.TimerTick, error) {
	return h.timerTransition(examID, h.timers.Resume)
}

// EndExam force-ends the exam and emits the terminal tick.
func (h *BroadcastHub) EndExam(examID int64) (model.TimerTick, error) {
	return h.timerTransition(examID, h.timers.ForceEnd)
}

// SyncTimer broadcasts an out-of-schedule tick, e.g. when a proctor asks for a resync.
func (h *BroadcastHub) SyncTimer(examID int64) (model.TimerTick, error) {
	return h.timerTransition(examID, h.timers.Tick)
}

func (h *BroadcastHub) onTick(examID int64) {
	tick, err := h.timerTransition(examID, h.timers.Tick)
	if err != nil {
		h.log.Debug().Err(err).Int64("exam_id", examID).Msg("Scheduled tick skipped")
		return
	}
	h.log.Trace().Int64("exam_id", examID).Int64("remaining_seconds", tick.RemainingSeconds).Msg("Tick")
}

func (h *BroadcastHub) examEnded(examID int64) bool {
	tick, err := h.timers.Current(examID)
	return err == nil && tick.Status == model.SessionStatusEnded
}

// finishLocked hands the exam's connection and progress state to the archiver
// and schedules the timer tombstone to be forgotten. The caller holds the lane.
func (h *BroadcastHub) finishLocked(examID int64, tick model.TimerTick) {
	archive := model.ExamArchive{
		ExamID:      examID,
		Timer:       tick,
		Connections: h.registry.Release(examID),
		Progress:    h.progress.Release(examID),
	}

	if h.archiver != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			defer cancel()
			if err := h.archiver.Archive(ctx, archive); err != nil {
				h.log.Error().Err(err).Int64("exam_id", examID).Msg("Archive exam failed")
			}
		}()
	}

	if h.cfg.ArchiveRetention > 0 {
		h.clock.AfterFunc(h.cfg.ArchiveRetention, func() { h.forget(examID) })
	}

	h.log.Info().
		Int64("exam_id", examID).
		Int("connections", len(archive.Connections)).
		Int("submissions", len(archive.Progress)).
		Msg("Exam ended, state released")
}

func (h *BroadcastHub) forget(examID int64) {
	l, err := h.acquire(examID)
	if err != nil {
		return
	}
	if h.timers.Forget(examID) {
		l.closed = true
		close(l.queue)
		h.lanes.CompareAndDelete(examID, l)
	}
	l.mu.Unlock()
}

// ─── Snapshots ──────────────────────────────────────────────────────

// ConnectionSnapshot returns the current connection records of an exam.
func (h *BroadcastHub) ConnectionSnapshot(examID int64) []model.ConnectionRecord {
	return h.registry.Snapshot(examID)
}

// ProgressSnapshot returns the current progress records of an exam.
func (h *BroadcastHub) ProgressSnapshot(examID int64) []model.ProgressRecord {
	return h.progress.Snapshot(examID)
}

// TimerSnapshot returns the current timer view of an exam.
func (h *BroadcastHub) TimerSnapshot(examID int64) (model.TimerTick, error) {
	return h.timers.Current(examID)
}

// ─── Announcements ──────────────────────────────────────────────────

// BroadcastSystem publishes an announcement to every client on the system topic.
func (h *BroadcastHub) BroadcastSystem(message string) error {
	l, err := h.acquire(globalLane)
	if err != nil {
		return err
	}
	defer l.mu.Unlock()
	h.enqueueLocked(l, config.Topic.System(), ws.SystemMessage{Message: message, Timestamp: h.clock.Now()})
	return nil
}

// SendUserAlert publishes an alert addressed to a single user.
func (h *BroadcastHub) SendUserAlert(userID int64, message string) error {
	l, err := h.acquire(globalLane)
	if err != nil {
		return err
	}
	defer l.mu.Unlock()
	h.enqueueLocked(l, config.Topic.UserAlerts(userID), ws.UserAlertMessage{UserID: userID, Message: message, Timestamp: h.clock.Now()})
	return nil
}

// Stats returns a copy of the delivery counters.
func (h *BroadcastHub) Stats() HubStats {
	return HubStats{
		Published: h.published.Load(),
		Dropped:   h.dropped.Load(),
		Failed:    h.failed.Load(),
		Rejected:  h.rejected.Load(),
	}
}

// Close stops the timers, flushes every lane and waits for in-flight archives.
func (h *BroadcastHub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.timers.Close()
	h.lanes.Range(func(_, v any) bool {
		l := v.(*lane)
		l.mu.Lock()
		if !l.closed {
			l.closed = true
			close(l.queue)
		}
		l.mu.Unlock()
		return true
	})
	h.wg.Wait()
	h.log.Info().Interface("stats", h.Stats()).Msg("Broadcast hub closed")
}
