package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
)

// DefaultTickInterval is used when the coordinator is built with a non-positive interval.
const DefaultTickInterval = 5 * time.Second

type examTimer struct {
	mu      sync.Mutex
	session model.ExamSession
	// pausedRemaining is the unrounded time left when the exam was paused.
	pausedRemaining time.Duration
	stop            chan struct{}
	stopped         bool
}

func (t *examTimer) cancel() {
	if !t.stopped {
		t.stopped = true
		close(t.stop)
	}
}

// TimerCoordinator owns the single authoritative countdown of every exam.
//
// Each started exam gets one ticker goroutine. The goroutine only signals the
// tick handler; the handler is expected to call Tick, which is where remaining
// time is computed and the automatic ACTIVE → ENDED transition happens.
type TimerCoordinator struct {
	clock    clockwork.Clock
	interval time.Duration
	timers   sync.Map // int64 → *examTimer
	log      zerolog.Logger

	handlerMu sync.RWMutex
	handler   func(examID int64)

	wg sync.WaitGroup
}

// NewTimerCoordinator creates a coordinator ticking every interval.
func NewTimerCoordinator(clock clockwork.Clock, interval time.Duration, log zerolog.Logger) *TimerCoordinator {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &TimerCoordinator{
		clock:    clock,
		interval: interval,
		log:      log.With().Str("component", "timer_coordinator").Logger(),
	}
}

// Interval returns the tick period.
func (c *TimerCoordinator) Interval() time.Duration {
	return c.interval
}

// SetTickHandler installs the function called on every scheduled tick.
// It is called without any coordinator lock held.
func (c *TimerCoordinator) SetTickHandler(fn func(examID int64)) {
	c.handlerMu.Lock()
	c.handler = fn
	c.handlerMu.Unlock()
}

func (c *TimerCoordinator) fire(examID int64) {
	c.handlerMu.RLock()
	fn := c.handler
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(examID)
		return
	}
	_, _ = c.Tick(examID)
}

func (c *TimerCoordinator) lookup(examID int64) (*examTimer, error) {
	v, ok := c.timers.Load(examID)
	if !ok {
		return nil, fmt.Errorf("%w: exam %d has no timer", ErrRejectedTransition, examID)
	}
	return v.(*examTimer), nil
}

// Start creates an ACTIVE session and schedules its ticks. A start with less
// than a second left ends immediately and is not scheduled.
func (c *TimerCoordinator) Start(examID int64, startTime, endTime time.Time) (model.TimerTick, error) {
	if !endTime.After(startTime) {
		return model.TimerTick{}, fmt.Errorf("%w: end %s is not after start %s",
			ErrInvalidSchedule, endTime.Format(time.RFC3339), startTime.Format(time.RFC3339))
	}

	t := &examTimer{
		session: model.ExamSession{
			ExamID:    examID,
			StartTime: startTime,
			EndTime:   endTime,
			Status:    model.SessionStatusActive,
		},
		stop: make(chan struct{}),
	}
	if _, loaded := c.timers.LoadOrStore(examID, t); loaded {
		return model.TimerTick{}, fmt.Errorf("%w: exam %d already started", ErrRejectedTransition, examID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tick := c.tickLocked(t, c.clock.Now())
	if tick.Status == model.SessionStatusEnded {
		return tick, nil
	}

	ticker := c.clock.NewTicker(c.interval)
	c.wg.Add(1)
	go c.schedule(examID, ticker, t.stop)

	c.log.Info().
		Int64("exam_id", examID).
		Time("end_time", endTime).
		Dur("interval", c.interval).
		Msg("Exam timer started")
	return tick, nil
}

func (c *TimerCoordinator) schedule(examID int64, ticker clockwork.Ticker, stop <-chan struct{}) {
	defer c.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			select {
			case <-stop:
				return
			default:
			}
			c.fire(examID)
		case <-stop:
			return
		}
	}
}

// Pause freezes the remaining time. Only an ACTIVE exam can be paused; an
// exam whose time ran out ends instead and its terminal tick is returned.
func (c *TimerCoordinator) Pause(examID int64) (model.TimerTick, error) {
	t, err := c.lookup(examID)
	if err != nil {
		return model.TimerTick{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session.Status != model.SessionStatusActive {
		return model.TimerTick{}, fmt.Errorf("%w: cannot pause exam %d in %s", ErrRejectedTransition, examID, t.session.Status)
	}

	now := c.clock.Now()
	if timeUp(t.session.EndTime, now) {
		return c.endLocked(t, now), nil
	}
	remaining := remainingSeconds(t.session.EndTime, now)
	t.session.Status = model.SessionStatusPaused
	t.session.PausedRemainingSeconds = remaining
	t.pausedRemaining = t.session.EndTime.Sub(now)

	c.log.Info().Int64("exam_id", examID).Int64("remaining_seconds", remaining).Msg("Exam timer paused")
	return c.viewLocked(t, now), nil
}

// Resume restarts a PAUSED exam with endTime = now + the exact time left at pause.
func (c *TimerCoordinator) Resume(examID int64) (model.TimerTick, error) {
	t, err := c.lookup(examID)
	if err != nil {
		return model.TimerTick{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session.Status != model.SessionStatusPaused {
		return model.TimerTick{}, fmt.Errorf("%w: cannot resume exam %d in %s", ErrRejectedTransition, examID, t.session.Status)
	}

	now := c.clock.Now()
	t.session.EndTime = now.Add(t.pausedRemaining)
	t.session.Status = model.SessionStatusActive
	t.session.PausedRemainingSeconds = 0
	t.pausedRemaining = 0

	c.log.Info().Int64("exam_id", examID).Time("end_time", t.session.EndTime).Msg("Exam timer resumed")
	return c.tickLocked(t, now), nil
}

// ForceEnd ends an ACTIVE or PAUSED exam, cancels its ticks and returns the final tick.
func (c *TimerCoordinator) ForceEnd(examID int64) (model.TimerTick, error) {
	t, err := c.lookup(examID)
	if err != nil {
		return model.TimerTick{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session.Status == model.SessionStatusEnded {
		return model.TimerTick{}, fmt.Errorf("%w: exam %d already ended", ErrRejectedTransition, examID)
	}
	c.log.Info().Int64("exam_id", examID).Msg("Exam force ended")
	return c.endLocked(t, c.clock.Now()), nil
}

// Tick computes the current tick. An ACTIVE exam with under a second left ends here;
// an ENDED exam is rejected so nothing is emitted after the terminal tick.
func (c *TimerCoordinator) Tick(examID int64) (model.TimerTick, error) {
	t, err := c.lookup(examID)
	if err != nil {
		return model.TimerTick{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session.Status == model.SessionStatusEnded {
		return model.TimerTick{}, fmt.Errorf("%w: exam %d already ended", ErrRejectedTransition, examID)
	}
	return c.tickLocked(t, c.clock.Now()), nil
}

// Current returns the present view of an exam timer without mutating it.
func (c *TimerCoordinator) Current(examID int64) (model.TimerTick, error) {
	t, err := c.lookup(examID)
	if err != nil {
		return model.TimerTick{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return c.viewLocked(t, c.clock.Now()), nil
}

// Forget drops the tombstone of an ENDED exam. Live exams are left untouched.
func (c *TimerCoordinator) Forget(examID int64) bool {
	t, err := c.lookup(examID)
	if err != nil {
		return false
	}
	t.mu.Lock()
	ended := t.session.Status == model.SessionStatusEnded
	t.mu.Unlock()
	if !ended {
		return false
	}
	c.timers.Delete(examID)
	return true
}

// Close cancels every schedule and waits for the ticker goroutines to exit.
func (c *TimerCoordinator) Close() {
	c.timers.Range(func(_, v any) bool {
		t := v.(*examTimer)
		t.mu.Lock()
		t.cancel()
		t.mu.Unlock()
		return true
	})
	c.wg.Wait()
}

func (c *TimerCoordinator) tickLocked(t *examTimer, now time.Time) model.TimerTick {
	if t.session.Status == model.SessionStatusActive && timeUp(t.session.EndTime, now) {
		c.log.Info().Int64("exam_id", t.session.ExamID).Msg("Exam time is up")
		return c.endLocked(t, now)
	}
	return c.viewLocked(t, now)
}

func (c *TimerCoordinator) endLocked(t *examTimer, now time.Time) model.TimerTick {
	t.session.Status = model.SessionStatusEnded
	t.session.PausedRemainingSeconds = 0
	t.pausedRemaining = 0
	t.cancel()
	return c.viewLocked(t, now)
}

func (c *TimerCoordinator) viewLocked(t *examTimer, now time.Time) model.TimerTick {
	tick := model.TimerTick{
		ExamID:    t.session.ExamID,
		StartTime: t.session.StartTime,
		EndTime:   t.session.EndTime,
		Status:    t.session.Status,
		Timestamp: now,
	}
	switch t.session.Status {
	case model.SessionStatusActive:
		tick.RemainingSeconds = remainingSeconds(t.session.EndTime, now)
	case model.SessionStatusPaused:
		tick.RemainingSeconds = t.session.PausedRemainingSeconds
	}
	return tick
}

// timeUp reports whether less than one whole second is left, i.e. the floored
// remaining time has reached 0.
func timeUp(end, now time.Time) bool {
	return end.Sub(now) < time.Second
}

// remainingSeconds is max(0, end-now) floored to whole seconds.
func remainingSeconds(end, now time.Time) int64 {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
