package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/validator"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

// ExamTimerHandler exposes proctor control over the authoritative exam countdown.
type ExamTimerHandler struct {
	hub   *service.BroadcastHub
	clock clockwork.Clock
	log   zerolog.Logger
}

func NewExamTimerHandler(hub *service.BroadcastHub, clock clockwork.Clock, log zerolog.Logger) *ExamTimerHandler {
	return &ExamTimerHandler{
		hub:   hub,
		clock: clock,
		log:   log.With().Str("component", "exam_timer_handler").Logger(),
	}
}

// StartExam godoc
// POST /api/v1/admin/exams/:id/timer/start
func (h *ExamTimerHandler) StartExam(c *gin.Context) {
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	var req model.StartExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	start := h.clock.Now()
	if req.StartTime != nil {
		start = *req.StartTime
	}
	var end time.Time
	if req.EndTime != nil {
		end = *req.EndTime
	} else {
		end = start.Add(time.Duration(req.DurationMinutes) * time.Minute)
	}

	tick, err := h.hub.StartExam(examID, start, end)
	h.respond(c, examID, "start", tick, err)
}

// PauseExam godoc
// POST /api/v1/admin/exams/:id/timer/pause
func (h *ExamTimerHandler) PauseExam(c *gin.Context) {
	h.transition(c, "pause", h.hub.PauseExam)
}

// ResumeExam godoc
// POST /api/v1/admin/exams/:id/timer/resume
func (h *ExamTimerHandler) ResumeExam(c *gin.Context) {
	h.transition(c, "resume", h.hub.ResumeExam)
}

// EndExam godoc
// POST /api/v1/admin/exams/:id/timer/end
func (h *ExamTimerHandler) EndExam(c *gin.Context) {
	h.transition(c, "end", h.hub.EndExam)
}

// SyncTimer godoc
// POST /api/v1/admin/exams/:id/timer/sync
func (h *ExamTimerHandler) SyncTimer(c *gin.Context) {
	h.transition(c, "sync", h.hub.SyncTimer)
}

// GetTimer godoc
// GET /api/v1/admin/exams/:id/timer
func (h *ExamTimerHandler) GetTimer(c *gin.Context) {
	examID, ok := parseExamID(c)
	if !ok {
		return
	}
	tick, err := h.hub.TimerSnapshot(examID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}
	response.Success(c, http.StatusOK, ws.NewTimerSyncMessage(tick))
}

func (h *ExamTimerHandler) transition(c *gin.Context, action string, op func(int64) (model.TimerTick, error)) {
	examID, ok := parseExamID(c)
	if !ok {
		return
	}
	tick, err := op(examID)
	h.respond(c, examID, action, tick, err)
}

func (h *ExamTimerHandler) respond(c *gin.Context, examID int64, action string, tick model.TimerTick, err error) {
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}

	evt := h.log.Info().Int64("exam_id", examID).Str("action", action).Str("status", string(tick.Status))
	if claims := middleware.GetClaims(c); claims != nil {
		evt = evt.Int64("admin_id", claims.UserID)
	}
	evt.Msg("Exam timer changed")

	response.Success(c, http.StatusOK, ws.NewTimerSyncMessage(tick))
}

// writeServiceError maps hub errors onto the HTTP error envelope.
func writeServiceError(c *gin.Context, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrRejectedTransition):
		response.Fail(c, http.StatusConflict, response.ErrRejectedTransition)
	case errors.Is(err, service.ErrInvalidSchedule), errors.Is(err, service.ErrInvalidProgress):
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{"detail": err.Error()})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
