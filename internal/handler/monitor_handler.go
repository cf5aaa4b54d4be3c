package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/broker"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

const keepAliveInterval = 30 * time.Second

// MonitorHandler serves the proctor dashboard: snapshots and the live SSE feed.
type MonitorHandler struct {
	hub    *service.BroadcastHub
	broker broker.Broker
	log    zerolog.Logger
}

func NewMonitorHandler(hub *service.BroadcastHub, b broker.Broker, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		hub:    hub,
		broker: b,
		log:    log.With().Str("component", "monitor_handler").Logger(),
	}
}

type monitorSnapshot struct {
	ExamID      int64                    `json:"examId"`
	Timer       *ws.TimerSyncMessage     `json:"timer"`
	Connections []model.ConnectionRecord `json:"connections"`
	Progress    []model.ProgressRecord   `json:"progress"`
}

func (h *MonitorHandler) snapshot(examID int64) monitorSnapshot {
	snap := monitorSnapshot{
		ExamID:      examID,
		Connections: h.hub.ConnectionSnapshot(examID),
		Progress:    h.hub.ProgressSnapshot(examID),
	}
	if tick, err := h.hub.TimerSnapshot(examID); err == nil {
		msg := ws.NewTimerSyncMessage(tick)
		snap.Timer = &msg
	}
	return snap
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:id/monitor
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	reqCtx := c.Request.Context()

	// Subscribe before taking the snapshot so nothing published in between is lost.
	sub, err := h.broker.Subscribe(reqCtx,
		config.Topic.ExamConnection(examID),
		config.Topic.ExamTimer(examID),
		config.Topic.ExamProgress(examID),
		config.Topic.System(),
	)
	if err != nil {
		h.log.Error().Err(err).Int64("exam_id", examID).Msg("Monitor subscribe failed")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrTransportFailure)
		return
	}
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	c.SSEvent("snapshot", h.snapshot(examID))
	c.Writer.Flush()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	h.log.Info().Int64("exam_id", examID).Msg("Admin attached to live monitor SSE")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().
				Int64("exam_id", examID).
				Uint64("dropped", sub.Dropped()).
				Msg("Admin disconnected from live monitor SSE")
			return

		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			c.SSEvent("message", ws.TopicMessage{
				Event: ws.EventMessage,
				Topic: msg.Topic,
				Data:  json.RawMessage(msg.Payload),
			})
			c.Writer.Flush()

		case <-keepAliveTicker.C:
			c.SSEvent("ping", gin.H{"timestamp": time.Now().UTC()})
			c.Writer.Flush()
		}
	}
}

// GetConnections godoc
// GET /api/v1/admin/exams/:id/connections
func (h *MonitorHandler) GetConnections(c *gin.Context) {
	examID, ok := parseExamID(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, h.hub.ConnectionSnapshot(examID))
}

// GetProgress godoc
// GET /api/v1/admin/exams/:id/progress
func (h *MonitorHandler) GetProgress(c *gin.Context) {
	examID, ok := parseExamID(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, h.hub.ProgressSnapshot(examID))
}

// parseExamID reads :id and writes the error response itself on failure.
func parseExamID(c *gin.Context) (int64, bool) {
	examID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || examID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return 0, false
	}
	return examID, true
}
