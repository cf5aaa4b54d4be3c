package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/validator"
)

// SystemHandler serves announcements and delivery statistics.
type SystemHandler struct {
	hub       *service.BroadcastHub
	rdb       *redis.Client // nil in memory transport mode
	sessions  func() int
	startTime time.Time
	log       zerolog.Logger
}

// NewSystemHandler creates a SystemHandler. sessions reports open student sockets.
func NewSystemHandler(hub *service.BroadcastHub, rdb *redis.Client, sessions func() int, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		hub:       hub,
		rdb:       rdb,
		sessions:  sessions,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type announcementRequest struct {
	Message string `json:"message" binding:"required,max=1000"`
}

// Broadcast godoc
// POST /api/v1/admin/system/broadcast
func (h *SystemHandler) Broadcast(c *gin.Context) {
	var req announcementRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.hub.BroadcastSystem(req.Message); err != nil {
		writeServiceError(c, h.log, err)
		return
	}

	evt := h.log.Info()
	if claims := middleware.GetClaims(c); claims != nil {
		evt = evt.Int64("admin_id", claims.UserID)
	}
	evt.Msg("System announcement queued")

	response.Success(c, http.StatusAccepted, gin.H{"queued": true})
}

// SendUserAlert godoc
// POST /api/v1/admin/users/:id/alerts
func (h *SystemHandler) SendUserAlert(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req announcementRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.hub.SendUserAlert(userID, req.Message); err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{"queued": true})
}

type systemStats struct {
	Uptime         string           `json:"uptime"`
	Hub            service.HubStats `json:"hub"`
	ActiveSessions int              `json:"active_sessions"`
	ArchiveQueue   int64            `json:"archive_queue"`
	Goroutines     int              `json:"goroutines"`
	HeapAlloc      uint64           `json:"heap_alloc"`
	NumGC          uint32           `json:"num_gc"`
	GoVersion      string           `json:"go_version"`
}

// Stats godoc
// GET /api/v1/admin/system/stats
func (h *SystemHandler) Stats(c *gin.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := systemStats{
		Uptime:     formatDuration(time.Since(h.startTime)),
		Hub:        h.hub.Stats(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		NumGC:      ms.NumGC,
		GoVersion:  runtime.Version(),
	}
	if h.sessions != nil {
		s.ActiveSessions = h.sessions()
	}
	if h.rdb != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		n, err := h.rdb.LLen(ctx, config.WorkerKey.ArchiveExamQueue).Result()
		if err != nil {
			h.log.Warn().Err(err).Msg("Archive queue length unavailable")
		}
		s.ArchiveQueue = n
	}

	response.Success(c, http.StatusOK, s)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
