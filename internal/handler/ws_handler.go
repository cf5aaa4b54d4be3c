package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/broker"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/validator"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

const identityLookupTimeout = 2 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// StudentResolver resolves the display identity of a student.
type StudentResolver interface {
	Lookup(ctx context.Context, studentID int64) (model.Student, error)
}

// WSHandler is the student-facing gateway. It feeds connection and progress
// events into the hub and forwards the exam's timer topic back to the socket.
type WSHandler struct {
	hub        *service.BroadcastHub
	broker     broker.Broker
	students   StudentResolver
	log        zerolog.Logger
	upgrader   websocket.Upgrader
	sendBuffer int

	clients sync.Map // sessionID → *ws.Client
}

// NewWSHandler creates a new WSHandler and registers it as the hub's session closer.
func NewWSHandler(hub *service.BroadcastHub, b broker.Broker, students StudentResolver, log zerolog.Logger, allowedOrigins []string, sendBuffer int) *WSHandler {
	h := &WSHandler{
		hub:        hub,
		broker:     b,
		students:   students,
		log:        log.With().Str("component", "ws_handler").Logger(),
		upgrader:   buildUpgrader(allowedOrigins),
		sendBuffer: sendBuffer,
	}
	hub.SetSessionCloser(h)
	return h
}

// CloseSession closes the socket of a session the hub no longer considers live.
func (h *WSHandler) CloseSession(sessionID, reason string) {
	v, ok := h.clients.Load(sessionID)
	if !ok {
		return
	}
	h.log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("Closing session")
	v.(*ws.Client).Close(reason)
}

// ActiveSessions returns the number of sockets currently held by this gateway.
func (h *WSHandler) ActiveSessions() int {
	n := 0
	h.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ExamWebSocketStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
// Upgrades to WebSocket for timer sync, heartbeats and progress reports.
func (h *WSHandler) ExamWebSocketStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := strconv.ParseInt(c.Param("exam_id"), 10, 64)
	if err != nil || examID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if tick, err := h.hub.TimerSnapshot(examID); err == nil && tick.Status == model.SessionStatusEnded {
		response.Fail(c, http.StatusConflict, response.ErrExamEnded)
		return
	}

	identity := h.resolveIdentity(c.Request.Context(), claims)
	ip := c.ClientIP()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sessionID := uuid.New().String()
	client := ws.NewClient(conn, sessionID, h.sendBuffer)
	h.clients.Store(sessionID, client)

	wsLog := h.log.With().
		Int64("student_id", claims.UserID).
		Int64("exam_id", examID).
		Str("session_id", sessionID).
		Logger()

	// Hijacked connections outlive the request context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defer func() {
		h.clients.CompareAndDelete(sessionID, client)
		h.hub.Disconnect(sessionID)
		client.Close("bye")
	}()

	_, err = h.hub.Connect(model.ConnectRequest{
		ExamID:       examID,
		StudentID:    claims.UserID,
		StudentName:  identity.Name,
		StudentEmail: identity.Email,
		SessionID:    sessionID,
		IPAddress:    ip,
	})
	if err != nil {
		wsLog.Warn().Err(err).Msg("Connect rejected")
		_ = client.SendError("exam is not accepting connections")
		return
	}

	sub, err := h.broker.Subscribe(ctx,
		config.Topic.ExamTimer(examID),
		config.Topic.UserAlerts(claims.UserID),
		config.Topic.System(),
	)
	if err != nil {
		wsLog.Error().Err(err).Msg("Subscribe failed")
		_ = client.SendError("live updates unavailable")
		return
	}
	defer sub.Close()

	// Late joiners get the current countdown instead of waiting for the next tick.
	if tick, err := h.hub.TimerSnapshot(examID); err == nil {
		if payload, err := json.Marshal(ws.NewTimerSyncMessage(tick)); err == nil {
			_ = client.Forward(config.Topic.ExamTimer(examID), payload)
		}
	}

	go h.forward(client, sub, wsLog)

	wsLog.Info().Msg("Student connected")

	for {
		var raw json.RawMessage
		if err := client.ReadJSON(&raw); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		h.hub.Heartbeat(sessionID)

		var env ws.RequestEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = client.SendError("malformed message")
			continue
		}

		switch env.Action {
		case ws.ActionPing:
			_ = client.Send(ws.PongResponse{Event: ws.EventPong})
		case ws.ActionProgress:
			h.handleProgress(client, wsLog, examID, claims.UserID, identity, raw)
		default:
			wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			_ = client.SendError("unknown action: " + string(env.Action))
		}
	}
}

func (h *WSHandler) handleProgress(client *ws.Client, wsLog zerolog.Logger, examID, studentID int64, identity model.Student, raw json.RawMessage) {
	var req ws.ProgressRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		_ = client.SendError("malformed progress payload")
		return
	}
	if fields := validator.Struct(&req); fields != nil {
		for field, msg := range fields {
			_ = client.SendError(field + ": " + msg)
			break
		}
		return
	}

	rec, err := h.hub.RecordProgress(model.ProgressEvent{
		ExamID:            examID,
		SubmissionID:      req.SubmissionID,
		StudentID:         studentID,
		StudentName:       identity.Name,
		StudentEmail:      identity.Email,
		TotalQuestions:    req.TotalQuestions,
		AnsweredQuestions: req.AnsweredQuestions,
		Status:            req.Status,
	})
	switch {
	case err == nil:
		_ = client.Send(ws.AcceptedResponse{
			Event:        ws.EventAccepted,
			SubmissionID: rec.SubmissionID,
			Completion:   rec.CompletionPercentage,
		})
	case errors.Is(err, service.ErrRejectedTransition):
		_ = client.SendError("progress rejected: submission is closed")
	case errors.Is(err, service.ErrInvalidProgress):
		_ = client.SendError("invalid progress status")
	default:
		wsLog.Error().Err(err).Msg("Record progress failed")
		_ = client.SendError("progress not recorded")
	}
}

// forward relays subscribed topic messages to the socket until either side closes.
func (h *WSHandler) forward(client *ws.Client, sub *broker.Subscription, wsLog zerolog.Logger) {
	for {
		select {
		case <-client.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := client.Forward(msg.Topic, msg.Payload); err != nil {
				if errors.Is(err, ws.ErrClientClosed) {
					return
				}
				wsLog.Warn().Err(err).Str("topic", msg.Topic).Msg("Dropped message for slow client")
			}
		}
	}
}

// resolveIdentity prefers the student directory and falls back to the token's claims.
func (h *WSHandler) resolveIdentity(ctx context.Context, claims *service.Claims) model.Student {
	fallback := model.Student{ID: claims.UserID, Name: claims.Name, Email: claims.Email}
	if h.students == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, identityLookupTimeout)
	defer cancel()

	s, err := h.students.Lookup(ctx, claims.UserID)
	if err != nil {
		h.log.Warn().Err(err).Int64("student_id", claims.UserID).Msg("Student lookup failed, using token identity")
		return fallback
	}
	return s
}
