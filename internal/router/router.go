package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/handler"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	Timer   *handler.ExamTimerHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// broadcastLimiter guards the announcement endpoints; nil disables it.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	broadcastLimiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.GinMode != gin.ReleaseMode {
		router.Use(gin.Logger())
	}

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService))
	{
		ws.GET("/student/exams/:exam_id/stream", handlers.WS.ExamWebSocketStream)
	}

	// ─── 2. Admin API Group (Admin JWT) ────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService))
	{
		// Live monitoring
		monitor := middleware.RequirePermission(model.PermissionExamsMonitor)
		adminAPI.GET("/exams/:id/monitor", monitor, handlers.Monitor.MonitorExamSSE)
		adminAPI.GET("/exams/:id/connections", monitor, handlers.Monitor.GetConnections)
		adminAPI.GET("/exams/:id/progress", monitor, handlers.Monitor.GetProgress)
		adminAPI.GET("/exams/:id/timer", monitor, handlers.Timer.GetTimer)

		// Timer control
		timer := adminAPI.Group("/exams/:id/timer")
		timer.Use(middleware.RequirePermission(model.PermissionExamsControl))
		{
			timer.POST("/start", handlers.Timer.StartExam)
			timer.POST("/pause", handlers.Timer.PauseExam)
			timer.POST("/resume", handlers.Timer.ResumeExam)
			timer.POST("/end", handlers.Timer.EndExam)
			timer.POST("/sync", handlers.Timer.SyncTimer)
		}

		// Announcements
		announce := adminAPI.Group("")
		announce.Use(middleware.RequirePermission(model.PermissionSystemBroadcast))
		if broadcastLimiter != nil {
			announce.Use(broadcastLimiter.Middleware())
		}
		{
			announce.POST("/system/broadcast", handlers.System.Broadcast)
			announce.POST("/users/:id/alerts", handlers.System.SendUserAlert)
		}

		// System Monitoring
		adminAPI.GET("/system/stats",
			middleware.RequirePermission(model.PermissionSystemRead),
			handlers.System.Stats,
		)
	}

	return router
}
