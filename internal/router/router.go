package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	StudentExam *handler.StudentExamHandler
	Session     *handler.SessionHandler
	Candidate   *handler.CandidateHandler
	Monitor     *handler.MonitorHandler
	System      *handler.SystemHandler
	Gateway     *gateway.Gateway
}

// Limiters are the per-key rate limiters applied to candidate traffic.
type Limiters struct {
	Handshake *middleware.RateLimiter
	Student   *middleware.RateLimiter
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	limiters *Limiters,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(metrics.Middleware())
	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// ─── 1. Student Group (JWT + token version) ────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(authService),
		limiters.Student.Middleware(),
		middleware.NoStore(),
	)
	{
		studentAPI.GET("/enrollment", handlers.StudentExam.GetEnrollment)
		studentAPI.GET("/exam/status", handlers.StudentExam.GetStatus)
		studentAPI.GET("/exam/questions/:page", handlers.StudentExam.GetQuestion)
		studentAPI.GET("/exam/answers", handlers.StudentExam.GetAnswers)
		studentAPI.PUT("/exam/answers/:question_id", handlers.StudentExam.SubmitAnswer)
		studentAPI.DELETE("/exam/answers/:question_id", handlers.StudentExam.ClearAnswer)
		studentAPI.POST("/exam/submit", handlers.StudentExam.SubmitExam)
	}

	// ─── 2. WebSocket (authenticates inside the connection) ────────────
	ws := router.Group("/ws/v1")
	ws.Use(limiters.Handshake.Middleware())
	{
		ws.GET("/student/exam", handlers.Gateway.ExamStream)
	}

	// ─── 3. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService))
	{
		adminAPI.POST("/sessions",
			middleware.RequirePermission(model.PermissionSessionsWrite),
			handlers.Session.CreateSession,
		)
		adminAPI.GET("/sessions/closest",
			middleware.RequirePermission(model.PermissionSessionsRead),
			handlers.Session.GetClosestSession,
		)
		adminAPI.GET("/sessions/:id",
			middleware.RequirePermission(model.PermissionSessionsRead),
			handlers.Session.GetSession,
		)
		adminAPI.POST("/sessions/:id/enrollments",
			middleware.RequirePermission(model.PermissionSessionsWrite),
			handlers.Session.EnrollCandidates,
		)
		adminAPI.PUT("/sessions/:id/duration",
			middleware.RequirePermission(model.PermissionSessionsWrite),
			handlers.Session.ChangeDuration,
		)
		adminAPI.GET("/sessions/:id/monitor",
			middleware.RequireAnyPermission(model.PermissionSessionsRead, model.PermissionSessionsControl),
			handlers.Monitor.MonitorSessionSSE,
		)

		// Lifecycle commands are applied asynchronously by the command worker.
		control := middleware.RequirePermission(model.PermissionSessionsControl)
		adminAPI.POST("/sessions/:id/pause", control, handlers.Session.SessionCommand(worker.CommandPause))
		adminAPI.POST("/sessions/:id/resume", control, handlers.Session.SessionCommand(worker.CommandResume))
		adminAPI.POST("/sessions/:id/cancel", control, handlers.Session.SessionCommand(worker.CommandCancel))
		adminAPI.POST("/sessions/:id/complete", control, handlers.Session.SessionCommand(worker.CommandComplete))

		adminAPI.POST("/candidates/:id/revoke",
			middleware.RequirePermission(model.PermissionCandidatesRevoke),
			handlers.Candidate.RevokeTokens,
		)

		// System Monitoring
		adminAPI.GET("/system/metrics",
			handlers.System.SystemMetricsSSE, // Open to all admins
		)
	}

	return router
}
