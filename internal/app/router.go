package app

import (
	"assessment_backend/internal/config"
	"assessment_backend/internal/middleware"
	"assessment_backend/pkg/monitoring"
	"assessment_backend/pkg/security"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	a.registerPublicRoutes(router, c, cfg)

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(&cfg.JWT))
	{
		authGroup.GET("/me", c.auth.Me)
		a.registerTestRoutes(authGroup, c)
	}
}

func (a *App) registerPublicRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
		public.POST("/login", c.auth.Login)

		// 令牌失效时的应急提交，单独限流
		emergencyLimit := security.RateLimiter(cfg.RateLimit.EmergencyMaxRequests, time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute)
		public.POST("/tests/attempts/:id/emergency-complete-no-auth", emergencyLimit, c.testAttempt.EmergencyCompleteNoAuth)
	}
}

func (a *App) registerTestRoutes(group *gin.RouterGroup, c *controllers) {
	tests := group.Group("/tests")
	{
		tests.POST("/start", c.testAttempt.StartTest)
		tests.GET("/my-attempts", c.testAttempt.MyAttempts)
		tests.GET("/:test_id/session", c.testAttempt.GetActiveSession)

		attempts := tests.Group("/attempts/:id")
		{
			attempts.POST("/answers", c.testAttempt.SaveAnswer)
			attempts.POST("/auto-save", c.testAttempt.AutoSave)
			attempts.POST("/bulk-save", c.testAttempt.BulkSave)
			attempts.POST("/answer-file", c.testAttempt.UploadAnswerFile)
			attempts.POST("/violations", c.testAttempt.RecordViolation)
			attempts.POST("/complete", c.testAttempt.Complete)
			attempts.POST("/emergency-complete", c.testAttempt.EmergencyComplete)
			attempts.POST("/auto-complete-expired", c.testAttempt.AutoCompleteExpired)
			attempts.GET("/heartbeat", c.testAttempt.Heartbeat)
			attempts.POST("/heartbeat", c.testAttempt.Heartbeat)
			attempts.GET("/recover", c.testAttempt.Recover)
			attempts.GET("/result", c.testAttempt.Result)
		}
	}
}
