package app

import (
	"assessment_backend/internal/config"
	"assessment_backend/internal/controller"
	"assessment_backend/internal/repository"
	"assessment_backend/internal/service"
	"assessment_backend/pkg/configwatcher"
	"assessment_backend/pkg/database"
	"assessment_backend/pkg/logger"
	"assessment_backend/pkg/monitoring"
	"assessment_backend/pkg/security"
	"assessment_backend/pkg/tracing"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const configDir = "configs"

type App struct {
	Config   *config.Config
	Router   *gin.Engine
	DB       *gorm.DB
	Redis    *redis.Client
	Settings *config.Settings

	services        *services
	tracer          *sdktrace.TracerProvider
	cancel          context.CancelFunc
	configCallbacks []func(*config.Config)
}

type repositories struct {
	user      *repository.UserRepository
	attempt   *repository.AttemptRepository
	answer    *repository.AnswerRepository
	question  *repository.QuestionRepository
	reviewJob *repository.ReviewJobRepository
}

type services struct {
	auth       *service.AuthService
	storage    *service.StorageService
	cache      *service.AttemptCache
	attempt    *service.AttemptService
	answer     *service.AnswerService
	antiCheat  *service.AntiCheatService
	result     *service.ResultService
	review     *service.ReviewJobService
	completion *service.CompletionService
}

type controllers struct {
	auth        *controller.AuthController
	testAttempt *controller.TestAttemptController
	health      *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		user:      repository.NewUserRepository(db),
		attempt:   repository.NewAttemptRepository(db),
		answer:    repository.NewAnswerRepository(db),
		question:  repository.NewQuestionRepository(db),
		reviewJob: repository.NewReviewJobRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, db *gorm.DB, rdb *redis.Client) *services {
	s := &services{}

	s.storage = service.NewStorageService(&cfg.Storage)
	s.auth = service.NewAuthService(repos.user, &cfg.JWT)
	s.cache = service.NewAttemptCache(rdb)

	s.attempt = service.NewAttemptService(repos.attempt, repos.answer, repos.question, a.Settings)
	s.answer = service.NewAnswerService(db, repos.attempt, repos.answer, repos.question, s.storage, a.Settings)
	s.antiCheat = service.NewAntiCheatService(db, repos.attempt, repos.question, a.Settings)
	s.result = service.NewResultService(repos.attempt, repos.answer, repos.question, s.cache, a.Settings)
	s.review = service.NewReviewJobService(repos.reviewJob, service.NewRedisReviewSink(rdb), a.Settings)
	s.completion = service.NewCompletionService(db, repos.attempt, repos.answer, repos.question, repos.user,
		s.answer, s.result, s.review, s.cache, a.Settings)

	return s
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		auth:        controller.NewAuthController(s.auth),
		testAttempt: controller.NewTestAttemptController(s.attempt, s.answer, s.antiCheat, s.completion, s.result),
		health:      controller.NewHealthController(db, rdb),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	router.Use(security.RateLimiter(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// startBackgroundTasks 审核任务推送与配置热更新，随 ctx 结束
func (a *App) startBackgroundTasks(ctx context.Context, s *services) {
	go s.review.Run(ctx)

	a.RegisterConfigCallback(func(newCfg *config.Config) {
		a.Settings.Store(newCfg.Assessment)
		logger.Log.Info("Assessment settings reloaded",
			zap.Int("max_tab_switches", newCfg.Assessment.MaxTabSwitches),
			zap.Int("normal_retries", newCfg.Assessment.NormalRetries))
	})

	go func() {
		err := configwatcher.WatchConfig(ctx, filepath.Join(configDir, "config.yaml"), func(newCfg *config.Config) {
			for _, cb := range a.configCallbacks {
				cb(newCfg)
			}
		})
		if err != nil {
			logger.Log.Error("Config watcher stopped", zap.Error(err))
		}
	}()
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database, cfg.Server.Mode)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}

	// release 模式默认不自动迁移，需显式 -migrate
	if cfg.ForceMigrate || cfg.Server.Mode != gin.ReleaseMode {
		if err := database.Migrate(db); err != nil {
			logger.Log.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	app := &App{
		Config:   cfg,
		DB:       db,
		Settings: config.NewSettings(cfg.Assessment),
	}
	if cfg.MigrateOnly {
		return app
	}

	rdb, err := database.InitRedis(context.Background(), &cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
	}
	app.Redis = rdb

	repos := app.initRepositories(db)
	services := app.initServices(repos, cfg, db, rdb)
	app.services = services
	controllers := app.initControllers(services, db, rdb)

	// 监控初始化
	monitoring.Init()

	gin.SetMode(cfg.Server.Mode)
	router := gin.Default()
	app.Router = router

	app.setupMiddlewares(router, cfg)

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("assessment-backend", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	app.registerRoutes(router, controllers, cfg)

	if cfg.Storage.Type == "local" {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.startBackgroundTasks(ctx, services)

	return app
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	go func() {
		logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")

	if a.cancel != nil {
		a.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}

	logger.Log.Info("Server exiting")
}
