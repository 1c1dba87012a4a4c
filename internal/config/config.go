package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	Storage    StorageConfig
	Tracing    TracingConfig `mapstructure:"tracing"`
	Redis      RedisConfig
	CORS       CORSConfig       `mapstructure:"cors"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Log        LogConfig        `mapstructure:"log"`
	Assessment AssessmentConfig `mapstructure:"assessment"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	ForceMigrate bool `mapstructure:"-"`
	MigrateOnly  bool `mapstructure:"-"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowMinutes int `mapstructure:"window_minutes"`
	// 无鉴权紧急提交接口单独限流
	EmergencyMaxRequests int `mapstructure:"emergency_max_requests"`
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool
}

type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	ExpireTime time.Duration `mapstructure:"expire_hours"`
}

type StorageConfig struct {
	Type          string `mapstructure:"type"`
	LocalPath     string `mapstructure:"local_path"`
	MinioEndpoint string `mapstructure:"minio_endpoint"`
	MinioAccessID string `mapstructure:"minio_access_key"`
	MinioSecret   string `mapstructure:"minio_secret_key"`
	MinioBucket   string `mapstructure:"minio_bucket"`
	OSSEndpoint   string `mapstructure:"oss_endpoint"`
	OSSAccessKey  string `mapstructure:"oss_access_key"`
	OSSSecretKey  string `mapstructure:"oss_secret_key"`
	OSSBucket     string `mapstructure:"oss_bucket"`
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LogConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// AssessmentConfig 答题引擎参数，支持热更新
type AssessmentConfig struct {
	MaxTabSwitches        int     `mapstructure:"max_tab_switches"`
	MaxFullscreenExits    int     `mapstructure:"max_fullscreen_exits"`
	PassingRatio          float64 `mapstructure:"passing_ratio"`
	ExpiryGraceSeconds    int     `mapstructure:"expiry_grace_seconds"`
	NormalRetries         int     `mapstructure:"normal_retries"`
	NormalBackoffMs       int     `mapstructure:"normal_backoff_ms"`
	EmergencyRetries      int     `mapstructure:"emergency_retries"`
	EmergencyBackoffMs    int     `mapstructure:"emergency_backoff_ms"`
	HeartbeatTTLSeconds   int     `mapstructure:"heartbeat_ttl_seconds"`
	ResultCacheTTLMinutes int     `mapstructure:"result_cache_ttl_minutes"`
	ReviewMaxRetries      int     `mapstructure:"review_max_retries"`
	ReviewPollSeconds     int     `mapstructure:"review_poll_seconds"`
}

// DefaultAssessmentConfig 未配置时的默认值
func DefaultAssessmentConfig() AssessmentConfig {
	return AssessmentConfig{
		MaxTabSwitches:        3,
		MaxFullscreenExits:    2,
		PassingRatio:          0.5,
		ExpiryGraceSeconds:    60,
		NormalRetries:         3,
		NormalBackoffMs:       500,
		EmergencyRetries:      5,
		EmergencyBackoffMs:    1000,
		HeartbeatTTLSeconds:   120,
		ResultCacheTTLMinutes: 24 * 60,
		ReviewMaxRetries:      5,
		ReviewPollSeconds:     30,
	}
}

func (a AssessmentConfig) NormalBackoff() time.Duration {
	return time.Duration(a.NormalBackoffMs) * time.Millisecond
}

func (a AssessmentConfig) EmergencyBackoff() time.Duration {
	return time.Duration(a.EmergencyBackoffMs) * time.Millisecond
}

func (a AssessmentConfig) ExpiryGrace() time.Duration {
	return time.Duration(a.ExpiryGraceSeconds) * time.Second
}

// withDefaults 用默认值填充未设置（<=0）的字段
func (a AssessmentConfig) withDefaults() AssessmentConfig {
	d := DefaultAssessmentConfig()
	if a.MaxTabSwitches <= 0 {
		a.MaxTabSwitches = d.MaxTabSwitches
	}
	if a.MaxFullscreenExits <= 0 {
		a.MaxFullscreenExits = d.MaxFullscreenExits
	}
	if a.PassingRatio <= 0 || a.PassingRatio > 1 {
		a.PassingRatio = d.PassingRatio
	}
	if a.ExpiryGraceSeconds <= 0 {
		a.ExpiryGraceSeconds = d.ExpiryGraceSeconds
	}
	if a.NormalRetries <= 0 {
		a.NormalRetries = d.NormalRetries
	}
	if a.NormalBackoffMs <= 0 {
		a.NormalBackoffMs = d.NormalBackoffMs
	}
	if a.EmergencyRetries <= 0 {
		a.EmergencyRetries = d.EmergencyRetries
	}
	if a.EmergencyBackoffMs <= 0 {
		a.EmergencyBackoffMs = d.EmergencyBackoffMs
	}
	if a.HeartbeatTTLSeconds <= 0 {
		a.HeartbeatTTLSeconds = d.HeartbeatTTLSeconds
	}
	if a.ResultCacheTTLMinutes <= 0 {
		a.ResultCacheTTLMinutes = d.ResultCacheTTLMinutes
	}
	if a.ReviewMaxRetries <= 0 {
		a.ReviewMaxRetries = d.ReviewMaxRetries
	}
	if a.ReviewPollSeconds <= 0 {
		a.ReviewPollSeconds = d.ReviewPollSeconds
	}
	return a
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("ASSESSMENT")
	v.AutomaticEnv()

	// Database
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME")

	// JWT
	v.BindEnv("jwt.secret", "JWT_SECRET")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	v.BindEnv("server.mode", "SERVER_MODE")

	// Storage
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.oss_endpoint", "OSS_ENDPOINT")
	v.BindEnv("storage.oss_access_key", "OSS_ACCESS_KEY")
	v.BindEnv("storage.oss_secret_key", "OSS_SECRET_KEY")
	v.BindEnv("storage.oss_bucket", "OSS_BUCKET")
	v.BindEnv("storage.minio_endpoint", "MINIO_ENDPOINT")
	v.BindEnv("storage.minio_access_key", "MINIO_ACCESS_KEY")
	v.BindEnv("storage.minio_secret_key", "MINIO_SECRET_KEY")
	v.BindEnv("storage.minio_bucket", "MINIO_BUCKET")

	// Tracing
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.JWT.ExpireTime = cfg.JWT.ExpireTime * time.Hour
	cfg.Assessment = cfg.Assessment.withDefaults()

	if cfg.Log.Filename == "" {
		cfg.Log.Filename = "logs/app.log"
	}
	if cfg.RateLimit.MaxRequests <= 0 {
		cfg.RateLimit.MaxRequests = 100000
	}
	if cfg.RateLimit.WindowMinutes <= 0 {
		cfg.RateLimit.WindowMinutes = 1
	}
	if cfg.RateLimit.EmergencyMaxRequests <= 0 {
		cfg.RateLimit.EmergencyMaxRequests = 30
	}

	// 生产环境校验 JWT Secret 强度
	if cfg.Server.Mode == "release" && len(cfg.JWT.Secret) < 32 {
		return nil, fmt.Errorf("JWT secret is too short (%d chars), must be at least 32 characters in release mode", len(cfg.JWT.Secret))
	}

	if cfg.Storage.Type == "local" {
		if _, err := os.Stat(cfg.Storage.LocalPath); os.IsNotExist(err) {
			os.MkdirAll(cfg.Storage.LocalPath, 0755)
		}
	}

	return &cfg, nil
}
