package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	// CompletionCounter 按提交策略与结果统计（won / already_completed / lost_race / error）
	CompletionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessment_completions_total",
			Help: "Attempt completion calls by policy and outcome",
		},
		[]string{"policy", "outcome"},
	)

	CompletionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessment_completion_retries_total",
			Help: "Retried completion tries by policy",
		},
		[]string{"policy"},
	)

	ViolationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessment_violations_total",
			Help: "Reported anti-cheat violations by kind",
		},
		[]string{"kind"},
	)

	AnswerSaveCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessment_answer_saves_total",
			Help: "Answer saves by mode (save, auto, bulk, file) and result",
		},
		[]string{"mode", "result"},
	)

	ReviewJobCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessment_review_jobs_total",
			Help: "Review hand-off jobs by final status",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			CompletionCounter,
			CompletionRetries,
			ViolationCounter,
			AnswerSaveCounter,
			ReviewJobCounter,
		)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		RequestCounter.WithLabelValues(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			endpoint,
		).Observe(time.Since(start).Seconds())
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
