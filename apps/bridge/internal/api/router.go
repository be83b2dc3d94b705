package api

import (
	"context"
	"net/http"
	"time"

	"bridgex.com/pkg/middleware"
	"bridgex.com/pkg/ratelimit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
)

type Config struct {
	Addr        string
	ServiceName string
	RPS         float64 // 单 IP 每秒请求数
	Burst       int
}

// NewRouter 注册中间件和路由，限流 janitor 跟着 ctx 退出
func NewRouter(ctx context.Context, c Config, h *Handler) *gin.Engine {
	if c.RPS <= 0 {
		c.RPS = 50
	}
	if c.Burst <= 0 {
		c.Burst = 100
	}
	if c.ServiceName == "" {
		c.ServiceName = "bridge-syncer"
	}

	// 限流
	store := ratelimit.NewStore(rate.Limit(c.RPS), c.Burst, 10*time.Minute)
	store.StartJanitor(ctx, time.Minute)

	r := gin.New()
	// 监控，url 按路由模板打标签，防止 tx hash 把基数撑爆
	p := ginprom.NewPrometheus("bridge_http")
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
		if path := c.FullPath(); path != "" {
			return path
		}
		return "unmatched"
	}
	p.Use(r)

	r.Use(
		otelgin.Middleware(c.ServiceName),
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
		middleware.RateLimit(store),
	)

	r.GET("/healthz", h.Healthz)
	v1 := r.Group("/v1")
	{
		v1.GET("/status", h.Status)
		v1.GET("/balances/:account", h.Balance)
		v1.GET("/deposits/:txHash", h.Deposit)
		v1.GET("/withdrawals/:id", h.Withdrawal)
		v1.POST("/withdrawals/:id/trigger", h.TriggerWithdrawal)
		v1.GET("/skipped-events", h.SkippedEvents)
	}
	return r
}

func NewServer(ctx context.Context, c Config, h *Handler) *http.Server {
	return &http.Server{
		Addr:           c.Addr,
		Handler:        NewRouter(ctx, c, h),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}
