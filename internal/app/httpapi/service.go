package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cardguard/ruleengine/internal/app/system"
	"github.com/cardguard/ruleengine/infrastructure/middleware"
	"github.com/cardguard/ruleengine/pkg/logger"
	"github.com/cardguard/ruleengine/pkg/metrics"
)

// Service exposes the HTTP API and fits into the system manager lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// NewService builds the routed handler and wraps it with the middleware
// chain. Each wrap goes around the previous one, so a request passes through
// them in the reverse of the order below: metrics is outermost and observes
// every response (including those written by the middleware itself), CORS
// answers preflight OPTIONS before rate limiting or the router see them,
// rate limiting then rejects over-budget clients, and recovery sits
// directly around the router, turning a handler panic into a 500.
func NewService(addr string, h *Handler, providers []system.DescriptorProvider, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}

	router := gin.New()
	router.POST("/v1/evaluate/auth", h.EvaluateAuth)
	router.POST("/v1/evaluate/monitoring", h.EvaluateMonitoring)
	router.POST("/v1/rulesets/load", h.LoadRuleset)
	router.POST("/v1/rulesets/bulk-load", h.BulkLoadRulesets)
	router.POST("/v1/rulesets/hotswap", h.HotSwapRuleset)
	router.GET("/v1/services", ServicesHandler(providers))
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	var handler http.Handler = router
	handler = middleware.NewRecovery(log).Handler(handler)
	handler = middleware.NewRateLimit(200, 400, log).Handler(handler)
	handler = middleware.NewCORS(middleware.DefaultCORSConfig()).Handler(handler)
	handler = metrics.InstrumentHandler(handler)

	return &Service{addr: addr, handler: handler, log: log}
}

var _ system.Service = (*Service)(nil)

func (s *Service) Name() string { return "httpapi" }

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
