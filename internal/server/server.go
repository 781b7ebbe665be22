package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/melodia/internal/clock"
	"github.com/smallbiznis/melodia/internal/config"
	fanoutdomain "github.com/smallbiznis/melodia/internal/fanout/domain"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	"github.com/smallbiznis/melodia/internal/leaderboard"
	ledgerdomain "github.com/smallbiznis/melodia/internal/ledger/domain"
	"github.com/smallbiznis/melodia/internal/observability"
	obsmiddleware "github.com/smallbiznis/melodia/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/melodia/internal/observability/metrics"
	obstracing "github.com/smallbiznis/melodia/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/melodia/internal/payment/domain"
	"github.com/smallbiznis/melodia/internal/pipeline"
	"github.com/smallbiznis/melodia/internal/providers/songgen"
	reconciledomain "github.com/smallbiznis/melodia/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(func(p *pipeline.Pipeline) Submitter { return p }),
	fx.Provide(func(b *leaderboard.Board) LeaderboardReader { return b }),
	fx.Provide(func(c *songgen.Client) CallbackVerifier { return c }),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(RunHTTP),
)

// Submitter creates a generation request and dispatches it when it was
// paid with credit.
type Submitter interface {
	Submit(ctx context.Context, req generationdomain.CreateRequest) (*generationdomain.CreateResult, error)
}

type LeaderboardReader interface {
	Top(ctx context.Context, period fanoutdomain.PeriodType, periodKey string, stat fanoutdomain.StatName, limit int) ([]leaderboard.Entry, error)
}

// CallbackVerifier authenticates provider status pushes.
type CallbackVerifier interface {
	VerifyCallbackToken(token string) error
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	log        *zap.Logger
	clock      clock.Clock
	submitter  Submitter
	requests   generationdomain.Service
	ledger     ledgerdomain.Service
	fanout     fanoutdomain.Service
	board      LeaderboardReader
	payments   paymentdomain.Service
	reconciler reconciledomain.Service
	callbacks  CallbackVerifier
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Log        *zap.Logger
	Clock      clock.Clock
	Submitter  Submitter
	Requests   generationdomain.Service
	Ledger     ledgerdomain.Service
	Fanout     fanoutdomain.Service
	Board      LeaderboardReader
	Payments   paymentdomain.Service
	Reconciler reconciledomain.Service
	Callbacks  CallbackVerifier `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Server{
		engine:     p.Gin,
		log:        p.Log.Named("server"),
		clock:      c,
		submitter:  p.Submitter,
		requests:   p.Requests,
		ledger:     p.Ledger,
		fanout:     p.Fanout,
		board:      p.Board,
		payments:   p.Payments,
		reconciler: p.Reconciler,
		callbacks:  p.Callbacks,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterRoutes() {
	s.registerAPIRoutes()
	s.registerWebhookRoutes()
	s.registerFallback()
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Generation requests --------
	requests := api.Group("/generation-requests", s.UserRequired())
	requests.POST("", s.CreateGenerationRequest)
	requests.GET("", s.ListGenerationRequests)
	requests.GET("/:id/status", s.GetGenerationStatus)

	// -------- Me --------
	me := api.Group("/me", s.UserRequired())
	me.GET("/credits", s.GetCredits)
	me.GET("/stats", s.GetStats)

	// -------- Leaderboards --------
	api.GET("/leaderboards/:period/:stat", s.GetLeaderboard)
}

func (s *Server) registerWebhookRoutes() {
	webhooks := s.engine.Group("/webhooks")

	webhooks.POST("/payments/:provider", s.HandlePaymentWebhook)
	webhooks.POST("/generation/callback", s.HandleGenerationCallback)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
