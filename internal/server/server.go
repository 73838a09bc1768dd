package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"salesescrow/internal/auth"
	"salesescrow/internal/config"
	"salesescrow/internal/escrow"
	"salesescrow/internal/idempotency"
)

// HealthCheck is run by /api/v1/health.
type HealthCheck struct {
	Name  string
	Check func(context.Context) error
}

// Deps are the collaborators of the HTTP API.
type Deps struct {
	Config      *config.AppConfig
	Engine      *escrow.Engine
	Idempotency idempotency.Store
	Metrics     *Metrics
	Logger      *zap.SugaredLogger
	Checks      []HealthCheck
	// Now overrides the clock used for idempotency expiry and signature skew.
	Now func() time.Time
}

type Server struct {
	cfg        *config.AppConfig
	engine     *escrow.Engine
	store      idempotency.Store
	verifier   *auth.Verifier
	limiter    *rateLimiter
	inflight   keyedMutex
	metrics    *Metrics
	log        *zap.SugaredLogger
	checks     []HealthCheck
	now        func() time.Time
	router     http.Handler
	httpServer *http.Server
}

func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:     deps.Config,
		engine:  deps.Engine,
		store:   deps.Idempotency,
		metrics: deps.Metrics,
		log:     deps.Logger,
		checks:  deps.Checks,
		now:     deps.Now,
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	s.log = s.log.Named("http")
	if s.now == nil {
		s.now = time.Now
	}
	if s.store == nil {
		s.store = idempotency.NewMemoryStore().WithClock(s.now)
	}

	s.verifier = &auth.Verifier{
		MaxSkew:  s.cfg.Service.ClockSkew,
		Now:      s.now,
		Insecure: s.cfg.Service.InsecureAuth,
		OnReject: func(err error) {
			s.metrics.incAuthFailure()
			s.log.Debugw("auth rejected", "error", err)
		},
	}
	s.limiter = newRateLimiter(s.cfg.Service.RateLimit, s.cfg.Service.RateBurst)
	s.metrics.setStatus(s.engine.Status())

	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(s.cfg.Service.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(s.log))

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Method(http.MethodGet, "/metrics", s.metrics.handler())

		api.Route("/escrow", func(er chi.Router) {
			er.With(s.limiter.Middleware).Get("/", s.handleGetEscrow)
			if s.cfg.Service.DebugEndpoints {
				er.Get("/fulfillment-time", s.handleFulfillmentTime)
			}

			er.Group(func(signed chi.Router) {
				signed.Use(s.verifier.Middleware)
				signed.Use(s.limiter.Middleware)
				signed.Post("/confirm-fulfillment", s.operation(escrow.OpConfirmFulfillment, s.confirmFulfillment))
				signed.Post("/release", s.operation(escrow.OpRelease, s.release))
				signed.Post("/open-dispute", s.operation(escrow.OpOpenDispute, s.openDispute))
				signed.Post("/invite-agent", s.operation(escrow.OpInviteAgent, s.inviteAgent))
				signed.Post("/send-money", s.operation(escrow.OpSendMoney, s.sendMoney))
			})
		})
	})
	return r
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.log.Infow("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type checkResult struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overallHealthy := true
	results := make(map[string]checkResult, len(s.checks))

	for _, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		start := time.Now()
		err := c.Check(ctx)
		cancel()
		res := checkResult{Connected: err == nil}
		if err != nil {
			res.Error = err.Error()
			overallHealthy = false
		} else {
			res.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
		results[c.Name] = res
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}
	resp := struct {
		Status       string                 `json:"status"`
		EscrowStatus string                 `json:"escrow_status"`
		Checks       map[string]checkResult `json:"checks"`
	}{
		Status:       status,
		EscrowStatus: s.engine.Status().String(),
		Checks:       results,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
