package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lpmining/core/claimable"
	"lpmining/core/rewards"
	"lpmining/observability"
)

// Engine is the subset of the reward engine served over HTTP.
type Engine interface {
	RequestVoucher(ctx context.Context, userAddress string) (*claimable.Voucher, error)
	Claimability(ctx context.Context, userAddress string) (claimable.Report, error)
	Analytics(ctx context.Context) (rewards.ProgramAnalytics, error)
	SignerAddress() (common.Address, error)
}

// Config tunes the public API.
type Config struct {
	CORSOrigins        []string
	ClaimRatePerMinute float64
	ClaimBurst         int
	// Health reports readiness of backing stores. Nil means always healthy.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

// Server hosts the public rewards endpoints.
type Server struct {
	engine  Engine
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimiter
	router  chi.Router
}

// New constructs the public server.
func New(engine Engine, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  engine,
		cfg:     cfg,
		logger:  logger,
		limiter: NewRateLimiter(cfg.ClaimRatePerMinute, cfg.ClaimBurst),
		router:  chi.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "rewardsd.public")
}

// ServeHTTP implements http.Handler without tracing, for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(instrument)
	if len(s.cfg.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}
	s.router.Get("/healthz", s.handleHealth)
	s.router.Route("/rewards", func(r chi.Router) {
		r.With(s.limiter.Middleware).Post("/claim-signature", s.handleClaimSignature)
		r.Get("/claimability/{address}", s.handleClaimability)
		r.Get("/program-analytics", s.handleAnalytics)
		r.Get("/signer", s.handleSigner)
	})
}

type claimRequest struct {
	UserAddress string `json:"userAddress"`
}

type claimResponse struct {
	UserAddress string     `json:"userAddress"`
	Amount      string     `json:"amount"`
	Nonce       string     `json:"nonce"`
	Signature   string     `json:"signature"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

func (s *Server) handleClaimSignature(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.writeError(w, r, claimable.ErrValidation)
		return
	}
	voucher, err := s.engine.RequestVoucher(r.Context(), req.UserAddress)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := claimResponse{
		UserAddress: voucher.User.Hex(),
		Amount:      decimalString(voucher.Amount),
		Nonce:       decimalString(voucher.Nonce),
		Signature:   hexutil.Encode(voucher.Signature),
	}
	if !voucher.ExpiresAt.IsZero() {
		expires := voucher.ExpiresAt.UTC()
		resp.ExpiresAt = &expires
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClaimability(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Claimability(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := s.engine.Analytics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

type signerResponse struct {
	Address string `json:"address"`
}

func (s *Server) handleSigner(w http.ResponseWriter, r *http.Request) {
	address, err := s.engine.SignerAddress()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signerResponse{Address: address.Hex()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Health(ctx); err != nil {
			s.logger.Warn("health check failed", slog.Any("error", err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTP().Observe(route, status, time.Since(start))
	})
}

func decimalString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
