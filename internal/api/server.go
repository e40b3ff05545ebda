// Package api exposes the oracle's inbound operations over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/life2you_mini/rwaoracle/internal/corporate"
	"github.com/life2you_mini/rwaoracle/internal/metrics"
	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/publisher"
	"github.com/life2you_mini/rwaoracle/internal/scheduler"
)

// PriceService 价格查询
type PriceService interface {
	GetRawPrice(ctx context.Context, symbol string) (*model.EquityPrice, error)
	GetAdjustedPrice(ctx context.Context, symbol string) (*model.EquityPrice, error)
	GetBatchPrices(ctx context.Context, symbols []string, adjusted bool) map[string]*model.PriceResult
	GetPriceHistory(ctx context.Context, symbol string, from, to time.Time) ([]*model.EquityPrice, error)
	GetPriceAtDate(ctx context.Context, symbol string, date time.Time) (*model.EquityPrice, error)
}

// AdjustmentService 价格调整历史
type AdjustmentService interface {
	GetAdjustmentHistory(ctx context.Context, symbol string, from, to time.Time) ([]model.AdjustmentRecord, error)
}

// FundingService 资金费率
type FundingService interface {
	GetCurrentFundingRate(ctx context.Context, symbol string) (*model.FundingRate, error)
	CalculateFundingRate(ctx context.Context, symbol string, markPrice float64) (*model.FundingRate, error)
	GetFundingRateHistory(ctx context.Context, symbol string, hours int) ([]*model.FundingRate, error)
	GetBatchFundingRates(ctx context.Context, symbols []string) map[string]*model.FundingRateResult
	GetFundingRateFactors(ctx context.Context, symbol string) (*model.FundingRateFactors, error)
}

// RiskService 风险评估
type RiskService interface {
	AssessRisk(ctx context.Context, symbol string, position *model.Position) (*model.RiskAssessment, error)
	AssessBatch(ctx context.Context, symbols []string, positions map[string]*model.Position) map[string]*model.RiskAssessmentResult
	GenerateRecommendations(ctx context.Context, a *model.RiskAssessment) ([]*model.RiskRecommendation, error)
	GetRecommendations(ctx context.Context, symbol string) ([]*model.RiskRecommendation, error)
	AcknowledgeRecommendation(ctx context.Context, id, by string) (*model.RiskRecommendation, error)
	GetRiskWindows(ctx context.Context, symbol string, from, to time.Time) ([]*model.RiskWindow, error)
}

// CorporateService 公司行为
type CorporateService interface {
	FetchCorporateActions(ctx context.Context, symbol string, from time.Time) (*corporate.FetchResult, error)
	GetUpcomingCorporateActions(ctx context.Context, symbol string, daysAhead int) ([]*model.CorporateAction, error)
	CreateCorporateAction(ctx context.Context, req corporate.CreateRequest) (*model.CorporateAction, error)
	ListCorporateActions(ctx context.Context, symbol string) ([]*model.CorporateAction, error)
}

// PublisherLookup 按链获取发布器
type PublisherLookup interface {
	Get(t model.ProviderType) (publisher.Publisher, error)
}

// TickStatus 调度状态
type TickStatus interface {
	LastReport() *scheduler.TickReport
}

// Deps handler dependencies; Publishers, Scheduler, Health and Metrics may be nil
type Deps struct {
	Prices      PriceService
	Adjustments AdjustmentService
	Funding     FundingService
	Risk        RiskService
	Corporate   CorporateService
	Publishers  PublisherLookup
	Scheduler   TickStatus
	Health      func(ctx context.Context) error
	Metrics     *metrics.Metrics
}

// Server HTTP服务
type Server struct {
	deps           Deps
	router         *mux.Router
	server         *http.Server
	requestTimeout time.Duration
	logger         *zap.Logger
}

// NewServer 创建HTTP服务
func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		deps:           deps,
		router:         mux.NewRouter(),
		requestTimeout: 30 * time.Second,
		logger:         logger.With(zap.String("component", "api")),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler 路由
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.timeoutMiddleware)

	v1.HandleFunc("/prices", s.batchPrices).Methods(http.MethodGet)
	v1.HandleFunc("/prices/{symbol}", s.price).Methods(http.MethodGet)
	v1.HandleFunc("/prices/{symbol}/history", s.priceHistory).Methods(http.MethodGet)
	v1.HandleFunc("/prices/{symbol}/at", s.priceAtDate).Methods(http.MethodGet)
	v1.HandleFunc("/prices/{symbol}/adjustments", s.adjustmentHistory).Methods(http.MethodGet)

	v1.HandleFunc("/funding-rates", s.batchFundingRates).Methods(http.MethodGet)
	v1.HandleFunc("/funding-rates/{symbol}", s.currentFundingRate).Methods(http.MethodGet)
	v1.HandleFunc("/funding-rates/{symbol}/calculate", s.calculateFundingRate).Methods(http.MethodPost)
	v1.HandleFunc("/funding-rates/{symbol}/history", s.fundingRateHistory).Methods(http.MethodGet)
	v1.HandleFunc("/funding-rates/{symbol}/factors", s.fundingRateFactors).Methods(http.MethodGet)

	v1.HandleFunc("/risk", s.assessBatch).Methods(http.MethodGet)
	v1.HandleFunc("/risk/{symbol}/assess", s.assessRisk).Methods(http.MethodPost)
	v1.HandleFunc("/risk/{symbol}/windows", s.riskWindows).Methods(http.MethodGet)
	v1.HandleFunc("/risk/{symbol}/recommendations", s.recommendations).Methods(http.MethodGet)
	v1.HandleFunc("/recommendations/{id}/acknowledge", s.acknowledge).Methods(http.MethodPost)

	v1.HandleFunc("/corporate-actions", s.createCorporateAction).Methods(http.MethodPost)
	v1.HandleFunc("/corporate-actions/{symbol}", s.corporateActions).Methods(http.MethodGet)
	v1.HandleFunc("/corporate-actions/{symbol}/fetch", s.fetchCorporateActions).Methods(http.MethodPost)

	v1.HandleFunc("/onchain/{chain}/{symbol}", s.onChainRate).Methods(http.MethodGet)
	v1.HandleFunc("/scheduler/last", s.lastTick).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
}

// Start 启动HTTP服务, blocks until Shutdown
func (s *Server) Start() error {
	s.logger.Info("HTTP服务启动", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 关闭HTTP服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP服务关闭")
	return s.server.Shutdown(ctx)
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()[:8]
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		s.logger.Debug("HTTP请求",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
