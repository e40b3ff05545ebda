package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/life2you_mini/rwaoracle/internal/corporate"
	"github.com/life2you_mini/rwaoracle/internal/model"
)

const dateLayout = "2006-01-02"

// errorResponse 错误响应
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// fail maps the oracle error taxonomy onto HTTP statuses
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "timeout"
	case errors.Is(err, model.ErrNoDataAvailable):
		status, code = http.StatusNotFound, "no_data_available"
	case errors.Is(err, model.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrProviderNotConfigured):
		status, code = http.StatusNotFound, "provider_not_configured"
	case errors.Is(err, model.ErrInvalidCorporateAction):
		status, code = http.StatusBadRequest, "invalid_corporate_action"
	case errors.Is(err, model.ErrAlreadyVerified):
		status, code = http.StatusConflict, "already_verified"
	case errors.Is(err, model.ErrDiscontinuity):
		status, code = http.StatusConflict, "discontinuity"
	case errors.Is(err, model.ErrAmbiguousCorporateAction):
		status, code = http.StatusConflict, "ambiguous_corporate_action"
	case errors.Is(err, model.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, model.ErrSourceUnavailable):
		status, code = http.StatusServiceUnavailable, "source_unavailable"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("请求处理失败", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

func symbolVar(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(mux.Vars(r)["symbol"]))
}

func symbolsParam(r *http.Request) []string {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD or RFC3339", v)
	}
	return t.UTC(), nil
}

// dateRange from/to query params; missing bounds default to the last days before now
func dateRange(r *http.Request, days int) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)
	var err error
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = parseDate(v); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = parseDate(v); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must not be after to")
	}
	return from, to, nil
}

func boolParam(r *http.Request, name string, def bool) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// 价格

func (s *Server) price(w http.ResponseWriter, r *http.Request) {
	symbol := symbolVar(r)
	var (
		p   *model.EquityPrice
		err error
	)
	if boolParam(r, "adjusted", true) {
		p, err = s.deps.Prices.GetAdjustedPrice(r.Context(), symbol)
	} else {
		p, err = s.deps.Prices.GetRawPrice(r.Context(), symbol)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) batchPrices(w http.ResponseWriter, r *http.Request) {
	symbols := symbolsParam(r)
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "symbols is required")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Prices.GetBatchPrices(r.Context(), symbols, boolParam(r, "adjusted", true)))
}

func (s *Server) priceHistory(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r, 30)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	history, err := s.deps.Prices.GetPriceHistory(r.Context(), symbolVar(r), from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) priceAtDate(w http.ResponseWriter, r *http.Request) {
	date, err := parseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	p, err := s.deps.Prices.GetPriceAtDate(r.Context(), symbolVar(r), date)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) adjustmentHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Adjustments == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "adjustment history unavailable")
		return
	}
	from, to, err := dateRange(r, 365)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	records, err := s.deps.Adjustments.GetAdjustmentHistory(r.Context(), symbolVar(r), from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// 资金费率

func (s *Server) currentFundingRate(w http.ResponseWriter, r *http.Request) {
	rate, err := s.deps.Funding.GetCurrentFundingRate(r.Context(), symbolVar(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

type calculateRequest struct {
	MarkPrice float64 `json:"mark_price"`
}

func (s *Server) calculateFundingRate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
	}
	if req.MarkPrice < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "mark_price must not be negative")
		return
	}
	rate, err := s.deps.Funding.CalculateFundingRate(r.Context(), symbolVar(r), req.MarkPrice)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func (s *Server) fundingRateHistory(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "hours must be a positive integer")
			return
		}
		hours = h
	}
	rows, err := s.deps.Funding.GetFundingRateHistory(r.Context(), symbolVar(r), hours)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) batchFundingRates(w http.ResponseWriter, r *http.Request) {
	symbols := symbolsParam(r)
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "symbols is required")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Funding.GetBatchFundingRates(r.Context(), symbols))
}

func (s *Server) fundingRateFactors(w http.ResponseWriter, r *http.Request) {
	factors, err := s.deps.Funding.GetFundingRateFactors(r.Context(), symbolVar(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factors)
}

// 风险

type assessResponse struct {
	Assessment      *model.RiskAssessment       `json:"assessment"`
	Recommendations []*model.RiskRecommendation `json:"recommendations"`
}

func (s *Server) assessRisk(w http.ResponseWriter, r *http.Request) {
	symbol := symbolVar(r)
	var position *model.Position
	if r.ContentLength != 0 {
		var p model.Position
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		p.Symbol = symbol
		position = &p
	}

	a, err := s.deps.Risk.AssessRisk(r.Context(), symbol, position)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.deps.Risk.GenerateRecommendations(r.Context(), a)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assessResponse{Assessment: a, Recommendations: recs})
}

func (s *Server) assessBatch(w http.ResponseWriter, r *http.Request) {
	symbols := symbolsParam(r)
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "symbols is required")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Risk.AssessBatch(r.Context(), symbols, nil))
}

func (s *Server) riskWindows(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r, 30)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if r.URL.Query().Get("to") == "" {
		to = to.AddDate(0, 0, 30)
	}
	windows, err := s.deps.Risk.GetRiskWindows(r.Context(), symbolVar(r), from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

func (s *Server) recommendations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Risk.GetRecommendations(r.Context(), symbolVar(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type acknowledgeRequest struct {
	By string `json:"by"`
}

func (s *Server) acknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
	}
	rec, err := s.deps.Risk.AcknowledgeRecommendation(r.Context(), mux.Vars(r)["id"], req.By)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// 公司行为

func (s *Server) corporateActions(w http.ResponseWriter, r *http.Request) {
	symbol := symbolVar(r)
	v := r.URL.Query().Get("days_ahead")
	if v == "" {
		actions, err := s.deps.Corporate.ListCorporateActions(r.Context(), symbol)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, actions)
		return
	}
	days, err := strconv.Atoi(v)
	if err != nil || days < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "days_ahead must be a non-negative integer")
		return
	}
	actions, err := s.deps.Corporate.GetUpcomingCorporateActions(r.Context(), symbol, days)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) fetchCorporateActions(w http.ResponseWriter, r *http.Request) {
	var from time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		var err error
		if from, err = parseDate(v); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	result, err := s.deps.Corporate.FetchCorporateActions(r.Context(), symbolVar(r), from)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) createCorporateAction(w http.ResponseWriter, r *http.Request) {
	var req corporate.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	action, err := s.deps.Corporate.CreateCorporateAction(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

// 链上数据

func (s *Server) onChainRate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Publishers == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "no publishers configured")
		return
	}
	chain := model.ProviderType(strings.ToLower(mux.Vars(r)["chain"]))
	p, err := s.deps.Publishers.Get(chain)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rate, err := p.ReadFundingRate(r.Context(), symbolVar(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func (s *Server) lastTick(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "scheduler not running")
		return
	}
	report := s.deps.Scheduler.LastReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "not_found", "no tick has run yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
