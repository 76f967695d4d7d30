package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-predictor/internal/config"
	"oracle-predictor/internal/predict"
	"oracle-predictor/internal/storage"
)

// Server exposes the read-only JSON query surface.
type Server struct {
	cfg     config.HTTPConfig
	logger  zerolog.Logger
	router  *mux.Router
	svc     *predict.Service
	oracles storage.OracleStore
	samples storage.SampleStore
	trades  storage.TradeStore
	symbols []string
}

// NewServer wires the prediction service and stores into an HTTP server.
func NewServer(cfg config.HTTPConfig, svc *predict.Service, oracles storage.OracleStore, samples storage.SampleStore, trades storage.TradeStore, symbols []string, logger zerolog.Logger) *Server {
	server := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "api").Logger(),
		router:  mux.NewRouter(),
		svc:     svc,
		oracles: oracles,
		samples: samples,
		trades:  trades,
		symbols: symbols,
	}
	server.routes()
	return server
}

func (s *Server) routes() {
	s.router.HandleFunc("/price/{symbol}", s.handlePrice).Methods(http.MethodGet)
	s.router.HandleFunc("/priceAt/{symbol}", s.handlePriceAt).Methods(http.MethodGet)
	s.router.HandleFunc("/oracles", s.handleOracles).Methods(http.MethodGet)
	s.router.HandleFunc("/oracles/{chainId}/{addr}/prediction", s.handlePrediction).Methods(http.MethodGet)
	s.router.HandleFunc("/oracles/{chainId}/{addr}/predictionAt", s.handlePredictionAt).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics/backtest", s.handleBacktest).Methods(http.MethodGet)
}

// Handler returns the routed handler, CORS-wrapped when enabled.
func (s *Server) Handler() http.Handler {
	if s.cfg.EnableCORS {
		return cors.AllowAll().Handler(s.router)
	}
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Msg("api server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])

	price, err := s.svc.AggregatedPrice(r.Context(), symbol)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":          price.Symbol,
		"aggregatedPrice": price.Price,
		"sources":         price.Sources,
		"count":           len(price.Sources),
	})
}

func (s *Server) handlePriceAt(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])

	ts, err := queryInt(r, "ts", -1)
	if err != nil || ts < 0 {
		writeError(w, http.StatusBadRequest, "ts must be a millisecond timestamp")
		return
	}
	lag, err := queryInt(r, "lag", 0)
	if err != nil || lag < 0 {
		writeError(w, http.StatusBadRequest, "lag must be a non-negative millisecond offset")
		return
	}

	weights, err := parseWeightOverride(r.URL.Query().Get("sources"), r.URL.Query().Get("weights"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	combined, err := s.svc.WeightedPriceAt(r.Context(), symbol, ts-lag, weights)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":     symbol,
		"ts":         ts,
		"lag":        lag,
		"price":      combined.Value,
		"perSource":  combined.PerSource,
		"usedWeight": combined.UsedWeight,
	})
}

func (s *Server) handleOracles(w http.ResponseWriter, r *http.Request) {
	configs, err := s.oracles.ListOracleConfigs(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, map[string]any{
			"chainId":          cfg.ChainID,
			"address":          cfg.OracleAddr,
			"heartbeatSeconds": cfg.HeartbeatSeconds,
			"deviationBps":     cfg.DeviationBps,
			"decimals":         cfg.Decimals,
			"scaleFactor":      cfg.ScaleFactor,
			"lagSeconds":       cfg.LagSeconds,
			"updatedAt":        cfg.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"oracles": out})
}

func (s *Server) handlePrediction(w http.ResponseWriter, r *http.Request) {
	chainID, addr, ok := oracleVars(w, r)
	if !ok {
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))

	decision, prediction, err := s.svc.ShouldTransmit(r.Context(), chainID, addr, symbol)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"chainId":        chainID,
		"address":        addr,
		"symbols":        prediction.Symbols,
		"lagMs":          prediction.LagMs,
		"answer":         prediction.Answer,
		"fixedPoint":     prediction.FixedPoint.String(),
		"verified":       prediction.Verified,
		"lastOnchain":    decision.LastOnchain,
		"deviationBps":   decision.DeviationBps,
		"ageSeconds":     decision.AgeSeconds,
		"shouldTransmit": decision.Should,
		"reasons": map[string]bool{
			"deviation": decision.Reasons.Deviation,
			"heartbeat": decision.Reasons.Heartbeat,
		},
	})
}

func (s *Server) handlePredictionAt(w http.ResponseWriter, r *http.Request) {
	chainID, addr, ok := oracleVars(w, r)
	if !ok {
		return
	}

	ts, err := queryInt(r, "ts", -1)
	if err != nil || ts < 0 {
		writeError(w, http.StatusBadRequest, "ts must be a millisecond timestamp")
		return
	}
	lag, err := queryInt(r, "lag", -1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "lag must be a millisecond offset")
		return
	}

	prediction, err := s.svc.PredictedAt(r.Context(), chainID, addr, ts, lag)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"chainId":    chainID,
		"address":    addr,
		"ts":         ts,
		"lagMs":      prediction.LagMs,
		"answer":     prediction.Answer,
		"fixedPoint": prediction.FixedPoint.String(),
		"verified":   prediction.Verified,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	sampleCount, err := s.samples.CountSamples(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	configs, err := s.oracles.ListOracleConfigs(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	tradeCounts := make(map[string]int64, len(s.symbols))
	for _, symbol := range s.symbols {
		count, err := s.trades.CountTrades(r.Context(), symbol)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		tradeCounts[symbol] = count
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"oracles": len(configs),
		"samples": sampleCount,
		"trades":  tradeCounts,
	})
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 200)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	configs, err := s.oracles.ListOracleConfigs(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	reports := make([]map[string]any, 0, len(configs))
	for _, cfg := range configs {
		report, err := s.svc.Backtest(r.Context(), cfg.ChainID, cfg.OracleAddr, int(limit))
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		reports = append(reports, map[string]any{
			"chainId":   report.ChainID,
			"address":   report.OracleAddr,
			"count":     report.Count,
			"p50ErrBps": report.P50ErrBps,
			"p90ErrBps": report.P90ErrBps,
			"maxErrBps": report.MaxErrBps,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"backtests": reports})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, predict.ErrOracleNotConfigured):
		writeError(w, http.StatusNotFound, "oracle not configured")
	case errors.Is(err, predict.ErrNoPrice):
		writeError(w, http.StatusServiceUnavailable, "no price coverage at the requested instant")
	case errors.Is(err, storage.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func oracleVars(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	vars := mux.Vars(r)
	chainID, err := strconv.ParseInt(vars["chainId"], 10, 64)
	if err != nil || chainID <= 0 {
		writeError(w, http.StatusBadRequest, "chainId must be a positive integer")
		return 0, "", false
	}

	addr := strings.TrimSpace(vars["addr"])
	if addr == "" {
		writeError(w, http.StatusBadRequest, "oracle address is required")
		return 0, "", false
	}
	return chainID, addr, true
}

func queryInt(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// parseWeightOverride decodes the sources=a,b&weights=2,1 ad-hoc override.
func parseWeightOverride(sourcesCSV, weightsCSV string) (map[string]decimal.Decimal, error) {
	if sourcesCSV == "" && weightsCSV == "" {
		return nil, nil
	}
	if sourcesCSV == "" || weightsCSV == "" {
		return nil, errors.New("sources and weights must be provided together")
	}

	sources := strings.Split(sourcesCSV, ",")
	weights := strings.Split(weightsCSV, ",")
	if len(sources) != len(weights) {
		return nil, errors.New("sources and weights must have the same length")
	}

	override := make(map[string]decimal.Decimal, len(sources))
	for i, source := range sources {
		weight, err := decimal.NewFromString(strings.TrimSpace(weights[i]))
		if err != nil || weight.Sign() < 0 {
			return nil, errors.New("weights must be non-negative numbers")
		}
		override[strings.TrimSpace(source)] = weight
	}
	return override, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
