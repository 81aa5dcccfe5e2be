// Package httpapi serves stored daily bars over HTTP: the historical price
// service that HTTPProvider and the pkg/meanrev client consume.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"meanrev/internal/domain"
	"meanrev/internal/store"
)

// defaultFields are returned when the request names none.
var defaultFields = []string{"date", "close", "volume"}

// fieldValue extracts one named field from a bar.
var fieldValue = map[string]func(domain.Bar) any{
	"ticker":      func(b domain.Bar) any { return b.Symbol },
	"open":        func(b domain.Bar) any { return b.Open },
	"high":        func(b domain.Bar) any { return b.High },
	"low":         func(b domain.Bar) any { return b.Low },
	"close":       func(b domain.Bar) any { return b.Close },
	"volume":      func(b domain.Bar) any { return b.Volume },
	"trade_count": func(b domain.Bar) any { return b.TradeCount },
	"vwap":        func(b domain.Bar) any { return b.VWAP },
}

// PriceServer serves the historical price API from a BarStore.
type PriceServer struct {
	store  store.BarStore
	market string
	log    *zap.Logger
}

// NewPriceServer creates a server reading bars of market from s.
func NewPriceServer(s store.BarStore, market string, logger *zap.Logger) *PriceServer {
	return &PriceServer{store: s, market: market, log: logger.Named("httpapi")}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *PriceServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /historical_data", s.handleHistoricalData)
	mux.HandleFunc("GET /all_tickers", s.handleAllTickers)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

// Handler returns an http.Handler with CORS and request logging.
func (s *PriceServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(corsMiddleware(mux))
}

// handleHistoricalData returns the rows of one ticker within [start, end]
// as JSON objects holding "date" plus the requested fields. Unknown fields
// are ignored; a missing start or end leaves that side open.
func (s *PriceServer) handleHistoricalData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ticker := strings.ToUpper(strings.TrimSpace(q.Get("ticker")))
	if ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}
	start, okStart := parseDateParam(q.Get("start"))
	end, okEnd := parseDateParam(q.Get("end"))
	if !okStart || !okEnd {
		writeError(w, http.StatusBadRequest, "Invalid date format")
		return
	}

	fields := q["fields"]
	if len(fields) == 0 {
		fields = defaultFields
	}

	bars, err := s.store.ReadBars(r.Context(), ticker, s.market, start, end)
	if err != nil {
		s.log.Error("reading bars", zap.String("ticker", ticker), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read bars")
		return
	}

	rows := make([]map[string]any, 0, len(bars))
	for _, b := range bars {
		row := map[string]any{"date": b.Timestamp.Format(domain.DateLayout)}
		for _, f := range fields {
			if fn, ok := fieldValue[f]; ok {
				row[f] = fn(b)
			}
		}
		rows = append(rows, row)
	}
	writeJSON(w, rows)
}

func (s *PriceServer) handleAllTickers(w http.ResponseWriter, r *http.Request) {
	tickers, err := s.store.ListSymbols(r.Context(), s.market)
	if err != nil {
		s.log.Error("listing symbols", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tickers")
		return
	}
	if tickers == nil {
		tickers = []string{}
	}
	writeJSON(w, map[string][]string{"tickers": tickers})
}

// parseDateParam parses an optional YYYY-MM-DD value; empty is the zero time.
func parseDateParam(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(domain.DateLayout, v)
	return t, err == nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *PriceServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(begin)))
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
