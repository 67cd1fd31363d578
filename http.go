package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type httpServer struct {
	srv *http.Server
}

const (
	// maxBodySize is the maximum allowed request body size (10MB)
	maxBodySize = 10 * 1024 * 1024
)

// rateLimiter implements a simple token bucket rate limiter per IP
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
	cleanup  time.Duration // cleanup interval
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

// newRateLimiter creates a rate limiter with the given rate per window.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		cleanup:  window * 2,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for ip, v := range rl.visitors {
			if now.Sub(v.lastReset) > rl.cleanup {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, exists := rl.visitors[ip]
	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: now}
		return true
	}

	if now.Sub(v.lastReset) >= rl.window {
		v.tokens = rl.rate - 1
		v.lastReset = now
		return true
	}

	if v.tokens > 0 {
		v.tokens--
		return true
	}

	return false
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	// Check X-Real-IP header
	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// rateLimitMiddleware wraps a handler with rate limiting
func rateLimitMiddleware(rl *rateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error  string `json:"error"`
	LeadID string `json:"leadId,omitempty"`
}

// writeEngineError maps engine errors to HTTP responses. Sync-level
// rejections carry enough context for the client to resolve them.
func writeEngineError(w http.ResponseWriter, err error) {
	var se *SyncError
	if errors.As(err, &se) {
		status := http.StatusInternalServerError
		switch se.Type {
		case SyncErrorTypeStale, SyncErrorTypeTransition:
			status = http.StatusConflict
		case SyncErrorTypeCursor:
			status = http.StatusGone
		case SyncErrorTypeInProgress:
			status = http.StatusConflict
		case SyncErrorTypeRetryable:
			status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", "1")
		}
		writeJSON(w, status, errorResponse{Error: se.Message, LeadID: se.LeadID})
		return
	}
	switch {
	case errors.Is(err, ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrLeadNotFound), errors.Is(err, ErrKnockNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrNoScorer):
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrSessionInProgress):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

// setupSyncRoutes configures the batch sync endpoint
func setupSyncRoutes(mux *http.ServeMux, e *Engine, wrap middlewareWrapper) {
	mux.HandleFunc("/v1/sync", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var req SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := e.Sync(r.Context(), &req)
		if err != nil {
			var se *SyncError
			if !errors.As(err, &se) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}))
}

// setupKnockRoutes configures single-knock logging and per-rep history
func setupKnockRoutes(mux *http.ServeMux, e *Engine, wrap middlewareWrapper) {
	mux.HandleFunc("/v1/knocks", wrap(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
			var k Knock
			if err := json.NewDecoder(r.Body).Decode(&k); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			accepted, err := e.LogKnock(r.Context(), k)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, accepted)

		case http.MethodGet:
			q := r.URL.Query()
			repID := q.Get("repId")
			if repID == "" {
				http.Error(w, "repId is required", http.StatusBadRequest)
				return
			}
			var start, end time.Time
			if s := q.Get("start"); s != "" {
				ms, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					http.Error(w, "invalid start", http.StatusBadRequest)
					return
				}
				start = time.UnixMilli(ms)
			}
			if s := q.Get("end"); s != "" {
				ms, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					http.Error(w, "invalid end", http.StatusBadRequest)
					return
				}
				end = time.UnixMilli(ms)
			}
			limit, _ := strconv.Atoi(q.Get("limit"))
			knocks, err := e.KnocksByRep(r.Context(), repID, start, end, limit)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"knocks": knocks})

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

// setupLeadRoutes configures lead creation and lookup
func setupLeadRoutes(mux *http.ServeMux, e *Engine, wrap middlewareWrapper) {
	mux.HandleFunc("/v1/leads", wrap(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
			var lead Lead
			if err := json.NewDecoder(r.Body).Decode(&lead); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			created, err := e.CreateLead(r.Context(), lead)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, created)

		case http.MethodGet:
			q := r.URL.Query()
			if id := q.Get("id"); id != "" {
				lead, err := e.GetLead(r.Context(), id)
				if err != nil {
					writeEngineError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, lead)
				return
			}
			leads, err := e.ListLeads(r.Context(), q.Get("repId"), LeadStatus(q.Get("status")))
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"leads": leads})

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

// setupMapRoutes configures the heatmap and territory endpoints
func setupMapRoutes(mux *http.ServeMux, e *Engine, wrap middlewareWrapper) {
	mux.HandleFunc("/v1/map", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		var bounds BoundingBox
		var err error
		parse := func(name string) float64 {
			if err != nil {
				return 0
			}
			var f float64
			f, err = strconv.ParseFloat(q.Get(name), 64)
			if err != nil {
				err = fmt.Errorf("invalid %s", name)
			}
			return f
		}
		bounds.MinLat = parse("minLat")
		bounds.MinLon = parse("minLon")
		bounds.MaxLat = parse("maxLat")
		bounds.MaxLon = parse("maxLon")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		maxCells, _ := strconv.Atoi(q.Get("maxCells"))
		cells := e.QueryHeatmap(bounds, maxCells)
		writeJSON(w, http.StatusOK, map[string]interface{}{"cells": cells})
	}))

	mux.HandleFunc("/v1/territory", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		repID := r.URL.Query().Get("repId")
		if repID == "" {
			http.Error(w, "repId is required", http.StatusBadRequest)
			return
		}
		sum, err := e.Territory(r.Context(), repID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}))
}

// setupCoachingRoutes configures the knock coaching endpoint
func setupCoachingRoutes(mux *http.ServeMux, e *Engine, wrap middlewareWrapper) {
	mux.HandleFunc("/v1/coaching", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var req struct {
			KnockID    string `json:"knockId"`
			Transcript string `json:"transcript"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.KnockID == "" {
			http.Error(w, "knockId is required", http.StatusBadRequest)
			return
		}
		result, err := e.Coach(r.Context(), req.KnockID, req.Transcript)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}))
}

// setupAdminRoutes configures health and stats endpoints
func setupAdminRoutes(mux *http.ServeMux, e *Engine) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.Stats())
	})
}

// middlewareWrapper wraps handlers with rate limiting
type middlewareWrapper func(h http.HandlerFunc) http.HandlerFunc

// newHTTPMux builds the API routing table.
func newHTTPMux(e *Engine, cfg HTTPConfig) *http.ServeMux {
	var rl *rateLimiter
	if cfg.RateLimitPerSecond > 0 {
		rl = newRateLimiter(cfg.RateLimitPerSecond, time.Second)
	}

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		if rl != nil {
			h = rateLimitMiddleware(rl, h)
		}
		return h
	}

	mux := http.NewServeMux()

	setupSyncRoutes(mux, e, wrap)
	setupKnockRoutes(mux, e, wrap)
	setupLeadRoutes(mux, e, wrap)
	setupMapRoutes(mux, e, wrap)
	setupCoachingRoutes(mux, e, wrap)
	setupAdminRoutes(mux, e)

	if e.config.Stream.Enabled {
		mux.HandleFunc("/v1/stream", e.hub.WebSocketHandler())
	}

	return mux
}

func startHTTPServer(e *Engine, cfg HTTPConfig) (*httpServer, error) {
	port := cfg.Port
	if port <= 0 || port > 65535 {
		port = 8099
	}

	mux := newHTTPMux(e, cfg)

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		_ = srv.Serve(listener)
	}()

	return &httpServer{srv: srv}, nil
}

func (s *httpServer) Close() error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
