// Package httpapi is the HTTP entry point: the fetch endpoint that
// delivers client requests through pool relays, plus pool inspection
// and management endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/Kirky-X/xRelay/cache"
	"github.com/Kirky-X/xRelay/dispatch"
	"github.com/Kirky-X/xRelay/logger"
	"github.com/Kirky-X/xRelay/pkg/health"
	"github.com/Kirky-X/xRelay/pkg/metrics"
	"github.com/Kirky-X/xRelay/ratelimit"
	"github.com/Kirky-X/xRelay/relaypool"
	"github.com/Kirky-X/xRelay/sources"
	"github.com/Kirky-X/xRelay/urlguard"
)

// Server represents the HTTP API server.
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string

	store      relaypool.Store
	refiller   *relaypool.Refiller
	dispatcher *dispatch.Dispatcher
	aggregator *sources.Aggregator
	cache      *cache.Cache
	limiter    *ratelimit.Limiter
	guard      *urlguard.Guard
	health     *health.Monitor

	server *http.Server
}

// ServerOptions holds configuration options for the HTTP API server.
// Cache, Limiter and Health may be nil when the feature is disabled.
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string

	Store      relaypool.Store
	Refiller   *relaypool.Refiller
	Dispatcher *dispatch.Dispatcher
	Aggregator *sources.Aggregator
	Cache      *cache.Cache
	Limiter    *ratelimit.Limiter
	Guard      *urlguard.Guard
	Health     *health.Monitor
}

// New creates a new HTTP API server.
func New(options ServerOptions) (*Server, error) {
	if options.Store == nil || options.Dispatcher == nil {
		return nil, fmt.Errorf("store and dispatcher are required for HTTP API server")
	}
	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}
	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
		store:        options.Store,
		refiller:     options.Refiller,
		dispatcher:   options.Dispatcher,
		aggregator:   options.Aggregator,
		cache:        options.Cache,
		limiter:      options.Limiter,
		guard:        options.Guard,
		health:       options.Health,
	}, nil
}

// Start creates and runs the HTTP API server, reporting a fatal startup
// or serve error on errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Infof("[API] starting %s server on %s", protocol, options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		logger.Info("[API] shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("[API] error shutting down HTTP API server: %v", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// setupRoutes configures all HTTP routes and middleware. The health
// probe stays outside the authenticated subtree so orchestration can
// reach it without credentials.
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.Use(s.rateLimitMiddleware)

	v1.HandleFunc("/fetch", s.handleFetch).Methods("POST")
	v1.HandleFunc("/relays", s.handleListRelays).Methods("GET")
	v1.HandleFunc("/relays/deprecated", s.handleListDeprecated).Methods("GET")
	v1.HandleFunc("/relays/refresh", s.handleRefresh).Methods("POST")
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(sw.status)).Inc()
		logger.Debugf("[API] %s %s from %s -> %d in %v", r.Method, r.URL.Path, getClientIP(r), sw.status, time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces the bearer API key. An empty configured key
// disables authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.limiter.Allow(getClientIP(r)); err != nil {
			var limited *ratelimit.ErrRateLimited
			if errors.As(err, &limited) {
				w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())+1))
			}
			s.writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("[API] error encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Request/Response types

// FetchRequest asks for a URL to be fetched through the relay pool.
// Body is base64 in JSON per encoding/json []byte handling.
type FetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Mode    string            `json:"mode,omitempty"` // "sequential" (default) or "parallel"
}

// FetchResponse is the delivery envelope: the origin's status, headers
// and body, plus how the delivery happened.
type FetchResponse struct {
	Status       int                 `json:"status"`
	Headers      map[string][]string `json:"headers"`
	Body         []byte              `json:"body"`
	RelayUsed    string              `json:"relayUsed,omitempty"`
	FallbackUsed bool                `json:"fallbackUsed"`
	Attempts     int                 `json:"attempts"`
	Cached       bool                `json:"cached"`
}

// Handler functions

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	switch req.Mode {
	case "", "sequential", "parallel":
	default:
		s.writeError(w, http.StatusBadRequest, "mode must be 'sequential' or 'parallel'")
		return
	}

	ctx := r.Context()

	if s.guard != nil {
		if err := s.guard.Validate(ctx, req.URL); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	cacheable := s.cache != nil && req.Method == http.MethodGet
	cacheKey := cache.Key(req.Method, req.URL)
	if cacheable {
		if entry, err := s.cache.Get(cacheKey); err == nil {
			s.writeJSON(w, http.StatusOK, FetchResponse{
				Status:  entry.Status,
				Headers: entry.Header,
				Body:    entry.Body,
				Cached:  true,
			})
			return
		}
	}

	dreq := &dispatch.Request{
		Method: req.Method,
		URL:    req.URL,
		Header: make(http.Header, len(req.Headers)),
		Body:   req.Body,
	}
	for k, v := range req.Headers {
		dreq.Header.Set(k, v)
	}

	var result *dispatch.Result
	var err error
	if req.Mode == "parallel" {
		result, err = s.dispatcher.DoParallel(ctx, dreq)
	} else {
		result, err = s.dispatcher.Do(ctx, dreq)
	}
	if err != nil {
		if errors.Is(err, dispatch.ErrNoRelays) || errors.Is(err, dispatch.ErrPoolExhausted) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		logger.Errorf("[API] fetch of %s failed: %v", req.URL, err)
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("fetch failed: %v", err))
		return
	}

	if cacheable && result.Status >= 200 && result.Status <= 299 {
		if err := s.cache.Put(cacheKey, &cache.Entry{
			Status: result.Status,
			Header: result.Header,
			Body:   result.Body,
		}); err != nil {
			logger.Warnf("[API] failed to cache response for %s: %v", req.URL, err)
		}
	}

	s.writeJSON(w, http.StatusOK, FetchResponse{
		Status:       result.Status,
		Headers:      result.Header,
		Body:         result.Body,
		RelayUsed:    result.RelayUsed,
		FallbackUsed: result.FallbackUsed,
		Attempts:     result.Attempts,
	})
}

func (s *Server) handleListRelays(w http.ResponseWriter, r *http.Request) {
	relays, err := s.store.ListAvailable(r.Context())
	if err != nil {
		logger.Errorf("[API] error listing relays: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Error listing relays")
		return
	}

	type relayView struct {
		Address      string  `json:"address"`
		Port         int     `json:"port"`
		Source       string  `json:"source,omitempty"`
		SuccessCount int     `json:"successCount"`
		FailureCount int     `json:"failureCount"`
		Weight       float64 `json:"weight"`
	}
	views := make([]relayView, 0, len(relays))
	for _, rl := range relays {
		views = append(views, relayView{
			Address:      rl.Address,
			Port:         rl.Port,
			Source:       rl.Source,
			SuccessCount: rl.SuccessCount,
			FailureCount: rl.FailureCount,
			Weight:       rl.Weight(),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"relays": views,
		"total":  len(views),
	})
}

func (s *Server) handleListDeprecated(w http.ResponseWriter, r *http.Request) {
	deprecated, err := s.store.ListDeprecated(r.Context())
	if err != nil {
		logger.Errorf("[API] error listing deprecated relays: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Error listing deprecated relays")
		return
	}

	type deprecatedView struct {
		Address      string    `json:"address"`
		Port         int       `json:"port"`
		FailureCount int       `json:"failureCount"`
		DeprecatedAt time.Time `json:"deprecatedAt"`
	}
	views := make([]deprecatedView, 0, len(deprecated))
	for _, d := range deprecated {
		views = append(views, deprecatedView{
			Address:      d.Address,
			Port:         d.Port,
			FailureCount: d.FailureCount,
			DeprecatedAt: d.DeprecatedAt,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deprecated": views,
		"total":      len(views),
	})
}

// handleRefresh forces a refill pass. A refill already in flight makes
// this a no-op; the response says which happened.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refiller == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Refill controller not running")
		return
	}
	if s.aggregator != nil {
		s.aggregator.Invalidate()
	}

	started := s.refiller.ForceRefill(r.Context())
	message := "refresh complete"
	if !started {
		message = "refill already in progress"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := relaypool.CurrentStatus(r.Context(), s.store)
	if err != nil {
		logger.Errorf("[API] error getting pool status: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Error getting pool status")
		return
	}

	resp := map[string]interface{}{
		"pool": status,
	}
	if s.aggregator != nil {
		resp["feeds"] = s.aggregator.Stats()
	}
	if s.health != nil {
		resp["health"] = map[string]interface{}{
			"overall": s.health.Overall(),
			"checks":  s.health.Snapshot(),
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusNotFound, "Cache is disabled")
		return
	}
	stats, err := s.cache.GetStats()
	if err != nil {
		logger.Errorf("[API] error getting cache stats: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Error getting cache stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"mode":      s.store.Mode(),
		"available": count,
	})
}
