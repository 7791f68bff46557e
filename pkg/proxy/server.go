package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/acme/autocert"

	"github.com/kaus98/aigateway/pkg/assets"
	"github.com/kaus98/aigateway/pkg/catalog"
	"github.com/kaus98/aigateway/pkg/config"
	"github.com/kaus98/aigateway/pkg/history"
	"github.com/kaus98/aigateway/pkg/logstore"
	"github.com/kaus98/aigateway/pkg/logutil"
	"github.com/kaus98/aigateway/pkg/metrics"
	"github.com/kaus98/aigateway/pkg/registry"
	"github.com/kaus98/aigateway/pkg/token"
)

const maxRequestBody = 50 << 20

type Server struct {
	cfg       *config.ServerConfig
	registry  *registry.Store
	tokens    *token.Resolver
	catalog   *catalog.Cache
	forwarder *Forwarder
	unified   *Unified
	history   *history.Store
	logs      *logstore.Store
	metrics   *metrics.Metrics

	httpServer *http.Server
}

func NewServer(cfg *config.ServerConfig) *Server {
	reg := registry.NewStore(cfg.GatewayConfigPath())
	tokens := token.NewResolver()
	forwarder := NewForwarder(tokens)

	s := &Server{
		cfg:       cfg,
		registry:  reg,
		tokens:    tokens,
		catalog:   catalog.New(cfg.ModelsCachePath(), reg, tokens),
		forwarder: forwarder,
		unified:   NewUnified(reg, tokens, forwarder),
		history:   history.NewStore(cfg.ChatsPath()),
		logs:      logstore.NewStore(cfg.LogsPath(), cfg.Logs.MaxEntries),
		metrics:   metrics.New(),
	}
	// Server log lines feed the durable store and the live tail.
	logutil.SetOutputTee(logstore.NewSink(s.logs))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(s.requestLogMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/endpoints", s.handleListEndpoints)
		api.Post("/endpoints", s.handleUpsertEndpoint)
		api.Delete("/endpoints/{id}", s.handleDeleteEndpoint)
		api.Post("/endpoints/select", s.handleSelectEndpoint)

		api.Get("/models", s.handleModels)
		api.Post("/models/refresh", s.handleModelsRefresh)

		api.Post("/chat", s.handleChat)

		api.Get("/history", s.handleHistoryGet)
		api.Post("/history", s.handleHistorySave)

		api.Post("/logs", s.handleLogIngest)
		api.Get("/logs", s.handleLogList)
		api.Get("/logs/ws", s.handleLogTail)
	})

	r.Route("/unified/v1", func(v1 chi.Router) {
		v1.Use(s.unifiedAuthMiddleware)
		v1.Get("/models", s.handleUnifiedModels)
		v1.Post("/chat/completions", s.handleUnifiedChat)
	})

	r.Handle("/*", assets.Handler())

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout stays zero: streaming relays hold connections
		// open until the upstream finishes.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}
		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		challenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			log.Info("gateway listening", "addr", ":443", "domain", s.cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = challenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		s.logs.Flush()
		return firstErr(errCh)
	}

	go func() {
		log.Info("gateway listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	s.logs.Flush()
	return firstErr(errCh)
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The log ingestion endpoint would feed itself.
		if strings.HasPrefix(r.URL.Path, "/api/logs") {
			next.ServeHTTP(w, r)
			return
		}
		log.Debug("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(route, ww.Status(), time.Since(start))
	})
}

// --- endpoint registry handlers ---

func (s *Server) handleListEndpoints(w http.ResponseWriter, _ *http.Request) {
	endpoints, currentID := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints":         endpoints,
		"currentEndpointId": currentID,
	})
}

func (s *Server) handleUpsertEndpoint(w http.ResponseWriter, r *http.Request) {
	var req registry.UpsertRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	ep, credsChanged, err := s.registry.Upsert(req)
	if err != nil {
		writeErrorMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	if credsChanged {
		s.tokens.Invalidate(ep.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Delete(id); err != nil {
		writeErrorMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.tokens.Invalidate(id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSelectEndpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := s.registry.SelectCurrent(req.ID); err != nil {
		writeErrorMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- model catalog handlers ---

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.catalog.Get(r.Context(), r.URL.Query().Get("endpointId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

func (s *Server) handleModelsRefresh(w http.ResponseWriter, r *http.Request) {
	results, err := s.catalog.RefreshAll(r.Context())
	if err != nil {
		writeErrorMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": results})
}

// --- chat forwarding handlers ---

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	endpointID := gjson.GetBytes(body, "endpointId").String()
	ep, ok := s.registry.Resolve(endpointID)
	if !ok {
		writeErrorMessage(w, http.StatusNotFound, "no endpoint configured")
		return
	}
	if err := s.forwarder.ChatCompletion(r.Context(), w, ep, body, ""); err != nil {
		writeError(w, err)
	}
}

func (s *Server) handleUnifiedModels(w http.ResponseWriter, r *http.Request) {
	models := s.unified.ListModels(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

func (s *Server) handleUnifiedChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := s.unified.ChatCompletion(r.Context(), w, body); err != nil {
		writeError(w, err)
	}
}

// --- history handlers ---

func (s *Server) handleHistoryGet(w http.ResponseWriter, _ *http.Request) {
	blob, err := s.history.Load()
	if err != nil {
		writeErrorMessage(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func (s *Server) handleHistorySave(w http.ResponseWriter, r *http.Request) {
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := s.history.Save(blob); err != nil {
		writeErrorMessage(w, http.StatusInternalServerError, "failed to save history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- helpers ---

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
