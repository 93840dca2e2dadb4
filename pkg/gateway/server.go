package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sipeed/larkrelay/pkg/config"
	"github.com/sipeed/larkrelay/pkg/logger"
	"github.com/sipeed/larkrelay/pkg/relay"
)

// WebhookHandler processes one webhook body.
type WebhookHandler interface {
	Handle(ctx context.Context, body []byte) (relay.Ack, relay.Outcome)
}

// Server is the HTTP shell around the relay.
type Server struct {
	cfg        config.GatewayConfig
	handler    WebhookHandler
	router     chi.Router
	httpServer *http.Server
}

func New(cfg config.GatewayConfig, handler WebhookHandler) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHealth)
	r.Post(s.webhookPath(), s.handleWebhook)
	if s.cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) webhookPath() string {
	if s.cfg.WebhookPath == "" {
		return "/lark/webhook"
	}
	return s.cfg.WebhookPath
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, s.cfg.HealthText)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	if s.cfg.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		logger.ErrorCF("gateway", "Failed to read webhook body", map[string]interface{}{
			"request_id": middleware.GetReqID(r.Context()),
			"error":      err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, []byte(`{"code":-1}`))
		return
	}

	ack, out := s.handler.Handle(r.Context(), raw)
	logger.DebugCF("gateway", "Webhook acknowledged", map[string]interface{}{
		"request_id":     middleware.GetReqID(r.Context()),
		"correlation_id": out.CorrelationID,
		"status":         ack.Status,
	})
	writeJSON(w, ack.Status, ack.Body)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.InfoCF("gateway", "HTTP request", map[string]interface{}{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote":      r.RemoteAddr,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

// Start listens on the configured address until Shutdown is called.
func (s *Server) Start() error {
	logger.InfoCF("gateway", "Server listening", map[string]interface{}{
		"addr":    s.cfg.Addr(),
		"webhook": s.webhookPath(),
		"metrics": s.cfg.MetricsEnabled,
	})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
