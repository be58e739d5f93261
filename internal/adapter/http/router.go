package http

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"go.uber.org/zap"

	"github.com/cterryc/pyme-sub001/internal/adapter/auth"
	"github.com/cterryc/pyme-sub001/internal/adapter/push"
	"github.com/cterryc/pyme-sub001/internal/app"
)

// RouterConfig collects everything the HTTP surface is built from.
type RouterConfig struct {
	ServiceName string
	Version     string

	Service  *app.ApplicationService
	Push     *push.Manager
	Verifier *auth.Verifier
	Limiter  *ActorLimiter

	// AllowedOrigins are cross-origin browser origins accepted by the
	// WebSocket stream.
	AllowedOrigins []string

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Ready backs /healthz; nil means always healthy.
	Ready func(ctx context.Context) error

	Logger *zap.Logger
}

// NewRouter builds the chi router with the Huma API, push streams, health and
// metrics endpoints.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := chi.NewMux()
	router.Use(otelchi.Middleware(cfg.ServiceName, otelchi.WithChiRoutes(router)))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger.Named("http")))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", healthHandler(cfg.Ready))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}

	if cfg.Push != nil {
		ph := NewPushHandler(cfg.Push, cfg.AllowedOrigins, logger)
		router.Group(func(r chi.Router) {
			r.Use(auth.Middleware(cfg.Verifier, logger.Named("auth")))
			r.Get("/api/v1/events", ph.ServeSSE)
			r.Get("/api/v1/events/ws", ph.ServeWS)
		})
	}

	api := humachi.New(router, apiConfig(cfg.ServiceName, cfg.Version))
	api.UseMiddleware(authenticate(api, cfg.Verifier))
	Register(api, cfg.Service, cfg.Limiter)

	return router
}

func apiConfig(name, version string) huma.Config {
	config := huma.DefaultConfig(name, version)
	if config.Components.SecuritySchemes == nil {
		config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	config.Components.SecuritySchemes["bearer"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	config.Security = []map[string][]string{{"bearer": {}}}
	return config
}

// authenticate verifies the caller credential of every API operation and
// stores the identity in the operation context.
func authenticate(api huma.API, v *auth.Verifier) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		id, err := v.Verify(auth.Credential(ctx.Header("Authorization"), ctx.Query("access_token")))
		if err != nil {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "missing or invalid credential")
			return
		}
		next(huma.WithContext(ctx, auth.WithIdentity(ctx.Context(), id)))
	}
}

func healthHandler(ready func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				writeProblem(w, http.StatusServiceUnavailable, "not ready")
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
