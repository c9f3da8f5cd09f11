package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mos/storaged/internal/audit"
	"mos/storaged/internal/config"
	"mos/storaged/internal/engine"
	"mos/storaged/pkg/httpx"
)

func Logger(cfg config.Config) *zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := log.Logger.Level(cfg.LogLevel).With().Timestamp().Logger()
	return &logger
}

// NewRouter builds the loopback API surface. Request parsing and status
// mapping live here; all pool semantics live in the engine.
func NewRouter(cfg config.Config, eng *engine.Engine, auditLog *audit.Log) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(zerologMiddleware(Logger(cfg)))

	// Dev CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	r.Use(c.Handler)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, map[string]any{"ok": true, "version": "0.1.0"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	h := &poolHandler{eng: eng, audit: auditLog}
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/pools", h.list)
		r.Post("/pools/single", h.createSingle)
		r.Post("/pools/multi", h.createMulti)
		r.Post("/pools/mergerfs", h.createMergerFS)
		r.Post("/pools/import", h.importPool)

		r.Route("/pools/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Delete("/", h.remove)
			r.Post("/mount", h.mount)
			r.Post("/unmount", h.unmount)
			r.Post("/raid", h.changeRaid)
			r.Post("/automount", h.automount)
			r.Post("/comment", h.comment)
			r.Post("/path-rules", h.pathRules)
			r.Post("/scrub", h.scrub)

			r.Post("/devices", h.addDevices)
			r.Delete("/devices", h.removeDevices)
			r.Post("/devices/replace", h.replaceDevice)

			r.Post("/parity", h.addParity)
			r.Delete("/parity", h.removeParity)
			r.Post("/parity/replace", h.replaceParity)

			r.Get("/power", h.poolPowerStatus)
			r.Post("/power", h.poolPowerControl)
			r.Get("/disks/{uuid}/power", h.diskPowerStatus)
			r.Post("/disks/{uuid}/power", h.diskPowerControl)
		})

		r.Post("/devices/format", h.formatDevice)
		r.Get("/devices/check", h.checkDevice)
		r.Get("/audit", h.auditRecent)
	})

	return r
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func zerologMiddleware(logger *zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.status).
				Dur("duration", time.Since(start)).
				Msg("http")
		})
	}
}
