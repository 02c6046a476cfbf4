package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/kaataq/internal/store"
	"github.com/DoyleJ11/kaataq/internal/ws"
)

type Options struct {
	// PublicURL prefixes the join links encoded in QR codes.
	PublicURL      string
	CodeAttempts   int
	OriginPatterns []string
	Logger         *zap.Logger
}

func SetupRoutes(st store.Store, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CodeAttempts <= 0 {
		opts.CodeAttempts = 10
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/join/{code}", JoinPage)
	r.Post("/rooms/code", FreeCode(st, opts.CodeAttempts, opts.Logger))

	r.Route("/rooms/{code}", func(r chi.Router) {
		r.Use(validCode)
		r.Get("/", GetRoom(st))
		r.Put("/", PutRoom(st))
		r.Patch("/", PatchRoom(st))
		r.Delete("/", DeleteRoom(st))
		r.Get("/qr.png", JoinQR(opts.PublicURL))
		r.Get("/ws", ws.Handler(st, ws.Options{OriginPatterns: opts.OriginPatterns, Logger: opts.Logger}))
	})
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
