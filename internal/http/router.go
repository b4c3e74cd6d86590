package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrJamesThe3rd/cobranca/internal/auth"
	"github.com/MrJamesThe3rd/cobranca/internal/http/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/http/charge"
	"github.com/MrJamesThe3rd/cobranca/internal/http/report"
)

type Options struct {
	AllowedOrigins []string
	JWTSecret      []byte
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

func New(
	chargesV1 *charge.Handler,
	batchesV1 *batch.Handler,
	reportsV1 *report.Handler,
	opts Options,
) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	if len(opts.AllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.ActorHeader},
			ExposedHeaders:   []string{"Content-Disposition", "X-Checksum-SHA256"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if opts.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(opts.JWTSecret))

		r.Route("/charges", func(r chi.Router) {
			r.Use(middleware.AllowContentType("application/json"))
			chargesV1.Routes(r)
		})

		r.Route("/batches", batchesV1.Routes)

		r.Route("/reports", reportsV1.Routes)
	})

	return router
}
