package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and configures the HTTP router
func NewRouter(handlers *Handlers, authMiddleware *AuthMiddleware, loggingMiddleware *LoggingMiddleware) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware - ORDER MATTERS!
	r.Use(middleware.RequestID)      // Generate request ID first
	r.Use(middleware.RealIP)         // Extract real IP
	r.Use(loggingMiddleware.Handler) // Add logger to context with request ID
	r.Use(middleware.Recoverer)      // Panic recovery
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"}, // Expose request ID
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint (no auth required)
	r.Get("/health", handlers.Health)

	// API v1 routes (with authentication)
	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		// Definitions
		r.Get("/definitions", handlers.ListDefinitions)

		// Pipelines
		r.Post("/pipelines", handlers.TriggerPipeline)
		r.Get("/pipelines/{pipeline_id}", handlers.GetPipeline)
		r.Post("/pipelines/{pipeline_id}/cancel", handlers.CancelPipeline)
		r.Get("/pipelines/{pipeline_id}/jobs", handlers.ListPipelineJobs)

		// Jobs
		r.Get("/jobs/{job_id}", handlers.GetJob)
		r.Get("/jobs/{job_id}/dependencies", handlers.GetJobDependencies)
		r.Post("/jobs/{job_id}/retry", handlers.RetryJob)
		r.Post("/jobs/{job_id}/play", handlers.PlayJob)
		r.Post("/jobs/{job_id}/erase", handlers.EraseJobArtifacts)

		// Runner protocol
		r.Post("/runners/request_job", handlers.RequestJob)
		r.Post("/jobs/{job_id}/ack", handlers.AckJob)
		r.Post("/jobs/{job_id}/heartbeat", handlers.HeartbeatJob)
		r.Post("/jobs/{job_id}/finish", handlers.FinishJob)
	})

	return r
}
