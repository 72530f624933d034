package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	core_port "notification-service/internal/core/port"
)

type ServerConfig struct {
	Port           string
	AllowedOrigins []string
	Identity       core_port.IdentityProviderPort
	Credential     CredentialExtractor
}

// Server - REST API и SSE сервер notification-service
type Server struct {
	httpServer *http.Server
	logger     core_port.LoggerPort
}

// NewRouter собирает маршруты; вынесен отдельно для тестов
func NewRouter(cfg ServerConfig, handlers *NotificationHandler, baseLogger core_port.LoggerPort) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP, LoggerMiddleware(baseLogger), middleware.Recoverer)

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", "X-Trace-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	credential := cfg.Credential
	if credential == nil {
		credential = BearerCredential
	}

	r.Get("/health", handlers.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/notifications", func(r chi.Router) {
			// Аутентификацию потока выполняет менеджер жизненного цикла
			r.Get("/stream", handlers.Stream)

			// Внутренний роут: вызывается сервисами без AMQP-клиента
			r.Post("/", handlers.Publish)

			r.Group(func(r chi.Router) {
				r.Use(AuthMiddleware(cfg.Identity, credential))
				r.Get("/", handlers.GetHistory)
			})
		})

		// Внутренний роут, доступен только из внутренней сети
		r.Delete("/subjects/{subjectID}/connections", handlers.EvictSubject)
	})

	return r
}

func NewServer(cfg ServerConfig, handlers *NotificationHandler, baseLogger core_port.LoggerPort) *Server {
	// WriteTimeout не задан: SSE-ответы живут сколько угодно долго
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewRouter(cfg, handlers, baseLogger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     baseLogger.WithFields(core_port.Fields{"component": "rest_server"}),
	}
}

// Start запускает HTTP-сервер.
func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", core_port.Fields{"address": s.httpServer.Addr})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Could not start server", err, nil)
		return fmt.Errorf("could not start server: %w", err)
	}
	return nil
}

// Stop корректно останавливает сервер.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping REST API server...", nil)
	return s.httpServer.Shutdown(ctx)
}
