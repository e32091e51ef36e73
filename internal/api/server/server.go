package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/healthsync/internal/api/handler"
	"github.com/xela07ax/healthsync/internal/infra"
	"github.com/xela07ax/healthsync/internal/infra/auth"
	"go.uber.org/zap"
)

const (
	ScopeDashboard    = "dashboard"
	ScopeSamplesWrite = "samples.write"
	ScopeMessagesSend = "messages.send"
)

type APIServer struct {
	router *chi.Mux
	logger *zap.Logger

	// nil - API открыт (ключ не настроен)
	validator auth.TokenValidator

	dashHandler     *handler.DashboardHandler // /v1/dashboard
	samplesHandler  *handler.SamplesHandler   // /v1/samples
	messagesHandler *handler.MessagesHandler  // /v1/messages, /v1/peer
}

func NewAPIServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	dashH *handler.DashboardHandler,
	samplesH *handler.SamplesHandler,
	messagesH *handler.MessagesHandler,
) *APIServer {
	s := &APIServer{
		router:          chi.NewRouter(),
		logger:          infra.OrNop(logger).Named("api"),
		validator:       validator,
		dashHandler:     dashH,
		samplesHandler:  samplesH,
		messagesHandler: messagesH,
	}

	s.routes()
	return s
}

func (s *APIServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. Защищенный периметр (RS256, если ключ настроен) ---
	r.Group(func(r chi.Router) {
		if s.validator != nil {
			r.Use(auth.NewMiddleware(s.validator, s.logger))
		}

		r.Mount("/v1/dashboard", s.dashHandler.Routes(auth.RequireScope(ScopeDashboard)))
		r.With(auth.RequireScope(ScopeSamplesWrite)).Post("/v1/samples", s.samplesHandler.Record)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(ScopeMessagesSend))
			r.Post("/v1/messages", s.messagesHandler.Send)
			r.Get("/v1/peer", s.messagesHandler.Peer)
		})
	})
}

// ServeHTTP позволяет использовать APIServer как стандартный http.Handler
func (s *APIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
