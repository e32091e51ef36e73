package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/healthsync/internal/domain"
	"github.com/xela07ax/healthsync/internal/infra"
	"go.uber.org/zap"
)

// Dashboard - то, что нам нужно от контроллера экрана
type Dashboard interface {
	State() domain.DashboardState
	RequestAuthorization(ctx context.Context)
	LoadOnce(ctx context.Context)
	StartStreaming()
	StopStreaming()
}

type DashboardHandler struct {
	ctrl   Dashboard
	logger *zap.Logger
}

func NewDashboardHandler(c Dashboard, logger *zap.Logger) *DashboardHandler {
	return &DashboardHandler{ctrl: c, logger: infra.OrNop(logger)}
}

// Routes Маршруты для Chi. Каждая команда отвечает итоговым состоянием.
func (h *DashboardHandler) Routes(mw ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(mw...)
	r.Get("/", h.GetState)
	r.Post("/authorize", h.Authorize)
	r.Post("/load", h.Load)
	r.Post("/stream", h.StartStream)
	r.Delete("/stream", h.StopStream)
	return r
}

func (h *DashboardHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.ctrl.State())
}

func (h *DashboardHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	h.ctrl.RequestAuthorization(r.Context())
	writeJSON(w, h.logger, http.StatusOK, h.ctrl.State())
}

func (h *DashboardHandler) Load(w http.ResponseWriter, r *http.Request) {
	h.ctrl.LoadOnce(r.Context())
	writeJSON(w, h.logger, http.StatusOK, h.ctrl.State())
}

func (h *DashboardHandler) StartStream(w http.ResponseWriter, r *http.Request) {
	h.ctrl.StartStreaming()
	writeJSON(w, h.logger, http.StatusOK, h.ctrl.State())
}

func (h *DashboardHandler) StopStream(w http.ResponseWriter, r *http.Request) {
	h.ctrl.StopStreaming()
	writeJSON(w, h.logger, http.StatusOK, h.ctrl.State())
}
