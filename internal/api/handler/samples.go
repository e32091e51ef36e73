package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/xela07ax/healthsync/internal/domain"
	"github.com/xela07ax/healthsync/internal/healthstore"
	"go.uber.org/zap"
)

// Recorder - прием сырых точек (MemoryStore или Store с Writer)
type Recorder interface {
	Record(ctx context.Context, m domain.Measurement) error
}

type SamplesHandler struct {
	recorder Recorder
	logger   *zap.Logger
}

// NewSamplesHandler: recorder может быть nil, если хранилище не принимает записи
func NewSamplesHandler(rec Recorder, logger *zap.Logger) *SamplesHandler {
	return &SamplesHandler{recorder: rec, logger: logger}
}

type RecordRequest struct {
	Metric    domain.Metric `json:"metric"`
	Value     float64       `json:"value"`
	Timestamp *time.Time    `json:"timestamp,omitempty"`
	Source    string        `json:"source"`
}

func (h *SamplesHandler) Record(w http.ResponseWriter, r *http.Request) {
	if h.recorder == nil {
		http.Error(w, "recording is not supported by this store", http.StatusNotImplemented)
		return
	}

	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Metric == "" || math.IsNaN(req.Value) || math.IsInf(req.Value, 0) || req.Value < 0 {
		http.Error(w, "metric and a non-negative value are required", http.StatusBadRequest)
		return
	}

	m := domain.Measurement{Metric: req.Metric, Value: req.Value, Source: req.Source, Timestamp: time.Now()}
	if req.Timestamp != nil {
		m.Timestamp = *req.Timestamp
	}

	if err := h.recorder.Record(r.Context(), m); err != nil {
		h.logger.Error("failed to record sample", zap.String("metric", string(m.Metric)), zap.Error(err))
		if errors.Is(err, healthstore.ErrBufferFull) || errors.Is(err, healthstore.ErrWriterClosed) {
			http.Error(w, "ingest is overloaded", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "failed to record sample", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
