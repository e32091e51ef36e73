package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// writeJSON кодирует ответ до записи заголовков: если значение не сериализуется
// (например, NaN в итоге), клиент получает 500, а не обрезанный 200.
func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		logger.Error("failed to encode response", zap.Int("status", status), zap.Error(err))
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		logger.Debug("failed to write response", zap.Error(err))
	}
}
