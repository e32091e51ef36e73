package domain

import "time"

// Metric - непрозрачный идентификатор типа данных платформы (scope для авторизации).
type Metric string

const (
	MetricStepCount Metric = "step_count"
)

// Unit возвращает подпись единицы измерения для метрики.
func (m Metric) Unit() string {
	switch m {
	case MetricStepCount:
		return "steps"
	default:
		return string(m)
	}
}

// Sample - агрегат, адаптированный для потребителей. Неизменяем после создания.
type Sample struct {
	ID        string    `json:"id"`        // UUID
	Timestamp time.Time `json:"timestamp"` // Время адаптации, а не время события
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
}

// Measurement - сырая точка данных для эталонного хранилища (ingest).
type Measurement struct {
	ID        string    `json:"id"`
	Metric    Metric    `json:"metric"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Source    string    `json:"source"` // Какое устройство прислало
}
