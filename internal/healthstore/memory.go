package healthstore

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/healthsync/internal/domain"
	"github.com/xela07ax/healthsync/internal/gateway"
)

type point struct {
	ts    time.Time
	value float64
}

// MemoryStore - хранилище данных здоровья в памяти процесса.
// Используется в демо-режиме и в тестах; ручки Set* имитируют сбои платформы.
type MemoryStore struct {
	mu         sync.Mutex
	available  bool
	denied     bool
	sumErr     error
	bgErr      error
	observeErr error

	points    map[domain.Metric][]point
	observers map[domain.Metric]map[uint64]func(error)
	nextObs   uint64
	grants    map[domain.Metric]bool
	bgMetrics map[domain.Metric]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		available: true,
		points:    make(map[domain.Metric][]point),
		observers: make(map[domain.Metric]map[uint64]func(error)),
		grants:    make(map[domain.Metric]bool),
		bgMetrics: make(map[domain.Metric]bool),
	}
}

func (m *MemoryStore) SetAvailable(v bool) {
	m.mu.Lock()
	m.available = v
	m.mu.Unlock()
}

// SetDenied - пользователь отказал в доступе.
func (m *MemoryStore) SetDenied(v bool) {
	m.mu.Lock()
	m.denied = v
	m.mu.Unlock()
}

func (m *MemoryStore) SetSumError(err error) {
	m.mu.Lock()
	m.sumErr = err
	m.mu.Unlock()
}

func (m *MemoryStore) SetObserveError(err error) {
	m.mu.Lock()
	m.observeErr = err
	m.mu.Unlock()
}

func (m *MemoryStore) SetBackgroundDeliveryError(err error) {
	m.mu.Lock()
	m.bgErr = err
	m.mu.Unlock()
}

func (m *MemoryStore) Available(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

func (m *MemoryStore) RequestAuthorization(ctx context.Context, read, write []domain.Metric) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied {
		return false, domain.ErrPermissionDenied
	}
	for _, s := range append(append([]domain.Metric{}, read...), write...) {
		m.grants[s] = true
	}
	return true, nil
}

// Granted - было ли выдано разрешение на метрику.
func (m *MemoryStore) Granted(metric domain.Metric) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grants[metric]
}

func (m *MemoryStore) Sum(ctx context.Context, metric domain.Metric, start, end time.Time) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sumErr != nil {
		return 0, m.sumErr
	}

	var total float64
	for _, p := range m.points[metric] {
		// Полуинтервал: начало включительно, конец исключительно
		if !p.ts.Before(start) && p.ts.Before(end) {
			total += p.value
		}
	}
	return total, nil
}

func (m *MemoryStore) Observe(metric domain.Metric, onChange func(err error)) (gateway.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.observeErr != nil {
		return nil, m.observeErr
	}

	m.nextObs++
	id := m.nextObs
	if m.observers[metric] == nil {
		m.observers[metric] = make(map[uint64]func(error))
	}
	m.observers[metric][id] = onChange
	return &memoryObservation{store: m, metric: metric, id: id}, nil
}

func (m *MemoryStore) EnableBackgroundDelivery(ctx context.Context, metric domain.Metric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bgErr != nil {
		return m.bgErr
	}
	m.bgMetrics[metric] = true
	return nil
}

// ObserverCount - сколько наблюдателей зарегистрировано на метрику.
func (m *MemoryStore) ObserverCount(metric domain.Metric) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers[metric])
}

// Add добавляет точку и уведомляет наблюдателей метрики.
func (m *MemoryStore) Add(metric domain.Metric, ts time.Time, value float64) {
	m.mu.Lock()
	m.points[metric] = append(m.points[metric], point{ts: ts, value: value})
	handlers := m.handlers(metric)
	m.mu.Unlock()

	for _, h := range handlers {
		h(nil)
	}
}

// Record реализует прием сэмплов из HTTP API.
func (m *MemoryStore) Record(ctx context.Context, ms domain.Measurement) error {
	m.Add(ms.Metric, ms.Timestamp, ms.Value)
	return nil
}

// Fail доставляет наблюдателям ошибку платформы.
func (m *MemoryStore) Fail(metric domain.Metric, err error) {
	m.mu.Lock()
	handlers := m.handlers(metric)
	m.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
}

func (m *MemoryStore) handlers(metric domain.Metric) []func(error) {
	hs := make([]func(error), 0, len(m.observers[metric]))
	for _, h := range m.observers[metric] {
		hs = append(hs, h)
	}
	return hs
}

type memoryObservation struct {
	store  *MemoryStore
	metric domain.Metric
	id     uint64
}

func (o *memoryObservation) Stop() {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	delete(o.store.observers[o.metric], o.id)
}
