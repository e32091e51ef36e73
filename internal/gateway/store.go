package gateway

import (
	"context"
	"time"

	"github.com/xela07ax/healthsync/internal/domain"
)

// Store - узкая граница с внешним хранилищем данных здоровья.
// Сама платформа (и ее модель авторизации) вне этого модуля.
type Store interface {
	// Available - поддерживаются ли данные здоровья на устройстве вообще
	Available(ctx context.Context) bool

	// RequestAuthorization сохраняет разрешение на стороне платформы.
	// Отказ пользователя - domain.ErrPermissionDenied.
	RequestAuthorization(ctx context.Context, read, write []domain.Metric) (bool, error)

	// Sum - кумулятивная сумма по полуинтервалу [start, end). Пусто - 0.
	Sum(ctx context.Context, metric domain.Metric, start, end time.Time) (float64, error)

	// Observe регистрирует наблюдателя. onChange не сообщает, что именно изменилось,
	// и может вызываться с ошибкой платформы. Вызов не должен блокироваться надолго.
	Observe(metric domain.Metric, onChange func(err error)) (Observation, error)

	// EnableBackgroundDelivery - best-effort доставка в фоне.
	EnableBackgroundDelivery(ctx context.Context, metric domain.Metric) error
}

// Observation - регистрация наблюдателя на стороне платформы.
type Observation interface {
	Stop()
}
