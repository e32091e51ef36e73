package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "healthsync"
)

// Ключи для Sets (состояние)
const (
	RedisKeyGrants             = RedisNamespace + ":grants"
	RedisKeyBackgroundDelivery = RedisNamespace + ":background_delivery"
)

// SamplesChannel - канал уведомлений об изменении метрики.
func SamplesChannel(metric string) string {
	return fmt.Sprintf("%s:samples:%s", RedisNamespace, metric)
}

// DirectChannel - прямой канал устройства (Pub/Sub, доставка только онлайн).
func DirectChannel(deviceID string) string {
	return fmt.Sprintf("%s:direct:%s", RedisNamespace, deviceID)
}

// OutboxKey - очередь store-and-forward для устройства (List).
func OutboxKey(deviceID string) string {
	return fmt.Sprintf("%s:outbox:%s", RedisNamespace, deviceID)
}
