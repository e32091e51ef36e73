package bridge

import "context"

// Transport - канал связи с парным устройством.
// Два пути: прямой (только когда пир онлайн) и store-and-forward (доставка когда-нибудь).
type Transport interface {
	// Activate начинает прием входящих и отдает их в Receiver. Повторный вызов - no-op.
	Activate(ctx context.Context, r Receiver) error

	// Reachable - можно ли прямо сейчас доставить сообщение напрямую
	Reachable(ctx context.Context) bool

	SendMessageData(ctx context.Context, data []byte) error
	TransferUserInfo(ctx context.Context, info map[string]any) error
}

// Receiver получает входящие по обоим путям и события сессии.
// Вызовы могут идти из любой горутины транспорта и не должны блокироваться.
type Receiver interface {
	HandleMessageData(data []byte)
	HandleUserInfo(info map[string]any)
	HandleSessionInvalidated()
}
