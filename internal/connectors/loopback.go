package connectors

import (
	"context"
	"sync"

	"github.com/xela07ax/healthsync/internal/bridge"
)

// Loopback - транспорт внутри процесса. Пара связанных концов имитирует два устройства:
// прямой путь работает, только пока пир активирован и достижим; store-and-forward
// копит сообщения, пока пир не активирован, и отдает их при активации.
type Loopback struct {
	mu        sync.Mutex
	peer      *Loopback
	receiver  bridge.Receiver
	reachable bool
	pending   []map[string]any // входящие store-and-forward до активации

	directErr   error
	transferErr error
	directSends int
	transfers   int
}

func NewLoopbackPair() (*Loopback, *Loopback) {
	a := &Loopback{reachable: true}
	b := &Loopback{reachable: true}
	a.peer, b.peer = b, a
	return a, b
}

func (l *Loopback) Activate(ctx context.Context, r bridge.Receiver) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.receiver != nil {
		l.mu.Unlock()
		return nil
	}
	l.receiver = r
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, info := range pending {
		r.HandleUserInfo(info)
	}
	return nil
}

// Reachable - пир активирован и не выключен тумблером
func (l *Loopback) Reachable(ctx context.Context) bool {
	l.mu.Lock()
	reachable := l.reachable
	l.mu.Unlock()
	return reachable && l.peer.active()
}

func (l *Loopback) SendMessageData(ctx context.Context, data []byte) error {
	l.mu.Lock()
	l.directSends++
	err, reachable := l.directErr, l.reachable
	l.mu.Unlock()

	if err != nil {
		return err
	}
	r := l.peer.current()
	if !reachable || r == nil {
		return ErrPeerUnreachable
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	r.HandleMessageData(cp)
	return nil
}

func (l *Loopback) TransferUserInfo(ctx context.Context, info map[string]any) error {
	l.mu.Lock()
	l.transfers++
	err := l.transferErr
	l.mu.Unlock()

	if err != nil {
		return err
	}
	l.peer.enqueue(info)
	return nil
}

// SetReachable - тумблер прямого пути (пир "вне зоны")
func (l *Loopback) SetReachable(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reachable = v
}

// FailDirect заставляет прямую отправку возвращать err (nil - снять сбой)
func (l *Loopback) FailDirect(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.directErr = err
}

// FailTransfer заставляет store-and-forward возвращать err (nil - снять сбой)
func (l *Loopback) FailTransfer(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transferErr = err
}

// Invalidate обрывает сессию: получатель отключается и узнает об этом
func (l *Loopback) Invalidate() {
	l.mu.Lock()
	r := l.receiver
	l.receiver = nil
	l.mu.Unlock()

	if r != nil {
		r.HandleSessionInvalidated()
	}
}

// DirectSends - сколько раз вызывалась прямая отправка
func (l *Loopback) DirectSends() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.directSends
}

// Transfers - сколько раз вызывался store-and-forward
func (l *Loopback) Transfers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfers
}

func (l *Loopback) active() bool {
	return l.current() != nil
}

func (l *Loopback) current() bridge.Receiver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receiver
}

func (l *Loopback) enqueue(info map[string]any) {
	cp := make(map[string]any, len(info))
	for k, v := range info {
		cp[k] = v
	}

	l.mu.Lock()
	r := l.receiver
	if r == nil {
		l.pending = append(l.pending, cp)
	}
	l.mu.Unlock()

	if r != nil {
		r.HandleUserInfo(cp)
	}
}
