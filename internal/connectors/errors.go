package connectors

import "errors"

// ErrPeerUnreachable - прямой путь недоступен: на канале пира никто не слушает
var ErrPeerUnreachable = errors.New("peer is not reachable")
