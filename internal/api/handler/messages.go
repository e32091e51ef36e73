package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/xela07ax/healthsync/internal/wire"
	"go.uber.org/zap"
)

// Sender - отправка пиру через мост
type Sender interface {
	Send(ctx context.Context, msg wire.Message) (string, error)
}

// PeerState - что известно о пире (Responder)
type PeerState interface {
	LastSeen() time.Time
	LastSnapshot() (wire.StepsSnapshot, bool)
}

type MessagesHandler struct {
	sender Sender
	peer   PeerState
	logger *zap.Logger
}

func NewMessagesHandler(s Sender, peer PeerState, logger *zap.Logger) *MessagesHandler {
	return &MessagesHandler{sender: s, peer: peer, logger: logger}
}

// Send принимает сообщение в основном формате. ID конверта ставит мост.
func (h *MessagesHandler) Send(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	env, err := wire.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.sender.Send(r.Context(), env.Message)
	if err != nil {
		h.logger.Error("message not delivered", zap.String("id", id), zap.Error(err))
		http.Error(w, "message not delivered", http.StatusBadGateway)
		return
	}

	writeJSON(w, h.logger, http.StatusAccepted, map[string]string{"id": id})
}

type peerResponse struct {
	LastSeen *time.Time    `json:"last_seen,omitempty"`
	Snapshot *snapshotJSON `json:"last_snapshot,omitempty"`
}

type snapshotJSON struct {
	Steps float64   `json:"steps"`
	Date  time.Time `json:"date"`
}

func (h *MessagesHandler) Peer(w http.ResponseWriter, r *http.Request) {
	var resp peerResponse
	if seen := h.peer.LastSeen(); !seen.IsZero() {
		resp.LastSeen = &seen
	}
	if snap, ok := h.peer.LastSnapshot(); ok {
		resp.Snapshot = &snapshotJSON{Steps: snap.Steps, Date: snap.Date}
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}
