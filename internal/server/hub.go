package server

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// hub fans each live message out to every connection subscribed to the
// same conversation. Messages are relayed verbatim; the server does not
// interpret the payload.
type hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[int64]map[*websocket.Conn]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		logger: logger,
		conns:  make(map[int64]map[*websocket.Conn]struct{}),
	}
}

// add subscribes a connection to a conversation.
func (h *hub) add(chatID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[chatID] == nil {
		h.conns[chatID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[chatID][conn] = struct{}{}
}

// remove unsubscribes a connection, dropping the conversation entry when
// it empties.
func (h *hub) remove(chatID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[chatID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.conns, chatID)
		}
	}
}

// broadcast sends a raw message to every connection in a conversation,
// including the sender. Writes are serialized under the hub lock so
// concurrent readers never interleave frames on one socket.
func (h *hub) broadcast(chatID int64, messageType int, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns[chatID] {
		if err := conn.WriteMessage(messageType, data); err != nil {
			h.logger.Warn("failed to relay live message", "chat_id", chatID, "error", err)
		}
	}
}
