package engine

import (
	"log/slog"

	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/transport"
)

// NewTransportOpener returns a LinkOpener backed by the WebSocket
// transport, scoped to the configured backend.
func NewTransportOpener(cfg config.Config, logger *slog.Logger) LinkOpener {
	return func(conversationID int64, callbacks LinkCallbacks) (Link, error) {
		conn := transport.NewConn(cfg.ServerURL, conversationID, cfg.Transport, logger, transport.Options{
			OnMessage: func(p chat.WirePayload) {
				if callbacks.OnMessage != nil {
					callbacks.OnMessage(p)
				}
			},
			OnReconnect: callbacks.OnReconnect,
			OnDown:      callbacks.OnDown,
		})
		if err := conn.Open(); err != nil {
			return nil, err
		}
		return conn, nil
	}
}
