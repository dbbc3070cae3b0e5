package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"chatsync/internal/chat"
)

// Submit runs the outbound send pipeline for a user-authored message:
// optimistic append to the log, then the persistence write and the live
// publish, which are independent and both attempted even if one fails.
// Empty or whitespace-only input is a no-op: the log, the write API, and
// the channel are all untouched.
//
// A write failure is returned as *chat.WriteError; the optimistic entry
// stays in the log, marked failed.
func (e *Engine) Submit(ctx context.Context, text string) error {
	ctx, done := e.span(ctx, "submit_message")
	defer done()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	e.mu.Lock()
	if e.view != chat.ViewChatting || e.conv == nil {
		e.mu.Unlock()
		return fmt.Errorf("no active conversation")
	}
	msg := chat.Message{
		ID:       uuid.NewString(),
		Text:     text,
		SenderID: e.userID,
		Origin:   chat.OriginPendingSend,
		Status:   chat.DeliveryPending,
	}
	e.rec.AddPending(msg)
	conversationID := e.conv.ID
	senderID := e.userID
	link := e.link
	e.mu.Unlock()
	e.changed()

	writeErr := e.backend.PostMessage(ctx, conversationID, senderID, text)

	e.mu.Lock()
	if e.conv != nil && e.conv.ID == conversationID {
		if writeErr != nil {
			e.rec.MarkFailed(msg.ID)
		} else {
			e.rec.MarkConfirmed(msg.ID)
			e.rec.RecordWrite()
		}
	}
	e.mu.Unlock()
	e.changed()

	if link != nil {
		if err := link.Send(chat.WirePayload{SenderID: senderID, Text: text, ClientID: msg.ID}); err != nil {
			e.logger.Warn("failed to publish message on live channel", "conversation_id", conversationID, "error", err)
		}
	}

	e.count(ctx, "chat.messages.sent", "Messages submitted by the user")

	if writeErr != nil {
		e.logger.Warn("message write failed", "conversation_id", conversationID, "error", writeErr)
		return writeErr
	}
	return nil
}
