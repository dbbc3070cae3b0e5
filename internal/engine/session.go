package engine

import (
	"context"
	"fmt"
	"strings"

	"chatsync/internal/chat"
)

// Login authenticates and moves the session to the contact list. Rejected
// credentials surface as *chat.AuthError and leave the view unchanged.
func (e *Engine) Login(ctx context.Context, email, password string) error {
	ctx, done := e.span(ctx, "login")
	defer done()

	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return &chat.ValidationError{Reason: "please enter all fields"}
	}

	e.mu.Lock()
	if e.view != chat.ViewUnauthenticated {
		e.mu.Unlock()
		return fmt.Errorf("login not available from view %s", e.view)
	}
	e.mu.Unlock()

	userID, err := e.backend.Login(ctx, email, password)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.view != chat.ViewUnauthenticated {
		e.mu.Unlock()
		return fmt.Errorf("login raced with a view change")
	}
	e.userID = userID
	e.view = chat.ViewBrowsingContacts
	e.mu.Unlock()

	e.logger.Info("session authenticated", "user_id", userID)
	e.changed()

	// The contact list failing to load is non-fatal; the view stays.
	if err := e.RefreshContacts(ctx); err != nil {
		e.logger.Warn("failed to load contacts after login", "error", err)
	}
	return nil
}

// BeginRegistration moves from the login view to the registration form.
func (e *Engine) BeginRegistration() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.view != chat.ViewUnauthenticated {
		return fmt.Errorf("registration not available from view %s", e.view)
	}
	e.view = chat.ViewRegistering
	return nil
}

// CancelRegistration abandons the registration form.
func (e *Engine) CancelRegistration() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.view != chat.ViewRegistering {
		return fmt.Errorf("not registering")
	}
	e.view = chat.ViewUnauthenticated
	return nil
}

// Register creates an account and returns to the login view on success.
// Missing fields and backend rejections surface as *chat.ValidationError.
func (e *Engine) Register(ctx context.Context, username, email, password string) error {
	ctx, done := e.span(ctx, "register")
	defer done()

	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return &chat.ValidationError{Reason: "please enter all fields"}
	}

	e.mu.Lock()
	if e.view != chat.ViewRegistering {
		e.mu.Unlock()
		return fmt.Errorf("registration not available from view %s", e.view)
	}
	e.mu.Unlock()

	if err := e.backend.Register(ctx, username, email, password); err != nil {
		return err
	}

	e.mu.Lock()
	if e.view == chat.ViewRegistering {
		e.view = chat.ViewUnauthenticated
	}
	e.mu.Unlock()

	e.logger.Info("registration completed", "email", email)
	e.changed()
	return nil
}

// RefreshContacts reloads the contact list for the browsing view.
func (e *Engine) RefreshContacts(ctx context.Context) error {
	e.mu.Lock()
	if e.view != chat.ViewBrowsingContacts {
		e.mu.Unlock()
		return fmt.Errorf("contacts not available from view %s", e.view)
	}
	userID := e.userID
	e.mu.Unlock()

	contacts, err := e.backend.ListUsers(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	e.mu.Lock()
	if e.view == chat.ViewBrowsingContacts {
		e.contacts = contacts
	}
	e.mu.Unlock()
	e.changed()
	return nil
}

// SelectContact enters the chatting view with the chosen peer. The side
// effects are ordered: resolve the conversation, open the live channel,
// then trigger the one-shot history fetch. The open/history race is
// resolved by the reconciler's pre-snapshot buffering, not by sequencing.
func (e *Engine) SelectContact(ctx context.Context, peerID int64) error {
	ctx, done := e.span(ctx, "select_contact")
	defer done()

	e.mu.Lock()
	if e.view != chat.ViewBrowsingContacts {
		e.mu.Unlock()
		return fmt.Errorf("cannot open a chat from view %s", e.view)
	}
	userID := e.userID
	e.mu.Unlock()

	conversationID, err := e.backend.CreateOrGetConversation(ctx, userID, peerID)
	if err != nil {
		return fmt.Errorf("failed to resolve conversation: %w", err)
	}

	e.mu.Lock()
	if e.view != chat.ViewBrowsingContacts {
		e.mu.Unlock()
		return fmt.Errorf("contact selection raced with a view change")
	}
	e.conv = &chat.Conversation{ID: conversationID, PeerUserID: peerID}
	e.view = chat.ViewChatting
	e.banner = ""
	e.rec.Reset()
	e.mu.Unlock()
	e.changed()

	e.openLink(conversationID)
	go e.loadHistory(ctx, conversationID)

	e.logger.Info("entered conversation", "conversation_id", conversationID, "peer_id", peerID)
	return nil
}

// openLink dials the live channel for a conversation and installs it if
// the user is still there. A failed dial degrades to history-only with a
// banner; it does not abort the view.
func (e *Engine) openLink(conversationID int64) {
	callbacks := LinkCallbacks{
		OnMessage:   func(p chat.WirePayload) { e.handleLive(conversationID, p) },
		OnReconnect: func() { e.handleReconnect(conversationID) },
		OnDown:      func(err error) { e.handleDown(conversationID, err) },
	}

	link, err := e.opener(conversationID, callbacks)
	if err != nil {
		e.logger.Warn("failed to open live channel", "conversation_id", conversationID, "error", err)
		e.mu.Lock()
		if e.conv != nil && e.conv.ID == conversationID {
			e.banner = "live connection unavailable"
		}
		e.mu.Unlock()
		e.changed()
		return
	}

	e.mu.Lock()
	if e.conv == nil || e.conv.ID != conversationID {
		e.mu.Unlock()
		link.Close()
		return
	}
	e.link = link
	e.mu.Unlock()
}

// loadHistory performs the one-shot history fetch. A snapshot that
// resolves after the user has left the conversation is discarded.
func (e *Engine) loadHistory(ctx context.Context, conversationID int64) {
	ctx, done := e.span(ctx, "load_history")
	defer done()

	snapshot, err := e.backend.FetchMessages(ctx, conversationID)

	e.mu.Lock()
	if e.conv == nil || e.conv.ID != conversationID {
		e.mu.Unlock()
		e.logger.Info("discarded stale history snapshot", "conversation_id", conversationID)
		return
	}
	if err != nil {
		// Resolve as an empty snapshot so buffered live events still
		// commit; the failure is surfaced, not fatal.
		e.banner = "couldn't load message history"
		e.rec.SetSnapshot(nil)
		e.mu.Unlock()
		e.logger.Warn("history fetch failed", "conversation_id", conversationID, "error", err)
		e.changed()
		return
	}
	e.rec.SetSnapshot(snapshot)
	e.mu.Unlock()

	e.logger.Info("history snapshot committed", "conversation_id", conversationID, "count", len(snapshot))
	e.changed()
}

// Back leaves the chatting view. The live channel is closed and the log
// discarded within this call, before any new conversation can be entered.
func (e *Engine) Back() error {
	e.mu.Lock()
	if e.view != chat.ViewChatting {
		e.mu.Unlock()
		return fmt.Errorf("cannot go back from view %s", e.view)
	}
	e.teardownConversationLocked()
	e.view = chat.ViewBrowsingContacts
	e.mu.Unlock()

	e.logger.Info("left conversation")
	e.changed()
	return nil
}

// Logout tears down any active conversation and returns to the login view.
func (e *Engine) Logout() error {
	e.mu.Lock()
	if e.view == chat.ViewUnauthenticated {
		e.mu.Unlock()
		return fmt.Errorf("not logged in")
	}
	e.teardownConversationLocked()
	e.userID = 0
	e.contacts = nil
	e.view = chat.ViewUnauthenticated
	e.mu.Unlock()

	e.logger.Info("session closed")
	e.changed()
	return nil
}

// teardownConversationLocked closes the live channel and clears the log.
// Caller holds e.mu. Closing marks the connection instance superseded, so
// a reconnect already in flight can never resurrect it.
func (e *Engine) teardownConversationLocked() {
	if e.link != nil {
		e.link.Close()
		e.link = nil
	}
	e.conv = nil
	e.rec.Reset()
	e.banner = ""
}

// handleLive ingests a live payload from the channel. Payloads from a
// connection whose conversation is no longer active are dropped.
func (e *Engine) handleLive(conversationID int64, p chat.WirePayload) {
	e.mu.Lock()
	if e.conv == nil || e.conv.ID != conversationID {
		e.mu.Unlock()
		e.logger.Debug("dropped live payload for inactive conversation", "conversation_id", conversationID)
		return
	}
	appended := e.rec.AddLive(p)
	e.mu.Unlock()

	e.count(context.Background(), "chat.messages.received", "Live messages received")
	if appended {
		e.changed()
	}
}

// handleReconnect runs after the channel transparently reconnected. The
// banner clears and the history is re-fetched to fill the outage gap.
func (e *Engine) handleReconnect(conversationID int64) {
	e.count(context.Background(), "chat.transport.reconnects", "Successful live channel reconnects")

	e.mu.Lock()
	if e.conv == nil || e.conv.ID != conversationID {
		e.mu.Unlock()
		return
	}
	e.banner = ""
	e.mu.Unlock()
	e.changed()

	go e.fillGap(conversationID)
}

// fillGap re-fetches the history snapshot after a reconnect and appends
// whatever the outage missed.
func (e *Engine) fillGap(conversationID int64) {
	snapshot, err := e.backend.FetchMessages(context.Background(), conversationID)
	if err != nil {
		e.logger.Warn("gap-fill history fetch failed", "conversation_id", conversationID, "error", err)
		return
	}

	e.mu.Lock()
	if e.conv == nil || e.conv.ID != conversationID {
		e.mu.Unlock()
		return
	}
	added := e.rec.FillGap(snapshot)
	e.mu.Unlock()

	if added > 0 {
		e.logger.Info("filled reconnect gap", "conversation_id", conversationID, "count", added)
		e.changed()
	}
}

// handleDown surfaces an exhausted reconnect budget as a non-fatal banner.
func (e *Engine) handleDown(conversationID int64, err error) {
	e.mu.Lock()
	if e.conv == nil || e.conv.ID != conversationID {
		e.mu.Unlock()
		return
	}
	e.banner = "live connection lost"
	e.mu.Unlock()

	e.logger.Error("live channel down", "conversation_id", conversationID, "error", err)
	e.changed()
}
