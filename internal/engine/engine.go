package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"chatsync/internal/chat"
)

// Backend is the request/response surface of the external chat service.
// *api.Client implements it.
type Backend interface {
	Login(ctx context.Context, email, password string) (int64, error)
	Register(ctx context.Context, username, email, password string) error
	ListUsers(ctx context.Context, userID int64) ([]chat.Contact, error)
	CreateOrGetConversation(ctx context.Context, userID, peerID int64) (int64, error)
	FetchMessages(ctx context.Context, conversationID int64) ([]chat.Message, error)
	PostMessage(ctx context.Context, conversationID, senderID int64, text string) error
}

// Link is an open live channel scoped to one conversation.
// *transport.Conn implements it.
type Link interface {
	Send(p chat.WirePayload) error
	Close() error
}

// LinkCallbacks are the hooks a live channel reports through.
type LinkCallbacks struct {
	OnMessage   func(p chat.WirePayload)
	OnReconnect func()
	OnDown      func(err error)
}

// LinkOpener dials and opens a live channel for a conversation.
type LinkOpener func(conversationID int64, callbacks LinkCallbacks) (Link, error)

// Engine is the realtime chat synchronization core. It owns the session
// state machine, the per-conversation message log, the live channel
// lifecycle, and the outbound send pipeline.
//
// All mutation happens under a single mutex; asynchronous completions
// (live payloads, reconnects, the history fetch) re-validate the active
// conversation before touching anything, so late arrivals from a
// conversation the user has left are discarded rather than merged.
type Engine struct {
	backend Backend
	opener  LinkOpener
	logger  *slog.Logger
	tracer  trace.Tracer
	meter   metric.Meter

	// notify is invoked (without the engine lock held) after every state
	// or log change, so a presentation layer can re-render.
	notify func()

	mu       sync.Mutex
	view     chat.View
	userID   int64
	contacts []chat.Contact
	conv     *chat.Conversation
	link     Link
	rec      *Reconciler
	// banner is the non-fatal error surfaced to the user, if any. A
	// successful reconnect or a view transition clears it.
	banner string
}

// Options configures optional engine collaborators.
type Options struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Notify func()
}

// NewEngine creates the synchronization engine in the unauthenticated
// state.
func NewEngine(backend Backend, opener LinkOpener, logger *slog.Logger, opts Options) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if opener == nil {
		return nil, fmt.Errorf("link opener cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Engine{
		backend: backend,
		opener:  opener,
		logger:  logger,
		tracer:  opts.Tracer,
		meter:   opts.Meter,
		notify:  opts.Notify,
		view:    chat.ViewUnauthenticated,
		rec:     NewReconciler(),
	}, nil
}

// View returns the active top-level view.
func (e *Engine) View() chat.View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// UserID returns the authenticated user id, zero when unauthenticated.
func (e *Engine) UserID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// Contacts returns the last loaded contact list.
func (e *Engine) Contacts() []chat.Contact {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]chat.Contact, len(e.contacts))
	copy(out, e.contacts)
	return out
}

// Conversation returns the active conversation, nil outside the chatting
// view.
func (e *Engine) Conversation() *chat.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conv == nil {
		return nil
	}
	c := *e.conv
	return &c
}

// Messages returns a read-only view of the active conversation's log.
func (e *Engine) Messages() []chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Messages()
}

// Banner returns the current non-fatal error banner, empty when clear.
func (e *Engine) Banner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.banner
}

// changed invokes the presentation callback, never under the engine lock.
func (e *Engine) changed() {
	if e.notify != nil {
		e.notify()
	}
}

// count adds one to a named counter, mirroring how request metrics are
// recorded elsewhere in the stack.
func (e *Engine) count(ctx context.Context, name, description string) {
	if e.meter == nil {
		return
	}
	counter, err := e.meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		e.logger.Warn("failed to create counter", "name", name, "error", err)
		return
	}
	counter.Add(ctx, 1)
}

// span starts a trace span when a tracer is configured.
func (e *Engine) span(ctx context.Context, name string) (context.Context, func()) {
	if e.tracer == nil {
		return ctx, func() {}
	}
	ctx, s := e.tracer.Start(ctx, name)
	return ctx, func() { s.End() }
}
