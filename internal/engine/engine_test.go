package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/chat"
)

// fakeBackend is an in-memory stand-in for the external chat service.
type fakeBackend struct {
	mu         sync.Mutex
	loginID    int64
	loginErr   error
	users      []chat.Contact
	convID     int64
	convErr    error
	history    map[int64][]chat.Message
	historyErr error
	// gates block FetchMessages per conversation until closed, to
	// simulate a slow history fetch.
	gates   map[int64]chan struct{}
	fetches map[int64]int
	posts   []postCall
	postErr error
}

type postCall struct {
	conversationID int64
	senderID       int64
	text           string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		loginID: 1,
		users:   []chat.Contact{{UserID: 2, Username: "peer"}},
		convID:  7,
		history: map[int64][]chat.Message{},
		gates:   map[int64]chan struct{}{},
		fetches: map[int64]int{},
	}
}

func (b *fakeBackend) Login(ctx context.Context, email, password string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loginErr != nil {
		return 0, b.loginErr
	}
	return b.loginID, nil
}

func (b *fakeBackend) Register(ctx context.Context, username, email, password string) error {
	return nil
}

func (b *fakeBackend) ListUsers(ctx context.Context, userID int64) ([]chat.Contact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]chat.Contact(nil), b.users...), nil
}

func (b *fakeBackend) CreateOrGetConversation(ctx context.Context, userID, peerID int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.convErr != nil {
		return 0, b.convErr
	}
	return b.convID, nil
}

func (b *fakeBackend) FetchMessages(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	b.mu.Lock()
	b.fetches[conversationID]++
	gate := b.gates[conversationID]
	snapshot := append([]chat.Message(nil), b.history[conversationID]...)
	err := b.historyErr
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return snapshot, err
}

func (b *fakeBackend) PostMessage(ctx context.Context, conversationID, senderID int64, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.posts = append(b.posts, postCall{conversationID, senderID, text})
	if b.postErr != nil {
		return &chat.WriteError{ConversationID: conversationID, Err: b.postErr}
	}
	return nil
}

func (b *fakeBackend) fetchCount(conversationID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches[conversationID]
}

func (b *fakeBackend) postCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.posts)
}

// fakeLink records sent payloads and close calls.
type fakeLink struct {
	mu     sync.Mutex
	sent   []chat.WirePayload
	closed bool
}

func (l *fakeLink) Send(p chat.WirePayload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, p)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) sentPayloads() []chat.WirePayload {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chat.WirePayload(nil), l.sent...)
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fakeOpener hands out fake links and remembers each link's callbacks so
// tests can inject live events.
type fakeOpener struct {
	mu        sync.Mutex
	err       error
	links     []*fakeLink
	callbacks []LinkCallbacks
}

func (o *fakeOpener) open(conversationID int64, callbacks LinkCallbacks) (Link, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	link := &fakeLink{}
	o.links = append(o.links, link)
	o.callbacks = append(o.callbacks, callbacks)
	return link, nil
}

func (o *fakeOpener) last() (*fakeLink, LinkCallbacks) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.links) == 0 {
		return nil, LinkCallbacks{}
	}
	return o.links[len(o.links)-1], o.callbacks[len(o.callbacks)-1]
}

func newTestEngine(t *testing.T, backend *fakeBackend, opener *fakeOpener) *Engine {
	t.Helper()
	eng, err := NewEngine(backend, opener.open, slog.Default(), Options{})
	require.NoError(t, err)
	return eng
}

// enterChat logs in and opens the default conversation, waiting for the
// history snapshot to commit.
func enterChat(t *testing.T, eng *Engine, backend *fakeBackend) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, eng.Login(ctx, "a@example.com", "secret"))
	require.NoError(t, eng.SelectContact(ctx, 2))
	require.Eventually(t, func() bool {
		return len(eng.Messages()) >= len(backend.history[backend.convID])
	}, time.Second, time.Millisecond)
}

func TestLoginMovesToContactList(t *testing.T) {
	backend := newFakeBackend()
	eng := newTestEngine(t, backend, &fakeOpener{})

	require.NoError(t, eng.Login(context.Background(), "a@example.com", "secret"))

	assert.Equal(t, chat.ViewBrowsingContacts, eng.View())
	assert.Equal(t, int64(1), eng.UserID())
	require.Len(t, eng.Contacts(), 1)
	assert.Equal(t, "peer", eng.Contacts()[0].Username)
}

func TestLoginRejectedKeepsView(t *testing.T) {
	backend := newFakeBackend()
	backend.loginErr = &chat.AuthError{Reason: "invalid email or password"}
	eng := newTestEngine(t, backend, &fakeOpener{})

	err := eng.Login(context.Background(), "a@example.com", "wrong")

	var authErr *chat.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, chat.ViewUnauthenticated, eng.View())
}

func TestLoginValidatesFields(t *testing.T) {
	eng := newTestEngine(t, newFakeBackend(), &fakeOpener{})

	err := eng.Login(context.Background(), "  ", "")

	var valErr *chat.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, chat.ViewUnauthenticated, eng.View())
}

func TestRegistrationRoundTrip(t *testing.T) {
	eng := newTestEngine(t, newFakeBackend(), &fakeOpener{})

	require.NoError(t, eng.BeginRegistration())
	assert.Equal(t, chat.ViewRegistering, eng.View())

	require.NoError(t, eng.Register(context.Background(), "alice", "a@example.com", "secret"))
	assert.Equal(t, chat.ViewUnauthenticated, eng.View())
}

func TestRegistrationCancel(t *testing.T) {
	eng := newTestEngine(t, newFakeBackend(), &fakeOpener{})

	require.NoError(t, eng.BeginRegistration())
	require.NoError(t, eng.CancelRegistration())
	assert.Equal(t, chat.ViewUnauthenticated, eng.View())
}

func TestSelectContactOpensChannelAndLoadsHistory(t *testing.T) {
	backend := newFakeBackend()
	backend.history[7] = []chat.Message{{Text: "hi", SenderID: 2, Origin: chat.OriginHistorical}}
	opener := &fakeOpener{}
	eng := newTestEngine(t, backend, opener)

	enterChat(t, eng, backend)

	assert.Equal(t, chat.ViewChatting, eng.View())
	require.NotNil(t, eng.Conversation())
	assert.Equal(t, int64(7), eng.Conversation().ID)

	link, _ := opener.last()
	require.NotNil(t, link)

	messages := eng.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "hi", messages[0].Text)
	assert.Equal(t, 1, backend.fetchCount(7))
}

func TestSendScenarioSelfEchoRendersOnce(t *testing.T) {
	backend := newFakeBackend()
	backend.history[7] = []chat.Message{{Text: "hi", SenderID: 2}}
	opener := &fakeOpener{}
	eng := newTestEngine(t, backend, opener)
	enterChat(t, eng, backend)

	require.NoError(t, eng.Submit(context.Background(), "hello"))

	link, callbacks := opener.last()
	sent := link.sentPayloads()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(1), sent[0].SenderID)
	assert.Equal(t, "hello", sent[0].Text)
	require.NotEmpty(t, sent[0].ClientID)

	// The server echoes the payload back on the live channel.
	callbacks.OnMessage(sent[0])

	messages := eng.Messages()
	require.Len(t, messages, 2, "self-sent text must render exactly once")
	assert.Equal(t, "hi", messages[0].Text)
	assert.Equal(t, "hello", messages[1].Text)
	assert.Equal(t, chat.OriginPendingSend, messages[1].Origin)
	assert.Equal(t, chat.DeliveryConfirmed, messages[1].Status)
	assert.Equal(t, 1, backend.postCount())
}

func TestSubmitEmptyIsNoop(t *testing.T) {
	backend := newFakeBackend()
	opener := &fakeOpener{}
	eng := newTestEngine(t, backend, opener)
	enterChat(t, eng, backend)

	require.NoError(t, eng.Submit(context.Background(), "   \t "))

	link, _ := opener.last()
	assert.Empty(t, eng.Messages())
	assert.Empty(t, link.sentPayloads())
	assert.Zero(t, backend.postCount())
}

func TestSubmitWriteFailureKeepsOptimisticEntry(t *testing.T) {
	backend := newFakeBackend()
	backend.postErr = fmt.Errorf("boom")
	opener := &fakeOpener{}
	eng := newTestEngine(t, backend, opener)
	enterChat(t, eng, backend)

	err := eng.Submit(context.Background(), "hello")

	var writeErr *chat.WriteError
	require.ErrorAs(t, err, &writeErr)

	messages := eng.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, chat.DeliveryFailed, messages[0].Status)

	// The publish is still attempted even though the write failed.
	link, _ := opener.last()
	assert.Len(t, link.sentPayloads(), 1)
}

func TestPeerLiveMessageAppends(t *testing.T) {
	backend := newFakeBackend()
	backend.history[7] = []chat.Message{{Text: "hi", SenderID: 2}}
	opener := &fakeOpener{}
	eng := newTestEngine(t, backend, opener)
	enterChat(t, eng, backend)

	_, callbacks := opener.last()
	callbacks.OnMessage(chat.WirePayload{SenderID: 2, Text: "more"})

	messages := eng.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "more", messages[1].Text)
	assert.Equal(t, chat.OriginLive, messages[1].Origin)
}

func TestBackClosesChannelAndClearsLog(t *testing.T) {
	backend := newFakeBackend()
	backend.history[7] = []chat.Message{{Text: "hi", SenderID: 2}}
	opener := &fakeOpener{}
	eng := newTestEngine(t, backend, opener)
	enterChat(t, eng, backend)

	require.NoError(t, eng.Back())

	link, _ := opener.last()
	assert.True(t, link.isClosed())
	assert.Equal(t, chat.ViewBrowsingContacts, eng.View())
	assert.Nil(t, eng.Conversation())
	assert.Empty(t, eng.Messages())
}

func TestReentrySameConversationIsFresh(t *testing.T) {
	backend := newFakeBackend()
	backend.history[7] = []chat.Message{{Text: "hi", SenderID: 2}}
	opener := &fakeOpener{}
	eng := newTestEngine(t, backend, opener)
	ctx := context.Background()
	enterChat(t, eng, backend)

	require.NoError(t, eng.Submit(ctx, "hello"))
	require.Len(t, eng.Messages(), 2)

	require.NoError(t, eng.Back())
	require.NoError(t, eng.SelectContact(ctx, 2))

	// A fresh entry re-issues the history fetch and carries nothing over.
	require.Eventually(t, func() bool { return len(eng.Messages()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, backend.fetchCount(7))
	assert.Equal(t, "hi", eng.Messages()[0].Text)
}

func TestLateLivePayloadFromOldConversationDropped(t *testing.T) {
	backend := newFakeBackend()
	opener := &fakeOpener{}
	eng := newTestEngine(t, backend, opener)
	enterChat(t, eng, backend)

	_, oldCallbacks := opener.last()
	require.NoError(t, eng.Back())

	backend.mu.Lock()
	backend.convID = 8
	backend.mu.Unlock()
	require.NoError(t, eng.SelectContact(context.Background(), 3))
	require.Eventually(t, func() bool { return eng.Conversation() != nil && eng.Conversation().ID == 8 }, time.Second, time.Millisecond)

	// A straggler from the closed conversation 7 must not leak into 8.
	oldCallbacks.OnMessage(chat.WirePayload{SenderID: 2, Text: "stale"})

	require.Eventually(t, func() bool { return len(eng.Messages()) == 0 }, time.Second, time.Millisecond)
}

func TestStaleHistorySnapshotDiscarded(t *testing.T) {
	backend := newFakeBackend()
	backend.history[7] = []chat.Message{{Text: "from seven", SenderID: 2}}
	gate := make(chan struct{})
	backend.gates[7] = gate
	opener := &fakeOpener{}
	eng := newTestEngine(t, backend, opener)
	ctx := context.Background()

	require.NoError(t, eng.Login(ctx, "a@example.com", "secret"))
	require.NoError(t, eng.SelectContact(ctx, 2))

	// Navigate away while the fetch for 7 is still in flight.
	require.NoError(t, eng.Back())
	backend.mu.Lock()
	backend.convID = 8
	backend.history[8] = []chat.Message{{Text: "from eight", SenderID: 3}}
	backend.mu.Unlock()
	require.NoError(t, eng.SelectContact(ctx, 3))

	close(gate)

	require.Eventually(t, func() bool { return len(eng.Messages()) == 1 }, time.Second, time.Millisecond)
	messages := eng.Messages()
	assert.Equal(t, "from eight", messages[0].Text)
	for _, m := range messages {
		assert.NotEqual(t, "from seven", m.Text, "stale snapshot must never merge")
	}
}

func TestHistoryFailureResolvesEmptyWithBanner(t *testing.T) {
	backend := newFakeBackend()
	backend.historyErr = fmt.Errorf("history down")
	opener := &fakeOpener{}
	eng := newTestEngine(t, backend, opener)
	ctx := context.Background()

	require.NoError(t, eng.Login(ctx, "a@example.com", "secret"))
	require.NoError(t, eng.SelectContact(ctx, 2))
	require.Eventually(t, func() bool { return eng.Banner() != "" }, time.Second, time.Millisecond)

	// The view survives and submissions still commit locally.
	require.NoError(t, eng.Submit(ctx, "hello"))
	require.Len(t, eng.Messages(), 1)
}

func TestReconnectClearsBannerAndFillsGap(t *testing.T) {
	backend := newFakeBackend()
	backend.history[7] = []chat.Message{{Text: "hi", SenderID: 2}}
	opener := &fakeOpener{}
	eng := newTestEngine(t, backend, opener)
	enterChat(t, eng, backend)

	_, callbacks := opener.last()
	callbacks.OnDown(fmt.Errorf("gone"))
	require.NotEmpty(t, eng.Banner())

	// The peer sent a message during the outage.
	backend.mu.Lock()
	backend.history[7] = append(backend.history[7], chat.Message{Text: "missed", SenderID: 2})
	backend.mu.Unlock()

	callbacks.OnReconnect()

	assert.Empty(t, eng.Banner())
	require.Eventually(t, func() bool { return len(eng.Messages()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "missed", eng.Messages()[1].Text)
}

func TestChannelOpenFailureDegradesToHistory(t *testing.T) {
	backend := newFakeBackend()
	backend.history[7] = []chat.Message{{Text: "hi", SenderID: 2}}
	opener := &fakeOpener{err: fmt.Errorf("dial refused")}
	eng := newTestEngine(t, backend, opener)
	ctx := context.Background()

	require.NoError(t, eng.Login(ctx, "a@example.com", "secret"))
	require.NoError(t, eng.SelectContact(ctx, 2))

	require.Eventually(t, func() bool { return len(eng.Messages()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, chat.ViewChatting, eng.View())
	assert.NotEmpty(t, eng.Banner())
}

func TestLogoutResetsSession(t *testing.T) {
	backend := newFakeBackend()
	opener := &fakeOpener{}
	eng := newTestEngine(t, backend, opener)
	enterChat(t, eng, backend)

	require.NoError(t, eng.Logout())

	link, _ := opener.last()
	assert.True(t, link.isClosed())
	assert.Equal(t, chat.ViewUnauthenticated, eng.View())
	assert.Zero(t, eng.UserID())
	assert.Empty(t, eng.Contacts())
	assert.Empty(t, eng.Messages())
}
