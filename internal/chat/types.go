package chat

// View identifies which top-level screen the client session is on.
type View string

const (
	ViewUnauthenticated  View = "unauthenticated"
	ViewRegistering      View = "registering"
	ViewBrowsingContacts View = "browsing_contacts"
	ViewChatting         View = "chatting"
)

// Origin tags where a message entered the log from.
type Origin string

const (
	// OriginHistorical marks messages loaded by the one-shot history fetch.
	OriginHistorical Origin = "historical"
	// OriginLive marks messages received over the live channel.
	OriginLive Origin = "live"
	// OriginPendingSend marks locally authored messages appended before
	// network confirmation.
	OriginPendingSend Origin = "pending_send"
)

// DeliveryStatus tracks the write-API outcome of a PendingSend message.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryConfirmed DeliveryStatus = "confirmed"
)

// Message is a single entry in a conversation's log.
type Message struct {
	// ID is a client-generated identifier carried on the wire so the
	// reconciler can match a live echo to the local copy. Empty for
	// historical messages and for peers that do not send one.
	ID       string         `json:"client_id,omitempty"`
	Text     string         `json:"text"`
	SenderID int64          `json:"sent_by"`
	Origin   Origin         `json:"origin"`
	Status   DeliveryStatus `json:"status,omitempty"`
}

// Contact is another user visible in the contact list.
type Contact struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Conversation is a two-party messaging context. Immutable once created;
// it lives for the duration of the chatting view.
type Conversation struct {
	ID         int64 `json:"conversation_id"`
	PeerUserID int64 `json:"peer_user_id"`
}

// WirePayload is the flat record exchanged over the live channel. Field
// names match the history/write APIs; ClientID is omitted when empty so
// payloads from clients that never set one still parse.
type WirePayload struct {
	SenderID int64  `json:"sent_by"`
	Text     string `json:"text"`
	ClientID string `json:"client_id,omitempty"`
}
