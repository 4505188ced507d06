package guildchat

import (
	"strconv"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// MessageID identifies a chat message. IDs are assigned by the backend.
type MessageID int64

func (id MessageID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseMessageID parses the decimal form produced by MessageID.String.
func ParseMessageID(s string) (MessageID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return MessageID(n), nil
}

// Message is a single guild chat message. Messages are never edited; they
// can only be removed.
type Message struct {
	ID                MessageID `json:"id"`
	GroupID           int64     `json:"group_id"`
	SenderID          int64     `json:"sender_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	Text              string    `json:"text"`
	CreatedAt         time.Time `json:"created_at"`
}

// MessagePage is one page of group history. Items are ordered newest first,
// as returned by the server. An empty Cursor means there are no older pages.
type MessagePage struct {
	Cursor string
	Items  []Message
}

// historyResponse is the wire shape of the history endpoint.
type historyResponse struct {
	Results []Message `json:"results"`
	Next    *string   `json:"next"`
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState is the live channel's lifecycle state.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
	StateError      ConnectionState = "error"
)

// ============================================================================
// Session snapshot
// ============================================================================

// Snapshot is the consumer-facing view of a chat session.
type Snapshot struct {
	GroupID         int64
	Messages        []Message
	NextCursor      string
	HasMore         bool
	LoadingMore     bool
	ConnectionState ConnectionState
	LastError       error
}

// ============================================================================
// API errors
// ============================================================================

// APIError is the error body returned by the backend for non-2xx responses.
type APIError struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Detail
	}
	return e.Detail
}
