package guildchat

import "fmt"

// TransportError is a connect or send failure on the live channel. It is
// never fatal: the channel keeps reconnecting while enabled.
type TransportError struct {
	Op  string // "dial", "read" or "write"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports an inbound frame that could not be decoded. The frame
// is dropped; the connection is unaffected.
type ParseError struct {
	Data []byte
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse frame: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// HistoryFetchError is a failed history page request. Session state is left
// unchanged and the same operation may be retried.
type HistoryFetchError struct {
	GroupID    int64
	Cursor     string
	StatusCode int
	Err        error
}

func (e *HistoryFetchError) Error() string {
	page := "first page"
	if e.Cursor != "" {
		page = "cursor " + e.Cursor
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch history group %d (%s): HTTP %d: %v", e.GroupID, page, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch history group %d (%s): %v", e.GroupID, page, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// AuthError is a credential retrieval failure. The live channel still
// attempts to connect without a token.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("access token: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
