package guildchat

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame discriminators.
const (
	FrameNewMessage    = "new_message"
	FrameDeleteMessage = "delete_message"
)

// Frame is a decoded inbound live-channel frame. The concrete type is one of
// NewMessageFrame, DeleteMessageFrame or UnknownFrame.
type Frame interface {
	FrameType() string
}

// NewMessageFrame carries a message to upsert.
type NewMessageFrame struct {
	Message Message
}

func (NewMessageFrame) FrameType() string { return FrameNewMessage }

// DeleteMessageFrame names a message to remove.
type DeleteMessageFrame struct {
	MessageID MessageID
}

func (DeleteMessageFrame) FrameType() string { return FrameDeleteMessage }

// UnknownFrame is any well-formed frame whose type is not understood, such as
// event types added by newer servers.
type UnknownFrame struct {
	Type string
	Raw  json.RawMessage
}

func (f UnknownFrame) FrameType() string { return f.Type }

type inboundEnvelope struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	MessageID json.RawMessage `json:"message_id"`
}

// ParseFrame decodes one inbound frame. Malformed input yields a *ParseError.
func ParseFrame(data []byte) (Frame, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Data: data, Err: err}
	}

	switch env.Type {
	case FrameNewMessage:
		if len(env.Message) == 0 || string(env.Message) == "null" {
			return nil, &ParseError{Data: data, Err: errors.New("new_message without message")}
		}
		var msg Message
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			return nil, &ParseError{Data: data, Err: fmt.Errorf("new_message body: %w", err)}
		}
		return NewMessageFrame{Message: msg}, nil

	case FrameDeleteMessage:
		id, err := decodeMessageID(env.MessageID)
		if err != nil {
			return nil, &ParseError{Data: data, Err: fmt.Errorf("delete_message id: %w", err)}
		}
		return DeleteMessageFrame{MessageID: id}, nil

	case "":
		return nil, &ParseError{Data: data, Err: errors.New("missing type")}
	}

	return UnknownFrame{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

// decodeMessageID accepts both numeric and quoted-numeric ids.
func decodeMessageID(raw json.RawMessage) (MessageID, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing")
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return MessageID(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return ParseMessageID(s)
}

type outboundFrame struct {
	Message string `json:"message"`
}

func encodeSendFrame(text string) ([]byte, error) {
	return json.Marshal(outboundFrame{Message: text})
}
