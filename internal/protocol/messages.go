// Package protocol defines the WebSocket message types exchanged between a
// client and the gateway. All messages are JSON objects with a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/roulette/internal/relay"
)

// Client -> Server message types.
const (
	TypeFindPartner  = "find_partner"
	TypeCancelSearch = "cancel_search"
	TypeEndChat      = "end_chat"
	TypeNextPartner  = "next_partner"
	TypeMessage      = "message"
	TypeGetProfile   = "get_profile"
	TypeSetProfile   = "set_profile"
	TypePing         = "ping"
)

// Server -> Client message types. TypeMessage is shared by both directions.
const (
	TypeSessionCreated  = "session_created"
	TypeSearching       = "searching"
	TypeSearchCancelled = "search_cancelled"
	TypeMatched         = "matched"
	TypeAlreadyChatting = "already_chatting"
	TypePartnerLeft     = "partner_left"
	TypeChatEnded       = "chat_ended"
	TypeNotChatting     = "not_chatting"
	TypeSearchTimeout   = "search_timeout"
	TypeRelayFailed     = "relay_failed"
	TypeProfile         = "profile"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadMessage  = "bad_message"
	CodeInvalid     = "invalid"
	CodeUnavailable = "unavailable"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// FindPartnerMsg enters matchmaking.
type FindPartnerMsg struct {
	Type string `json:"type"`
}

// CancelSearchMsg leaves the queue.
type CancelSearchMsg struct {
	Type string `json:"type"`
}

// EndChatMsg ends the current conversation.
type EndChatMsg struct {
	Type string `json:"type"`
}

// NextPartnerMsg ends the current conversation and searches again.
type NextPartnerMsg struct {
	Type string `json:"type"`
}

// ContentMsg carries one piece of content. The relay.Content fields sit at
// the top level of the JSON object next to "type".
type ContentMsg struct {
	Type string `json:"type"`
	relay.Content
}

// GetProfileMsg asks for the stored profile.
type GetProfileMsg struct {
	Type string `json:"type"`
}

// SetProfileMsg updates one profile field ("gender" or "age").
type SetProfileMsg struct {
	Type  string `json:"type"`
	Field string `json:"field"`
	Value string `json:"value"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// SessionCreatedMsg tells the client its anonymous id.
type SessionCreatedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// SearchingMsg confirms the client is queued.
type SearchingMsg struct {
	Type string `json:"type"`
}

// SearchCancelledMsg confirms cancel_search, or end_chat while queued.
type SearchCancelledMsg struct {
	Type string `json:"type"`
}

// MatchedMsg announces a new partner. The partner's id is never sent.
type MatchedMsg struct {
	Type   string `json:"type"`
	PairID string `json:"pair_id"`
}

// AlreadyChattingMsg answers find_partner while a conversation is active.
type AlreadyChattingMsg struct {
	Type string `json:"type"`
}

// PartnerLeftMsg tells the client its partner is gone. Requeued is set when
// the client has been put back into matchmaking.
type PartnerLeftMsg struct {
	Type     string `json:"type"`
	Requeued bool   `json:"requeued"`
}

// ChatEndedMsg confirms end_chat.
type ChatEndedMsg struct {
	Type string `json:"type"`
}

// NotChattingMsg answers end_chat or message when there is no partner.
type NotChattingMsg struct {
	Type string `json:"type"`
}

// SearchTimeoutMsg tells the client it waited too long and was dequeued.
type SearchTimeoutMsg struct {
	Type string `json:"type"`
}

// ServerContentMsg is content relayed from the partner.
type ServerContentMsg struct {
	Type string `json:"type"`
	relay.Content
	Ts int64 `json:"ts"`
}

// RelayFailedMsg reports content that was not delivered.
type RelayFailedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ProfileMsg describes the stored profile.
type ProfileMsg struct {
	Type     string `json:"type"`
	Gender   string `json:"gender,omitempty"`
	AgeRange string `json:"age_range,omitempty"`
	Complete bool   `json:"complete"`
}

// RateLimitedMsg tells the client to slow down. RetryAfter is in seconds.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error.
// Unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeFindPartner:
		var m FindPartnerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelSearch:
		var m CancelSearchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndChat:
		var m EndChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNextPartner:
		var m NextPartnerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ContentMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetProfile:
		var m GetProfileMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetProfile:
		var m SetProfileMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and sets its "type" key to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// Simple builds a server message that has no fields besides its type.
func Simple(msgType string) []byte {
	out, _ := json.Marshal(struct {
		Type string `json:"type"`
	}{msgType})
	return out
}
