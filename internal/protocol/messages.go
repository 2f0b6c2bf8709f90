package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserMessage     MessageType = "user_message"
	TypeClientControl   MessageType = "client_control"
	TypeTurn            MessageType = "turn"
	TypeHistory         MessageType = "history"
	TypeRateLimitStatus MessageType = "rate_limit_status"
	TypeSystemEvent     MessageType = "system_event"
	TypeErrorEvent      MessageType = "error_event"
)

// Client control actions.
const (
	ActionClear   = "clear"
	ActionHistory = "history"
	ActionPing    = "ping"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type UserMessage struct {
	Type        MessageType `json:"type"`
	Text        string      `json:"text"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

type Turn struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnEvent carries one new transcript entry.
type TurnEvent struct {
	Type        MessageType `json:"type"`
	Turn        Turn        `json:"turn"`
	Failed      bool        `json:"failed,omitempty"`
	Retryable   bool        `json:"retryable,omitempty"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
}

type History struct {
	Type     MessageType `json:"type"`
	Turns    []Turn      `json:"turns"`
	Greeting string      `json:"greeting,omitempty"`
}

type RateLimitStatus struct {
	Type    MessageType `json:"type"`
	Count   int         `json:"count"`
	Limit   int         `json:"limit"`
	Allowed bool        `json:"allowed"`
	ResetAt *time.Time  `json:"reset_at,omitempty"`
	Wait    string      `json:"wait,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type        MessageType `json:"type"`
	Code        string      `json:"code"`
	Source      string      `json:"source"`
	Retryable   bool        `json:"retryable"`
	Detail      string      `json:"detail"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserMessage:
		var msg UserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid user_message: empty text")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionClear, ActionHistory, ActionPing:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
