package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType tags a realtime channel frame.
type MessageType string

const (
	TypeAuth MessageType = "auth"

	TypeAuthSuccess      MessageType = "auth_success"
	TypeAuthError        MessageType = "auth_error"
	TypeCallAnswered     MessageType = "call_answered"
	TypeAgentSpeaking    MessageType = "agent_speaking"
	TypeAgentListening   MessageType = "agent_listening"
	TypeTranscriptUpdate MessageType = "transcript_update"
	TypeCallEnded        MessageType = "call_ended"
	TypeError            MessageType = "error"
)

// Transcript roles.
const (
	RoleAgent = "agent"
	RoleUser  = "user"
)

// Inbound reports whether t is one of the frame types the server may send.
func (t MessageType) Inbound() bool {
	switch t {
	case TypeAuthSuccess, TypeAuthError, TypeCallAnswered, TypeAgentSpeaking,
		TypeAgentListening, TypeTranscriptUpdate, TypeCallEnded, TypeError:
		return true
	default:
		return false
	}
}

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Message is one decoded inbound frame. Data holds the raw payload object,
// or nil when the frame carried none.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AuthFrame is the only frame the client sends on the realtime channel.
type AuthFrame struct {
	Type    MessageType `json:"type"`
	Token   string      `json:"token"`
	AgentID string      `json:"agent_id"`
}

func NewAuthFrame(token, agentID string) AuthFrame {
	return AuthFrame{Type: TypeAuth, Token: token, AgentID: agentID}
}

// TranscriptData is the payload of transcript_update. Timestamp is in
// milliseconds relative to the session connect; nil means "now".
type TranscriptData struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

// ErrorData is the payload of error and auth_error frames.
type ErrorData struct {
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

type CallAnsweredData struct {
	CallID string `json:"call_id,omitempty"`
}

type CallEndedData struct {
	CallID string `json:"call_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// DecodeMessage parses one inbound text frame. It never panics; any input it
// cannot accept yields a *DecodeError.
func DecodeMessage(data []byte) (Message, error) {
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Message{}, badRequest("invalid json frame", "")
	}
	typ := MessageType(strings.TrimSpace(envelope.Type))
	if typ == "" {
		return Message{}, badRequest("missing type", "type")
	}
	if !typ.Inbound() {
		return Message{}, unsupported("unsupported message type", "type")
	}

	payload := bytes.TrimSpace(envelope.Data)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = nil
	} else if payload[0] != '{' {
		return Message{}, badRequest("data must be an object", "data")
	}
	msg := Message{Type: typ}
	if payload != nil {
		msg.Data = append(json.RawMessage(nil), payload...)
	}

	if typ == TypeTranscriptUpdate {
		if _, err := msg.Transcript(); err != nil {
			return Message{}, err
		}
	}
	return msg, nil
}

// Transcript decodes and validates a transcript_update payload. Role
// "assistant" is accepted as an alias of "agent".
func (m Message) Transcript() (TranscriptData, error) {
	if m.Type != TypeTranscriptUpdate {
		return TranscriptData{}, badRequest("not a transcript_update frame", "type")
	}
	if m.Data == nil {
		return TranscriptData{}, badRequest("transcript_update.data is required", "data")
	}
	var td TranscriptData
	if err := json.Unmarshal(m.Data, &td); err != nil {
		return TranscriptData{}, badRequest("invalid transcript_update", "data")
	}
	switch strings.ToLower(strings.TrimSpace(td.Role)) {
	case RoleAgent, "assistant":
		td.Role = RoleAgent
	case RoleUser:
		td.Role = RoleUser
	default:
		return TranscriptData{}, badRequest("transcript_update.data.role must be agent or user", "data.role")
	}
	if strings.TrimSpace(td.Text) == "" {
		return TranscriptData{}, badRequest("transcript_update.data.text is required", "data.text")
	}
	if td.Timestamp != nil && *td.Timestamp < 0 {
		return TranscriptData{}, badRequest("transcript_update.data.timestamp must be >= 0", "data.timestamp")
	}
	return td, nil
}

// ErrorPayload decodes the payload of error and auth_error frames. A missing
// or unparsable payload yields the zero value.
func (m Message) ErrorPayload() ErrorData {
	var ed ErrorData
	if m.Data != nil {
		_ = json.Unmarshal(m.Data, &ed)
	}
	return ed
}

// CallEnded decodes the optional payload of a call_ended frame.
func (m Message) CallEnded() CallEndedData {
	var cd CallEndedData
	if m.Data != nil {
		_ = json.Unmarshal(m.Data, &cd)
	}
	return cd
}

// Encode builds a frame with the given type and optional payload.
func Encode(typ MessageType, data any) ([]byte, error) {
	msg := Message{Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", typ, err)
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}
