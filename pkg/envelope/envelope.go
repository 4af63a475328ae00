package envelope

import (
	"encoding/json"
	"fmt"
)

// Message is the wire envelope for requests, notifications and replies.
// A request carries both ID and Method; a notification omits ID; a reply
// echoes the originating request's ID with To/From swapped and carries
// either an application-level Result or a SystemError.
type Message struct {
	Token     string          `json:"token,omitempty"`
	To        string          `json:"to"`
	From      string          `json:"from,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    *Result         `json:"result,omitempty"`
	Error     *SystemError    `json:"error,omitempty"`
	ID        string          `json:"id,omitempty"`
}

// Result is an application-level outcome. Error here is ordinary business
// data, not an exceptional channel: a reply carrying a non-nil Error still
// went through a full commit.
type Result struct {
	Error json.RawMessage `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SystemError is an infrastructure-level failure with routing metadata,
// used for ownership loss, checkpoint/commit failure, shutdown and
// malformed requests. Owner is set on forced redirects.
type SystemError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	To      string `json:"to,omitempty"`
	From    string `json:"from,omitempty"`
	ID      string `json:"id,omitempty"`
	Owner   string `json:"owner,omitempty"`
}

// Error implements the error interface.
func (e *SystemError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, int(e.Code), e.Message)
}

// NewSystemError builds a system error carrying the originating message's
// routing metadata.
func NewSystemError(msg *Message, code Code, text string) *SystemError {
	se := &SystemError{
		Code:    code,
		Message: text,
	}
	if msg != nil {
		se.To = msg.From
		se.From = msg.To
		se.ID = msg.ID
	}
	return se
}

// IsRequest reports whether the message expects a reply.
func (m *Message) IsRequest() bool {
	return m.ID != "" && m.Method != ""
}

// IsNotification reports whether the message is fire-and-forget.
func (m *Message) IsNotification() bool {
	return m.ID == "" && m.Method != ""
}

// Reply builds a reply to a request, echoing its ID and swapping To/From.
func (m *Message) Reply(result *Result) *Message {
	return &Message{
		To:        m.From,
		From:      m.To,
		SessionID: m.SessionID,
		Result:    result,
		ID:        m.ID,
	}
}

// ErrorReply builds a system-error reply to a request.
func (m *Message) ErrorReply(se *SystemError) *Message {
	return &Message{
		To:        m.From,
		From:      m.To,
		SessionID: m.SessionID,
		Error:     se,
		ID:        m.ID,
	}
}

// Encode marshals the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
