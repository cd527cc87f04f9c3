// Package types holds the calling domain values shared by the backend client,
// the transports and the session manager.
package types

// CallSession holds the credentials issued for one session attempt. It is
// immutable once issued; reconnects reuse the same value.
type CallSession struct {
	Token        string `json:"token"`
	WebsocketURL string `json:"websocket_url,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	Simulated    bool   `json:"simulated,omitempty"`
}

// Lead is CRM context forwarded verbatim to the backend.
type Lead struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// Call is one outbound telephony attempt placed over a connected session.
type Call struct {
	ID                string `json:"id"`
	DestinationNumber string `json:"destination_number"`
	Status            string `json:"status,omitempty"`
}

// Call statuses reported by the backend; others pass through untouched.
const (
	CallStatusQueued    = "queued"
	CallStatusRinging   = "ringing"
	CallStatusAnswered  = "answered"
	CallStatusCompleted = "completed"
)
