// Package transport moves calling protocol frames between the client and the
// voice backend, either over a live websocket or by fabricating them locally.
package transport

import (
	"github.com/vango-go/vai-dialer/pkg/calling/protocol"
	"github.com/vango-go/vai-dialer/pkg/calling/types"
)

// Handler receives transport events in the order they occur. Calls arrive on
// a transport-owned goroutine and must return promptly once the transport is
// being closed, since Close waits for in-flight deliveries.
type Handler interface {
	HandleMessage(msg protocol.Message)
	// HandleClose reports a close the transport did not initiate itself. It
	// is called at most once and never after Close.
	HandleClose(err error)
}

// Transport owns the channel for one session attempt.
type Transport interface {
	// Close releases the channel. It is idempotent and, once it returns, the
	// Handler receives no further calls.
	Close() error
}

// SpeakingCycler is implemented by transports that fabricate turn-taking.
type SpeakingCycler interface {
	StartSpeakingCycle()
	StopSpeakingCycle()
}

// Factory opens a transport for session and starts delivering to h.
// It must not block on network I/O.
type Factory func(session types.CallSession, h Handler) Transport
