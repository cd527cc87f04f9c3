package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/vango-go/vai-dialer/pkg/calling/backend"
	"github.com/vango-go/vai-dialer/pkg/calling/metrics"
	"github.com/vango-go/vai-dialer/pkg/calling/protocol"
	"github.com/vango-go/vai-dialer/pkg/calling/reconnect"
	"github.com/vango-go/vai-dialer/pkg/calling/transcript"
	"github.com/vango-go/vai-dialer/pkg/calling/transport"
	"github.com/vango-go/vai-dialer/pkg/calling/types"
)

// Status is the conversation status of a Manager.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Backend issues session credentials and places calls. *backend.Client and
// backend.Simulated both satisfy it.
type Backend interface {
	StartSession(ctx context.Context, req backend.StartSessionRequest) (types.CallSession, error)
	EndSession(ctx context.Context, token string) error
	InitiateCall(ctx context.Context, req backend.InitiateCallRequest) (backend.CallResult, error)
	HangupCall(ctx context.Context, callID string) error
}

// AudioPermission gates live sessions on access to the local audio device.
type AudioPermission interface {
	RequestAudio(ctx context.Context) error
}

// AudioPermissionFunc adapts a function to AudioPermission.
type AudioPermissionFunc func(ctx context.Context) error

func (f AudioPermissionFunc) RequestAudio(ctx context.Context) error { return f(ctx) }

// Observer receives session events in the order they occur. Callbacks run on
// the manager's event loop: they may read state through the Manager getters
// but must not call EndSession, Dispose, StartSession or the Controller
// synchronously. Start a goroutine for that. Nil callbacks are skipped.
type Observer struct {
	OnConnect    func()
	OnDisconnect func()
	OnMessage    func(msg protocol.Message)
	OnTranscript func(entry transcript.Entry)
	OnError      func(err error)

	OnStatus   func(status Status)
	OnSpeaking func(speaking bool)
}

// StartOptions are forwarded to the backend when requesting credentials.
type StartOptions struct {
	AgentID string
	Script  string
	Lead    *types.Lead
}

// Options configures a Manager.
type Options struct {
	// Backend defaults to backend.Simulated.
	Backend Backend

	// LiveTransport and SimulatedTransport open the channel for live and
	// simulated sessions respectively.
	LiveTransport      transport.Factory
	SimulatedTransport transport.Factory

	// AudioPermission is consulted for live sessions only. Nil grants access.
	AudioPermission AudioPermission

	// AgentID is used when StartOptions carries none.
	AgentID string

	ReconnectMaxAttempts int
	ReconnectStep        time.Duration

	// RequestTimeout bounds the credential request and the fire-and-forget
	// EndSession/HangupCall notifications.
	RequestTimeout time.Duration

	Observer Observer
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

const defaultRequestTimeout = 15 * time.Second

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Backend == nil {
		o.Backend = backend.NewSimulated()
	}
	if o.ReconnectMaxAttempts <= 0 {
		o.ReconnectMaxAttempts = reconnect.DefaultMaxAttempts
	}
	if o.ReconnectStep <= 0 {
		o.ReconnectStep = reconnect.DefaultStep
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.LiveTransport == nil {
		m := o.Metrics
		o.LiveTransport = transport.LiveFactory(transport.LiveOptions{
			Logger:        o.Logger,
			OnDecodeError: func(error) { m.RecordDroppedFrame() },
		})
	}
	if o.SimulatedTransport == nil {
		o.SimulatedTransport = transport.SimulatedFactory(transport.SimulatedOptions{Logger: o.Logger})
	}
	return o
}

// Snapshot is a consistent read-only view of a Manager's state.
type Snapshot struct {
	Status            Status
	Speaking          bool
	Transcript        []transcript.Entry
	CurrentCallID     string
	Simulated         bool
	ReconnectAttempts int
}
