package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-dialer/pkg/calling/protocol"
	"github.com/vango-go/vai-dialer/pkg/calling/types"
)

const (
	DefaultSimConnectDelay     = 600 * time.Millisecond
	DefaultSimSpeakingInterval = 1400 * time.Millisecond
)

// SimulatedOptions tunes the fabricated handshake and turn-taking. Zero
// durations select the defaults.
type SimulatedOptions struct {
	ConnectDelay     time.Duration
	SpeakingInterval time.Duration
	Logger           *slog.Logger
}

func (o SimulatedOptions) withDefaults() SimulatedOptions {
	if o.ConnectDelay <= 0 {
		o.ConnectDelay = DefaultSimConnectDelay
	}
	if o.SpeakingInterval <= 0 {
		o.SpeakingInterval = DefaultSimSpeakingInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// SimulatedFactory returns a Factory producing simulated transports.
func SimulatedFactory(opts SimulatedOptions) Factory {
	return func(_ types.CallSession, h Handler) Transport {
		return NewSimulated(h, opts)
	}
}

// SimulatedTransport fabricates a handshake and turn-taking when no live
// voice backend is configured. It never produces transcript frames.
type SimulatedTransport struct {
	handler Handler
	opts    SimulatedOptions
	logger  *slog.Logger

	// emitMu serializes deliveries and lets Close wait out one in flight.
	emitMu sync.Mutex

	mu           sync.Mutex
	closed       bool
	connectTimer *time.Timer
	cycleStop    chan struct{}
	speaking     bool
}

// NewSimulated arms the connect timer; auth_success is delivered after
// ConnectDelay and the speaking cycle starts right after it.
func NewSimulated(h Handler, opts SimulatedOptions) *SimulatedTransport {
	opts = opts.withDefaults()
	t := &SimulatedTransport{handler: h, opts: opts, logger: opts.Logger}
	t.mu.Lock()
	t.connectTimer = time.AfterFunc(opts.ConnectDelay, t.connect)
	t.mu.Unlock()
	return t
}

func (t *SimulatedTransport) connect() {
	if !t.emit(func() protocol.Message { return protocol.Message{Type: protocol.TypeAuthSuccess} }) {
		return
	}
	t.StartSpeakingCycle()
}

// StartSpeakingCycle toggles agent_speaking / agent_listening every
// SpeakingInterval. Calling it while a cycle runs is a no-op.
func (t *SimulatedTransport) StartSpeakingCycle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.cycleStop != nil {
		return
	}
	stop := make(chan struct{})
	t.cycleStop = stop
	go t.cycle(stop)
}

// StopSpeakingCycle cancels the toggle cycle, if running.
func (t *SimulatedTransport) StopSpeakingCycle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopCycleLocked()
}

func (t *SimulatedTransport) stopCycleLocked() {
	if t.cycleStop != nil {
		close(t.cycleStop)
		t.cycleStop = nil
	}
	t.speaking = false
}

func (t *SimulatedTransport) cycle(stop chan struct{}) {
	ticker := time.NewTicker(t.opts.SpeakingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok := t.emit(func() protocol.Message {
				select {
				case <-stop:
					return protocol.Message{}
				default:
				}
				t.speaking = !t.speaking
				if t.speaking {
					return protocol.Message{Type: protocol.TypeAgentSpeaking}
				}
				return protocol.Message{Type: protocol.TypeAgentListening}
			})
			if !ok {
				return
			}
		}
	}
}

// emit builds a message under mu and delivers it under emitMu. build may
// return a zero Message to skip delivery. It reports false once closed.
func (t *SimulatedTransport) emit(build func() protocol.Message) bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	msg := build()
	t.mu.Unlock()

	if msg.Type == "" {
		return true
	}
	t.logger.Debug("simulated calling frame", "type", msg.Type)
	t.handler.HandleMessage(msg)
	return true
}

// Close cancels the connect timer and the speaking cycle. Once it returns no
// further frames are delivered.
func (t *SimulatedTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.connectTimer != nil {
		t.connectTimer.Stop()
	}
	t.stopCycleLocked()
	t.mu.Unlock()

	// Wait out a delivery that started before closed was set.
	t.emitMu.Lock()
	t.emitMu.Unlock()
	return nil
}
