// Package session orchestrates one AI voice-call session: credential
// acquisition, transport selection, message dispatch, reconnection and the
// call controls layered on top.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-dialer/pkg/calling/backend"
	"github.com/vango-go/vai-dialer/pkg/calling/metrics"
	"github.com/vango-go/vai-dialer/pkg/calling/protocol"
	"github.com/vango-go/vai-dialer/pkg/calling/reconnect"
	"github.com/vango-go/vai-dialer/pkg/calling/transcript"
	"github.com/vango-go/vai-dialer/pkg/calling/transport"
	"github.com/vango-go/vai-dialer/pkg/calling/types"
	"github.com/vango-go/vai-dialer/pkg/core"
)

const inboxSize = 64

// Manager is the session state machine. All state transitions happen on a
// single event-loop goroutine that consumes commands, transport events and
// timer events in order. Getters read a published copy and are safe from any
// goroutine, including observers.
type Manager struct {
	opts    Options
	logger  *slog.Logger
	backend Backend
	metrics *metrics.Metrics
	obs     Observer

	inbox       chan func()
	quit        chan struct{}
	loopDone    chan struct{}
	disposeOnce sync.Once
	bg          sync.WaitGroup

	viewMu sync.RWMutex
	view   Snapshot

	// Owned by the event loop.
	status      Status
	lineage     uint64
	session     *types.CallSession
	cur         *link
	connected   bool
	connectedAt time.Time
	startCancel context.CancelFunc
	policy      *reconnect.Policy
	transcript  *transcript.Aggregator
	speaking    bool
	call        *types.Call
	callPending bool
}

// New creates a Manager and starts its event loop. Call Dispose to release
// it.
func New(opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts:       opts,
		logger:     opts.Logger,
		backend:    opts.Backend,
		metrics:    opts.Metrics,
		obs:        opts.Observer,
		inbox:      make(chan func(), inboxSize),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		status:     StatusDisconnected,
		policy:     reconnect.New(opts.ReconnectMaxAttempts, opts.ReconnectStep),
		transcript: transcript.NewAggregator(),
		view:       Snapshot{Status: StatusDisconnected},
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.quit:
			return
		case fn := <-m.inbox:
			fn()
		}
	}
}

// post enqueues fn for the event loop. It reports false once the manager is
// disposed.
func (m *Manager) post(fn func()) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	select {
	case m.inbox <- fn:
		return true
	case <-m.quit:
		return false
	}
}

// exec runs fn on the event loop and waits for it to finish.
func (m *Manager) exec(fn func()) error {
	done := make(chan struct{})
	if !m.post(func() {
		defer close(done)
		fn()
	}) {
		return core.NewDisposedError()
	}
	select {
	case <-done:
		return nil
	case <-m.loopDone:
		return core.NewDisposedError()
	}
}

// StartSession sets the status to connecting, clears the transcript and
// requests credentials in the background. Credential, permission and
// handshake failures are reported through Observer.OnError followed by a
// transition to disconnected. Starting while a session is active replaces
// it without a disconnect notification.
func (m *Manager) StartSession(opts StartOptions) error {
	return m.exec(func() { m.start(opts) })
}

// EndSession tears the session down. Once it returns no timer, transport or
// observer callback of the ended session fires. It is a no-op while
// disconnected.
func (m *Manager) EndSession() error {
	return m.exec(m.end)
}

// Dispose ends any session, stops the event loop and waits for background
// notifications to finish. It is idempotent; other methods fail with a
// disposed error afterwards.
func (m *Manager) Dispose() {
	m.disposeOnce.Do(func() {
		close(m.quit)
		<-m.loopDone
		// The loop has exited, so this goroutine now owns the state.
		m.end()
		m.bg.Wait()
	})
}

// Status returns the current conversation status.
func (m *Manager) Status() Status {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.view.Status
}

// IsSpeaking reports whether the agent is currently speaking.
func (m *Manager) IsSpeaking() bool {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.view.Speaking
}

// Transcript returns a copy of the transcript in receipt order.
func (m *Manager) Transcript() []transcript.Entry {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return append([]transcript.Entry(nil), m.view.Transcript...)
}

// CurrentCallID returns the id of the active call, or "".
func (m *Manager) CurrentCallID() string {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.view.CurrentCallID
}

// Snapshot returns a copy of the published state, read under one lock.
func (m *Manager) Snapshot() Snapshot {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	s := m.view
	s.Transcript = append([]transcript.Entry(nil), m.view.Transcript...)
	return s
}

func (m *Manager) publish(fn func(v *Snapshot)) {
	m.viewMu.Lock()
	fn(&m.view)
	m.viewMu.Unlock()
}

func (m *Manager) start(opts StartOptions) {
	if m.status != StatusDisconnected {
		m.logger.Info("replacing active calling session", "session_gen", m.lineage)
		m.release()
	}
	m.lineage++
	lineage := m.lineage
	m.transcript.Reset()
	m.policy.Reset()
	m.connected = false
	m.publish(func(v *Snapshot) {
		v.Transcript = nil
		v.ReconnectAttempts = 0
	})
	m.setStatus(StatusConnecting)

	agentID := opts.AgentID
	if agentID == "" {
		agentID = m.opts.AgentID
	}
	req := backend.StartSessionRequest{AgentID: agentID, Script: opts.Script, Lead: opts.Lead}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	m.startCancel = cancel
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		defer cancel()
		session, err := m.acquire(ctx, req)
		m.post(func() {
			if lineage != m.lineage {
				return
			}
			m.startCancel = nil
			m.credentialsReady(session, err)
		})
	}()
}

// acquire fetches credentials and, for live sessions, checks audio access.
func (m *Manager) acquire(ctx context.Context, req backend.StartSessionRequest) (types.CallSession, error) {
	session, err := m.backend.StartSession(ctx, req)
	if err != nil {
		return types.CallSession{}, err
	}
	if !session.Simulated && m.opts.AudioPermission != nil {
		if err := m.opts.AudioPermission.RequestAudio(ctx); err != nil {
			if core.IsType(err, core.ErrPermission) {
				return types.CallSession{}, err
			}
			return types.CallSession{}, core.NewPermissionError("audio permission denied", err)
		}
	}
	return session, nil
}

func (m *Manager) credentialsReady(session types.CallSession, err error) {
	if err != nil {
		m.logger.Warn("calling session start failed", "session_gen", m.lineage, "error", err)
		m.emitError(startError(err))
		m.shutdown()
		return
	}
	m.session = &session
	m.publish(func(v *Snapshot) { v.Simulated = session.Simulated })
	m.logger.Info("calling session credentials issued", "session_gen", m.lineage, "simulated", session.Simulated, "agent_id", session.AgentID)
	m.open()
}

// startError maps a credential failure onto the error taxonomy.
func startError(err error) *core.Error {
	var ce *core.Error
	if errors.As(err, &ce) {
		return ce
	}
	var te *backend.TransportError
	if errors.As(err, &te) {
		if te.Timeout() {
			return core.NewTransportError("session request timed out", err)
		}
		return core.NewTransportError("session request failed", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.NewTransportError("session request timed out", err)
	}
	ae := core.NewAPIError("session request failed: " + err.Error())
	ae.Cause = err
	return ae
}

// open starts a transport for the current credentials.
func (m *Manager) open() {
	factory := m.opts.LiveTransport
	if m.session.Simulated {
		factory = m.opts.SimulatedTransport
	}
	l := &link{m: m, retired: make(chan struct{})}
	m.cur = l
	l.t = factory(*m.session, l)
}

// retire detaches the current transport and closes it. retired is closed
// first so a delivery blocked on the inbox gives up and Close can return.
func (m *Manager) retire() {
	l := m.cur
	if l == nil {
		return
	}
	m.cur = nil
	close(l.retired)
	if l.t != nil {
		if err := l.t.Close(); err != nil {
			m.logger.Debug("calling transport close failed", "error", err)
		}
	}
}

// release cancels timers and the credential request, closes the transport,
// hangs up any active call and tells the backend the session is over. The
// status is left untouched.
func (m *Manager) release() {
	m.lineage++
	if m.startCancel != nil {
		m.startCancel()
		m.startCancel = nil
	}
	m.policy.Cancel()
	m.retire()

	if m.call != nil {
		callID := m.call.ID
		m.background("HangupCall", func(ctx context.Context) error { return m.backend.HangupCall(ctx, callID) })
		m.metrics.RecordCall("hangup", "session_end")
	}
	m.call = nil
	m.callPending = false

	if m.session != nil {
		if token := m.session.Token; token != "" {
			m.background("EndSession", func(ctx context.Context) error { return m.backend.EndSession(ctx, token) })
		}
		if m.connected {
			m.metrics.RecordSessionEnd(m.session.Simulated, time.Since(m.connectedAt))
		}
	}
	m.session = nil
	m.connected = false
	m.setSpeaking(false)
	m.publish(func(v *Snapshot) {
		v.CurrentCallID = ""
		v.Simulated = false
		v.ReconnectAttempts = 0
	})
}

// shutdown releases everything and transitions to disconnected.
func (m *Manager) shutdown() {
	m.release()
	m.setStatus(StatusDisconnected)
}

func (m *Manager) end() {
	if m.status == StatusDisconnected {
		return
	}
	m.logger.Info("ending calling session", "session_gen", m.lineage)
	m.transcript.Reset()
	m.publish(func(v *Snapshot) { v.Transcript = nil })
	m.shutdown()
}

// background runs a fire-and-forget backend notification. Dispose waits for
// it.
func (m *Manager) background(op string, fn func(ctx context.Context) error) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.logger.Debug("calling backend notification failed", "op", op, "error", err)
		}
	}()
}

func (m *Manager) setStatus(to Status) {
	from := m.status
	if from == to {
		return
	}
	m.status = to
	m.publish(func(v *Snapshot) { v.Status = to })
	m.metrics.RecordStatus(string(from), string(to))
	m.logger.Debug("calling session status", "session_gen", m.lineage, "from", from, "to", to)

	if m.obs.OnStatus != nil {
		m.obs.OnStatus(to)
	}
	switch to {
	case StatusConnected:
		if m.obs.OnConnect != nil {
			m.obs.OnConnect()
		}
	case StatusDisconnected:
		if m.obs.OnDisconnect != nil {
			m.obs.OnDisconnect()
		}
	}
}

func (m *Manager) setSpeaking(speaking bool) {
	if m.speaking == speaking {
		return
	}
	m.speaking = speaking
	m.publish(func(v *Snapshot) { v.Speaking = speaking })
	if m.obs.OnSpeaking != nil {
		m.obs.OnSpeaking(speaking)
	}
}

func (m *Manager) emitError(err *core.Error) {
	m.metrics.RecordError(string(err.Type))
	if m.obs.OnError != nil {
		m.obs.OnError(err)
	}
}

func (m *Manager) handleMessage(l *link, msg protocol.Message) {
	if l != m.cur {
		return
	}

	var td protocol.TranscriptData
	switch msg.Type {
	case protocol.TypeAuthSuccess, protocol.TypeAuthError, protocol.TypeCallAnswered,
		protocol.TypeAgentSpeaking, protocol.TypeAgentListening, protocol.TypeCallEnded, protocol.TypeError:
	case protocol.TypeTranscriptUpdate:
		var err error
		if td, err = msg.Transcript(); err != nil {
			m.logger.Warn("dropping invalid transcript frame", "session_gen", m.lineage, "error", err)
			m.metrics.RecordDroppedFrame()
			return
		}
	default:
		m.logger.Debug("dropping unknown calling frame", "session_gen", m.lineage, "type", msg.Type)
		m.metrics.RecordDroppedFrame()
		return
	}

	m.metrics.RecordFrame(string(msg.Type))
	if m.obs.OnMessage != nil {
		m.obs.OnMessage(msg)
	}

	switch msg.Type {
	case protocol.TypeAuthSuccess:
		m.policy.Reset()
		m.publish(func(v *Snapshot) { v.ReconnectAttempts = 0 })
		if !m.connected {
			m.connected = true
			m.connectedAt = time.Now()
			m.transcript.MarkOrigin(m.connectedAt)
		}
		m.setStatus(StatusConnected)

	case protocol.TypeAuthError:
		ed := msg.ErrorPayload()
		text := ed.Message
		if text == "" {
			text = "voice backend rejected the session token"
		}
		ae := core.NewAuthenticationError(text)
		ae.Code = ed.Code
		m.logger.Warn("calling session authentication failed", "session_gen", m.lineage, "code", ed.Code)
		m.emitError(ae)
		m.shutdown()

	case protocol.TypeCallAnswered:
		if m.call != nil {
			m.call.Status = types.CallStatusAnswered
		}

	case protocol.TypeAgentSpeaking:
		m.setSpeaking(true)

	case protocol.TypeAgentListening:
		m.setSpeaking(false)

	case protocol.TypeTranscriptUpdate:
		entry := m.transcript.Append(td.Role, td.Text, td.Timestamp)
		m.publish(func(v *Snapshot) { v.Transcript = append(v.Transcript, entry) })
		if m.obs.OnTranscript != nil {
			m.obs.OnTranscript(entry)
		}

	case protocol.TypeCallEnded:
		if sc, ok := l.t.(transport.SpeakingCycler); ok {
			sc.StopSpeakingCycle()
		}
		cd := msg.CallEnded()
		m.logger.Info("call ended", "session_gen", m.lineage, "call_id", cd.CallID, "reason", cd.Reason)
		// The call is already over; no hangup request.
		m.call = nil
		m.shutdown()

	case protocol.TypeError:
		ed := msg.ErrorPayload()
		text := ed.Message
		if text == "" {
			text = "voice backend reported an error"
		}
		ae := core.NewAPIError(text)
		ae.Code = ed.Code
		m.emitError(ae)
	}
}

func (m *Manager) handleClose(l *link, cause error) {
	if l != m.cur {
		return
	}
	m.retire()
	m.setSpeaking(false)

	if !m.connected {
		m.logger.Warn("calling channel closed before authentication", "session_gen", m.lineage, "error", cause)
		m.emitError(core.NewTransportError("realtime channel closed before authentication", cause))
		m.shutdown()
		return
	}

	lineage := m.lineage
	attempt, delay, ok := m.policy.Schedule(func() {
		m.post(func() {
			if lineage != m.lineage || m.session == nil || m.cur != nil {
				return
			}
			m.logger.Info("reopening calling channel", "session_gen", m.lineage, "attempt", m.policy.Attempts())
			m.open()
		})
	})
	if !ok {
		m.logger.Warn("calling reconnect attempts exhausted", "session_gen", m.lineage, "attempts", attempt, "error", cause)
		m.metrics.RecordReconnectExhausted()
		m.shutdown()
		return
	}
	m.metrics.RecordReconnectAttempt()
	m.logger.Info("calling channel lost, reconnecting", "session_gen", m.lineage, "attempt", attempt, "delay", delay, "error", cause)
	m.publish(func(v *Snapshot) { v.ReconnectAttempts = attempt })
	m.setStatus(StatusConnecting)
}

// link binds one transport to the manager. Events from a link that is no
// longer current are discarded on the loop.
type link struct {
	m       *Manager
	t       transport.Transport
	retired chan struct{}
}

func (l *link) HandleMessage(msg protocol.Message) {
	l.deliver(func() { l.m.handleMessage(l, msg) })
}

func (l *link) HandleClose(err error) {
	l.deliver(func() { l.m.handleClose(l, err) })
}

func (l *link) deliver(fn func()) {
	select {
	case <-l.retired:
		return
	default:
	}
	select {
	case l.m.inbox <- fn:
	case <-l.retired:
	case <-l.m.quit:
	}
}
