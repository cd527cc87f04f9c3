package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-dialer/pkg/calling/protocol"
	"github.com/vango-go/vai-dialer/pkg/calling/types"
)

type recordingHandler struct {
	mu       sync.Mutex
	messages []protocol.Message
	closes   []error
	notify   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 256)}
}

func (h *recordingHandler) HandleMessage(msg protocol.Message) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	h.signal()
}

func (h *recordingHandler) HandleClose(err error) {
	h.mu.Lock()
	h.closes = append(h.closes, err)
	h.mu.Unlock()
	h.signal()
}

func (h *recordingHandler) signal() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) snapshot() ([]protocol.Message, []error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Message(nil), h.messages...), append([]error(nil), h.closes...)
}

func (h *recordingHandler) waitFor(t *testing.T, timeout time.Duration, cond func(msgs []protocol.Message, closes []error) bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond(h.snapshot()) {
			return
		}
		select {
		case <-h.notify:
		case <-deadline:
			msgs, closes := h.snapshot()
			t.Fatalf("condition not met: messages=%+v closes=%v", msgs, closes)
		}
	}
}

type wsServer struct {
	url   string
	auths chan protocol.AuthFrame
	conns chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	s := &wsServer{auths: make(chan protocol.AuthFrame, 4), conns: make(chan *websocket.Conn, 4)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		var auth protocol.AuthFrame
		_ = json.Unmarshal(data, &auth)
		s.auths <- auth
		s.conns <- conn
	}))
	t.Cleanup(srv.Close)
	s.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return s
}

func (s *wsServer) accept(t *testing.T) (protocol.AuthFrame, *websocket.Conn) {
	t.Helper()
	select {
	case auth := <-s.auths:
		conn := <-s.conns
		t.Cleanup(func() { _ = conn.Close() })
		return auth, conn
	case <-time.After(2 * time.Second):
		t.Fatalf("no websocket connection")
		return protocol.AuthFrame{}, nil
	}
}

func mustWriteText(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLiveTransport_SendsAuthAndDeliversInOrder(t *testing.T) {
	srv := newWSServer(t)
	h := newRecordingHandler()
	tr := NewLive(types.CallSession{Token: "tok_1", AgentID: "agent_1", WebsocketURL: srv.url}, h, LiveOptions{})
	defer tr.Close()

	auth, conn := srv.accept(t)
	if auth.Type != protocol.TypeAuth || auth.Token != "tok_1" || auth.AgentID != "agent_1" {
		t.Fatalf("auth=%+v", auth)
	}

	mustWriteText(t, conn, `{"type":"auth_success"}`)
	mustWriteText(t, conn, `{"type":"agent_speaking"}`)
	mustWriteText(t, conn, `{"type":"transcript_update","data":{"role":"agent","text":"Hello","timestamp":500}}`)

	h.waitFor(t, 2*time.Second, func(msgs []protocol.Message, _ []error) bool { return len(msgs) == 3 })
	msgs, _ := h.snapshot()
	want := []protocol.MessageType{protocol.TypeAuthSuccess, protocol.TypeAgentSpeaking, protocol.TypeTranscriptUpdate}
	for i, typ := range want {
		if msgs[i].Type != typ {
			t.Fatalf("msgs[%d].Type=%q, want %q", i, msgs[i].Type, typ)
		}
	}
}

func TestLiveTransport_DropsMalformedFrames(t *testing.T) {
	srv := newWSServer(t)
	h := newRecordingHandler()
	var dropped int
	var mu sync.Mutex
	tr := NewLive(types.CallSession{Token: "t", WebsocketURL: srv.url}, h, LiveOptions{
		OnDecodeError: func(error) {
			mu.Lock()
			dropped++
			mu.Unlock()
		},
	})
	defer tr.Close()

	_, conn := srv.accept(t)
	mustWriteText(t, conn, `not json`)
	mustWriteText(t, conn, `{"type":"mystery"}`)
	mustWriteText(t, conn, `{"type":"transcript_update","data":{"role":"robot","text":"x"}}`)
	mustWriteText(t, conn, `{"type":"call_answered"}`)

	h.waitFor(t, 2*time.Second, func(msgs []protocol.Message, _ []error) bool { return len(msgs) == 1 })
	msgs, closes := h.snapshot()
	if msgs[0].Type != protocol.TypeCallAnswered {
		t.Fatalf("type=%q", msgs[0].Type)
	}
	if len(closes) != 0 {
		t.Fatalf("malformed frames must not close the transport: %v", closes)
	}
	mu.Lock()
	defer mu.Unlock()
	if dropped != 3 {
		t.Fatalf("dropped=%d, want 3", dropped)
	}
}

func TestLiveTransport_ReportsPeerClose(t *testing.T) {
	srv := newWSServer(t)
	h := newRecordingHandler()
	tr := NewLive(types.CallSession{Token: "t", WebsocketURL: srv.url}, h, LiveOptions{})
	defer tr.Close()

	_, conn := srv.accept(t)
	_ = conn.Close()

	h.waitFor(t, 2*time.Second, func(_ []protocol.Message, closes []error) bool { return len(closes) == 1 })
}

func TestLiveTransport_DialFailureReportsClose(t *testing.T) {
	h := newRecordingHandler()
	tr := NewLive(types.CallSession{Token: "t", WebsocketURL: "ws://127.0.0.1:1/ws"}, h, LiveOptions{HandshakeTimeout: time.Second})
	defer tr.Close()

	h.waitFor(t, 3*time.Second, func(_ []protocol.Message, closes []error) bool { return len(closes) == 1 })
}

func TestLiveTransport_LocalCloseIsSilent(t *testing.T) {
	srv := newWSServer(t)
	h := newRecordingHandler()
	tr := NewLive(types.CallSession{Token: "t", WebsocketURL: srv.url}, h, LiveOptions{})

	_, conn := srv.accept(t)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("server read err=%v, want normal closure", err)
	}
	_, closes := h.snapshot()
	if len(closes) != 0 {
		t.Fatalf("local close reported to handler: %v", closes)
	}
}

func TestSimulatedTransport_ConnectsThenToggles(t *testing.T) {
	h := newRecordingHandler()
	tr := NewSimulated(h, SimulatedOptions{ConnectDelay: 10 * time.Millisecond, SpeakingInterval: 15 * time.Millisecond})
	defer tr.Close()

	h.waitFor(t, 2*time.Second, func(msgs []protocol.Message, _ []error) bool { return len(msgs) >= 4 })
	msgs, _ := h.snapshot()
	if msgs[0].Type != protocol.TypeAuthSuccess {
		t.Fatalf("first frame=%q, want auth_success", msgs[0].Type)
	}
	for i := 1; i < 4; i++ {
		want := protocol.TypeAgentSpeaking
		if i%2 == 0 {
			want = protocol.TypeAgentListening
		}
		if msgs[i].Type != want {
			t.Fatalf("msgs[%d]=%q, want %q", i, msgs[i].Type, want)
		}
	}
	for _, m := range msgs {
		if m.Type == protocol.TypeTranscriptUpdate {
			t.Fatalf("simulated transport must not produce transcripts")
		}
	}
}

func TestSimulatedOptions_ZeroValuesUseDefaults(t *testing.T) {
	opts := SimulatedOptions{}.withDefaults()
	if opts.ConnectDelay != DefaultSimConnectDelay {
		t.Fatalf("ConnectDelay=%v, want %v", opts.ConnectDelay, DefaultSimConnectDelay)
	}
	if opts.SpeakingInterval != DefaultSimSpeakingInterval {
		t.Fatalf("SpeakingInterval=%v, want %v", opts.SpeakingInterval, DefaultSimSpeakingInterval)
	}

	h := newRecordingHandler()
	tr := NewSimulated(h, SimulatedOptions{})
	defer tr.Close()
	time.Sleep(100 * time.Millisecond)
	if msgs, _ := h.snapshot(); len(msgs) != 0 {
		t.Fatalf("zero options delivered %q before the handshake delay", msgs[0].Type)
	}
}

func TestSimulatedTransport_NoDeliveryAfterClose(t *testing.T) {
	h := newRecordingHandler()
	tr := NewSimulated(h, SimulatedOptions{ConnectDelay: 5 * time.Millisecond, SpeakingInterval: 5 * time.Millisecond})

	h.waitFor(t, 2*time.Second, func(msgs []protocol.Message, _ []error) bool { return len(msgs) >= 2 })
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	before, _ := h.snapshot()

	time.Sleep(50 * time.Millisecond)
	after, _ := h.snapshot()
	if len(after) != len(before) {
		t.Fatalf("deliveries after Close: before=%d after=%d", len(before), len(after))
	}
}

func TestSimulatedTransport_CloseBeforeConnect(t *testing.T) {
	h := newRecordingHandler()
	tr := NewSimulated(h, SimulatedOptions{ConnectDelay: 20 * time.Millisecond, SpeakingInterval: 5 * time.Millisecond})
	_ = tr.Close()

	time.Sleep(60 * time.Millisecond)
	if msgs, _ := h.snapshot(); len(msgs) != 0 {
		t.Fatalf("messages after early Close: %+v", msgs)
	}
	// Starting a cycle on a closed transport is a no-op.
	tr.StartSpeakingCycle()
	time.Sleep(20 * time.Millisecond)
	if msgs, _ := h.snapshot(); len(msgs) != 0 {
		t.Fatalf("messages after StartSpeakingCycle on closed transport: %+v", msgs)
	}
}

func TestSimulatedTransport_StartSpeakingCycleIsIdempotent(t *testing.T) {
	h := newRecordingHandler()
	tr := NewSimulated(h, SimulatedOptions{ConnectDelay: time.Hour, SpeakingInterval: 20 * time.Millisecond})
	defer tr.Close()

	tr.StartSpeakingCycle()
	tr.StartSpeakingCycle()
	tr.StartSpeakingCycle()

	time.Sleep(110 * time.Millisecond)
	msgs, _ := h.snapshot()
	// One ticker yields ~5 toggles; three would yield ~15.
	if len(msgs) < 2 || len(msgs) > 7 {
		t.Fatalf("toggles=%d, want one live cycle", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Type == msgs[i-1].Type {
			t.Fatalf("toggles must alternate: %+v", msgs)
		}
	}

	tr.StopSpeakingCycle()
	n := len(msgs)
	time.Sleep(60 * time.Millisecond)
	if msgs, _ := h.snapshot(); len(msgs) > n+1 {
		t.Fatalf("cycle kept running after StopSpeakingCycle")
	}
}
