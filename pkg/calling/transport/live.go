package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-dialer/pkg/calling/protocol"
	"github.com/vango-go/vai-dialer/pkg/calling/types"
	"github.com/vango-go/vai-dialer/pkg/core"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultMaxMessageBytes  = 64 * 1024
)

// LiveOptions tunes the websocket channel.
type LiveOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval enables keepalive pings; the read deadline is twice this.
	PingInterval    time.Duration
	MaxMessageBytes int64
	Header          http.Header
	Dialer          *websocket.Dialer
	Logger          *slog.Logger

	// OnDecodeError observes frames dropped as malformed.
	OnDecodeError func(err error)
}

func (o LiveOptions) withDefaults() LiveOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = defaultMaxMessageBytes
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// LiveFactory returns a Factory producing websocket transports.
func LiveFactory(opts LiveOptions) Factory {
	return func(session types.CallSession, h Handler) Transport {
		return NewLive(session, h, opts)
	}
}

// LiveTransport owns one websocket to the session's websocket_url. It sends
// the auth frame right after the socket opens and then hands every decoded
// inbound frame to the Handler in receipt order.
type LiveTransport struct {
	session types.CallSession
	handler Handler
	opts    LiveOptions
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

// NewLive starts dialing in the background and returns immediately. Dial and
// auth failures are reported through Handler.HandleClose.
func NewLive(session types.CallSession, h Handler, opts LiveOptions) *LiveTransport {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &LiveTransport{
		session: session,
		handler: h,
		opts:    opts,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *LiveTransport) run() {
	defer close(t.done)

	conn, err := t.dial()
	if err != nil {
		t.reportClose(err)
		return
	}

	t.connMu.Lock()
	if t.closed.Load() {
		t.connMu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.connMu.Unlock()

	if err := t.writeJSON(protocol.NewAuthFrame(t.session.Token, t.session.AgentID)); err != nil {
		_ = conn.Close()
		t.reportClose(core.NewTransportError("send auth frame", err))
		return
	}

	conn.SetReadLimit(t.opts.MaxMessageBytes)
	if t.opts.PingInterval > 0 {
		pongWait := 2 * t.opts.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go t.pingLoop(conn)
	}

	t.readLoop(conn)
}

func (t *LiveTransport) dial() (*websocket.Conn, error) {
	wsURL := strings.TrimSpace(t.session.WebsocketURL)
	if wsURL == "" {
		return nil, core.NewTransportError("session has no websocket url", nil)
	}
	dialCtx, cancel := context.WithTimeout(t.ctx, t.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := t.opts.Dialer.DialContext(dialCtx, wsURL, t.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, core.NewTransportError(fmt.Sprintf("websocket dial failed (status %d)", resp.StatusCode), err)
		}
		return nil, core.NewTransportError("websocket dial failed", err)
	}
	return conn, nil
}

func (t *LiveTransport) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.reportClose(err)
			return
		}
		if t.opts.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * t.opts.PingInterval))
		}
		if messageType != websocket.TextMessage {
			t.logger.Debug("ignoring non-text calling frame", "message_type", messageType)
			continue
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			t.logger.Warn("dropping malformed calling frame", "error", err, "bytes", len(data))
			if t.opts.OnDecodeError != nil {
				t.opts.OnDecodeError(err)
			}
			continue
		}
		if t.closed.Load() {
			return
		}
		t.handler.HandleMessage(msg)
	}
}

func (t *LiveTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debug("calling ping failed", "error", err)
				return
			}
		}
	}
}

func (t *LiveTransport) reportClose(err error) {
	if t.closed.Load() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		t.logger.Debug("calling socket closed by peer", "error", err)
	} else if !errors.Is(err, context.Canceled) {
		t.logger.Info("calling socket lost", "error", err)
	}
	t.handler.HandleClose(err)
}

func (t *LiveTransport) writeJSON(v any) error {
	if t.closed.Load() {
		return fmt.Errorf("calling transport is closed")
	}
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("calling transport is not open")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	return conn.WriteJSON(v)
}

// Close sends a normal-closure frame, closes the socket and waits for the
// read loop to exit.
func (t *LiveTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.cancel()

		t.connMu.Lock()
		conn := t.conn
		t.connMu.Unlock()
		if conn == nil {
			return
		}
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(t.opts.WriteTimeout))
		t.writeMu.Unlock()
		_ = conn.Close()
	})
	<-t.done
	return nil
}
