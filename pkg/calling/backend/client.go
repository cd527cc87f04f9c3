// Package backend is the REST client for the service that issues calling
// session credentials and places or hangs up outbound calls.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-go/vai-dialer/pkg/calling/types"
	"github.com/vango-go/vai-dialer/pkg/core"
)

const (
	requestIDHeader       = "X-Request-ID"
	defaultRequestTimeout = 15 * time.Second
	maxResponseBytes      = 1 << 20

	pathStartSession = "/v1/calling/sessions"
	pathEndSession   = "/v1/calling/sessions/end"
	pathInitiateCall = "/v1/calling/calls"
	pathHangupCall   = "/v1/calling/calls/hangup"
)

type StartSessionRequest struct {
	AgentID string      `json:"agent_id,omitempty"`
	Script  string      `json:"script,omitempty"`
	Lead    *types.Lead `json:"lead,omitempty"`
}

type StartSessionResponse struct {
	Success   bool               `json:"success"`
	Session   *types.CallSession `json:"session,omitempty"`
	Error     string             `json:"error,omitempty"`
	Simulated bool               `json:"simulated,omitempty"`
}

type InitiateCallRequest struct {
	DestinationNumber string      `json:"destination_number"`
	Lead              *types.Lead `json:"lead,omitempty"`
}

type InitiateCallResponse struct {
	Success   bool        `json:"success"`
	Call      *types.Call `json:"call,omitempty"`
	Error     string      `json:"error,omitempty"`
	Simulated bool        `json:"simulated,omitempty"`
}

// CallResult is a placed call and whether the backend simulated it.
type CallResult struct {
	Call      types.Call
	Simulated bool
}

// Client talks JSON over HTTP to the calling backend.
type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	tracer         trace.Tracer
	logger         *slog.Logger
	requestTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer key sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTracer sets the OpenTelemetry tracer used for request spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithLogger sets the logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRequestTimeout bounds requests whose context carries no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimSpace(baseURL),
		httpClient:     newDefaultHTTPClient(),
		tracer:         noop.NewTracerProvider().Tracer(""),
		logger:         slog.Default(),
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newDefaultHTTPClient configures transport-level timeouts; the request
// lifetime itself is controlled by context deadlines.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// StartSession requests credentials for one session attempt. A response with
// success=false is an authentication failure.
func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) (types.CallSession, error) {
	var out StartSessionResponse
	if err := c.do(ctx, "StartSession", pathStartSession, req, &out); err != nil {
		return types.CallSession{}, err
	}
	if !out.Success {
		msg := strings.TrimSpace(out.Error)
		if msg == "" {
			msg = "session request rejected"
		}
		return types.CallSession{}, core.NewAuthenticationError(msg)
	}
	if out.Session == nil {
		if out.Simulated {
			return types.CallSession{Simulated: true, AgentID: req.AgentID}, nil
		}
		return types.CallSession{}, core.NewAPIError("session response missing session")
	}
	session := *out.Session
	session.Simulated = session.Simulated || out.Simulated
	if !session.Simulated && strings.TrimSpace(session.WebsocketURL) == "" {
		return types.CallSession{}, core.NewAPIError("session response missing websocket_url")
	}
	return session, nil
}

// EndSession notifies the backend that the session is over. The response
// body is ignored.
func (c *Client) EndSession(ctx context.Context, token string) error {
	return c.do(ctx, "EndSession", pathEndSession, map[string]string{"token": token}, nil)
}

// InitiateCall asks the backend to dial destinationNumber.
func (c *Client) InitiateCall(ctx context.Context, req InitiateCallRequest) (CallResult, error) {
	if strings.TrimSpace(req.DestinationNumber) == "" {
		return CallResult{}, core.NewInvalidRequestErrorWithParam("destination number is required", "destination_number")
	}
	var out InitiateCallResponse
	if err := c.do(ctx, "InitiateCall", pathInitiateCall, req, &out); err != nil {
		return CallResult{}, err
	}
	if !out.Success {
		msg := strings.TrimSpace(out.Error)
		if msg == "" {
			msg = "call request rejected"
		}
		return CallResult{}, core.NewAPIError(msg)
	}
	if out.Call == nil || strings.TrimSpace(out.Call.ID) == "" {
		return CallResult{}, core.NewAPIError("call response missing call id")
	}
	call := *out.Call
	if call.DestinationNumber == "" {
		call.DestinationNumber = req.DestinationNumber
	}
	return CallResult{Call: call, Simulated: out.Simulated}, nil
}

// HangupCall requests termination of callID. The response body is ignored.
func (c *Client) HangupCall(ctx context.Context, callID string) error {
	return c.do(ctx, "HangupCall", pathHangupCall, map[string]string{"call_id": callID}, nil)
}

func (c *Client) do(ctx context.Context, op, path string, payload, out any) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	requestID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "calling.backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.route", path),
			attribute.String("request_id", requestID),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	endpoint, err := c.endpoint(path)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return core.NewInvalidRequestError("failed to marshal request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Op: op, Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, requestID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	c.logger.Debug("calling backend request",
		"op", op,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeErrorResponse(resp, op, endpoint, requestID)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: op, Endpoint: endpoint, Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "failed to decode backend response",
			RequestID: requestID,
			Cause:     err,
		}
	}
	return nil
}

func (c *Client) endpoint(path string) (string, error) {
	if c.baseURL == "" {
		return "", core.NewInvalidRequestError("backend base URL is not configured")
	}
	base, err := url.Parse(c.baseURL)
	if err != nil || strings.TrimSpace(base.Scheme) == "" || strings.TrimSpace(base.Host) == "" {
		return "", core.NewInvalidRequestError("invalid backend base URL")
	}
	if base.User != nil {
		return "", core.NewInvalidRequestError("backend base URL must not include credentials")
	}
	base.RawQuery = ""
	base.Fragment = ""
	base.Path = strings.TrimSuffix(base.Path, "/") + path
	base.RawPath = ""
	return base.String(), nil
}

func decodeErrorResponse(resp *http.Response, op, endpoint, requestID string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: op, Endpoint: endpoint, Err: err}
	}
	if id := strings.TrimSpace(resp.Header.Get(requestIDHeader)); id != "" {
		requestID = id
	}

	var env struct {
		Error *core.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		if env.Error.RequestID == "" {
			env.Error.RequestID = requestID
		}
		if env.Error.Type == "" {
			env.Error.Type = inferErrorType(resp.StatusCode)
		}
		if env.Error.Message == "" {
			env.Error.Message = http.StatusText(resp.StatusCode)
		}
		return env.Error
	}

	return &core.Error{
		Type:      inferErrorType(resp.StatusCode),
		Message:   fmt.Sprintf("backend request failed with status %d", resp.StatusCode),
		RequestID: requestID,
	}
}

func inferErrorType(statusCode int) core.ErrorType {
	switch statusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return core.ErrInvalidRequest
	case http.StatusUnauthorized:
		return core.ErrAuthentication
	case http.StatusForbidden:
		return core.ErrPermission
	default:
		return core.ErrAPI
	}
}
