package session

import (
	"context"
	"errors"
	"strings"

	"github.com/vango-go/vai-dialer/pkg/calling/backend"
	"github.com/vango-go/vai-dialer/pkg/calling/transport"
	"github.com/vango-go/vai-dialer/pkg/calling/types"
	"github.com/vango-go/vai-dialer/pkg/core"
)

// Controller places and hangs up outbound calls over a Manager's session.
// It never changes the conversation status; a call ending does not end the
// session.
type Controller struct {
	m *Manager
}

// NewController returns a Controller placing calls through m's backend.
func NewController(m *Manager) *Controller {
	return &Controller{m: m}
}

// InitiateCall asks the backend to dial destination. It fails with a
// not_connected_error unless the session is connected and with a
// call_active_error while another call is active or being placed. In
// simulated mode the speaking cycle is started since no real turn-taking
// events will arrive.
func (c *Controller) InitiateCall(ctx context.Context, destination string, lead *types.Lead) (types.Call, error) {
	m := c.m
	destination = strings.TrimSpace(destination)

	var (
		lineage   uint64
		rejectErr *core.Error
	)
	if err := m.exec(func() {
		switch {
		case m.status != StatusConnected:
			rejectErr = core.NewNotConnectedError("cannot initiate a call while " + string(m.status))
		case m.call != nil:
			rejectErr = core.NewCallActiveError(m.call.ID)
		case m.callPending:
			rejectErr = core.NewCallActiveError("")
		default:
			m.callPending = true
			lineage = m.lineage
		}
	}); err != nil {
		return types.Call{}, err
	}
	if rejectErr != nil {
		m.metrics.RecordCall("initiate", string(rejectErr.Type))
		return types.Call{}, rejectErr
	}

	res, callErr := m.backend.InitiateCall(ctx, backend.InitiateCallRequest{DestinationNumber: destination, Lead: lead})

	var (
		call      types.Call
		resultErr error
	)
	if err := m.exec(func() {
		if lineage != m.lineage {
			// The session ended while the request was in flight.
			if callErr == nil {
				orphan := res.Call.ID
				m.background("HangupCall", func(ctx context.Context) error { return m.backend.HangupCall(ctx, orphan) })
			}
			resultErr = core.NewNotConnectedError("session ended while the call was being placed")
			return
		}
		m.callPending = false
		if callErr != nil {
			resultErr = callErr
			return
		}
		call = res.Call
		active := res.Call
		m.call = &active
		m.publish(func(v *Snapshot) { v.CurrentCallID = call.ID })
		m.logger.Info("call initiated", "session_gen", m.lineage, "call_id", call.ID, "status", call.Status, "simulated", res.Simulated)

		if (m.session != nil && m.session.Simulated) || res.Simulated {
			if m.cur != nil {
				if sc, ok := m.cur.t.(transport.SpeakingCycler); ok {
					sc.StartSpeakingCycle()
				}
			}
		}
	}); err != nil {
		if callErr == nil {
			if hangErr := m.backend.HangupCall(ctx, res.Call.ID); hangErr != nil {
				m.logger.Debug("calling backend notification failed", "op", "HangupCall", "call_id", res.Call.ID, "error", hangErr)
			}
		}
		return types.Call{}, err
	}

	if resultErr != nil {
		outcome := "error"
		var ce *core.Error
		if errors.As(resultErr, &ce) {
			outcome = string(ce.Type)
		}
		m.metrics.RecordCall("initiate", outcome)
		return types.Call{}, resultErr
	}
	m.metrics.RecordCall("initiate", "ok")
	return call, nil
}

// HangupCall requests termination of the active call and clears it. It is a
// no-op without an active call. The call is cleared even if the backend
// request fails.
func (c *Controller) HangupCall(ctx context.Context) error {
	m := c.m
	var callID string
	if err := m.exec(func() {
		if m.call == nil {
			return
		}
		callID = m.call.ID
		m.call = nil
		m.publish(func(v *Snapshot) { v.CurrentCallID = "" })
	}); err != nil {
		return err
	}
	if callID == "" {
		return nil
	}

	if err := m.backend.HangupCall(ctx, callID); err != nil {
		m.logger.Warn("hangup request failed", "call_id", callID, "error", err)
		m.metrics.RecordCall("hangup", "error")
		return err
	}
	m.logger.Info("call hung up", "call_id", callID)
	m.metrics.RecordCall("hangup", "ok")
	return nil
}
