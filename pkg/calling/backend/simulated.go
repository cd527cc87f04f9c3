package backend

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/vango-go/vai-dialer/pkg/calling/types"
	"github.com/vango-go/vai-dialer/pkg/core"
)

// Simulated stands in for the backend when no live one is configured. Every
// session it issues is simulated and every call is fabricated locally.
type Simulated struct{}

func NewSimulated() Simulated { return Simulated{} }

func (Simulated) StartSession(_ context.Context, req StartSessionRequest) (types.CallSession, error) {
	return types.CallSession{
		Token:     "sim_" + uuid.NewString(),
		AgentID:   req.AgentID,
		Simulated: true,
	}, nil
}

func (Simulated) EndSession(context.Context, string) error { return nil }

func (Simulated) InitiateCall(_ context.Context, req InitiateCallRequest) (CallResult, error) {
	number := strings.TrimSpace(req.DestinationNumber)
	if number == "" {
		return CallResult{}, core.NewInvalidRequestErrorWithParam("destination number is required", "destination_number")
	}
	return CallResult{
		Call: types.Call{
			ID:                "sim_call_" + uuid.NewString(),
			DestinationNumber: number,
			Status:            types.CallStatusRinging,
		},
		Simulated: true,
	}, nil
}

func (Simulated) HangupCall(context.Context, string) error { return nil }
