package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransportError reports that a backend operation never produced an HTTP
// response, or that its body could not be read. Op names the operation
// ("StartSession", "InitiateCall", ...) and Endpoint the URL it targeted.
//
// Callers use errors.As to tell these apart from rejections the backend
// returned (*core.Error).
type TransportError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	if e.Endpoint == "" {
		return fmt.Sprintf("calling backend %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("calling backend %s (%s): %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Timeout reports whether the operation ran out of time, either through its
// context deadline or a network timeout.
func (e *TransportError) Timeout() bool {
	if e == nil {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}
