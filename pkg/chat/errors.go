package chat

import "errors"

var (
	ErrAuthentication       = errors.New("authentication failed")
	ErrAuthorization        = errors.New("not enough permissions")
	ErrNotFound             = errors.New("not found")
	ErrPersistence          = errors.New("persistence failed")
	ErrBackplaneUnavailable = errors.New("backplane unavailable")
	ErrSlowConsumer         = errors.New("slow consumer")
	ErrConnectionClosed     = errors.New("connection closed")
)

// WebSocket close codes used by chat sessions.
const (
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// CloseCodeFor maps an error from the session handshake to a close code.
func CloseCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrAuthorization):
		return ClosePolicyViolation
	default:
		return CloseInternalError
	}
}
