package protocol

// CloseCode is the transport-independent close reason class. The server
// package maps these onto WebSocket status codes.
type CloseCode int

const (
	// CloseNormal is a clean client-initiated close.
	CloseNormal CloseCode = iota
	// CloseGoingAway covers server shutdown and heartbeat timeout.
	CloseGoingAway
	// ClosePolicyViolation covers auth required/failed/timeout and slow
	// consumers.
	ClosePolicyViolation
	// CloseProtocolError covers malformed frames and mid-session format
	// switches.
	CloseProtocolError
	// CloseServerError is an unhandled internal failure.
	CloseServerError
	// CloseServerBusy means a per-document queue rejected the connection's
	// work.
	CloseServerBusy
)

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going-away"
	case ClosePolicyViolation:
		return "policy-violation"
	case CloseProtocolError:
		return "protocol-error"
	case CloseServerError:
		return "server-error"
	case CloseServerBusy:
		return "server-busy"
	default:
		return "unknown"
	}
}

// Error frame codes used in the "code" property of error/auth_error frames.
const (
	ErrCodeUnauthenticated  = "NOT_AUTHENTICATED"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeServerBusy       = "SERVER_BUSY"
	ErrCodeShutdown         = "SERVER_SHUTTING_DOWN"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
