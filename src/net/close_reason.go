package net

// CloseReason classifies why a connection terminated.
type CloseReason int

const (
	// PeerClosed: the peer hung up, cleanly or not.
	PeerClosed CloseReason = iota + 1
	// LivenessTimeout: too many Pings went unanswered.
	LivenessTimeout
	// ProtocolViolation: the peer sent something it must not, or exceeded a
	// rule violation tolerance.
	ProtocolViolation
	// LocalShutdown: this node is stopping or chose to disconnect.
	LocalShutdown
	// DuplicateSuperseded: another connection with the same peer replaced
	// this one.
	DuplicateSuperseded
	// TransportFault: read or write failed (reset, timeout).
	TransportFault
)

func (r CloseReason) String() string {
	switch r {
	case PeerClosed:
		return "PEER_CLOSED"
	case LivenessTimeout:
		return "LIVENESS_TIMEOUT"
	case ProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case LocalShutdown:
		return "LOCAL_SHUTDOWN"
	case DuplicateSuperseded:
		return "DUPLICATE_SUPERSEDED"
	case TransportFault:
		return "TRANSPORT_FAULT"
	default:
		return "UNKNOWN"
	}
}

// Intended is true when the connection was closed on purpose by this node,
// as opposed to the peer vanishing.
func (r CloseReason) Intended() bool {
	return r == LocalShutdown || r == DuplicateSuperseded
}

// Violation is a kind of misbehaviour a peer can be charged with.
type Violation int

const (
	// ThrottleExceeded: the peer sent messages faster than allowed.
	ThrottleExceeded Violation = iota + 1
	// InvalidData: a message failed validation (bad signature, invalid
	// payload).
	InvalidData
	// TooManyReportedPeers: a peer exchange carried more peers than allowed.
	TooManyReportedPeers
	// UnexpectedMessage: a handshake message after the handshake.
	UnexpectedMessage
)

// tolerance is the number of violations of a kind accepted before the
// connection is closed.
func (v Violation) tolerance() int {
	switch v {
	case UnexpectedMessage:
		return 0
	case ThrottleExceeded, TooManyReportedPeers:
		return 2
	default:
		return 5
	}
}

func (v Violation) String() string {
	switch v {
	case ThrottleExceeded:
		return "ThrottleExceeded"
	case InvalidData:
		return "InvalidData"
	case TooManyReportedPeers:
		return "TooManyReportedPeers"
	case UnexpectedMessage:
		return "UnexpectedMessage"
	default:
		return "Unknown"
	}
}
