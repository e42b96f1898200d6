package frame

// Reason explains an ERROR frame or a local session failure.
//
// Session-local reasons (DNSFailure through TargetReset) travel over the
// link as ERROR frames and never escalate to link failure. LinkLost and
// Shutdown are applied locally to every open session when the link itself
// goes away.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonDNSFailure
	ReasonConnectionRefused
	ReasonTimeout
	ReasonClientAborted
	ReasonTargetReset
	ReasonLinkLost
	ReasonShutdown
	ReasonInvalidState
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonDNSFailure:
		return "dns failure"
	case ReasonConnectionRefused:
		return "connection refused"
	case ReasonTimeout:
		return "timeout"
	case ReasonClientAborted:
		return "client aborted"
	case ReasonTargetReset:
		return "target reset"
	case ReasonLinkLost:
		return "link lost"
	case ReasonShutdown:
		return "shutdown"
	case ReasonInvalidState:
		return "invalid state"
	default:
		return "unknown"
	}
}
