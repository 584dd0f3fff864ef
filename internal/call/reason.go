package call

import "fmt"

// EndReason records why a call or connection ended. The first reason
// written to a call wins; later attempts are ignored so the original
// cause survives the teardown cascade.
type EndReason int

const (
	// EndReasonNone indicates the call has not ended.
	EndReasonNone EndReason = iota
	// EndReasonLocalUser indicates the local party cleared the call.
	EndReasonLocalUser
	// EndReasonRemoteUser indicates the remote party cleared the call.
	EndReasonRemoteUser
	// EndReasonRefusal indicates the remote party refused the call.
	EndReasonRefusal
	// EndReasonNoAnswer indicates the remote party did not answer.
	EndReasonNoAnswer
	// EndReasonCallerAbort indicates the caller gave up before answer.
	EndReasonCallerAbort
	// EndReasonTransportFail indicates the signaling transport broke.
	EndReasonTransportFail
	// EndReasonConnectFail indicates the signaling transport could not connect.
	EndReasonConnectFail
	// EndReasonNoUser indicates the dialed party does not exist.
	EndReasonNoUser
	// EndReasonNoEndpoint indicates no endpoint handles the party address.
	EndReasonNoEndpoint
	// EndReasonCapabilityExchange indicates media negotiation found no
	// workable format.
	EndReasonCapabilityExchange
	// EndReasonLocalBusy indicates the local party is busy.
	EndReasonLocalBusy
	// EndReasonRemoteBusy indicates the remote party is busy.
	EndReasonRemoteBusy
	// EndReasonUnreachable indicates the remote host is unreachable.
	EndReasonUnreachable
	// EndReasonTemporaryFailure indicates a transient failure.
	EndReasonTemporaryFailure
)

// String returns the string representation of the end reason.
func (r EndReason) String() string {
	switch r {
	case EndReasonNone:
		return "None"
	case EndReasonLocalUser:
		return "LocalUser"
	case EndReasonRemoteUser:
		return "RemoteUser"
	case EndReasonRefusal:
		return "Refusal"
	case EndReasonNoAnswer:
		return "NoAnswer"
	case EndReasonCallerAbort:
		return "CallerAbort"
	case EndReasonTransportFail:
		return "TransportFail"
	case EndReasonConnectFail:
		return "ConnectFail"
	case EndReasonNoUser:
		return "NoUser"
	case EndReasonNoEndpoint:
		return "NoEndpoint"
	case EndReasonCapabilityExchange:
		return "CapabilityExchange"
	case EndReasonLocalBusy:
		return "LocalBusy"
	case EndReasonRemoteBusy:
		return "RemoteBusy"
	case EndReasonUnreachable:
		return "Unreachable"
	case EndReasonTemporaryFailure:
		return "TemporaryFailure"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}

// IsSet reports whether a reason has been recorded.
func (r EndReason) IsSet() bool {
	return r != EndReasonNone
}
