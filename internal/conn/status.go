package conn

// Status is the small result enum returned across the controller
// boundary (spec.md section 6.3).
type Status int

const (
	StatusSuccess Status = iota
	StatusError
	StatusOutOfOrderAPICall
	StatusAlreadyAdvertising
	StatusAlreadyDiscovering
	StatusEndpointIOError
	StatusEndpointUnknown
	StatusConnectionRejected
	StatusAlreadyConnected
	StatusNotConnected
	StatusAuthenticationError
	StatusBluetoothError
	StatusBleError
	StatusWifiLanError
	StatusPayloadUnknown
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusError:
		return "Error"
	case StatusOutOfOrderAPICall:
		return "OutOfOrderApiCall"
	case StatusAlreadyAdvertising:
		return "AlreadyAdvertising"
	case StatusAlreadyDiscovering:
		return "AlreadyDiscovering"
	case StatusEndpointIOError:
		return "EndpointIoError"
	case StatusEndpointUnknown:
		return "EndpointUnknown"
	case StatusConnectionRejected:
		return "ConnectionRejected"
	case StatusAlreadyConnected:
		return "AlreadyConnected"
	case StatusNotConnected:
		return "NotConnected"
	case StatusAuthenticationError:
		return "AuthenticationError"
	case StatusBluetoothError:
		return "BluetoothError"
	case StatusBleError:
		return "BleError"
	case StatusWifiLanError:
		return "WifiLanError"
	case StatusPayloadUnknown:
		return "PayloadUnknown"
	default:
		return "Unknown"
	}
}

// CloseReason records why an EndpointChannel was closed, mirrored onto
// EndpointChannelManager bookkeeping (spec.md section 4.2).
type CloseReason int

const (
	CloseReasonUnspecified CloseReason = iota
	CloseReasonLocalDisconnect
	CloseReasonRemoteDisconnect
	CloseReasonReplaced
	CloseReasonUpgraded
	CloseReasonShutdown
	CloseReasonKeepAliveTimeout
	CloseReasonIOError
	CloseReasonRejected
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonLocalDisconnect:
		return "local_disconnect"
	case CloseReasonRemoteDisconnect:
		return "remote_disconnect"
	case CloseReasonReplaced:
		return "replaced"
	case CloseReasonUpgraded:
		return "upgraded"
	case CloseReasonShutdown:
		return "shutdown"
	case CloseReasonKeepAliveTimeout:
		return "keep_alive_timeout"
	case CloseReasonIOError:
		return "io_error"
	case CloseReasonRejected:
		return "rejected"
	default:
		return "unspecified"
	}
}

// PayloadStatus is the observable terminal/non-terminal state of a
// payload transfer (spec.md section 4.7).
type PayloadStatus int

const (
	PayloadInProgress PayloadStatus = iota
	PayloadSuccess
	PayloadFailure
	PayloadCanceled
)

func (s PayloadStatus) String() string {
	switch s {
	case PayloadInProgress:
		return "InProgress"
	case PayloadSuccess:
		return "Success"
	case PayloadFailure:
		return "Failure"
	case PayloadCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// ConnectionStatus is the 5-bit flag set from spec.md section 3.
type ConnectionStatus uint8

const (
	ConnPending ConnectionStatus = 1 << iota
	ConnLocalAccepted
	ConnLocalRejected
	ConnRemoteAccepted
	ConnRemoteRejected
)

// Connected reports whether both sides accepted and neither rejected.
func (c ConnectionStatus) Connected() bool {
	return c&ConnLocalAccepted != 0 && c&ConnRemoteAccepted != 0 &&
		c&ConnLocalRejected == 0 && c&ConnRemoteRejected == 0
}

// Rejected reports whether either side rejected.
func (c ConnectionStatus) Rejected() bool {
	return c&ConnLocalRejected != 0 || c&ConnRemoteRejected != 0
}
