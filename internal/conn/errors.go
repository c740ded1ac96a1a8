package conn

import "errors"

// Sentinel errors, wrapped with fmt.Errorf("...: %w", ...) at call sites.
var (
	ErrEndpointUnknown     = errors.New("endpoint unknown")
	ErrAlreadyConnected    = errors.New("endpoint already connected")
	ErrNotConnected        = errors.New("endpoint not connected")
	ErrOutOfOrderAPICall   = errors.New("api call invalid in current state")
	ErrAlreadyAdvertising  = errors.New("already advertising for this service")
	ErrAlreadyDiscovering  = errors.New("already discovering for this service")
	ErrNoMediumStarted     = errors.New("no medium could be started")
	ErrConnectionRejected  = errors.New("connection rejected")
	ErrAuthenticationError = errors.New("authentication failed")
	ErrPayloadUnknown      = errors.New("payload unknown")
	ErrPayloadCanceled     = errors.New("payload canceled")

	ErrFrameTooShort      = errors.New("frame too short")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrInvalidFrameType   = errors.New("unknown frame type")
	ErrInvalidVersion     = errors.New("unsupported frame version")
	ErrEndpointInfoTooBig = errors.New("endpoint_info exceeds maximum length")

	ErrChannelClosed  = errors.New("channel closed")
	ErrChannelPaused  = errors.New("channel paused")
	ErrReadTimeout    = errors.New("read timeout")
	ErrPolicyMaxReached = errors.New("pcp policy connection limit reached")

	ErrUpgradeSameMedium = errors.New("upgrade target equals current medium")
	ErrUpgradeExhausted  = errors.New("no remaining upgrade medium candidates")
)
