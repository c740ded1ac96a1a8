package conn

// EventCallback is a function invoked when the controller observes a
// connection-lifecycle or payload-lifecycle event.
//
// External systems (e.g. an analytics sink, a client-facing façade)
// register callbacks to react to events such as a new connection
// reaching CONNECTED or a payload transfer completing.
//
// Callbacks are invoked synchronously by the consumer goroutine reading
// Controller.Events(). Long-running operations should be dispatched
// asynchronously to avoid blocking the notification pipeline -- the
// producer side (BasePcpHandler's PCP thread, PayloadManager's progress
// executor) never blocks waiting for a callback to return.
//
// Usage:
//
//	go func() {
//	    for ev := range ctrl.Events() {
//	        for _, cb := range callbacks {
//	            cb(ev)
//	        }
//	    }
//	}()
//
// This decoupled, channel-based design avoids import cycles between
// internal/conn and protocol-specific integration packages, the same
// role internal/bfd/callback.go's StateCallback plays for BFD.
type EventCallback func(ControllerEvent)

// ControllerEventKind tags the variant of ControllerEvent.
type ControllerEventKind int

const (
	EventEndpointFound ControllerEventKind = iota
	EventEndpointLost
	EventConnectionInitiated
	EventConnectionAccepted
	EventConnectionRejected
	EventConnectionDisconnected
	EventPayloadProgress
)

// ControllerEvent is one notification emitted onto Controller.Events().
type ControllerEvent struct {
	Kind         ControllerEventKind
	EndpointID   string
	Status       Status
	CloseReason  CloseReason
	ConnInfo     ConnectionInfo
	PayloadEvent PayloadProgress
}
