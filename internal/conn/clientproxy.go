package conn

import (
	"sync"
	"sync/atomic"
	"time"
)

// LocalEndpointInfo describes the local client's identity as advertised
// to peers (spec.md section 3, glossary: EndpointInfo).
type LocalEndpointInfo struct {
	// Name is the human-readable device name shown in discovery UIs.
	Name string
	// Info is the raw endpoint_info payload (often Name re-encoded per
	// an application-specific scheme); callers that don't care about the
	// distinction may leave this nil and Info() derives it from Name.
	Info []byte
}

// ClientProxyOption configures optional ClientProxy parameters.
type ClientProxyOption func(*ClientProxy)

// WithKeepAlive overrides the default keep-alive interval/timeout used
// for every EndpointChannel this client owns (spec.md section 4.3).
func WithKeepAlive(interval, timeout time.Duration) ClientProxyOption {
	return func(c *ClientProxy) {
		c.keepAliveInterval = interval
		c.keepAliveTimeout = timeout
	}
}

// WithEndpointIDAllocator overrides the default EndpointIDAllocator,
// mainly useful for tests that want deterministic ids.
func WithEndpointIDAllocator(a *EndpointIDAllocator) ClientProxyOption {
	return func(c *ClientProxy) {
		if a != nil {
			c.endpointIDs = a
		}
	}
}

const (
	defaultKeepAliveInterval = 5 * time.Second
	defaultKeepAliveTimeout  = 30 * time.Second
)

// DiscoveredEndpoint is a remote endpoint observed via an advertisement
// (spec.md section 4.1) but not yet requested for connection.
type DiscoveredEndpoint struct {
	EndpointID   string
	EndpointInfo []byte
	ServiceID    string
	Medium       Medium

	// HasBluetoothMAC and BluetoothMAC let a BLE discoverer report the
	// remote's classic-Bluetooth address alongside the BLE sighting, so
	// the handler can synthesize a second Bluetooth DiscoveredEndpoint
	// for the same endpoint id (spec.md section 4.3.1).
	HasBluetoothMAC bool
	BluetoothMAC    [6]byte
}

// PendingConnection tracks a connection in flight before it resolves to
// ConnLocalAccepted/ConnLocalRejected and the equivalent remote flags
// (spec.md section 3).
type PendingConnection struct {
	EndpointID       string
	Nonce            uint32
	IsIncoming       bool
	Status           ConnectionStatus
	StartedAt        time.Time
	SupportedMediums []Medium
	EndpointInfo     []byte

	// Token is the 8-hex-character connection token both sides derive
	// from the pair of endpoint ids and exchange in their
	// ConnectionRequestFrames (spec.md section 3).
	Token string

	// Remote attributes lifted from the peer's ConnectionRequestFrame,
	// refined by its ConnectionResponseFrame once that arrives (spec.md
	// section 4.8).
	RemoteWifi                    WifiCapability
	RemoteOSInfo                  string
	RemoteSafeToDisconnectVersion int32
	RemoteMultiplexBitmask        uint32

	// Channel is the pre-handoff, already-encrypted channel; it is not
	// registered with EndpointChannelManager until arbitration concludes
	// (spec.md section 3, glossary: PendingConnection).
	Channel EndpointChannel
}

// Connection is an established or previously established link to one
// remote endpoint, owned by the ClientProxy for as long as the endpoint
// is known to it (spec.md section 3's Connection).
type Connection struct {
	EndpointID       string
	EndpointInfo     []byte
	Medium           Medium
	IsIncoming       bool
	SupportedMediums []Medium

	// Token is the 8-hex-character connection token carried in both
	// sides' ConnectionRequestFrames.
	Token string

	// Connection options this side applied when the link was set up.
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	// Listener receives this connection's lifecycle callbacks; it is the
	// final listener after any tie-break resolution.
	Listener ConnectionListener

	// PayloadListener is installed only after local accept (spec.md
	// section 4.3.5); nil until then.
	PayloadListener ReceivedPayloadListener

	// Remote capability flags, exchanged inside the peer's
	// ConnectionRequestFrame/ConnectionResponseFrame (spec.md section 4.8).
	RemoteWifi                    WifiCapability
	RemoteOSInfo                  string
	RemoteSafeToDisconnectVersion int32
	RemoteMultiplexBitmask        uint32
}

// SafeToDisconnectEnabled reports whether the graceful-disconnect
// exchange is usable on this connection: both sides must advertise at
// least minSafeToDisconnectVersion (spec.md section 4.8).
func (c *Connection) SafeToDisconnectEnabled() bool {
	return c.RemoteSafeToDisconnectVersion >= minSafeToDisconnectVersion
}

// AutoReconnectEnabled reports whether the peer advertised the
// auto-reconnect capability bit.
func (c *Connection) AutoReconnectEnabled() bool {
	return c.RemoteMultiplexBitmask&capAutoReconnect != 0
}

// PayloadReceivedAckEnabled reports whether the peer advertised the
// payload-received-ack capability bit.
func (c *Connection) PayloadReceivedAckEnabled() bool {
	return c.RemoteMultiplexBitmask&capPayloadReceivedAck != 0
}

// ClientProxy holds per-client state for one Nearby Connections client:
// its advertising/discovery flags, allocated endpoint ids, discovered
// and connected endpoints, and cancellation flags (spec.md section 4.1,
// glossary: ClientProxy). One ClientProxy exists per local application
// using the controller.
//
// Mutable state is guarded by mu, except the advertising/discovering
// flags, which are atomics; the slices returned by DiscoveredEndpoints and
// Connections are copies, safe to read without holding it afterward.
type ClientProxy struct {
	mu sync.Mutex

	localEndpointID string
	local           LocalEndpointInfo

	advertising atomic.Bool
	discovering atomic.Bool

	advertisingServiceID string
	discoveringServiceID string
	strategy             Strategy

	discovered map[string]DiscoveredEndpoint
	pending    map[string]*PendingConnection
	connected  map[string]*Connection

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	endpointIDs       *EndpointIDAllocator
}

// NewClientProxy allocates a ClientProxy with its own endpoint id, using
// local to describe itself to discoverers.
func NewClientProxy(local LocalEndpointInfo, opts ...ClientProxyOption) (*ClientProxy, error) {
	if local.Info == nil {
		local.Info = []byte(local.Name)
	}

	c := &ClientProxy{
		local:             local,
		discovered:        make(map[string]DiscoveredEndpoint),
		pending:           make(map[string]*PendingConnection),
		connected:         make(map[string]*Connection),
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveTimeout:  defaultKeepAliveTimeout,
		endpointIDs:       NewEndpointIDAllocator(),
	}
	for _, opt := range opts {
		opt(c)
	}

	id, err := c.endpointIDs.Allocate()
	if err != nil {
		return nil, err
	}
	c.localEndpointID = id

	return c, nil
}

// LocalEndpointID is the id this client advertises itself under.
func (c *ClientProxy) LocalEndpointID() string { return c.localEndpointID }

// LocalInfo returns the local endpoint info this client advertises.
func (c *ClientProxy) LocalInfo() LocalEndpointInfo { return c.local }

// StartAdvertising marks the client as advertising for serviceID under
// strategy. Returns ErrAlreadyAdvertising if already advertising.
func (c *ClientProxy) StartAdvertising(serviceID string, strategy Strategy) error {
	if !c.advertising.CompareAndSwap(false, true) {
		return ErrAlreadyAdvertising
	}
	c.mu.Lock()
	c.advertisingServiceID = serviceID
	c.strategy = strategy
	c.mu.Unlock()
	return nil
}

// StopAdvertising clears advertising state. A no-op if not advertising.
func (c *ClientProxy) StopAdvertising() {
	c.advertising.Store(false)
	c.mu.Lock()
	c.advertisingServiceID = ""
	c.mu.Unlock()
}

// IsAdvertising reports whether the client is currently advertising.
func (c *ClientProxy) IsAdvertising() bool { return c.advertising.Load() }

// StartDiscovery marks the client as discovering serviceID. Returns
// ErrAlreadyDiscovering if already discovering.
func (c *ClientProxy) StartDiscovery(serviceID string, strategy Strategy) error {
	if !c.discovering.CompareAndSwap(false, true) {
		return ErrAlreadyDiscovering
	}
	c.mu.Lock()
	c.discoveringServiceID = serviceID
	c.strategy = strategy
	c.discovered = make(map[string]DiscoveredEndpoint)
	c.mu.Unlock()
	return nil
}

// StopDiscovery clears discovery state and the discovered-endpoint set.
func (c *ClientProxy) StopDiscovery() {
	c.discovering.Store(false)
	c.mu.Lock()
	c.discoveringServiceID = ""
	c.discovered = make(map[string]DiscoveredEndpoint)
	c.mu.Unlock()
}

// IsDiscovering reports whether the client is currently discovering.
func (c *ClientProxy) IsDiscovering() bool { return c.discovering.Load() }

// OnEndpointFound records a newly discovered endpoint, returning true if
// it is new (not previously known).
func (c *ClientProxy) OnEndpointFound(ep DiscoveredEndpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.discovered[ep.EndpointID]; exists {
		c.discovered[ep.EndpointID] = ep
		return false
	}
	c.discovered[ep.EndpointID] = ep
	return true
}

// OnEndpointLost forgets a previously discovered endpoint.
func (c *ClientProxy) OnEndpointLost(endpointID string) {
	c.mu.Lock()
	delete(c.discovered, endpointID)
	c.mu.Unlock()
}

// discoveredEndpoint returns the currently recorded DiscoveredEndpoint
// for endpointID, used by the PCP handler to apply IsPreferred (spec.md
// section 4.3.2) before overwriting an existing sighting.
func (c *ClientProxy) discoveredEndpoint(endpointID string) (DiscoveredEndpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.discovered[endpointID]
	return ep, ok
}

// DiscoveredEndpoints returns a snapshot of all currently discovered
// endpoints.
func (c *ClientProxy) DiscoveredEndpoints() []DiscoveredEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]DiscoveredEndpoint, 0, len(c.discovered))
	for _, ep := range c.discovered {
		out = append(out, ep)
	}
	return out
}

// AddPendingConnection registers a connection in flight for endpointID.
// Returns ErrAlreadyConnected if the endpoint is already connected, or
// ErrOutOfOrderAPICall if it is already pending.
func (c *ClientProxy) AddPendingConnection(p *PendingConnection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.connected[p.EndpointID]; exists {
		return ErrAlreadyConnected
	}
	if _, exists := c.pending[p.EndpointID]; exists {
		return ErrOutOfOrderAPICall
	}
	c.pending[p.EndpointID] = p
	return nil
}

// PendingConnection returns the in-flight connection state for
// endpointID, if any.
func (c *ClientProxy) PendingConnection(endpointID string) (*PendingConnection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[endpointID]
	return p, ok
}

// PromoteToConnected moves endpointID from pending to connected,
// replacing any prior pending entry. Returns ErrOutOfOrderAPICall if no
// pending connection exists for endpointID.
func (c *ClientProxy) PromoteToConnected(endpointID string, conn *Connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[endpointID]; !exists {
		return ErrOutOfOrderAPICall
	}
	delete(c.pending, endpointID)
	c.connected[endpointID] = conn
	return nil
}

// CancelPendingConnection removes the pending entry for endpointID
// without promoting it, used when either side rejects.
func (c *ClientProxy) CancelPendingConnection(endpointID string) {
	c.mu.Lock()
	delete(c.pending, endpointID)
	c.mu.Unlock()
}

// Connection returns the established connection for endpointID, if any.
func (c *ClientProxy) Connection(endpointID string) (*Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.connected[endpointID]
	return conn, ok
}

// Connections returns a snapshot of all currently connected endpoint
// ids.
func (c *ClientProxy) Connections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.connected))
	for id := range c.connected {
		out = append(out, id)
	}
	return out
}

// OnDisconnected removes endpointID from the connected set. Returns
// ErrNotConnected if it was not connected.
func (c *ClientProxy) OnDisconnected(endpointID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.connected[endpointID]; !exists {
		return ErrNotConnected
	}
	delete(c.connected, endpointID)
	return nil
}

// OutgoingCount returns the number of outgoing connections this client
// currently holds, pending or established, for PCP policies that cap
// origination by direction (spec.md section 4.3.6, Star's discoverer
// role).
func (c *ClientProxy) OutgoingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, p := range c.pending {
		if !p.IsIncoming {
			n++
		}
	}
	for _, conn := range c.connected {
		if !conn.IsIncoming {
			n++
		}
	}
	return n
}

// IncomingCount returns the number of incoming connections this client
// currently holds, pending or established.
func (c *ClientProxy) IncomingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, p := range c.pending {
		if p.IsIncoming {
			n++
		}
	}
	for _, conn := range c.connected {
		if conn.IsIncoming {
			n++
		}
	}
	return n
}

// TotalCount returns the combined number of pending and established
// connections, for PointToPoint's "connection table must be empty"
// check.
func (c *ClientProxy) TotalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) + len(c.connected)
}

// KeepAliveParams returns the interval/timeout this client applies to
// every EndpointChannel it owns.
func (c *ClientProxy) KeepAliveParams() (interval, timeout time.Duration) {
	return c.keepAliveInterval, c.keepAliveTimeout
}
