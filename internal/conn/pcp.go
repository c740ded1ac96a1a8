package conn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Read/close timings fixed by spec.md section 9's scenario timings.
const (
	connectionRequestReadTimeout = 2 * time.Second
	rejectedConnectionCloseDelay = 2 * time.Second
)

// Capability flags exchanged in ConnectionRequestFrame and
// ConnectionResponseFrame (spec.md section 4.8): a feature is enabled
// only when both sides advertise it.
const (
	// localSafeToDisconnectVersion is the graceful-disconnect protocol
	// version this implementation speaks.
	localSafeToDisconnectVersion int32 = 1
	// minSafeToDisconnectVersion is the lowest peer version the feature
	// is enabled against.
	minSafeToDisconnectVersion int32 = 1
)

// Feature bits carried in MultiplexSocketBitmask.
const (
	capAutoReconnect uint32 = 1 << iota
	capPayloadReceivedAck
)

// localMultiplexBitmask is the capability set this implementation
// advertises.
const localMultiplexBitmask = capAutoReconnect | capPayloadReceivedAck

// connectionToken derives the 8-hex-character token both sides carry in
// their ConnectionRequestFrames (spec.md section 3: "a connection token
// (an 8-char hash)"): the truncated SHA-256 over the two endpoint ids,
// ordered so both sides compute the same value.
func connectionToken(endpointIDA, endpointIDB string) string {
	a, b := endpointIDA, endpointIDB
	if a > b {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(a + b))
	return hex.EncodeToString(sum[:4])
}

// ConnectionInfo is delivered to ConnectionListener.OnInitiated once the
// handshake and encryption steps complete but before accept/reject
// arbitration (spec.md section 4.3.3 step 7).
type ConnectionInfo struct {
	EndpointInfo []byte
	AuthToken    string
	RawAuthToken []byte
	IsIncoming   bool
}

// ConnectionListener observes one endpoint's connection lifecycle.
// RequestConnection and OnIncomingConnection are asynchronous: the
// caller learns the outcome through this listener rather than by
// blocking (spec.md section 6.3: "async; result delivered via
// listener").
type ConnectionListener interface {
	OnInitiated(endpointID string, info ConnectionInfo)
	OnAccepted(endpointID string)
	OnRejected(endpointID string, status Status)
	OnDisconnected(endpointID string, reason CloseReason)
}

// MediumConnector opens an outgoing raw channel to a DiscoveredEndpoint
// over the medium it serves (spec.md section 9's "medium pack" of
// function objects, rather than an inheritance tree).
type MediumConnector interface {
	Medium() Medium
	Connect(ctx context.Context, target DiscoveredEndpoint) (EndpointChannel, error)
}

// PcpPolicy captures the one thing that differs between Cluster, Star
// and PointToPoint: how many simultaneous outgoing/incoming connections
// a client may hold (spec.md section 4.3.6).
type PcpPolicy interface {
	Pcp() Pcp
	CanSendOutgoing(cp *ClientProxy) bool
	CanReceiveIncoming(cp *ClientProxy) bool
}

// PolicyForPcp returns the built-in PcpPolicy for pcp.
func PolicyForPcp(pcp Pcp) PcpPolicy {
	switch pcp {
	case PcpStar:
		return NewStarPolicy()
	case PcpPointToPoint:
		return NewPointToPointPolicy()
	default:
		return NewClusterPolicy()
	}
}

// FrameRouter implements FrameDispatcher, fanning frames out by type to
// whichever subsystem owns them (spec.md section 4.4's reader routing
// table). Handler funcs left nil are silently ignored, which lets
// callers wire up only the subsystems they have built so far.
type FrameRouter struct {
	OnHandshakeFrame func(endpointID string, f *OfflineFrame) // CONNECTION_REQUEST/RESPONSE, DISCONNECTION
	OnBwuFrame       func(endpointID string, f *OfflineFrame)
	OnPayloadFrame   func(endpointID string, f *OfflineFrame)
	OnReconnectFrame func(endpointID string, f *OfflineFrame)
	OnTimeout        func(endpointID string)
	OnIOError        func(endpointID string, err error)
}

func (r *FrameRouter) DispatchFrame(endpointID string, f *OfflineFrame) {
	switch f.Type {
	case FrameConnectionRequest, FrameConnectionResponse, FrameDisconnection:
		if r.OnHandshakeFrame != nil {
			r.OnHandshakeFrame(endpointID, f)
		}
	case FrameBandwidthUpgradeNegotiation:
		if r.OnBwuFrame != nil {
			r.OnBwuFrame(endpointID, f)
		}
	case FramePayloadTransfer:
		if r.OnPayloadFrame != nil {
			r.OnPayloadFrame(endpointID, f)
		}
	case FrameAutoReconnect:
		if r.OnReconnectFrame != nil {
			r.OnReconnectFrame(endpointID, f)
		}
	}
}

func (r *FrameRouter) OnEndpointTimeout(endpointID string) {
	if r.OnTimeout != nil {
		r.OnTimeout(endpointID)
	}
}

func (r *FrameRouter) OnEndpointIOError(endpointID string, err error) {
	if r.OnIOError != nil {
		r.OnIOError(endpointID, err)
	}
}

// endpointPending bundles one endpoint's PendingConnection with the
// listener and ClientProxy it belongs to, so the PCP thread can find
// everything it needs from just an endpoint id.
type endpointPending struct {
	cp       *ClientProxy
	pending  *PendingConnection
	listener ConnectionListener

	// payloadListener is supplied with the local AcceptConnection call
	// and promoted onto the Connection once both sides accept (spec.md
	// section 4.3.5: "a PayloadListener (set only after local accept)").
	payloadListener ReceivedPayloadListener
}

// BasePcpHandler implements the advertising/discovery/connection-request
// algorithm shared by all three PCP variants (spec.md section 4.3),
// parameterized by a PcpPolicy and a medium pack. All state-touching
// operations are posted to a single background goroutine — "the PCP
// thread" — grounded on the same serialized-background-action pattern
// WebRTC peer connections use for their signaling state machine.
type BasePcpHandler struct {
	policy     PcpPolicy
	connectors map[Medium]MediumConnector
	channels   *EndpointChannelManager
	endpoints  *EndpointManager
	encryption EncryptionRunner
	nonces     *NonceAllocator
	logger     *slog.Logger

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once

	inFlight         map[string]*endpointPending
	connected        map[string]connectedEndpoint
	incomingListener ConnectionListener

	advertisers map[Medium]MediumAdvertiser
	discoverers map[Medium]MediumDiscoverer
	acceptors   map[Medium]MediumAcceptor

	advertising map[*ClientProxy]clientAdvertising
	discovering map[*ClientProxy]clientDiscovering
	listening   map[*ClientProxy]clientListening

	injected *injectedDeviceStore

	bwuFrames       func(endpointID string, f *OfflineFrame)
	payloadFrames   func(endpointID string, f *OfflineFrame)
	reconnectFrames func(endpointID string, f *OfflineFrame)
}

// connectedEndpoint is what survives in connected once a PendingConnection
// is promoted: just enough to fire OnDisconnected and clean up the owning
// ClientProxy later, without keeping the whole PendingConnection alive.
type connectedEndpoint struct {
	cp       *ClientProxy
	listener ConnectionListener
}

// SetIncomingListener installs the listener used for connections
// accepted via OnIncomingConnection. Must be called before any medium
// acceptor is started.
func (h *BasePcpHandler) SetIncomingListener(listener ConnectionListener) {
	h.postSync(func() { h.incomingListener = listener })
}

// SetFrameHooks installs the non-handshake frame targets spliced into
// every endpoint's FrameRouter (spec.md section 4.4's routing table:
// BANDWIDTH_UPGRADE_NEGOTIATION to the BwuManager, PAYLOAD_TRANSFER to
// the PayloadManager, AUTO_RECONNECT to the ReconnectManager). Must be
// called before any endpoint is registered; nil hooks drop their frame
// family, which standalone-handler tests rely on.
func (h *BasePcpHandler) SetFrameHooks(bwu, payload, reconnect func(endpointID string, f *OfflineFrame)) {
	h.postSync(func() {
		h.bwuFrames = bwu
		h.payloadFrames = payload
		h.reconnectFrames = reconnect
	})
}

// NewBasePcpHandler wires a BasePcpHandler around the given policy and
// shared managers, and starts its PCP thread.
func NewBasePcpHandler(
	policy PcpPolicy,
	connectors []MediumConnector,
	channels *EndpointChannelManager,
	endpoints *EndpointManager,
	encryption EncryptionRunner,
	logger *slog.Logger,
) *BasePcpHandler {
	if logger == nil {
		logger = slog.Default()
	}
	connMap := make(map[Medium]MediumConnector, len(connectors))
	for _, c := range connectors {
		connMap[c.Medium()] = c
	}

	h := &BasePcpHandler{
		policy:     policy,
		connectors: connMap,
		channels:   channels,
		endpoints:  endpoints,
		encryption: encryption,
		nonces:     NewNonceAllocator(),
		logger:     logger.With(slog.String("component", "conn.pcp"), slog.String("pcp", policy.Pcp().String())),
		tasks:      make(chan func(), 64),
		done:       make(chan struct{}),
		inFlight:   make(map[string]*endpointPending),
		connected:  make(map[string]connectedEndpoint),

		advertisers: make(map[Medium]MediumAdvertiser),
		discoverers: make(map[Medium]MediumDiscoverer),
		acceptors:   make(map[Medium]MediumAcceptor),
		advertising: make(map[*ClientProxy]clientAdvertising),
		discovering: make(map[*ClientProxy]clientDiscovering),
		listening:   make(map[*ClientProxy]clientListening),
		injected:    newInjectedDeviceStore(),
	}
	go h.runExecutor()
	return h
}

func (h *BasePcpHandler) runExecutor() {
	for {
		select {
		case task := <-h.tasks:
			task()
		case <-h.done:
			return
		}
	}
}

// post schedules task on the PCP thread without waiting for it. Tasks
// posted after Close are dropped (spec.md section 5: "no task submitted
// after stop executes").
func (h *BasePcpHandler) post(task func()) {
	select {
	case h.tasks <- task:
	case <-h.done:
	}
}

// postSync schedules task on the PCP thread and blocks until it runs,
// or returns without running it if the handler has been closed.
func (h *BasePcpHandler) postSync(task func()) {
	ran := make(chan struct{})
	select {
	case h.tasks <- func() { task(); close(ran) }:
	case <-h.done:
		return
	}
	select {
	case <-ran:
	case <-h.done:
	}
}

// Close stops the PCP thread. No further operations may be posted.
func (h *BasePcpHandler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *BasePcpHandler) frameRouterFor(endpointID string) *FrameRouter {
	return &FrameRouter{
		OnHandshakeFrame: h.HandleFrame,
		OnBwuFrame:       h.bwuFrames,
		OnPayloadFrame:   h.payloadFrames,
		OnReconnectFrame: h.reconnectFrames,
		OnTimeout: func(id string) {
			h.postSync(func() { h.handleEndpointGone(id, CloseReasonKeepAliveTimeout) })
		},
		OnIOError: func(id string, err error) {
			h.postSync(func() { h.handleEndpointGone(id, CloseReasonIOError) })
		},
	}
}

// RequestConnection begins an outgoing connection to endpointID (spec.md
// section 4.3.3). It returns once the local endpoint-selection and
// policy checks succeed and the handshake has been scheduled; the
// terminal outcome arrives via listener.
func (h *BasePcpHandler) RequestConnection(
	ctx context.Context,
	cp *ClientProxy,
	endpointID string,
	localInfo []byte,
	listener ConnectionListener,
) error {
	ep, ok := h.selectDiscoveredEndpoint(cp, endpointID)
	if !ok {
		return ErrEndpointUnknown
	}

	var setupErr error
	h.postSync(func() {
		setupErr = h.beginOutgoing(cp, ep, localInfo, listener)
	})
	if setupErr != nil {
		return setupErr
	}

	go h.runOutgoingHandshake(ctx, cp, ep.EndpointID)
	return nil
}

func (h *BasePcpHandler) selectDiscoveredEndpoint(cp *ClientProxy, endpointID string) (DiscoveredEndpoint, bool) {
	for _, ep := range cp.DiscoveredEndpoints() {
		if ep.EndpointID == endpointID {
			return ep, true
		}
	}
	return DiscoveredEndpoint{}, false
}

// beginOutgoing runs on the PCP thread: policy check, nonce allocation,
// and PendingConnection registration (spec.md section 4.3.3 steps 1-2).
func (h *BasePcpHandler) beginOutgoing(cp *ClientProxy, ep DiscoveredEndpoint, localInfo []byte, listener ConnectionListener) error {
	if !h.policy.CanSendOutgoing(cp) {
		return ErrPolicyMaxReached
	}

	nonce, err := h.nonces.Allocate()
	if err != nil {
		return err
	}

	pending := &PendingConnection{
		EndpointID:   ep.EndpointID,
		Nonce:        nonce,
		IsIncoming:   false,
		Status:       ConnPending,
		StartedAt:    time.Now(),
		EndpointInfo: localInfo,
		Token:        connectionToken(cp.LocalEndpointID(), ep.EndpointID),
	}
	if err := cp.AddPendingConnection(pending); err != nil {
		return err
	}
	h.inFlight[ep.EndpointID] = &endpointPending{cp: cp, pending: pending, listener: listener}
	return nil
}

// runOutgoingHandshake performs the steps of spec.md section 4.3.3 that
// must not block the PCP thread: dialing, the frame exchange, and the
// encryption handshake.
func (h *BasePcpHandler) runOutgoingHandshake(ctx context.Context, cp *ClientProxy, endpointID string) {
	ep, _ := h.selectDiscoveredEndpoint(cp, endpointID)
	connector, ok := h.connectors[ep.Medium]
	if !ok {
		h.failOutgoing(cp, endpointID, ErrNoMediumStarted)
		return
	}

	ch, err := connector.Connect(ctx, ep)
	if err != nil {
		h.failOutgoing(cp, endpointID, err)
		return
	}

	var (
		nonce        uint32
		token        string
		localMediums []Medium
	)
	h.postSync(func() {
		if pc, ok := cp.PendingConnection(endpointID); ok {
			nonce = pc.Nonce
			token = pc.Token
		}
		localMediums = h.supportedMediums()
	})

	reqCtx, cancel := context.WithTimeout(ctx, connectionRequestReadTimeout)
	defer cancel()

	localReq := &ConnectionRequestFrame{
		EndpointID:              cp.LocalEndpointID(),
		EndpointInfo:            cp.LocalInfo().Info,
		Nonce:                   nonce,
		ConnectionToken:         token,
		SupportedMediums:        localMediums,
		OSInfo:                  runtime.GOOS,
		SafeToDisconnectVersion: localSafeToDisconnectVersion,
		MultiplexSocketBitmask:  localMultiplexBitmask,
	}
	if kaInt, kaTimeout := cp.KeepAliveParams(); true {
		localReq.KeepAliveIntervalMillis = int32(kaInt.Milliseconds())
		localReq.KeepAliveTimeoutMillis = int32(kaTimeout.Milliseconds())
	}

	if err := ch.Write(reqCtx, &OfflineFrame{
		Version:           FrameVersion1,
		Type:              FrameConnectionRequest,
		ConnectionRequest: localReq,
	}); err != nil {
		_ = ch.Close(CloseReasonIOError)
		h.failOutgoing(cp, endpointID, err)
		return
	}

	remote, err := ch.Read(reqCtx)
	if err != nil || remote.Type != FrameConnectionRequest || remote.ConnectionRequest == nil {
		_ = ch.Close(CloseReasonIOError)
		h.failOutgoing(cp, endpointID, ErrAuthenticationError)
		return
	}

	h.postSync(func() {
		if pc, ok := cp.PendingConnection(endpointID); ok {
			pc.SupportedMediums = mediumsOrDefault(remote.ConnectionRequest.SupportedMediums, ch.Medium())
			pc.RemoteWifi = remote.ConnectionRequest.Wifi
			pc.RemoteOSInfo = remote.ConnectionRequest.OSInfo
			pc.RemoteSafeToDisconnectVersion = remote.ConnectionRequest.SafeToDisconnectVersion
			pc.RemoteMultiplexBitmask = remote.ConnectionRequest.MultiplexSocketBitmask
		}
	})

	h.runEncryptionThenFinish(ctx, cp, endpointID, ch, true)
}

// supportedMediums lists the mediums this handler can originate or
// accept connections over, ordered by local priority (spec.md section
// 4.3.3 step 4: "supported mediums (ordered by local priority)"). Runs
// on the PCP thread.
func (h *BasePcpHandler) supportedMediums() []Medium {
	present := make(map[Medium]struct{}, len(h.connectors)+len(h.acceptors))
	for m := range h.connectors {
		present[m] = struct{}{}
	}
	for m := range h.acceptors {
		present[m] = struct{}{}
	}

	out := make([]Medium, 0, len(present))
	for _, m := range mediumUpgradePriority {
		if _, ok := present[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// mediumsOrDefault applies the spec.md section 8 boundary rule: a
// ConnectionRequest with a missing mediums list defaults to the medium
// the request arrived on.
func mediumsOrDefault(mediums []Medium, fallback Medium) []Medium {
	if len(mediums) == 0 {
		return []Medium{fallback}
	}
	return mediums
}

func (h *BasePcpHandler) runEncryptionThenFinish(ctx context.Context, cp *ClientProxy, endpointID string, ch EndpointChannel, isInitiator bool) {
	listener := newSyncEncryptionListener()

	if isInitiator {
		h.encryption.StartClient(ctx, endpointID, ch, listener)
	} else {
		h.encryption.StartServer(ctx, endpointID, ch, listener)
	}

	encCtx, authToken, _, ok := listener.wait(ctx)
	if !ok {
		_ = ch.Close(CloseReasonIOError)
		h.failOutgoing(cp, endpointID, ErrAuthenticationError)
		return
	}

	h.postSync(func() {
		h.finishHandshake(cp, endpointID, ch, encCtx, authToken, !isInitiator)
	})
}

// finishHandshake runs on the PCP thread: registering the encrypted
// channel with the shared managers and firing OnInitiated (spec.md
// section 4.3.3 step 7 / 4.3.4 step 5). encCtx is the real context the
// UKEY2-style handshake just negotiated; it is attached to ch through
// the channel manager so every frame from here on — including the
// keep-alives EndpointManager's worker sends — is sealed and opened
// through it (spec.md section 3's "set_encryption_context(ctx)").
func (h *BasePcpHandler) finishHandshake(cp *ClientProxy, endpointID string, ch EndpointChannel, encCtx *EncryptionContext, authToken []byte, isIncoming bool) {
	ip, ok := h.inFlight[endpointID]
	if !ok {
		_ = ch.Close(CloseReasonUnspecified)
		return
	}

	if err := h.channels.Add(endpointID, ch); err != nil {
		_ = ch.Close(CloseReasonRejected)
		cp.CancelPendingConnection(endpointID)
		delete(h.inFlight, endpointID)
		ip.listener.OnRejected(endpointID, StatusAlreadyConnected)
		return
	}
	if err := h.channels.SetEncryptionContext(endpointID, encCtx); err != nil {
		h.logger.Warn("attach encryption context failed", slog.String("endpoint_id", endpointID), slog.Any("error", err))
	}

	interval, timeout := cp.KeepAliveParams()
	_ = h.endpoints.RegisterEndpoint(context.Background(), endpointID, ch, h.frameRouterFor(endpointID), interval, timeout)

	ip.pending.Channel = ch
	ip.listener.OnInitiated(endpointID, ConnectionInfo{
		EndpointInfo: ip.pending.EndpointInfo,
		AuthToken:    string(authToken),
		IsIncoming:   isIncoming,
	})
}

func (h *BasePcpHandler) failOutgoing(cp *ClientProxy, endpointID string, err error) {
	h.postSync(func() {
		ip, ok := h.inFlight[endpointID]
		if !ok {
			return
		}
		delete(h.inFlight, endpointID)
		cp.CancelPendingConnection(endpointID)
		h.nonces.Release(ip.pending.Nonce)
		ip.listener.OnRejected(endpointID, statusForError(err))
	})
}

// OnIncomingConnection handles a freshly accepted raw channel from a
// medium-specific acceptor (spec.md section 4.3.4).
func (h *BasePcpHandler) OnIncomingConnection(ctx context.Context, cp *ClientProxy, ch EndpointChannel) {
	reqCtx, cancel := context.WithTimeout(ctx, connectionRequestReadTimeout)
	defer cancel()

	f, err := ch.Read(reqCtx)
	if err != nil || f.Type != FrameConnectionRequest || f.ConnectionRequest == nil {
		_ = ch.Close(CloseReasonIOError)
		return
	}
	req := f.ConnectionRequest

	var localMediums []Medium
	h.postSync(func() { localMediums = h.supportedMediums() })

	if err := ch.Write(reqCtx, &OfflineFrame{
		Version: FrameVersion1,
		Type:    FrameConnectionRequest,
		ConnectionRequest: &ConnectionRequestFrame{
			EndpointID:              cp.LocalEndpointID(),
			EndpointInfo:            cp.LocalInfo().Info,
			Nonce:                   req.Nonce,
			ConnectionToken:         connectionToken(cp.LocalEndpointID(), req.EndpointID),
			SupportedMediums:        localMediums,
			OSInfo:                  runtime.GOOS,
			SafeToDisconnectVersion: localSafeToDisconnectVersion,
			MultiplexSocketBitmask:  localMultiplexBitmask,
		},
	}); err != nil {
		_ = ch.Close(CloseReasonIOError)
		return
	}

	winner := true
	h.postSync(func() {
		winner = h.arbitrateIncoming(cp, req, ch.Medium())
	})
	if !winner {
		_ = ch.Close(CloseReasonRejected)
		return
	}

	h.runEncryptionThenFinish(ctx, cp, req.EndpointID, ch, false)
}

// arbitrateIncoming runs on the PCP thread: tie-breaking against a
// conflicting outgoing PendingConnection, then registering the incoming
// one (spec.md section 4.3.4 steps 2-3, section 4.3.6). On an exact nonce
// tie, evaluateTieBreak reports tieBreakRetryBoth: both the existing
// outgoing attempt and this incoming one are torn down, so neither side's
// handshake proceeds and both must call RequestConnection again.
func (h *BasePcpHandler) arbitrateIncoming(cp *ClientProxy, req *ConnectionRequestFrame, arrivalMedium Medium) bool {
	if !h.policy.CanReceiveIncoming(cp) {
		return false
	}

	if existing, ok := cp.PendingConnection(req.EndpointID); ok && !existing.IsIncoming {
		outcome := evaluateTieBreak(existing.Nonce, req.Nonce)
		if outcome == tieBreakOutgoingWins {
			return false
		}

		ip, hadIp := h.inFlight[req.EndpointID]
		if hadIp && ip.pending.Channel != nil {
			_ = ip.pending.Channel.Close(CloseReasonReplaced)
		}
		cp.CancelPendingConnection(req.EndpointID)
		if hadIp {
			delete(h.inFlight, req.EndpointID)
			h.nonces.Release(ip.pending.Nonce)
			ip.listener.OnRejected(req.EndpointID, StatusError)
		}

		if outcome == tieBreakRetryBoth {
			return false
		}
	}

	pending := &PendingConnection{
		EndpointID:       req.EndpointID,
		Nonce:            req.Nonce,
		IsIncoming:       true,
		Status:           ConnPending,
		StartedAt:        time.Now(),
		SupportedMediums: mediumsOrDefault(req.SupportedMediums, arrivalMedium),
		EndpointInfo:     req.EndpointInfo,
		Token:            connectionToken(cp.LocalEndpointID(), req.EndpointID),

		RemoteWifi:                    req.Wifi,
		RemoteOSInfo:                  req.OSInfo,
		RemoteSafeToDisconnectVersion: req.SafeToDisconnectVersion,
		RemoteMultiplexBitmask:        req.MultiplexSocketBitmask,
	}
	if err := cp.AddPendingConnection(pending); err != nil {
		return false
	}
	h.inFlight[req.EndpointID] = &endpointPending{cp: cp, pending: pending, listener: h.incomingListener}
	return true
}

// tieBreakOutcome is the three-way result of comparing a conflicting
// outgoing PendingConnection's nonce against an incoming request's nonce
// (spec.md section 4.3.6).
type tieBreakOutcome int

const (
	// tieBreakOutgoingWins leaves the existing outgoing attempt alone and
	// rejects the incoming request outright.
	tieBreakOutgoingWins tieBreakOutcome = iota
	// tieBreakIncomingWins tears down the existing outgoing attempt and
	// lets the incoming request proceed.
	tieBreakIncomingWins
	// tieBreakRetryBoth is an exact nonce tie: neither side is favored,
	// so both the outgoing attempt and the incoming request are torn
	// down and each side re-rolls by calling RequestConnection again.
	tieBreakRetryBoth
)

// evaluateTieBreak implements spec.md section 4.3.6: the larger nonce
// wins; equal nonces re-roll by closing both sides.
func evaluateTieBreak(outgoingNonce, incomingNonce uint32) tieBreakOutcome {
	switch {
	case incomingNonce > outgoingNonce:
		return tieBreakIncomingWins
	case incomingNonce < outgoingNonce:
		return tieBreakOutgoingWins
	default:
		return tieBreakRetryBoth
	}
}

// syncEncryptionListener adapts the callback-shaped EncryptionRunner
// into a single blocking wait, letting runEncryptionThenFinish treat
// the handshake as one more synchronous step.
type syncEncryptionListener struct {
	result chan encryptionOutcome
}

type encryptionOutcome struct {
	ctx          *EncryptionContext
	authToken    []byte
	rawAuthToken []byte
	ok           bool
}

func newSyncEncryptionListener() *syncEncryptionListener {
	return &syncEncryptionListener{result: make(chan encryptionOutcome, 1)}
}

func (l *syncEncryptionListener) OnSuccess(endpointID string, ctx *EncryptionContext, authToken, rawAuthToken []byte) {
	l.result <- encryptionOutcome{ctx: ctx, authToken: authToken, rawAuthToken: rawAuthToken, ok: true}
}

func (l *syncEncryptionListener) OnFailure(endpointID string, ch EndpointChannel) {
	l.result <- encryptionOutcome{ok: false}
}

func (l *syncEncryptionListener) wait(ctx context.Context) (*EncryptionContext, []byte, []byte, bool) {
	select {
	case r := <-l.result:
		return r.ctx, r.authToken, r.rawAuthToken, r.ok
	case <-ctx.Done():
		return nil, nil, nil, false
	}
}

// HandleFrame processes CONNECTION_RESPONSE and DISCONNECTION frames
// for an endpoint whose handshake has already completed (spec.md
// section 4.3.5). CONNECTION_REQUEST frames never reach here: they are
// fully consumed during the handshake itself.
func (h *BasePcpHandler) HandleFrame(endpointID string, f *OfflineFrame) {
	switch f.Type {
	case FrameConnectionResponse:
		if f.ConnectionResponse == nil {
			return
		}
		h.postSync(func() { h.onRemoteResponse(endpointID, f.ConnectionResponse) })
	case FrameDisconnection:
		if f.Disconnection != nil && f.Disconnection.RequestSafeToDisconnect {
			// Graceful-disconnect request (spec.md section 4.8): confirm
			// receipt so the peer can close knowing nothing is in flight.
			if ch, ok := h.channels.Get(endpointID); ok {
				_ = ch.Write(context.Background(), &OfflineFrame{
					Version:       FrameVersion1,
					Type:          FrameDisconnection,
					Disconnection: &DisconnectionFrame{AckSafeToDisconnect: true},
				})
				h.channels.Release(endpointID, CloseReasonUnspecified)
			}
		}
		h.postSync(func() { h.handleEndpointGone(endpointID, CloseReasonRemoteDisconnect) })
	}
}

func (h *BasePcpHandler) onRemoteResponse(endpointID string, resp *ConnectionResponseFrame) {
	ip, ok := h.inFlight[endpointID]
	if !ok {
		return
	}
	if resp.Accept {
		ip.pending.Status |= ConnRemoteAccepted
	} else {
		ip.pending.Status |= ConnRemoteRejected
	}
	// The response's capability fields are authoritative over whatever
	// the request carried (spec.md section 4.8: "exchanged inside the
	// ConnectionResponseFrame").
	if resp.OSInfo != "" {
		ip.pending.RemoteOSInfo = resp.OSInfo
	}
	ip.pending.RemoteSafeToDisconnectVersion = resp.SafeToDisconnectVersion
	ip.pending.RemoteMultiplexBitmask = resp.MultiplexSocketBitmask
	h.evaluateConnectionResult(endpointID)
}

// AcceptConnection flips the local accept flag for endpointID, installs
// payloadListener for promotion onto the Connection, and notifies the
// peer (spec.md section 4.3.5).
func (h *BasePcpHandler) AcceptConnection(endpointID string, payloadListener ReceivedPayloadListener) error {
	var err error
	h.postSync(func() {
		ip, ok := h.inFlight[endpointID]
		if !ok {
			err = ErrOutOfOrderAPICall
			return
		}
		ip.pending.Status |= ConnLocalAccepted
		ip.payloadListener = payloadListener
		writeErr := ip.pending.Channel.Write(context.Background(), &OfflineFrame{
			Version: FrameVersion1,
			Type:    FrameConnectionResponse,
			ConnectionResponse: &ConnectionResponseFrame{
				Accept:                  true,
				OSInfo:                  runtime.GOOS,
				SafeToDisconnectVersion: localSafeToDisconnectVersion,
				MultiplexSocketBitmask:  localMultiplexBitmask,
			},
		})
		if writeErr != nil {
			err = writeErr
			return
		}
		h.evaluateConnectionResult(endpointID)
	})
	return err
}

// RejectConnection flips the local reject flag for endpointID and
// notifies the peer.
func (h *BasePcpHandler) RejectConnection(endpointID string) error {
	var err error
	h.postSync(func() {
		ip, ok := h.inFlight[endpointID]
		if !ok {
			err = ErrOutOfOrderAPICall
			return
		}
		ip.pending.Status |= ConnLocalRejected
		writeErr := ip.pending.Channel.Write(context.Background(), &OfflineFrame{
			Version: FrameVersion1,
			Type:    FrameConnectionResponse,
			ConnectionResponse: &ConnectionResponseFrame{
				Accept:                  false,
				OSInfo:                  runtime.GOOS,
				SafeToDisconnectVersion: localSafeToDisconnectVersion,
				MultiplexSocketBitmask:  localMultiplexBitmask,
			},
		})
		if writeErr != nil {
			err = writeErr
			return
		}
		h.evaluateConnectionResult(endpointID)
	})
	return err
}

// evaluateConnectionResult runs on the PCP thread whenever a status
// flag changes (spec.md section 4.3.5).
func (h *BasePcpHandler) evaluateConnectionResult(endpointID string) {
	ip, ok := h.inFlight[endpointID]
	if !ok {
		return
	}

	if ip.pending.Status.Connected() {
		var medium Medium
		if ip.pending.Channel != nil {
			medium = ip.pending.Channel.Medium()
		}
		kaInterval, kaTimeout := ip.cp.KeepAliveParams()
		established := &Connection{
			EndpointID:        endpointID,
			EndpointInfo:      ip.pending.EndpointInfo,
			IsIncoming:        ip.pending.IsIncoming,
			Medium:            medium,
			SupportedMediums:  ip.pending.SupportedMediums,
			Token:             ip.pending.Token,
			KeepAliveInterval: kaInterval,
			KeepAliveTimeout:  kaTimeout,
			Listener:          ip.listener,
			PayloadListener:   ip.payloadListener,

			RemoteWifi:                    ip.pending.RemoteWifi,
			RemoteOSInfo:                  ip.pending.RemoteOSInfo,
			RemoteSafeToDisconnectVersion: ip.pending.RemoteSafeToDisconnectVersion,
			RemoteMultiplexBitmask:        ip.pending.RemoteMultiplexBitmask,
		}
		if err := ip.cp.PromoteToConnected(endpointID, established); err != nil {
			return
		}
		delete(h.inFlight, endpointID)
		if !ip.pending.IsIncoming {
			h.nonces.Release(ip.pending.Nonce)
		}
		h.connected[endpointID] = connectedEndpoint{cp: ip.cp, listener: ip.listener}
		ip.listener.OnAccepted(endpointID)
		return
	}

	if ip.pending.Status.Rejected() {
		delete(h.inFlight, endpointID)
		ip.cp.CancelPendingConnection(endpointID)
		if !ip.pending.IsIncoming {
			h.nonces.Release(ip.pending.Nonce)
		}
		ip.listener.OnRejected(endpointID, StatusConnectionRejected)
		go func() {
			time.Sleep(rejectedConnectionCloseDelay)
			_ = ip.pending.Channel.Close(CloseReasonRejected)
		}()
	}
}

// handleEndpointGone runs on the PCP thread for both keep-alive
// timeouts and remote disconnections, cleaning up whichever of pending
// or connected state the endpoint currently occupies. It uses
// EndpointManager.Forget rather than UnregisterEndpoint: the triggering
// worker is already exiting on its own (see endpoint.go), and waiting
// on it here — from inside its own dispatch call — would deadlock.
func (h *BasePcpHandler) handleEndpointGone(endpointID string, reason CloseReason) {
	if ip, ok := h.inFlight[endpointID]; ok {
		delete(h.inFlight, endpointID)
		ip.cp.CancelPendingConnection(endpointID)
		if !ip.pending.IsIncoming {
			h.nonces.Release(ip.pending.Nonce)
		}
		ip.listener.OnRejected(endpointID, StatusEndpointIOError)
	}
	if ce, ok := h.connected[endpointID]; ok {
		delete(h.connected, endpointID)
		_ = ce.cp.OnDisconnected(endpointID)
		ce.listener.OnDisconnected(endpointID, reason)
	}
	h.channels.Remove(endpointID, reason)
	h.endpoints.Forget(endpointID)
}

// DisconnectFromEndpoint tears down an established connection explicitly
// (spec.md section 6.3's DisconnectFromEndpoint). When both sides
// advertised the safe-to-disconnect capability (spec.md section 4.8),
// a DISCONNECTION request is written first so the peer observes a
// graceful close instead of a read error.
func (h *BasePcpHandler) DisconnectFromEndpoint(endpointID string) {
	var conn *Connection
	h.postSync(func() {
		ce, ok := h.connected[endpointID]
		if !ok {
			return
		}
		delete(h.connected, endpointID)
		conn, _ = ce.cp.Connection(endpointID)
		_ = ce.cp.OnDisconnected(endpointID)
	})

	if conn != nil && conn.SafeToDisconnectEnabled() {
		if ch, ok := h.channels.Get(endpointID); ok {
			_ = ch.Write(context.Background(), &OfflineFrame{
				Version:       FrameVersion1,
				Type:          FrameDisconnection,
				Disconnection: &DisconnectionFrame{RequestSafeToDisconnect: true},
			})
			h.channels.Release(endpointID, CloseReasonLocalDisconnect)
		}
	}

	h.channels.Remove(endpointID, CloseReasonLocalDisconnect)
	h.endpoints.UnregisterEndpoint(endpointID)
}

// ClientForEndpoint returns the ClientProxy that owns endpointID, whether
// it is still mid-handshake (inFlight) or fully connected. Used by the
// controller to resolve a ClientProxy from an endpoint id alone, since
// ConnectionListener callbacks only carry the latter.
func (h *BasePcpHandler) ClientForEndpoint(endpointID string) (*ClientProxy, bool) {
	var cp *ClientProxy
	var ok bool
	h.postSync(func() {
		if ip, found := h.inFlight[endpointID]; found {
			cp, ok = ip.cp, true
			return
		}
		if ce, found := h.connected[endpointID]; found {
			cp, ok = ce.cp, true
		}
	})
	return cp, ok
}

func statusForError(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	default:
		return StatusError
	}
}
