package conn

import (
	"context"
	"log/slog"
	"sync"
)

// ControllerConfig wires the medium packs and tuning knobs a Controller
// needs at construction time. Concrete per-medium implementations
// (Bluetooth/BLE/Wi-Fi/WebRTC drivers) are supplied by the caller;
// package conn treats them purely as interfaces (spec.md section 1).
type ControllerConfig struct {
	Connectors  []MediumConnector
	Advertisers []MediumAdvertiser
	Discoverers []MediumDiscoverer
	Acceptors   []MediumAcceptor

	BwuHandlers []BwuMediumHandler
	BwuConfig   BwuConfig

	SavePath string
	Logger   *slog.Logger
}

// Controller is the offline service controller (spec.md section 1): the
// medium-agnostic entry point that owns one EndpointChannelManager, one
// EndpointManager, one BwuManager, one PayloadManager, one
// ReconnectManager, and a PcpManager-equivalent multiplexing across the
// three BasePcpHandler variants by Strategy (SPEC_FULL.md section 12's
// "PcpManager/OfflineServiceController split"). Close tears down in the
// reverse of NewController's construction order (handlers, BWU, payloads,
// endpoints), which differs from the field order below.
type Controller struct {
	channels   *EndpointChannelManager
	endpoints  *EndpointManager
	encryption EncryptionRunner
	bwu        *BwuManager
	payloads   *PayloadManager
	reconnect  *ReconnectManager
	handlers   map[Pcp]*BasePcpHandler
	logger     *slog.Logger

	mu              sync.Mutex
	clientHandler   map[*ClientProxy]*BasePcpHandler
	payloadListener map[string]ReceivedPayloadListener

	events chan ControllerEvent
}

// NewController assembles a Controller from cfg, constructing one
// BasePcpHandler per Pcp variant around a shared EndpointChannelManager/
// EndpointManager/BwuManager/PayloadManager, and starts it.
func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "conn.controller"))

	channels := NewEndpointChannelManager()
	endpoints := NewEndpointManager(logger)
	encryption := NewUKEY2Runner()
	reconnect := NewReconnectManager(channels, logger)
	payloads := NewPayloadManager(endpoints, cfg.SavePath, logger)

	ctrl := &Controller{
		channels:        channels,
		endpoints:       endpoints,
		encryption:      encryption,
		payloads:        payloads,
		reconnect:       reconnect,
		handlers:        make(map[Pcp]*BasePcpHandler, 3),
		logger:          logger,
		clientHandler:   make(map[*ClientProxy]*BasePcpHandler),
		payloadListener: make(map[string]ReceivedPayloadListener),
		events:          make(chan ControllerEvent, 256),
	}

	ctrl.bwu = NewBwuManager(cfg.BwuConfig, cfg.BwuHandlers, channels, endpoints, ctrl, logger)

	for _, pcp := range []Pcp{PcpCluster, PcpStar, PcpPointToPoint} {
		h := NewBasePcpHandler(PolicyForPcp(pcp), cfg.Connectors, channels, endpoints, encryption, logger)
		h.RegisterAdvertisers(cfg.Advertisers...)
		h.RegisterDiscoverers(cfg.Discoverers...)
		h.RegisterAcceptors(cfg.Acceptors...)
		h.SetFrameHooks(ctrl.bwu.OnBwuFrame, payloads.OnPayloadFrame, reconnect.OnReconnectFrame)
		h.SetIncomingListener(&controllerListener{ctrl: ctrl, handler: h})
		ctrl.handlers[pcp] = h
	}

	return ctrl
}

// OnUpgradeComplete implements BwuResultListener by logging a completed
// medium swap (spec.md section 7: upgrade outcomes are never surfaced
// synchronously to the client). No ControllerEvent is emitted for it.
func (ctrl *Controller) OnUpgradeComplete(endpointID string, medium Medium) {
	ctrl.logger.Info("bandwidth upgrade complete", slog.String("endpoint_id", endpointID), slog.String("medium", medium.String()))
}

// Events returns the channel of lifecycle notifications an integration
// layer (analytics, the client-facing façade) can drain (callback.go).
func (ctrl *Controller) Events() <-chan ControllerEvent { return ctrl.events }

func (ctrl *Controller) emit(ev ControllerEvent) {
	select {
	case ctrl.events <- ev:
	default:
		ctrl.logger.Warn("controller event dropped: listener too slow", slog.Int("kind", int(ev.Kind)))
	}
}

// NewClient creates a ClientProxy bound to strategy's Pcp handler for its
// whole lifetime, the simplification this package makes of the original's
// per-call Strategy argument: one ClientProxy advertises/discovers/
// connects under exactly one topology flavour.
func (ctrl *Controller) NewClient(strategy Strategy, local LocalEndpointInfo, opts ...ClientProxyOption) (*ClientProxy, error) {
	cp, err := NewClientProxy(local, opts...)
	if err != nil {
		return nil, err
	}
	ctrl.mu.Lock()
	ctrl.clientHandler[cp] = ctrl.handlers[strategy.Pcp]
	ctrl.mu.Unlock()
	return cp, nil
}

func (ctrl *Controller) handlerFor(cp *ClientProxy) (*BasePcpHandler, error) {
	ctrl.mu.Lock()
	h, ok := ctrl.clientHandler[cp]
	ctrl.mu.Unlock()
	if !ok {
		return nil, ErrOutOfOrderAPICall
	}
	return h, nil
}

// StartAdvertising implements the spec.md section 6.3 operation of the
// same name.
func (ctrl *Controller) StartAdvertising(ctx context.Context, cp *ClientProxy, serviceID string, options AdvertisingOptions, info LocalEndpointInfo) (Status, error) {
	h, err := ctrl.handlerFor(cp)
	if err != nil {
		return StatusOutOfOrderAPICall, err
	}
	_, err = h.StartAdvertising(ctx, cp, serviceID, options.AllowedMediums, info)
	if err != nil {
		return statusForAdvertiseErr(err), err
	}
	return StatusSuccess, nil
}

// StopAdvertising implements spec.md section 6.3.
func (ctrl *Controller) StopAdvertising(cp *ClientProxy) {
	if h, err := ctrl.handlerFor(cp); err == nil {
		h.StopAdvertising(cp)
	}
}

// StartDiscovery implements spec.md section 6.3.
func (ctrl *Controller) StartDiscovery(ctx context.Context, cp *ClientProxy, serviceID string, options DiscoveryOptions, listener DiscoveryListener) (Status, error) {
	h, err := ctrl.handlerFor(cp)
	if err != nil {
		return StatusOutOfOrderAPICall, err
	}
	if err := h.StartDiscovery(ctx, cp, serviceID, options.AllowedMediums, listener); err != nil {
		return statusForAdvertiseErr(err), err
	}
	return StatusSuccess, nil
}

// StopDiscovery implements spec.md section 6.3.
func (ctrl *Controller) StopDiscovery(cp *ClientProxy) {
	if h, err := ctrl.handlerFor(cp); err == nil {
		h.StopDiscovery(cp)
	}
}

// StartListeningForIncomingConnections implements spec.md section 6.3.
func (ctrl *Controller) StartListeningForIncomingConnections(ctx context.Context, cp *ClientProxy, serviceID string, options ListeningOptions) (Status, []Medium, error) {
	h, err := ctrl.handlerFor(cp)
	if err != nil {
		return StatusOutOfOrderAPICall, nil, err
	}
	started, err := h.StartListeningForIncomingConnections(ctx, cp, serviceID, options.AllowedMediums())
	if err != nil {
		return statusForAdvertiseErr(err), nil, err
	}
	return StatusSuccess, started, nil
}

// StopListeningForIncomingConnections implements spec.md section 6.3.
func (ctrl *Controller) StopListeningForIncomingConnections(cp *ClientProxy) {
	if h, err := ctrl.handlerFor(cp); err == nil {
		h.StopListeningForIncomingConnections(cp)
	}
}

// InjectEndpoint implements spec.md section 6.3 (SPEC_FULL.md section 12).
func (ctrl *Controller) InjectEndpoint(cp *ClientProxy, serviceID string, metadata InjectedEndpoint) Status {
	h, err := ctrl.handlerFor(cp)
	if err != nil {
		return StatusOutOfOrderAPICall
	}
	return h.InjectEndpoint(cp, serviceID, metadata)
}

// RequestConnection implements spec.md section 6.3: asynchronous, with
// the outcome delivered to listener.
func (ctrl *Controller) RequestConnection(ctx context.Context, cp *ClientProxy, endpointID string, localInfo []byte, options ConnectionOptions, listener ConnectionListener) (Status, error) {
	h, err := ctrl.handlerFor(cp)
	if err != nil {
		return StatusOutOfOrderAPICall, err
	}
	wrapped := &controllerListener{ctrl: ctrl, handler: h, inner: listener}
	if err := h.RequestConnection(ctx, cp, endpointID, localInfo, wrapped); err != nil {
		return statusForAdvertiseErr(err), err
	}
	return StatusSuccess, nil
}

// AcceptConnection implements spec.md section 6.3. payloadListener is
// installed once CONNECTED is reached (spec.md section 4.3.5).
func (ctrl *Controller) AcceptConnection(cp *ClientProxy, endpointID string, payloadListener ReceivedPayloadListener) (Status, error) {
	h, err := ctrl.handlerFor(cp)
	if err != nil {
		return StatusOutOfOrderAPICall, err
	}
	ctrl.mu.Lock()
	ctrl.payloadListener[endpointID] = payloadListener
	ctrl.mu.Unlock()

	if err := h.AcceptConnection(endpointID, payloadListener); err != nil {
		ctrl.mu.Lock()
		delete(ctrl.payloadListener, endpointID)
		ctrl.mu.Unlock()
		return statusForAdvertiseErr(err), err
	}
	return StatusSuccess, nil
}

// RejectConnection implements spec.md section 6.3.
func (ctrl *Controller) RejectConnection(cp *ClientProxy, endpointID string) (Status, error) {
	h, err := ctrl.handlerFor(cp)
	if err != nil {
		return StatusOutOfOrderAPICall, err
	}
	if err := h.RejectConnection(endpointID); err != nil {
		return statusForAdvertiseErr(err), err
	}
	return StatusSuccess, nil
}

// InitiateBandwidthUpgrade implements spec.md section 6.3. Never
// surfaces a result to the caller (spec.md section 7); OnUpgradeComplete's
// log line is the only observable outcome.
func (ctrl *Controller) InitiateBandwidthUpgrade(ctx context.Context, endpointID string) {
	ctrl.bwu.InitiateBwuForEndpoint(ctx, endpointID)
}

// SendPayload implements spec.md section 6.3.
func (ctrl *Controller) SendPayload(ctx context.Context, endpointIDs []string, payload Payload, listener PayloadProgressListener) error {
	return ctrl.payloads.SendPayload(ctx, endpointIDs, payload, listener)
}

// CancelPayload implements spec.md section 6.3.
func (ctrl *Controller) CancelPayload(ctx context.Context, payloadID int64) (Status, error) {
	if err := ctrl.payloads.CancelPayload(ctx, payloadID); err != nil {
		return StatusPayloadUnknown, err
	}
	return StatusSuccess, nil
}

// DisconnectFromEndpoint implements spec.md section 6.3.
func (ctrl *Controller) DisconnectFromEndpoint(cp *ClientProxy, endpointID string) {
	if h, err := ctrl.handlerFor(cp); err == nil {
		h.DisconnectFromEndpoint(endpointID)
	}
}

// UpdateAdvertisingOptions delta-applies medium enable/disable without
// dropping in-flight connections (spec.md section 6.3): mediums that
// remain enabled and unchanged are not restarted.
func (ctrl *Controller) UpdateAdvertisingOptions(ctx context.Context, cp *ClientProxy, serviceID string, options AdvertisingOptions, info LocalEndpointInfo) (Status, error) {
	h, err := ctrl.handlerFor(cp)
	if err != nil {
		return StatusOutOfOrderAPICall, err
	}

	var current clientAdvertising
	h.postSync(func() { current = h.advertising[cp] })
	currentSet := mediumSet(current.mediums)
	wantSet := mediumSet(options.AllowedMediums)

	if setsEqual(currentSet, wantSet) && current.serviceID == serviceID {
		return StatusSuccess, nil
	}

	h.StopAdvertising(cp)
	return ctrl.StartAdvertising(ctx, cp, serviceID, options, info)
}

// UpdateDiscoveryOptions mirrors UpdateAdvertisingOptions for discovery.
func (ctrl *Controller) UpdateDiscoveryOptions(ctx context.Context, cp *ClientProxy, serviceID string, options DiscoveryOptions, listener DiscoveryListener) (Status, error) {
	h, err := ctrl.handlerFor(cp)
	if err != nil {
		return StatusOutOfOrderAPICall, err
	}

	var current clientDiscovering
	h.postSync(func() { current = h.discovering[cp] })
	currentSet := mediumSet(current.mediums)
	wantSet := mediumSet(options.AllowedMediums)

	if setsEqual(currentSet, wantSet) && current.serviceID == serviceID {
		return StatusSuccess, nil
	}

	h.StopDiscovery(cp)
	return ctrl.StartDiscovery(ctx, cp, serviceID, options, listener)
}

func mediumSet(mediums []Medium) map[Medium]struct{} {
	s := make(map[Medium]struct{}, len(mediums))
	for _, m := range mediums {
		s[m] = struct{}{}
	}
	return s
}

func setsEqual(a, b map[Medium]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for m := range a {
		if _, ok := b[m]; !ok {
			return false
		}
	}
	return true
}

// Close tears the controller down in the reverse of NewController's
// construction order (spec.md section 5's shutdown sequence): stop every
// handler's PCP thread, drain the BWU and payload managers, then let the
// EndpointManager's per-endpoint workers and the channel manager's
// shared channels go.
func (ctrl *Controller) Close() {
	for _, h := range ctrl.handlers {
		h.Close()
	}
	ctrl.bwu.Close()
	ctrl.payloads.Close()
	ctrl.endpoints.Shutdown()
	close(ctrl.events)
}

// controllerListener adapts one RequestConnection/SetIncomingListener
// call's caller-supplied ConnectionListener, splicing in the BWU/
// payload-manager/reconnect-manager wiring spec.md section 2's control
// flow describes ("registers ... with EndpointManager ... and
// EndpointChannelManager ... begin payload flow") without requiring the
// caller to know about those subsystems at all.
type controllerListener struct {
	ctrl    *Controller
	handler *BasePcpHandler
	inner   ConnectionListener // nil for the shared incoming listener
}

func (l *controllerListener) OnInitiated(endpointID string, info ConnectionInfo) {
	if l.inner != nil {
		l.inner.OnInitiated(endpointID, info)
	}
	l.ctrl.emit(ControllerEvent{Kind: EventConnectionInitiated, EndpointID: endpointID, ConnInfo: info})
}

func (l *controllerListener) OnAccepted(endpointID string) {
	if cp, ok := l.handler.ClientForEndpoint(endpointID); ok {
		if conn, ok := cp.Connection(endpointID); ok {
			l.ctrl.bwu.OnEndpointConnected(endpointID, cp.LocalEndpointID(), conn.Medium, conn.SupportedMediums)
		}
	}

	l.ctrl.mu.Lock()
	payloadListener := l.ctrl.payloadListener[endpointID]
	l.ctrl.mu.Unlock()
	l.ctrl.payloads.SetPayloadListener(endpointID, payloadListener)

	if l.inner != nil {
		l.inner.OnAccepted(endpointID)
	}
	l.ctrl.emit(ControllerEvent{Kind: EventConnectionAccepted, EndpointID: endpointID})
}

func (l *controllerListener) OnRejected(endpointID string, status Status) {
	l.ctrl.mu.Lock()
	delete(l.ctrl.payloadListener, endpointID)
	l.ctrl.mu.Unlock()

	if l.inner != nil {
		l.inner.OnRejected(endpointID, status)
	}
	l.ctrl.emit(ControllerEvent{Kind: EventConnectionRejected, EndpointID: endpointID, Status: status})
}

func (l *controllerListener) OnDisconnected(endpointID string, reason CloseReason) {
	l.ctrl.bwu.OnEndpointDisconnected(endpointID)
	l.ctrl.payloads.OnEndpointDisconnected(endpointID)
	l.ctrl.payloads.RemovePayloadListener(endpointID)
	l.ctrl.reconnect.OnEndpointDisconnected(endpointID)

	l.ctrl.mu.Lock()
	delete(l.ctrl.payloadListener, endpointID)
	l.ctrl.mu.Unlock()

	if l.inner != nil {
		l.inner.OnDisconnected(endpointID, reason)
	}
	l.ctrl.emit(ControllerEvent{Kind: EventConnectionDisconnected, EndpointID: endpointID, CloseReason: reason})
}

func statusForAdvertiseErr(err error) Status {
	return statusForError(err)
}
