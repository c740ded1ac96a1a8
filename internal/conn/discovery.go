package conn

import (
	"context"
	"fmt"
)

// MediumAdvertiser lets the PCP handler announce a client's presence on
// one medium (spec.md section 4.3.1's "the concrete PCP decides which
// mediums to advertise on"). Concrete Bluetooth/BLE/Wi-Fi drivers are
// out of scope (spec.md section 1); production code supplies these,
// tests use the in-memory fakes in pcp_test.go.
type MediumAdvertiser interface {
	Medium() Medium
	StartAdvertising(ctx context.Context, serviceID, endpointID string, info []byte) error
	StopAdvertising()
}

// MediumDiscoverer lets the PCP handler watch one medium for
// advertisements matching a service id (spec.md section 4.3.1).
// onFound/onLost are invoked directly by the driver's own goroutine;
// the handler reposts the resulting book mutation onto the PCP thread.
type MediumDiscoverer interface {
	Medium() Medium
	StartDiscovery(ctx context.Context, serviceID string, onFound func(DiscoveredEndpoint), onLost func(endpointID string)) error
	StopDiscovery()
}

// MediumAcceptor lets the PCP handler open a listening socket on one
// medium without advertising discoverability (spec.md section 4.3.1's
// StartListeningForIncomingConnections). onIncoming is handed a raw,
// not-yet-handshaked channel, same as a successful MediumConnector.Connect.
type MediumAcceptor interface {
	Medium() Medium
	StartAccepting(ctx context.Context, onIncoming func(EndpointChannel)) error
	StopAccepting()
}

// DiscoveryListener observes endpoints found/lost while a client
// discovers (spec.md section 6.3's StartDiscovery listener).
type DiscoveryListener interface {
	OnEndpointFound(endpointID string, info []byte, serviceID string)
	OnEndpointLost(endpointID string)
	OnEndpointDistanceChanged(endpointID string)
}

// clientAdvertising / clientDiscovering / clientListening track which
// mediums a client currently has active, so Stop* can tear down exactly
// what Start* started and Update* can diff against it.
type clientAdvertising struct {
	serviceID string
	mediums   []Medium
}

type clientDiscovering struct {
	serviceID string
	mediums   []Medium
	listener  DiscoveryListener
}

type clientListening struct {
	serviceID string
	mediums   []Medium
}

// RegisterAdvertisers/RegisterDiscoverers/RegisterAcceptors install the
// medium packs a BasePcpHandler draws on. Called once at construction
// time by the controller, before any client starts advertising.
func (h *BasePcpHandler) RegisterAdvertisers(packs ...MediumAdvertiser) {
	h.postSync(func() {
		for _, p := range packs {
			h.advertisers[p.Medium()] = p
		}
	})
}

func (h *BasePcpHandler) RegisterDiscoverers(packs ...MediumDiscoverer) {
	h.postSync(func() {
		for _, p := range packs {
			h.discoverers[p.Medium()] = p
		}
	})
}

func (h *BasePcpHandler) RegisterAcceptors(packs ...MediumAcceptor) {
	h.postSync(func() {
		for _, p := range packs {
			h.acceptors[p.Medium()] = p
		}
	})
}

// StartAdvertising begins advertising cp on serviceID over the intersection
// of allowed and the registered advertisers (spec.md section 6.3). Returns
// the mediums actually started, or ErrNoMediumStarted if none could be.
func (h *BasePcpHandler) StartAdvertising(ctx context.Context, cp *ClientProxy, serviceID string, allowed []Medium, info LocalEndpointInfo) ([]Medium, error) {
	if err := cp.StartAdvertising(serviceID, Strategy{Pcp: h.policy.Pcp()}); err != nil {
		return nil, err
	}

	var started []Medium
	for _, m := range allowed {
		adv, ok := h.advertisers[m]
		if !ok {
			continue
		}
		if err := adv.StartAdvertising(ctx, serviceID, cp.LocalEndpointID(), info.Info); err != nil {
			h.logger.Warn("advertiser failed to start", "medium", m, "error", err)
			continue
		}
		started = append(started, m)
	}
	if len(started) == 0 {
		cp.StopAdvertising()
		return nil, fmt.Errorf("advertising %s: %w", serviceID, ErrNoMediumStarted)
	}

	h.postSync(func() {
		h.advertising[cp] = clientAdvertising{serviceID: serviceID, mediums: started}
	})
	return started, nil
}

// StopAdvertising tears down every medium previously started for cp by
// StartAdvertising.
func (h *BasePcpHandler) StopAdvertising(cp *ClientProxy) {
	var active clientAdvertising
	h.postSync(func() {
		active = h.advertising[cp]
		delete(h.advertising, cp)
	})
	for _, m := range active.mediums {
		if adv, ok := h.advertisers[m]; ok {
			adv.StopAdvertising()
		}
	}
	cp.StopAdvertising()
}

// StartDiscovery begins discovering serviceID over the intersection of
// allowed and the registered discoverers (spec.md section 6.3). Found/lost
// callbacks land on listener after updating cp's discovered-endpoint book.
func (h *BasePcpHandler) StartDiscovery(ctx context.Context, cp *ClientProxy, serviceID string, allowed []Medium, listener DiscoveryListener) error {
	if err := cp.StartDiscovery(serviceID, Strategy{Pcp: h.policy.Pcp()}); err != nil {
		return err
	}

	var started []Medium
	for _, m := range allowed {
		disc, ok := h.discoverers[m]
		if !ok {
			continue
		}
		medium := m
		err := disc.StartDiscovery(ctx, serviceID,
			func(ep DiscoveredEndpoint) {
				ep.Medium = medium
				ep.ServiceID = serviceID
				h.post(func() { h.onEndpointFound(cp, ep, listener) })
			},
			func(endpointID string) {
				h.post(func() { h.onEndpointLost(cp, endpointID, listener) })
			},
		)
		if err != nil {
			h.logger.Warn("discoverer failed to start", "medium", m, "error", err)
			continue
		}
		started = append(started, m)
	}
	if len(started) == 0 {
		cp.StopDiscovery()
		return fmt.Errorf("discovering %s: %w", serviceID, ErrNoMediumStarted)
	}

	h.postSync(func() {
		h.discovering[cp] = clientDiscovering{serviceID: serviceID, mediums: started, listener: listener}
	})
	return nil
}

// onEndpointFound runs on the PCP thread: it applies IsPreferred (spec.md
// section 4.3.2) before notifying the caller's listener, and synthesizes
// an additional Bluetooth DiscoveredEndpoint when the report carries a
// Bluetooth MAC (spec.md section 4.3.1's BLE-reports-BT-MAC rule).
func (h *BasePcpHandler) onEndpointFound(cp *ClientProxy, ep DiscoveredEndpoint, listener DiscoveryListener) {
	if prior, exists := cp.discoveredEndpoint(ep.EndpointID); exists && !isPreferredOver(ep, prior) {
		return
	}
	if cp.OnEndpointFound(ep) {
		listener.OnEndpointFound(ep.EndpointID, ep.EndpointInfo, ep.ServiceID)
	}
	if ep.Medium == MediumBLE && ep.HasBluetoothMAC {
		btEp := ep
		btEp.Medium = MediumBluetooth
		btEp.HasBluetoothMAC = false
		// The book is keyed by endpoint id, so the Bluetooth sighting
		// replaces the BLE one just stored and is always reported; a
		// later BLE report for the same id is dropped above by
		// isPreferredOver, since Bluetooth outranks BLE.
		cp.OnEndpointFound(btEp)
		listener.OnEndpointFound(btEp.EndpointID, btEp.EndpointInfo, btEp.ServiceID)
	}
}

func (h *BasePcpHandler) onEndpointLost(cp *ClientProxy, endpointID string, listener DiscoveryListener) {
	cp.OnEndpointLost(endpointID)
	listener.OnEndpointLost(endpointID)
}

// isPreferredOver implements spec.md section 4.3.2: the newer arrival
// wins unless it is strictly less preferred by medium; PCP-specific
// medium preference reuses the BWU upgrade priority table (section
// 4.3.6 cross-references "medium preference is PCP-specific").
func isPreferredOver(newer, older DiscoveredEndpoint) bool {
	return mediumPriorityRank(newer.Medium) <= mediumPriorityRank(older.Medium)
}

// StopDiscovery tears down every medium previously started for cp by
// StartDiscovery.
func (h *BasePcpHandler) StopDiscovery(cp *ClientProxy) {
	var active clientDiscovering
	h.postSync(func() {
		active = h.discovering[cp]
		delete(h.discovering, cp)
	})
	for _, m := range active.mediums {
		if disc, ok := h.discoverers[m]; ok {
			disc.StopDiscovery()
		}
	}
	cp.StopDiscovery()
}

// StartListeningForIncomingConnections opens acceptor sockets on the
// mediums indicated by allowed, without advertising discoverability
// (spec.md section 4.3.1).
func (h *BasePcpHandler) StartListeningForIncomingConnections(ctx context.Context, cp *ClientProxy, serviceID string, allowed []Medium) ([]Medium, error) {
	var started []Medium
	for _, m := range allowed {
		acc, ok := h.acceptors[m]
		if !ok {
			continue
		}
		err := acc.StartAccepting(ctx, func(ch EndpointChannel) {
			h.OnIncomingConnection(ctx, cp, ch)
		})
		if err != nil {
			h.logger.Warn("acceptor failed to start", "medium", m, "error", err)
			continue
		}
		started = append(started, m)
	}
	if len(started) == 0 {
		return nil, fmt.Errorf("listening for %s: %w", serviceID, ErrNoMediumStarted)
	}

	h.postSync(func() {
		h.listening[cp] = clientListening{serviceID: serviceID, mediums: started}
	})
	return started, nil
}

// StopListeningForIncomingConnections tears down every acceptor
// previously started for cp.
func (h *BasePcpHandler) StopListeningForIncomingConnections(cp *ClientProxy) {
	var active clientListening
	h.postSync(func() {
		active = h.listening[cp]
		delete(h.listening, cp)
	})
	for _, m := range active.mediums {
		if acc, ok := h.acceptors[m]; ok {
			acc.StopAccepting()
		}
	}
}
