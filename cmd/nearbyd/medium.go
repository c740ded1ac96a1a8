package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nearbycore/nearby/internal/conn"
)

// wifiLanMedium is nearbyd's one concrete medium driver: a LAN-local
// stand-in for the real platform Wi-Fi LAN collaborator spec.md section 1
// declares out of scope. It implements every medium-pack interface
// conn.BasePcpHandler draws on (conn.MediumConnector/Advertiser/
// Discoverer/Acceptor) using a length-prefixed TCP channel (conn.tcpChannel
// via conn.NewTCPChannel/conn.ListenTCP) for data and a UDP multicast
// beacon for discovery, the same division of labor the teacher's
// netio.Listener (accept loop) and netio.UDPSender (periodic send) split
// across — adapted here into one medium rather than kept as a separate
// package (see DESIGN.md's deleted-teacher-code entry for internal/netio).
type wifiLanMedium struct {
	serviceID  string
	endpointID string
	logger     *slog.Logger

	mcastAddr *net.UDPAddr

	mu         sync.Mutex
	peers      map[string]string // endpoint id -> "host:port"
	tcpLn      *conn.TCPListener
	advCancel  context.CancelFunc
	discCancel context.CancelFunc
}

// newWifiLanMedium constructs the demo medium. mcastAddr is the UDP
// multicast group beacons are sent/received on (e.g.
// "239.255.42.99:47236"); the TCP accept address is bound separately by
// listen.
func newWifiLanMedium(mcastAddr string, logger *slog.Logger) (*wifiLanMedium, error) {
	addr, err := net.ResolveUDPAddr("udp4", mcastAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast addr %s: %w", mcastAddr, err)
	}
	return &wifiLanMedium{
		mcastAddr: addr,
		peers:     make(map[string]string),
		logger:    logger.With(slog.String("component", "nearbyd.wifilan")),
	}, nil
}

func (m *wifiLanMedium) Medium() conn.Medium { return conn.MediumWifiLan }

// beacon is the wire format of one discovery announcement: the service
// id, the endpoint id, the advertiser's dial address, and its
// endpoint_info, each prefixed with a big-endian 16-bit length.
type beacon struct {
	ServiceID  string
	EndpointID string
	Addr       string
	Info       []byte
}

func encodeBeacon(b beacon) []byte {
	buf := make([]byte, 0, 64+len(b.Addr)+len(b.Info))
	buf = appendLP(buf, []byte(b.ServiceID))
	buf = appendLP(buf, []byte(b.EndpointID))
	buf = appendLP(buf, []byte(b.Addr))
	buf = appendLP(buf, b.Info)
	return buf
}

func appendLP(buf, field []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(field)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, field...)
}

func decodeBeacon(data []byte) (beacon, bool) {
	var b beacon
	fields := make([][]byte, 0, 4)
	for i := 0; i < 4; i++ {
		if len(data) < 2 {
			return beacon{}, false
		}
		n := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < n {
			return beacon{}, false
		}
		fields = append(fields, data[:n])
		data = data[n:]
	}
	b.ServiceID = string(fields[0])
	b.EndpointID = string(fields[1])
	b.Addr = string(fields[2])
	b.Info = fields[3]
	return b, true
}

// StartAdvertising begins sending a beacon on the multicast group every
// second until ctx is canceled or StopAdvertising is called.
func (m *wifiLanMedium) StartAdvertising(ctx context.Context, serviceID, endpointID string, info []byte) error {
	sock, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("open beacon socket: %w", err)
	}

	m.mu.Lock()
	m.serviceID = serviceID
	m.endpointID = endpointID
	tcpAddr := ""
	if m.tcpLn != nil {
		tcpAddr = m.tcpLn.Addr().String()
	}
	advCtx, cancel := context.WithCancel(ctx)
	m.advCancel = cancel
	m.mu.Unlock()

	payload := encodeBeacon(beacon{ServiceID: serviceID, EndpointID: endpointID, Addr: tcpAddr, Info: info})

	go func() {
		defer sock.Close()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			if _, err := sock.WriteToUDP(payload, m.mcastAddr); err != nil {
				m.logger.Debug("beacon send failed", slog.String("error", err.Error()))
			}
			select {
			case <-advCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (m *wifiLanMedium) StopAdvertising() {
	m.mu.Lock()
	cancel := m.advCancel
	m.advCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// StartDiscovery listens for other instances' beacons on the multicast
// group and reports sightings matching serviceID. It never reports the
// medium's own endpoint id.
func (m *wifiLanMedium) StartDiscovery(ctx context.Context, serviceID string, onFound func(conn.DiscoveredEndpoint), onLost func(string)) error {
	sock, err := net.ListenMulticastUDP("udp4", nil, m.mcastAddr)
	if err != nil {
		return fmt.Errorf("join multicast group: %w", err)
	}

	discCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.discCancel = cancel
	m.mu.Unlock()

	go func() {
		defer sock.Close()
		go func() {
			<-discCtx.Done()
			sock.Close()
		}()

		buf := make([]byte, 2048)
		for {
			n, _, err := sock.ReadFromUDP(buf)
			if err != nil {
				return
			}
			b, ok := decodeBeacon(buf[:n])
			if !ok || b.ServiceID != serviceID {
				continue
			}
			m.mu.Lock()
			self := b.EndpointID == m.endpointID
			if !self {
				m.peers[b.EndpointID] = b.Addr
			}
			m.mu.Unlock()
			if self {
				continue
			}
			onFound(conn.DiscoveredEndpoint{
				EndpointID:   b.EndpointID,
				EndpointInfo: b.Info,
				ServiceID:    b.ServiceID,
				Medium:       conn.MediumWifiLan,
			})
		}
	}()

	_ = onLost // no loss alarm: this demo driver reports Found only (see SPEC_FULL.md's per-medium loss-alarm note, left to a richer driver)
	return nil
}

func (m *wifiLanMedium) StopDiscovery() {
	m.mu.Lock()
	cancel := m.discCancel
	m.discCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// StartAccepting opens (or reuses) the medium's TCP listener and hands
// every inbound connection to onIncoming as a raw, not-yet-handshaked
// channel, mirroring a successful Connect on the other side.
func (m *wifiLanMedium) StartAccepting(ctx context.Context, onIncoming func(conn.EndpointChannel)) error {
	m.mu.Lock()
	ln := m.tcpLn
	m.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("wifiLanMedium: no listener bound; call listen() before StartAccepting")
	}
	go func() {
		if err := ln.Serve(ctx, onIncoming); err != nil {
			m.logger.Debug("tcp accept loop stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (m *wifiLanMedium) StopAccepting() {
	m.mu.Lock()
	ln := m.tcpLn
	m.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}

// listen binds the medium's TCP listener up front so its address is
// known before StartAdvertising announces it. Must be called once before
// the medium is registered with the controller.
func (m *wifiLanMedium) listen(addr string) error {
	ln, err := conn.ListenTCP(addr, conn.MediumWifiLan)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	m.mu.Lock()
	m.tcpLn = ln
	m.mu.Unlock()
	return nil
}

func (m *wifiLanMedium) addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tcpLn == nil {
		return ""
	}
	return m.tcpLn.Addr().String()
}

// Connect dials the TCP address discovered for target.EndpointID.
func (m *wifiLanMedium) Connect(ctx context.Context, target conn.DiscoveredEndpoint) (conn.EndpointChannel, error) {
	m.mu.Lock()
	addr, ok := m.peers[target.EndpointID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wifiLanMedium: no known address for endpoint %s", target.EndpointID)
	}

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn.NewTCPChannel(c, conn.MediumWifiLan), nil
}

// addPeer registers a static dial address for endpointID, used for
// injected/out-of-band endpoints (config.EndpointEntry's Address field)
// that never sent a discovery beacon.
func (m *wifiLanMedium) addPeer(endpointID, addr string) {
	m.mu.Lock()
	m.peers[endpointID] = addr
	m.mu.Unlock()
}

// tcpBwuHandler offers a second TCP listener per endpoint as a
// bandwidth-upgrade target, standing in for a Wi-Fi Direct group owner
// the same way wifiLanMedium stands in for mDNS+TCP. The upgrade path's
// credentials are simply the listener's "host:port".
type tcpBwuHandler struct {
	medium conn.Medium
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[string]*conn.TCPListener
	inbound   map[string]chan conn.EndpointChannel
}

func newTCPBwuHandler(medium conn.Medium, logger *slog.Logger) *tcpBwuHandler {
	return &tcpBwuHandler{
		medium:    medium,
		logger:    logger.With(slog.String("component", "nearbyd.bwu"), slog.String("medium", medium.String())),
		listeners: make(map[string]*conn.TCPListener),
		inbound:   make(map[string]chan conn.EndpointChannel),
	}
}

func (h *tcpBwuHandler) Medium() conn.Medium { return h.medium }

// StartListening binds an ephemeral TCP port for endpointID's upgrade
// and starts an accept loop feeding Accept.
func (h *tcpBwuHandler) StartListening(ctx context.Context, endpointID string) (conn.UpgradePathInfo, error) {
	ln, err := conn.ListenTCP(":0", h.medium)
	if err != nil {
		return conn.UpgradePathInfo{}, fmt.Errorf("bind upgrade listener: %w", err)
	}

	ch := make(chan conn.EndpointChannel, 1)
	h.mu.Lock()
	if prev, ok := h.listeners[endpointID]; ok {
		_ = prev.Close()
	}
	h.listeners[endpointID] = ln
	h.inbound[endpointID] = ch
	h.mu.Unlock()

	go func() {
		if err := ln.Serve(ctx, func(ec conn.EndpointChannel) {
			select {
			case ch <- ec:
			default:
				_ = ec.Close(conn.CloseReasonUnspecified)
			}
		}); err != nil {
			h.logger.Debug("upgrade accept loop stopped", slog.String("error", err.Error()))
		}
	}()

	return conn.UpgradePathInfo{Medium: h.medium, Credentials: ln.Addr().String()}, nil
}

// Accept waits for the responder to dial the listener started for
// endpointID.
func (h *tcpBwuHandler) Accept(ctx context.Context, endpointID string) (conn.EndpointChannel, error) {
	h.mu.Lock()
	ch, ok := h.inbound[endpointID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no upgrade listener for endpoint %s", endpointID)
	}
	select {
	case ec := <-ch:
		return ec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connect dials the initiator's advertised upgrade path.
func (h *tcpBwuHandler) Connect(ctx context.Context, path conn.UpgradePathInfo) (conn.EndpointChannel, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", path.Credentials)
	if err != nil {
		return nil, fmt.Errorf("dial upgrade path %s: %w", path.Credentials, err)
	}
	return conn.NewTCPChannel(c, h.medium), nil
}

// StopListening tears down the upgrade listener left open for
// endpointID, if any.
func (h *tcpBwuHandler) StopListening(endpointID string) error {
	h.mu.Lock()
	ln, ok := h.listeners[endpointID]
	delete(h.listeners, endpointID)
	delete(h.inbound, endpointID)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return ln.Close()
}
