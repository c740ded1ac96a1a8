package conn

import (
	"context"
	"log/slog"
	"sync"
)

// ReconnectManager consumes AUTO_RECONNECT frames (spec.md section 4.4's
// frame-dispatch table names it but the distilled spec never defines
// it; restored per SPEC_FULL.md section 12 as a minimal frame sink so an
// undispatched-but-known frame type doesn't leave the reader stuck -- see
// pcp.go's FrameRouter). It does not attempt to re-establish a dropped
// channel itself; that remains a client-facing concern layered above the
// controller (spec.md section 1: the client-facing façade is out of
// scope).
type ReconnectManager struct {
	channels *EndpointChannelManager
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]ReconnectPhase
}

// NewReconnectManager wires a ReconnectManager against the shared
// EndpointChannelManager.
func NewReconnectManager(channels *EndpointChannelManager, logger *slog.Logger) *ReconnectManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconnectManager{
		channels: channels,
		logger:   logger.With(slog.String("component", "conn.reconnect")),
		pending:  make(map[string]ReconnectPhase),
	}
}

// InitiateReconnect sends an AUTO_RECONNECT Intro frame for endpointID,
// announcing that the local side is prepared to resume payload flow
// across a channel replacement without a full re-handshake.
func (m *ReconnectManager) InitiateReconnect(ctx context.Context, endpointID string) error {
	ch, ok := m.channels.Get(endpointID)
	if !ok {
		return ErrEndpointUnknown
	}
	defer m.channels.Release(endpointID, CloseReasonUnspecified)

	m.mu.Lock()
	m.pending[endpointID] = ReconnectIntro
	m.mu.Unlock()

	return ch.Write(ctx, &OfflineFrame{
		Version: FrameVersion1,
		Type:    FrameAutoReconnect,
		AutoReconnect: &AutoReconnectFrame{
			EndpointID: endpointID,
			Phase:      ReconnectIntro,
		},
	})
}

// OnReconnectFrame handles an incoming AUTO_RECONNECT frame (spec.md
// section 4.4). Intro is acknowledged with IntroAck; IntroAck and
// Disconnect simply clear local bookkeeping.
func (m *ReconnectManager) OnReconnectFrame(endpointID string, f *OfflineFrame) {
	if f.AutoReconnect == nil {
		return
	}

	switch f.AutoReconnect.Phase {
	case ReconnectIntro:
		ch, ok := m.channels.Get(endpointID)
		if !ok {
			return
		}
		defer m.channels.Release(endpointID, CloseReasonUnspecified)
		_ = ch.Write(context.Background(), &OfflineFrame{
			Version: FrameVersion1,
			Type:    FrameAutoReconnect,
			AutoReconnect: &AutoReconnectFrame{
				EndpointID: endpointID,
				Phase:      ReconnectIntroAck,
			},
		})
	case ReconnectIntroAck, ReconnectDisconnect:
		m.mu.Lock()
		delete(m.pending, endpointID)
		m.mu.Unlock()
	}
}

// OnEndpointDisconnected clears any reconnect bookkeeping for endpointID.
func (m *ReconnectManager) OnEndpointDisconnected(endpointID string) {
	m.mu.Lock()
	delete(m.pending, endpointID)
	m.mu.Unlock()
}
