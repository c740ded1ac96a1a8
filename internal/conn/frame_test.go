package conn_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/nearbycore/nearby/internal/conn"
)

func TestOfflineFrameRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		frame *conn.OfflineFrame
	}{
		{
			name: "connection request",
			frame: &conn.OfflineFrame{
				Version: conn.FrameVersion1,
				Type:    conn.FrameConnectionRequest,
				ConnectionRequest: &conn.ConnectionRequestFrame{
					EndpointID:       "ABCD",
					EndpointInfo:     []byte("device-name"),
					Nonce:            0xC0FFEE11,
					ConnectionToken:  "8f3a2b1c",
					SupportedMediums: []conn.Medium{conn.MediumWifiLan, conn.MediumBluetooth},
					Wifi: conn.WifiCapability{
						Supports5GHz: true,
						BSSID:        "aa:bb:cc:dd:ee:ff",
						APFrequency:  5180,
						IPAddress:    []byte{192, 168, 1, 1},
					},
					KeepAliveIntervalMillis: 5000,
					KeepAliveTimeoutMillis:  30000,
					OSInfo:                  "linux",
					SafeToDisconnectVersion: 1,
					MultiplexSocketBitmask:  0xFF,
				},
			},
		},
		{
			name: "connection response accept",
			frame: &conn.OfflineFrame{
				Version: conn.FrameVersion1,
				Type:    conn.FrameConnectionResponse,
				ConnectionResponse: &conn.ConnectionResponseFrame{
					Accept:                  true,
					OSInfo:                  "android",
					SafeToDisconnectVersion: 2,
					MultiplexSocketBitmask:  0,
				},
			},
		},
		{
			name: "disconnection",
			frame: &conn.OfflineFrame{
				Version: conn.FrameVersion1,
				Type:    conn.FrameDisconnection,
				Disconnection: &conn.DisconnectionFrame{
					RequestSafeToDisconnect: true,
					AckSafeToDisconnect:     false,
				},
			},
		},
		{
			name: "payload transfer chunk",
			frame: &conn.OfflineFrame{
				Version: conn.FrameVersion1,
				Type:    conn.FramePayloadTransfer,
				PayloadTransfer: &conn.PayloadTransferFrame{
					Header: conn.PayloadHeader{
						ID:        42,
						TotalSize: 1024,
						FileName:  "photo.jpg",
					},
					Chunk: &conn.PayloadChunk{
						Offset: 0,
						Last:   true,
						Body:   []byte{1, 2, 3, 4},
					},
				},
			},
		},
		{
			name: "payload transfer control",
			frame: &conn.OfflineFrame{
				Version: conn.FrameVersion1,
				Type:    conn.FramePayloadTransfer,
				PayloadTransfer: &conn.PayloadTransferFrame{
					Header: conn.PayloadHeader{ID: 7},
					Control: &conn.PayloadControl{
						Event:  conn.PayloadEventCancel,
						Offset: 512,
					},
				},
			},
		},
		{
			name: "keep alive",
			frame: &conn.OfflineFrame{
				Version: conn.FrameVersion1,
				Type:    conn.FrameKeepAlive,
			},
		},
		{
			name: "bwu upgrade path available",
			frame: &conn.OfflineFrame{
				Version: conn.FrameVersion1,
				Type:    conn.FrameBandwidthUpgradeNegotiation,
				BandwidthUpgrade: &conn.BwuNegotiationFrame{
					Event: conn.BwuUpgradePathAvailable,
					UpgradePathInfo: &conn.UpgradePathInfo{
						Medium:      conn.MediumWifiLan,
						Credentials: "10.0.0.5:12345",
					},
				},
			},
		},
		{
			name: "bwu client introduction",
			frame: &conn.OfflineFrame{
				Version: conn.FrameVersion1,
				Type:    conn.FrameBandwidthUpgradeNegotiation,
				BandwidthUpgrade: &conn.BwuNegotiationFrame{
					Event: conn.BwuClientIntroduction,
					ClientIntroduction: &conn.ClientIntroduction{
						EndpointID:                  "WXYZ",
						SupportsDisablingEncryption: true,
					},
				},
			},
		},
		{
			name: "auto reconnect",
			frame: &conn.OfflineFrame{
				Version: conn.FrameVersion1,
				Type:    conn.FrameAutoReconnect,
				AutoReconnect: &conn.AutoReconnectFrame{
					EndpointID: "ABCD",
					Phase:      conn.ReconnectIntroAck,
				},
			},
		},
		{
			name: "encryption handshake",
			frame: &conn.OfflineFrame{
				Version: conn.FrameVersion1,
				Type:    conn.FrameEncryptionHandshake,
				EncryptionHandshake: &conn.EncryptionHandshakeFrame{
					Message: []byte{0xDE, 0xAD, 0xBE, 0xEF},
				},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			wire, err := conn.MarshalOfflineFrame(tc.frame)
			if err != nil {
				t.Fatalf("marshal: unexpected error: %v", err)
			}

			got, err := conn.UnmarshalOfflineFrame(wire)
			if err != nil {
				t.Fatalf("unmarshal: unexpected error: %v", err)
			}

			rewire, err := conn.MarshalOfflineFrame(got)
			if err != nil {
				t.Fatalf("re-marshal: unexpected error: %v", err)
			}
			if !bytes.Equal(wire, rewire) {
				t.Errorf("round trip mismatch:\n first:  %x\n second: %x", wire, rewire)
			}
		})
	}
}

func TestMarshalOfflineFrameMissingPayload(t *testing.T) {
	t.Parallel()

	f := &conn.OfflineFrame{Version: conn.FrameVersion1, Type: conn.FrameConnectionRequest}
	if _, err := conn.MarshalOfflineFrame(f); err == nil {
		t.Error("expected error marshaling frame with nil payload")
	}
}

func TestMarshalOfflineFrameUnknownType(t *testing.T) {
	t.Parallel()

	f := &conn.OfflineFrame{Version: conn.FrameVersion1, Type: conn.FrameType(99)}
	_, err := conn.MarshalOfflineFrame(f)
	if !errors.Is(err, conn.ErrInvalidFrameType) {
		t.Errorf("expected ErrInvalidFrameType, got %v", err)
	}
}

func TestUnmarshalOfflineFrameRejectsBadVersion(t *testing.T) {
	t.Parallel()

	f := &conn.OfflineFrame{
		Version: 99,
		Type:    conn.FrameKeepAlive,
	}
	// Force-construct a bad-version wire frame by marshaling at version 1
	// then patching the version field (first 4 bytes, big-endian).
	f.Version = conn.FrameVersion1
	wire, err := conn.MarshalOfflineFrame(f)
	if err != nil {
		t.Fatalf("marshal: unexpected error: %v", err)
	}
	wire[3] = 2 // version = 2 in the low byte

	_, err = conn.UnmarshalOfflineFrame(wire)
	if !errors.Is(err, conn.ErrInvalidVersion) {
		t.Errorf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestUnmarshalOfflineFrameUnknownType(t *testing.T) {
	t.Parallel()

	f := &conn.OfflineFrame{Version: conn.FrameVersion1, Type: conn.FrameKeepAlive}
	wire, err := conn.MarshalOfflineFrame(f)
	if err != nil {
		t.Fatalf("marshal: unexpected error: %v", err)
	}
	wire[4] = 99 // frame_type byte

	_, err = conn.UnmarshalOfflineFrame(wire)
	if !errors.Is(err, conn.ErrInvalidFrameType) {
		t.Errorf("expected ErrInvalidFrameType, got %v", err)
	}
}

func TestUnmarshalOfflineFrameTooShort(t *testing.T) {
	t.Parallel()

	_, err := conn.UnmarshalOfflineFrame([]byte{0, 0})
	if !errors.Is(err, conn.ErrFrameTooShort) {
		t.Errorf("expected ErrFrameTooShort, got %v", err)
	}
}

func TestUnmarshalOfflineFrameEndpointInfoTooBig(t *testing.T) {
	t.Parallel()

	f := &conn.OfflineFrame{
		Version: conn.FrameVersion1,
		Type:    conn.FrameConnectionRequest,
		ConnectionRequest: &conn.ConnectionRequestFrame{
			EndpointID:   "ABCD",
			EndpointInfo: bytes.Repeat([]byte{0xAB}, conn.MaxEndpointInfoLength+1),
		},
	}
	wire, err := conn.MarshalOfflineFrame(f)
	if err != nil {
		t.Fatalf("marshal: unexpected error: %v", err)
	}

	_, err = conn.UnmarshalOfflineFrame(wire)
	if !errors.Is(err, conn.ErrEndpointInfoTooBig) {
		t.Errorf("expected ErrEndpointInfoTooBig, got %v", err)
	}
}
