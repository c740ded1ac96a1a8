package conn_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/nearbycore/nearby/internal/conn"
)

func TestBLEAdvertisementRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		adv  *conn.BLEAdvertisement
	}{
		{
			name: "normal",
			adv: &conn.BLEAdvertisement{
				Pcp:               conn.PcpCluster,
				ServiceIDHash:     [3]byte{0x01, 0x02, 0x03},
				EndpointID:        "ABCD",
				EndpointInfo:      []byte("a reasonably long device name"),
				BluetoothMAC:      [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
				UWBAddress:        []byte{0x10, 0x20},
				WebRTCConnectable: true,
			},
		},
		{
			name: "fast",
			adv: &conn.BLEAdvertisement{
				Fast:         true,
				Pcp:          conn.PcpStar,
				EndpointID:   "WXYZ",
				EndpointInfo: []byte("short"),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			wire, err := conn.MarshalBLEAdvertisement(tc.adv)
			if err != nil {
				t.Fatalf("marshal: unexpected error: %v", err)
			}

			got, err := conn.UnmarshalBLEAdvertisement(wire, tc.adv.Fast)
			if err != nil {
				t.Fatalf("unmarshal: unexpected error: %v", err)
			}

			if got.Pcp != tc.adv.Pcp {
				t.Errorf("pcp = %v, want %v", got.Pcp, tc.adv.Pcp)
			}
			if got.EndpointID != tc.adv.EndpointID {
				t.Errorf("endpoint id = %q, want %q", got.EndpointID, tc.adv.EndpointID)
			}
			if !bytes.Equal(got.EndpointInfo, tc.adv.EndpointInfo) {
				t.Errorf("endpoint info = %q, want %q", got.EndpointInfo, tc.adv.EndpointInfo)
			}
			if !tc.adv.Fast {
				if got.ServiceIDHash != tc.adv.ServiceIDHash {
					t.Errorf("service id hash = %v, want %v", got.ServiceIDHash, tc.adv.ServiceIDHash)
				}
				if got.BluetoothMAC != tc.adv.BluetoothMAC {
					t.Errorf("bluetooth mac = %v, want %v", got.BluetoothMAC, tc.adv.BluetoothMAC)
				}
			}
			if !bytes.Equal(got.UWBAddress, tc.adv.UWBAddress) {
				t.Errorf("uwb address = %v, want %v", got.UWBAddress, tc.adv.UWBAddress)
			}
			if got.WebRTCConnectable != tc.adv.WebRTCConnectable {
				t.Errorf("webrtc connectable = %v, want %v", got.WebRTCConnectable, tc.adv.WebRTCConnectable)
			}
		})
	}
}

func TestBLEAdvertisementRejectsOversizedEndpointInfo(t *testing.T) {
	t.Parallel()

	adv := &conn.BLEAdvertisement{
		EndpointID:   "ABCD",
		EndpointInfo: bytes.Repeat([]byte{0xAB}, conn.MaxEndpointInfoLength+1),
	}
	_, err := conn.MarshalBLEAdvertisement(adv)
	if !errors.Is(err, conn.ErrEndpointInfoTooBig) {
		t.Errorf("expected ErrEndpointInfoTooBig, got %v", err)
	}
}

func TestBLEAdvertisementFastRejectsOverFastLimit(t *testing.T) {
	t.Parallel()

	adv := &conn.BLEAdvertisement{
		Fast:         true,
		EndpointID:   "ABCD",
		EndpointInfo: bytes.Repeat([]byte{0xAB}, conn.MaxFastEndpointInfoLength+1),
	}
	_, err := conn.MarshalBLEAdvertisement(adv)
	if !errors.Is(err, conn.ErrEndpointInfoTooBig) {
		t.Errorf("expected ErrEndpointInfoTooBig, got %v", err)
	}
}

func TestBLEAdvertisementRejectsBadEndpointIDLength(t *testing.T) {
	t.Parallel()

	adv := &conn.BLEAdvertisement{EndpointID: "AB"}
	if _, err := conn.MarshalBLEAdvertisement(adv); err == nil {
		t.Error("expected error for short endpoint id")
	}
}

func TestUnmarshalBLEAdvertisementTooShort(t *testing.T) {
	t.Parallel()

	_, err := conn.UnmarshalBLEAdvertisement([]byte{0, 1, 2}, false)
	if !errors.Is(err, conn.ErrFrameTooShort) {
		t.Errorf("expected ErrFrameTooShort, got %v", err)
	}
}

func TestUnmarshalBLEAdvertisementRejectsBadVersion(t *testing.T) {
	t.Parallel()

	adv := &conn.BLEAdvertisement{Fast: true, EndpointID: "ABCD"}
	wire, err := conn.MarshalBLEAdvertisement(adv)
	if err != nil {
		t.Fatalf("marshal: unexpected error: %v", err)
	}
	wire[0] = 0x40 // version = 2 in the top 3 bits

	_, err = conn.UnmarshalBLEAdvertisement(wire, true)
	if !errors.Is(err, conn.ErrInvalidVersion) {
		t.Errorf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestBluetoothDeviceNameRoundTrip(t *testing.T) {
	t.Parallel()

	n := &conn.BluetoothDeviceName{
		Pcp:           conn.PcpPointToPoint,
		EndpointID:    "ABCD",
		ServiceIDHash: [3]byte{0xAA, 0xBB, 0xCC},
		EndpointInfo:  []byte("device"),
		UWBAddress:    []byte{0x01},
		Extra:         0x03,
	}

	wire, err := conn.MarshalBluetoothDeviceName(n)
	if err != nil {
		t.Fatalf("marshal: unexpected error: %v", err)
	}
	if len(wire) < 16 {
		t.Fatalf("wire length %d below minimum 16", len(wire))
	}

	got, err := conn.UnmarshalBluetoothDeviceName(wire)
	if err != nil {
		t.Fatalf("unmarshal: unexpected error: %v", err)
	}
	if got.Pcp != n.Pcp || got.EndpointID != n.EndpointID || got.ServiceIDHash != n.ServiceIDHash {
		t.Errorf("got %+v, want fields matching %+v", got, n)
	}
	if !bytes.Equal(got.EndpointInfo, n.EndpointInfo) {
		t.Errorf("endpoint info = %q, want %q", got.EndpointInfo, n.EndpointInfo)
	}
	if got.Extra != n.Extra {
		t.Errorf("extra = %d, want %d", got.Extra, n.Extra)
	}
}

func TestUnmarshalBluetoothDeviceNameTooShort(t *testing.T) {
	t.Parallel()

	_, err := conn.UnmarshalBluetoothDeviceName(make([]byte, 10))
	if !errors.Is(err, conn.ErrFrameTooShort) {
		t.Errorf("expected ErrFrameTooShort, got %v", err)
	}
}

func TestWifiLanServiceInfoRoundTrip(t *testing.T) {
	t.Parallel()

	info := &conn.WifiLanServiceInfo{
		Pcp:               conn.PcpCluster,
		ServiceIDHash:     [3]byte{0x01, 0x02, 0x03},
		EndpointID:        "ABCD",
		EndpointInfo:      []byte("wifi lan device"),
		UWBAddress:        []byte{0xFE},
		WebRTCConnectable: true,
	}

	wire, err := conn.MarshalWifiLanServiceInfo(info)
	if err != nil {
		t.Fatalf("marshal: unexpected error: %v", err)
	}

	got, err := conn.UnmarshalWifiLanServiceInfo(wire)
	if err != nil {
		t.Fatalf("unmarshal: unexpected error: %v", err)
	}
	if got.Pcp != info.Pcp || got.EndpointID != info.EndpointID || got.ServiceIDHash != info.ServiceIDHash {
		t.Errorf("got %+v, want fields matching %+v", got, info)
	}
	if !bytes.Equal(got.EndpointInfo, info.EndpointInfo) {
		t.Errorf("endpoint info = %q, want %q", got.EndpointInfo, info.EndpointInfo)
	}
	if !bytes.Equal(got.UWBAddress, info.UWBAddress) {
		t.Errorf("uwb address = %v, want %v", got.UWBAddress, info.UWBAddress)
	}
	if got.WebRTCConnectable != info.WebRTCConnectable {
		t.Errorf("webrtc connectable = %v, want %v", got.WebRTCConnectable, info.WebRTCConnectable)
	}
}

func TestUnmarshalWifiLanServiceInfoTooShort(t *testing.T) {
	t.Parallel()

	_, err := conn.UnmarshalWifiLanServiceInfo(make([]byte, 5))
	if !errors.Is(err, conn.ErrFrameTooShort) {
		t.Errorf("expected ErrFrameTooShort, got %v", err)
	}
}
