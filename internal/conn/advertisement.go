package conn

import "fmt"

// AdvertisementVersion is the only version byte this codec accepts
// (spec.md section 6.2: "Version is currently 1; other values rejected
// as incompatible").
const AdvertisementVersion uint8 = 1

// BLEAdvertisement is the bit-exact layout from spec.md section 6.2:
//
//	[version:3bits|pcp:5bits][service_id_hash:3B][endpoint_id:4B]
//	[endpoint_info_size:1B][endpoint_info:<=131B][bluetooth_mac:6B]
//	[uwb_address_size:1B][uwb_address:0..255B][extra:1B{webrtc_connectable:bit0}]
//
// A "fast" advertisement omits ServiceIDHash and BluetoothMAC and caps
// EndpointInfo at MaxFastEndpointInfoLength.
type BLEAdvertisement struct {
	Fast               bool
	Pcp                Pcp
	ServiceIDHash      [3]byte
	EndpointID         string
	EndpointInfo       []byte
	BluetoothMAC       [6]byte
	UWBAddress         []byte
	WebRTCConnectable  bool
}

// MarshalBLEAdvertisement encodes a into the bit-exact wire layout.
func MarshalBLEAdvertisement(a *BLEAdvertisement) ([]byte, error) {
	if len(a.EndpointID) != EndpointIDLength {
		return nil, fmt.Errorf("ble advertisement: endpoint_id must be %d bytes", EndpointIDLength)
	}
	maxLen := MaxEndpointInfoLength
	if a.Fast {
		maxLen = MaxFastEndpointInfoLength
	}
	if len(a.EndpointInfo) > maxLen {
		return nil, fmt.Errorf("ble advertisement: %w", ErrEndpointInfoTooBig)
	}
	if len(a.UWBAddress) > 255 {
		return nil, fmt.Errorf("ble advertisement: uwb_address exceeds 255 bytes")
	}

	buf := make([]byte, 0, 32+len(a.EndpointInfo)+len(a.UWBAddress))
	buf = append(buf, versionPcpByte(AdvertisementVersion, a.Pcp))
	if !a.Fast {
		buf = append(buf, a.ServiceIDHash[:]...)
	}
	buf = append(buf, []byte(a.EndpointID)...)
	buf = append(buf, uint8(len(a.EndpointInfo)))
	buf = append(buf, a.EndpointInfo...)
	if !a.Fast {
		buf = append(buf, a.BluetoothMAC[:]...)
	}
	buf = append(buf, uint8(len(a.UWBAddress)))
	buf = append(buf, a.UWBAddress...)
	var extra uint8
	if a.WebRTCConnectable {
		extra |= 1
	}
	buf = append(buf, extra)
	return buf, nil
}

// UnmarshalBLEAdvertisement decodes buf per the layout above. fast must
// be known by the caller (normal and fast advertisements are carried on
// distinct BLE service UUIDs and so are never ambiguous on the wire).
func UnmarshalBLEAdvertisement(buf []byte, fast bool) (*BLEAdvertisement, error) {
	min := 1 + EndpointIDLength + 1 + 1 + 1
	if !fast {
		min += 3 + 6
	}
	if len(buf) < min {
		return nil, fmt.Errorf("ble advertisement: %w", ErrFrameTooShort)
	}

	pos := 0
	version, pcp := splitVersionPcp(buf[pos])
	pos++
	if version != AdvertisementVersion {
		return nil, fmt.Errorf("ble advertisement: %w: %d", ErrInvalidVersion, version)
	}

	a := &BLEAdvertisement{Fast: fast, Pcp: pcp}
	if !fast {
		copy(a.ServiceIDHash[:], buf[pos:pos+3])
		pos += 3
	}
	a.EndpointID = string(buf[pos : pos+EndpointIDLength])
	pos += EndpointIDLength

	infoSize := int(buf[pos])
	pos++
	maxLen := MaxEndpointInfoLength
	if fast {
		maxLen = MaxFastEndpointInfoLength
	}
	if infoSize > maxLen {
		return nil, fmt.Errorf("ble advertisement: %w", ErrEndpointInfoTooBig)
	}
	if len(buf) < pos+infoSize {
		return nil, fmt.Errorf("ble advertisement: %w", ErrFrameTooShort)
	}
	a.EndpointInfo = append([]byte(nil), buf[pos:pos+infoSize]...)
	pos += infoSize

	if !fast {
		if len(buf) < pos+6 {
			return nil, fmt.Errorf("ble advertisement: %w", ErrFrameTooShort)
		}
		copy(a.BluetoothMAC[:], buf[pos:pos+6])
		pos += 6
	}

	if len(buf) < pos+1 {
		return nil, fmt.Errorf("ble advertisement: %w", ErrFrameTooShort)
	}
	uwbSize := int(buf[pos])
	pos++
	if len(buf) < pos+uwbSize+1 {
		return nil, fmt.Errorf("ble advertisement: %w", ErrFrameTooShort)
	}
	a.UWBAddress = append([]byte(nil), buf[pos:pos+uwbSize]...)
	pos += uwbSize

	extra := buf[pos]
	a.WebRTCConnectable = extra&1 != 0
	return a, nil
}

// BluetoothDeviceName is the bit-exact layout from spec.md section 6.2:
//
//	[version:3bits|pcp:5bits][endpoint_id:4B][service_id_hash:3B]
//	[endpoint_info_size:1B][endpoint_info:<=131B][uwb_address_size:1B]
//	[uwb_address:0..255B][extra:1B] followed by 6 reserved bytes.
//
// Minimum length 16.
type BluetoothDeviceName struct {
	Pcp           Pcp
	EndpointID    string
	ServiceIDHash [3]byte
	EndpointInfo  []byte
	UWBAddress    []byte
	Extra         uint8
}

const bluetoothDeviceNameMinLength = 16

// MarshalBluetoothDeviceName encodes n.
func MarshalBluetoothDeviceName(n *BluetoothDeviceName) ([]byte, error) {
	if len(n.EndpointID) != EndpointIDLength {
		return nil, fmt.Errorf("bluetooth device name: endpoint_id must be %d bytes", EndpointIDLength)
	}
	if len(n.EndpointInfo) > MaxEndpointInfoLength {
		return nil, fmt.Errorf("bluetooth device name: %w", ErrEndpointInfoTooBig)
	}

	buf := make([]byte, 0, bluetoothDeviceNameMinLength+len(n.EndpointInfo)+len(n.UWBAddress))
	buf = append(buf, versionPcpByte(AdvertisementVersion, n.Pcp))
	buf = append(buf, []byte(n.EndpointID)...)
	buf = append(buf, n.ServiceIDHash[:]...)
	buf = append(buf, uint8(len(n.EndpointInfo)))
	buf = append(buf, n.EndpointInfo...)
	buf = append(buf, uint8(len(n.UWBAddress)))
	buf = append(buf, n.UWBAddress...)
	buf = append(buf, n.Extra)
	buf = append(buf, make([]byte, 6)...) // reserved
	return buf, nil
}

// UnmarshalBluetoothDeviceName decodes buf.
func UnmarshalBluetoothDeviceName(buf []byte) (*BluetoothDeviceName, error) {
	if len(buf) < bluetoothDeviceNameMinLength {
		return nil, fmt.Errorf("bluetooth device name: %w", ErrFrameTooShort)
	}

	pos := 0
	version, pcp := splitVersionPcp(buf[pos])
	pos++
	if version != AdvertisementVersion {
		return nil, fmt.Errorf("bluetooth device name: %w: %d", ErrInvalidVersion, version)
	}

	n := &BluetoothDeviceName{Pcp: pcp}
	n.EndpointID = string(buf[pos : pos+EndpointIDLength])
	pos += EndpointIDLength
	copy(n.ServiceIDHash[:], buf[pos:pos+3])
	pos += 3

	infoSize := int(buf[pos])
	pos++
	if infoSize > MaxEndpointInfoLength {
		return nil, fmt.Errorf("bluetooth device name: %w", ErrEndpointInfoTooBig)
	}
	if len(buf) < pos+infoSize+1 {
		return nil, fmt.Errorf("bluetooth device name: %w", ErrFrameTooShort)
	}
	n.EndpointInfo = append([]byte(nil), buf[pos:pos+infoSize]...)
	pos += infoSize

	uwbSize := int(buf[pos])
	pos++
	if len(buf) < pos+uwbSize+1+6 {
		return nil, fmt.Errorf("bluetooth device name: %w", ErrFrameTooShort)
	}
	n.UWBAddress = append([]byte(nil), buf[pos:pos+uwbSize]...)
	pos += uwbSize

	n.Extra = buf[pos]
	return n, nil
}

// WifiLanServiceInfo mirrors the BLE layout minus the bluetooth-mac
// block, carried base64-encoded in an mDNS TXT record under the "n" key
// (spec.md section 6.2). The base64/TXT transport itself is the platform
// driver's concern (out of scope, section 1); this type models the
// binary payload that driver would place under "n".
type WifiLanServiceInfo struct {
	Pcp               Pcp
	ServiceIDHash     [3]byte
	EndpointID        string
	EndpointInfo      []byte
	UWBAddress        []byte
	WebRTCConnectable bool
}

// MarshalWifiLanServiceInfo encodes i using the BLE layout minus the
// bluetooth-mac block.
func MarshalWifiLanServiceInfo(i *WifiLanServiceInfo) ([]byte, error) {
	ble := &BLEAdvertisement{
		Fast:              false,
		Pcp:               i.Pcp,
		ServiceIDHash:     i.ServiceIDHash,
		EndpointID:        i.EndpointID,
		EndpointInfo:      i.EndpointInfo,
		UWBAddress:        i.UWBAddress,
		WebRTCConnectable: i.WebRTCConnectable,
	}
	buf, err := MarshalBLEAdvertisement(ble)
	if err != nil {
		return nil, err
	}
	// Strip the 6-byte bluetooth_mac block that MarshalBLEAdvertisement
	// always writes for non-fast advertisements: [version][hash(3)][id(4)]
	// [info_size(1)][info][mac(6)][uwb_size(1)][uwb][extra(1)].
	headerLen := 1 + 3 + EndpointIDLength + 1 + len(i.EndpointInfo)
	out := make([]byte, 0, len(buf)-6)
	out = append(out, buf[:headerLen]...)
	out = append(out, buf[headerLen+6:]...)
	return out, nil
}

// UnmarshalWifiLanServiceInfo decodes buf (the BLE layout minus
// bluetooth_mac).
func UnmarshalWifiLanServiceInfo(buf []byte) (*WifiLanServiceInfo, error) {
	min := 1 + 3 + EndpointIDLength + 1 + 1 + 1
	if len(buf) < min {
		return nil, fmt.Errorf("wifi lan service info: %w", ErrFrameTooShort)
	}

	pos := 0
	version, pcp := splitVersionPcp(buf[pos])
	pos++
	if version != AdvertisementVersion {
		return nil, fmt.Errorf("wifi lan service info: %w: %d", ErrInvalidVersion, version)
	}

	info := &WifiLanServiceInfo{Pcp: pcp}
	copy(info.ServiceIDHash[:], buf[pos:pos+3])
	pos += 3
	info.EndpointID = string(buf[pos : pos+EndpointIDLength])
	pos += EndpointIDLength

	infoSize := int(buf[pos])
	pos++
	if infoSize > MaxEndpointInfoLength {
		return nil, fmt.Errorf("wifi lan service info: %w", ErrEndpointInfoTooBig)
	}
	if len(buf) < pos+infoSize+1 {
		return nil, fmt.Errorf("wifi lan service info: %w", ErrFrameTooShort)
	}
	info.EndpointInfo = append([]byte(nil), buf[pos:pos+infoSize]...)
	pos += infoSize

	uwbSize := int(buf[pos])
	pos++
	if len(buf) < pos+uwbSize+1 {
		return nil, fmt.Errorf("wifi lan service info: %w", ErrFrameTooShort)
	}
	info.UWBAddress = append([]byte(nil), buf[pos:pos+uwbSize]...)
	pos += uwbSize

	info.WebRTCConnectable = buf[pos]&1 != 0
	return info, nil
}

func versionPcpByte(version uint8, pcp Pcp) byte {
	return (version&0x7)<<5 | byte(pcp)&0x1f
}

func splitVersionPcp(b byte) (uint8, Pcp) {
	return (b >> 5) & 0x7, Pcp(b & 0x1f)
}
