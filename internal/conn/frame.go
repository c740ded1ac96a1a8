package conn

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// FrameType tags the v1 sub-union of OfflineFrame (spec.md section 6.1).
type FrameType uint8

const (
	FrameUnknown FrameType = iota
	FrameConnectionRequest
	FrameConnectionResponse
	FrameDisconnection
	FramePayloadTransfer
	FrameKeepAlive
	FrameBandwidthUpgradeNegotiation
	FrameAutoReconnect
	FrameEncryptedEnvelope
	FrameEncryptionHandshake
)

func (t FrameType) String() string {
	switch t {
	case FrameConnectionRequest:
		return "CONNECTION_REQUEST"
	case FrameConnectionResponse:
		return "CONNECTION_RESPONSE"
	case FrameDisconnection:
		return "DISCONNECTION"
	case FramePayloadTransfer:
		return "PAYLOAD_TRANSFER"
	case FrameKeepAlive:
		return "KEEP_ALIVE"
	case FrameBandwidthUpgradeNegotiation:
		return "BANDWIDTH_UPGRADE_NEGOTIATION"
	case FrameAutoReconnect:
		return "AUTO_RECONNECT"
	case FrameEncryptedEnvelope:
		return "ENCRYPTED_ENVELOPE"
	case FrameEncryptionHandshake:
		return "ENCRYPTION_HANDSHAKE"
	default:
		return "UNKNOWN"
	}
}

// FrameVersion1 is the only wire version this codec understands (spec.md
// section 6.2: "Version is currently 1; other values rejected").
const FrameVersion1 uint32 = 1

// WifiCapability carries the ConnectionRequestFrame's wifi sub-message.
type WifiCapability struct {
	Supports5GHz bool
	BSSID        string
	APFrequency  int32
	IPAddress    []byte
}

// ConnectionRequestFrame is CONNECTION_REQUEST (spec.md section 6.1).
// ConnectionToken is the 8-hex-character hash both sides compute over
// the pair of endpoint ids (spec.md section 4.3.3 step 4).
type ConnectionRequestFrame struct {
	EndpointID              string
	EndpointInfo            []byte
	Nonce                   uint32
	ConnectionToken         string
	SupportedMediums        []Medium
	Wifi                    WifiCapability
	KeepAliveIntervalMillis int32
	KeepAliveTimeoutMillis  int32
	OSInfo                  string
	SafeToDisconnectVersion int32
	MultiplexSocketBitmask  uint32
}

// ConnectionResponseFrame is CONNECTION_RESPONSE.
type ConnectionResponseFrame struct {
	Accept                  bool
	OSInfo                  string
	SafeToDisconnectVersion int32
	MultiplexSocketBitmask  uint32
}

// DisconnectionFrame is DISCONNECTION.
type DisconnectionFrame struct {
	RequestSafeToDisconnect bool
	AckSafeToDisconnect     bool
}

// PayloadTransferEvent tags a PAYLOAD_TRANSFER control sub-message.
type PayloadTransferEvent uint8

const (
	PayloadEventData PayloadTransferEvent = iota
	PayloadEventCancel
	PayloadEventPause
	PayloadEventResume
	PayloadEventReceivedAck
	PayloadEventError
)

// PayloadHeader describes a payload transfer's metadata.
type PayloadHeader struct {
	ID           int64
	Type         PayloadType
	TotalSize    int64
	ParentFolder string
	FileName     string
}

// PayloadChunk is one data-carrying fragment of a payload.
type PayloadChunk struct {
	Offset int64
	Last   bool
	Body   []byte
}

// PayloadControl is a control sub-message (CANCEL/PAUSE/RESUME/ACK/ERROR).
type PayloadControl struct {
	Event  PayloadTransferEvent
	Offset int64
}

// PayloadTransferFrame is PAYLOAD_TRANSFER. Exactly one of Chunk/Control
// is set.
type PayloadTransferFrame struct {
	Header  PayloadHeader
	Chunk   *PayloadChunk
	Control *PayloadControl
}

// BwuEvent tags a BANDWIDTH_UPGRADE_NEGOTIATION sub-message.
type BwuEvent uint8

const (
	BwuUpgradePathAvailable BwuEvent = iota
	BwuClientIntroduction
	BwuClientIntroductionAck
	BwuLastWriteToPriorChannel
	BwuSafeToClosePriorChannel
	BwuUpgradeFailure
)

// UpgradePathInfo describes how to reach the new medium (spec.md section
// 4.6 step 2). Credentials is an opaque per-medium string (e.g.
// "host:port" for a TCP-backed medium).
type UpgradePathInfo struct {
	Medium      Medium
	Credentials string
}

// ClientIntroduction is the CLIENT_INTRODUCTION sub-message.
type ClientIntroduction struct {
	EndpointID                  string
	SupportsDisablingEncryption bool
}

// BwuNegotiationFrame is BANDWIDTH_UPGRADE_NEGOTIATION.
type BwuNegotiationFrame struct {
	Event              BwuEvent
	UpgradePathInfo    *UpgradePathInfo
	ClientIntroduction *ClientIntroduction
}

// ReconnectPhase tags an AUTO_RECONNECT sub-message.
type ReconnectPhase uint8

const (
	ReconnectIntro ReconnectPhase = iota
	ReconnectIntroAck
	ReconnectDisconnect
)

// AutoReconnectFrame is AUTO_RECONNECT.
type AutoReconnectFrame struct {
	EndpointID string
	Phase      ReconnectPhase
}

// EncryptedEnvelopeFrame wraps an entire marshaled OfflineFrame, sealed
// under the endpoint's EncryptionContext (spec.md section 3: channels
// carry "set_encryption_context(ctx)"; once attached, every subsequent
// frame on the channel travels inside one of these). Ciphertext is
// EncryptionContext.Seal's output; the opened plaintext re-enters
// UnmarshalOfflineFrame to recover the real frame.
type EncryptedEnvelopeFrame struct {
	Ciphertext []byte
}

// EncryptionHandshakeFrame carries one opaque message of the
// pre-encryption key-exchange run by EncryptionRunner (spec.md section
// 4.5). It is the only frame type that legitimately travels in
// plaintext after CONNECTION_REQUEST: the exchange happens before an
// EncryptionContext exists, and its contents are defined entirely by
// the handshake implementation.
type EncryptionHandshakeFrame struct {
	Message []byte
}

// OfflineFrame is the top-level tagged union carried on every
// EndpointChannel (spec.md section 6.1).
type OfflineFrame struct {
	Version             uint32
	Type                FrameType
	ConnectionRequest   *ConnectionRequestFrame
	ConnectionResponse  *ConnectionResponseFrame
	Disconnection       *DisconnectionFrame
	PayloadTransfer     *PayloadTransferFrame
	BandwidthUpgrade    *BwuNegotiationFrame
	AutoReconnect       *AutoReconnectFrame
	EncryptedEnvelope   *EncryptedEnvelopeFrame
	EncryptionHandshake *EncryptionHandshakeFrame
}

// framePool recycles marshal buffers, mirroring packet.go's PacketPool.
var framePool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 512)
		return &buf
	},
}

func getFrameBuf() *[]byte { return framePool.Get().(*[]byte) }

func putFrameBuf(buf *[]byte) {
	*buf = (*buf)[:0]
	framePool.Put(buf)
}

type frameWriter struct{ buf []byte }

func (w *frameWriter) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *frameWriter) boolb(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *frameWriter) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *frameWriter) i32(v int32) { w.u32(uint32(v)) }

func (w *frameWriter) u64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *frameWriter) i64(v int64) { w.u64(uint64(v)) }

func (w *frameWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *frameWriter) str(s string) { w.bytes([]byte(s)) }

type frameReader struct {
	buf []byte
	pos int
}

func (r *frameReader) remaining() int { return len(r.buf) - r.pos }

func (r *frameReader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, ErrFrameTooShort
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *frameReader) boolb() (bool, error) {
	v, err := r.u8()
	return v != 0, err
}

func (r *frameReader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrFrameTooShort
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *frameReader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *frameReader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, ErrFrameTooShort
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *frameReader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *frameReader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > 0 && r.remaining() < int(n) {
		return nil, ErrFrameTooShort
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}

func (r *frameReader) str() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

// MarshalOfflineFrame encodes f using a manual big-endian layout. The
// internal encoding of OfflineFrame is out of scope per spec.md section
// 1 ("Frame wire encoding itself ... assumed to be a stable tagged-union
// schema"); only the tags and fields named in section 6.1 are honored.
func MarshalOfflineFrame(f *OfflineFrame) ([]byte, error) {
	bufp := getFrameBuf()
	defer putFrameBuf(bufp)

	w := &frameWriter{buf: (*bufp)[:0]}
	w.u32(f.Version)
	w.u8(uint8(f.Type))

	switch f.Type {
	case FrameConnectionRequest:
		cr := f.ConnectionRequest
		if cr == nil {
			return nil, fmt.Errorf("marshal %s: missing payload", f.Type)
		}
		w.str(cr.EndpointID)
		w.bytes(cr.EndpointInfo)
		w.u32(cr.Nonce)
		w.str(cr.ConnectionToken)
		w.u8(uint8(len(cr.SupportedMediums)))
		for _, m := range cr.SupportedMediums {
			w.u8(uint8(m))
		}
		w.boolb(cr.Wifi.Supports5GHz)
		w.str(cr.Wifi.BSSID)
		w.i32(cr.Wifi.APFrequency)
		w.bytes(cr.Wifi.IPAddress)
		w.i32(cr.KeepAliveIntervalMillis)
		w.i32(cr.KeepAliveTimeoutMillis)
		w.str(cr.OSInfo)
		w.i32(cr.SafeToDisconnectVersion)
		w.u32(cr.MultiplexSocketBitmask)

	case FrameConnectionResponse:
		resp := f.ConnectionResponse
		if resp == nil {
			return nil, fmt.Errorf("marshal %s: missing payload", f.Type)
		}
		w.boolb(resp.Accept)
		w.str(resp.OSInfo)
		w.i32(resp.SafeToDisconnectVersion)
		w.u32(resp.MultiplexSocketBitmask)

	case FrameDisconnection:
		d := f.Disconnection
		if d == nil {
			return nil, fmt.Errorf("marshal %s: missing payload", f.Type)
		}
		w.boolb(d.RequestSafeToDisconnect)
		w.boolb(d.AckSafeToDisconnect)

	case FramePayloadTransfer:
		pt := f.PayloadTransfer
		if pt == nil {
			return nil, fmt.Errorf("marshal %s: missing payload", f.Type)
		}
		w.i64(pt.Header.ID)
		w.u8(uint8(pt.Header.Type))
		w.i64(pt.Header.TotalSize)
		w.str(pt.Header.ParentFolder)
		w.str(pt.Header.FileName)
		switch {
		case pt.Chunk != nil:
			w.u8(1)
			w.i64(pt.Chunk.Offset)
			w.boolb(pt.Chunk.Last)
			w.bytes(pt.Chunk.Body)
		case pt.Control != nil:
			w.u8(0)
			w.u8(uint8(pt.Control.Event))
			w.i64(pt.Control.Offset)
		default:
			return nil, fmt.Errorf("marshal %s: neither chunk nor control set", f.Type)
		}

	case FrameKeepAlive:
		// no payload

	case FrameBandwidthUpgradeNegotiation:
		bu := f.BandwidthUpgrade
		if bu == nil {
			return nil, fmt.Errorf("marshal %s: missing payload", f.Type)
		}
		w.u8(uint8(bu.Event))
		if bu.UpgradePathInfo != nil {
			w.u8(1)
			w.u8(uint8(bu.UpgradePathInfo.Medium))
			w.str(bu.UpgradePathInfo.Credentials)
		} else {
			w.u8(0)
		}
		if bu.ClientIntroduction != nil {
			w.u8(1)
			w.str(bu.ClientIntroduction.EndpointID)
			w.boolb(bu.ClientIntroduction.SupportsDisablingEncryption)
		} else {
			w.u8(0)
		}

	case FrameAutoReconnect:
		ar := f.AutoReconnect
		if ar == nil {
			return nil, fmt.Errorf("marshal %s: missing payload", f.Type)
		}
		w.str(ar.EndpointID)
		w.u8(uint8(ar.Phase))

	case FrameEncryptedEnvelope:
		ee := f.EncryptedEnvelope
		if ee == nil {
			return nil, fmt.Errorf("marshal %s: missing payload", f.Type)
		}
		w.bytes(ee.Ciphertext)

	case FrameEncryptionHandshake:
		eh := f.EncryptionHandshake
		if eh == nil {
			return nil, fmt.Errorf("marshal %s: missing payload", f.Type)
		}
		w.bytes(eh.Message)

	default:
		return nil, fmt.Errorf("marshal: %w: %d", ErrInvalidFrameType, f.Type)
	}

	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out, nil
}

// UnmarshalOfflineFrame parses the wire layout produced by
// MarshalOfflineFrame. Unknown frame_type terminates with
// ErrInvalidFrameType, per spec.md section 6.1.
func UnmarshalOfflineFrame(buf []byte) (*OfflineFrame, error) {
	r := &frameReader{buf: buf}

	version, err := r.u32()
	if err != nil {
		return nil, fmt.Errorf("unmarshal version: %w", err)
	}
	if version != FrameVersion1 {
		return nil, fmt.Errorf("unmarshal: %w: %d", ErrInvalidVersion, version)
	}

	typeByte, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("unmarshal frame_type: %w", err)
	}

	f := &OfflineFrame{Version: version, Type: FrameType(typeByte)}

	switch f.Type {
	case FrameConnectionRequest:
		cr := &ConnectionRequestFrame{}
		if cr.EndpointID, err = r.str(); err != nil {
			return nil, err
		}
		if cr.EndpointInfo, err = r.bytes(); err != nil {
			return nil, err
		}
		if len(cr.EndpointInfo) > MaxEndpointInfoLength {
			return nil, fmt.Errorf("unmarshal %s: %w", f.Type, ErrEndpointInfoTooBig)
		}
		if cr.Nonce, err = r.u32(); err != nil {
			return nil, err
		}
		if cr.ConnectionToken, err = r.str(); err != nil {
			return nil, err
		}
		mediumCount, err := r.u8()
		if err != nil {
			return nil, err
		}
		cr.SupportedMediums = make([]Medium, mediumCount)
		for i := range cr.SupportedMediums {
			mb, err := r.u8()
			if err != nil {
				return nil, err
			}
			cr.SupportedMediums[i] = Medium(mb)
		}
		if cr.Wifi.Supports5GHz, err = r.boolb(); err != nil {
			return nil, err
		}
		if cr.Wifi.BSSID, err = r.str(); err != nil {
			return nil, err
		}
		if cr.Wifi.APFrequency, err = r.i32(); err != nil {
			return nil, err
		}
		if cr.Wifi.IPAddress, err = r.bytes(); err != nil {
			return nil, err
		}
		if cr.KeepAliveIntervalMillis, err = r.i32(); err != nil {
			return nil, err
		}
		if cr.KeepAliveTimeoutMillis, err = r.i32(); err != nil {
			return nil, err
		}
		if cr.OSInfo, err = r.str(); err != nil {
			return nil, err
		}
		if cr.SafeToDisconnectVersion, err = r.i32(); err != nil {
			return nil, err
		}
		if cr.MultiplexSocketBitmask, err = r.u32(); err != nil {
			return nil, err
		}
		f.ConnectionRequest = cr

	case FrameConnectionResponse:
		resp := &ConnectionResponseFrame{}
		if resp.Accept, err = r.boolb(); err != nil {
			return nil, err
		}
		if resp.OSInfo, err = r.str(); err != nil {
			return nil, err
		}
		if resp.SafeToDisconnectVersion, err = r.i32(); err != nil {
			return nil, err
		}
		if resp.MultiplexSocketBitmask, err = r.u32(); err != nil {
			return nil, err
		}
		f.ConnectionResponse = resp

	case FrameDisconnection:
		d := &DisconnectionFrame{}
		if d.RequestSafeToDisconnect, err = r.boolb(); err != nil {
			return nil, err
		}
		if d.AckSafeToDisconnect, err = r.boolb(); err != nil {
			return nil, err
		}
		f.Disconnection = d

	case FramePayloadTransfer:
		pt := &PayloadTransferFrame{}
		if pt.Header.ID, err = r.i64(); err != nil {
			return nil, err
		}
		typ, err := r.u8()
		if err != nil {
			return nil, err
		}
		pt.Header.Type = PayloadType(typ)
		if pt.Header.TotalSize, err = r.i64(); err != nil {
			return nil, err
		}
		if pt.Header.ParentFolder, err = r.str(); err != nil {
			return nil, err
		}
		if pt.Header.FileName, err = r.str(); err != nil {
			return nil, err
		}
		isChunk, err := r.u8()
		if err != nil {
			return nil, err
		}
		if isChunk == 1 {
			chunk := &PayloadChunk{}
			if chunk.Offset, err = r.i64(); err != nil {
				return nil, err
			}
			if chunk.Last, err = r.boolb(); err != nil {
				return nil, err
			}
			if chunk.Body, err = r.bytes(); err != nil {
				return nil, err
			}
			pt.Chunk = chunk
		} else {
			ctrl := &PayloadControl{}
			evt, err := r.u8()
			if err != nil {
				return nil, err
			}
			ctrl.Event = PayloadTransferEvent(evt)
			if ctrl.Offset, err = r.i64(); err != nil {
				return nil, err
			}
			pt.Control = ctrl
		}
		f.PayloadTransfer = pt

	case FrameKeepAlive:
		// no payload

	case FrameBandwidthUpgradeNegotiation:
		bu := &BwuNegotiationFrame{}
		evt, err := r.u8()
		if err != nil {
			return nil, err
		}
		bu.Event = BwuEvent(evt)
		hasPath, err := r.u8()
		if err != nil {
			return nil, err
		}
		if hasPath == 1 {
			upi := &UpgradePathInfo{}
			mb, err := r.u8()
			if err != nil {
				return nil, err
			}
			upi.Medium = Medium(mb)
			if upi.Credentials, err = r.str(); err != nil {
				return nil, err
			}
			bu.UpgradePathInfo = upi
		}
		hasIntro, err := r.u8()
		if err != nil {
			return nil, err
		}
		if hasIntro == 1 {
			ci := &ClientIntroduction{}
			if ci.EndpointID, err = r.str(); err != nil {
				return nil, err
			}
			if ci.SupportsDisablingEncryption, err = r.boolb(); err != nil {
				return nil, err
			}
			bu.ClientIntroduction = ci
		}
		f.BandwidthUpgrade = bu

	case FrameAutoReconnect:
		ar := &AutoReconnectFrame{}
		if ar.EndpointID, err = r.str(); err != nil {
			return nil, err
		}
		phase, err := r.u8()
		if err != nil {
			return nil, err
		}
		ar.Phase = ReconnectPhase(phase)
		f.AutoReconnect = ar

	case FrameEncryptedEnvelope:
		ee := &EncryptedEnvelopeFrame{}
		if ee.Ciphertext, err = r.bytes(); err != nil {
			return nil, err
		}
		f.EncryptedEnvelope = ee

	case FrameEncryptionHandshake:
		eh := &EncryptionHandshakeFrame{}
		if eh.Message, err = r.bytes(); err != nil {
			return nil, err
		}
		f.EncryptionHandshake = eh

	default:
		return nil, fmt.Errorf("unmarshal: %w: %d", ErrInvalidFrameType, f.Type)
	}

	return f, nil
}
