package conn

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"
)

// The UKEY2 handshake's cryptographic construction is out of scope per
// spec.md section 1 ("the core consumes it as an opaque two-party state
// machine with a known I/O contract"); EncryptionRunner below is that
// I/O contract. The concrete implementation in this file is a stand-in
// UKEY2-shaped handshake built from stdlib X25519/HKDF/AES-GCM so the
// controller has something real to drive end to end.

// -------------------------------------------------------------------------
// EncryptionContext — per-channel AEAD state (spec.md section 4.2)
// -------------------------------------------------------------------------

// EncryptionContext seals and opens frame bytes for one established
// channel using a keyed AEAD derived from the handshake, with
// monotonically increasing, never-reused, per-direction counters
// (spec.md section 4.2: "each outbound frame is replaced by
// seal(frame_bytes, monotonic_send_counter)...").
type EncryptionContext struct {
	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD
	sendCtr  atomic.Uint64
	recvCtr  atomic.Uint64
}

// newEncryptionContext derives independent send/receive AEADs from the
// shared secret, keyed by role so that the initiator's send key equals
// the responder's receive key and vice versa.
func newEncryptionContext(sharedSecret []byte, isInitiator bool) (*EncryptionContext, error) {
	initiatorKey, err := hkdfExpand(sharedSecret, []byte("nearby-initiator-key"), 32)
	if err != nil {
		return nil, err
	}
	responderKey, err := hkdfExpand(sharedSecret, []byte("nearby-responder-key"), 32)
	if err != nil {
		return nil, err
	}

	sendKey, recvKey := initiatorKey, responderKey
	if !isInitiator {
		sendKey, recvKey = responderKey, initiatorKey
	}

	sendAEAD, err := newAEAD(sendKey)
	if err != nil {
		return nil, err
	}
	recvAEAD, err := newAEAD(recvKey)
	if err != nil {
		return nil, err
	}

	return &EncryptionContext{sendAEAD: sendAEAD, recvAEAD: recvAEAD}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func hkdfExpand(secret, info []byte, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// Seal authenticates and encrypts plaintext, binding it to the current
// send counter, and advances that counter.
func (c *EncryptionContext) Seal(plaintext []byte) ([]byte, error) {
	ctr := c.sendCtr.Add(1) - 1
	nonce := counterNonce(ctr, c.sendAEAD.NonceSize())
	return c.sendAEAD.Seal(nil, nonce, plaintext, nil), nil
}

// Open verifies and decrypts ciphertext, binding it to the current
// receive counter, and advances that counter. Returns an authentication
// error if the counter or tag does not match, per spec.md section 4.2's
// requirement that counters are never reused.
func (c *EncryptionContext) Open(ciphertext []byte) ([]byte, error) {
	ctr := c.recvCtr.Add(1) - 1
	nonce := counterNonce(ctr, c.recvAEAD.NonceSize())
	plaintext, err := c.recvAEAD.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w: %w", ErrAuthenticationError, err)
	}
	return plaintext, nil
}

func counterNonce(ctr uint64, size int) []byte {
	nonce := make([]byte, size)
	binary.BigEndian.PutUint64(nonce[size-8:], ctr)
	return nonce
}

// -------------------------------------------------------------------------
// EncryptionRunner — UKEY2 front-end (spec.md section 4.5)
// -------------------------------------------------------------------------

// EncryptionResultListener receives the outcome of a handshake run,
// mirroring spec.md section 4.5's "{on_success(endpoint_id, ctx,
// auth_token, raw_auth_token), on_failure(endpoint_id, channel)}".
type EncryptionResultListener interface {
	OnSuccess(endpointID string, ctx *EncryptionContext, authToken, rawAuthToken []byte)
	OnFailure(endpointID string, ch EndpointChannel)
}

// EncryptionRunner drives the handshake as initiator or responder on an
// existing channel (spec.md section 4.5). Implementations must be safe
// to invoke from a single dedicated goroutine per endpoint; this
// package's default implementation is stateless and may be shared.
type EncryptionRunner interface {
	StartClient(ctx context.Context, endpointID string, ch EndpointChannel, listener EncryptionResultListener)
	StartServer(ctx context.Context, endpointID string, ch EndpointChannel, listener EncryptionResultListener)
}

// The two key-exchange messages travel as FrameEncryptionHandshake
// frames: a dedicated frame type whose payload is opaque handshake
// bytes, so the exchange never overloads any of the protocol's real
// frame types.

func marshalHandshakeFrame(publicKey []byte) *OfflineFrame {
	return &OfflineFrame{
		Version:             FrameVersion1,
		Type:                FrameEncryptionHandshake,
		EncryptionHandshake: &EncryptionHandshakeFrame{Message: publicKey},
	}
}

func unmarshalHandshakeFrame(f *OfflineFrame) ([]byte, error) {
	if f.Type != FrameEncryptionHandshake || f.EncryptionHandshake == nil {
		return nil, errors.New("handshake: unexpected frame")
	}
	return f.EncryptionHandshake.Message, nil
}

// ukey2Runner is the default EncryptionRunner, performing an X25519 key
// exchange over the channel and deriving the AEAD context and a
// human-verifiable auth token via HKDF, standing in for the real UKEY2
// message sequence (commitment, key exchange, key confirmation).
type ukey2Runner struct {
	curve ecdh.Curve
}

// NewUKEY2Runner returns the default stand-in EncryptionRunner.
func NewUKEY2Runner() EncryptionRunner {
	return &ukey2Runner{curve: ecdh.X25519()}
}

func (u *ukey2Runner) StartClient(ctx context.Context, endpointID string, ch EndpointChannel, listener EncryptionResultListener) {
	go u.run(ctx, endpointID, ch, listener, true)
}

func (u *ukey2Runner) StartServer(ctx context.Context, endpointID string, ch EndpointChannel, listener EncryptionResultListener) {
	go u.run(ctx, endpointID, ch, listener, false)
}

func (u *ukey2Runner) run(ctx context.Context, endpointID string, ch EndpointChannel, listener EncryptionResultListener, isInitiator bool) {
	ecCtx, authToken, rawToken, err := u.handshake(ctx, ch, isInitiator)
	if err != nil {
		listener.OnFailure(endpointID, ch)
		return
	}
	listener.OnSuccess(endpointID, ecCtx, authToken, rawToken)
}

func (u *ukey2Runner) handshake(ctx context.Context, ch EndpointChannel, isInitiator bool) (*EncryptionContext, []byte, []byte, error) {
	priv, err := u.curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate key: %w", err)
	}

	if err := ch.Write(ctx, marshalHandshakeFrame(priv.PublicKey().Bytes())); err != nil {
		return nil, nil, nil, fmt.Errorf("send public key: %w", err)
	}

	f, err := ch.Read(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive public key: %w", err)
	}
	peerKey, err := unmarshalHandshakeFrame(f)
	if err != nil {
		return nil, nil, nil, err
	}

	peerPub, err := u.curve.NewPublicKey(peerKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %w", ErrAuthenticationError, err)
	}

	sharedSecret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %w", ErrAuthenticationError, err)
	}

	ecCtx, err := newEncryptionContext(sharedSecret, isInitiator)
	if err != nil {
		return nil, nil, nil, err
	}

	rawToken, err := hkdfExpand(sharedSecret, []byte("nearby-auth-token"), 32)
	if err != nil {
		return nil, nil, nil, err
	}
	authToken := shortAuthString(rawToken)

	return ecCtx, authToken, rawToken, nil
}

// authTokenAlphabet is used to render the short, human-comparable
// out-of-band confirmation string (spec.md glossary: "Auth token").
const authTokenAlphabet = "0123456789"

// shortAuthString derives a printable decimal confirmation string from
// raw handshake key material, the way UKEY2 implementations render
// their numeric comparison code.
func shortAuthString(raw []byte) []byte {
	const digits = 6
	out := make([]byte, digits)
	for i := 0; i < digits; i++ {
		out[i] = authTokenAlphabet[int(raw[i])%len(authTokenAlphabet)]
	}
	return out
}
