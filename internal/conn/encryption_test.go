package conn_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nearbycore/nearby/internal/conn"
)

type recordingListener struct {
	mu      sync.Mutex
	success *struct {
		endpointID string
		ctx        *conn.EncryptionContext
		authToken  []byte
	}
	failedEndpoint string
	done           chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{done: make(chan struct{}, 1)}
}

func (l *recordingListener) OnSuccess(endpointID string, ctx *conn.EncryptionContext, authToken, rawAuthToken []byte) {
	l.mu.Lock()
	l.success = &struct {
		endpointID string
		ctx        *conn.EncryptionContext
		authToken  []byte
	}{endpointID, ctx, authToken}
	l.mu.Unlock()
	l.done <- struct{}{}
}

func (l *recordingListener) OnFailure(endpointID string, ch conn.EndpointChannel) {
	l.mu.Lock()
	l.failedEndpoint = endpointID
	l.mu.Unlock()
	l.done <- struct{}{}
}

func TestUKEY2RunnerHandshakeSucceeds(t *testing.T) {
	t.Parallel()

	clientCh, serverCh := conn.NewLoopbackChannelPair(conn.MediumWifiLan)
	defer clientCh.Close(conn.CloseReasonLocalDisconnect)
	defer serverCh.Close(conn.CloseReasonLocalDisconnect)

	runner := conn.NewUKEY2Runner()
	clientListener := newRecordingListener()
	serverListener := newRecordingListener()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runner.StartClient(ctx, "ABCD", clientCh, clientListener)
	runner.StartServer(ctx, "WXYZ", serverCh, serverListener)

	waitForListener(t, clientListener)
	waitForListener(t, serverListener)

	if clientListener.success == nil {
		t.Fatalf("client handshake failed for endpoint %q", clientListener.failedEndpoint)
	}
	if serverListener.success == nil {
		t.Fatalf("server handshake failed for endpoint %q", serverListener.failedEndpoint)
	}

	if len(clientListener.success.authToken) == 0 || len(serverListener.success.authToken) == 0 {
		t.Fatal("expected non-empty auth tokens on both sides")
	}
	if !bytes.Equal(clientListener.success.authToken, serverListener.success.authToken) {
		t.Errorf("auth tokens differ: client %q, server %q",
			clientListener.success.authToken, serverListener.success.authToken)
	}
}

// newTestEncryptionContextPair runs a real UKEY2 handshake over a private
// loopback pair and returns the resulting client/server EncryptionContexts,
// for tests elsewhere in this package that only need negotiated contexts and
// not the handshake channel itself.
func newTestEncryptionContextPair(t *testing.T) (client, server *conn.EncryptionContext) {
	t.Helper()

	ch1, ch2 := conn.NewLoopbackChannelPair(conn.MediumWifiLan)
	defer ch1.Close(conn.CloseReasonLocalDisconnect)
	defer ch2.Close(conn.CloseReasonLocalDisconnect)

	runner := conn.NewUKEY2Runner()
	clientListener := newRecordingListener()
	serverListener := newRecordingListener()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runner.StartClient(ctx, "ABCD", ch1, clientListener)
	runner.StartServer(ctx, "WXYZ", ch2, serverListener)
	waitForListener(t, clientListener)
	waitForListener(t, serverListener)

	if clientListener.success == nil || serverListener.success == nil {
		t.Fatalf("handshake failed: client=%q server=%q", clientListener.failedEndpoint, serverListener.failedEndpoint)
	}
	return clientListener.success.ctx, serverListener.success.ctx
}

func waitForListener(t *testing.T, l *recordingListener) {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete in time")
	}
}

func TestEncryptionContextSealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	clientCh, serverCh := conn.NewLoopbackChannelPair(conn.MediumWifiLan)
	defer clientCh.Close(conn.CloseReasonLocalDisconnect)
	defer serverCh.Close(conn.CloseReasonLocalDisconnect)

	runner := conn.NewUKEY2Runner()
	clientListener := newRecordingListener()
	serverListener := newRecordingListener()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runner.StartClient(ctx, "ABCD", clientCh, clientListener)
	runner.StartServer(ctx, "WXYZ", serverCh, serverListener)
	waitForListener(t, clientListener)
	waitForListener(t, serverListener)

	clientCtx := clientListener.success.ctx
	serverCtx := serverListener.success.ctx

	plaintext := []byte("hello from the client")
	sealed, err := clientCtx.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: unexpected error: %v", err)
	}

	opened, err := serverCtx.Open(sealed)
	if err != nil {
		t.Fatalf("open: unexpected error: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("opened = %q, want %q", opened, plaintext)
	}
}

func TestEncryptionContextRejectsReplay(t *testing.T) {
	t.Parallel()

	clientCh, serverCh := conn.NewLoopbackChannelPair(conn.MediumWifiLan)
	defer clientCh.Close(conn.CloseReasonLocalDisconnect)
	defer serverCh.Close(conn.CloseReasonLocalDisconnect)

	runner := conn.NewUKEY2Runner()
	clientListener := newRecordingListener()
	serverListener := newRecordingListener()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runner.StartClient(ctx, "ABCD", clientCh, clientListener)
	runner.StartServer(ctx, "WXYZ", serverCh, serverListener)
	waitForListener(t, clientListener)
	waitForListener(t, serverListener)

	clientCtx := clientListener.success.ctx
	serverCtx := serverListener.success.ctx

	sealed, err := clientCtx.Seal([]byte("first message"))
	if err != nil {
		t.Fatalf("seal: unexpected error: %v", err)
	}
	if _, err := serverCtx.Open(sealed); err != nil {
		t.Fatalf("first open: unexpected error: %v", err)
	}

	// Replaying the same ciphertext fails because the receive counter has
	// already advanced past the nonce it was sealed under.
	if _, err := serverCtx.Open(sealed); !errors.Is(err, conn.ErrAuthenticationError) {
		t.Errorf("expected ErrAuthenticationError on replay, got %v", err)
	}
}
