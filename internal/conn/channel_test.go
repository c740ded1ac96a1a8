package conn_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/nearbycore/nearby/internal/conn"
)

func TestLoopbackChannelRoundTrip(t *testing.T) {
	t.Parallel()

	a, b := conn.NewLoopbackChannelPair(conn.MediumWifiLan)
	defer a.Close(conn.CloseReasonLocalDisconnect)
	defer b.Close(conn.CloseReasonLocalDisconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	frame := &conn.OfflineFrame{Version: conn.FrameVersion1, Type: conn.FrameKeepAlive}
	if err := a.Write(ctx, frame); err != nil {
		t.Fatalf("write: unexpected error: %v", err)
	}

	got, err := b.Read(ctx)
	if err != nil {
		t.Fatalf("read: unexpected error: %v", err)
	}
	if got.Type != conn.FrameKeepAlive {
		t.Errorf("type = %v, want %v", got.Type, conn.FrameKeepAlive)
	}
	if a.Medium() != conn.MediumWifiLan {
		t.Errorf("medium = %v, want %v", a.Medium(), conn.MediumWifiLan)
	}
}

func TestLoopbackChannelCloseUnblocksRead(t *testing.T) {
	t.Parallel()

	a, b := conn.NewLoopbackChannelPair(conn.MediumBluetooth)
	defer a.Close(conn.CloseReasonLocalDisconnect)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Read(context.Background())
		errCh <- err
	}()

	b.Close(conn.CloseReasonLocalDisconnect)

	select {
	case err := <-errCh:
		if !errors.Is(err, conn.ErrChannelClosed) {
			t.Errorf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock after close")
	}
}

func TestTCPChannelRoundTrip(t *testing.T) {
	t.Parallel()

	ln, err := conn.ListenTCP("127.0.0.1:0", conn.MediumWifiLan)
	if err != nil {
		t.Fatalf("listen: unexpected error: %v", err)
	}
	defer ln.Close()

	accepted := make(chan conn.EndpointChannel, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx, func(ch conn.EndpointChannel) { accepted <- ch })

	dialConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: unexpected error: %v", err)
	}
	client := conn.NewTCPChannel(dialConn, conn.MediumWifiLan)
	defer client.Close(conn.CloseReasonLocalDisconnect)

	var server conn.EndpointChannel
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never accepted")
	}
	defer server.Close(conn.CloseReasonLocalDisconnect)

	writeCtx, writeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer writeCancel()

	frame := &conn.OfflineFrame{
		Version: conn.FrameVersion1,
		Type:    conn.FrameDisconnection,
		Disconnection: &conn.DisconnectionFrame{
			RequestSafeToDisconnect: true,
		},
	}
	if err := client.Write(writeCtx, frame); err != nil {
		t.Fatalf("write: unexpected error: %v", err)
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	got, err := server.Read(readCtx)
	if err != nil {
		t.Fatalf("read: unexpected error: %v", err)
	}
	if got.Type != conn.FrameDisconnection || !got.Disconnection.RequestSafeToDisconnect {
		t.Errorf("got %+v, want a disconnection frame requesting safe-to-disconnect", got)
	}
}

func TestEndpointChannelManagerAddGetRelease(t *testing.T) {
	t.Parallel()

	m := conn.NewEndpointChannelManager()
	a, b := conn.NewLoopbackChannelPair(conn.MediumWifiLan)
	defer b.Close(conn.CloseReasonLocalDisconnect)

	if err := m.Add("ABCD", a); err != nil {
		t.Fatalf("add: unexpected error: %v", err)
	}
	if err := m.Add("ABCD", a); !errors.Is(err, conn.ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected on duplicate add, got %v", err)
	}

	got, ok := m.Get("ABCD")
	if !ok || got != a {
		t.Fatalf("get: expected the registered channel back")
	}

	if m.Len() != 1 {
		t.Errorf("len = %d, want 1", m.Len())
	}

	m.Release("ABCD", conn.CloseReasonUnspecified) // release the Get() ref
	m.Release("ABCD", conn.CloseReasonLocalDisconnect) // release the Add() ref, should close and remove

	if m.Len() != 0 {
		t.Errorf("len = %d, want 0 after releasing all refs", m.Len())
	}
}

func TestEndpointChannelManagerReplace(t *testing.T) {
	t.Parallel()

	m := conn.NewEndpointChannelManager()
	a1, b1 := conn.NewLoopbackChannelPair(conn.MediumBluetooth)
	defer a1.Close(conn.CloseReasonUpgraded)
	defer b1.Close(conn.CloseReasonLocalDisconnect)
	a2, b2 := conn.NewLoopbackChannelPair(conn.MediumWifiLan)
	defer b2.Close(conn.CloseReasonLocalDisconnect)

	if err := m.Add("ABCD", a1); err != nil {
		t.Fatalf("add: unexpected error: %v", err)
	}

	if err := m.Replace("ABCD", a2, true); err != nil {
		t.Fatalf("replace: unexpected error: %v", err)
	}

	got, ok := m.Get("ABCD")
	if !ok {
		t.Fatal("expected channel still registered after replace")
	}
	if got.Medium() != conn.MediumWifiLan {
		t.Errorf("medium after replace = %v, want %v", got.Medium(), conn.MediumWifiLan)
	}
	m.Release("ABCD", conn.CloseReasonUnspecified)

	// Replace does not close the old channel itself: a1 must still be
	// writable, and a1's data must still reach b1 rather than b2.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := a1.Write(ctx, &conn.OfflineFrame{Version: conn.FrameVersion1, Type: conn.FrameKeepAlive}); err != nil {
		t.Errorf("write to old channel after replace: unexpected error: %v", err)
	}
	if _, err := b1.Read(ctx); err != nil {
		t.Errorf("read from old channel after replace: unexpected error: %v", err)
	}
}

func TestEndpointChannelManagerReplaceCarriesForwardEncryptionContext(t *testing.T) {
	t.Parallel()

	m := conn.NewEndpointChannelManager()
	a1, b1 := conn.NewLoopbackChannelPair(conn.MediumBluetooth)
	defer a1.Close(conn.CloseReasonUpgraded)
	defer b1.Close(conn.CloseReasonLocalDisconnect)
	a2, b2 := conn.NewLoopbackChannelPair(conn.MediumWifiLan)
	defer a2.Close(conn.CloseReasonLocalDisconnect)
	defer b2.Close(conn.CloseReasonLocalDisconnect)

	if err := m.Add("ABCD", a1); err != nil {
		t.Fatalf("add: unexpected error: %v", err)
	}

	clientCtx, serverCtx := newTestEncryptionContextPair(t)
	if err := m.SetEncryptionContext("ABCD", clientCtx); err != nil {
		t.Fatalf("set encryption context: unexpected error: %v", err)
	}

	if err := m.Replace("ABCD", a2, true); err != nil {
		t.Fatalf("replace: unexpected error: %v", err)
	}
	got, ok := m.EncryptionContext("ABCD")
	if !ok || got != clientCtx {
		t.Fatal("expected the original encryption context to be carried forward, unchanged")
	}

	// The replacement channel works under the carried-forward context:
	// with the peer context attached to b2, a frame written on a2 reads
	// back with its real type.
	b2.SetEncryptionContext(serverCtx)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a2.Write(ctx, &conn.OfflineFrame{Version: conn.FrameVersion1, Type: conn.FrameKeepAlive}); err != nil {
		t.Fatalf("write: unexpected error: %v", err)
	}
	got2, err := b2.Read(ctx)
	if err != nil {
		t.Fatalf("read: unexpected error: %v", err)
	}
	if got2.Type != conn.FrameKeepAlive {
		t.Errorf("type after open = %v, want %v", got2.Type, conn.FrameKeepAlive)
	}

	// A second SetEncryptionContext call must be a no-op: the original
	// context is never replaced once attached.
	other, _ := newTestEncryptionContextPair(t)
	if err := m.SetEncryptionContext("ABCD", other); err != nil {
		t.Fatalf("set encryption context again: unexpected error: %v", err)
	}
	got3, _ := m.EncryptionContext("ABCD")
	if got3 != clientCtx {
		t.Error("expected the second SetEncryptionContext call to be ignored")
	}
}

func TestEndpointChannelManagerReplaceUnknownEndpoint(t *testing.T) {
	t.Parallel()

	m := conn.NewEndpointChannelManager()
	a, b := conn.NewLoopbackChannelPair(conn.MediumWifiLan)
	defer a.Close(conn.CloseReasonLocalDisconnect)
	defer b.Close(conn.CloseReasonLocalDisconnect)

	if err := m.Replace("ZZZZ", a, false); !errors.Is(err, conn.ErrEndpointUnknown) {
		t.Errorf("expected ErrEndpointUnknown, got %v", err)
	}
}

func TestEndpointChannelManagerRemove(t *testing.T) {
	t.Parallel()

	m := conn.NewEndpointChannelManager()
	a, b := conn.NewLoopbackChannelPair(conn.MediumWifiLan)
	defer b.Close(conn.CloseReasonLocalDisconnect)

	if err := m.Add("ABCD", a); err != nil {
		t.Fatalf("add: unexpected error: %v", err)
	}
	_, _ = m.Get("ABCD") // extra ref, Remove should ignore refcount

	m.Remove("ABCD", conn.CloseReasonLocalDisconnect)

	if m.Len() != 0 {
		t.Errorf("len = %d, want 0 after Remove", m.Len())
	}
}
