package conn_test

import (
	"errors"
	"testing"
	"time"

	"github.com/nearbycore/nearby/internal/conn"
)

func newTestClientProxy(t *testing.T) *conn.ClientProxy {
	t.Helper()
	c, err := conn.NewClientProxy(conn.LocalEndpointInfo{Name: "test-device"})
	if err != nil {
		t.Fatalf("NewClientProxy: unexpected error: %v", err)
	}
	return c
}

func TestNewClientProxyAssignsEndpointID(t *testing.T) {
	t.Parallel()

	c := newTestClientProxy(t)
	if len(c.LocalEndpointID()) != conn.EndpointIDLength {
		t.Errorf("local endpoint id length = %d, want %d", len(c.LocalEndpointID()), conn.EndpointIDLength)
	}
	if string(c.LocalInfo().Info) != "test-device" {
		t.Errorf("local info = %q, want %q", c.LocalInfo().Info, "test-device")
	}
}

func TestClientProxyAdvertisingLifecycle(t *testing.T) {
	t.Parallel()

	c := newTestClientProxy(t)

	if c.IsAdvertising() {
		t.Fatal("new client should not be advertising")
	}
	if err := c.StartAdvertising("svc", conn.StrategyCluster); err != nil {
		t.Fatalf("start advertising: unexpected error: %v", err)
	}
	if !c.IsAdvertising() {
		t.Error("expected IsAdvertising true after StartAdvertising")
	}
	if err := c.StartAdvertising("svc", conn.StrategyCluster); !errors.Is(err, conn.ErrAlreadyAdvertising) {
		t.Errorf("expected ErrAlreadyAdvertising on double start, got %v", err)
	}

	c.StopAdvertising()
	if c.IsAdvertising() {
		t.Error("expected IsAdvertising false after StopAdvertising")
	}
	if err := c.StartAdvertising("svc", conn.StrategyCluster); err != nil {
		t.Errorf("restart advertising after stop: unexpected error: %v", err)
	}
}

func TestClientProxyDiscoveryLifecycle(t *testing.T) {
	t.Parallel()

	c := newTestClientProxy(t)

	if err := c.StartDiscovery("svc", conn.StrategyStar); err != nil {
		t.Fatalf("start discovery: unexpected error: %v", err)
	}
	if err := c.StartDiscovery("svc", conn.StrategyStar); !errors.Is(err, conn.ErrAlreadyDiscovering) {
		t.Errorf("expected ErrAlreadyDiscovering, got %v", err)
	}

	isNew := c.OnEndpointFound(conn.DiscoveredEndpoint{EndpointID: "ABCD", ServiceID: "svc"})
	if !isNew {
		t.Error("expected first sighting to be new")
	}
	isNew = c.OnEndpointFound(conn.DiscoveredEndpoint{EndpointID: "ABCD", ServiceID: "svc"})
	if isNew {
		t.Error("expected second sighting of same endpoint to not be new")
	}

	if got := c.DiscoveredEndpoints(); len(got) != 1 {
		t.Fatalf("discovered endpoints = %d, want 1", len(got))
	}

	c.OnEndpointLost("ABCD")
	if got := c.DiscoveredEndpoints(); len(got) != 0 {
		t.Errorf("discovered endpoints after lost = %d, want 0", len(got))
	}

	c.StopDiscovery()
	if c.IsDiscovering() {
		t.Error("expected IsDiscovering false after StopDiscovery")
	}
}

func TestClientProxyPendingToConnectedLifecycle(t *testing.T) {
	t.Parallel()

	c := newTestClientProxy(t)

	pending := &conn.PendingConnection{EndpointID: "WXYZ", Nonce: 42, IsIncoming: false}
	if err := c.AddPendingConnection(pending); err != nil {
		t.Fatalf("add pending: unexpected error: %v", err)
	}
	if err := c.AddPendingConnection(pending); !errors.Is(err, conn.ErrOutOfOrderAPICall) {
		t.Errorf("expected ErrOutOfOrderAPICall on duplicate pending, got %v", err)
	}

	got, ok := c.PendingConnection("WXYZ")
	if !ok || got.Nonce != 42 {
		t.Fatalf("pending connection not found or wrong nonce: %+v", got)
	}

	connection := &conn.Connection{EndpointID: "WXYZ", Medium: conn.MediumWifiLan}
	if err := c.PromoteToConnected("WXYZ", connection); err != nil {
		t.Fatalf("promote: unexpected error: %v", err)
	}

	if _, ok := c.PendingConnection("WXYZ"); ok {
		t.Error("expected pending entry removed after promotion")
	}
	if _, ok := c.Connection("WXYZ"); !ok {
		t.Error("expected connection present after promotion")
	}

	if err := c.AddPendingConnection(pending); !errors.Is(err, conn.ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected for already-connected endpoint, got %v", err)
	}

	if err := c.OnDisconnected("WXYZ"); err != nil {
		t.Fatalf("disconnect: unexpected error: %v", err)
	}
	if err := c.OnDisconnected("WXYZ"); !errors.Is(err, conn.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected on double disconnect, got %v", err)
	}
}

func TestClientProxyPromoteWithoutPendingFails(t *testing.T) {
	t.Parallel()

	c := newTestClientProxy(t)
	err := c.PromoteToConnected("NOPE", &conn.Connection{EndpointID: "NOPE"})
	if !errors.Is(err, conn.ErrOutOfOrderAPICall) {
		t.Errorf("expected ErrOutOfOrderAPICall, got %v", err)
	}
}

func TestClientProxyCancelPendingConnection(t *testing.T) {
	t.Parallel()

	c := newTestClientProxy(t)
	pending := &conn.PendingConnection{EndpointID: "ABCD"}
	if err := c.AddPendingConnection(pending); err != nil {
		t.Fatalf("add pending: unexpected error: %v", err)
	}

	c.CancelPendingConnection("ABCD")
	if _, ok := c.PendingConnection("ABCD"); ok {
		t.Error("expected pending connection removed after cancel")
	}
	// Re-adding should succeed now that it's canceled.
	if err := c.AddPendingConnection(pending); err != nil {
		t.Errorf("re-add after cancel: unexpected error: %v", err)
	}
}

func TestWithKeepAliveOption(t *testing.T) {
	t.Parallel()

	c, err := conn.NewClientProxy(
		conn.LocalEndpointInfo{Name: "device"},
		conn.WithKeepAlive(1*time.Second, 10*time.Second),
	)
	if err != nil {
		t.Fatalf("NewClientProxy: unexpected error: %v", err)
	}
	interval, timeout := c.KeepAliveParams()
	if interval != 1*time.Second || timeout != 10*time.Second {
		t.Errorf("keep-alive params = (%v, %v), want (1s, 10s)", interval, timeout)
	}
}

func TestWithEndpointIDAllocatorOption(t *testing.T) {
	t.Parallel()

	alloc := conn.NewEndpointIDAllocator()
	c, err := conn.NewClientProxy(
		conn.LocalEndpointInfo{Name: "device"},
		conn.WithEndpointIDAllocator(alloc),
	)
	if err != nil {
		t.Fatalf("NewClientProxy: unexpected error: %v", err)
	}
	if !alloc.IsAllocated(c.LocalEndpointID()) {
		t.Error("expected the injected allocator to have allocated the local endpoint id")
	}
}
