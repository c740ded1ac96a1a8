package conn_test

import (
	"context"
	"testing"
	"time"

	"github.com/nearbycore/nearby/internal/conn"
)

// controllerPairConnector hands the accepting side of a loopback pair to
// whatever onAccept does with it, standing in for a real medium driver
// the way pairConnector does for BasePcpHandler directly in pcp_test.go.
type controllerPairConnector struct {
	medium   conn.Medium
	onAccept func(ch conn.EndpointChannel)
}

func (c *controllerPairConnector) Medium() conn.Medium { return c.medium }

func (c *controllerPairConnector) Connect(ctx context.Context, target conn.DiscoveredEndpoint) (conn.EndpointChannel, error) {
	client, server := conn.NewLoopbackChannelPair(c.medium)
	go c.onAccept(server)
	return client, nil
}

type fakePayloadListener struct{}

func (fakePayloadListener) OnPayloadReceived(endpointID string, header conn.PayloadHeader, payload conn.ReceivedPayload) {
}
func (fakePayloadListener) OnPayloadProgress(endpointID string, p conn.PayloadProgress) {}

// setupControllerPeers wires two Controllers, a (dialing) and b
// (accepting), over a fakeAcceptor/controllerPairConnector pair standing
// in for a real Wi-Fi LAN medium.
func setupControllerPeers(t *testing.T) (ctrlA, ctrlB *conn.Controller, a, b *conn.ClientProxy) {
	t.Helper()

	bAcceptor := &fakeAcceptor{medium: conn.MediumWifiLan}
	ctrlB = conn.NewController(conn.ControllerConfig{Acceptors: []conn.MediumAcceptor{bAcceptor}})

	connector := &controllerPairConnector{medium: conn.MediumWifiLan}
	connector.onAccept = func(ch conn.EndpointChannel) {
		bAcceptor.onIncoming(ch)
	}
	ctrlA = conn.NewController(conn.ControllerConfig{Connectors: []conn.MediumConnector{connector}})

	var err error
	a, err = ctrlA.NewClient(conn.StrategyCluster, conn.LocalEndpointInfo{Name: "host-a"})
	if err != nil {
		t.Fatalf("NewClient(a): %v", err)
	}
	b, err = ctrlB.NewClient(conn.StrategyCluster, conn.LocalEndpointInfo{Name: "host-b"})
	if err != nil {
		t.Fatalf("NewClient(b): %v", err)
	}

	status, _, err := ctrlB.StartListeningForIncomingConnections(context.Background(), b, "service", conn.ListeningOptions{EnableWLANListening: true})
	if err != nil || status != conn.StatusSuccess {
		t.Fatalf("StartListeningForIncomingConnections: status=%v err=%v", status, err)
	}

	return ctrlA, ctrlB, a, b
}

func TestControllerHappyPathConnect(t *testing.T) {
	t.Parallel()

	ctrlA, ctrlB, a, b := setupControllerPeers(t)
	defer ctrlA.Close()
	defer ctrlB.Close()

	a.OnEndpointFound(conn.DiscoveredEndpoint{
		EndpointID: b.LocalEndpointID(),
		ServiceID:  "service",
		Medium:     conn.MediumWifiLan,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aListener := newRecordingConnListener()
	status, err := ctrlA.RequestConnection(ctx, a, b.LocalEndpointID(), []byte("endpoint_name"), conn.ConnectionOptions{}, aListener)
	if err != nil || status != conn.StatusSuccess {
		t.Fatalf("RequestConnection: status=%v err=%v", status, err)
	}

	aListener.waitFor(t, func() bool { return len(aListener.initiated) == 1 })

	if _, err := ctrlA.AcceptConnection(a, b.LocalEndpointID(), fakePayloadListener{}); err != nil {
		t.Fatalf("AcceptConnection(a): %v", err)
	}
	if _, err := ctrlB.AcceptConnection(b, a.LocalEndpointID(), fakePayloadListener{}); err != nil {
		t.Fatalf("AcceptConnection(b): %v", err)
	}

	aListener.waitFor(t, func() bool { return len(aListener.accepted) == 1 })

	if _, ok := a.Connection(b.LocalEndpointID()); !ok {
		t.Error("a does not see an established connection to b")
	}
}

func TestControllerRejectedConnection(t *testing.T) {
	t.Parallel()

	ctrlA, ctrlB, a, b := setupControllerPeers(t)
	defer ctrlA.Close()
	defer ctrlB.Close()

	a.OnEndpointFound(conn.DiscoveredEndpoint{
		EndpointID: b.LocalEndpointID(),
		ServiceID:  "service",
		Medium:     conn.MediumWifiLan,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aListener := newRecordingConnListener()
	status, err := ctrlA.RequestConnection(ctx, a, b.LocalEndpointID(), []byte("endpoint_name"), conn.ConnectionOptions{}, aListener)
	if err != nil || status != conn.StatusSuccess {
		t.Fatalf("RequestConnection: status=%v err=%v", status, err)
	}

	aListener.waitFor(t, func() bool { return len(aListener.initiated) == 1 })

	if _, err := ctrlB.RejectConnection(b, a.LocalEndpointID()); err != nil {
		t.Fatalf("RejectConnection(b): %v", err)
	}

	aListener.waitFor(t, func() bool {
		status, ok := aListener.rejected[b.LocalEndpointID()]
		return ok && status == conn.StatusConnectionRejected
	})

	if _, ok := a.Connection(b.LocalEndpointID()); ok {
		t.Error("a should not have an established connection after rejection")
	}
}

func TestControllerOutOfOrderAPICall(t *testing.T) {
	t.Parallel()

	ctrl := conn.NewController(conn.ControllerConfig{})
	defer ctrl.Close()

	cp, err := conn.NewClientProxy(conn.LocalEndpointInfo{Name: "host"})
	if err != nil {
		t.Fatalf("NewClientProxy: %v", err)
	}

	// cp was never created via ctrl.NewClient, so it has no bound handler.
	if _, err := ctrl.RejectConnection(cp, "abcd"); err == nil {
		t.Fatal("expected ErrOutOfOrderAPICall for an unbound ClientProxy")
	}
}
