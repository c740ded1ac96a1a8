// Package conn implements the Nearby Connections offline service
// controller: the medium-agnostic state machine that drives advertising,
// discovery, connection handshakes, bandwidth upgrade and payload
// transfer between two endpoints.
//
// The package treats concrete transports (Bluetooth, BLE, Wi-Fi, WebRTC)
// as external collaborators supplied through the Medium pack interfaces
// in medium.go; only an in-memory loopback medium and a TCP medium are
// provided here, for tests and for a same-host demo respectively.
package conn
