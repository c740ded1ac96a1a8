package conn

import "time"

// AdvertisingOptions configures StartAdvertising (spec.md section 6.3).
type AdvertisingOptions struct {
	Strategy                     Strategy
	AllowedMediums               []Medium
	LowPower                     bool
	EnableBluetoothListening     bool
	FastAdvertisementServiceUUID string
}

// DiscoveryOptions configures StartDiscovery (spec.md section 6.3).
type DiscoveryOptions struct {
	Strategy                     Strategy
	AllowedMediums               []Medium
	IsOutOfBandConnection        bool
	FastAdvertisementServiceUUID string
	LowPower                     bool
}

// ListeningOptions configures StartListeningForIncomingConnections
// (spec.md section 6.3).
type ListeningOptions struct {
	Strategy                 Strategy
	EnableBluetoothListening bool
	EnableBLEListening       bool
	EnableWLANListening      bool
}

// AllowedMediums derives the medium set EnableBluetoothListening/
// EnableBLEListening/EnableWLANListening select, in the fixed order Wi-Fi
// LAN, BLE, BLE v2, Bluetooth, for StartListeningForIncomingConnections'
// medium-pack lookup.
func (o ListeningOptions) AllowedMediums() []Medium {
	var out []Medium
	if o.EnableWLANListening {
		out = append(out, MediumWifiLan)
	}
	if o.EnableBLEListening {
		out = append(out, MediumBLE, MediumBLEV2)
	}
	if o.EnableBluetoothListening {
		out = append(out, MediumBluetooth)
	}
	return out
}

// ConnectionOptions configures RequestConnection (spec.md section 3's
// Connection "connection options").
type ConnectionOptions struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	AllowedMediums    []Medium
}
