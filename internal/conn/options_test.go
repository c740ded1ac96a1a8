package conn_test

import (
	"reflect"
	"testing"

	"github.com/nearbycore/nearby/internal/conn"
)

func TestListeningOptionsAllowedMediumsPriorityOrder(t *testing.T) {
	t.Parallel()

	opts := conn.ListeningOptions{
		EnableWLANListening:      true,
		EnableBLEListening:       true,
		EnableBluetoothListening: true,
	}

	want := []conn.Medium{conn.MediumWifiLan, conn.MediumBLE, conn.MediumBLEV2, conn.MediumBluetooth}
	got := opts.AllowedMediums()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("AllowedMediums() = %v, want %v", got, want)
	}
}

func TestListeningOptionsNoneEnabled(t *testing.T) {
	t.Parallel()

	var opts conn.ListeningOptions
	if got := opts.AllowedMediums(); len(got) != 0 {
		t.Fatalf("expected no mediums, got %v", got)
	}
}

func TestListeningOptionsBluetoothOnly(t *testing.T) {
	t.Parallel()

	opts := conn.ListeningOptions{EnableBluetoothListening: true}
	want := []conn.Medium{conn.MediumBluetooth}
	if got := opts.AllowedMediums(); !reflect.DeepEqual(got, want) {
		t.Fatalf("AllowedMediums() = %v, want %v", got, want)
	}
}
