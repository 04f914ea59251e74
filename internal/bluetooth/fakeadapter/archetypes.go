package fakeadapter

import (
	"fmt"
	"sort"

	"github.com/srg/bluegate/internal/bluetooth"
)

// Well-known addresses used by the preset adapters, stable so tests and demo
// scripts can refer to them.
const (
	HeartRateAddress = "AA:BB:CC:DD:EE:FF"
	GlucoseAddress   = "11:22:33:44:55:66"
	ErrorsAddress    = "BB:AA:CC:DD:EE:11"
)

// NewNotPresent scripts a machine with no Bluetooth adapter at all.
func NewNotPresent(loop *bluetooth.Loop) *Backend {
	return New(loop).NotPresent().Build()
}

// NewNotPowered scripts a present adapter that is switched off.
func NewNotPowered(loop *bluetooth.Loop) *Backend {
	return New(loop).NotPowered().Build()
}

// NewFailStartDiscovery scripts an adapter whose scans never start.
func NewFailStartDiscovery(loop *bluetooth.Loop) *Backend {
	return New(loop).
		WithStartDiscoveryError(bluetooth.NamedBackendError(bluetooth.ErrNameFailed, "start discovery failed")).
		Build()
}

// NewHeartRate scripts one heart rate monitor with the standard Generic
// Access and Heart Rate services.
func NewHeartRate(loop *bluetooth.Loop) *Backend {
	return heartRateBuilder(loop).Build()
}

func heartRateBuilder(loop *bluetooth.Loop) *Builder {
	return New(loop).
		WithPeripheral(HeartRateAddress, "Heart Rate Monitor").
		WithAdvertisedUUIDs("180d").
		WithService("1800").
		WithCharacteristic("2a00", "read", []byte("Heart Rate Monitor")).
		WithService("180d").
		WithCharacteristic("2a37", "notify", nil).
		WithCharacteristic("2a38", "read", []byte{0x01}).
		WithCharacteristic("2a39", "write", nil)
}

// NewGlucoseHeartRate scripts two peripherals: the heart rate monitor plus a
// glucose meter, for filter and chooser tests that need more than one match.
func NewGlucoseHeartRate(loop *bluetooth.Loop) *Backend {
	return heartRateBuilder(loop).
		WithPeripheral(GlucoseAddress, "Glucose Meter").
		WithAdvertisedUUIDs("1808", "1804").
		WithService("1808").
		WithCharacteristic("2a18", "notify", nil).
		WithCharacteristic("2a52", "write,indicate", nil).
		Build()
}

// NewMissingService scripts a device that advertises Heart Rate but exposes
// no such service once connected.
func NewMissingService(loop *bluetooth.Loop) *Backend {
	return New(loop).
		WithPeripheral(HeartRateAddress, "Heart Rate Monitor").
		WithAdvertisedUUIDs("180d").
		WithService("1800").
		WithCharacteristic("2a00", "read", []byte("Heart Rate Monitor")).
		Build()
}

// NewMissingCharacteristic scripts a Heart Rate service without its
// measurement characteristic.
func NewMissingCharacteristic(loop *bluetooth.Loop) *Backend {
	return New(loop).
		WithPeripheral(HeartRateAddress, "Heart Rate Monitor").
		WithAdvertisedUUIDs("180d").
		WithService("180d").
		WithCharacteristic("2a38", "read", []byte{0x01}).
		Build()
}

// NewDelayedServicesDiscovery scripts a heart rate monitor whose GATT layout
// only appears after CompleteServiceDiscovery is called.
func NewDelayedServicesDiscovery(loop *bluetooth.Loop) *Backend {
	return heartRateBuilder(loop).WithDelayedServiceDiscovery().Build()
}

// NewFailingConnections scripts a device every connect attempt to which
// fails at the link layer.
func NewFailingConnections(loop *bluetooth.Loop) *Backend {
	return New(loop).
		WithPeripheral(HeartRateAddress, "Heart Rate Monitor").
		WithAdvertisedUUIDs("180d").
		WithConnectError(bluetooth.NamedBackendError(bluetooth.ErrNameConnAttemptFailed, "connection attempt failed")).
		Build()
}

// NewFailingGATTOperations scripts a connectable device whose characteristics
// reject every read, write and subscription.
func NewFailingGATTOperations(loop *bluetooth.Loop) *Backend {
	return New(loop).
		WithPeripheral(ErrorsAddress, "Errors Device").
		WithAdvertisedUUIDs("181c").
		WithService("181c").
		WithCharacteristic("2a8a", "read,write,notify", nil).
		WithCharacteristicError(bluetooth.NamedBackendError(bluetooth.ErrNameFailed, "operation failed")).
		WithCharacteristic("2a90", "read", nil).
		WithCharacteristicError(bluetooth.NamedBackendError(bluetooth.ErrNameNotAuthorized, "insufficient authorization")).
		Build()
}

var archetypes = map[string]func(*bluetooth.Loop) *Backend{
	"not-present":          NewNotPresent,
	"not-powered":          NewNotPowered,
	"fail-start-discovery": NewFailStartDiscovery,
	"heart-rate":           NewHeartRate,
	"glucose-heart-rate":   NewGlucoseHeartRate,
	"missing-service":      NewMissingService,
	"missing-char":         NewMissingCharacteristic,
	"delayed-services":     NewDelayedServicesDiscovery,
	"failing-connections":  NewFailingConnections,
	"failing-gatt":         NewFailingGATTOperations,
}

// Archetype builds a preset backend by name, for the daemon's fake mode.
func Archetype(name string, loop *bluetooth.Loop) (*Backend, error) {
	fn, ok := archetypes[name]
	if !ok {
		return nil, fmt.Errorf("unknown fake adapter archetype %q (have %v)", name, ArchetypeNames())
	}
	return fn(loop), nil
}

// ArchetypeNames lists the available presets.
func ArchetypeNames() []string {
	names := make([]string, 0, len(archetypes))
	for name := range archetypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
