package bluetooth

import (
	"github.com/sirupsen/logrus"
)

// Device is one remote Bluetooth device owned by the AdapterManager's
// registry. All fields are loop-confined; nothing here locks.
//
// GATT connectivity is reference counted through GattConnection handles:
// the device is considered GATT-connected while at least one handle is valid
// or a connect attempt is in flight, and the backend link is torn down when
// the last valid handle disconnects.
type Device struct {
	log     *logrus.Logger
	loop    *Loop
	backend AdapterBackend

	address     string
	name        string
	class       uint32
	rssi        int16
	paired      bool
	connected   bool
	connectable bool
	trusted     bool
	advertised  UUIDSet

	gatt *AttributeCache

	connectPending bool
	pendingOK      []func(*GattConnection)
	pendingFail    []func(error)
	connections    map[*GattConnection]struct{}
	removed        bool
}

func newDevice(loop *Loop, backend AdapterBackend, logger *logrus.Logger, info DeviceInfo) *Device {
	d := &Device{
		log:         logger,
		loop:        loop,
		backend:     backend,
		address:     info.Address,
		connected:   info.Connected,
		gatt:        NewAttributeCache(),
		connections: make(map[*GattConnection]struct{}),
	}
	d.applyInfo(info)
	return d
}

// applyInfo folds a backend snapshot into the device. The connected flag is
// routed separately (see onBackendConnectedChanged) so handle invalidation
// cannot be bypassed by a property refresh.
func (d *Device) applyInfo(info DeviceInfo) {
	d.name = info.Name
	d.class = info.Class
	d.rssi = info.RSSI
	d.paired = info.Paired
	d.connectable = info.Connectable
	d.trusted = info.Trusted
	d.advertised = NewUUIDSet(info.UUIDs...)
}

func (d *Device) Address() string { return d.address }
func (d *Device) Name() string    { return d.name }
func (d *Device) Class() uint32   { return d.class }
func (d *Device) RSSI() int16     { return d.rssi }
func (d *Device) Paired() bool    { return d.paired }

// Connected reports the backend link state.
func (d *Device) Connected() bool   { return d.connected }
func (d *Device) Connectable() bool { return d.connectable }
func (d *Device) Trusted() bool     { return d.trusted }

// Type classifies the device from its class-of-device value.
func (d *Device) Type() DeviceType { return ClassifyDevice(d.class) }

// AdvertisedUUIDs returns the service UUIDs the device advertises.
func (d *Device) AdvertisedUUIDs() UUIDSet { return d.advertised }

// Gatt exposes the device's attribute cache.
func (d *Device) Gatt() *AttributeCache { return d.gatt }

// IsGattConnected reports whether at least one connection handle is valid or
// a connect attempt is in flight.
func (d *Device) IsGattConnected() bool {
	return len(d.connections) > 0 || d.connectPending
}

// CreateGattConnection hands the caller its own connection handle, connecting
// first if needed. Callbacks are appended to the pending lists, so every
// caller that piled onto one in-flight attempt is answered by its outcome,
// each with an independent handle. An already-connected device fans out
// immediately.
func (d *Device) CreateGattConnection(ok func(*GattConnection), fail func(error)) {
	d.pendingOK = append(d.pendingOK, ok)
	d.pendingFail = append(d.pendingFail, fail)

	if d.connected {
		d.fanOutConnected()
		return
	}
	if d.connectPending {
		return
	}
	d.connectPending = true
	d.log.WithFields(logrus.Fields{"device": d.address}).Debug("connecting")
	d.backend.ConnectDevice(d.address,
		func() { d.loop.Post(d.onConnectOK) },
		func(err error) { d.loop.Post(func() { d.onConnectFail(err) }) },
	)
}

func (d *Device) onConnectOK() {
	d.connectPending = false
	if d.removed {
		d.failPending(&ConnectError{Code: ConnectErrorFailed})
		return
	}
	d.connected = true
	d.fanOutConnected()
}

func (d *Device) onConnectFail(err error) {
	d.connectPending = false
	d.log.WithFields(logrus.Fields{"device": d.address}).WithError(err).Debug("connect failed")
	d.failPending(TranslateConnectError(err))
}

// fanOutConnected answers every accumulated success callback with its own
// handle and clears the pending lists.
func (d *Device) fanOutConnected() {
	oks := d.pendingOK
	d.pendingOK = nil
	d.pendingFail = nil
	for _, cb := range oks {
		h := &GattConnection{device: d, valid: true}
		d.connections[h] = struct{}{}
		cb(h)
	}
}

func (d *Device) failPending(err error) {
	fails := d.pendingFail
	d.pendingOK = nil
	d.pendingFail = nil
	for _, cb := range fails {
		cb(err)
	}
}

// onBackendConnectedChanged tracks the link state. A disconnect, whatever its
// cause, invalidates every outstanding handle and fails an in-flight connect
// attempt with a generic failure; with nothing pending it is a quiet state
// change.
func (d *Device) onBackendConnectedChanged(connected bool) {
	d.connected = connected
	if connected {
		return
	}
	for h := range d.connections {
		h.valid = false
	}
	d.connections = make(map[*GattConnection]struct{})
	if d.connectPending {
		d.connectPending = false
		d.failPending(&ConnectError{Code: ConnectErrorFailed})
	}
}

// markRemoved flags the device gone from the registry, invalidating handles
// and failing in-flight work so late completions become no-ops.
func (d *Device) markRemoved() {
	d.removed = true
	d.onBackendConnectedChanged(false)
}

// ReadCharacteristic performs a backend read; completions are posted onto the
// loop. The fail callback receives the raw backend error for translation at
// the boundary.
func (d *Device) ReadCharacteristic(characteristicID string, ok func([]byte), fail func(error)) {
	d.backend.ReadCharacteristic(characteristicID,
		func(value []byte) { d.loop.Post(func() { ok(value) }) },
		func(err error) { d.loop.Post(func() { fail(err) }) },
	)
}

// WriteCharacteristic performs a backend write; completions are posted onto
// the loop.
func (d *Device) WriteCharacteristic(characteristicID string, value []byte, ok func(), fail func(error)) {
	d.backend.WriteCharacteristic(characteristicID, value,
		func() { d.loop.Post(ok) },
		func(err error) { d.loop.Post(func() { fail(err) }) },
	)
}

// StartNotify subscribes to value changes of a characteristic.
func (d *Device) StartNotify(characteristicID string, ok func(), fail func(error)) {
	d.backend.StartNotify(characteristicID,
		func() { d.loop.Post(ok) },
		func(err error) { d.loop.Post(func() { fail(err) }) },
	)
}

// StopNotify cancels a characteristic subscription.
func (d *Device) StopNotify(characteristicID string, ok func(), fail func(error)) {
	d.backend.StopNotify(characteristicID,
		func() { d.loop.Post(ok) },
		func(err error) { d.loop.Post(func() { fail(err) }) },
	)
}

// GattConnection is one caller's handle on a device's GATT link. Handles are
// independent: disconnecting one leaves the others valid, and only the last
// valid handle going away releases the backend link.
type GattConnection struct {
	device *Device
	valid  bool
}

// DeviceAddress names the connected device.
func (c *GattConnection) DeviceAddress() string { return c.device.address }

// IsConnected reports whether this handle is still valid and the link is up.
func (c *GattConnection) IsConnected() bool { return c.valid && c.device.connected }

// Disconnect invalidates this handle. When it was the last valid handle and
// no connect attempt is in flight, the backend link is released best-effort.
func (c *GattConnection) Disconnect() {
	if !c.valid {
		return
	}
	c.valid = false
	d := c.device
	delete(d.connections, c)
	if len(d.connections) > 0 || d.connectPending || d.removed {
		return
	}
	d.log.WithFields(logrus.Fields{"device": d.address}).Debug("last handle closed, disconnecting")
	d.backend.DisconnectDevice(d.address,
		func() {},
		func(err error) {
			d.loop.Post(func() {
				d.log.WithFields(logrus.Fields{"device": d.address}).WithError(err).Debug("disconnect failed")
			})
		},
	)
}
