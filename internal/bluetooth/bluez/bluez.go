//go:build linux

// Package bluez drives a BlueZ adapter over the system D-Bus. Object paths
// double as the opaque attribute identifiers handed up to the manager: a
// GATT characteristic id is its org.bluez object path.
package bluez

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/bluegate/internal/bluetooth"
)

const (
	busName             = "org.bluez"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	serviceIface        = "org.bluez.GattService1"
	characteristicIface = "org.bluez.GattCharacteristic1"
	descriptorIface     = "org.bluez.GattDescriptor1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"
)

// Backend implements bluetooth.AdapterBackend on top of BlueZ. All D-Bus
// calls run on their own goroutine; the mutex only guards the cached adapter
// state and the bookkeeping maps.
type Backend struct {
	log  *logrus.Logger
	conn *dbus.Conn

	adapterPath dbus.ObjectPath

	mu          sync.Mutex
	obs         bluetooth.BackendObserver
	address     string
	name        string
	present     bool
	powered     bool
	discovering bool

	// enumerated tracks device addresses whose GATT tree was already walked,
	// so a ServicesResolved signal after an eager walk does not replay it.
	enumerated map[string]struct{}

	// profiles maps registered profile UUIDs to their exported object paths.
	profiles   map[bluetooth.UUID]dbus.ObjectPath
	profileSeq int

	signals chan *dbus.Signal
	done    chan struct{}
}

// New connects to the system bus and binds the named adapter ("hci0"). The
// adapter may be absent; the backend then starts not-present and picks the
// adapter up when it appears on the bus.
func New(adapter string, logger *logrus.Logger) (*Backend, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("%s not found on system bus, is bluetooth.service running?", busName)
	}

	b := &Backend{
		log:         logger,
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		enumerated:  make(map[string]struct{}),
		profiles:    make(map[bluetooth.UUID]dbus.ObjectPath),
		signals:     make(chan *dbus.Signal, 64),
		done:        make(chan struct{}),
	}
	b.refreshAdapter()
	b.subscribe()
	go b.pump()
	return b, nil
}

// Close tears down the signal pump and the bus connection.
func (b *Backend) Close() error {
	close(b.done)
	b.conn.RemoveSignal(b.signals)
	return b.conn.Close()
}

// refreshAdapter re-reads the local adapter identity and state. Any property
// failure is read as the adapter being gone.
func (b *Backend) refreshAdapter() {
	var address, name string
	var powered, discovering bool
	present := true
	if v, err := b.getProp(b.adapterPath, adapterIface, "Address"); err == nil {
		address, _ = v.Value().(string)
	} else {
		present = false
	}
	if v, err := b.getProp(b.adapterPath, adapterIface, "Alias"); err == nil {
		name, _ = v.Value().(string)
	}
	if v, err := b.getProp(b.adapterPath, adapterIface, "Powered"); err == nil {
		powered, _ = v.Value().(bool)
	}
	if v, err := b.getProp(b.adapterPath, adapterIface, "Discovering"); err == nil {
		discovering, _ = v.Value().(bool)
	}

	b.mu.Lock()
	b.present = present
	b.powered = present && powered
	b.discovering = present && discovering
	if present {
		b.address = bluetooth.CanonicalizeAddress(address)
		b.name = name
	}
	b.mu.Unlock()
}

func (b *Backend) observer() bluetooth.BackendObserver {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.obs
}

// SetObserver implements bluetooth.AdapterBackend.
func (b *Backend) SetObserver(obs bluetooth.BackendObserver) {
	b.mu.Lock()
	b.obs = obs
	b.mu.Unlock()
}

func (b *Backend) Address() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.address
}

func (b *Backend) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

func (b *Backend) Present() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.present
}

func (b *Backend) Powered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.powered
}

func (b *Backend) Discovering() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discovering
}

// KnownDevices implements bluetooth.AdapterBackend: every Device1 object the
// daemon already holds under this adapter.
func (b *Backend) KnownDevices() []bluetooth.DeviceInfo {
	objs, err := b.managedObjects()
	if err != nil {
		b.log.WithError(err).Warn("GetManagedObjects failed, no known devices")
		return nil
	}
	var out []bluetooth.DeviceInfo
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !b.underAdapter(path) {
			continue
		}
		out = append(out, deviceInfoFromProps(path, props))
	}
	return out
}

// StartDiscovery implements bluetooth.AdapterBackend.
func (b *Backend) StartDiscovery(ok func(), fail func(error)) {
	go b.call(b.adapterPath, adapterIface+".StartDiscovery", ok, fail)
}

// StopDiscovery implements bluetooth.AdapterBackend.
func (b *Backend) StopDiscovery(ok func(), fail func(error)) {
	go b.call(b.adapterPath, adapterIface+".StopDiscovery", ok, fail)
}

// SetDiscoveryFilter implements bluetooth.AdapterBackend. A nil filter sends
// the empty dict, which BlueZ reads as "clear the filter".
func (b *Backend) SetDiscoveryFilter(filter *bluetooth.DiscoveryFilter, ok func(), fail func(error)) {
	props := map[string]dbus.Variant{}
	if filter != nil {
		props["Transport"] = dbus.MakeVariant(filter.Transport.String())
		uuids := filter.UUIDs.Sorted()
		strs := make([]string, len(uuids))
		for i, u := range uuids {
			strs[i] = string(u)
		}
		props["UUIDs"] = dbus.MakeVariant(strs)
	}
	go b.call(b.adapterPath, adapterIface+".SetDiscoveryFilter", ok, fail, props)
}

// ConnectDevice implements bluetooth.AdapterBackend. When the daemon already
// resolved the device's services, the attribute walk runs right after the
// connect settles; otherwise the ServicesResolved signal triggers it.
func (b *Backend) ConnectDevice(address string, ok func(), fail func(error)) {
	path := b.devicePath(address)
	go func() {
		if err := b.conn.Object(busName, path).Call(deviceIface+".Connect", 0).Err; err != nil {
			fail(translate(err))
			return
		}
		if v, err := b.getProp(path, deviceIface, "ServicesResolved"); err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				b.enumerateGatt(bluetooth.CanonicalizeAddress(address))
			}
		}
		ok()
	}()
}

// DisconnectDevice implements bluetooth.AdapterBackend.
func (b *Backend) DisconnectDevice(address string, ok func(), fail func(error)) {
	go b.call(b.devicePath(address), deviceIface+".Disconnect", ok, fail)
}

// ReadCharacteristic implements bluetooth.AdapterBackend.
func (b *Backend) ReadCharacteristic(characteristicID string, ok func([]byte), fail func(error)) {
	go func() {
		var value []byte
		call := b.conn.Object(busName, dbus.ObjectPath(characteristicID)).
			Call(characteristicIface+".ReadValue", 0, map[string]dbus.Variant{})
		if call.Err != nil {
			fail(translate(call.Err))
			return
		}
		if err := call.Store(&value); err != nil {
			fail(fmt.Errorf("decode ReadValue reply: %w", err))
			return
		}
		ok(value)
	}()
}

// WriteCharacteristic implements bluetooth.AdapterBackend.
func (b *Backend) WriteCharacteristic(characteristicID string, value []byte, ok func(), fail func(error)) {
	go b.call(dbus.ObjectPath(characteristicID), characteristicIface+".WriteValue", ok, fail,
		value, map[string]dbus.Variant{})
}

// StartNotify implements bluetooth.AdapterBackend.
func (b *Backend) StartNotify(characteristicID string, ok func(), fail func(error)) {
	go b.call(dbus.ObjectPath(characteristicID), characteristicIface+".StartNotify", ok, fail)
}

// StopNotify implements bluetooth.AdapterBackend.
func (b *Backend) StopNotify(characteristicID string, ok func(), fail func(error)) {
	go b.call(dbus.ObjectPath(characteristicID), characteristicIface+".StopNotify", ok, fail)
}

// call runs one void D-Bus method and reports through exactly one callback.
func (b *Backend) call(path dbus.ObjectPath, method string, ok func(), fail func(error), args ...interface{}) {
	if err := b.conn.Object(busName, path).Call(method, 0, args...).Err; err != nil {
		fail(translate(err))
		return
	}
	ok()
}

func (b *Backend) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := b.conn.Object(busName, path).Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *Backend) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := b.conn.Object(busName, "/").Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, translate(call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func (b *Backend) underAdapter(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(b.adapterPath)+"/")
}

// translate folds a D-Bus failure into a named backend error so the shared
// translation tables can classify it.
func translate(err error) error {
	var derr dbus.Error
	if ok := asDBusError(err, &derr); ok {
		msg := ""
		if len(derr.Body) > 0 {
			if s, sok := derr.Body[0].(string); sok {
				msg = s
			}
		}
		return bluetooth.NamedBackendError(derr.Name, msg)
	}
	return err
}

func asDBusError(err error, out *dbus.Error) bool {
	if derr, ok := err.(dbus.Error); ok {
		*out = derr
		return true
	}
	if derr, ok := err.(*dbus.Error); ok && derr != nil {
		*out = *derr
		return true
	}
	return false
}
