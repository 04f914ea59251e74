// Package fakeadapter provides a scriptable AdapterBackend for tests and for
// running the daemon without Bluetooth hardware. Peripherals, their GATT
// layout and failure modes are configured through a fluent builder; events
// can be injected at runtime to drive state transitions.
package fakeadapter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/srg/bluegate/internal/bluetooth"
)

// Calls counts backend operations, for assertions on wiring behavior.
type Calls struct {
	StartDiscovery int
	StopDiscovery  int
	SetFilter      int
	Connect        int
	Disconnect     int
	Read           int
	Write          int
	StartNotify    int
	StopNotify     int
	Register       int
	Unregister     int
}

type characteristic struct {
	id         string
	uuid       bluetooth.UUID
	properties bluetooth.CharacteristicProperties
	value      []byte
	subscribed bool
	opErr      error
}

type service struct {
	id              string
	uuid            bluetooth.UUID
	primary         bool
	characteristics []*characteristic
}

type peripheral struct {
	info        bluetooth.DeviceInfo
	services    []*service
	connectErr  error
	delayedGatt bool
	hangConnect bool
	known       bool
	announced   bool
}

// Backend implements bluetooth.AdapterBackend against an in-memory script.
// All completions and events go through the loop so timing matches a real
// backend: nothing completes synchronously.
type Backend struct {
	mu   sync.Mutex
	loop *bluetooth.Loop
	obs  bluetooth.BackendObserver

	address     string
	name        string
	present     bool
	powered     bool
	discovering bool

	peripherals  []*peripheral
	filter       *bluetooth.DiscoveryFilter
	profiles     map[bluetooth.UUID]bool
	heldConnects map[string]func()

	startDiscoveryErr error
	stopDiscoveryErr  error
	setFilterErr      error
	registerErr       error

	calls Calls
}

// Builder assembles a Backend. WithPeripheral opens a device; WithService
// and WithCharacteristic attach to the most recently opened parent.
type Builder struct {
	b       *Backend
	cur     *peripheral
	curSvc  *service
	curChar *characteristic
	svcSeq  int
	charSeq int
}

// New starts a builder for an adapter that is present and powered.
func New(loop *bluetooth.Loop) *Builder {
	return &Builder{b: &Backend{
		loop:         loop,
		address:      "00:1A:7D:DA:71:13",
		name:         "fake-adapter",
		present:      true,
		powered:      true,
		profiles:     make(map[bluetooth.UUID]bool),
		heldConnects: make(map[string]func()),
	}}
}

func (x *Builder) WithAddress(addr string) *Builder {
	x.b.address = addr
	return x
}

func (x *Builder) WithName(name string) *Builder {
	x.b.name = name
	return x
}

// NotPresent scripts an adapter that is absent from the system.
func (x *Builder) NotPresent() *Builder {
	x.b.present = false
	x.b.powered = false
	return x
}

// NotPowered scripts a present but switched-off adapter.
func (x *Builder) NotPowered() *Builder {
	x.b.powered = false
	return x
}

// AlreadyDiscovering scripts a daemon that is scanning before we ever ask,
// the way bluetoothctl or another client leaves it.
func (x *Builder) AlreadyDiscovering() *Builder {
	x.b.discovering = true
	return x
}

func (x *Builder) WithStartDiscoveryError(err error) *Builder {
	x.b.startDiscoveryErr = err
	return x
}

func (x *Builder) WithStopDiscoveryError(err error) *Builder {
	x.b.stopDiscoveryErr = err
	return x
}

func (x *Builder) WithSetFilterError(err error) *Builder {
	x.b.setFilterErr = err
	return x
}

func (x *Builder) WithRegisterProfileError(err error) *Builder {
	x.b.registerErr = err
	return x
}

// WithPeripheral opens a new peripheral; subsequent With* calls configure it
// until the next WithPeripheral.
func (x *Builder) WithPeripheral(address, name string) *Builder {
	x.cur = &peripheral{info: bluetooth.DeviceInfo{
		Address:     bluetooth.CanonicalizeAddress(address),
		Name:        name,
		RSSI:        -60,
		Connectable: true,
	}}
	x.svcSeq = 0
	x.curSvc = nil
	x.curChar = nil
	x.b.peripherals = append(x.b.peripherals, x.cur)
	return x
}

// WithAdvertisedUUIDs sets the service UUIDs the peripheral advertises.
func (x *Builder) WithAdvertisedUUIDs(uuids ...string) *Builder {
	x.cur.info.UUIDs = mustUUIDs(uuids)
	return x
}

func mustUUIDs(in []string) []bluetooth.UUID {
	out := make([]bluetooth.UUID, len(in))
	for i, s := range in {
		out[i] = bluetooth.MustUUID(s)
	}
	return out
}

func (x *Builder) WithClass(class uint32) *Builder {
	x.cur.info.Class = class
	return x
}

func (x *Builder) WithRSSI(rssi int16) *Builder {
	x.cur.info.RSSI = rssi
	return x
}

func (x *Builder) WithPaired() *Builder {
	x.cur.info.Paired = true
	return x
}

// Known marks the peripheral as already present in the daemon's device list
// before any discovery runs.
func (x *Builder) Known() *Builder {
	x.cur.known = true
	return x
}

// WithConnectError makes every connect attempt to the peripheral fail.
func (x *Builder) WithConnectError(err error) *Builder {
	x.cur.connectErr = err
	return x
}

// WithDelayedServiceDiscovery holds back GATT events after connect until
// CompleteServiceDiscovery is called.
func (x *Builder) WithDelayedServiceDiscovery() *Builder {
	x.cur.delayedGatt = true
	return x
}

// WithHangingConnect parks connect attempts to the peripheral until the test
// releases them with CompleteConnect, so events can be raced against an
// in-flight attempt.
func (x *Builder) WithHangingConnect() *Builder {
	x.cur.hangConnect = true
	return x
}

// WithService opens a primary service on the current peripheral.
func (x *Builder) WithService(uuid string) *Builder {
	x.svcSeq++
	x.curSvc = &service{
		id:      fmt.Sprintf("%s/svc%d", x.cur.info.Address, x.svcSeq),
		uuid:    bluetooth.MustUUID(uuid),
		primary: true,
	}
	x.charSeq = 0
	x.curChar = nil
	x.cur.services = append(x.cur.services, x.curSvc)
	return x
}

// WithCharacteristic adds a characteristic to the current service. Flags use
// the same comma-separated names the daemon reports ("read,notify").
func (x *Builder) WithCharacteristic(uuid, flags string, value []byte) *Builder {
	x.charSeq++
	x.curChar = &characteristic{
		id:         fmt.Sprintf("%s/chr%d", x.curSvc.id, x.charSeq),
		uuid:       bluetooth.MustUUID(uuid),
		properties: bluetooth.PropertiesFromFlags(strings.Split(flags, ",")),
		value:      value,
	}
	x.curSvc.characteristics = append(x.curSvc.characteristics, x.curChar)
	return x
}

// WithCharacteristicError makes every operation on the last added
// characteristic fail with err.
func (x *Builder) WithCharacteristicError(err error) *Builder {
	x.curChar.opErr = err
	return x
}

func (x *Builder) Build() *Backend {
	return x.b
}

// AdapterBackend implementation.

func (b *Backend) Address() string { return b.address }
func (b *Backend) Name() string    { return b.name }

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

func (b *Backend) KnownDevices() []bluetooth.DeviceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bluetooth.DeviceInfo
	for _, p := range b.peripherals {
		if p.known {
			p.announced = true
			out = append(out, p.info)
		}
	}
	return out
}

func (b *Backend) SetObserver(obs bluetooth.BackendObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.obs = obs
}

func (b *Backend) observer() bluetooth.BackendObserver {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.obs
}

func (b *Backend) StartDiscovery(ok func(), fail func(error)) {
	b.mu.Lock()
	b.calls.StartDiscovery++
	err := b.startDiscoveryErr
	present, powered := b.present, b.powered
	b.mu.Unlock()

	b.loop.Post(func() {
		switch {
		case err != nil:
			fail(err)
		case !present:
			fail(bluetooth.ErrAdapterNotPresent)
		case !powered:
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameNotReady, "adapter not powered"))
		default:
			b.setDiscovering(true)
			ok()
			b.announcePeripherals()
		}
	})
}

func (b *Backend) StopDiscovery(ok func(), fail func(error)) {
	b.mu.Lock()
	b.calls.StopDiscovery++
	err := b.stopDiscoveryErr
	b.mu.Unlock()

	b.loop.Post(func() {
		if err != nil {
			fail(err)
			return
		}
		b.setDiscovering(false)
		ok()
	})
}

func (b *Backend) SetDiscoveryFilter(filter *bluetooth.DiscoveryFilter, ok func(), fail func(error)) {
	b.mu.Lock()
	b.calls.SetFilter++
	err := b.setFilterErr
	if err == nil {
		b.filter = filter.Copy()
	}
	b.mu.Unlock()

	b.loop.Post(func() {
		if err != nil {
			fail(err)
			return
		}
		ok()
	})
}

func (b *Backend) ConnectDevice(address string, ok func(), fail func(error)) {
	b.mu.Lock()
	b.calls.Connect++
	p := b.lookup(address)
	if p != nil && p.hangConnect {
		b.heldConnects[p.info.Address] = ok
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.loop.Post(func() {
		if p == nil {
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameUnknownObject, "no such device"))
			return
		}
		if p.connectErr != nil {
			fail(p.connectErr)
			return
		}
		b.finishConnect(p, ok)
	})
}

func (b *Backend) finishConnect(p *peripheral, ok func()) {
	ok()
	if obs := b.observer(); obs != nil {
		obs.DeviceConnectedChanged(p.info.Address, true)
	}
	if !p.delayedGatt {
		b.exposeGatt(p)
	}
}

// CompleteConnect releases a connect attempt parked by WithHangingConnect.
func (b *Backend) CompleteConnect(address string) {
	addr := bluetooth.CanonicalizeAddress(address)
	b.mu.Lock()
	ok := b.heldConnects[addr]
	delete(b.heldConnects, addr)
	p := b.lookup(addr)
	b.mu.Unlock()
	if ok == nil || p == nil {
		return
	}
	b.loop.Post(func() { b.finishConnect(p, ok) })
}

func (b *Backend) DisconnectDevice(address string, ok func(), fail func(error)) {
	b.mu.Lock()
	b.calls.Disconnect++
	p := b.lookup(address)
	b.mu.Unlock()

	b.loop.Post(func() {
		if p == nil {
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameUnknownObject, "no such device"))
			return
		}
		ok()
		if obs := b.observer(); obs != nil {
			obs.DeviceConnectedChanged(p.info.Address, false)
		}
	})
}

func (b *Backend) ReadCharacteristic(characteristicID string, ok func([]byte), fail func(error)) {
	b.mu.Lock()
	b.calls.Read++
	_, _, ch := b.lookupChar(characteristicID)
	b.mu.Unlock()

	b.loop.Post(func() {
		switch {
		case ch == nil:
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameUnknownObject, "no such characteristic"))
		case ch.opErr != nil:
			fail(ch.opErr)
		case !ch.properties.Has(bluetooth.PropertyRead):
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameNotPermitted, "read not permitted"))
		default:
			value := append([]byte(nil), ch.value...)
			ok(value)
		}
	})
}

func (b *Backend) WriteCharacteristic(characteristicID string, value []byte, ok func(), fail func(error)) {
	b.mu.Lock()
	b.calls.Write++
	_, _, ch := b.lookupChar(characteristicID)
	b.mu.Unlock()

	b.loop.Post(func() {
		switch {
		case ch == nil:
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameUnknownObject, "no such characteristic"))
		case ch.opErr != nil:
			fail(ch.opErr)
		case !ch.properties.HasAny(bluetooth.PropertyWrite | bluetooth.PropertyWriteWithoutResponse):
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameNotPermitted, "write not permitted"))
		default:
			b.mu.Lock()
			ch.value = append([]byte(nil), value...)
			b.mu.Unlock()
			ok()
		}
	})
}

func (b *Backend) StartNotify(characteristicID string, ok func(), fail func(error)) {
	b.mu.Lock()
	b.calls.StartNotify++
	_, _, ch := b.lookupChar(characteristicID)
	b.mu.Unlock()

	b.loop.Post(func() {
		switch {
		case ch == nil:
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameUnknownObject, "no such characteristic"))
		case ch.opErr != nil:
			fail(ch.opErr)
		case !ch.properties.HasAny(bluetooth.PropertyNotify | bluetooth.PropertyIndicate):
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameNotSupported, "notifications unsupported"))
		default:
			b.mu.Lock()
			ch.subscribed = true
			b.mu.Unlock()
			ok()
		}
	})
}

func (b *Backend) StopNotify(characteristicID string, ok func(), fail func(error)) {
	b.mu.Lock()
	b.calls.StopNotify++
	_, _, ch := b.lookupChar(characteristicID)
	b.mu.Unlock()

	b.loop.Post(func() {
		if ch == nil {
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameUnknownObject, "no such characteristic"))
			return
		}
		b.mu.Lock()
		ch.subscribed = false
		b.mu.Unlock()
		ok()
	})
}

func (b *Backend) RegisterProfile(uuid bluetooth.UUID, ok func(), fail func(error)) {
	b.mu.Lock()
	b.calls.Register++
	err := b.registerErr
	if err == nil {
		b.profiles[uuid] = true
	}
	b.mu.Unlock()

	b.loop.Post(func() {
		if err != nil {
			fail(err)
			return
		}
		ok()
	})
}

func (b *Backend) UnregisterProfile(uuid bluetooth.UUID, ok func(), fail func(error)) {
	b.mu.Lock()
	b.calls.Unregister++
	delete(b.profiles, uuid)
	b.mu.Unlock()

	b.loop.Post(ok)
}

// Runtime event injection, used by tests and the demo loop.

// SetPresent flips adapter presence and notifies the observer.
func (b *Backend) SetPresent(present bool) {
	b.mu.Lock()
	b.present = present
	if !present {
		b.powered = false
		b.discovering = false
	}
	obs := b.obs
	b.mu.Unlock()
	if obs != nil {
		obs.AdapterPresentChanged(present)
	}
}

// SetPowered flips adapter power and notifies the observer.
func (b *Backend) SetPowered(powered bool) {
	b.mu.Lock()
	b.powered = powered
	obs := b.obs
	b.mu.Unlock()
	if obs != nil {
		obs.AdapterPoweredChanged(powered)
	}
}

// StopDiscoveringUnexpectedly simulates the daemon ending discovery on its
// own, outside any requested transition.
func (b *Backend) StopDiscoveringUnexpectedly() {
	b.setDiscovering(false)
}

// AppearPeripheral injects a new advertising device mid-run.
func (b *Backend) AppearPeripheral(address, name string, advertised ...string) {
	info := bluetooth.DeviceInfo{
		Address:     bluetooth.CanonicalizeAddress(address),
		Name:        name,
		RSSI:        -60,
		Connectable: true,
		UUIDs:       mustUUIDs(advertised),
	}
	p := &peripheral{info: info, announced: true}
	b.mu.Lock()
	b.peripherals = append(b.peripherals, p)
	obs := b.obs
	b.mu.Unlock()
	if obs != nil {
		obs.DeviceAdded(info)
	}
}

// VanishPeripheral removes a device from the daemon's view.
func (b *Backend) VanishPeripheral(address string) {
	addr := bluetooth.CanonicalizeAddress(address)
	b.mu.Lock()
	for i, p := range b.peripherals {
		if p.info.Address == addr {
			b.peripherals = append(b.peripherals[:i], b.peripherals[i+1:]...)
			break
		}
	}
	obs := b.obs
	b.mu.Unlock()
	if obs != nil {
		obs.DeviceRemoved(addr)
	}
}

// DropConnection severs an established link from the remote side.
func (b *Backend) DropConnection(address string) {
	if obs := b.observer(); obs != nil {
		obs.DeviceConnectedChanged(bluetooth.CanonicalizeAddress(address), false)
	}
}

// RenamePeripheral changes a device name and reports the property change.
func (b *Backend) RenamePeripheral(address, name string) {
	b.mu.Lock()
	p := b.lookup(address)
	if p != nil {
		p.info.Name = name
	}
	obs := b.obs
	b.mu.Unlock()
	if p == nil || obs == nil {
		return
	}
	obs.DeviceChanged(p.info)
}

// NotifyValue delivers a characteristic value change from the peripheral.
func (b *Backend) NotifyValue(characteristicID string, value []byte) {
	b.mu.Lock()
	p, svc, ch := b.lookupChar(characteristicID)
	if ch != nil {
		ch.value = append([]byte(nil), value...)
	}
	obs := b.obs
	b.mu.Unlock()
	if ch == nil || obs == nil {
		return
	}
	obs.GattCharacteristicValueChanged(p.info.Address, svc.id, ch.id, value)
}

// CompleteServiceDiscovery releases the GATT layout of a peripheral built
// with WithDelayedServiceDiscovery.
func (b *Backend) CompleteServiceDiscovery(address string) {
	b.mu.Lock()
	p := b.lookup(address)
	b.mu.Unlock()
	if p != nil {
		b.exposeGatt(p)
	}
}

// RequestProfileConnection simulates the daemon handing us an incoming
// profile connection.
func (b *Backend) RequestProfileConnection(uuid bluetooth.UUID, address string) {
	if obs := b.observer(); obs != nil {
		obs.ProfileConnectionRequested(uuid, bluetooth.CanonicalizeAddress(address))
	}
}

// ReleaseProfileFromDaemon simulates the daemon revoking a registration.
func (b *Backend) ReleaseProfileFromDaemon(uuid bluetooth.UUID) {
	if obs := b.observer(); obs != nil {
		obs.ProfileReleased(uuid)
	}
}

// Calls returns a snapshot of the operation counters.
func (b *Backend) Calls() Calls {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// AppliedFilter returns the filter last accepted by SetDiscoveryFilter.
func (b *Backend) AppliedFilter() *bluetooth.DiscoveryFilter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filter.Copy()
}

// ProfileRegistered reports whether a profile UUID is currently registered.
func (b *Backend) ProfileRegistered(uuid bluetooth.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.profiles[uuid]
}

// Subscribed reports whether notifications are active on a characteristic.
func (b *Backend) Subscribed(characteristicID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, ch := b.lookupChar(characteristicID)
	return ch != nil && ch.subscribed
}

// CharacteristicValue returns the current stored value of a characteristic.
func (b *Backend) CharacteristicValue(characteristicID string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, ch := b.lookupChar(characteristicID)
	if ch == nil {
		return nil
	}
	return append([]byte(nil), ch.value...)
}

func (b *Backend) setDiscovering(v bool) {
	b.mu.Lock()
	changed := b.discovering != v
	b.discovering = v
	obs := b.obs
	b.mu.Unlock()
	if changed && obs != nil {
		obs.AdapterDiscoveringChanged(v)
	}
}

// announcePeripherals delivers advertisements for every scripted peripheral.
// First sighting is an add, later discoveries report the device as changed.
func (b *Backend) announcePeripherals() {
	b.mu.Lock()
	type pending struct {
		info  bluetooth.DeviceInfo
		fresh bool
	}
	var out []pending
	for _, p := range b.peripherals {
		out = append(out, pending{info: p.info, fresh: !p.announced})
		p.announced = true
	}
	obs := b.obs
	b.mu.Unlock()
	if obs == nil {
		return
	}
	for _, e := range out {
		if e.fresh {
			obs.DeviceAdded(e.info)
		} else {
			obs.DeviceChanged(e.info)
		}
	}
}

// exposeGatt walks the peripheral's layout in declaration order and finishes
// with a discovery-complete event. Safe to call once per connection; repeats
// re-send the same attributes, which the cache treats as no-ops.
func (b *Backend) exposeGatt(p *peripheral) {
	obs := b.observer()
	if obs == nil {
		return
	}
	b.mu.Lock()
	services := p.services
	b.mu.Unlock()
	for _, svc := range services {
		obs.GattServiceAdded(p.info.Address, bluetooth.ServiceInfo{
			ID:      svc.id,
			UUID:    svc.uuid,
			Primary: svc.primary,
		})
		for _, ch := range svc.characteristics {
			obs.GattCharacteristicAdded(p.info.Address, svc.id, bluetooth.CharacteristicInfo{
				ID:         ch.id,
				UUID:       ch.uuid,
				Properties: ch.properties,
			})
		}
	}
	obs.GattDiscoveryComplete(p.info.Address)
}

func (b *Backend) lookup(address string) *peripheral {
	addr := bluetooth.CanonicalizeAddress(address)
	for _, p := range b.peripherals {
		if p.info.Address == addr {
			return p
		}
	}
	return nil
}

func (b *Backend) lookupChar(id string) (*peripheral, *service, *characteristic) {
	for _, p := range b.peripherals {
		for _, svc := range p.services {
			for _, ch := range svc.characteristics {
				if ch.id == id {
					return p, svc, ch
				}
			}
		}
	}
	return nil, nil, nil
}
