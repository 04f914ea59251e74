package bluetooth

// DeviceInfo is a backend snapshot of one remote device. Addresses are
// canonical before they reach the AdapterManager.
type DeviceInfo struct {
	Address     string
	Name        string
	Class       uint32
	RSSI        int16
	Paired      bool
	Connected   bool
	Connectable bool
	Trusted     bool
	UUIDs       []UUID
}

// ServiceInfo describes one discovered GATT service. ID is backend-assigned
// and opaque; nothing above the backend parses it.
type ServiceInfo struct {
	ID      string
	UUID    UUID
	Primary bool
}

// CharacteristicInfo describes one discovered GATT characteristic.
type CharacteristicInfo struct {
	ID         string
	UUID       UUID
	Properties CharacteristicProperties
}

// DescriptorInfo describes one discovered GATT descriptor.
type DescriptorInfo struct {
	ID   string
	UUID UUID
}

// BackendObserver receives backend events. The AdapterManager implements it.
// Backends may invoke the methods from any goroutine; the manager posts every
// event onto the loop before touching state.
type BackendObserver interface {
	AdapterPresentChanged(present bool)
	AdapterPoweredChanged(powered bool)
	AdapterDiscoveringChanged(discovering bool)

	DeviceAdded(info DeviceInfo)
	DeviceChanged(info DeviceInfo)
	DeviceRemoved(address string)
	DeviceConnectedChanged(address string, connected bool)

	GattServiceAdded(address string, svc ServiceInfo)
	GattCharacteristicAdded(address, serviceID string, ch CharacteristicInfo)
	GattDescriptorAdded(address, serviceID, characteristicID string, d DescriptorInfo)
	GattDiscoveryComplete(address string)
	GattCharacteristicValueChanged(address, serviceID, characteristicID string, value []byte)

	ProfileConnectionRequested(uuid UUID, address string)
	ProfileReleased(uuid UUID)
}

// ProfileDelegate handles the link-level events of one registered profile for
// one device. Socket plumbing stays inside the delegate; this layer only
// routes the notifications.
type ProfileDelegate interface {
	NewConnection(address string) error
	RequestDisconnection(address string) error
	Released()
}

// AdapterBackend is the platform driver surface the AdapterManager consumes.
// Exactly one implementation is injected per process (BlueZ over D-Bus,
// go-ble over HCI, or the in-memory fake). Every operation is asynchronous:
// exactly one of ok/fail is invoked, possibly from a backend goroutine, and
// the caller is responsible for hopping back onto its loop.
type AdapterBackend interface {
	// Address and Name describe the local adapter.
	Address() string
	Name() string

	// Present, Powered and Discovering report current backend state. They are
	// cheap snapshots, safe to call from the loop.
	Present() bool
	Powered() bool
	Discovering() bool

	// KnownDevices lists devices the OS stack already knows about (paired or
	// cached), used to seed the registry before any discovery runs.
	KnownDevices() []DeviceInfo

	// SetObserver wires the event sink. Must be called before any operation.
	SetObserver(obs BackendObserver)

	StartDiscovery(ok func(), fail func(error))
	StopDiscovery(ok func(), fail func(error))

	// SetDiscoveryFilter applies filter; nil clears any applied filter.
	SetDiscoveryFilter(filter *DiscoveryFilter, ok func(), fail func(error))

	ConnectDevice(address string, ok func(), fail func(error))
	DisconnectDevice(address string, ok func(), fail func(error))

	ReadCharacteristic(characteristicID string, ok func(value []byte), fail func(error))
	WriteCharacteristic(characteristicID string, value []byte, ok func(), fail func(error))
	StartNotify(characteristicID string, ok func(), fail func(error))
	StopNotify(characteristicID string, ok func(), fail func(error))

	RegisterProfile(uuid UUID, ok func(), fail func(error))
	UnregisterProfile(uuid UUID, ok func(), fail func(error))
}
