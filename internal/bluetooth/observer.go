package bluetooth

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// AdapterStateObserver is notified of local adapter state transitions.
type AdapterStateObserver interface {
	AdapterPresentChanged(present bool)
	AdapterPoweredChanged(powered bool)
	AdapterDiscoveringChanged(discovering bool)

	// DiscoverySessionsInvalidated fires when the backend stopped discovering
	// outside any request of ours and every live session was marked inactive.
	// No matching remove calls will follow.
	DiscoverySessionsInvalidated()
}

// DeviceObserver is notified of device registry changes.
type DeviceObserver interface {
	DeviceAdded(d *Device)
	DeviceChanged(d *Device)
	DeviceRemoved(d *Device)
}

// GattObserver is notified of GATT attribute events.
type GattObserver interface {
	// GattServicesDiscovered fires once per device, when its attribute
	// enumeration settles.
	GattServicesDiscovered(d *Device)
	GattCharacteristicValueChanged(d *Device, ch *GattCharacteristic, value []byte)
}

// ObserverToken deregisters its observer when closed. Closing twice is
// harmless. Tokens are loop-confined like the registries behind them.
type ObserverToken struct {
	remove func()
}

func (t *ObserverToken) Close() {
	if t.remove != nil {
		t.remove()
		t.remove = nil
	}
}

// registry fans events out to observers in registration order. Removal during
// iteration only takes effect for the next fan-out.
type registry[T any] struct {
	nextID  int
	entries *orderedmap.OrderedMap[int, T]
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{entries: orderedmap.New[int, T]()}
}

func (r *registry[T]) add(obs T) *ObserverToken {
	id := r.nextID
	r.nextID++
	r.entries.Set(id, obs)
	return &ObserverToken{remove: func() { r.entries.Delete(id) }}
}

func (r *registry[T]) forEach(fn func(T)) {
	snapshot := make([]T, 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		snapshot = append(snapshot, pair.Value)
	}
	for _, obs := range snapshot {
		fn(obs)
	}
}
