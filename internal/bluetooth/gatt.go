package bluetooth

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// CharacteristicProperties is the characteristic capability bitmask handed to
// boundary callers.
type CharacteristicProperties uint32

const (
	PropertyBroadcast CharacteristicProperties = 1 << iota
	PropertyRead
	PropertyWriteWithoutResponse
	PropertyWrite
	PropertyNotify
	PropertyIndicate
	PropertyAuthenticatedSignedWrites
	PropertyExtendedProperties
	PropertyReliableWrite
	PropertyWritableAuxiliaries
)

var propertyFlagNames = map[string]CharacteristicProperties{
	"broadcast":                   PropertyBroadcast,
	"read":                        PropertyRead,
	"write-without-response":      PropertyWriteWithoutResponse,
	"write":                       PropertyWrite,
	"notify":                      PropertyNotify,
	"indicate":                    PropertyIndicate,
	"authenticated-signed-writes": PropertyAuthenticatedSignedWrites,
	"extended-properties":         PropertyExtendedProperties,
	"reliable-write":              PropertyReliableWrite,
	"writable-auxiliaries":        PropertyWritableAuxiliaries,
}

// PropertiesFromFlags decodes driver flag strings ("read", "notify", ...)
// into the bitmask. Unknown flags are ignored.
func PropertiesFromFlags(flags []string) CharacteristicProperties {
	var p CharacteristicProperties
	for _, f := range flags {
		p |= propertyFlagNames[f]
	}
	return p
}

// Has reports whether every bit of mask is set.
func (p CharacteristicProperties) Has(mask CharacteristicProperties) bool {
	return p&mask == mask
}

// HasAny reports whether at least one bit of mask is set.
func (p CharacteristicProperties) HasAny(mask CharacteristicProperties) bool {
	return p&mask != 0
}

// GattDescriptor is one cached descriptor of a characteristic.
type GattDescriptor struct {
	id   string
	uuid UUID
}

func (d *GattDescriptor) ID() string { return d.id }
func (d *GattDescriptor) UUID() UUID { return d.uuid }

// GattCharacteristic is one cached characteristic of a service, holding its
// descriptors in discovery order and the last value the backend reported.
type GattCharacteristic struct {
	id          string
	uuid        UUID
	properties  CharacteristicProperties
	descriptors *orderedmap.OrderedMap[string, *GattDescriptor]
	value       []byte
}

func (c *GattCharacteristic) ID() string { return c.id }
func (c *GattCharacteristic) UUID() UUID { return c.uuid }

func (c *GattCharacteristic) Properties() CharacteristicProperties { return c.properties }

// Value returns the last backend-reported value, nil before the first read or
// notification.
func (c *GattCharacteristic) Value() []byte { return c.value }

// Descriptors lists the characteristic's descriptors in discovery order.
func (c *GattCharacteristic) Descriptors() []*GattDescriptor {
	out := make([]*GattDescriptor, 0, c.descriptors.Len())
	for pair := c.descriptors.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// DescriptorByID resolves one descriptor, nil when unknown.
func (c *GattCharacteristic) DescriptorByID(id string) *GattDescriptor {
	d, _ := c.descriptors.Get(id)
	return d
}

// GattService is one cached service of a device.
type GattService struct {
	id                string
	uuid              UUID
	primary           bool
	discoveryComplete bool
	characteristics   *orderedmap.OrderedMap[string, *GattCharacteristic]
}

func (s *GattService) ID() string    { return s.id }
func (s *GattService) UUID() UUID    { return s.uuid }
func (s *GattService) Primary() bool { return s.primary }

// DiscoveryComplete reports whether the service's characteristic enumeration
// is final. It flips from false to true exactly once.
func (s *GattService) DiscoveryComplete() bool { return s.discoveryComplete }

// Characteristics lists the service's characteristics in discovery order.
func (s *GattService) Characteristics() []*GattCharacteristic {
	out := make([]*GattCharacteristic, 0, s.characteristics.Len())
	for pair := s.characteristics.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// CharacteristicByID resolves one characteristic, nil when unknown.
func (s *GattService) CharacteristicByID(id string) *GattCharacteristic {
	c, _ := s.characteristics.Get(id)
	return c
}

// AttributeCache is the per-device tree of discovered GATT attributes:
// services in discovery order, each holding characteristics and descriptors.
// All adds are idempotent by identifier, so replayed backend enumerations are
// harmless.
type AttributeCache struct {
	services *orderedmap.OrderedMap[string, *GattService]
	complete bool
}

func NewAttributeCache() *AttributeCache {
	return &AttributeCache{
		services: orderedmap.New[string, *GattService](),
	}
}

// Complete reports whether the device-level service enumeration has settled.
func (c *AttributeCache) Complete() bool { return c.complete }

// AddService inserts a service; a duplicate identifier returns the existing
// entry untouched.
func (c *AttributeCache) AddService(info ServiceInfo) *GattService {
	if existing, ok := c.services.Get(info.ID); ok {
		return existing
	}
	svc := &GattService{
		id:      info.ID,
		uuid:    info.UUID,
		primary: info.Primary,
		// A service surfacing after the enumeration settled is final as given.
		discoveryComplete: c.complete,
		characteristics:   orderedmap.New[string, *GattCharacteristic](),
	}
	c.services.Set(info.ID, svc)
	return svc
}

// AddCharacteristic inserts a characteristic under serviceID. Duplicate adds
// are no-ops; an unknown service returns nil.
func (c *AttributeCache) AddCharacteristic(serviceID string, info CharacteristicInfo) *GattCharacteristic {
	svc, ok := c.services.Get(serviceID)
	if !ok {
		return nil
	}
	if existing, ok := svc.characteristics.Get(info.ID); ok {
		return existing
	}
	ch := &GattCharacteristic{
		id:          info.ID,
		uuid:        info.UUID,
		properties:  info.Properties,
		descriptors: orderedmap.New[string, *GattDescriptor](),
	}
	svc.characteristics.Set(info.ID, ch)
	return ch
}

// AddDescriptor inserts a descriptor under (serviceID, characteristicID).
// Duplicate adds are no-ops; an unknown parent returns nil.
func (c *AttributeCache) AddDescriptor(serviceID, characteristicID string, info DescriptorInfo) *GattDescriptor {
	svc, ok := c.services.Get(serviceID)
	if !ok {
		return nil
	}
	ch, ok := svc.characteristics.Get(characteristicID)
	if !ok {
		return nil
	}
	if existing, ok := ch.descriptors.Get(info.ID); ok {
		return existing
	}
	d := &GattDescriptor{id: info.ID, uuid: info.UUID}
	ch.descriptors.Set(info.ID, d)
	return d
}

// MarkDiscoveryComplete flips the device-level flag and every service's flag.
// Only the first call changes anything; the flags never reset.
func (c *AttributeCache) MarkDiscoveryComplete() bool {
	if c.complete {
		return false
	}
	c.complete = true
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.discoveryComplete = true
	}
	return true
}

// Services lists every cached service in discovery order.
func (c *AttributeCache) Services() []*GattService {
	out := make([]*GattService, 0, c.services.Len())
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// PrimaryServices lists cached primary services in discovery order.
func (c *AttributeCache) PrimaryServices() []*GattService {
	out := make([]*GattService, 0, c.services.Len())
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.primary {
			out = append(out, pair.Value)
		}
	}
	return out
}

// ServiceByID resolves one service, nil when unknown.
func (c *AttributeCache) ServiceByID(id string) *GattService {
	svc, _ := c.services.Get(id)
	return svc
}

// CharacteristicByID searches every service for the characteristic, returning
// it with its owning service, or nils.
func (c *AttributeCache) CharacteristicByID(id string) (*GattService, *GattCharacteristic) {
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		if ch, ok := pair.Value.characteristics.Get(id); ok {
			return pair.Value, ch
		}
	}
	return nil, nil
}

// SetCharacteristicValue records the latest backend-reported value.
func (c *AttributeCache) SetCharacteristicValue(characteristicID string, value []byte) *GattCharacteristic {
	_, ch := c.CharacteristicByID(characteristicID)
	if ch == nil {
		return nil
	}
	ch.value = append(ch.value[:0], value...)
	return ch
}
