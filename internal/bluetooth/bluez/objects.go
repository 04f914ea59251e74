//go:build linux

package bluez

import (
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/srg/bluegate/internal/bluetooth"
)

// devicePath maps "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func (b *Backend) devicePath(address string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(bluetooth.CanonicalizeAddress(address), ":", "_")
	return dbus.ObjectPath(string(b.adapterPath) + "/dev_" + escaped)
}

// addressFromPath recovers the MAC from any object path under a device node.
func addressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+len("/dev_"):]
	if cut := strings.IndexByte(mac, '/'); cut >= 0 {
		mac = mac[:cut]
	}
	return bluetooth.CanonicalizeAddress(strings.ReplaceAll(mac, "_", ":"))
}

// parentPath strips the last path element: a characteristic's parent is its
// service, a service's parent the device.
func parentPath(path dbus.ObjectPath) dbus.ObjectPath {
	s := string(path)
	idx := strings.LastIndexByte(s, '/')
	if idx <= 0 {
		return ""
	}
	return dbus.ObjectPath(s[:idx])
}

func propString(props map[string]dbus.Variant, name string) string {
	if v, ok := props[name]; ok {
		s, _ := v.Value().(string)
		return s
	}
	return ""
}

func propBool(props map[string]dbus.Variant, name string) bool {
	if v, ok := props[name]; ok {
		b, _ := v.Value().(bool)
		return b
	}
	return false
}

func propInt16(props map[string]dbus.Variant, name string) int16 {
	if v, ok := props[name]; ok {
		n, _ := v.Value().(int16)
		return n
	}
	return 0
}

func propUint32(props map[string]dbus.Variant, name string) uint32 {
	if v, ok := props[name]; ok {
		n, _ := v.Value().(uint32)
		return n
	}
	return 0
}

func propUUIDs(props map[string]dbus.Variant, name string) []bluetooth.UUID {
	v, ok := props[name]
	if !ok {
		return nil
	}
	raw, _ := v.Value().([]string)
	uuids, err := bluetooth.CanonicalUUIDs(raw)
	if err != nil {
		return nil
	}
	return uuids
}

// deviceInfoFromProps builds a DeviceInfo from a Device1 property set. BlueZ
// has no per-device connectable flag; anything it exposes is assumed
// connectable.
func deviceInfoFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) bluetooth.DeviceInfo {
	address := propString(props, "Address")
	if address == "" {
		address = addressFromPath(path)
	}
	name := propString(props, "Name")
	if name == "" {
		name = propString(props, "Alias")
	}
	return bluetooth.DeviceInfo{
		Address:     bluetooth.CanonicalizeAddress(address),
		Name:        name,
		Class:       propUint32(props, "Class"),
		RSSI:        propInt16(props, "RSSI"),
		Paired:      propBool(props, "Paired"),
		Connected:   propBool(props, "Connected"),
		Connectable: true,
		Trusted:     propBool(props, "Trusted"),
		UUIDs:       propUUIDs(props, "UUIDs"),
	}
}

// enumerateGatt walks the managed-object tree under one device and replays it
// into the observer as service/characteristic/descriptor additions followed
// by the discovery-complete mark. Each device is walked at most once per
// connection.
func (b *Backend) enumerateGatt(address string) {
	b.mu.Lock()
	if _, done := b.enumerated[address]; done {
		b.mu.Unlock()
		return
	}
	b.enumerated[address] = struct{}{}
	obs := b.obs
	b.mu.Unlock()
	if obs == nil {
		return
	}

	objs, err := b.managedObjects()
	if err != nil {
		b.log.WithError(err).WithField("device", address).Warn("attribute walk failed")
		return
	}
	devPrefix := string(b.devicePath(address)) + "/"

	var paths []string
	for path := range objs {
		if strings.HasPrefix(string(path), devPrefix) {
			paths = append(paths, string(path))
		}
	}
	// Parent paths are string prefixes, so sorted order yields services
	// before their characteristics and descriptors.
	sort.Strings(paths)

	for _, p := range paths {
		path := dbus.ObjectPath(p)
		ifaces := objs[path]
		if props, ok := ifaces[serviceIface]; ok {
			uuid, err := bluetooth.CanonicalUUID(propString(props, "UUID"))
			if err != nil {
				continue
			}
			obs.GattServiceAdded(address, bluetooth.ServiceInfo{
				ID:      p,
				UUID:    uuid,
				Primary: propBool(props, "Primary"),
			})
			continue
		}
		if props, ok := ifaces[characteristicIface]; ok {
			uuid, err := bluetooth.CanonicalUUID(propString(props, "UUID"))
			if err != nil {
				continue
			}
			var flags []string
			if v, vok := props["Flags"]; vok {
				flags, _ = v.Value().([]string)
			}
			obs.GattCharacteristicAdded(address, string(parentPath(path)), bluetooth.CharacteristicInfo{
				ID:         p,
				UUID:       uuid,
				Properties: bluetooth.PropertiesFromFlags(flags),
			})
			continue
		}
		if props, ok := ifaces[descriptorIface]; ok {
			uuid, err := bluetooth.CanonicalUUID(propString(props, "UUID"))
			if err != nil {
				continue
			}
			charPath := parentPath(path)
			obs.GattDescriptorAdded(address, string(parentPath(charPath)), string(charPath),
				bluetooth.DescriptorInfo{ID: p, UUID: uuid})
		}
	}
	obs.GattDiscoveryComplete(address)
}
