//go:build linux

package bluez

import (
	"github.com/godbus/dbus/v5"

	"github.com/srg/bluegate/internal/bluetooth"
)

func (b *Backend) subscribe() {
	b.conn.BusObject().Call(
		"org.freedesktop.DBus.AddMatch", 0,
		"type='signal',interface='"+propsIface+"',member='PropertiesChanged',path_namespace='/org/bluez'",
	)
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		b.log.WithError(err).Warn("InterfacesAdded match failed")
	}
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesRemoved"),
	); err != nil {
		b.log.WithError(err).Warn("InterfacesRemoved match failed")
	}
	b.conn.Signal(b.signals)
}

// pump fans bus signals out to the observer until Close.
func (b *Backend) pump() {
	for {
		select {
		case <-b.done:
			return
		case sig := <-b.signals:
			if sig == nil {
				return
			}
			switch sig.Name {
			case propsIface + ".PropertiesChanged":
				b.onPropertiesChanged(sig)
			case objManagerIface + ".InterfacesAdded":
				b.onInterfacesAdded(sig)
			case objManagerIface + ".InterfacesRemoved":
				b.onInterfacesRemoved(sig)
			}
		}
	}
}

func (b *Backend) onPropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	if changed == nil {
		return
	}
	switch iface {
	case adapterIface:
		if sig.Path == b.adapterPath {
			b.onAdapterChanged(changed)
		}
	case deviceIface:
		b.onDeviceChanged(sig.Path, changed)
	case characteristicIface:
		if v, ok := changed["Value"]; ok {
			if value, vok := v.Value().([]byte); vok {
				b.onValueChanged(sig.Path, value)
			}
		}
	}
}

func (b *Backend) onAdapterChanged(changed map[string]dbus.Variant) {
	obs := b.observer()
	if v, ok := changed["Powered"]; ok {
		if powered, vok := v.Value().(bool); vok {
			b.mu.Lock()
			b.powered = powered
			b.mu.Unlock()
			if obs != nil {
				obs.AdapterPoweredChanged(powered)
			}
		}
	}
	if v, ok := changed["Discovering"]; ok {
		if discovering, vok := v.Value().(bool); vok {
			b.mu.Lock()
			b.discovering = discovering
			b.mu.Unlock()
			if obs != nil {
				obs.AdapterDiscoveringChanged(discovering)
			}
		}
	}
}

func (b *Backend) onDeviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	if !b.underAdapter(path) {
		return
	}
	address := addressFromPath(path)
	obs := b.observer()

	if v, ok := changed["Connected"]; ok {
		if connected, vok := v.Value().(bool); vok {
			if !connected {
				b.forgetEnumeration(address)
			}
			if obs != nil {
				obs.DeviceConnectedChanged(address, connected)
			}
		}
	}
	if v, ok := changed["ServicesResolved"]; ok {
		if resolved, vok := v.Value().(bool); vok {
			if resolved {
				b.enumerateGatt(address)
			} else {
				b.forgetEnumeration(address)
			}
		}
	}

	for _, prop := range []string{"Name", "Alias", "RSSI", "Paired", "Trusted", "Class", "UUIDs"} {
		if _, ok := changed[prop]; ok {
			// A single changed signal carries only the delta; the observer
			// wants the whole snapshot.
			if info, err := b.deviceSnapshot(path); err == nil && obs != nil {
				obs.DeviceChanged(info)
			}
			return
		}
	}
}

func (b *Backend) onValueChanged(path dbus.ObjectPath, value []byte) {
	obs := b.observer()
	if obs == nil || !b.underAdapter(path) {
		return
	}
	servicePath := parentPath(path)
	obs.GattCharacteristicValueChanged(addressFromPath(path), string(servicePath), string(path), value)
}

func (b *Backend) onInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
	if ifaces == nil {
		return
	}
	if _, ok := ifaces[adapterIface]; ok && path == b.adapterPath {
		b.refreshAdapter()
		if obs := b.observer(); obs != nil {
			obs.AdapterPresentChanged(true)
		}
	}
	if props, ok := ifaces[deviceIface]; ok && b.underAdapter(path) {
		if obs := b.observer(); obs != nil {
			obs.DeviceAdded(deviceInfoFromProps(path, props))
		}
	}
}

func (b *Backend) onInterfacesRemoved(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	ifaces, _ := sig.Body[1].([]string)
	for _, iface := range ifaces {
		switch iface {
		case adapterIface:
			if path == b.adapterPath {
				b.mu.Lock()
				b.present = false
				b.powered = false
				b.discovering = false
				b.mu.Unlock()
				if obs := b.observer(); obs != nil {
					obs.AdapterPresentChanged(false)
				}
			}
		case deviceIface:
			if b.underAdapter(path) {
				address := addressFromPath(path)
				b.forgetEnumeration(address)
				if obs := b.observer(); obs != nil {
					obs.DeviceRemoved(address)
				}
			}
		}
	}
}

func (b *Backend) forgetEnumeration(address string) {
	b.mu.Lock()
	delete(b.enumerated, address)
	b.mu.Unlock()
}

// deviceSnapshot re-reads a device's full property set.
func (b *Backend) deviceSnapshot(path dbus.ObjectPath) (bluetooth.DeviceInfo, error) {
	var props map[string]dbus.Variant
	err := b.conn.Object(busName, path).Call(propsIface+".GetAll", 0, deviceIface).Store(&props)
	if err != nil {
		return bluetooth.DeviceInfo{}, translate(err)
	}
	return deviceInfoFromProps(path, props), nil
}
