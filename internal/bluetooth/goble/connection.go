package goble

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/bluegate/internal/bluetooth"
)

func serviceID(address string, svc *ble.Service) string {
	return fmt.Sprintf("%s/svc%04x", address, svc.Handle)
}

func characteristicID(address string, ch *ble.Characteristic) string {
	return fmt.Sprintf("%s/chr%04x", address, ch.Handle)
}

func descriptorID(address string, d *ble.Descriptor) string {
	return fmt.Sprintf("%s/dsc%04x", address, d.Handle)
}

// ConnectDevice implements bluetooth.AdapterBackend: dial, walk the full
// profile, then replay the attribute tree into the observer. The profile walk
// is part of the connect, so discovery-complete always follows a successful
// connect without further backend traffic.
func (b *Backend) ConnectDevice(address string, ok func(), fail func(error)) {
	addr := bluetooth.CanonicalizeAddress(address)
	go func() {
		b.mu.Lock()
		if _, connected := b.conns[addr]; connected {
			b.mu.Unlock()
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameInProgress, "already connected"))
			return
		}
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		client, err := ble.Dial(ctx, ble.NewAddr(addr))
		cancel()
		if err != nil {
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameConnAttemptFailed, err.Error()))
			return
		}

		profile, err := client.DiscoverProfile(true)
		if err != nil {
			if cancelErr := client.CancelConnection(); cancelErr != nil {
				b.log.WithError(cancelErr).Warn("cancel after failed profile walk")
			}
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameFailed, err.Error()))
			return
		}

		linkCtx, linkCancel := context.WithCancel(context.Background())
		b.mu.Lock()
		b.conns[addr] = &link{client: client, cancel: linkCancel}
		for _, svc := range profile.Services {
			for _, ch := range svc.Characteristics {
				b.chars[characteristicID(addr, ch)] = &charHandle{address: addr, client: client, char: ch}
			}
		}
		obs := b.obs
		b.mu.Unlock()

		go b.watchLink(linkCtx, addr, client)

		if obs != nil {
			obs.DeviceConnectedChanged(addr, true)
			b.replayProfile(obs, addr, profile)
		}
		ok()
	}()
}

// replayProfile emits the discovered attribute tree as observer events.
func (b *Backend) replayProfile(obs bluetooth.BackendObserver, addr string, profile *ble.Profile) {
	for _, svc := range profile.Services {
		uuid, err := bluetooth.CanonicalUUID(svc.UUID.String())
		if err != nil {
			continue
		}
		svcID := serviceID(addr, svc)
		obs.GattServiceAdded(addr, bluetooth.ServiceInfo{ID: svcID, UUID: uuid, Primary: true})
		for _, ch := range svc.Characteristics {
			chUUID, err := bluetooth.CanonicalUUID(ch.UUID.String())
			if err != nil {
				continue
			}
			chID := characteristicID(addr, ch)
			obs.GattCharacteristicAdded(addr, svcID, bluetooth.CharacteristicInfo{
				ID:         chID,
				UUID:       chUUID,
				Properties: translateProperties(ch.Property),
			})
			for _, d := range ch.Descriptors {
				dUUID, err := bluetooth.CanonicalUUID(d.UUID.String())
				if err != nil {
					continue
				}
				obs.GattDescriptorAdded(addr, svcID, chID, bluetooth.DescriptorInfo{
					ID:   descriptorID(addr, d),
					UUID: dUUID,
				})
			}
		}
	}
	obs.GattDiscoveryComplete(addr)
}

// translateProperties maps go-ble property bits onto the shared mask. The
// first six GATT property bits line up; the extended ones do not exist in
// go-ble's mask.
func translateProperties(p ble.Property) bluetooth.CharacteristicProperties {
	var out bluetooth.CharacteristicProperties
	if p&ble.CharBroadcast != 0 {
		out |= bluetooth.PropertyBroadcast
	}
	if p&ble.CharRead != 0 {
		out |= bluetooth.PropertyRead
	}
	if p&ble.CharWriteNR != 0 {
		out |= bluetooth.PropertyWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		out |= bluetooth.PropertyWrite
	}
	if p&ble.CharNotify != 0 {
		out |= bluetooth.PropertyNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= bluetooth.PropertyIndicate
	}
	return out
}

// watchLink reports the remote side dropping the connection. Not every
// go-ble transport exposes the disconnect channel; without it, link loss is
// only noticed on the next failing operation.
func (b *Backend) watchLink(ctx context.Context, addr string, client ble.Client) {
	watcher, supported := client.(interface{ Disconnected() <-chan struct{} })
	if !supported {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-watcher.Disconnected():
	}
	b.log.WithFields(logrus.Fields{"device": addr}).Info("link lost")
	b.dropLink(addr)
	if obs := b.observer(); obs != nil {
		obs.DeviceConnectedChanged(addr, false)
	}
}

// dropLink removes the connection bookkeeping for a device.
func (b *Backend) dropLink(addr string) {
	b.mu.Lock()
	if l, ok := b.conns[addr]; ok {
		l.cancel()
		delete(b.conns, addr)
	}
	for id, h := range b.chars {
		if h.address == addr {
			delete(b.chars, id)
		}
	}
	b.mu.Unlock()
}

// DisconnectDevice implements bluetooth.AdapterBackend.
func (b *Backend) DisconnectDevice(address string, ok func(), fail func(error)) {
	addr := bluetooth.CanonicalizeAddress(address)
	go func() {
		b.mu.Lock()
		l, connected := b.conns[addr]
		b.mu.Unlock()
		if !connected {
			ok()
			return
		}
		b.dropLink(addr)
		if err := l.client.CancelConnection(); err != nil {
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameFailed, err.Error()))
			return
		}
		if obs := b.observer(); obs != nil {
			obs.DeviceConnectedChanged(addr, false)
		}
		ok()
	}()
}

func (b *Backend) handle(characteristicID string) (*charHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, okh := b.chars[characteristicID]
	if !okh {
		return nil, bluetooth.NamedBackendError(bluetooth.ErrNameUnknownObject, "no such characteristic")
	}
	return h, nil
}

// ReadCharacteristic implements bluetooth.AdapterBackend.
func (b *Backend) ReadCharacteristic(characteristicID string, ok func([]byte), fail func(error)) {
	go func() {
		h, err := b.handle(characteristicID)
		if err != nil {
			fail(err)
			return
		}
		value, err := h.client.ReadCharacteristic(h.char)
		if err != nil {
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameFailed, err.Error()))
			return
		}
		ok(value)
	}()
}

// WriteCharacteristic implements bluetooth.AdapterBackend. Writes go with
// response unless the characteristic only supports the unacknowledged kind.
func (b *Backend) WriteCharacteristic(characteristicID string, value []byte, ok func(), fail func(error)) {
	go func() {
		h, err := b.handle(characteristicID)
		if err != nil {
			fail(err)
			return
		}
		noRsp := h.char.Property&ble.CharWrite == 0 && h.char.Property&ble.CharWriteNR != 0
		if err := h.client.WriteCharacteristic(h.char, value, noRsp); err != nil {
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameFailed, err.Error()))
			return
		}
		ok()
	}()
}

// StartNotify implements bluetooth.AdapterBackend. Indications are used only
// when the characteristic does not support plain notifications.
func (b *Backend) StartNotify(id string, ok func(), fail func(error)) {
	go func() {
		h, err := b.handle(id)
		if err != nil {
			fail(err)
			return
		}
		indicate := h.char.Property&ble.CharNotify == 0 && h.char.Property&ble.CharIndicate != 0
		addr := h.address
		handler := func(data []byte) {
			if obs := b.observer(); obs != nil {
				obs.GattCharacteristicValueChanged(addr, "", id, data)
			}
		}
		if err := h.client.Subscribe(h.char, indicate, handler); err != nil {
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameFailed, err.Error()))
			return
		}
		ok()
	}()
}

// StopNotify implements bluetooth.AdapterBackend.
func (b *Backend) StopNotify(id string, ok func(), fail func(error)) {
	go func() {
		h, err := b.handle(id)
		if err != nil {
			fail(err)
			return
		}
		indicate := h.char.Property&ble.CharNotify == 0 && h.char.Property&ble.CharIndicate != 0
		if err := h.client.Unsubscribe(h.char, indicate); err != nil {
			fail(bluetooth.NamedBackendError(bluetooth.ErrNameFailed, err.Error()))
			return
		}
		ok()
	}()
}
