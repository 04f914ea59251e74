//go:build linux

package bluez

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/srg/bluegate/internal/bluetooth"
)

func closeFD(fd int) {
	if fd >= 0 {
		os.NewFile(uintptr(fd), "profile-conn").Close()
	}
}

// profileObject is the org.bluez.Profile1 implementation exported for one
// registered UUID. The daemon calls back into it when a remote peer connects
// over the profile; the socket fd is closed here because link-level plumbing
// belongs to the bound delegate, which receives the event instead.
type profileObject struct {
	backend *Backend
	uuid    bluetooth.UUID
}

func (p *profileObject) Release() *dbus.Error {
	if obs := p.backend.observer(); obs != nil {
		obs.ProfileReleased(p.uuid)
	}
	return nil
}

func (p *profileObject) Cancel() *dbus.Error { return nil }

func (p *profileObject) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	closeFD(int(fd))
	if obs := p.backend.observer(); obs != nil {
		obs.ProfileConnectionRequested(p.uuid, addressFromPath(dev))
	}
	return nil
}

func (p *profileObject) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// RegisterProfile implements bluetooth.AdapterBackend: export a Profile1
// object and hand it to the daemon's profile manager.
func (b *Backend) RegisterProfile(uuid bluetooth.UUID, ok func(), fail func(error)) {
	go func() {
		b.mu.Lock()
		if _, dup := b.profiles[uuid]; dup {
			b.mu.Unlock()
			fail(fmt.Errorf("profile %s already registered", uuid))
			return
		}
		b.profileSeq++
		path := dbus.ObjectPath(fmt.Sprintf("/com/bluegate/profile/p%d", b.profileSeq))
		b.profiles[uuid] = path
		b.mu.Unlock()

		drop := func() {
			b.mu.Lock()
			delete(b.profiles, uuid)
			b.mu.Unlock()
		}
		if err := b.conn.Export(&profileObject{backend: b, uuid: uuid}, path, profileIface); err != nil {
			drop()
			fail(fmt.Errorf("export profile object: %w", err))
			return
		}
		call := b.conn.Object(busName, "/org/bluez").
			Call(profileManagerIface+".RegisterProfile", 0, path, string(uuid), map[string]dbus.Variant{
				"Role": dbus.MakeVariant("client"),
			})
		if call.Err != nil {
			b.conn.Export(nil, path, profileIface)
			drop()
			fail(translate(call.Err))
			return
		}
		ok()
	}()
}

// UnregisterProfile implements bluetooth.AdapterBackend.
func (b *Backend) UnregisterProfile(uuid bluetooth.UUID, ok func(), fail func(error)) {
	go func() {
		b.mu.Lock()
		path, registered := b.profiles[uuid]
		delete(b.profiles, uuid)
		b.mu.Unlock()
		if !registered {
			fail(fmt.Errorf("profile %s not registered", uuid))
			return
		}
		call := b.conn.Object(busName, "/org/bluez").
			Call(profileManagerIface+".UnregisterProfile", 0, path)
		b.conn.Export(nil, path, profileIface)
		if call.Err != nil {
			fail(translate(call.Err))
			return
		}
		ok()
	}()
}
