// Package goble drives Bluetooth through the go-ble HCI stack. It exists for
// hosts without a BlueZ daemon (macOS, containers with raw HCI access).
// Attribute identifiers are synthesized from the device address and the
// attribute handle, since HCI has no object paths to borrow.
//
// Limitations against the BlueZ backend: no adapter power management, no
// cached device list before the first scan, and no RFCOMM profile
// registration.
package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/bluegate/internal/bluetooth"
)

const (
	connectTimeout = 30 * time.Second
	scanBuffer     = 16
)

// DeviceFactory creates the ble.Device. A variable so tests can substitute a
// mock transport; the per-platform default lives in device_*.go.
var DeviceFactory = newPlatformDevice

// Backend implements bluetooth.AdapterBackend over go-ble.
type Backend struct {
	log *logrus.Logger
	dev ble.Device

	mu          sync.Mutex
	obs         bluetooth.BackendObserver
	discovering bool
	scanCancel  context.CancelFunc
	filter      *bluetooth.DiscoveryFilter

	// seen carries advertisement state across scans so re-appearing devices
	// report as changed, not added.
	seen map[string]bluetooth.DeviceInfo

	// conns maps device addresses to live links; chars maps synthesized
	// characteristic ids to their ble handles.
	conns map[string]*link
	chars map[string]*charHandle
}

type link struct {
	client ble.Client
	cancel context.CancelFunc
}

type charHandle struct {
	address string
	client  ble.Client
	char    *ble.Characteristic
}

// New initializes the HCI device. The adapter argument is accepted for
// interface symmetry with the BlueZ backend; go-ble always opens the default
// HCI device.
func New(adapter string, logger *logrus.Logger) (*Backend, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("open HCI device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	logger.WithField("adapter", adapter).Debug("HCI device opened")
	return &Backend{
		log:   logger,
		dev:   dev,
		seen:  make(map[string]bluetooth.DeviceInfo),
		conns: make(map[string]*link),
		chars: make(map[string]*charHandle),
	}, nil
}

// Close stops the HCI device.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.scanCancel != nil {
		b.scanCancel()
	}
	b.mu.Unlock()
	return b.dev.Stop()
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

// Address reports the local controller address. go-ble does not expose it, so
// the backend identifies itself by stack name.
func (b *Backend) Address() string { return "hci" }
func (b *Backend) Name() string    { return "go-ble" }

// Present and Powered are true for the lifetime of the backend: New fails
// outright when the HCI device cannot be opened.
func (b *Backend) Present() bool { return true }
func (b *Backend) Powered() bool { return true }

func (b *Backend) Discovering() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discovering
}

// KnownDevices implements bluetooth.AdapterBackend. HCI keeps no device
// cache; everything is learned by scanning.
func (b *Backend) KnownDevices() []bluetooth.DeviceInfo { return nil }

// SetDiscoveryFilter implements bluetooth.AdapterBackend. The filter is
// applied host-side in the scan handler: the HCI scan itself is always
// unfiltered.
func (b *Backend) SetDiscoveryFilter(filter *bluetooth.DiscoveryFilter, ok func(), fail func(error)) {
	b.mu.Lock()
	b.filter = filter.Copy()
	b.mu.Unlock()
	go ok()
}

// StartDiscovery implements bluetooth.AdapterBackend.
func (b *Backend) StartDiscovery(ok func(), fail func(error)) {
	b.mu.Lock()
	if b.discovering {
		b.mu.Unlock()
		go fail(bluetooth.NamedBackendError(bluetooth.ErrNameInProgress, "scan already running"))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.discovering = true
	b.scanCancel = cancel
	b.mu.Unlock()

	go func() {
		if obs := b.observer(); obs != nil {
			obs.AdapterDiscoveringChanged(true)
		}
		ok()
		err := b.dev.Scan(ctx, true, b.onAdvertisement)
		b.mu.Lock()
		b.discovering = false
		b.scanCancel = nil
		b.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			b.log.WithError(err).Warn("scan ended unexpectedly")
		}
		if obs := b.observer(); obs != nil {
			obs.AdapterDiscoveringChanged(false)
		}
	}()
}

// StopDiscovery implements bluetooth.AdapterBackend.
func (b *Backend) StopDiscovery(ok func(), fail func(error)) {
	b.mu.Lock()
	cancel := b.scanCancel
	b.mu.Unlock()
	go func() {
		if cancel != nil {
			cancel()
		}
		ok()
	}()
}

// onAdvertisement folds one advertisement into the device registry view.
func (b *Backend) onAdvertisement(adv ble.Advertisement) {
	info := bluetooth.DeviceInfo{
		Address:     bluetooth.CanonicalizeAddress(adv.Addr().String()),
		Name:        adv.LocalName(),
		RSSI:        int16(adv.RSSI()),
		Connectable: adv.Connectable(),
		UUIDs:       advertisedUUIDs(adv),
	}

	b.mu.Lock()
	filter := b.filter
	prev, known := b.seen[info.Address]
	if known && info.Name == "" {
		// Scan responses often omit the name the advertisement carried.
		info.Name = prev.Name
	}
	matched := matchesFilter(filter, info)
	if matched {
		b.seen[info.Address] = info
	}
	obs := b.obs
	b.mu.Unlock()

	if !matched || obs == nil {
		return
	}
	if known {
		obs.DeviceChanged(info)
	} else {
		obs.DeviceAdded(info)
	}
}

// matchesFilter applies the discovery filter the way the BlueZ daemon would:
// a device passes when it advertises at least one of the filter UUIDs. A nil
// filter or an empty UUID set passes everything.
func matchesFilter(filter *bluetooth.DiscoveryFilter, info bluetooth.DeviceInfo) bool {
	if filter == nil || len(filter.UUIDs) == 0 {
		return true
	}
	for _, u := range info.UUIDs {
		if filter.UUIDs.Contains(u) {
			return true
		}
	}
	return false
}

func advertisedUUIDs(adv ble.Advertisement) []bluetooth.UUID {
	services := adv.Services()
	raw := make([]string, len(services))
	for i, s := range services {
		raw[i] = s.String()
	}
	uuids, err := bluetooth.CanonicalUUIDs(raw)
	if err != nil {
		return nil
	}
	return uuids
}

// RegisterProfile implements bluetooth.AdapterBackend. HCI has no profile
// daemon to register with.
func (b *Backend) RegisterProfile(uuid bluetooth.UUID, ok func(), fail func(error)) {
	go fail(fmt.Errorf("register profile %s: %w", uuid, bluetooth.ErrNotSupported))
}

// UnregisterProfile implements bluetooth.AdapterBackend.
func (b *Backend) UnregisterProfile(uuid bluetooth.UUID, ok func(), fail func(error)) {
	go fail(fmt.Errorf("unregister profile %s: %w", uuid, bluetooth.ErrNotSupported))
}
