package bluetooth

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// AdapterManager multiplexes any number of discovery sessions, GATT consumers
// and profile bindings onto one AdapterBackend. It is the only component that
// talks to the backend directly; everything above it observes *Device objects
// and session handles.
//
// All state lives on the loop. Backend observer callbacks may arrive on any
// goroutine and are marshalled with loop.Post before touching anything.
//
// Discovery is a small state machine over (sessionCount, requestPending):
// at most one backend start/stop/filter transition is in flight at a time,
// requests that arrive while one is pending queue up, and the queue drains
// strictly in order once the transition settles.
type AdapterManager struct {
	log     *logrus.Logger
	loop    *Loop
	backend AdapterBackend

	present     bool
	powered     bool
	discovering bool

	sessionCount   int
	requestPending bool
	activeFilter   *DiscoveryFilter
	queue          []func()
	sessions       map[*DiscoverySession]struct{}

	profiles map[UUID]*profileRecord

	devices map[string]*Device

	stateObservers  *registry[AdapterStateObserver]
	deviceObservers *registry[DeviceObserver]
	gattObservers   *registry[GattObserver]
}

func NewAdapterManager(loop *Loop, backend AdapterBackend, logger *logrus.Logger) *AdapterManager {
	m := &AdapterManager{
		log:             logger,
		loop:            loop,
		backend:         backend,
		present:         backend.Present(),
		powered:         backend.Powered(),
		discovering:     backend.Discovering(),
		sessions:        make(map[*DiscoverySession]struct{}),
		profiles:        make(map[UUID]*profileRecord),
		devices:         make(map[string]*Device),
		stateObservers:  newRegistry[AdapterStateObserver](),
		deviceObservers: newRegistry[DeviceObserver](),
		gattObservers:   newRegistry[GattObserver](),
	}
	backend.SetObserver(m)
	known := backend.KnownDevices()
	loop.Post(func() {
		for _, info := range known {
			m.onDeviceAdded(info)
		}
	})
	return m
}

func (m *AdapterManager) Present() bool     { return m.present }
func (m *AdapterManager) Powered() bool     { return m.powered }
func (m *AdapterManager) Discovering() bool { return m.discovering }

// SessionCount reports the number of active discovery sessions.
func (m *AdapterManager) SessionCount() int { return m.sessionCount }

// ActiveFilter returns a copy of the filter currently applied to the backend,
// nil when discovery is unfiltered or stopped.
func (m *AdapterManager) ActiveFilter() *DiscoveryFilter { return m.activeFilter.Copy() }

// AddStateObserver subscribes to adapter presence, power and discovery
// changes. Close the token to unsubscribe.
func (m *AdapterManager) AddStateObserver(obs AdapterStateObserver) *ObserverToken {
	return m.stateObservers.add(obs)
}

// AddDeviceObserver subscribes to device registry changes.
func (m *AdapterManager) AddDeviceObserver(obs DeviceObserver) *ObserverToken {
	return m.deviceObservers.add(obs)
}

// AddGattObserver subscribes to attribute discovery and value changes.
func (m *AdapterManager) AddGattObserver(obs GattObserver) *ObserverToken {
	return m.gattObservers.add(obs)
}

// DeviceByAddress looks up a device by address in any accepted form.
func (m *AdapterManager) DeviceByAddress(address string) *Device {
	return m.devices[CanonicalizeAddress(address)]
}

// Devices lists the registry sorted by address.
func (m *AdapterManager) Devices() []*Device {
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].address < out[j].address })
	return out
}

// DiscoverySession is one consumer's claim on adapter discovery. The adapter
// scans while at least one session is active; the filter actually applied to
// the backend is the union of all active sessions' filters.
type DiscoverySession struct {
	mgr    *AdapterManager
	filter *DiscoveryFilter
	active bool
}

// Active reports whether the session still holds discovery. It turns false
// after Stop succeeds or when the adapter drops discovery out from under us.
func (s *DiscoverySession) Active() bool { return s.active }

// Filter returns the filter this session asked for, nil for unfiltered.
func (s *DiscoverySession) Filter() *DiscoveryFilter { return s.filter.Copy() }

// Stop releases the session. See AdapterManager.removeSession for the rules.
func (s *DiscoverySession) Stop(ok func(), fail func(error)) {
	s.mgr.removeSession(s, ok, fail)
}

// AddSession requests a discovery session with the given filter (nil for
// unfiltered). While a backend transition is pending the request queues;
// queued requests replay in arrival order, each re-evaluating the state
// machine at its turn. The session count is incremented only on success.
func (m *AdapterManager) AddSession(filter *DiscoveryFilter, ok func(*DiscoverySession), fail func(error)) {
	if m.requestPending {
		m.log.Debug("discovery transition pending, queueing session request")
		m.queue = append(m.queue, func() { m.AddSession(filter, ok, fail) })
		return
	}

	if m.sessionCount > 0 {
		merged := MergeFilters(m.activeFilter, filter)
		if merged.Equal(m.activeFilter) {
			s := m.grantSession(filter)
			m.loop.Post(func() { ok(s) })
			return
		}
		m.requestPending = true
		m.backend.SetDiscoveryFilter(merged,
			func() {
				m.loop.Post(func() {
					m.requestPending = false
					m.activeFilter = merged
					s := m.grantSession(filter)
					ok(s)
					m.drainQueue()
				})
			},
			func(err error) {
				m.loop.Post(func() {
					m.requestPending = false
					m.log.WithError(err).Warn("discovery filter update failed")
					fail(TranslateDiscoveryError(err))
					m.drainQueue()
				})
			},
		)
		return
	}

	// No active sessions: pre-set the filter, then start scanning. Both
	// steps ride under one pending flag.
	m.requestPending = true
	m.backend.SetDiscoveryFilter(filter,
		func() { m.startDiscovery(filter, ok, fail) },
		func(err error) {
			m.loop.Post(func() {
				m.requestPending = false
				m.log.WithError(err).Warn("discovery filter set failed")
				fail(TranslateDiscoveryError(err))
				m.drainQueue()
			})
		},
	)
}

func (m *AdapterManager) startDiscovery(filter *DiscoveryFilter, ok func(*DiscoverySession), fail func(error)) {
	m.backend.StartDiscovery(
		func() {
			m.loop.Post(func() { m.onStartDiscoverySucceeded(filter, ok) })
		},
		func(err error) {
			m.loop.Post(func() {
				// The daemon answering "in progress" while it reports
				// discovering means scanning is already underway on our
				// behalf; reconcile instead of failing the session.
				if IsInProgress(err) && m.backend.Discovering() {
					m.log.Debug("discovery already in progress, reconciled as success")
					m.onStartDiscoverySucceeded(filter, ok)
					return
				}
				m.requestPending = false
				m.log.WithError(err).Warn("start discovery failed")
				fail(TranslateDiscoveryError(err))
				m.drainQueue()
			})
		},
	)
}

func (m *AdapterManager) onStartDiscoverySucceeded(filter *DiscoveryFilter, ok func(*DiscoverySession)) {
	m.requestPending = false
	m.discovering = true
	m.activeFilter = filter.Copy()
	s := m.grantSession(filter)
	m.log.WithField("filter", m.activeFilter.String()).Info("discovery started")
	ok(s)
	m.drainQueue()
}

func (m *AdapterManager) grantSession(filter *DiscoveryFilter) *DiscoverySession {
	m.sessionCount++
	s := &DiscoverySession{mgr: m, filter: filter.Copy(), active: true}
	m.sessions[s] = struct{}{}
	return s
}

func (m *AdapterManager) removeSession(s *DiscoverySession, ok func(), fail func(error)) {
	if !s.active {
		m.loop.Post(func() { fail(ErrActiveSessionNotInAdapter) })
		return
	}
	if m.requestPending {
		m.loop.Post(func() { fail(ErrRemoveWithPendingRequest) })
		return
	}

	switch {
	case m.sessionCount > 1:
		// More sessions remain: release immediately and narrow the backend
		// filter to the union of what is left, best-effort.
		s.active = false
		delete(m.sessions, s)
		m.sessionCount--
		m.loop.Post(ok)
		m.updateFilterForRemaining()

	case m.sessionCount == 1:
		m.requestPending = true
		m.backend.StopDiscovery(
			func() {
				m.loop.Post(func() {
					m.requestPending = false
					s.active = false
					delete(m.sessions, s)
					if m.sessionCount > 0 {
						m.sessionCount--
					}
					m.discovering = false
					m.activeFilter = nil
					m.log.Info("discovery stopped")
					ok()
					m.drainQueue()
				})
			},
			func(err error) {
				m.loop.Post(func() {
					m.requestPending = false
					m.log.WithError(err).Warn("stop discovery failed")
					fail(TranslateDiscoveryError(err))
					m.drainQueue()
				})
			},
		)

	default:
		m.loop.Post(func() { fail(ErrActiveSessionNotInAdapter) })
	}
}

// updateFilterForRemaining recomputes the union of the remaining sessions'
// filters and pushes it to the backend when it differs from the active one.
// The result can be broader than strictly needed (an unfiltered session
// clears the backend filter entirely); failures only log, the sessions stay
// active either way.
func (m *AdapterManager) updateFilterForRemaining() {
	filters := make([]*DiscoveryFilter, 0, len(m.sessions))
	for s := range m.sessions {
		filters = append(filters, s.filter)
	}
	union := UnionOfFilters(filters)
	if union.Equal(m.activeFilter) {
		return
	}
	m.backend.SetDiscoveryFilter(union,
		func() {
			m.loop.Post(func() { m.activeFilter = union })
		},
		func(err error) {
			m.loop.Post(func() {
				m.log.WithError(err).Debug("filter narrowing after session removal failed")
			})
		},
	)
}

// drainQueue replays queued discovery requests in arrival order. Each entry
// re-enters AddSession; the loop stops as soon as one of them puts a new
// backend transition in flight.
func (m *AdapterManager) drainQueue() {
	for !m.requestPending && len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		next()
	}
}

// markSessionsInactive force-ends every session. Used when the adapter stops
// discovering on its own or disappears.
func (m *AdapterManager) markSessionsInactive() {
	if m.sessionCount == 0 && len(m.sessions) == 0 {
		return
	}
	m.log.WithField("sessions", m.sessionCount).Info("discovery sessions marked inactive")
	for s := range m.sessions {
		s.active = false
	}
	m.sessions = make(map[*DiscoverySession]struct{})
	m.sessionCount = 0
	m.activeFilter = nil
	m.stateObservers.forEach(func(o AdapterStateObserver) { o.DiscoverySessionsInvalidated() })
}

// profileRecord tracks one RFCOMM profile UUID: whether the backend
// registration exists, which delegate serves which device (empty address is
// the any-device catch-all), and binds queued behind an in-flight
// registration.
type profileRecord struct {
	uuid       UUID
	registered bool
	delegates  map[string]ProfileDelegate
	pending    []profileBind
}

type profileBind struct {
	device   string
	delegate ProfileDelegate
	ok       func()
	fail     func(error)
}

// UseProfile binds a delegate to a (profile UUID, device) pair, registering
// the profile with the backend on first use. An empty device address binds
// the delegate as the catch-all for incoming connections from any device.
// One delegate per pair; binds that pile up behind an in-flight registration
// are answered in order once it settles, each independently.
func (m *AdapterManager) UseProfile(uuid UUID, deviceAddress string, delegate ProfileDelegate, ok func(), fail func(error)) {
	device := CanonicalizeAddress(deviceAddress)
	rec := m.profiles[uuid]
	if rec != nil && rec.registered {
		// Bind state settles before returning; only the answer is deferred.
		m.bindDelegate(rec, device, delegate,
			func() { m.loop.Post(ok) },
			func(err error) { m.loop.Post(func() { fail(err) }) },
		)
		return
	}
	if rec != nil {
		rec.pending = append(rec.pending, profileBind{device: device, delegate: delegate, ok: ok, fail: fail})
		return
	}

	rec = &profileRecord{uuid: uuid, delegates: make(map[string]ProfileDelegate)}
	rec.pending = append(rec.pending, profileBind{device: device, delegate: delegate, ok: ok, fail: fail})
	m.profiles[uuid] = rec
	m.log.WithField("uuid", string(uuid)).Debug("registering profile")
	m.backend.RegisterProfile(uuid,
		func() { m.loop.Post(func() { m.onProfileRegistered(rec) }) },
		func(err error) { m.loop.Post(func() { m.onProfileRegisterFailed(rec, err) }) },
	)
}

func (m *AdapterManager) bindDelegate(rec *profileRecord, device string, delegate ProfileDelegate, ok func(), fail func(error)) {
	if rec.delegates[device] != nil {
		fail(ErrProfileAlreadyBound)
		return
	}
	rec.delegates[device] = delegate
	ok()
}

func (m *AdapterManager) onProfileRegistered(rec *profileRecord) {
	rec.registered = true
	binds := rec.pending
	rec.pending = nil
	for _, b := range binds {
		m.bindDelegate(rec, b.device, b.delegate, b.ok, b.fail)
	}
}

func (m *AdapterManager) onProfileRegisterFailed(rec *profileRecord, err error) {
	m.log.WithField("uuid", string(rec.uuid)).WithError(err).Warn("profile registration failed")
	binds := rec.pending
	rec.pending = nil
	delete(m.profiles, rec.uuid)
	for _, b := range binds {
		b.fail(err)
	}
}

// ReleaseProfile detaches the delegate bound for the (uuid, device) pair.
// The last delegate going away unregisters the profile from the backend.
func (m *AdapterManager) ReleaseProfile(uuid UUID, deviceAddress string, delegate ProfileDelegate) {
	device := CanonicalizeAddress(deviceAddress)
	rec := m.profiles[uuid]
	if rec == nil || rec.delegates[device] != delegate {
		return
	}
	delete(rec.delegates, device)
	if !rec.registered || len(rec.delegates) > 0 {
		return
	}
	delete(m.profiles, uuid)
	m.backend.UnregisterProfile(uuid,
		func() {},
		func(err error) {
			m.loop.Post(func() {
				m.log.WithField("uuid", string(uuid)).WithError(err).Debug("profile unregister failed")
			})
		},
	)
}

// BackendObserver implementation. Everything below runs on whatever
// goroutine the backend uses and immediately hops onto the loop.

func (m *AdapterManager) AdapterPresentChanged(present bool) {
	m.loop.Post(func() {
		m.present = present
		if !present {
			m.markSessionsInactive()
		}
		m.stateObservers.forEach(func(o AdapterStateObserver) { o.AdapterPresentChanged(present) })
	})
}

func (m *AdapterManager) AdapterPoweredChanged(powered bool) {
	m.loop.Post(func() {
		m.powered = powered
		m.stateObservers.forEach(func(o AdapterStateObserver) { o.AdapterPoweredChanged(powered) })
	})
}

func (m *AdapterManager) AdapterDiscoveringChanged(discovering bool) {
	m.loop.Post(func() {
		m.discovering = discovering
		// Discovery ending while sessions hold it and no transition of ours
		// is in flight means the daemon stopped on its own; the sessions are
		// dead. During a pending transition the completion callback settles
		// the count instead, so nothing is decremented twice.
		if !discovering && m.sessionCount > 0 && !m.requestPending {
			m.markSessionsInactive()
		}
		m.stateObservers.forEach(func(o AdapterStateObserver) { o.AdapterDiscoveringChanged(discovering) })
	})
}

func (m *AdapterManager) DeviceAdded(info DeviceInfo) {
	m.loop.Post(func() { m.onDeviceAdded(info) })
}

func (m *AdapterManager) onDeviceAdded(info DeviceInfo) {
	addr := CanonicalizeAddress(info.Address)
	if addr == "" {
		m.log.WithField("address", info.Address).Warn("ignoring device with unparseable address")
		return
	}
	if d, seen := m.devices[addr]; seen {
		d.applyInfo(info)
		m.deviceObservers.forEach(func(o DeviceObserver) { o.DeviceChanged(d) })
		return
	}
	info.Address = addr
	d := newDevice(m.loop, m.backend, m.log, info)
	m.devices[addr] = d
	m.deviceObservers.forEach(func(o DeviceObserver) { o.DeviceAdded(d) })
}

func (m *AdapterManager) DeviceChanged(info DeviceInfo) {
	m.loop.Post(func() {
		addr := CanonicalizeAddress(info.Address)
		d := m.devices[addr]
		if d == nil {
			// Property change for a device we never saw added; treat it as
			// the introduction.
			m.onDeviceAdded(info)
			return
		}
		d.applyInfo(info)
		m.deviceObservers.forEach(func(o DeviceObserver) { o.DeviceChanged(d) })
	})
}

func (m *AdapterManager) DeviceRemoved(address string) {
	m.loop.Post(func() {
		addr := CanonicalizeAddress(address)
		d := m.devices[addr]
		if d == nil {
			return
		}
		delete(m.devices, addr)
		d.markRemoved()
		m.deviceObservers.forEach(func(o DeviceObserver) { o.DeviceRemoved(d) })
	})
}

func (m *AdapterManager) DeviceConnectedChanged(address string, connected bool) {
	m.loop.Post(func() {
		d := m.devices[CanonicalizeAddress(address)]
		if d == nil {
			return
		}
		d.onBackendConnectedChanged(connected)
		m.deviceObservers.forEach(func(o DeviceObserver) { o.DeviceChanged(d) })
	})
}

func (m *AdapterManager) GattServiceAdded(address string, svc ServiceInfo) {
	m.loop.Post(func() {
		if d := m.devices[CanonicalizeAddress(address)]; d != nil {
			d.gatt.AddService(svc)
		}
	})
}

func (m *AdapterManager) GattCharacteristicAdded(address, serviceID string, ch CharacteristicInfo) {
	m.loop.Post(func() {
		if d := m.devices[CanonicalizeAddress(address)]; d != nil {
			d.gatt.AddCharacteristic(serviceID, ch)
		}
	})
}

func (m *AdapterManager) GattDescriptorAdded(address, serviceID, characteristicID string, desc DescriptorInfo) {
	m.loop.Post(func() {
		if d := m.devices[CanonicalizeAddress(address)]; d != nil {
			d.gatt.AddDescriptor(serviceID, characteristicID, desc)
		}
	})
}

func (m *AdapterManager) GattDiscoveryComplete(address string) {
	m.loop.Post(func() {
		d := m.devices[CanonicalizeAddress(address)]
		if d == nil {
			return
		}
		if !d.gatt.MarkDiscoveryComplete() {
			return
		}
		m.log.WithFields(logrus.Fields{
			"device":   d.address,
			"services": len(d.gatt.Services()),
		}).Debug("gatt discovery complete")
		m.gattObservers.forEach(func(o GattObserver) { o.GattServicesDiscovered(d) })
	})
}

func (m *AdapterManager) GattCharacteristicValueChanged(address, serviceID, characteristicID string, value []byte) {
	m.loop.Post(func() {
		d := m.devices[CanonicalizeAddress(address)]
		if d == nil {
			return
		}
		ch := d.gatt.SetCharacteristicValue(characteristicID, value)
		if ch == nil {
			return
		}
		m.gattObservers.forEach(func(o GattObserver) { o.GattCharacteristicValueChanged(d, ch, value) })
	})
}

func (m *AdapterManager) ProfileConnectionRequested(uuid UUID, address string) {
	m.loop.Post(func() {
		addr := CanonicalizeAddress(address)
		rec := m.profiles[uuid]
		var delegate ProfileDelegate
		if rec != nil {
			delegate = rec.delegates[addr]
			if delegate == nil {
				delegate = rec.delegates[""]
			}
		}
		if delegate == nil {
			m.log.WithFields(logrus.Fields{"uuid": string(uuid), "device": addr}).
				Warn("profile connection with no delegate bound")
			return
		}
		if err := delegate.NewConnection(addr); err != nil {
			m.log.WithFields(logrus.Fields{"uuid": string(uuid), "device": addr}).
				WithError(err).Warn("profile delegate rejected connection")
		}
	})
}

func (m *AdapterManager) ProfileReleased(uuid UUID) {
	m.loop.Post(func() {
		rec := m.profiles[uuid]
		if rec == nil {
			return
		}
		delete(m.profiles, uuid)
		for _, delegate := range rec.delegates {
			delegate.Released()
		}
	})
}
