// Package dispatch turns untrusted boundary requests into adapter work.
//
// One Dispatcher serves one connected caller; all dispatchers share the
// AdapterManager and run on its loop. Service and characteristic identifiers
// are remembered per dispatcher as they are handed out, and a request naming
// an identifier this dispatcher never issued is treated as forged: the
// caller is terminated without a response. Identifiers that were issued but
// whose objects have since gone away get typed "no longer" errors instead.
package dispatch

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bluegate/internal/bluetooth"
)

// DefaultDiscoveryTimeout stops chooser discovery when nothing asked for it
// again within the window.
const DefaultDiscoveryTimeout = 60 * time.Second

// discoveryStopRetryDelay spaces out retries of a discovery-session release
// that was refused because a manager transition was still in flight.
const discoveryStopRetryDelay = 10 * time.Millisecond

// Config carries the dispatcher settings shared by all callers of a daemon.
type Config struct {
	// ChooserFactory builds the device prompt for RequestDevice flows. Nil,
	// or a factory returning nil, falls back to NewFirstDeviceChooser.
	ChooserFactory ChooserFactory

	// DiscoveryTimeout overrides DefaultDiscoveryTimeout when positive.
	DiscoveryTimeout time.Duration
}

type pendingPrimaryRequest struct {
	uuid bluetooth.UUID
	cor  Correlation
}

// Dispatcher owns one caller's view of the adapter: its device-request
// sessions, the identifiers it has been told about, its GATT connections and
// its notification subscriptions. Everything runs on the adapter loop.
type Dispatcher struct {
	log    *logrus.Logger
	loop   *bluetooth.Loop
	mgr    *bluetooth.AdapterManager
	caller Caller

	chooserFactory   ChooserFactory
	discoveryTimeout time.Duration

	nextSessionID  int
	sessions       map[int]*requestDeviceSession
	discoveryTimer *bluetooth.Timer

	// Identifier caches. Entries are never removed while the dispatcher
	// lives: an issued identifier must stay distinguishable from a forged
	// one, and liveness is re-checked on every use.
	serviceToDevice map[string]string
	charToService   map[string]string

	pendingPrimary map[string][]pendingPrimaryRequest

	connections   []*bluetooth.GattConnection
	notifyTargets map[string]string
	activeThreads map[string]map[int]struct{}

	tokens []*bluetooth.ObserverToken

	closed bool
}

// NewDispatcher wires a dispatcher for one caller onto the shared manager.
// Call Close when the caller goes away.
func NewDispatcher(loop *bluetooth.Loop, mgr *bluetooth.AdapterManager, caller Caller, cfg Config, logger *logrus.Logger) *Dispatcher {
	d := &Dispatcher{
		log:              logger,
		loop:             loop,
		mgr:              mgr,
		caller:           caller,
		chooserFactory:   cfg.ChooserFactory,
		discoveryTimeout: cfg.DiscoveryTimeout,
		sessions:         make(map[int]*requestDeviceSession),
		serviceToDevice:  make(map[string]string),
		charToService:    make(map[string]string),
		pendingPrimary:   make(map[string][]pendingPrimaryRequest),
		notifyTargets:    make(map[string]string),
		activeThreads:    make(map[string]map[int]struct{}),
	}
	if d.discoveryTimeout <= 0 {
		d.discoveryTimeout = DefaultDiscoveryTimeout
	}
	d.tokens = []*bluetooth.ObserverToken{
		mgr.AddStateObserver(d),
		mgr.AddDeviceObserver(d),
		mgr.AddGattObserver(d),
	}
	return d
}

// Handle routes one decoded request. Unknown operations are logged and
// dropped so a newer client does not take the daemon down.
func (d *Dispatcher) Handle(req Request) {
	switch req.Op {
	case OpRequestDevice:
		d.RequestDevice(req.Correlation, req.Filters, req.OptionalServices)
	case OpConnectGATT:
		d.ConnectGATT(req.Correlation, req.DeviceID)
	case OpGetPrimaryService:
		d.GetPrimaryService(req.Correlation, req.DeviceID, req.UUID)
	case OpGetCharacteristic:
		d.GetCharacteristic(req.Correlation, req.ServiceID, req.UUID)
	case OpReadValue:
		d.ReadValue(req.Correlation, req.CharacteristicID)
	case OpWriteValue:
		d.WriteValue(req.Correlation, req.CharacteristicID, req.Value)
	case OpStartNotifications:
		d.StartNotifications(req.Correlation, req.CharacteristicID)
	case OpStopNotifications:
		d.StopNotifications(req.Correlation, req.CharacteristicID)
	case OpRegisterCharacteristic:
		d.RegisterCharacteristic(req.ThreadID, req.CharacteristicID)
	case OpUnregisterCharacteristic:
		d.UnregisterCharacteristic(req.ThreadID, req.CharacteristicID)
	default:
		d.log.WithField("op", req.Op).Warn("unknown operation")
	}
}

// Close releases everything the caller held: choosers, discovery sessions,
// notification subscriptions and GATT connections. Idempotent.
func (d *Dispatcher) Close() {
	if d.closed {
		return
	}
	d.closed = true
	for _, tok := range d.tokens {
		tok.Close()
	}
	if d.discoveryTimer != nil {
		d.discoveryTimer.Stop()
	}
	for id := range d.sessions {
		d.destroySession(id)
	}
	for charID, addr := range d.notifyTargets {
		if dev := d.mgr.DeviceByAddress(addr); dev != nil {
			dev.StopNotify(charID, func() {}, func(error) {})
		}
	}
	d.notifyTargets = make(map[string]string)
	for _, conn := range d.connections {
		conn.Disconnect()
	}
	d.connections = nil
	d.activeThreads = make(map[string]map[int]struct{})
	d.pendingPrimary = make(map[string][]pendingPrimaryRequest)
	d.log.WithField("origin", d.caller.Origin()).Debug("dispatcher closed")
}

func (d *Dispatcher) terminate(v Violation) {
	if d.closed {
		return
	}
	d.log.WithFields(logrus.Fields{
		"origin": d.caller.Origin(),
		"reason": string(v),
	}).Warn("terminating caller for protocol violation")
	d.Close()
	d.caller.Terminate(v)
}

// RequestDevice opens a device-selection session: a chooser is shown, a
// filtered discovery scan feeds it, and whatever the chooser decides
// resolves the request.
func (d *Dispatcher) RequestDevice(cor Correlation, filters []bluetooth.ScanFilter, optionalServices []string) {
	if d.closed {
		return
	}
	if !d.mgr.Present() {
		d.caller.Send(errorFrame(cor, ErrorAdapterNotPresent, "no usable bluetooth adapter"))
		return
	}
	if bluetooth.HasEmptyOrInvalidFilter(filters) {
		d.terminate(ViolationEmptyOrInvalidFilters)
		return
	}
	canon, err := canonicalizeFilters(filters)
	if err != nil {
		d.terminate(ViolationMalformedUUID)
		return
	}
	optional, err := bluetooth.CanonicalUUIDs(optionalServices)
	if err != nil {
		d.terminate(ViolationMalformedUUID)
		return
	}

	d.nextSessionID++
	id := d.nextSessionID
	sess := &requestDeviceSession{cor: cor, filters: canon, optionalServices: optional}
	d.sessions[id] = sess

	handler := func(ev ChooserEvent) { d.onChooserEvent(id, ev) }
	if d.chooserFactory != nil {
		sess.chooser = d.chooserFactory(d.caller.Origin(), handler)
	}
	if sess.chooser == nil {
		d.log.Debug("no chooser installed; selecting first matching device")
		sess.chooser = NewFirstDeviceChooser(handler)
	}
	d.log.WithFields(logrus.Fields{
		"origin":  d.caller.Origin(),
		"session": id,
		"filters": len(canon),
	}).Debug("device request session opened")

	if !sess.chooser.CanAskForScanningPermission() {
		d.onChooserEvent(id, ChooserEvent{Kind: ChooserDeniedPermission})
		return
	}

	// Devices already in the registry show up right away; discovery only
	// adds to them.
	for _, dev := range d.mgr.Devices() {
		sess.addFilteredDevice(dev)
	}
	if sess.chooser == nil {
		// The chooser resolved inline off a known device.
		return
	}
	if !d.mgr.Powered() {
		sess.chooser.SetAdapterPresence(AdapterPoweredOff)
		return
	}
	d.startDeviceDiscovery(id, sess)
}

func (d *Dispatcher) startDeviceDiscovery(id int, sess *requestDeviceSession) {
	if sess.discovery != nil {
		// Already scanning for this session; push the deadline out.
		d.discoveryTimer.Reset()
		return
	}
	sess.chooser.ShowDiscoveryState(DiscoveryRunning)
	d.mgr.AddSession(sess.scanFilter(),
		func(ds *bluetooth.DiscoverySession) { d.onDiscoveryStarted(id, ds) },
		func(err error) { d.onDiscoveryStartError(id, err) },
	)
}

func (d *Dispatcher) onDiscoveryStarted(id int, ds *bluetooth.DiscoverySession) {
	sess := d.sessions[id]
	if sess == nil {
		// The session resolved while the start was in flight; the fresh
		// discovery session belongs to nobody.
		d.stopDiscovery(ds)
		return
	}
	sess.discovery = ds
	d.armDiscoveryTimer()
}

func (d *Dispatcher) onDiscoveryStartError(id int, err error) {
	d.log.WithError(err).Warn("device discovery failed to start")
	sess := d.sessions[id]
	if sess == nil || sess.chooser == nil || sess.discovery != nil {
		return
	}
	sess.chooser.ShowDiscoveryState(DiscoveryFailedToStart)
}

func (d *Dispatcher) armDiscoveryTimer() {
	if d.discoveryTimer != nil {
		d.discoveryTimer.Reset()
		return
	}
	d.discoveryTimer = d.loop.PostDelayed(d.discoveryTimeout, d.stopAllDeviceDiscovery)
}

// stopAllDeviceDiscovery is the inactivity-timer fire: every session's scan
// stops and its chooser drops back to idle. Selection stays possible from
// already-listed devices, and a Rescan event starts a fresh scan.
func (d *Dispatcher) stopAllDeviceDiscovery() {
	if d.closed {
		return
	}
	d.log.Debug("chooser discovery window expired")
	for _, sess := range d.sessions {
		if sess.discovery != nil {
			d.releaseDiscovery(sess)
		}
		if sess.chooser != nil {
			sess.chooser.ShowDiscoveryState(DiscoveryIdle)
		}
	}
}

func (d *Dispatcher) releaseDiscovery(sess *requestDeviceSession) {
	ds := sess.discovery
	sess.discovery = nil
	d.stopDiscovery(ds)
}

// stopDiscovery returns a discovery grant to the manager. A removal landing
// while the manager has a start or stop transition in flight is refused;
// that refusal retries once the transition drains, so the grant cannot leak
// and keep the radio scanning for a caller that is gone.
func (d *Dispatcher) stopDiscovery(ds *bluetooth.DiscoverySession) {
	ds.Stop(func() {}, func(err error) {
		if errors.Is(err, bluetooth.ErrRemoveWithPendingRequest) {
			d.loop.PostDelayed(discoveryStopRetryDelay, func() { d.stopDiscovery(ds) })
			return
		}
		d.log.WithError(err).Debug("stopping discovery session failed")
	})
}

func (d *Dispatcher) onChooserEvent(id int, ev ChooserEvent) {
	sess := d.sessions[id]
	if sess == nil {
		d.log.WithField("session", id).Debug("chooser event for resolved session")
		return
	}
	switch ev.Kind {
	case ChooserRescan:
		if sess.chooser != nil {
			d.startDeviceDiscovery(id, sess)
		}
	case ChooserShowHelp:
		d.log.WithFields(logrus.Fields{"session": id, "topic": ev.Topic}).Info("chooser help requested")
	case ChooserCancelled, ChooserDeniedPermission, ChooserSelected:
		// Release the chooser now so nothing more arrives through it. The
		// session resolves on the next turn, so a re-entrant chooser call
		// during teardown is impossible.
		if sess.chooser != nil {
			sess.chooser.Close()
			sess.chooser = nil
		}
		d.loop.Post(func() { d.finishClosingChooser(id, ev) })
	}
}

func (d *Dispatcher) finishClosingChooser(id int, ev ChooserEvent) {
	if d.closed {
		return
	}
	sess := d.sessions[id]
	if sess == nil {
		return
	}
	cor := sess.cor
	switch ev.Kind {
	case ChooserCancelled:
		d.caller.Send(errorFrame(cor, ErrorChooserCancelled, "device prompt dismissed"))
	case ChooserDeniedPermission:
		d.caller.Send(errorFrame(cor, ErrorChooserDeniedPermission, "scanning permission refused"))
	case ChooserSelected:
		dev := d.mgr.DeviceByAddress(ev.Address)
		if dev == nil {
			d.caller.Send(errorFrame(cor, ErrorChosenDeviceVanished, "chosen device is gone"))
		} else {
			d.log.WithFields(logrus.Fields{
				"origin": d.caller.Origin(),
				"device": dev.Address(),
			}).Info("device chosen")
			d.caller.Send(deviceFoundFrame(cor, dev))
		}
	}
	d.destroySession(id)
}

func (d *Dispatcher) destroySession(id int) {
	sess := d.sessions[id]
	if sess == nil {
		return
	}
	delete(d.sessions, id)
	if sess.chooser != nil {
		sess.chooser.Close()
		sess.chooser = nil
	}
	if sess.discovery != nil {
		d.releaseDiscovery(sess)
	}
}

// ConnectGATT opens (or joins) the device's GATT connection and registers
// the handle under this caller.
func (d *Dispatcher) ConnectGATT(cor Correlation, deviceID string) {
	if d.closed {
		return
	}
	q := d.queryDevice(deviceID)
	if q.outcome != querySuccess {
		d.answerQueryError(cor, q)
		return
	}
	dev := q.device
	dev.CreateGattConnection(
		func(conn *bluetooth.GattConnection) {
			if d.closed {
				conn.Disconnect()
				return
			}
			d.connections = append(d.connections, conn)
			d.caller.Send(connectedFrame(cor, dev.Address()))
		},
		func(err error) {
			if d.closed {
				return
			}
			d.caller.Send(errorFrame(cor, connectErrorKind(err), err.Error()))
		},
	)
}

// GetPrimaryService resolves a primary service by UUID. With attribute
// discovery still running and no match yet, the request parks until the
// GattServicesDiscovered turn replays it against the final set.
func (d *Dispatcher) GetPrimaryService(cor Correlation, deviceID, rawUUID string) {
	if d.closed {
		return
	}
	uuid, err := bluetooth.CanonicalUUID(rawUUID)
	if err != nil {
		d.terminate(ViolationMalformedUUID)
		return
	}
	q := d.queryDevice(deviceID)
	if q.outcome != querySuccess {
		d.answerQueryError(cor, q)
		return
	}
	dev := q.device
	if svc := primaryServiceByUUID(dev, uuid); svc != nil {
		d.sendService(cor, dev, svc)
		return
	}
	if dev.Gatt().Complete() {
		d.caller.Send(errorFrame(cor, ErrorServiceNotFound, "no such primary service on this device"))
		return
	}
	addr := dev.Address()
	d.pendingPrimary[addr] = append(d.pendingPrimary[addr], pendingPrimaryRequest{uuid: uuid, cor: cor})
}

// GetCharacteristic resolves the first characteristic with the given UUID on
// an issued service.
func (d *Dispatcher) GetCharacteristic(cor Correlation, serviceID, rawUUID string) {
	if d.closed {
		return
	}
	uuid, err := bluetooth.CanonicalUUID(rawUUID)
	if err != nil {
		d.terminate(ViolationMalformedUUID)
		return
	}
	q := d.queryService(serviceID)
	if q.outcome != querySuccess {
		d.answerQueryError(cor, q)
		return
	}
	for _, ch := range q.service.Characteristics() {
		if ch.UUID() == uuid {
			d.charToService[ch.ID()] = serviceID
			d.caller.Send(characteristicFrame(cor, ch.ID(), ch.Properties()))
			return
		}
	}
	d.caller.Send(errorFrame(cor, ErrorCharacteristicNotFound, "no such characteristic on this service"))
}

// ReadValue reads an issued characteristic.
func (d *Dispatcher) ReadValue(cor Correlation, characteristicID string) {
	if d.closed {
		return
	}
	q := d.queryCharacteristic(characteristicID)
	if q.outcome != querySuccess {
		d.answerQueryError(cor, q)
		return
	}
	q.device.ReadCharacteristic(characteristicID,
		func(value []byte) {
			if d.closed {
				return
			}
			d.caller.Send(valueFrame(cor, value))
		},
		func(err error) {
			if d.closed {
				return
			}
			d.caller.Send(errorFrame(cor, gattErrorKind(err), err.Error()))
		},
	)
}

// WriteValue writes an issued characteristic. The payload bound is checked
// before anything else: a caller that got past its own attribute-length
// validation is forged, not mistaken.
func (d *Dispatcher) WriteValue(cor Correlation, characteristicID string, value []byte) {
	if d.closed {
		return
	}
	if len(value) > MaxWriteLength {
		d.terminate(ViolationInvalidWriteLength)
		return
	}
	q := d.queryCharacteristic(characteristicID)
	if q.outcome != querySuccess {
		d.answerQueryError(cor, q)
		return
	}
	n := len(value)
	q.device.WriteCharacteristic(characteristicID, value,
		func() {
			if d.closed {
				return
			}
			d.caller.Send(writeAckFrame(cor, n))
		},
		func(err error) {
			if d.closed {
				return
			}
			d.caller.Send(errorFrame(cor, gattErrorKind(err), err.Error()))
		},
	)
}

// StartNotifications subscribes to an issued characteristic. A second
// subscribe for the same characteristic is unreachable through a correct
// client, so it terminates instead of erroring.
func (d *Dispatcher) StartNotifications(cor Correlation, characteristicID string) {
	if d.closed {
		return
	}
	if _, subscribed := d.notifyTargets[characteristicID]; subscribed {
		d.terminate(ViolationAlreadySubscribed)
		return
	}
	q := d.queryCharacteristic(characteristicID)
	if q.outcome != querySuccess {
		d.answerQueryError(cor, q)
		return
	}
	dev := q.device
	dev.StartNotify(characteristicID,
		func() {
			if d.closed {
				dev.StopNotify(characteristicID, func() {}, func(error) {})
				return
			}
			d.notifyTargets[characteristicID] = dev.Address()
			d.caller.Send(ackFrame(cor))
		},
		func(err error) {
			if d.closed {
				return
			}
			d.caller.Send(errorFrame(cor, gattErrorKind(err), err.Error()))
		},
	)
}

// StopNotifications unsubscribes. Stopping something that is not subscribed
// acknowledges anyway: the caller's notification teardown must always settle.
func (d *Dispatcher) StopNotifications(cor Correlation, characteristicID string) {
	if d.closed {
		return
	}
	addr, subscribed := d.notifyTargets[characteristicID]
	if !subscribed {
		d.loop.Post(func() {
			if !d.closed {
				d.caller.Send(ackFrame(cor))
			}
		})
		return
	}
	done := func() {
		if d.closed {
			return
		}
		delete(d.notifyTargets, characteristicID)
		d.caller.Send(ackFrame(cor))
	}
	dev := d.mgr.DeviceByAddress(addr)
	if dev == nil {
		// The link died with the device; the subscription is already gone.
		done()
		return
	}
	dev.StopNotify(characteristicID, done, func(error) { done() })
}

// RegisterCharacteristic marks a caller thread as listening for value
// changes of an issued characteristic. No reply.
func (d *Dispatcher) RegisterCharacteristic(threadID int, characteristicID string) {
	if d.closed {
		return
	}
	if _, issued := d.charToService[characteristicID]; !issued {
		d.terminate(ViolationInvalidCharacteristicID)
		return
	}
	set := d.activeThreads[characteristicID]
	if set == nil {
		set = make(map[int]struct{})
		d.activeThreads[characteristicID] = set
	}
	set[threadID] = struct{}{}
}

// UnregisterCharacteristic removes a listening thread. No reply.
func (d *Dispatcher) UnregisterCharacteristic(threadID int, characteristicID string) {
	if d.closed {
		return
	}
	if _, issued := d.charToService[characteristicID]; !issued {
		d.terminate(ViolationInvalidCharacteristicID)
		return
	}
	set := d.activeThreads[characteristicID]
	if set == nil {
		return
	}
	delete(set, threadID)
	if len(set) == 0 {
		delete(d.activeThreads, characteristicID)
	}
}

// AdapterPresentChanged implements bluetooth.AdapterStateObserver.
func (d *Dispatcher) AdapterPresentChanged(present bool) {
	if d.closed {
		return
	}
	p := AdapterAbsent
	if present {
		p = AdapterPoweredOff
		if d.mgr.Powered() {
			p = AdapterPoweredOn
		}
	}
	d.forEachChooser(func(c Chooser) { c.SetAdapterPresence(p) })
}

// AdapterPoweredChanged implements bluetooth.AdapterStateObserver.
func (d *Dispatcher) AdapterPoweredChanged(powered bool) {
	if d.closed {
		return
	}
	p := AdapterPoweredOff
	if powered {
		p = AdapterPoweredOn
	}
	if !d.mgr.Present() {
		p = AdapterAbsent
	}
	d.forEachChooser(func(c Chooser) { c.SetAdapterPresence(p) })
}

// AdapterDiscoveringChanged implements bluetooth.AdapterStateObserver.
func (d *Dispatcher) AdapterDiscoveringChanged(bool) {}

// DiscoverySessionsInvalidated implements bluetooth.AdapterStateObserver:
// the sessions' discovery handles are dead, so a later Rescan starts fresh.
func (d *Dispatcher) DiscoverySessionsInvalidated() {
	if d.closed {
		return
	}
	for _, sess := range d.sessions {
		sess.discovery = nil
		if sess.chooser != nil {
			sess.chooser.ShowDiscoveryState(DiscoveryIdle)
		}
	}
}

// DeviceAdded implements bluetooth.DeviceObserver: every open chooser gets
// the candidate if it matches that session's filters.
func (d *Dispatcher) DeviceAdded(dev *bluetooth.Device) {
	if d.closed {
		return
	}
	for _, sess := range d.sessions {
		sess.addFilteredDevice(dev)
	}
}

// DeviceChanged implements bluetooth.DeviceObserver.
func (d *Dispatcher) DeviceChanged(*bluetooth.Device) {}

// DeviceRemoved implements bluetooth.DeviceObserver.
func (d *Dispatcher) DeviceRemoved(dev *bluetooth.Device) {
	if d.closed {
		return
	}
	for _, sess := range d.sessions {
		if sess.chooser != nil {
			sess.chooser.RemoveDevice(dev.Address())
		}
	}
}

// GattServicesDiscovered implements bluetooth.GattObserver: parked
// GetPrimaryService requests replay exactly once against the final set.
func (d *Dispatcher) GattServicesDiscovered(dev *bluetooth.Device) {
	if d.closed {
		return
	}
	addr := dev.Address()
	reqs := d.pendingPrimary[addr]
	if len(reqs) == 0 {
		return
	}
	delete(d.pendingPrimary, addr)
	for _, req := range reqs {
		if svc := primaryServiceByUUID(dev, req.uuid); svc != nil {
			d.sendService(req.cor, dev, svc)
			continue
		}
		d.caller.Send(errorFrame(req.cor, ErrorServiceNotFound, "no such primary service on this device"))
	}
	if len(d.pendingPrimary[addr]) != 0 {
		failInvariant(d.log, "primary-service requests parked during their own replay")
	}
}

// GattCharacteristicValueChanged implements bluetooth.GattObserver: the new
// value fans out to the threads registered for the characteristic, each on
// its own turn so it lands after whichever read resolved this change.
func (d *Dispatcher) GattCharacteristicValueChanged(_ *bluetooth.Device, ch *bluetooth.GattCharacteristic, value []byte) {
	if d.closed {
		return
	}
	threads := d.activeThreads[ch.ID()]
	if len(threads) == 0 {
		return
	}
	id := ch.ID()
	v := append([]byte(nil), value...)
	for tid := range threads {
		d.loop.Post(func() {
			if d.closed {
				return
			}
			d.caller.Send(valueChangedFrame(tid, id, v))
		})
	}
}

type queryOutcome int

const (
	querySuccess queryOutcome = iota
	queryBadCaller
	queryNoDevice
	queryNoService
	queryNoCharacteristic
)

// cacheQuery resolves an issued identifier back to live objects, recording
// how far the chain got.
type cacheQuery struct {
	outcome        queryOutcome
	device         *bluetooth.Device
	service        *bluetooth.GattService
	characteristic *bluetooth.GattCharacteristic
}

func (q cacheQuery) errorKind() string {
	switch q.outcome {
	case queryNoDevice:
		return ErrorDeviceNoLongerInRange
	case queryNoService:
		return ErrorServiceNoLongerExists
	case queryNoCharacteristic:
		return ErrorCharacteristicNoLongerExists
	}
	return ""
}

// queryDevice resolves a device address. Addresses are not capability
// tokens, so an unknown one is an out-of-range error, never a violation.
func (d *Dispatcher) queryDevice(deviceID string) cacheQuery {
	dev := d.mgr.DeviceByAddress(deviceID)
	if dev == nil {
		return cacheQuery{outcome: queryNoDevice}
	}
	return cacheQuery{outcome: querySuccess, device: dev}
}

func (d *Dispatcher) queryService(serviceID string) cacheQuery {
	deviceID, issued := d.serviceToDevice[serviceID]
	if !issued {
		d.terminate(ViolationInvalidServiceID)
		return cacheQuery{outcome: queryBadCaller}
	}
	q := d.queryDevice(deviceID)
	if q.outcome != querySuccess {
		return q
	}
	svc := q.device.Gatt().ServiceByID(serviceID)
	if svc == nil {
		q.outcome = queryNoService
		return q
	}
	q.service = svc
	return q
}

func (d *Dispatcher) queryCharacteristic(characteristicID string) cacheQuery {
	serviceID, issued := d.charToService[characteristicID]
	if !issued {
		d.terminate(ViolationInvalidCharacteristicID)
		return cacheQuery{outcome: queryBadCaller}
	}
	q := d.queryService(serviceID)
	if q.outcome != querySuccess {
		return q
	}
	ch := q.service.CharacteristicByID(characteristicID)
	if ch == nil {
		q.outcome = queryNoCharacteristic
		return q
	}
	q.characteristic = ch
	return q
}

// answerQueryError sends the typed error for a failed resolution. A
// bad-caller outcome already terminated the caller and gets no response.
func (d *Dispatcher) answerQueryError(cor Correlation, q cacheQuery) {
	if q.outcome == queryBadCaller || d.closed {
		return
	}
	d.caller.Send(errorFrame(cor, q.errorKind(), ""))
}

func (d *Dispatcher) sendService(cor Correlation, dev *bluetooth.Device, svc *bluetooth.GattService) {
	d.serviceToDevice[svc.ID()] = dev.Address()
	d.caller.Send(serviceFrame(cor, svc.ID()))
}

func (d *Dispatcher) forEachChooser(fn func(Chooser)) {
	for _, sess := range d.sessions {
		if sess.chooser != nil {
			fn(sess.chooser)
		}
	}
}

func primaryServiceByUUID(dev *bluetooth.Device, uuid bluetooth.UUID) *bluetooth.GattService {
	for _, svc := range dev.Gatt().PrimaryServices() {
		if svc.UUID() == uuid {
			return svc
		}
	}
	return nil
}

func canonicalizeFilters(in []bluetooth.ScanFilter) ([]bluetooth.ScanFilter, error) {
	out := make([]bluetooth.ScanFilter, len(in))
	for i, f := range in {
		out[i] = bluetooth.ScanFilter{Name: f.Name, NamePrefix: f.NamePrefix}
		if len(f.Services) == 0 {
			continue
		}
		services := make([]bluetooth.UUID, len(f.Services))
		for j, u := range f.Services {
			cu, err := bluetooth.CanonicalUUID(string(u))
			if err != nil {
				return nil, err
			}
			services[j] = cu
		}
		out[i].Services = services
	}
	return out, nil
}
