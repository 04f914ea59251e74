package bluetooth_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/bluegate/internal/bluetooth"
	"github.com/srg/bluegate/internal/bluetooth/fakeadapter"
)

// gattRecorder captures GATT observer callbacks.
type gattRecorder struct {
	discovered []string
	values     []valueChange
}

type valueChange struct {
	address string
	charID  string
	value   []byte
}

func (r *gattRecorder) GattServicesDiscovered(d *bluetooth.Device) {
	r.discovered = append(r.discovered, d.Address())
}

func (r *gattRecorder) GattCharacteristicValueChanged(d *bluetooth.Device, ch *bluetooth.GattCharacteristic, value []byte) {
	r.values = append(r.values, valueChange{d.Address(), ch.ID(), append([]byte(nil), value...)})
}

type DeviceTestSuite struct {
	suite.Suite

	log  *logrus.Logger
	loop *bluetooth.Loop
}

func TestDeviceTestSuite(t *testing.T) {
	suite.Run(t, new(DeviceTestSuite))
}

func (suite *DeviceTestSuite) SetupTest() {
	suite.log = logrus.New()
	suite.log.SetLevel(logrus.PanicLevel)
	suite.loop = bluetooth.NewLoop(suite.log)
}

func (suite *DeviceTestSuite) pump() {
	suite.loop.RunPending()
}

// discover builds a manager over the backend, runs one unfiltered scan and
// returns the peripheral at the given address.
func (suite *DeviceTestSuite) discover(backend bluetooth.AdapterBackend, address string) (*bluetooth.AdapterManager, *bluetooth.Device) {
	mgr := bluetooth.NewAdapterManager(suite.loop, backend, suite.log)
	suite.pump()

	mgr.AddSession(nil,
		func(*bluetooth.DiscoverySession) {},
		func(err error) { suite.FailNow("scan MUST start", "got %v", err) })
	suite.pump()

	d := mgr.DeviceByAddress(address)
	suite.Require().NotNil(d, "peripheral MUST surface once the scan runs")
	return mgr, d
}

// connect drives one CreateGattConnection to completion.
func (suite *DeviceTestSuite) connect(d *bluetooth.Device) *bluetooth.GattConnection {
	var h *bluetooth.GattConnection
	d.CreateGattConnection(
		func(c *bluetooth.GattConnection) { h = c },
		func(err error) { suite.FailNow("connect MUST succeed", "got %v", err) })
	suite.pump()
	suite.Require().NotNil(h)
	return h
}

func (suite *DeviceTestSuite) findCharacteristic(d *bluetooth.Device, svcUUID, chUUID string) *bluetooth.GattCharacteristic {
	for _, svc := range d.Gatt().Services() {
		if svc.UUID() != bluetooth.MustUUID(svcUUID) {
			continue
		}
		for _, ch := range svc.Characteristics() {
			if ch.UUID() == bluetooth.MustUUID(chUUID) {
				return ch
			}
		}
	}
	return nil
}

func (suite *DeviceTestSuite) TestConcurrentConnectsShareOneAttempt() {
	// GOAL: Verify callers piling onto an in-flight connect share one backend
	// attempt yet each receives an independent handle
	//
	// TEST SCENARIO: Two CreateGattConnection calls before the attempt
	// resolves → one backend connect → two distinct valid handles

	backend := fakeadapter.NewHeartRate(suite.loop)
	_, d := suite.discover(backend, fakeadapter.HeartRateAddress)

	var h1, h2 *bluetooth.GattConnection
	d.CreateGattConnection(func(c *bluetooth.GattConnection) { h1 = c },
		func(error) { suite.FailNow("connect MUST succeed") })
	suite.Assert().True(d.IsGattConnected(), "an in-flight attempt MUST count as connected intent")
	d.CreateGattConnection(func(c *bluetooth.GattConnection) { h2 = c },
		func(error) { suite.FailNow("connect MUST succeed") })
	suite.pump()

	suite.Require().NotNil(h1)
	suite.Require().NotNil(h2)
	suite.Assert().NotSame(h1, h2, "every caller MUST get its own handle")
	suite.Assert().True(h1.IsConnected())
	suite.Assert().True(h2.IsConnected())
	suite.Assert().Equal(1, backend.Calls().Connect, "callers MUST share one backend attempt")
}

func (suite *DeviceTestSuite) TestAlreadyConnectedAnswersImmediately() {
	// GOAL: Verify a connect request against an established link is answered
	// without waiting for another loop turn
	//
	// TEST SCENARIO: Connected device → CreateGattConnection → handle handed
	// over before any pump

	backend := fakeadapter.NewHeartRate(suite.loop)
	_, d := suite.discover(backend, fakeadapter.HeartRateAddress)
	suite.connect(d)

	var h *bluetooth.GattConnection
	d.CreateGattConnection(func(c *bluetooth.GattConnection) { h = c },
		func(error) { suite.FailNow("connect MUST succeed") })

	suite.Require().NotNil(h, "an established link MUST answer immediately")
	suite.Assert().True(h.IsConnected())
	suite.Assert().Equal(1, backend.Calls().Connect, "no second backend attempt MUST be made")
}

func (suite *DeviceTestSuite) TestConnectFailureAnswersEveryCaller() {
	// GOAL: Verify a failed attempt fails every caller that piled onto it
	// with a translated error
	//
	// TEST SCENARIO: Link-layer rejection → both callers get a typed connect
	// error → no handles exist

	backend := fakeadapter.NewFailingConnections(suite.loop)
	_, d := suite.discover(backend, fakeadapter.HeartRateAddress)

	var err1, err2 error
	d.CreateGattConnection(func(*bluetooth.GattConnection) { suite.FailNow("connect MUST fail") },
		func(e error) { err1 = e })
	d.CreateGattConnection(func(*bluetooth.GattConnection) { suite.FailNow("connect MUST fail") },
		func(e error) { err2 = e })
	suite.pump()

	suite.Assert().ErrorIs(err1, &bluetooth.ConnectError{Code: bluetooth.ConnectErrorFailed},
		"the daemon error MUST be translated")
	suite.Assert().ErrorIs(err2, &bluetooth.ConnectError{Code: bluetooth.ConnectErrorFailed})
	suite.Assert().False(d.IsGattConnected())
	suite.Assert().Equal(1, backend.Calls().Connect)
}

func (suite *DeviceTestSuite) TestLastHandleReleasesBackendLink() {
	// GOAL: Verify handles are independent and only the last one closing
	// releases the physical link
	//
	// TEST SCENARIO: Two handles → close one, link survives → close the
	// other, backend disconnect issued

	backend := fakeadapter.NewHeartRate(suite.loop)
	_, d := suite.discover(backend, fakeadapter.HeartRateAddress)
	h1 := suite.connect(d)
	h2 := suite.connect(d)

	h1.Disconnect()
	suite.pump()
	suite.Assert().False(h1.IsConnected(), "a closed handle MUST go invalid")
	suite.Assert().True(h2.IsConnected(), "other handles MUST survive")
	suite.Assert().Equal(0, backend.Calls().Disconnect, "the link MUST stay up while handles remain")

	h2.Disconnect()
	suite.pump()
	suite.Assert().Equal(1, backend.Calls().Disconnect, "the last handle MUST release the link")
	suite.Assert().False(d.IsGattConnected())
}

func (suite *DeviceTestSuite) TestRepeatedDisconnectOfSameHandleIsIdempotent() {
	// GOAL: Verify closing an already-closed handle changes nothing
	//
	// TEST SCENARIO: One handle closed twice → exactly one backend disconnect

	backend := fakeadapter.NewHeartRate(suite.loop)
	_, d := suite.discover(backend, fakeadapter.HeartRateAddress)
	h := suite.connect(d)

	h.Disconnect()
	h.Disconnect()
	suite.pump()

	suite.Assert().Equal(1, backend.Calls().Disconnect)
}

func (suite *DeviceTestSuite) TestRemoteDisconnectInvalidatesHandles() {
	// GOAL: Verify a remote-side disconnect invalidates every handle without
	// the handles' own Disconnect reaching the backend afterwards
	//
	// TEST SCENARIO: Two handles → link drops → both invalid → closing them
	// issues no backend traffic

	backend := fakeadapter.NewHeartRate(suite.loop)
	_, d := suite.discover(backend, fakeadapter.HeartRateAddress)
	h1 := suite.connect(d)
	h2 := suite.connect(d)

	backend.DropConnection(fakeadapter.HeartRateAddress)
	suite.pump()

	suite.Assert().False(h1.IsConnected(), "a dropped link MUST invalidate handles")
	suite.Assert().False(h2.IsConnected())
	suite.Assert().False(d.IsGattConnected())

	h1.Disconnect()
	h2.Disconnect()
	suite.pump()
	suite.Assert().Equal(0, backend.Calls().Disconnect,
		"dead handles MUST NOT issue backend disconnects")
}

func (suite *DeviceTestSuite) TestDisconnectDuringInFlightConnectFailsCallers() {
	// GOAL: Verify a disconnect racing an unresolved connect attempt fails
	// the waiting callers with a generic failure, and a late completion of
	// that attempt lands on nobody
	//
	// TEST SCENARIO: Parked connect → remote disconnect → caller failed →
	// a second disconnect with nothing pending is a quiet no-op → the parked
	// completion finally fires into empty pending lists

	backend := fakeadapter.New(suite.loop).
		WithPeripheral(fakeadapter.HeartRateAddress, "Heart Rate Monitor").
		WithAdvertisedUUIDs("180d").
		WithHangingConnect().
		Build()
	_, d := suite.discover(backend, fakeadapter.HeartRateAddress)

	var gotErr error
	d.CreateGattConnection(func(*bluetooth.GattConnection) { suite.FailNow("connect MUST fail") },
		func(e error) { gotErr = e })
	suite.pump()
	suite.Require().Nil(gotErr, "the parked attempt MUST still be in flight")

	backend.DropConnection(fakeadapter.HeartRateAddress)
	suite.pump()
	suite.Assert().ErrorIs(gotErr, &bluetooth.ConnectError{Code: bluetooth.ConnectErrorFailed},
		"a raced connect MUST fail generically")
	suite.Assert().False(d.IsGattConnected())

	backend.DropConnection(fakeadapter.HeartRateAddress)
	suite.pump()

	backend.CompleteConnect(fakeadapter.HeartRateAddress)
	suite.pump()
	suite.Assert().False(d.IsGattConnected(),
		"the late completion MUST NOT resurrect the failed caller")
}

func (suite *DeviceTestSuite) TestServiceDiscoveryPopulatesCacheOnce() {
	// GOAL: Verify the attribute cache fills from discovery events and the
	// discovered notification fires exactly once even if the daemon repeats
	// the walk
	//
	// TEST SCENARIO: Connect → layout lands, completion flips → replayed
	// walk adds nothing and notifies nobody

	backend := fakeadapter.NewHeartRate(suite.loop)
	mgr, d := suite.discover(backend, fakeadapter.HeartRateAddress)
	rec := &gattRecorder{}
	mgr.AddGattObserver(rec)

	suite.connect(d)

	suite.Require().True(d.Gatt().Complete(), "discovery MUST be complete after the walk")
	suite.Assert().Equal([]string{fakeadapter.HeartRateAddress}, rec.discovered)
	suite.Require().Len(d.Gatt().Services(), 2)

	hr := suite.findCharacteristic(d, "180d", "2a37")
	suite.Require().NotNil(hr, "the heart rate measurement characteristic MUST be cached")
	suite.Assert().True(hr.Properties().Has(bluetooth.PropertyNotify))

	services := len(d.Gatt().Services())
	backend.CompleteServiceDiscovery(fakeadapter.HeartRateAddress)
	suite.pump()
	suite.Assert().Len(d.Gatt().Services(), services, "a replayed walk MUST add nothing")
	suite.Assert().Equal([]string{fakeadapter.HeartRateAddress}, rec.discovered,
		"the discovered notification MUST NOT repeat")
}

func (suite *DeviceTestSuite) TestDelayedServiceDiscovery() {
	// GOAL: Verify a connect can complete before the GATT walk and the cache
	// stays open until the daemon finishes
	//
	// TEST SCENARIO: Connect with delayed layout → cache empty and
	// incomplete → daemon completes → layout cached, observers told

	backend := fakeadapter.NewDelayedServicesDiscovery(suite.loop)
	mgr, d := suite.discover(backend, fakeadapter.HeartRateAddress)
	rec := &gattRecorder{}
	mgr.AddGattObserver(rec)

	h := suite.connect(d)
	suite.Assert().True(h.IsConnected())
	suite.Assert().False(d.Gatt().Complete(), "the cache MUST stay open until the walk ends")
	suite.Assert().Empty(d.Gatt().Services())
	suite.Assert().Empty(rec.discovered)

	backend.CompleteServiceDiscovery(fakeadapter.HeartRateAddress)
	suite.pump()

	suite.Assert().True(d.Gatt().Complete())
	suite.Assert().Len(d.Gatt().Services(), 2)
	suite.Assert().Equal([]string{fakeadapter.HeartRateAddress}, rec.discovered)
}

func (suite *DeviceTestSuite) TestValueChangesRouteThroughCache() {
	// GOAL: Verify daemon value changes update the cached characteristic and
	// fan out with the resolved attribute
	//
	// TEST SCENARIO: Subscribe to heart rate measurement → daemon notifies →
	// observer sees the characteristic and bytes, cache holds the value

	backend := fakeadapter.NewHeartRate(suite.loop)
	mgr, d := suite.discover(backend, fakeadapter.HeartRateAddress)
	rec := &gattRecorder{}
	mgr.AddGattObserver(rec)
	suite.connect(d)

	hr := suite.findCharacteristic(d, "180d", "2a37")
	suite.Require().NotNil(hr)

	var subscribed bool
	d.StartNotify(hr.ID(), func() { subscribed = true },
		func(err error) { suite.FailNow("subscription MUST succeed", "got %v", err) })
	suite.pump()
	suite.Require().True(subscribed)
	suite.Assert().True(backend.Subscribed(hr.ID()))

	backend.NotifyValue(hr.ID(), []byte{0x06, 0x48})
	suite.pump()

	suite.Require().Len(rec.values, 1)
	suite.Assert().Equal(hr.ID(), rec.values[0].charID,
		"the event MUST carry the resolved characteristic")
	suite.Assert().Equal([]byte{0x06, 0x48}, rec.values[0].value)
	suite.Assert().Equal([]byte{0x06, 0x48}, hr.Value(), "the cache MUST hold the latest value")

	d.StopNotify(hr.ID(), func() {}, func(err error) { suite.FailNow("unsubscribe MUST succeed", "got %v", err) })
	suite.pump()
	suite.Assert().False(backend.Subscribed(hr.ID()))
}

func (suite *DeviceTestSuite) TestGattOperationsRespectProperties() {
	// GOAL: Verify reads and writes round-trip through the backend and
	// property violations surface as translatable daemon errors
	//
	// TEST SCENARIO: Read a readable, write a writable, then read the
	// write-only control point → not-permitted

	backend := fakeadapter.NewHeartRate(suite.loop)
	_, d := suite.discover(backend, fakeadapter.HeartRateAddress)
	suite.connect(d)

	bodyLoc := suite.findCharacteristic(d, "180d", "2a38")
	ctrl := suite.findCharacteristic(d, "180d", "2a39")
	suite.Require().NotNil(bodyLoc)
	suite.Require().NotNil(ctrl)

	var got []byte
	d.ReadCharacteristic(bodyLoc.ID(), func(v []byte) { got = v },
		func(err error) { suite.FailNow("read MUST succeed", "got %v", err) })
	suite.pump()
	suite.Assert().Equal([]byte{0x01}, got)

	var wrote bool
	d.WriteCharacteristic(ctrl.ID(), []byte{0x01}, func() { wrote = true },
		func(err error) { suite.FailNow("write MUST succeed", "got %v", err) })
	suite.pump()
	suite.Assert().True(wrote)
	suite.Assert().Equal([]byte{0x01}, backend.CharacteristicValue(ctrl.ID()))

	var readErr error
	d.ReadCharacteristic(ctrl.ID(), func([]byte) { suite.FailNow("read of a write-only attribute MUST fail") },
		func(err error) { readErr = err })
	suite.pump()
	suite.Require().Error(readErr)
	suite.Assert().Equal(bluetooth.GattErrorNotPermitted, bluetooth.TranslateGattError(readErr).Code,
		"the daemon rejection MUST translate to not-permitted")
}

func (suite *DeviceTestSuite) TestScriptedGattFailuresTranslate() {
	// GOAL: Verify per-characteristic failure scripts surface with their
	// daemon error names intact
	//
	// TEST SCENARIO: Failing device → read one char → generic failure → read
	// the other → not-authorized

	backend := fakeadapter.NewFailingGATTOperations(suite.loop)
	_, d := suite.discover(backend, fakeadapter.ErrorsAddress)
	suite.connect(d)

	failing := suite.findCharacteristic(d, "181c", "2a8a")
	restricted := suite.findCharacteristic(d, "181c", "2a90")
	suite.Require().NotNil(failing)
	suite.Require().NotNil(restricted)

	var err1, err2 error
	d.ReadCharacteristic(failing.ID(), func([]byte) { suite.FailNow("read MUST fail") },
		func(e error) { err1 = e })
	d.ReadCharacteristic(restricted.ID(), func([]byte) { suite.FailNow("read MUST fail") },
		func(e error) { err2 = e })
	suite.pump()

	suite.Assert().Equal(bluetooth.GattErrorFailed, bluetooth.TranslateGattError(err1).Code)
	suite.Assert().Equal(bluetooth.GattErrorNotAuthorized, bluetooth.TranslateGattError(err2).Code)
}

func (suite *DeviceTestSuite) TestVanishedDeviceInvalidatesConnections() {
	// GOAL: Verify registry removal invalidates handles and turns later
	// handle operations into no-ops
	//
	// TEST SCENARIO: Connected device vanishes → handle invalid, registry
	// empty → Disconnect issues nothing

	backend := fakeadapter.NewHeartRate(suite.loop)
	mgr, d := suite.discover(backend, fakeadapter.HeartRateAddress)
	h := suite.connect(d)

	backend.VanishPeripheral(fakeadapter.HeartRateAddress)
	suite.pump()

	suite.Assert().Nil(mgr.DeviceByAddress(fakeadapter.HeartRateAddress))
	suite.Assert().False(h.IsConnected(), "handles of a vanished device MUST be invalid")

	h.Disconnect()
	suite.pump()
	suite.Assert().Equal(0, backend.Calls().Disconnect,
		"a vanished device MUST NOT receive a disconnect")
}

func (suite *DeviceTestSuite) TestDeviceMetadataFromDiscovery() {
	// GOAL: Verify discovery carries advertisement metadata into the device
	// entry
	//
	// TEST SCENARIO: Scripted peripheral → advertised UUIDs, class and name
	// visible on the registry entry

	backend := fakeadapter.New(suite.loop).
		WithPeripheral(fakeadapter.HeartRateAddress, "Strap").
		WithAdvertisedUUIDs("180d", "180f").
		WithClass(0x0504).
		WithRSSI(-61).
		Build()
	_, d := suite.discover(backend, fakeadapter.HeartRateAddress)

	suite.Assert().Equal("Strap", d.Name())
	suite.Assert().Equal(int16(-61), d.RSSI())
	suite.Assert().Equal(bluetooth.DeviceJoystick, d.Type())
	suite.Assert().True(d.AdvertisedUUIDs().Contains(bluetooth.MustUUID("180d")))
	suite.Assert().True(d.AdvertisedUUIDs().Contains(bluetooth.MustUUID("180f")))
	suite.Assert().False(d.Paired())
}
