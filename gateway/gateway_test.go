package gateway_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
	"nhooyr.io/websocket"

	"github.com/srg/bluegate/dispatch"
	"github.com/srg/bluegate/gateway"
	"github.com/srg/bluegate/internal/bluetooth"
	"github.com/srg/bluegate/internal/bluetooth/fakeadapter"
)

// recordedSelection is one RecordSelection call.
type recordedSelection struct {
	origin, address, name string
}

// selectionRecorder captures journal calls across goroutines.
type selectionRecorder struct {
	mu         sync.Mutex
	selections []recordedSelection
}

func (r *selectionRecorder) RecordSelection(origin, address, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selections = append(r.selections, recordedSelection{origin, address, name})
}

func (r *selectionRecorder) all() []recordedSelection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedSelection(nil), r.selections...)
}

type GatewayTestSuite struct {
	suite.Suite

	loop     *bluetooth.Loop
	backend  *fakeadapter.Backend
	server   *gateway.Server
	recorder *selectionRecorder
	httpSrv  *httptest.Server
	cancel   context.CancelFunc
}

func TestGatewayTestSuite(t *testing.T) {
	suite.Run(t, new(GatewayTestSuite))
}

func (suite *GatewayTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	suite.loop = bluetooth.NewLoop(logger)
	suite.backend = fakeadapter.NewHeartRate(suite.loop)
	mgr := bluetooth.NewAdapterManager(suite.loop, suite.backend, logger)
	suite.recorder = &selectionRecorder{}
	suite.server = gateway.NewServer(suite.loop, mgr, dispatch.Config{}, suite.recorder, logger)
	suite.httpSrv = httptest.NewServer(suite.server)

	ctx, cancel := context.WithCancel(context.Background())
	suite.cancel = cancel
	go suite.loop.Run(ctx)
}

func (suite *GatewayTestSuite) TearDownTest() {
	suite.server.Close()
	suite.httpSrv.Close()
	suite.cancel()
}

func (suite *GatewayTestSuite) dial() *websocket.Conn {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(suite.httpSrv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	suite.Require().NoError(err, "dial MUST succeed")
	return conn
}

func (suite *GatewayTestSuite) send(conn *websocket.Conn, req dispatch.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(req)
	suite.Require().NoError(err)
	suite.Require().NoError(conn.Write(ctx, websocket.MessageText, data))
}

func (suite *GatewayTestSuite) read(conn *websocket.Conn) dispatch.Frame {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	suite.Require().NoError(err, "read MUST yield a frame")
	var f dispatch.Frame
	suite.Require().NoError(json.Unmarshal(data, &f))
	return f
}

// requestHeartRateDevice walks one client through device selection and
// returns the granted device id.
func (suite *GatewayTestSuite) requestHeartRateDevice(conn *websocket.Conn) string {
	suite.send(conn, dispatch.Request{
		Op:          dispatch.OpRequestDevice,
		Correlation: dispatch.Correlation{ThreadID: 1, RequestID: 1},
		Filters:     []bluetooth.ScanFilter{{Services: []bluetooth.UUID{"180d"}}},
	})
	f := suite.read(conn)
	suite.Require().Equal(dispatch.OpDeviceFound, f.Op, "selection MUST resolve with deviceFound")
	suite.Require().NotNil(f.Device)
	return f.Device.ID
}

func (suite *GatewayTestSuite) TestRequestDeviceRoundTrip() {
	// GOAL: Verify a full boundary round trip: requestDevice over a real
	// websocket resolves with the scripted heart rate monitor, correlation
	// echoed, and the selection lands in the journal
	//
	// TEST SCENARIO: Dial, send requestDevice with a 180d filter → the
	// first-device chooser selects the monitor → deviceFound carries the
	// address and the recorder holds one selection

	conn := suite.dial()
	defer conn.Close(websocket.StatusNormalClosure, "")

	suite.send(conn, dispatch.Request{
		Op:          dispatch.OpRequestDevice,
		Correlation: dispatch.Correlation{ThreadID: 7, RequestID: 42},
		Filters:     []bluetooth.ScanFilter{{Services: []bluetooth.UUID{"180d"}}},
	})

	f := suite.read(conn)
	suite.Assert().Equal(dispatch.OpDeviceFound, f.Op)
	suite.Assert().Equal(7, f.ThreadID, "thread id MUST be echoed")
	suite.Assert().Equal(42, f.RequestID, "request id MUST be echoed")
	suite.Require().NotNil(f.Device)
	suite.Assert().Equal(fakeadapter.HeartRateAddress, f.Device.ID)
	suite.Assert().Equal("Heart Rate Monitor", f.Device.Name)

	suite.Require().Eventually(func() bool {
		return len(suite.recorder.all()) == 1
	}, 2*time.Second, 10*time.Millisecond, "the selection MUST be journaled")
	sel := suite.recorder.all()[0]
	suite.Assert().Equal(fakeadapter.HeartRateAddress, sel.address)
	suite.Assert().Equal("Heart Rate Monitor", sel.name)
}

func (suite *GatewayTestSuite) TestGattOperationsOverWire() {
	// GOAL: Verify the GATT operation chain works end to end over the wire:
	// connect, service and characteristic lookup, read
	//
	// TEST SCENARIO: After selection, connectGATT → connected; walk down to
	// the body sensor location characteristic and read its value

	conn := suite.dial()
	defer conn.Close(websocket.StatusNormalClosure, "")
	deviceID := suite.requestHeartRateDevice(conn)

	suite.send(conn, dispatch.Request{
		Op:          dispatch.OpConnectGATT,
		Correlation: dispatch.Correlation{ThreadID: 1, RequestID: 2},
		DeviceID:    deviceID,
	})
	f := suite.read(conn)
	suite.Require().Equal(dispatch.OpConnected, f.Op, "connect MUST succeed: %s", f.Error)
	suite.Assert().Equal(deviceID, f.DeviceID)

	suite.send(conn, dispatch.Request{
		Op:          dispatch.OpGetPrimaryService,
		Correlation: dispatch.Correlation{ThreadID: 1, RequestID: 3},
		DeviceID:    deviceID,
		UUID:        "180d",
	})
	f = suite.read(conn)
	suite.Require().Equal(dispatch.OpService, f.Op, "service lookup MUST succeed: %s", f.Error)
	serviceID := f.ServiceID
	suite.Require().NotEmpty(serviceID)

	suite.send(conn, dispatch.Request{
		Op:          dispatch.OpGetCharacteristic,
		Correlation: dispatch.Correlation{ThreadID: 1, RequestID: 4},
		ServiceID:   serviceID,
		UUID:        "2a38",
	})
	f = suite.read(conn)
	suite.Require().Equal(dispatch.OpCharacteristic, f.Op, "characteristic lookup MUST succeed: %s", f.Error)
	charID := f.CharacteristicID
	suite.Require().NotEmpty(charID)

	suite.send(conn, dispatch.Request{
		Op:               dispatch.OpReadValue,
		Correlation:      dispatch.Correlation{ThreadID: 1, RequestID: 5},
		CharacteristicID: charID,
	})
	f = suite.read(conn)
	suite.Require().Equal(dispatch.OpValue, f.Op, "read MUST succeed: %s", f.Error)
	suite.Assert().Equal([]byte{0x01}, f.Value)
}

func (suite *GatewayTestSuite) TestOversizedWriteClosesWithPolicyViolation() {
	// GOAL: Verify the oversized-write protocol violation reaches the wire as
	// a policy-violation close with no normal response frame
	//
	// TEST SCENARIO: Walk to a writable characteristic, send a 513-byte
	// write → the next read fails with StatusPolicyViolation

	conn := suite.dial()
	defer conn.Close(websocket.StatusNormalClosure, "")
	deviceID := suite.requestHeartRateDevice(conn)

	suite.send(conn, dispatch.Request{
		Op:          dispatch.OpConnectGATT,
		Correlation: dispatch.Correlation{ThreadID: 1, RequestID: 2},
		DeviceID:    deviceID,
	})
	suite.Require().Equal(dispatch.OpConnected, suite.read(conn).Op)

	suite.send(conn, dispatch.Request{
		Op:          dispatch.OpGetPrimaryService,
		Correlation: dispatch.Correlation{ThreadID: 1, RequestID: 3},
		DeviceID:    deviceID,
		UUID:        "180d",
	})
	serviceID := suite.read(conn).ServiceID

	suite.send(conn, dispatch.Request{
		Op:          dispatch.OpGetCharacteristic,
		Correlation: dispatch.Correlation{ThreadID: 1, RequestID: 4},
		ServiceID:   serviceID,
		UUID:        "2a39",
	})
	charID := suite.read(conn).CharacteristicID

	suite.send(conn, dispatch.Request{
		Op:               dispatch.OpWriteValue,
		Correlation:      dispatch.Correlation{ThreadID: 1, RequestID: 5},
		CharacteristicID: charID,
		Value:            make([]byte, dispatch.MaxWriteLength+1),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	suite.Require().Error(err, "the connection MUST be severed, not answered")
	suite.Assert().Equal(websocket.StatusPolicyViolation, websocket.CloseStatus(err),
		"close status MUST be policy violation")
}

func (suite *GatewayTestSuite) TestForgedIdentifierClosesWithPolicyViolation() {
	// GOAL: Verify a characteristic id this caller was never issued tears the
	// connection down instead of producing a not-found error
	//
	// TEST SCENARIO: Fresh client sends readValue with a plausible-looking id
	// → policy-violation close

	conn := suite.dial()
	defer conn.Close(websocket.StatusNormalClosure, "")

	suite.send(conn, dispatch.Request{
		Op:               dispatch.OpReadValue,
		Correlation:      dispatch.Correlation{ThreadID: 1, RequestID: 1},
		CharacteristicID: "AA:BB:CC:DD:EE:FF/svc2/chr1",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	suite.Require().Error(err)
	suite.Assert().Equal(websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func (suite *GatewayTestSuite) TestMalformedFrameClosesWithPolicyViolation() {
	// GOAL: Verify bytes that do not decode as a request frame terminate the
	// caller at the gateway without reaching a dispatcher
	//
	// TEST SCENARIO: Send junk → policy-violation close

	conn := suite.dial()
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	suite.Require().NoError(conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	_, _, err := conn.Read(ctx)
	suite.Require().Error(err)
	suite.Assert().Equal(websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func (suite *GatewayTestSuite) TestNotificationsFanOutOverWire() {
	// GOAL: Verify the notification path: startNotifications acks, a scripted
	// value change reaches a registered caller as an unsolicited frame
	//
	// TEST SCENARIO: Subscribe and register the heart rate measurement
	// characteristic, inject NotifyValue → characteristicValueChanged frame
	// with the injected bytes and the registered thread id

	conn := suite.dial()
	defer conn.Close(websocket.StatusNormalClosure, "")
	deviceID := suite.requestHeartRateDevice(conn)

	suite.send(conn, dispatch.Request{
		Op:          dispatch.OpConnectGATT,
		Correlation: dispatch.Correlation{ThreadID: 1, RequestID: 2},
		DeviceID:    deviceID,
	})
	suite.Require().Equal(dispatch.OpConnected, suite.read(conn).Op)

	suite.send(conn, dispatch.Request{
		Op:          dispatch.OpGetPrimaryService,
		Correlation: dispatch.Correlation{ThreadID: 1, RequestID: 3},
		DeviceID:    deviceID,
		UUID:        "180d",
	})
	serviceID := suite.read(conn).ServiceID

	suite.send(conn, dispatch.Request{
		Op:          dispatch.OpGetCharacteristic,
		Correlation: dispatch.Correlation{ThreadID: 1, RequestID: 4},
		ServiceID:   serviceID,
		UUID:        "2a37",
	})
	charID := suite.read(conn).CharacteristicID

	suite.send(conn, dispatch.Request{
		Op:               dispatch.OpStartNotifications,
		Correlation:      dispatch.Correlation{ThreadID: 1, RequestID: 5},
		CharacteristicID: charID,
	})
	suite.Require().Equal(dispatch.OpAck, suite.read(conn).Op, "subscription MUST ack")

	suite.send(conn, dispatch.Request{
		Op:               dispatch.OpRegisterCharacteristic,
		Correlation:      dispatch.Correlation{ThreadID: 1},
		CharacteristicID: charID,
	})

	// Registration has no reply. A readValue behind it on the same socket
	// proves the register turn has landed before the change is injected; the
	// read itself is rejected (notify-only characteristic) but still answers.
	suite.send(conn, dispatch.Request{
		Op:               dispatch.OpReadValue,
		Correlation:      dispatch.Correlation{ThreadID: 1, RequestID: 6},
		CharacteristicID: charID,
	})
	suite.Require().Equal(6, suite.read(conn).RequestID)

	suite.Assert().True(suite.backend.Subscribed(charID), "the backend MUST hold the subscription")
	suite.loop.Post(func() { suite.backend.NotifyValue(charID, []byte{0x16, 0x48}) })

	f := suite.read(conn)
	suite.Assert().Equal(dispatch.OpValueChanged, f.Op, "the change MUST arrive unsolicited")
	suite.Assert().Equal(1, f.ThreadID, "the registered thread MUST be addressed")
	suite.Assert().Equal(charID, f.CharacteristicID)
	suite.Assert().Equal([]byte{0x16, 0x48}, f.Value)
}
