//go:build test

package dispatch_test

import (
	"testing"

	"github.com/srgg/testify/depend"

	"github.com/srg/bluegate/dispatch"
	"github.com/srg/bluegate/internal/bluetooth"
	"github.com/srg/bluegate/internal/bluetooth/fakeadapter"
	"github.com/srg/bluegate/internal/testutils"
)

// FrameWireTestSuite pins the JSON shape of outbound frames. Clients parse
// these by key, so renames and casing changes are breaking even when the Go
// structs still round-trip.
type FrameWireTestSuite struct {
	DispatchTestSuite

	seq int
}

// TestFrameWireTestSuite runs the test suite
func TestFrameWireTestSuite(t *testing.T) {
	depend.RunSuite(t, new(FrameWireTestSuite))
}

func (suite *FrameWireTestSuite) SetupTest() {
	suite.DispatchTestSuite.SetupTest()
	suite.seq = 0
}

func (suite *FrameWireTestSuite) nextCor() dispatch.Correlation {
	suite.seq++
	return cor(1, suite.seq)
}

func (suite *FrameWireTestSuite) TestDeviceFoundWireShape() {
	// GOAL: Verify the deviceFound frame serializes with snake_case keys,
	// canonical service UUIDs and the correlation echoed verbatim
	//
	// TEST SCENARIO: Resolve a selection against the heart-rate peripheral
	// and compare the marshaled frame against the documented wire shape

	backend := fakeadapter.NewHeartRate(suite.loop)
	_, disp := suite.newDispatcher(backend)

	disp.RequestDevice(suite.nextCor(), []bluetooth.ScanFilter{serviceFilter("180d")}, nil)
	suite.pump()
	found := suite.chooseDevice(fakeadapter.HeartRateAddress)

	testutils.NewJSONAsserter(suite.T()).Assert(testutils.MustJSON(found), `{
		"op": "deviceFound",
		"thread_id": 1,
		"request_id": 1,
		"device": {
			"id": "AA:BB:CC:DD:EE:FF",
			"name": "Heart Rate Monitor",
			"type": "unknown",
			"paired": false,
			"rssi": -60,
			"uuids": ["0000180d-0000-1000-8000-00805f9b34fb"]
		}
	}`)
}

func (suite *FrameWireTestSuite) TestValueAndErrorWireShape() {
	// GOAL: Verify value frames carry base64 payloads and error frames carry
	// the typed kind, with zero-value fields omitted from the wire
	//
	// TEST SCENARIO: Read a characteristic → value frame with base64 bytes;
	// read a nonexistent service id → error frame with kind and message

	backend := fakeadapter.NewHeartRate(suite.loop)
	_, disp := suite.newDispatcher(backend)

	disp.RequestDevice(suite.nextCor(), []bluetooth.ScanFilter{serviceFilter("180d")}, nil)
	suite.pump()
	found := suite.chooseDevice(fakeadapter.HeartRateAddress)

	disp.ConnectGATT(suite.nextCor(), found.Device.ID)
	suite.pump()
	disp.GetPrimaryService(suite.nextCor(), found.Device.ID, "180d")
	suite.pump()
	serviceID := suite.lastFrame().ServiceID
	suite.Require().NotEmpty(serviceID)

	disp.GetCharacteristic(suite.nextCor(), serviceID, "2a38")
	suite.pump()
	charID := suite.lastFrame().CharacteristicID
	suite.Require().NotEmpty(charID)

	disp.ReadValue(suite.nextCor(), charID)
	suite.pump()

	ja := testutils.NewJSONAsserter(suite.T()).WithOptions(
		testutils.WithAllowPresencePlaceholder(true),
	)
	ja.Assert(testutils.MustJSON(suite.lastFrame()), `{
		"op": "value",
		"thread_id": 1,
		"request_id": 5,
		"value": "AQ=="
	}`)

	disp.GetPrimaryService(suite.nextCor(), found.Device.ID, "180f")
	suite.pump()

	ja.Assert(testutils.MustJSON(suite.lastFrame()), `{
		"op": "error",
		"thread_id": 1,
		"request_id": 6,
		"error": "service_not_found",
		"message": "<<PRESENCE>>"
	}`)
}
