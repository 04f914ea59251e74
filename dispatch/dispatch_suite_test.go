//go:build test

package dispatch_test

import (
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/bluegate/dispatch"
	"github.com/srg/bluegate/internal/bluetooth"
	"github.com/srg/bluegate/internal/bluetooth/fakeadapter"
)

// recordingCaller captures everything a dispatcher sends its caller.
type recordingCaller struct {
	origin     string
	frames     []dispatch.Frame
	violations []dispatch.Violation
}

func (c *recordingCaller) Origin() string { return c.origin }

func (c *recordingCaller) Send(f dispatch.Frame) {
	c.frames = append(c.frames, f)
}

func (c *recordingCaller) Terminate(v dispatch.Violation) {
	c.violations = append(c.violations, v)
}

func (c *recordingCaller) framesOf(op string) []dispatch.Frame {
	var out []dispatch.Frame
	for _, f := range c.frames {
		if f.Op == op {
			out = append(out, f)
		}
	}
	return out
}

// scriptedChooser records what the dispatcher shows it and lets tests play
// the user.
type scriptedChooser struct {
	handler  dispatch.ChooserEventHandler
	refuse   bool
	states   []dispatch.DiscoveryState
	presence []dispatch.AdapterPresence
	added    []string
	removed  []string
	closed   int
}

func (c *scriptedChooser) ShowDiscoveryState(s dispatch.DiscoveryState) {
	c.states = append(c.states, s)
}

func (c *scriptedChooser) SetAdapterPresence(p dispatch.AdapterPresence) {
	c.presence = append(c.presence, p)
}

func (c *scriptedChooser) AddDevice(address, _ string) {
	c.added = append(c.added, address)
}

func (c *scriptedChooser) RemoveDevice(address string) {
	c.removed = append(c.removed, address)
}

func (c *scriptedChooser) CanAskForScanningPermission() bool { return !c.refuse }

func (c *scriptedChooser) Close() { c.closed++ }

func (c *scriptedChooser) selectDevice(address string) {
	c.handler(dispatch.ChooserEvent{Kind: dispatch.ChooserSelected, Address: address})
}

func (c *scriptedChooser) cancel() {
	c.handler(dispatch.ChooserEvent{Kind: dispatch.ChooserCancelled})
}

func (c *scriptedChooser) rescan() {
	c.handler(dispatch.ChooserEvent{Kind: dispatch.ChooserRescan})
}

func cor(thread, request int) dispatch.Correlation {
	return dispatch.Correlation{ThreadID: thread, RequestID: request}
}

func serviceFilter(uuid string) bluetooth.ScanFilter {
	return bluetooth.ScanFilter{Services: []bluetooth.UUID{bluetooth.UUID(uuid)}}
}

// DispatchTestSuite is the shared fixture: a manually pumped loop, a
// recording caller and scripted choosers handed out by the factory.
type DispatchTestSuite struct {
	suite.Suite

	log      *logrus.Logger
	loop     *bluetooth.Loop
	caller   *recordingCaller
	choosers []*scriptedChooser

	refusePermission bool
}

func (suite *DispatchTestSuite) SetupTest() {
	suite.log = logrus.New()
	suite.log.SetLevel(logrus.PanicLevel)
	suite.loop = bluetooth.NewLoop(suite.log)
	suite.caller = &recordingCaller{origin: "ws://127.0.0.1:52113"}
	suite.choosers = nil
	suite.refusePermission = false
}

func (suite *DispatchTestSuite) pump() {
	suite.loop.RunPending()
}

func (suite *DispatchTestSuite) chooserFactory(_ string, handler dispatch.ChooserEventHandler) dispatch.Chooser {
	c := &scriptedChooser{handler: handler, refuse: suite.refusePermission}
	suite.choosers = append(suite.choosers, c)
	return c
}

func (suite *DispatchTestSuite) newDispatcher(backend *fakeadapter.Backend) (*bluetooth.AdapterManager, *dispatch.Dispatcher) {
	return suite.newDispatcherCfg(backend, dispatch.Config{ChooserFactory: suite.chooserFactory})
}

func (suite *DispatchTestSuite) newDispatcherCfg(backend *fakeadapter.Backend, cfg dispatch.Config) (*bluetooth.AdapterManager, *dispatch.Dispatcher) {
	mgr := bluetooth.NewAdapterManager(suite.loop, backend, suite.log)
	disp := dispatch.NewDispatcher(suite.loop, mgr, suite.caller, cfg, suite.log)
	suite.pump()
	return mgr, disp
}

// chooser returns the chooser of the most recently opened session.
func (suite *DispatchTestSuite) chooser() *scriptedChooser {
	suite.Require().NotEmpty(suite.choosers, "a chooser MUST have been created")
	return suite.choosers[len(suite.choosers)-1]
}

func (suite *DispatchTestSuite) lastFrame() dispatch.Frame {
	suite.Require().NotEmpty(suite.caller.frames, "a frame MUST have been sent")
	return suite.caller.frames[len(suite.caller.frames)-1]
}

// chooseDevice plays a selection on the open chooser and returns the frame
// that resolves the request.
func (suite *DispatchTestSuite) chooseDevice(address string) dispatch.Frame {
	suite.chooser().selectDevice(address)
	suite.pump()
	return suite.lastFrame()
}
