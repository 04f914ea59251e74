package dispatch

// DiscoveryState is what a chooser shows about the scan feeding it.
type DiscoveryState int

const (
	DiscoveryIdle DiscoveryState = iota
	DiscoveryRunning
	DiscoveryFailedToStart
)

// AdapterPresence is what a chooser shows about the adapter itself.
type AdapterPresence int

const (
	AdapterAbsent AdapterPresence = iota
	AdapterPoweredOff
	AdapterPoweredOn
)

// ChooserEventKind classifies an event a chooser hands back.
type ChooserEventKind int

const (
	// ChooserRescan asks for discovery to run again.
	ChooserRescan ChooserEventKind = iota
	// ChooserCancelled ends the prompt with no device.
	ChooserCancelled
	// ChooserDeniedPermission refuses the prompt outright.
	ChooserDeniedPermission
	// ChooserSelected picks the device named by Address.
	ChooserSelected
	// ChooserShowHelp asks for help text; the session is unaffected.
	ChooserShowHelp
)

// ChooserEvent is one user decision. Address is set for ChooserSelected,
// Topic for ChooserShowHelp.
type ChooserEvent struct {
	Kind    ChooserEventKind
	Address string
	Topic   string
}

// ChooserEventHandler receives chooser events. Implementations of Chooser
// must deliver events on the loop the owning Dispatcher runs on; delivering
// inline from a Chooser method call is fine since those are made on-loop.
type ChooserEventHandler func(ev ChooserEvent)

// Chooser is a device prompt shown to whoever speaks for the caller. The
// Dispatcher feeds it candidates and state; it answers through the handler.
// After Close, or after the chooser emits a terminal event, the Dispatcher
// stops calling it.
type Chooser interface {
	ShowDiscoveryState(state DiscoveryState)
	SetAdapterPresence(p AdapterPresence)

	AddDevice(address, name string)
	RemoveDevice(address string)

	// CanAskForScanningPermission reports whether a prompt can be shown at
	// all. When false the session resolves as permission-denied without
	// surfacing anything.
	CanAskForScanningPermission() bool

	Close()
}

// ChooserFactory builds a chooser for one RequestDevice flow. Returning nil
// makes the Dispatcher fall back to a FirstDeviceChooser.
type ChooserFactory func(origin string, handler ChooserEventHandler) Chooser

// FirstDeviceChooser answers with the first device it is offered. It is the
// fallback when no interactive chooser is installed and the workhorse in
// tests: headless, deterministic, no prompt.
type FirstDeviceChooser struct {
	handler ChooserEventHandler
	chosen  bool
}

// NewFirstDeviceChooser builds the fallback chooser.
func NewFirstDeviceChooser(handler ChooserEventHandler) *FirstDeviceChooser {
	return &FirstDeviceChooser{handler: handler}
}

func (c *FirstDeviceChooser) ShowDiscoveryState(DiscoveryState)  {}
func (c *FirstDeviceChooser) SetAdapterPresence(AdapterPresence) {}
func (c *FirstDeviceChooser) RemoveDevice(string)                {}

// AddDevice selects the first candidate, inline. The handler releases the
// chooser synchronously, so repeats cannot happen through the Dispatcher;
// the chosen flag guards direct misuse.
func (c *FirstDeviceChooser) AddDevice(address, _ string) {
	if c.chosen {
		return
	}
	c.chosen = true
	c.handler(ChooserEvent{Kind: ChooserSelected, Address: address})
}

func (c *FirstDeviceChooser) CanAskForScanningPermission() bool { return true }

func (c *FirstDeviceChooser) Close() {}
