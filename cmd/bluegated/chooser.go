package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/srg/bluegate/dispatch"
	"github.com/srg/bluegate/internal/bluetooth"
)

// consoleChooserFactory builds choosers that prompt on the daemon's TTY. One
// prompt at a time: device requests arriving while another prompt is open are
// denied, since two interleaved stdin dialogs cannot be told apart.
func consoleChooserFactory(loop *bluetooth.Loop, logger *logrus.Logger) dispatch.ChooserFactory {
	var active sync.Mutex
	return func(origin string, handler dispatch.ChooserEventHandler) dispatch.Chooser {
		if !active.TryLock() {
			logger.WithField("origin", origin).Warn("chooser busy, denying device request")
			return &deniedChooser{loop: loop, handler: handler}
		}
		c := &consoleChooser{
			loop:    loop,
			logger:  logger,
			handler: handler,
			origin:  origin,
			release: active.Unlock,
			known:   make(map[string]string),
		}
		go c.readStdin()
		return c
	}
}

// deniedChooser refuses the prompt: CanAskForScanningPermission false makes
// the dispatcher resolve the session as permission-denied without scanning.
type deniedChooser struct {
	loop    *bluetooth.Loop
	handler dispatch.ChooserEventHandler
}

func (c *deniedChooser) ShowDiscoveryState(dispatch.DiscoveryState)  {}
func (c *deniedChooser) SetAdapterPresence(dispatch.AdapterPresence) {}
func (c *deniedChooser) AddDevice(string, string)                    {}
func (c *deniedChooser) RemoveDevice(string)                         {}
func (c *deniedChooser) CanAskForScanningPermission() bool           { return false }
func (c *deniedChooser) Close()                                      {}

// consoleChooser renders candidates as a numbered list and reads the
// operator's pick from stdin. Chooser methods run on the loop; the stdin
// reader posts its answer back onto it.
type consoleChooser struct {
	loop    *bluetooth.Loop
	logger  *logrus.Logger
	handler dispatch.ChooserEventHandler
	origin  string
	release func()

	mu      sync.Mutex
	closed  bool
	order   []string
	known   map[string]string
}

func (c *consoleChooser) ShowDiscoveryState(state dispatch.DiscoveryState) {
	switch state {
	case dispatch.DiscoveryRunning:
		fmt.Printf("%s scanning for %s ...\n", color.CyanString("[chooser]"), c.origin)
		fmt.Println("  pick a device by number, 'r' to rescan, 'c' to cancel, 'd' to deny")
	case dispatch.DiscoveryFailedToStart:
		fmt.Printf("%s scan failed to start\n", color.RedString("[chooser]"))
	}
}

func (c *consoleChooser) SetAdapterPresence(p dispatch.AdapterPresence) {
	if p != dispatch.AdapterPoweredOn {
		fmt.Printf("%s bluetooth adapter unavailable\n", color.YellowString("[chooser]"))
	}
}

func (c *consoleChooser) AddDevice(address, name string) {
	c.mu.Lock()
	if _, seen := c.known[address]; !seen {
		c.order = append(c.order, address)
	}
	c.known[address] = name
	idx := len(c.order)
	c.mu.Unlock()

	if name == "" {
		name = "(unnamed)"
	}
	fmt.Printf("  [%d] %s  %s\n", idx, color.GreenString(name), address)
}

func (c *consoleChooser) RemoveDevice(address string) {
	c.mu.Lock()
	name := c.known[address]
	c.mu.Unlock()
	fmt.Printf("  %s %s %s\n", color.YellowString("gone:"), name, address)
}

// CanAskForScanningPermission requires an interactive stdin; a daemonized
// process has nobody to ask.
func (c *consoleChooser) CanAskForScanningPermission() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func (c *consoleChooser) Close() {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if !alreadyClosed {
		c.release()
	}
}

// readStdin parses operator input until the prompt resolves. Stdin reads
// cannot be interrupted; input arriving after Close is discarded.
func (c *consoleChooser) readStdin() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, ok := c.parse(line)
		if !ok {
			fmt.Println("  pick a device by number, 'r' to rescan, 'c' to cancel, 'd' to deny")
			continue
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.loop.Post(func() {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.handler(ev)
			}
		})
		if ev.Kind != dispatch.ChooserRescan {
			return
		}
	}
}

func (c *consoleChooser) parse(line string) (dispatch.ChooserEvent, bool) {
	switch line {
	case "r":
		return dispatch.ChooserEvent{Kind: dispatch.ChooserRescan}, true
	case "c":
		return dispatch.ChooserEvent{Kind: dispatch.ChooserCancelled}, true
	case "d":
		return dispatch.ChooserEvent{Kind: dispatch.ChooserDeniedPermission}, true
	}
	idx, err := strconv.Atoi(line)
	if err != nil {
		return dispatch.ChooserEvent{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 1 || idx > len(c.order) {
		return dispatch.ChooserEvent{}, false
	}
	return dispatch.ChooserEvent{Kind: dispatch.ChooserSelected, Address: c.order[idx-1]}, true
}
