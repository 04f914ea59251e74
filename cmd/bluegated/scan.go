package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bluegate/internal/bluetooth"
)

// scanCmd runs one discovery session through the same manager the daemon
// uses and prints what it saw.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Bluetooth devices",
	Long: `Scan for nearby Bluetooth devices using the configured backend.

This opens one discovery session against the adapter, waits for the scan
duration (or Ctrl+C) and prints the discovered devices with their names,
addresses, RSSI values and advertised services.`,
	RunE: runScanCmd,
}

var (
	scanDuration time.Duration
	scanServices []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Narrow discovery to these service UUIDs")
}

func runScanCmd(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	var filter *bluetooth.DiscoveryFilter
	if len(scanServices) > 0 {
		uuids, err := bluetooth.CanonicalUUIDs(scanServices)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
		filter = bluetooth.NewDiscoveryFilter(bluetooth.TransportLE, uuids...)
	}

	loop := bluetooth.NewLoop(logger)
	backend, cleanup, err := newBackend(cfg, loop, logger)
	if err != nil {
		return fmt.Errorf("initialize %s backend: %w", cfg.Backend, err)
	}
	defer cleanup()

	mgr := bluetooth.NewAdapterManager(loop, backend, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	started := make(chan error, 1)
	var session *bluetooth.DiscoverySession
	loop.Post(func() {
		mgr.AddSession(filter,
			func(s *bluetooth.DiscoverySession) {
				session = s
				started <- nil
			},
			func(err error) { started <- err },
		)
	})
	if err := <-started; err != nil {
		stop()
		<-loopDone
		return fmt.Errorf("start discovery: %w", err)
	}

	fmt.Printf("Scanning for %s (Ctrl+C to stop) ...\n", scanDuration)
	select {
	case <-ctx.Done():
	case <-time.After(scanDuration):
	}

	collected := make(chan []deviceRow, 1)
	loop.Post(func() {
		var rows []deviceRow
		for _, d := range mgr.Devices() {
			uuids := d.AdvertisedUUIDs().Sorted()
			shorts := make([]string, len(uuids))
			for i, u := range uuids {
				shorts[i] = u.Short()
			}
			rows = append(rows, deviceRow{
				name:     d.Name(),
				address:  d.Address(),
				rssi:     d.RSSI(),
				services: strings.Join(shorts, ","),
			})
		}
		if session != nil {
			session.Stop(func() {}, func(error) {})
		}
		collected <- rows
	})
	rows := <-collected

	stop()
	<-loopDone

	return renderDeviceTable(os.Stdout, rows)
}

type deviceRow struct {
	name, address, services string
	rssi                    int16
}

func renderDeviceTable(out io.Writer, rows []deviceRow) error {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].name > rows[j].name })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := color.New(color.Bold)
	header.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES")
	fmt.Fprintln(w, strings.Repeat("-", 64))
	for _, r := range rows {
		name := r.name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := r.services
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\n", name, r.address, r.rssi, services)
	}
	return w.Flush()
}
