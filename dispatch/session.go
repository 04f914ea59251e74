package dispatch

import (
	"github.com/srg/bluegate/internal/bluetooth"
)

// requestDeviceSession correlates one pending RequestDevice flow: the
// request it answers, the filters it scans under, the chooser prompting the
// user, and the discovery session keeping the radio on.
//
// The chooser handle is dropped synchronously on a terminal chooser event so
// nothing re-enters through it; the session itself, and its discovery
// session, are finalized on the next loop turn.
type requestDeviceSession struct {
	cor              Correlation
	filters          []bluetooth.ScanFilter
	optionalServices []bluetooth.UUID

	chooser   Chooser
	discovery *bluetooth.DiscoverySession
}

// addFilteredDevice offers a candidate to the chooser if it matches at least
// one of the session's filters. No-op once the chooser is released.
func (s *requestDeviceSession) addFilteredDevice(d *bluetooth.Device) {
	if s.chooser == nil {
		return
	}
	if !bluetooth.MatchesAnyFilter(d.Name(), d.AdvertisedUUIDs(), s.filters) {
		return
	}
	s.chooser.AddDevice(d.Address(), d.Name())
}

// scanFilter folds the session's filters into the discovery filter handed to
// the adapter.
func (s *requestDeviceSession) scanFilter() *bluetooth.DiscoveryFilter {
	return bluetooth.ComputeScanFilter(s.filters)
}
