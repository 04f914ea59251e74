package bluetooth

import "strings"

// Transport selects which radio bearers a discovery covers.
type Transport int

const (
	TransportDual Transport = iota
	TransportLE
	TransportClassic
)

func (t Transport) String() string {
	switch t {
	case TransportLE:
		return "le"
	case TransportClassic:
		return "bredr"
	default:
		return "auto"
	}
}

// DiscoveryFilter narrows what the backend scans for. A nil *DiscoveryFilter
// means unfiltered discovery.
type DiscoveryFilter struct {
	Transport Transport
	UUIDs     UUIDSet
}

// NewDiscoveryFilter builds a filter over the given service UUIDs.
func NewDiscoveryFilter(transport Transport, uuids ...UUID) *DiscoveryFilter {
	return &DiscoveryFilter{Transport: transport, UUIDs: NewUUIDSet(uuids...)}
}

// Copy returns an independent copy; nil stays nil.
func (f *DiscoveryFilter) Copy() *DiscoveryFilter {
	if f == nil {
		return nil
	}
	return &DiscoveryFilter{Transport: f.Transport, UUIDs: f.UUIDs.Union(nil)}
}

// Equal reports whether two filters (either possibly nil) select the same
// discovery scope.
func (f *DiscoveryFilter) Equal(other *DiscoveryFilter) bool {
	if f == nil || other == nil {
		return f == nil && other == nil
	}
	return f.Transport == other.Transport && f.UUIDs.Equal(other.UUIDs)
}

func (f *DiscoveryFilter) String() string {
	if f == nil {
		return "<unfiltered>"
	}
	uuids := f.UUIDs.Sorted()
	parts := make([]string, 0, len(uuids))
	for _, u := range uuids {
		parts = append(parts, u.Short())
	}
	return f.Transport.String() + "[" + strings.Join(parts, ",") + "]"
}

// MergeFilters widens a to also cover b: the UUID sets are unioned and the
// transport stays narrow only when both sides already agree on it. A nil on
// either side means unfiltered, and unfiltered absorbs everything.
func MergeFilters(a, b *DiscoveryFilter) *DiscoveryFilter {
	if a == nil || b == nil {
		return nil
	}
	transport := TransportDual
	if a.Transport == b.Transport {
		transport = a.Transport
	}
	return &DiscoveryFilter{Transport: transport, UUIDs: a.UUIDs.Union(b.UUIDs)}
}

// UnionOfFilters folds a whole filter list with MergeFilters. An empty list
// and a list containing an unfiltered entry both yield nil.
func UnionOfFilters(filters []*DiscoveryFilter) *DiscoveryFilter {
	if len(filters) == 0 {
		return nil
	}
	out := filters[0].Copy()
	for _, f := range filters[1:] {
		out = MergeFilters(out, f)
		if out == nil {
			return nil
		}
	}
	return out
}

// MaxDeviceNameLength bounds the name and name-prefix fields a boundary scan
// filter may carry.
const MaxDeviceNameLength = 29

// ScanFilter is one boundary-supplied device filter: a candidate device
// matches when its name equals Name (if set), its name starts with NamePrefix
// (if set), and it advertises every UUID in Services (if any).
type ScanFilter struct {
	Name       string `json:"name,omitempty"`
	NamePrefix string `json:"name_prefix,omitempty"`
	Services   []UUID `json:"services,omitempty"`
}

// EmptyOrInvalid reports whether the filter is unusable: no name, no name
// prefix and no services, with both text fields over the name-length bound.
func (f *ScanFilter) EmptyOrInvalid() bool {
	return f.Name == "" &&
		f.NamePrefix == "" &&
		len(f.Services) == 0 &&
		len(f.Name) > MaxDeviceNameLength &&
		len(f.NamePrefix) > MaxDeviceNameLength
}

// HasEmptyOrInvalidFilter reports whether the filter list as a whole is
// unusable: an empty list, or any single unusable entry.
func HasEmptyOrInvalidFilter(filters []ScanFilter) bool {
	if len(filters) == 0 {
		return true
	}
	for i := range filters {
		if filters[i].EmptyOrInvalid() {
			return true
		}
	}
	return false
}

// Matches reports whether a device with the given name and advertised UUIDs
// satisfies this filter.
func (f *ScanFilter) Matches(name string, advertised UUIDSet) bool {
	if f.Name != "" && name != f.Name {
		return false
	}
	if f.NamePrefix != "" && !strings.HasPrefix(name, f.NamePrefix) {
		return false
	}
	for _, u := range f.Services {
		if !advertised.Contains(u) {
			return false
		}
	}
	return true
}

// MatchesAnyFilter reports whether the device satisfies at least one filter.
func MatchesAnyFilter(name string, advertised UUIDSet, filters []ScanFilter) bool {
	for i := range filters {
		if filters[i].Matches(name, advertised) {
			return true
		}
	}
	return false
}

// ComputeScanFilter folds boundary filters into the discovery filter handed
// to the backend: the union of every requested service UUID over both
// transports. Name constraints are matched host-side, not by the radio.
func ComputeScanFilter(filters []ScanFilter) *DiscoveryFilter {
	uuids := NewUUIDSet()
	for i := range filters {
		for _, u := range filters[i].Services {
			uuids.Add(u)
		}
	}
	return &DiscoveryFilter{Transport: TransportDual, UUIDs: uuids}
}
