package bluetooth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// UUID is a Bluetooth UUID in canonical 128-bit form: lowercase, dashed,
// 16- and 32-bit aliases expanded against the Bluetooth base UUID.
type UUID string

const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// CanonicalUUID expands and validates a UUID string. Accepted inputs are
// 4-digit (16-bit) and 8-digit (32-bit) hex aliases, with or without an "0x"
// prefix, and full 128-bit UUIDs with dashes. Everything is folded to
// lowercase canonical form.
func CanonicalUUID(s string) (UUID, error) {
	in := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	switch len(in) {
	case 4:
		in = "0000" + in + bluetoothBaseSuffix
	case 8:
		in = in + bluetoothBaseSuffix
	}
	parsed, err := uuid.Parse(in)
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return UUID(parsed.String()), nil
}

// MustUUID is CanonicalUUID for trusted literals; it panics on bad input.
func MustUUID(s string) UUID {
	u, err := CanonicalUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Short returns the 16-bit alias ("180d") when the UUID sits on the Bluetooth
// base, otherwise the full canonical string. Display only.
func (u UUID) Short() string {
	s := string(u)
	if strings.HasPrefix(s, "0000") && strings.HasSuffix(s, bluetoothBaseSuffix) {
		return s[4:8]
	}
	return s
}

func (u UUID) String() string { return string(u) }

// CanonicalUUIDs canonicalizes a list, rejecting the first invalid entry.
func CanonicalUUIDs(in []string) ([]UUID, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]UUID, 0, len(in))
	for i, s := range in {
		u, err := CanonicalUUID(s)
		if err != nil {
			return nil, fmt.Errorf("UUID at index %d: %w", i, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// UUIDSet is an order-insensitive set of canonical UUIDs.
type UUIDSet map[UUID]struct{}

func NewUUIDSet(uuids ...UUID) UUIDSet {
	s := make(UUIDSet, len(uuids))
	for _, u := range uuids {
		s[u] = struct{}{}
	}
	return s
}

func (s UUIDSet) Contains(u UUID) bool {
	_, ok := s[u]
	return ok
}

func (s UUIDSet) Add(u UUID) { s[u] = struct{}{} }

// Union returns a new set holding every member of s and other.
func (s UUIDSet) Union(other UUIDSet) UUIDSet {
	out := make(UUIDSet, len(s)+len(other))
	for u := range s {
		out[u] = struct{}{}
	}
	for u := range other {
		out[u] = struct{}{}
	}
	return out
}

// Equal reports whether both sets hold exactly the same members.
func (s UUIDSet) Equal(other UUIDSet) bool {
	if len(s) != len(other) {
		return false
	}
	for u := range s {
		if _, ok := other[u]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns the members in lexical order, for stable logging and wire
// encoding.
func (s UUIDSet) Sorted() []UUID {
	out := make([]UUID, 0, len(s))
	for u := range s {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
