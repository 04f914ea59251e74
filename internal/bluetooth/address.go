package bluetooth

import "strings"

// CanonicalizeAddress normalizes a Bluetooth address to uppercase
// colon-separated form ("1A:2B:3C:4D:5E:6F"). Accepted inputs are twelve bare
// hex digits, or six hex pairs joined by a single consistent separator, either
// ':' or '-'. Anything else canonicalizes to the empty string. The function is
// idempotent: feeding its own output back yields the same string.
func CanonicalizeAddress(address string) string {
	if len(address) == 12 {
		var b strings.Builder
		b.Grow(17)
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			hi, ok1 := upperHex(address[i])
			lo, ok2 := upperHex(address[i+1])
			if !ok1 || !ok2 {
				return ""
			}
			b.WriteByte(hi)
			b.WriteByte(lo)
		}
		return b.String()
	}

	if len(address) != 17 {
		return ""
	}
	sep := address[2]
	if sep != ':' && sep != '-' {
		return ""
	}
	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 17; i += 3 {
		if i > 0 {
			if address[i-1] != sep {
				return ""
			}
			b.WriteByte(':')
		}
		hi, ok1 := upperHex(address[i])
		lo, ok2 := upperHex(address[i+1])
		if !ok1 || !ok2 {
			return ""
		}
		b.WriteByte(hi)
		b.WriteByte(lo)
	}
	return b.String()
}

func upperHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c, true
	case c >= 'A' && c <= 'F':
		return c, true
	case c >= 'a' && c <= 'f':
		return c - ('a' - 'A'), true
	}
	return 0, false
}

// DeviceType is the coarse classification derived from a device's
// class-of-device value.
type DeviceType int

const (
	DeviceUnknown DeviceType = iota
	DeviceComputer
	DevicePhone
	DeviceModem
	DeviceAudio
	DeviceCarAudio
	DeviceVideo
	DevicePeripheral
	DeviceJoystick
	DeviceGamepad
	DeviceKeyboard
	DeviceMouse
	DeviceTablet
	DeviceKeyboardMouseCombo
)

var deviceTypeNames = map[DeviceType]string{
	DeviceUnknown:            "unknown",
	DeviceComputer:           "computer",
	DevicePhone:              "phone",
	DeviceModem:              "modem",
	DeviceAudio:              "audio",
	DeviceCarAudio:           "car_audio",
	DeviceVideo:              "video",
	DevicePeripheral:         "peripheral",
	DeviceJoystick:           "joystick",
	DeviceGamepad:            "gamepad",
	DeviceKeyboard:           "keyboard",
	DeviceMouse:              "mouse",
	DeviceTablet:             "tablet",
	DeviceKeyboardMouseCombo: "keyboard_mouse_combo",
}

func (t DeviceType) String() string {
	if s, ok := deviceTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ClassifyDevice maps a class-of-device value onto a DeviceType. Major class
// lives in bits 8-12, minor class in bits 2-7; peripheral minors carry a
// keyboard/pointer field in the top two minor bits.
func ClassifyDevice(class uint32) DeviceType {
	switch (class & 0x1f00) >> 8 {
	case 0x01:
		return DeviceComputer
	case 0x02:
		switch (class & 0xfc) >> 2 {
		case 0x01, 0x02, 0x03, 0x05:
			return DevicePhone
		case 0x04:
			return DeviceModem
		}
	case 0x04:
		switch (class & 0xfc) >> 2 {
		case 0x08:
			return DeviceCarAudio
		case 0x0b, 0x0c, 0x0d:
			return DeviceVideo
		default:
			return DeviceAudio
		}
	case 0x05:
		switch (class & 0xc0) >> 6 {
		case 0x00:
			switch (class & 0x1e) >> 2 {
			case 0x01:
				return DeviceJoystick
			case 0x02:
				return DeviceGamepad
			default:
				return DevicePeripheral
			}
		case 0x01:
			return DeviceKeyboard
		case 0x02:
			switch (class & 0x1e) >> 2 {
			case 0x05:
				return DeviceTablet
			default:
				return DeviceMouse
			}
		case 0x03:
			return DeviceKeyboardMouseCombo
		}
	}
	return DeviceUnknown
}
