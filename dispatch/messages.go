package dispatch

import (
	"errors"

	"github.com/srg/bluegate/internal/bluetooth"
)

// Request operation names accepted from a caller.
const (
	OpRequestDevice            = "requestDevice"
	OpConnectGATT              = "connectGATT"
	OpGetPrimaryService        = "getPrimaryService"
	OpGetCharacteristic        = "getCharacteristic"
	OpReadValue                = "readValue"
	OpWriteValue               = "writeValue"
	OpStartNotifications       = "startNotifications"
	OpStopNotifications        = "stopNotifications"
	OpRegisterCharacteristic   = "registerCharacteristic"
	OpUnregisterCharacteristic = "unregisterCharacteristic"
)

// Response operation names sent to a caller.
const (
	OpDeviceFound    = "deviceFound"
	OpConnected      = "connected"
	OpService        = "service"
	OpCharacteristic = "characteristic"
	OpValue          = "value"
	OpAck            = "ack"
	OpError          = "error"
	OpValueChanged   = "characteristicValueChanged"
)

// Error kinds carried by OpError frames. Backend failures append their
// translated subcode: "connect_<code>", "gatt_<code>".
const (
	ErrorAdapterNotPresent            = "adapter_not_present"
	ErrorChooserCancelled             = "chooser_cancelled"
	ErrorChooserDeniedPermission      = "chooser_denied_permission"
	ErrorChosenDeviceVanished         = "chosen_device_vanished"
	ErrorDeviceNoLongerInRange        = "device_no_longer_in_range"
	ErrorServiceNoLongerExists        = "service_no_longer_exists"
	ErrorCharacteristicNoLongerExists = "characteristic_no_longer_exists"
	ErrorServiceNotFound              = "service_not_found"
	ErrorCharacteristicNotFound       = "characteristic_not_found"
)

// MaxWriteLength bounds a characteristic write payload. A longer value is a
// protocol violation, not an error response: the long attribute write path
// fragments on the caller's side, so an oversized buffer here is forged.
const MaxWriteLength = 512

// Request is one decoded caller frame. Unused fields stay zero; the
// dispatcher validates the ones the op requires.
type Request struct {
	Op string `json:"op"`
	Correlation

	Filters          []bluetooth.ScanFilter `json:"filters,omitempty"`
	OptionalServices []string               `json:"optional_services,omitempty"`
	DeviceID         string                 `json:"device_id,omitempty"`
	ServiceID        string                 `json:"service_id,omitempty"`
	CharacteristicID string                 `json:"characteristic_id,omitempty"`
	UUID             string                 `json:"uuid,omitempty"`
	Value            []byte                 `json:"value,omitempty"`
}

// Frame is one outbound message: a response (correlation echoed) or an
// unsolicited event (OpValueChanged, request_id zero).
type Frame struct {
	Op string `json:"op"`
	Correlation

	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	Device           *DevicePayload `json:"device,omitempty"`
	DeviceID         string         `json:"device_id,omitempty"`
	ServiceID        string         `json:"service_id,omitempty"`
	CharacteristicID string         `json:"characteristic_id,omitempty"`
	Properties       uint32         `json:"properties,omitempty"`
	Value            []byte         `json:"value,omitempty"`
	BytesWritten     int            `json:"bytes_written,omitempty"`
}

// DevicePayload describes a chosen device to the caller.
type DevicePayload struct {
	ID     string   `json:"id"`
	Name   string   `json:"name,omitempty"`
	Class  uint32   `json:"class,omitempty"`
	Type   string   `json:"type"`
	Paired bool     `json:"paired"`
	RSSI   int16    `json:"rssi,omitempty"`
	UUIDs  []string `json:"uuids,omitempty"`
}

func errorFrame(cor Correlation, kind, message string) Frame {
	return Frame{Op: OpError, Correlation: cor, Error: kind, Message: message}
}

func deviceFoundFrame(cor Correlation, d *bluetooth.Device) Frame {
	uuids := d.AdvertisedUUIDs().Sorted()
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = string(u)
	}
	return Frame{Op: OpDeviceFound, Correlation: cor, Device: &DevicePayload{
		ID:     d.Address(),
		Name:   d.Name(),
		Class:  d.Class(),
		Type:   d.Type().String(),
		Paired: d.Paired(),
		RSSI:   d.RSSI(),
		UUIDs:  out,
	}}
}

func connectedFrame(cor Correlation, deviceID string) Frame {
	return Frame{Op: OpConnected, Correlation: cor, DeviceID: deviceID}
}

func serviceFrame(cor Correlation, serviceID string) Frame {
	return Frame{Op: OpService, Correlation: cor, ServiceID: serviceID}
}

func characteristicFrame(cor Correlation, id string, props bluetooth.CharacteristicProperties) Frame {
	return Frame{Op: OpCharacteristic, Correlation: cor, CharacteristicID: id, Properties: uint32(props)}
}

func valueFrame(cor Correlation, value []byte) Frame {
	return Frame{Op: OpValue, Correlation: cor, Value: value}
}

func writeAckFrame(cor Correlation, n int) Frame {
	return Frame{Op: OpAck, Correlation: cor, BytesWritten: n}
}

func ackFrame(cor Correlation) Frame {
	return Frame{Op: OpAck, Correlation: cor}
}

func valueChangedFrame(threadID int, characteristicID string, value []byte) Frame {
	return Frame{
		Op:               OpValueChanged,
		Correlation:      Correlation{ThreadID: threadID},
		CharacteristicID: characteristicID,
		Value:            value,
	}
}

// connectErrorKind folds a connection failure into its wire error kind.
func connectErrorKind(err error) string {
	var ce *bluetooth.ConnectError
	if !errors.As(err, &ce) {
		ce = bluetooth.TranslateConnectError(err)
	}
	return "connect_" + ce.Code.String()
}

// gattErrorKind folds an attribute operation failure into its wire error
// kind. Backend errors arrive untranslated; typed ones pass through.
func gattErrorKind(err error) string {
	var ge *bluetooth.GattError
	if !errors.As(err, &ge) {
		ge = bluetooth.TranslateGattError(err)
	}
	return "gatt_" + ge.Code.String()
}
