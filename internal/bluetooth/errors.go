package bluetooth

import (
	"errors"
	"fmt"
)

// Sentinel errors for adapter-level outcomes. Callers match these with
// errors.Is.
var (
	// ErrAdapterNotPresent is returned when an operation needs a usable
	// adapter and none is present.
	ErrAdapterNotPresent = errors.New("bluetooth adapter not present")

	// ErrRemoveWithPendingRequest rejects a discovery-session removal issued
	// while a start or stop request is still in flight. Removal is never
	// deferred.
	ErrRemoveWithPendingRequest = errors.New("discovery session removal attempted while a request is pending")

	// ErrActiveSessionNotInAdapter rejects a removal when the adapter holds
	// no active discovery sessions.
	ErrActiveSessionNotInAdapter = errors.New("discovery session not active in adapter")

	// ErrProfileAlreadyBound rejects a duplicate delegate bind for the same
	// (profile UUID, device) pair.
	ErrProfileAlreadyBound = errors.New("profile delegate already bound for this device")

	// ErrNotSupported marks backend capabilities a platform does not provide.
	ErrNotSupported = errors.New("operation not supported by this backend")
)

// BackendError is a named error surfaced by an adapter backend, carrying the
// driver-level error name (a D-Bus error name on BlueZ) so the translation
// tables can classify it. The name is never shown to boundary callers.
type BackendError struct {
	Name    string
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// NamedBackendError builds a BackendError; backends use it for scripted and
// translated driver failures.
func NamedBackendError(name, message string) error {
	return &BackendError{Name: name, Message: message}
}

// ConnectErrorCode classifies a failed GATT connection attempt.
type ConnectErrorCode int

const (
	ConnectErrorUnknown ConnectErrorCode = iota
	ConnectErrorInProgress
	ConnectErrorFailed
	ConnectErrorAuthFailed
	ConnectErrorAuthCanceled
	ConnectErrorAuthRejected
	ConnectErrorAuthTimeout
	ConnectErrorUnsupportedDevice
)

var connectErrorNames = map[ConnectErrorCode]string{
	ConnectErrorUnknown:           "unknown",
	ConnectErrorInProgress:        "in_progress",
	ConnectErrorFailed:            "failed",
	ConnectErrorAuthFailed:        "auth_failed",
	ConnectErrorAuthCanceled:      "auth_canceled",
	ConnectErrorAuthRejected:      "auth_rejected",
	ConnectErrorAuthTimeout:       "auth_timeout",
	ConnectErrorUnsupportedDevice: "unsupported_device",
}

func (c ConnectErrorCode) String() string {
	if s, ok := connectErrorNames[c]; ok {
		return s
	}
	return "unknown"
}

// ConnectError is the typed, caller-visible failure of a connection attempt.
type ConnectError struct {
	Code ConnectErrorCode
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("gatt connect failed: %s", e.Code)
}

// Is matches any *ConnectError with the same code.
func (e *ConnectError) Is(target error) bool {
	var other *ConnectError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// GattErrorCode classifies a failed GATT attribute operation.
type GattErrorCode int

const (
	GattErrorUnknown GattErrorCode = iota
	GattErrorFailed
	GattErrorInProgress
	GattErrorInvalidLength
	GattErrorNotPermitted
	GattErrorNotAuthorized
	GattErrorNotPaired
	GattErrorNotSupported
)

var gattErrorNames = map[GattErrorCode]string{
	GattErrorUnknown:       "unknown",
	GattErrorFailed:        "failed",
	GattErrorInProgress:    "in_progress",
	GattErrorInvalidLength: "invalid_length",
	GattErrorNotPermitted:  "not_permitted",
	GattErrorNotAuthorized: "not_authorized",
	GattErrorNotPaired:     "not_paired",
	GattErrorNotSupported:  "not_supported",
}

func (c GattErrorCode) String() string {
	if s, ok := gattErrorNames[c]; ok {
		return s
	}
	return "unknown"
}

// GattError is the typed, caller-visible failure of a GATT operation.
type GattError struct {
	Code GattErrorCode
}

func (e *GattError) Error() string {
	return fmt.Sprintf("gatt operation failed: %s", e.Code)
}

// Is matches any *GattError with the same code.
func (e *GattError) Is(target error) bool {
	var other *GattError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// DiscoveryErrorCode classifies a failed discovery start/stop or filter
// operation.
type DiscoveryErrorCode int

const (
	DiscoveryErrorUnknown DiscoveryErrorCode = iota
	DiscoveryErrorFailed
	DiscoveryErrorInProgress
	DiscoveryErrorInvalidArguments
	DiscoveryErrorNotReady
	DiscoveryErrorAdapterRemoved
)

var discoveryErrorNames = map[DiscoveryErrorCode]string{
	DiscoveryErrorUnknown:          "unknown",
	DiscoveryErrorFailed:           "failed",
	DiscoveryErrorInProgress:       "in_progress",
	DiscoveryErrorInvalidArguments: "invalid_arguments",
	DiscoveryErrorNotReady:         "not_ready",
	DiscoveryErrorAdapterRemoved:   "adapter_removed",
}

func (c DiscoveryErrorCode) String() string {
	if s, ok := discoveryErrorNames[c]; ok {
		return s
	}
	return "unknown"
}

// DiscoveryError is the translated outcome of a failed discovery request.
type DiscoveryError struct {
	Code DiscoveryErrorCode
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery request failed: %s", e.Code)
}

// Is matches any *DiscoveryError with the same code.
func (e *DiscoveryError) Is(target error) bool {
	var other *DiscoveryError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// BlueZ error names understood by the translation tables. Backends other than
// the D-Bus one synthesize the same names so translation stays uniform.
const (
	ErrNameFailed             = "org.bluez.Error.Failed"
	ErrNameInProgress         = "org.bluez.Error.InProgress"
	ErrNameInvalidValueLength = "org.bluez.Error.InvalidValueLength"
	ErrNameNotPermitted       = "org.bluez.Error.NotPermitted"
	ErrNameNotAuthorized      = "org.bluez.Error.NotAuthorized"
	ErrNameNotPaired          = "org.bluez.Error.NotPaired"
	ErrNameNotSupported       = "org.bluez.Error.NotSupported"
	ErrNameNotReady           = "org.bluez.Error.NotReady"
	ErrNameInvalidArguments   = "org.bluez.Error.InvalidArguments"
	ErrNameAuthFailed         = "org.bluez.Error.AuthenticationFailed"
	ErrNameAuthCanceled       = "org.bluez.Error.AuthenticationCanceled"
	ErrNameAuthRejected       = "org.bluez.Error.AuthenticationRejected"
	ErrNameAuthTimeout        = "org.bluez.Error.AuthenticationTimeout"
	ErrNameConnAttemptFailed  = "org.bluez.Error.ConnectionAttemptFailed"
	ErrNameUnknownObject      = "org.freedesktop.DBus.Error.UnknownObject"
)

var connectErrorTable = map[string]ConnectErrorCode{
	ErrNameFailed:            ConnectErrorFailed,
	ErrNameConnAttemptFailed: ConnectErrorFailed,
	ErrNameInProgress:        ConnectErrorInProgress,
	ErrNameAuthFailed:        ConnectErrorAuthFailed,
	ErrNameAuthCanceled:      ConnectErrorAuthCanceled,
	ErrNameAuthRejected:      ConnectErrorAuthRejected,
	ErrNameAuthTimeout:       ConnectErrorAuthTimeout,
	ErrNameNotSupported:      ConnectErrorUnsupportedDevice,
}

var gattErrorTable = map[string]GattErrorCode{
	ErrNameFailed:             GattErrorFailed,
	ErrNameInProgress:         GattErrorInProgress,
	ErrNameInvalidValueLength: GattErrorInvalidLength,
	ErrNameNotPermitted:       GattErrorNotPermitted,
	ErrNameNotAuthorized:      GattErrorNotAuthorized,
	ErrNameNotPaired:          GattErrorNotPaired,
	ErrNameNotSupported:       GattErrorNotSupported,
}

var discoveryErrorTable = map[string]DiscoveryErrorCode{
	ErrNameFailed:           DiscoveryErrorFailed,
	ErrNameInProgress:       DiscoveryErrorInProgress,
	ErrNameInvalidArguments: DiscoveryErrorInvalidArguments,
	ErrNameNotReady:         DiscoveryErrorNotReady,
	ErrNameUnknownObject:    DiscoveryErrorAdapterRemoved,
}

// TranslateConnectError folds a backend failure into a *ConnectError.
// Unmapped names fall back to ConnectErrorUnknown; raw backend text never
// escapes as a typed code.
func TranslateConnectError(err error) *ConnectError {
	var be *BackendError
	if errors.As(err, &be) {
		if code, ok := connectErrorTable[be.Name]; ok {
			return &ConnectError{Code: code}
		}
	}
	return &ConnectError{Code: ConnectErrorUnknown}
}

// TranslateGattError folds a backend failure into a *GattError with the
// GattErrorUnknown fallback.
func TranslateGattError(err error) *GattError {
	var be *BackendError
	if errors.As(err, &be) {
		if code, ok := gattErrorTable[be.Name]; ok {
			return &GattError{Code: code}
		}
	}
	return &GattError{Code: GattErrorUnknown}
}

// TranslateDiscoveryError folds a backend failure into a *DiscoveryError with
// the DiscoveryErrorUnknown fallback.
func TranslateDiscoveryError(err error) *DiscoveryError {
	var be *BackendError
	if errors.As(err, &be) {
		if code, ok := discoveryErrorTable[be.Name]; ok {
			return &DiscoveryError{Code: code}
		}
	}
	return &DiscoveryError{Code: DiscoveryErrorUnknown}
}

// IsInProgress reports whether a backend failure names the benign
// "operation already in progress" condition.
func IsInProgress(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Name == ErrNameInProgress
}

// NotFoundError reports a resource that was requested but is not (or is no
// longer) known: a device out of range, a vanished service, a characteristic
// that does not exist on its service.
type NotFoundError struct {
	Resource string // "device", "service", "characteristic", "descriptor"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// Is matches any *NotFoundError for the same resource kind.
func (e *NotFoundError) Is(target error) bool {
	var other *NotFoundError
	if errors.As(target, &other) {
		return other.Resource == e.Resource && (other.ID == "" || other.ID == e.ID)
	}
	return false
}
