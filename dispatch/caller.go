package dispatch

import "fmt"

// Correlation identifies one boundary request: the caller-side thread that
// issued it and the caller-chosen request id. Both are echoed verbatim on
// every response so the caller can route answers without extra state here.
type Correlation struct {
	ThreadID  int `json:"thread_id"`
	RequestID int `json:"request_id"`
}

// Violation names a request only a compromised or buggy caller can produce.
// Violations never get a normal error response; the caller is torn down.
type Violation string

const (
	ViolationEmptyOrInvalidFilters   Violation = "empty_or_invalid_filters"
	ViolationMalformedUUID           Violation = "malformed_uuid"
	ViolationInvalidServiceID        Violation = "invalid_service_id"
	ViolationInvalidCharacteristicID Violation = "invalid_characteristic_id"
	ViolationInvalidWriteLength      Violation = "invalid_write_value_length"
	ViolationAlreadySubscribed       Violation = "characteristic_already_subscribed"
)

func (v Violation) Error() string {
	return fmt.Sprintf("protocol violation: %s", string(v))
}

// Caller is the connected boundary client a Dispatcher serves. The gateway
// implements it over a websocket; tests implement it with a recorder.
//
// Send must not block and must not call back into the Dispatcher; the
// gateway queues the frame for its write pump. Terminate severs the caller
// (close with a policy-violation status) and is called at most once.
type Caller interface {
	Origin() string
	Send(f Frame)
	Terminate(v Violation)
}
