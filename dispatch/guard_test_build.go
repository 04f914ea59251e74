//go:build test

package dispatch

import "github.com/sirupsen/logrus"

// failInvariant crashes in test builds so a broken dispatcher invariant
// cannot hide behind a log line.
func failInvariant(_ *logrus.Logger, msg string) {
	panic("dispatch invariant violated: " + msg)
}
