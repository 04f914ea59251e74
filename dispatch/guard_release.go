//go:build !test

package dispatch

import "github.com/sirupsen/logrus"

// failInvariant logs in release builds; a broken dispatcher invariant is not
// worth the daemon.
func failInvariant(log *logrus.Logger, msg string) {
	log.WithField("invariant", msg).Error("dispatch invariant violated")
}
