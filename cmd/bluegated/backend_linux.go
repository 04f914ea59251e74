//go:build linux

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/bluegate/internal/bluetooth"
	"github.com/srg/bluegate/internal/bluetooth/bluez"
)

func newBluezBackend(adapter string, logger *logrus.Logger) (bluetooth.AdapterBackend, func(), error) {
	backend, err := bluez.New(adapter, logger)
	if err != nil {
		return nil, nil, err
	}
	return backend, func() { _ = backend.Close() }, nil
}
