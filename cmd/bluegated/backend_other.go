//go:build !linux

package main

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/srg/bluegate/internal/bluetooth"
)

func newBluezBackend(_ string, _ *logrus.Logger) (bluetooth.AdapterBackend, func(), error) {
	return nil, nil, errors.New("the bluez backend requires linux; use backend goble or fake")
}
