package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/bluegate/internal/bluetooth"
	"github.com/srg/bluegate/internal/bluetooth/fakeadapter"
	"github.com/srg/bluegate/internal/bluetooth/goble"
	"github.com/srg/bluegate/internal/config"
)

// newBackend builds the adapter driver the config names. The returned cleanup
// releases driver resources and is safe to call once after the loop stops.
func newBackend(cfg *config.Config, loop *bluetooth.Loop, logger *logrus.Logger) (bluetooth.AdapterBackend, func(), error) {
	switch cfg.Backend {
	case "fake":
		backend, err := fakeadapter.Archetype(cfg.FakeArchetype, loop)
		if err != nil {
			return nil, nil, err
		}
		logger.WithField("archetype", cfg.FakeArchetype).Warn("running with the fake adapter backend")
		return backend, func() {}, nil

	case "goble":
		backend, err := goble.New(cfg.Adapter, logger)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() { _ = backend.Close() }, nil

	case "bluez":
		return newBluezBackend(cfg.Adapter, logger)

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
