package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bluegate/dispatch"
	"github.com/srg/bluegate/gateway"
	"github.com/srg/bluegate/internal/bluetooth"
	"github.com/srg/bluegate/internal/grants"
)

// serveCmd runs the daemon.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway daemon",
	Long: `Run the websocket gateway until interrupted.

Clients connect to ws://<listen>/ and speak the JSON request protocol; each
connection gets its own dispatcher and protocol state. SIGINT or SIGTERM
shuts the daemon down gracefully.`,
	RunE: runServe,
}

const shutdownTimeout = 5 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	loop := bluetooth.NewLoop(logger)
	backend, cleanup, err := newBackend(cfg, loop, logger)
	if err != nil {
		return fmt.Errorf("initialize %s backend: %w", cfg.Backend, err)
	}
	defer cleanup()

	mgr := bluetooth.NewAdapterManager(loop, backend, logger)

	var recorder gateway.SelectionRecorder
	if cfg.GrantsDB != "" {
		store, err := grants.Open(cfg.GrantsDB)
		if err != nil {
			return fmt.Errorf("open grants journal: %w", err)
		}
		defer store.Close()
		recorder = &journalRecorder{store: store, logger: logger}
		logger.WithField("path", cfg.GrantsDB).Info("selection journal enabled")
	}

	dcfg := dispatch.Config{DiscoveryTimeout: cfg.DiscoveryWindow()}
	if cfg.Chooser == "console" {
		dcfg.ChooserFactory = consoleChooserFactory(loop, logger)
	}

	server := gateway.NewServer(loop, mgr, dcfg, recorder, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: server}
	httpErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"listen":  cfg.Listen,
			"backend": cfg.Backend,
			"chooser": cfg.Chooser,
		}).Info("gateway listening")
		httpErr <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-httpErr:
		stop()
		<-loopDone
		return fmt.Errorf("gateway listener: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	server.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("listener shutdown")
	}
	<-loopDone
	return nil
}

// journalRecorder bridges the gateway's selection events into the bbolt
// journal. The write runs off the adapter loop; the journal is advisory and a
// failed write only logs.
type journalRecorder struct {
	store  *grants.Store
	logger *logrus.Logger
}

func (r *journalRecorder) RecordSelection(origin, address, name string) {
	go func() {
		err := r.store.Record(grants.Grant{Origin: origin, Address: address, Name: name})
		if err != nil {
			r.logger.WithError(err).Warn("selection journal write failed")
		}
	}()
}
