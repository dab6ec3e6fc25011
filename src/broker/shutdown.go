package broker

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ShutdownCoordinator waits for SIGTERM/SIGINT, stops admitting new
// connections, and drains in-flight sessions within a bounded window before
// the process exits. The signal-handling shape follows cuemby-warren's
// cmd/warren main loop.
type ShutdownCoordinator struct {
	broker *Broker
	log    *logrus.Entry
}

// NewShutdownCoordinator wires a coordinator to the broker it will drain.
func NewShutdownCoordinator(broker *Broker, log *logrus.Entry) *ShutdownCoordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ShutdownCoordinator{broker: broker, log: log.WithField("component", "shutdown_coordinator")}
}

// Wait blocks until SIGTERM or SIGINT is received, then drains every
// registered session with the given timeout and returns. stopAccepting is
// called first so the acceptor can flip its admission gate closed before the
// drain begins.
func (c *ShutdownCoordinator) Wait(ctx context.Context, drainTimeout time.Duration, stopAccepting func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		c.log.WithField("signal", sig.String()).Info("shutdown signal received, draining sessions")
	case <-ctx.Done():
		c.log.Info("context cancelled, draining sessions")
	}

	if stopAccepting != nil {
		stopAccepting()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	c.broker.Shutdown(drainCtx)
}
