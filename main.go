package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/ably/cli-terminal-broker/src/api"
	"github.com/ably/cli-terminal-broker/src/broker"
	"github.com/ably/cli-terminal-broker/src/config"
	"github.com/ably/cli-terminal-broker/src/docs" // swagger generated docs
	"github.com/ably/cli-terminal-broker/src/handler"
)

// @title           Ably CLI Terminal Broker
// @version         0.1.0
// @description     WebSocket broker that streams an interactive shell per session, with resumable sessions.

// @host      localhost:8080
// @BasePath  /
func main() {
	envFile := flag.String("env-file", ".env", "path to an optional .env file")
	port := flag.Int("port", 0, "port to listen on (overrides BROKER_PORT)")
	flag.Parse()

	cfg := config.Load(*envFile)
	if *port != 0 {
		cfg.Port = *port
	}
	cfg.WatchReload(*envFile)

	docs.SwaggerInfo.Host = fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logrus.WithError(err).Fatal("failed to construct docker client")
	}
	if _, err := docker.Ping(context.Background()); err != nil {
		logrus.WithError(err).Fatal("docker engine is unreachable")
	}

	registry := broker.NewRegistry()
	maxTotal, maxPerDigest := cfg.Live.Caps()
	admission := broker.NewAdmissionPolicy(registry, maxTotal, maxPerDigest, cfg.AdmissionRatePerSecond, cfg.AdmissionBurst)
	orphans := broker.NewOrphanTimer()
	containers := broker.NewContainerSupervisor(docker, cfg.ContainerImage, cfg.ContainerMemoryBytes, cfg.ContainerNanoCPUs, nil)

	b := broker.NewBroker(registry, admission, containers, orphans, cfg.RingBufferCapacity, cfg.Live.GraceInterval(), nil)

	go watchLiveConfig(cfg, admission, b)

	terminalHandler := handler.NewTerminalHandler(b)
	systemHandler := handler.NewSystemHandler(registry)
	router := api.SetupRouter(terminalHandler, systemHandler, false, true)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port),
		Handler: router,
	}

	go func() {
		logrus.WithField("addr", srv.Addr).Info("starting terminal broker")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server stopped unexpectedly")
		}
	}()

	coordinator := broker.NewShutdownCoordinator(b, nil)
	coordinator.Wait(context.Background(), cfg.ShutdownGrace, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("error shutting down HTTP server")
		}
	})
}

// watchLiveConfig periodically applies hot-reloaded admission caps and the
// orphan grace interval, which the fsnotify watcher in src/config updates in
// the background.
func watchLiveConfig(cfg *config.Config, admission *broker.AdmissionPolicy, b *broker.Broker) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		maxTotal, maxPerDigest := cfg.Live.Caps()
		admission.SetCaps(maxTotal, maxPerDigest)
		b.SetGraceInterval(cfg.Live.GraceInterval())
	}
}
