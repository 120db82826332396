// Package app wires the FireGuard services together and manages their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"github.com/Sanekng/FireGuard/internal/config"
	"github.com/Sanekng/FireGuard/internal/hub"
	"github.com/Sanekng/FireGuard/internal/ingest"
	"github.com/Sanekng/FireGuard/internal/mqttbroker"
	"github.com/Sanekng/FireGuard/internal/registry"
	"github.com/Sanekng/FireGuard/internal/session"
	"github.com/Sanekng/FireGuard/internal/store"
)

// App owns the store, the registry, the broadcaster and the servers in front of them.
type App struct {
	cfg     config.Config
	logger  zerolog.Logger
	started time.Time

	store    *store.Store
	hub      *hub.Hub
	registry *registry.Service
	sessions *session.Handler
	ingest   *ingest.Handlers
	broker   *mqttbroker.Broker

	mdnsMu sync.Mutex
	mdns   *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger zerolog.Logger) *App {
	return &App{cfg: cfg, logger: logger, started: time.Now()}
}

// setup opens the store and builds the in-process services. It starts no listeners.
func (a *App) setup(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return err
	}
	a.store = db

	a.hub = hub.New(a.logger)
	a.registry = registry.New(a.store, a.hub, a.logger)
	a.sessions = session.NewHandler(a.registry, session.Options{
		QueueSize:    a.cfg.SubscriberQueue,
		WriteTimeout: a.cfg.WriteTimeout,
		PingInterval: a.cfg.PingInterval,
		CheckOrigin:  a.cfg.OriginAllowed,
	}, a.logger)
	a.ingest = ingest.NewHandlers(a.registry, a.logger)
	return nil
}

func (a *App) closeStore() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("close store")
	}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.setup(ctx); err != nil {
		return err
	}
	defer a.closeStore()

	var brokerErrCh <-chan error
	mirrorCtx, stopMirror := context.WithCancel(ctx)
	defer stopMirror()

	if a.cfg.MQTTBindAddress != "" {
		broker := mqttbroker.New(a.logger)
		broker.SetPublishHandler(ingest.NewTopics(a.registry, a.store, a.logger).HandlePublish)
		errCh, err := broker.Start(a.cfg.MQTTBindAddress)
		if err != nil {
			return err
		}
		a.broker = broker
		brokerErrCh = errCh

		go ingest.NewMirror(a.hub, broker, a.cfg.SubscriberQueue, a.logger).Run(mirrorCtx)
	} else {
		a.logger.Info().Msg("mqtt ingress disabled")
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info().Str("addr", httpServer.Addr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn().Err(err).Msg("mDNS advertisement failed")
		}
	}
	defer a.stopMDNS()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info().Msg("http server stopped")

			// Hijacked stream connections are not tracked by Shutdown. Closing
			// the hub detaches their subscribers so the sessions return, and
			// refuses any stream that upgraded while the listener was closing.
			stopMirror()
			a.hub.Close()
			if a.broker != nil {
				if err := a.broker.Stop(); err != nil {
					return err
				}
				a.logger.Info().Msg("mqtt broker stopped")
			}
			return nil
		case err := <-httpErrCh:
			if err != nil {
				a.stopBroker()
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				a.stopBroker()
				return err
			}
		}
	}
}

func (a *App) stopBroker() {
	if a.broker != nil {
		_ = a.broker.Stop()
	}
}

// mqttPort returns the port the broker listens on, or 0 when it is disabled.
func (a *App) mqttPort() int {
	if a.broker == nil {
		return 0
	}
	addr := a.broker.Addr()
	if addr == nil {
		return 0
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
