// Command nearbyd runs the offline service controller as a standalone
// daemon: one ClientProxy, advertising and discovering over the demo
// Wi-Fi LAN medium, auto-accepting incoming connections, and exporting
// Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nearbycore/nearby/internal/config"
	"github.com/nearbycore/nearby/internal/conn"
	nearbymetrics "github.com/nearbycore/nearby/internal/metrics"
	appversion "github.com/nearbycore/nearby/internal/version"
)

func main() {
	configPath := flag.String("config", "/etc/nearbyd/nearbyd.yml", "path to the nearbyd YAML configuration file")
	flag.Parse()

	levelVar := new(slog.LevelVar)
	logger := newLogger(levelVar)
	slog.SetDefault(logger)

	logger.Info("starting nearbyd", slog.String("version", appversion.Version), slog.String("commit", appversion.GitCommit))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	levelVar.Set(config.ParseLogLevel(cfg.Log.Level))
	if cfg.Log.Format == "text" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
		slog.SetDefault(logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, logger, levelVar); err != nil {
		logger.Error("nearbyd exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(levelVar *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
}

func run(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger, levelVar *slog.LevelVar) error {
	reg := prometheus.NewRegistry()
	collector := nearbymetrics.NewCollector(reg)

	medium, err := newWifiLanMedium(cfg.Service.MulticastAddr, logger)
	if err != nil {
		return fmt.Errorf("construct wifi lan medium: %w", err)
	}
	if err := medium.listen(cfg.Service.ListenAddr); err != nil {
		return fmt.Errorf("bind wifi lan listener: %w", err)
	}

	allowedMediums, err := config.ParseMediums(cfg.Service.AllowedMediums)
	if err != nil {
		return fmt.Errorf("parse service.allowed_mediums: %w", err)
	}
	bwuUpgradeTo, err := config.ParseMediums(cfg.Bwu.AllowUpgradeTo)
	if err != nil {
		return fmt.Errorf("parse bwu.allow_upgrade_to: %w", err)
	}

	ctrl := conn.NewController(conn.ControllerConfig{
		Connectors:  []conn.MediumConnector{medium},
		Advertisers: []conn.MediumAdvertiser{medium},
		Discoverers: []conn.MediumDiscoverer{medium},
		Acceptors:   []conn.MediumAcceptor{medium},
		BwuHandlers: []conn.BwuMediumHandler{newTCPBwuHandler(conn.MediumWifiDirect, logger)},
		BwuConfig: conn.BwuConfig{
			AllowUpgradeTo: bwuUpgradeTo,
			RetryDelay:     cfg.Bwu.RetryDelay,
			RetryMaxDelay:  cfg.Bwu.RetryMaxDelay,
		},
		SavePath: cfg.Service.SavePath,
		Logger:   logger,
	})

	strategy, err := parseStrategy(cfg.Service.Strategy)
	if err != nil {
		return err
	}

	cp, err := ctrl.NewClient(strategy, conn.LocalEndpointInfo{
		Name: cfg.Service.ServiceID,
	}, conn.WithKeepAlive(cfg.Service.KeepAliveInterval, cfg.Service.KeepAliveTimeout))
	if err != nil {
		return fmt.Errorf("create client proxy: %w", err)
	}

	for _, e := range cfg.Endpoints {
		if e.Address != "" {
			medium.addPeer(e.EndpointID, e.Address)
		}
		if e.RemoteBTMAC != "" {
			mac, err := config.ParseBTMAC(e.RemoteBTMAC)
			if err != nil {
				return fmt.Errorf("endpoint %s: %w", e.EndpointID, err)
			}
			ctrl.InjectEndpoint(cp, cfg.Service.ServiceID, conn.InjectedEndpoint{
				Medium:       conn.MediumBluetooth,
				RemoteBTMAC:  mac,
				EndpointID:   e.EndpointID,
				EndpointInfo: []byte(e.EndpointInfo),
			})
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if status, err := ctrl.StartAdvertising(gctx, cp, cfg.Service.ServiceID, conn.AdvertisingOptions{
		Strategy:       strategy,
		AllowedMediums: allowedMediums,
		LowPower:       cfg.Service.LowPower,
	}, conn.LocalEndpointInfo{Name: cfg.Service.ServiceID}); err != nil {
		return fmt.Errorf("start advertising (%s): %w", status, err)
	}

	if status, _, err := ctrl.StartListeningForIncomingConnections(gctx, cp, cfg.Service.ServiceID, conn.ListeningOptions{
		Strategy:            strategy,
		EnableWLANListening: true,
	}); err != nil {
		return fmt.Errorf("start listening (%s): %w", status, err)
	}

	disc := &discoveryLogger{logger: logger, collector: collector}
	if status, err := ctrl.StartDiscovery(gctx, cp, cfg.Service.ServiceID, conn.DiscoveryOptions{
		Strategy:       strategy,
		AllowedMediums: allowedMediums,
	}, disc); err != nil {
		return fmt.Errorf("start discovery (%s): %w", status, err)
	}

	g.Go(func() error {
		return drainEvents(gctx, ctrl, cp, collector, logger)
	})

	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: newMetricsMux(cfg.Metrics.Path, reg),
	}
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return handleSIGHUP(gctx, configPath, levelVar, logger)
	})

	<-gctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	ctrl.StopDiscovery(cp)
	ctrl.StopAdvertising(cp)
	ctrl.StopListeningForIncomingConnections(cp)
	medium.StopAccepting()
	ctrl.Close()

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

func newMetricsMux(path string, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func parseStrategy(s string) (conn.Strategy, error) {
	switch s {
	case "cluster":
		return conn.StrategyCluster, nil
	case "star":
		return conn.StrategyStar, nil
	case "point_to_point":
		return conn.StrategyPointToPoint, nil
	default:
		return conn.Strategy{}, fmt.Errorf("unrecognized service.strategy %q", s)
	}
}

// handleSIGHUP reloads the log level from configPath each time the
// process receives SIGHUP, without restarting the controller.
func handleSIGHUP(ctx context.Context, configPath string, levelVar *slog.LevelVar, logger *slog.Logger) error {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sighup:
			cfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("reload config", slog.String("error", err.Error()))
				continue
			}
			levelVar.Set(config.ParseLogLevel(cfg.Log.Level))
			logger.Info("log level reloaded", slog.String("level", cfg.Log.Level))
		}
	}
}

// discoveryLogger logs endpoint sightings and keeps the discovered-
// endpoints gauge in sync; it does not itself initiate connections
// (spec.md section 6.3 leaves RequestConnection to application policy).
type discoveryLogger struct {
	logger    *slog.Logger
	collector *nearbymetrics.Collector

	count int
}

func (d *discoveryLogger) OnEndpointFound(endpointID string, info []byte, serviceID string) {
	d.count++
	d.collector.SetDiscoveredEndpoints(d.count)
	d.logger.Info("endpoint found", slog.String("endpoint_id", endpointID), slog.String("service_id", serviceID))
}

func (d *discoveryLogger) OnEndpointLost(endpointID string) {
	if d.count > 0 {
		d.count--
	}
	d.collector.SetDiscoveredEndpoints(d.count)
	d.logger.Info("endpoint lost", slog.String("endpoint_id", endpointID))
}

func (d *discoveryLogger) OnEndpointDistanceChanged(endpointID string) {}

// metricsPayloadListener satisfies conn.ReceivedPayloadListener, folding
// every incoming payload's terminal status into the payload counters.
type metricsPayloadListener struct {
	collector *nearbymetrics.Collector
	started   time.Time

	mu    sync.Mutex
	types map[int64]conn.PayloadType
}

func newMetricsPayloadListener(collector *nearbymetrics.Collector) *metricsPayloadListener {
	return &metricsPayloadListener{
		collector: collector,
		started:   time.Now(),
		types:     make(map[int64]conn.PayloadType),
	}
}

func (l *metricsPayloadListener) OnPayloadReceived(endpointID string, header conn.PayloadHeader, payload conn.ReceivedPayload) {
	l.mu.Lock()
	l.types[header.ID] = header.Type
	l.mu.Unlock()
}

func (l *metricsPayloadListener) OnPayloadProgress(endpointID string, p conn.PayloadProgress) {
	if p.Status != conn.PayloadSuccess {
		return
	}
	l.mu.Lock()
	typ, ok := l.types[p.PayloadID]
	delete(l.types, p.PayloadID)
	l.mu.Unlock()
	if !ok {
		typ = conn.PayloadBytes
	}
	l.collector.RecordPayloadReceived(typ.String(), p.BytesTransferred, time.Since(l.started).Seconds())
}

// drainEvents consumes ctrl.Events(), feeding connection-lifecycle
// transitions into Prometheus counters and auto-accepting every incoming
// connection with a fresh metricsPayloadListener (spec.md section 4.3.5:
// "PayloadListener set only after local accept").
func drainEvents(ctx context.Context, ctrl *conn.Controller, cp *conn.ClientProxy, collector *nearbymetrics.Collector, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ctrl.Events():
			if !ok {
				return nil
			}
			handleEvent(ctx, ctrl, cp, collector, logger, ev)
		}
	}
}

func handleEvent(ctx context.Context, ctrl *conn.Controller, cp *conn.ClientProxy, collector *nearbymetrics.Collector, logger *slog.Logger, ev conn.ControllerEvent) {
	switch ev.Kind {
	case conn.EventConnectionInitiated:
		medium := conn.MediumWifiLan.String()
		collector.IncConnectionsInitiated(medium)
		if ev.ConnInfo.IsIncoming {
			logger.Info("incoming connection, auto-accepting", slog.String("endpoint_id", ev.EndpointID))
			listener := newMetricsPayloadListener(collector)
			if _, err := ctrl.AcceptConnection(cp, ev.EndpointID, listener); err != nil {
				logger.Warn("accept connection failed", slog.String("endpoint_id", ev.EndpointID), slog.String("error", err.Error()))
			}
		}
	case conn.EventConnectionAccepted:
		collector.IncConnectionsAccepted(conn.MediumWifiLan.String())
		collector.RegisterConnected(conn.MediumWifiLan.String())
		logger.Info("connection accepted", slog.String("endpoint_id", ev.EndpointID))
	case conn.EventConnectionRejected:
		collector.IncConnectionsRejected(conn.MediumWifiLan.String())
		logger.Info("connection rejected", slog.String("endpoint_id", ev.EndpointID), slog.String("status", ev.Status.String()))
	case conn.EventConnectionDisconnected:
		collector.IncConnectionsDisconnected(ev.CloseReason.String())
		collector.UnregisterConnected(conn.MediumWifiLan.String())
		logger.Info("connection disconnected", slog.String("endpoint_id", ev.EndpointID), slog.String("reason", ev.CloseReason.String()))
	}
}
