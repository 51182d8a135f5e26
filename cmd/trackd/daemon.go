package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/api"
	"github.com/markus-lassfolk/fieldtrack/pkg/config"
	"github.com/markus-lassfolk/fieldtrack/pkg/fix"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/mqtt"
	"github.com/markus-lassfolk/fieldtrack/pkg/notifications"
	"github.com/markus-lassfolk/fieldtrack/pkg/queue"
	"github.com/markus-lassfolk/fieldtrack/pkg/session"
	"github.com/markus-lassfolk/fieldtrack/pkg/store"
	"github.com/markus-lassfolk/fieldtrack/pkg/telem"
	"github.com/markus-lassfolk/fieldtrack/pkg/tracker"
)

// Queue keys in the persistent store.
const (
	primaryQueueKey  = "primary_updates"
	fallbackQueueKey = "fallback_updates"
)

type listStore interface {
	queue.PersistentList
	Close() error
}

// daemon owns every long-lived collaborator of trackd.
type daemon struct {
	cfg    *config.Config
	logger *logx.Logger

	store    listStore
	queues   []*queue.Queue
	session  tracker.SessionClient
	mqtt     *mqtt.Client
	fixes    tracker.FixSource
	notifier *notifications.MultiNotifier
	closers  []func()
	coord    *tracker.Coordinator
	api      *api.Server

	cancel context.CancelFunc
}

// buildOptions replaces collaborators, mainly for tests.
type buildOptions struct {
	fixes   tracker.FixSource
	sampler tracker.TelemetrySampler
	battery telem.BatteryProvider
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *logx.Logger, opts buildOptions) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			d.close()
		}
	}()

	accuracy, err := pkg.ParseAccuracy(cfg.Tracker.Accuracy)
	if err != nil {
		return nil, err
	}

	if d.store, err = openStore(ctx, cfg.Storage, logger); err != nil {
		return nil, err
	}
	primaryQ, err := queue.Open(ctx, d.store, primaryQueueKey, cfg.Tracker.PrimaryCeiling, logger.With("queue", primaryQueueKey))
	if err != nil {
		return nil, fmt.Errorf("open primary queue: %w", err)
	}
	fallbackQ, err := queue.Open(ctx, d.store, fallbackQueueKey, cfg.Tracker.FallbackCeiling, logger.With("queue", fallbackQueueKey))
	if err != nil {
		return nil, fmt.Errorf("open fallback queue: %w", err)
	}
	d.queues = []*queue.Queue{primaryQ, fallbackQ}

	d.buildSession(ctx)

	d.fixes = opts.fixes
	if d.fixes == nil {
		if d.fixes, err = buildFixSource(cfg.Fix, logger); err != nil {
			return nil, err
		}
	}

	sampler := opts.sampler
	if sampler == nil {
		sampler = buildSampler(cfg.Telemetry, opts.battery, logger)
	}

	d.buildNotifier()

	wcfg := tracker.WorkerConfig{
		DistanceFilterMeters: cfg.Tracker.DistanceFilterMeters,
		Accuracy:             accuracy,
		DrainInterval:        cfg.Tracker.DrainInterval,
	}
	primaryExec := tracker.NewDurableContext(tracker.DurableConfig{
		PIDFile:           cfg.Tracker.WorkerPIDFile,
		HeartbeatFile:     cfg.Tracker.HeartbeatFile,
		HeartbeatInterval: cfg.Tracker.HeartbeatInterval,
	}, logger.With("worker", "primary"))
	primary := tracker.NewWorker(pkg.WorkerPrimary, wcfg, d.fixes, sampler,
		tracker.NewDeliverer(pkg.WorkerPrimary, d.session, primaryQ, fallbackQ, cfg.Tracker.SubmitTimeout, logger),
		primaryExec, logger)
	fallback := tracker.NewWorker(pkg.WorkerFallback, wcfg, d.fixes, sampler,
		tracker.NewDeliverer(pkg.WorkerFallback, d.session, fallbackQ, primaryQ, cfg.Tracker.SubmitTimeout, logger),
		tracker.NewInProcessContext(logger.With("worker", "fallback")), logger)

	d.coord = tracker.NewCoordinator(tracker.CoordinatorConfig{
		GracePeriod:     cfg.Tracker.GracePeriod,
		LivenessTimeout: cfg.Tracker.LivenessTimeout,
	}, primary, fallback, d.notifier, logger)

	if cfg.API.Enabled {
		d.api = api.NewServer(api.Config{Listen: cfg.API.Listen, AuthKey: cfg.API.AuthKey}, d.coord, d.queues, logger.With("component", "api"))
	}

	ok = true
	return d, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *logx.Logger) (listStore, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryList(), nil
	case "redis":
		r := store.NewRedisList(cfg.RedisAddr, cfg.RedisDB, cfg.KeyPrefix+":")
		if err := r.Ping(ctx); err != nil {
			// The queues keep samples in memory until redis answers.
			logger.Warn("Redis unreachable at startup, continuing", "error", err, "addr", cfg.RedisAddr)
		}
		return r, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if cfg.Backend == "sqlite" {
		s, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	b, err := store.OpenBolt(cfg.Path, logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (d *daemon) buildSession(ctx context.Context) {
	cfg := d.cfg.Session
	switch cfg.Transport {
	case "log":
		d.session = session.NewLogClient(d.logger.With("component", "session"))
	case "mqtt":
		mcfg := &mqtt.Config{
			Broker:      d.cfg.MQTT.Broker,
			Port:        d.cfg.MQTT.Port,
			ClientID:    d.cfg.MQTT.ClientID,
			Username:    d.cfg.MQTT.Username,
			Password:    d.cfg.MQTT.Password,
			TopicPrefix: d.cfg.MQTT.TopicPrefix,
			DeviceID:    cfg.DeviceID,
			QoS:         d.cfg.MQTT.QoS,
			Retain:      d.cfg.MQTT.Retain,
		}
		d.mqtt = mqtt.NewClient(mcfg, d.logger.With("component", "mqtt"))
		if err := d.mqtt.Connect(); err != nil {
			// paho keeps retrying; samples queue until it connects.
			d.logger.Warn("MQTT connect failed, retrying in background", "error", err)
		}
		d.closers = append(d.closers, d.mqtt.Disconnect)
		d.session = d.mqtt
	default:
		c := session.NewHTTPClient(session.HTTPConfig{BaseURL: cfg.BaseURL, Token: cfg.Token}, d.logger.With("component", "session"), nil)
		kctx, cancel := context.WithCancel(ctx)
		go c.KeepAlive(kctx, cfg.Username, cfg.Password, time.Minute)
		d.closers = append(d.closers, cancel)
		d.session = c
	}
}

func buildFixSource(cfg config.FixConfig, logger *logx.Logger) (tracker.FixSource, error) {
	if cfg.Source == "geolocation" {
		src, err := fix.NewGeolocationSource(cfg.APIKey, cfg.PollInterval, logger.With("component", "geolocation"))
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return fix.NewNMEASource(cfg.Device, cfg.Baud, logger.With("component", "nmea")), nil
}

func buildSampler(cfg config.TelemetryConfig, battery telem.BatteryProvider, logger *logx.Logger) *telem.Sampler {
	var signal telem.SignalProvider = telem.ClockSignal{}
	if cfg.ModemIndex >= 0 {
		signal = telem.NewModemSignal(cfg.ModemIndex)
	}
	if battery == nil {
		battery = telem.NewSysfsBattery(cfg.PowerSupplyPath)
	}
	return telem.NewSampler(battery, signal, logger.With("component", "telemetry"))
}

func (d *daemon) buildNotifier() {
	n := d.cfg.Notifications
	list := []notifications.Notifier{notifications.NewLogNotifier(d.logger.With("component", "notify"))}

	if n.Pushover.Enabled {
		p := notifications.NewPushoverClient(&notifications.PushoverConfig{
			Enabled:  true,
			Token:    n.Pushover.Token,
			User:     n.Pushover.User,
			Device:   n.Pushover.Device,
			Priority: n.Pushover.Priority,
		}, d.logger.With("component", "pushover"), nil)
		d.closers = append(d.closers, p.Close)
		list = append(list, p)
	}
	if n.Webhook.Enabled {
		w := notifications.NewWebhookClient(&notifications.WebhookConfig{
			Enabled:       true,
			URL:           n.Webhook.URL,
			Headers:       n.Webhook.Headers,
			DeviceID:      d.cfg.Session.DeviceID,
			RetryAttempts: n.Webhook.RetryAttempts,
			RetryDelay:    n.Webhook.RetryDelay,
			Timeout:       n.Webhook.Timeout,
		}, d.logger.With("component", "webhook"), nil)
		d.closers = append(d.closers, w.Close)
		list = append(list, w)
	}
	if d.mqtt != nil {
		list = append(list, d.mqtt)
	}
	d.notifier = notifications.NewMultiNotifier(list...)
}

// start launches the coordinator and the API server.
func (d *daemon) start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	if err := d.coord.Start(ctx); err != nil {
		return err
	}
	if d.api != nil {
		if err := d.api.Start(); err != nil {
			return err
		}
	}
	d.logger.Info("Tracking started",
		"storage", d.cfg.Storage.Backend,
		"transport", d.cfg.Session.Transport,
		"fix_source", d.cfg.Fix.Source,
		"device_id", d.cfg.Session.DeviceID,
	)
	return nil
}

// stop shuts everything down in reverse order of start.
func (d *daemon) stop(ctx context.Context) {
	if d.api != nil {
		if err := d.api.Shutdown(ctx); err != nil {
			d.logger.Warn("API shutdown failed", "error", err)
		}
	}
	d.coord.Stop()
	if d.cancel != nil {
		d.cancel()
	}
	d.close()
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
	for _, q := range d.queues {
		q.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("Failed to close storage", "error", err)
		}
		d.store = nil
	}
}
