package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"quilt-bridge/internal/api"
	"quilt-bridge/internal/auth"
	"quilt-bridge/internal/energy"
	"quilt-bridge/internal/notifier"
	"quilt-bridge/internal/reconcile"
	"quilt-bridge/internal/store"
	"quilt-bridge/internal/syncer"
	"quilt-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Quilt struct {
		Host               string `yaml:"host"`
		Region             string `yaml:"region"`
		ClientID           string `yaml:"client_id"`
		PollInterval       string `yaml:"poll_interval"`
		SafetyPollInterval string `yaml:"safety_poll_interval"`
		SilenceTimeout     string `yaml:"silence_timeout"`
		GracePeriod        string `yaml:"grace_period"`
		DisablePush        bool   `yaml:"disable_push"`
	} `yaml:"quilt"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Energy struct {
		PollInterval string `yaml:"poll_interval"`
		LookbackDays int    `yaml:"lookback_days"`
	} `yaml:"energy"`
	Influx struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Token   string `yaml:"token"`
		Org     string `yaml:"org"`
		Bucket  string `yaml:"bucket"`
	} `yaml:"influx"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	// Parsed durations, filled by validate.
	pollInterval   time.Duration
	safetyInterval time.Duration
	silenceTimeout time.Duration
	gracePeriod    time.Duration
	energyInterval time.Duration
}

func (c *Config) validate() error {
	var err error
	if c.pollInterval, err = parseDuration("quilt.poll_interval", c.Quilt.PollInterval, 10*time.Second); err != nil {
		return err
	}
	if c.safetyInterval, err = parseDuration("quilt.safety_poll_interval", c.Quilt.SafetyPollInterval, 5*time.Minute); err != nil {
		return err
	}
	if c.silenceTimeout, err = parseDuration("quilt.silence_timeout", c.Quilt.SilenceTimeout, 90*time.Second); err != nil {
		return err
	}
	if c.gracePeriod, err = parseDuration("quilt.grace_period", c.Quilt.GracePeriod, 15*time.Minute); err != nil {
		return err
	}
	if c.energyInterval, err = parseDuration("energy.poll_interval", c.Energy.PollInterval, 30*time.Minute); err != nil {
		return err
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Influx.Enabled && c.Influx.URL == "" {
		return fmt.Errorf("influx.url is required when influx is enabled")
	}
	return nil
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	args := os.Args[1:]
	login := false
	if len(args) > 0 && args[0] == "login" {
		login = true
		args = args[1:]
	}

	cfgPath := "config.yaml"
	if len(args) > 0 {
		cfgPath = args[0]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if login {
		if err := runLogin(cfg, logger); err != nil {
			logger.Error("login failed", "err", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("quilt-bridge starting", "version", version)
	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	tokens, err := db.GetTokens()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no saved credentials; run 'quilt-bridge login' first")
		}
		return fmt.Errorf("load tokens: %w", err)
	}

	cognito := auth.NewClient(nil, cfg.Quilt.Region, cfg.Quilt.ClientID)
	mgr := auth.NewManager(cognito, auth.Tokens{
		IDToken:      tokens.IDToken,
		RefreshToken: tokens.RefreshToken,
	}, func(t auth.Tokens) {
		err := db.SaveTokens(&store.TokenRecord{
			IDToken:      t.IDToken,
			RefreshToken: t.RefreshToken,
			UpdatedAt:    time.Now(),
		})
		if err != nil {
			logger.Error("persist refreshed tokens", "err", err)
		}
	}, logger)

	client := api.NewClient(cfg.Quilt.Host, mgr, nil, logger)

	bus := reconcile.NewEventBus(logger)
	rec := reconcile.New(bus, cfg.gracePeriod, logger)
	syn := syncer.New(client, rec, db, bus, logger)
	syn.RestoreFromStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.Run(ctx)
	}()

	systems, err := discoverSystems(ctx, client, db, logger)
	if err != nil {
		return err
	}

	states := newConnStates(bus)

	var sink energy.Sink
	if cfg.Influx.Enabled {
		influx, err := energy.NewInflux(energy.InfluxConfig{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}, logger)
		if err != nil {
			logger.Error("influx disabled", "err", err)
		} else {
			defer influx.Close()
			sink = influx
		}
	}

	for _, sys := range systems {
		systemID := sys.SystemID
		loc := timezoneOf(sys, logger)

		// First snapshot before anything publishes.
		refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
		syn.RefreshFunc(systemID)(refreshCtx, "poll")
		refreshCancel()

		var stateFn func() notifier.State
		var n *notifier.Notifier
		if cfg.Quilt.DisablePush {
			// Poll-only mode: the push channel is absent, not failed, so
			// commands stay accepted and the poller runs its fast interval.
			states.set(systemID, notifier.StateDegraded)
			stateFn = func() notifier.State { return notifier.StateDegraded }
		} else {
			n = notifier.New(systemID, cloudTransport{client},
				func() []string { return syn.Topics(systemID) },
				syn.RefreshFunc(systemID),
				notifier.Config{SilenceTimeout: cfg.silenceTimeout},
				logger)
			n.OnStateChange(states.set)
			stateFn = n.State
		}

		poller := notifier.NewPoller(cfg.pollInterval, cfg.safetyInterval, stateFn, syn.RefreshFunc(systemID), logger)
		if n != nil {
			// Push state flips must cut the poller's safety wait short.
			n.OnStateChange(func(string, notifier.State) { poller.Wake() })
			wg.Add(1)
			go func() {
				defer wg.Done()
				n.Run(ctx)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()

		ep := energy.NewPoller(systemID, client, rec, sink, loc, energy.Config{
			PollInterval: cfg.energyInterval,
			LookbackDays: cfg.Energy.LookbackDays,
		}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep.Run(ctx)
		}()
	}

	mqttBridge := initMQTT(cfg, client, rec, bus, syn, states, logger)

	webServer, httpServer := startWeb(cfg, rec, bus, db, states, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	cancel()
	mqttBridge.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	wg.Wait()
	return nil
}

// discoverSystems asks the cloud for the account's systems, falling back to
// the store when the cloud is unreachable at startup.
func discoverSystems(ctx context.Context, client *api.Client, db store.Store, logger *slog.Logger) ([]*store.SystemRecord, error) {
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	infos, err := client.ListSystems(listCtx)
	if err != nil {
		logger.Warn("list systems failed, using stored systems", "err", err)
		stored, serr := db.ListSystems()
		if serr != nil || len(stored) == 0 {
			return nil, fmt.Errorf("list systems: %w", err)
		}
		return stored, nil
	}

	records := make([]*store.SystemRecord, 0, len(infos))
	for _, info := range infos {
		rec := &store.SystemRecord{
			SystemID: info.SystemID,
			Name:     info.Name,
			Timezone: info.Timezone,
		}
		if prev, err := db.GetSystem(info.SystemID); err == nil {
			rec.LastRefresh = prev.LastRefresh
		}
		if err := db.SaveSystem(rec); err != nil {
			logger.Error("save system", "system", info.SystemID, "err", err)
		}
		records = append(records, rec)
		logger.Info("discovered system", "system", info.SystemID, "name", info.Name)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("account has no systems")
	}
	return records, nil
}

func timezoneOf(sys *store.SystemRecord, logger *slog.Logger) *time.Location {
	if sys.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(sys.Timezone)
	if err != nil {
		logger.Warn("bad system timezone, using UTC", "system", sys.SystemID, "tz", sys.Timezone)
		return time.UTC
	}
	return loc
}

// cloudTransport adapts the api client's concrete stream type to the
// notifier's Stream interface.
type cloudTransport struct {
	client *api.Client
}

func (t cloudTransport) Subscribe(ctx context.Context, topics []string) (notifier.Stream, error) {
	return t.client.Subscribe(ctx, topics)
}

func (t cloudTransport) PublishHeartbeat(ctx context.Context, systemID string) error {
	return t.client.PublishHeartbeat(ctx, systemID)
}

// connStates tracks per-system push channel state and mirrors changes onto
// the event bus.
type connStates struct {
	mu     sync.RWMutex
	states map[string]notifier.State
	bus    *reconcile.EventBus
}

func newConnStates(bus *reconcile.EventBus) *connStates {
	return &connStates{states: make(map[string]notifier.State), bus: bus}
}

func (c *connStates) set(systemID string, state notifier.State) {
	c.mu.Lock()
	c.states[systemID] = state
	c.mu.Unlock()
	c.bus.Emit(reconcile.Event{Type: reconcile.EventConnectionState, Data: reconcile.ConnectionEvent{
		SystemID: systemID, State: state.String(),
	}})
}

func (c *connStates) get(systemID string) notifier.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[systemID]
}

func startWeb(cfg *Config, rec *reconcile.Reconciler, bus *reconcile.EventBus, db store.Store, states *connStates, logger *slog.Logger) (*web.Server, *http.Server) {
	systems := func() []web.SystemStatus {
		stored, err := db.ListSystems()
		if err != nil {
			logger.Error("list systems for status", "err", err)
			return nil
		}
		out := make([]web.SystemStatus, 0, len(stored))
		for _, sys := range stored {
			out = append(out, web.SystemStatus{
				SystemID:    sys.SystemID,
				Name:        sys.Name,
				Timezone:    sys.Timezone,
				Connection:  states.get(sys.SystemID).String(),
				LastRefresh: sys.LastRefresh,
			})
		}
		return out
	}

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(rec, bus, systems, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	return webServer, httpServer
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Quilt.Host == "" {
		cfg.Quilt.Host = api.DefaultHost
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "quilt-bridge.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "quilt"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
