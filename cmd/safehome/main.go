package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/caarlos0/env/v11"
	"github.com/caarlos0/safehome/arming"
	"github.com/caarlos0/safehome/emergency"
	"github.com/caarlos0/safehome/event"
	"github.com/caarlos0/safehome/feed"
	"github.com/caarlos0/safehome/history"
	"github.com/caarlos0/safehome/mqttbridge"
	"github.com/caarlos0/safehome/notify"
	"github.com/caarlos0/safehome/premises"
	logp "github.com/charmbracelet/log"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "safehome",
})

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const manufacturer = "safehome"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "safehome",
		Short:        "Home security core: zones, arming, incidents, notifications and dispatch",
		Version:      fmt.Sprintf("%s (%s, %s)", version, commit, date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the security core",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}, &cobra.Command{
		Use:   "check [topology]",
		Short: "Validate the environment and a topology file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseConfig()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Topology = args[0]
			}
			return runCheck(cmd, cfg)
		},
	})
	return root
}

func runCheck(cmd *cobra.Command, cfg Config) error {
	top, err := premises.LoadTopology(cfg.Topology)
	if err != nil {
		return err
	}
	if err := cfg.HomeKit.validate(top.Profiles); err != nil {
		return err
	}
	inc := cfg.incidentConfig()
	if err := inc.Validate(); err != nil {
		return err
	}
	zones, sensors := top.Split()
	out := cmd.OutOrStdout()
	fmt.Fprintf(
		out,
		"%s: %d zones, %d sensors, %d profiles, %d recipients\n",
		top.Name, len(zones), len(sensors), len(top.Profiles), len(top.Recipients),
	)
	fmt.Fprintf(out, "users: %s\n", cfg.users())
	fmt.Fprintf(out, "verification window: %s, invalid code threshold: %d\n", cfg.VerificationWindow, cfg.InvalidCodeThreshold)
	for _, c := range top.Channels() {
		if !cfg.hasChannel(c) {
			return fmt.Errorf("recipients need channel %q, which is not configured", c)
		}
	}
	return nil
}

func parseConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.New(strings.TrimPrefix(strings.ReplaceAll(err.Error(), "; ", "\n"), "env: "))
	}
	return cfg, nil
}

func runServe(ctx context.Context) error {
	log.Info(
		"safehome",
		"version", version,
		"commit", commit,
		"date", date,
	)

	cfg, err := parseConfig()
	if err != nil {
		log.Error("could not parse env", "err", err.Error()+"\n")
		return err
	}
	if lvl, err := logp.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	top, err := premises.LoadTopology(cfg.Topology)
	if err != nil {
		return err
	}
	if err := cfg.HomeKit.validate(top.Profiles); err != nil {
		return err
	}
	log.Info("loaded topology", "name", top.Name, "path", cfg.Topology, "users", cfg.users())

	bus := event.NewBus()
	bus.Subscribe(recordMetrics)

	channels := []notify.Channel{notify.NewLogChannel("log")}
	var mqttClient *mqttbridge.Client
	if cfg.MQTT.Broker != "" {
		mqttClient, err = mqttbridge.Connect(mqttbridge.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect()
		channels = append(channels, mqttbridge.NewPushChannel("push", cfg.MQTT.Prefix, mqttClient))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel("webhook", cfg.WebhookURL, 10*time.Second))
	}

	opts := premises.Options{
		Bus:           bus,
		Authorizer:    arming.StaticCodes(cfg.Codes),
		Incident:      cfg.incidentConfig(),
		Channels:      channels,
		SweepInterval: cfg.SweepInterval,
	}
	if cfg.Responder.URL != "" {
		opts.Responder = emergency.NewHTTPResponder(cfg.Responder.URL, cfg.Responder.Token, cfg.Responder.Timeout)
	} else {
		log.Warn("no emergency responder configured, incidents will only notify")
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("could not connect to redis: %w", err)
		}
		opts.DispatchStore = emergency.NewRedisStore(rdb, cfg.DispatchTTL)
	}

	p, err := premises.New(top, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Error("could not close premises", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	run := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("stopped", "component", name, "err", err)
				cancel()
			}
		}()
	}

	run("sweeper", p.Run)

	if cfg.DatabaseURL != "" {
		store, err := history.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return err
		}
		archiver := history.NewArchiver(store, 256)
		bus.Subscribe(archiver.Handle)
		run("archiver", func(ctx context.Context) error {
			defer store.Close()
			return archiver.Run(ctx)
		})
	}

	if mqttClient != nil {
		bridge := mqttbridge.NewBridge(cfg.MQTT.Prefix, p, mqttClient)
		bus.Subscribe(bridge.HandleEvent)
		if err := bridge.Start(mqttClient); err != nil {
			return err
		}
		run("mqtt", bridge.Run)
	}

	if cfg.FeedAddress != "" {
		ln, err := net.Listen("tcp", cfg.FeedAddress)
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", cfg.FeedAddress, err)
		}
		srv := feed.NewServer(p, cfg.FeedIdle)
		run("feed", func(ctx context.Context) error {
			return srv.Serve(ctx, ln)
		})
	}

	if !cfg.HomeKit.Enabled {
		return serveHTTP(ctx, cfg.Address, p)
	}
	return serveHomeKit(ctx, cfg, top.Name, p)
}

func serveHomeKit(ctx context.Context, cfg Config, name string, p *premises.Premises) error {
	bridge := accessory.NewBridge(accessory.Info{
		Name:         name,
		Manufacturer: manufacturer,
		Firmware:     version,
	})

	alarm := NewSecuritySystem(accessory.Info{
		Name:         "Alarm",
		Manufacturer: manufacturer,
		Firmware:     version,
	}, cfg.HomeKit, p)
	alarm.Id = 2

	panicBtn := setupPanicButton(p, cfg.HomeKit)
	panicBtn.Id = 3

	sensors := setupSensors(p, cfg.HomeKit)
	siren := setupSiren(p.State())

	p.Bus.Subscribe(alarm.Handle)
	p.Bus.Subscribe(sensors.Handle)
	p.Bus.Subscribe(siren.Handle)
	p.Bus.Subscribe(func(ev event.Event) {
		if ev, ok := ev.(arming.StateChanged); ok {
			panicBtn.Switch.On.SetValue(ev.To == arming.Alarmed)
		}
	})

	fs := hap.NewFsStore(cfg.HomeKit.Storage)
	server, err := hap.NewServer(
		fs, bridge.A,
		securityAccessories(sensors, siren, alarm, panicBtn)...,
	)
	if err != nil {
		return fmt.Errorf("fail to create server: %w", err)
	}
	server.Pin = cfg.HomeKit.Pin
	server.Addr = cfg.Address
	registerHandlers(server.ServeMux(), p, sensors)

	log.Info("starting server", "addr", server.Addr, "accessories", len(sensors)+3)
	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to close server: %w", err)
	}
	return nil
}

func serveHTTP(ctx context.Context, addr string, p *premises.Premises) error {
	mux := http.NewServeMux()
	registerHandlers(mux, p, nil)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		log.Info("stopping server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("starting server", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to close server: %w", err)
	}
	return nil
}

func securityAccessories(
	sensors AlarmSensors,
	siren *Siren,
	alarm *SecuritySystem,
	panicBtn *accessory.Switch,
) []*accessory.A {
	result := []*accessory.A{
		panicBtn.A,
		alarm.A,
		siren.A,
	}
	for _, c := range sensors {
		result = append(result, c.A)
	}
	return result
}
