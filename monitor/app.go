package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/itskum47/scnms/monitor/alarm"
	"github.com/itskum47/scnms/monitor/config"
	"github.com/itskum47/scnms/monitor/scheduler"
	"github.com/itskum47/scnms/monitor/store"
	"github.com/itskum47/scnms/monitor/streaming"
)

// app holds the long-lived connections shared by the commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store store.Store
	redis *redis.Client
	mqtt  *streaming.MQTTBus

	publishers []streaming.Publisher
	closers    []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	if cfg.Redis.Enabled {
		client, err := store.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
		a.publishers = append(a.publishers, streaming.NewRedisPublisher(client))
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.MQTT.Enabled {
		bus, err := streaming.NewMQTTBus(cfg.MQTT.MQTTConfig, logger.Named("mqtt"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.mqtt = bus
		a.closers = append(a.closers, bus.Close)
		a.publishers = append(a.publishers, bus)
	}

	if len(a.publishers) == 0 {
		a.publishers = append(a.publishers, streaming.NewLogPublisher(logger))
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Database.URL == "" {
		logger.Warn("database.url not set, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
	}
	return pg, nil
}

// addPublisher adds an extra event sink, such as the websocket hub.
func (a *app) addPublisher(p streaming.Publisher) {
	a.publishers = append(a.publishers, p)
}

func (a *app) bus() streaming.Publisher {
	return streaming.NewFanout(a.publishers...)
}

// subscribers returns the transports traps can arrive on.
func (a *app) subscribers() []streaming.Subscriber {
	var subs []streaming.Subscriber
	if a.redis != nil {
		subs = append(subs, streaming.NewRedisSubscriber(a.redis, a.logger.Named("traps")))
	}
	if a.mqtt != nil {
		subs = append(subs, a.mqtt)
	}
	return subs
}

func (a *app) manager(clock scheduler.Clock) *alarm.Manager {
	return alarm.NewManager(a.store, a.bus(), clock, a.logger.Named("alarm"))
}

// requireDurableStore rejects commands that make no sense against a
// per-process memory store.
func (a *app) requireDurableStore() error {
	if a.cfg.Database.URL == "" {
		return errors.New("database.url is required for this command")
	}
	return nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close: %w", errors.Join(errs...))
	}
	return nil
}
