package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"personago/internal/clock"
	"personago/internal/config"
	"personago/internal/conversation"
	"personago/internal/generation"
	"personago/internal/knowledge"
	"personago/internal/logging"
	"personago/internal/memory"
	"personago/internal/moderation"
	"personago/internal/platform"
	"personago/internal/platform/telegram"
	"personago/internal/platform/twitter"
	"personago/internal/poller"
	"personago/internal/redis"
	"personago/internal/scheduler"
	"personago/internal/settings"
	"personago/internal/storage"
)

// app holds everything a command needs; fields beyond the stores are only
// populated by build.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	logCloser io.Closer
	db        *sql.DB
	driver    string
	rdb       *redis.Client

	messages   *memory.Store
	settings   *settings.Store
	generator  *generation.Service
	schedulers map[string]*scheduler.Scheduler
}

// openApp loads config, logging and the database.
func openApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, closer, err := logging.New(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogSink)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, logCloser: closer, driver: storage.Normalize(cfg.BasicConfig.Database)}

	a.db, err = storage.Open(a.driver, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(a.db, a.driver); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	a.messages = memory.NewStore(a.db, a.driver)
	a.settings = settings.NewStore(a.db, a.driver)
	log.Info("database ready", "driver", a.driver, "character", cfg.Character.NameID)
	return a, nil
}

// build wires generation, moderation and one scheduler per enabled platform.
func (a *app) build(ctx context.Context) error {
	cfg := a.cfg
	var cache conversation.Cache
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		a.rdb = rdb
		a.settings.SetLocker(rdb)
		cache = conversation.NewRedisCache(rdb, time.Duration(cfg.Redis.ThreadCacheTTL)*time.Second, a.log)
	}

	plugins, err := knowledge.Build(ctx, cfg.Plugins, a.log)
	if err != nil {
		return err
	}
	providers, err := generation.BuildProviders(ctx, cfg)
	if err != nil {
		return err
	}
	opts := generation.Options{
		Providers:         providers,
		RequestsPerMinute: cfg.Generation.RequestsPerMinute,
		Messages:          a.messages,
		Knowledge:         knowledge.NewSelector(plugins, a.settings, a.log),
		Clock:             clock.Real(),
		Log:               a.log.With("component", "generation"),
		MediaDir:          cfg.BasicConfig.MediaDir,
	}
	if cfg.Generation.FilterProvider != "" {
		if opts.Filter, err = generation.BuildModel(ctx, cfg, cfg.Generation.FilterProvider); err != nil {
			return err
		}
	}
	if a.generator, err = generation.NewService(opts); err != nil {
		return err
	}

	classifier, err := a.classifier(ctx)
	if err != nil {
		return err
	}
	gate := moderation.NewGate(classifier, a.log.With("component", "moderation"))

	clients, err := a.platformClients()
	if err != nil {
		return err
	}
	assembler := conversation.NewAssembler(a.messages, cache, a.log.With("component", "conversation"), clients...)

	a.schedulers = make(map[string]*scheduler.Scheduler, len(clients))
	for _, client := range clients {
		pc := cfg.Platforms[client.Name()]
		log := a.log.With("component", "scheduler")
		a.schedulers[client.Name()] = scheduler.New(scheduler.Deps{
			Character: cfg.Character,
			Client:    client,
			Messages:  a.messages,
			Settings:  a.settings,
			Generator: a.generator,
			Replies: poller.New(a.messages, gate, client, clock.Real(), a.log.With("component", "poller"),
				poller.WithBatch(pc.PollBatchSize, time.Duration(pc.PollCooldown)*time.Second),
				poller.WithInvalidator(assembler)),
			Assembler: assembler,
			Clock:     clock.Real(),
			Log:       log,
		})
	}
	return nil
}

func (a *app) classifier(ctx context.Context) (moderation.Classifier, error) {
	switch a.cfg.Moderation.Kind {
	case "", "none":
		return nil, nil
	case "keywords":
		return moderation.NewKeywordClassifier(a.cfg.Moderation.BlockedTerms), nil
	case "llm":
		m, err := generation.BuildModel(ctx, a.cfg, a.cfg.Moderation.Provider)
		if err != nil {
			return nil, fmt.Errorf("moderation model: %w", err)
		}
		return moderation.NewLLMClassifier(m), nil
	default:
		return nil, fmt.Errorf("unknown moderation kind %q", a.cfg.Moderation.Kind)
	}
}

// platformClients returns a client for every platform enabled in both the
// config and the character file.
func (a *app) platformClients() ([]platform.Client, error) {
	var clients []platform.Client
	for _, name := range []string{"twitter", "telegram"} {
		pc, ok := a.cfg.Platforms[name]
		if !ok || !pc.Enabled {
			continue
		}
		ps, ok := a.cfg.Character.Platforms[name]
		if !ok || !ps.IsEnabled() {
			a.log.Warn("platform enabled in config but not in character file, skipping", "platform", name)
			continue
		}
		switch name {
		case "twitter":
			clients = append(clients, twitter.NewClient(pc.BaseURL, pc.Token))
		case "telegram":
			c, err := telegram.NewClient(pc.Token, pc.BaseURL, pc.ChatID)
			if err != nil {
				return nil, fmt.Errorf("telegram: %w", err)
			}
			clients = append(clients, c)
		}
	}
	for name, pc := range a.cfg.Platforms {
		if pc.Enabled && name != "twitter" && name != "telegram" {
			return nil, fmt.Errorf("unsupported platform %q", name)
		}
	}
	return clients, nil
}

func (a *app) loop(name string) (*scheduler.Scheduler, error) {
	s, ok := a.schedulers[name]
	if !ok {
		return nil, fmt.Errorf("platform %q is not enabled", name)
	}
	return s, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}
