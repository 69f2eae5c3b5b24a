// Package app wires the services together and owns their lifecycle.
package app

import (
	"context"
	"time"

	"filingbot/internal/ai"
	"filingbot/internal/bot"
	"filingbot/internal/config"
	"filingbot/internal/edgar"
	"filingbot/internal/eventbus"
	"filingbot/internal/fanout"
	"filingbot/internal/pipeline"
	"filingbot/internal/queue"
	"filingbot/internal/quota"
	rtsup "filingbot/internal/runtime/supervisor"
	"filingbot/internal/storage"
	"filingbot/internal/task/engine"
	"filingbot/internal/task/scheduler"
	kit "filingbot/internal/transport"
	telegram "filingbot/internal/transport/telegram/adapter"
	"filingbot/internal/watch"
	logx "filingbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *storage.DB

	adapter *telegram.Adapter

	queue     *queue.Queue
	quota     *quota.Tracker
	resolver  *edgar.Resolver
	fanout    *fanout.Service
	discovery *watch.Discovery
	processor *pipeline.Processor
	router    *bot.Router

	engine *engine.Service
	sched  *scheduler.Service

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap logging with Telegram bridge disabled: the target chat must
	// be set before Apply() enables it, or Apply() warns spuriously.
	baseLogCfg := mapLoggingConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	if cfg.Telegram.OperatorChatID != 0 {
		logSvc.SetTelegramTarget(cfg.Telegram.OperatorChatID)
	}
	logSvc.Apply(mapLoggingConfig(cfg))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	maxRetries := cfg.Pipeline.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	jobs := queue.New(db, maxRetries, log.With(logx.String("comp", "queue")))

	// Limits come from the live config so hot reloads apply without restart.
	usage := quota.New(db, func() quota.Limits {
		c := cfgm.Get()
		return quota.Limits{RPM: c.Quota.RPMLimit, Daily: c.Quota.DailyLimit}
	}, log.With(logx.String("comp", "quota")))

	reqTimeout, err := config.ParseDurationField("edgar.request_timeout", cfg.Edgar.RequestTimeout)
	if err != nil {
		return nil, err
	}
	edgarClient := edgar.NewClient(edgar.ClientConfig{
		UserAgent:        cfg.Edgar.UserAgent,
		Timeout:          reqTimeout,
		MaxDocumentBytes: cfg.Edgar.MaxDocumentBytes,
	}, log.With(logx.String("comp", "edgar")))

	tickerRefresh, err := config.ParseDurationField("edgar.ticker_refresh", cfg.Edgar.TickerRefresh)
	if err != nil {
		return nil, err
	}
	resolver := edgar.NewResolver(edgarClient, edgar.ResolverConfig{
		CachePath: cfg.Edgar.TickerCachePath,
		Refresh:   tickerRefresh,
	}, log.With(logx.String("comp", "edgar")))

	aiTimeout, err := config.ParseDurationField("ai.timeout", cfg.AI.Timeout)
	if err != nil {
		return nil, err
	}
	analyzer, err := ai.New(ai.Config{
		BaseURL:          cfg.AI.BaseURL,
		APIKey:           cfg.AI.APIKey,
		Model:            cfg.AI.Model,
		MaxTokens:        cfg.AI.MaxTokens,
		MaxDocumentChars: cfg.AI.MaxDocumentChars,
		Timeout:          aiTimeout,
	}, log.With(logx.String("comp", "ai")))
	if err != nil {
		return nil, err
	}

	fanCfg, err := mapFanoutConfig(cfg)
	if err != nil {
		return nil, err
	}
	fan := fanout.New(fanCfg, ad, db, bus, log.With(logx.String("comp", "fanout")))

	disc := watch.New(db, resolver, edgarClient, jobs, watch.Config{
		LookbackDays: cfg.Discovery.LookbackDays,
		MaxPerTicker: cfg.Discovery.MaxPerTicker,
	}, log.With(logx.String("comp", "discovery")))

	proc := pipeline.New(jobs, usage, edgarClient, analyzer, fan, bus, pipeline.Config{
		BatchSize: cfg.Pipeline.BatchSize,
	}, log.With(logx.String("comp", "pipeline")))

	router := bot.NewRouter(db, ad, jobs, usage, resolver, func(id int64) bool {
		return cfgm.Get().IsOwner(id)
	}, log.With(logx.String("comp", "bot")))

	eng := engine.New(engine.Config{Workers: 2, QueueSize: 16}, log.With(logx.String("comp", "taskengine")), bus)
	sched := scheduler.New(eng, log.With(logx.String("comp", "scheduler")))

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		db:        db,
		adapter:   ad,
		queue:     jobs,
		quota:     usage,
		resolver:  resolver,
		fanout:    fan,
		discovery: disc,
		processor: proc,
		router:    router,
		engine:    eng,
		sched:     sched,
		updates:   make(chan kit.Update, 256),
	}
	if err := a.registerSchedules(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) registerSchedules(cfg *config.Config) error {
	defs := []scheduler.Definition{
		{
			Name:     "discovery.sweep",
			Schedule: cfg.DiscoveryInterval().String(),
			Task: engine.Task{
				Name:         "discovery.sweep",
				SingleFlight: true,
				Timeout:      5 * time.Minute,
				Fn:           a.discovery.Run,
			},
		},
		{
			Name:     "pipeline.batch",
			Schedule: cfg.PipelineInterval().String(),
			Task: engine.Task{
				Name:         "pipeline.batch",
				SingleFlight: true,
				Timeout:      10 * time.Minute,
				Fn:           a.processor.Run,
			},
		},
		{
			Name:     "tickers.refresh",
			Schedule: "24h",
			Task: engine.Task{
				Name:         "tickers.refresh",
				SingleFlight: true,
				Timeout:      2 * time.Minute,
				Fn:           a.resolver.Refresh,
			},
		},
	}
	for _, d := range defs {
		if err := a.sched.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Requeue jobs a previous process left claimed, BEFORE anything can
	// start claiming again.
	if n, err := a.queue.RecoverAbandoned(a.sup.Context()); err != nil {
		return err
	} else if n > 0 {
		a.log.Info("startup recovery complete", logx.Int("requeued", n))
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.fanout.Start(a.sup.Context())
	a.engine.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go0("updates.dispatch", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case up, ok := <-a.updates:
				if !ok {
					return
				}
				a.router.HandleUpdate(c, up)
			}
		}
	})

	// Event log for operational debugging.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Config hot reload: watch the file and apply live-tunable sections.
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	})

	a.log.Info("started")
	return nil
}

// applyConfig applies the live-tunable parts of a reloaded config. Storage
// path, Telegram token and schedules need a restart; quota limits and the
// owner list are read through cfgm.Get() and need no action here.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg.Telegram.OperatorChatID != 0 {
		a.logs.SetTelegramTarget(cfg.Telegram.OperatorChatID)
	} else {
		a.logs.SetTelegramTarget(0)
	}
	a.logs.Apply(mapLoggingConfig(cfg))

	if fanCfg, err := mapFanoutConfig(cfg); err == nil {
		a.fanout.Apply(fanCfg)
	} else {
		a.log.Warn("fanout config not applied", logx.Err(err))
	}
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	// Reverse start order: stop producing work, then drain, then close IO.
	a.sched.Stop(ctx)
	a.engine.Stop(ctx)
	a.fanout.Stop(ctx)
	_ = a.adapter.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}

	err := a.db.Close()
	_ = a.logs.Close()
	return err
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapFanoutConfig(cfg *config.Config) (fanout.Config, error) {
	retryBase, err := config.ParseDurationField("fanout.retry_base", cfg.Fanout.RetryBase)
	if err != nil {
		return fanout.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("fanout.retry_max_delay", cfg.Fanout.RetryMaxDelay)
	if err != nil {
		return fanout.Config{}, err
	}
	return fanout.Config{
		Workers:       cfg.Fanout.Workers,
		QueueSize:     cfg.Fanout.QueueSize,
		RatePerSec:    cfg.Fanout.RatePerSec,
		RetryMax:      cfg.Fanout.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, nil
}
