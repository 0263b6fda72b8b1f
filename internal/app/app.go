package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"laterbot/internal/config"
	"laterbot/internal/eventbus"
	"laterbot/internal/lockfile"
	"laterbot/internal/runtime/supervisor"
	"laterbot/internal/services/delivery"
	"laterbot/internal/services/housekeeping"
	"laterbot/internal/storage"
	kit "laterbot/internal/transport"
	telegram "laterbot/internal/transport/telegram/adapter"
	"laterbot/internal/transport/telegram/router"
	"laterbot/internal/uploads"
	logx "laterbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	lock    *lockfile.Lock
	store   storage.Store
	uploads *uploads.Area

	adapter  *telegram.Adapter
	delivery *delivery.Service
	house    *housekeeping.Service
	cmdm     *router.CommandManager

	updates chan kit.Update
}

// LoadConfig reads .env (when present) and the config file, returning the validated config.
func LoadConfig(cfgPath string) (*config.Manager, *config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, nil, err
	}
	return cfgm, cfg, nil
}

// OpenStore opens the configured store. Corrupt state is returned as an error wrapping storage.ErrCorruptState.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

// OpenStoreReadOnly opens the store for inspection without the instance lock.
// Nothing is created, migrated or rewritten.
func OpenStoreReadOnly(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc.ReadOnly = true
	return storage.Open(sc, log)
}

func NewApp(cfgPath string) (*App, error) {
	cfgm, cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, config.DefaultPollTimeout)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole("INFO"))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)

	return &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		uploads: uploads.New(afero.NewOsFs(), cfg.Uploads.Dir),
		adapter: ad,
		cmdm:    router.NewCommandManager(log, ad, cfg.Telegram.OwnerUserIDs),
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the process up in order: lock, store, scheduler, transport, dispatch.
// On error, everything started so far is released.
func (a *App) Start(ctx context.Context) (err error) {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	defer func() {
		if err != nil {
			a.sup.Cancel()
			a.releaseResources()
		}
	}()

	lock, err := lockfile.Acquire(stateDir(cfg), a.log.With(logx.String("comp", "lockfile")))
	if err != nil {
		return err
	}
	a.lock = lock

	store, err := OpenStore(cfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store

	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return err
	}
	a.delivery = delivery.New(dcfg, delivery.Deps{
		Store:   store,
		Sender:  a.adapter,
		Uploads: a.uploads,
		Bus:     a.bus,
		Log:     a.log,
	})
	if err := a.delivery.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start delivery: %w", err)
	}

	hcfg, err := mapHousekeepingConfig(cfg)
	if err != nil {
		return err
	}
	a.house = housekeeping.New(hcfg, store, a.uploads, a.log)
	a.house.TrackInFlight(a.delivery)
	if err := a.house.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start housekeeping: %w", err)
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validateMapped(c) })

	a.cmdm.SetRegistry(a.sup.Context(), router.ScheduleCommands(a.delivery))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.startEventLog()
	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("storage", cfg.Storage.Driver),
		logx.String("state_dir", stateDir(cfg)),
		logx.Bool("claim_before_send", dcfg.ClaimBeforeSend),
	)
	return nil
}

func (a *App) startEventLog() {
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
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if d, ok := e.Data.(eventbus.Delivery); ok {
					fields = append(fields, logx.String("id", d.ID), logx.Int64("user_id", d.RecipientID))
				}
				a.log.Debug("event", fields...)
			}
		}
	})
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig hot-applies logging, owners, delivery tuning and housekeeping.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if fields := config.RestartRequired(oldCfg, newCfg); len(fields) > 0 {
		a.log.Warn("config change requires restart to take effect", logx.String("fields", strings.Join(fields, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if dcfg, err := mapDeliveryConfig(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.delivery.Apply(dcfg)
	}
	if hcfg, err := mapHousekeepingConfig(newCfg); err != nil {
		a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
	} else if err := a.house.Apply(hcfg); err != nil {
		a.log.Warn("housekeeping reschedule failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Dispatch stops before the scheduler so no new record arrives mid-stop.
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "housekeeping", time.Second, func(c context.Context) error {
		if a.house != nil {
			a.house.Stop(c)
		}
		return nil
	})
	a.step(ctx, "delivery", 5*time.Second, func(c context.Context) error {
		if a.delivery != nil {
			return a.delivery.Stop(c)
		}
		return nil
	})
	a.step(ctx, "adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.releaseResources()

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// releaseResources closes the store, then drops the lock.
func (a *App) releaseResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.lock != nil {
		_ = a.lock.Release()
		a.lock = nil
	}
}

// step runs fn bounded by max so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
