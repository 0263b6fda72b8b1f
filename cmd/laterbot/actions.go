package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"laterbot/internal/app"
	"laterbot/internal/services/delivery"
	"laterbot/internal/transport/telegram/router"
	logx "laterbot/pkg/logx"
)

func runAction(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(configPath(c))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func listAction(c *cli.Context) error {
	_, cfg, err := app.LoadConfig(configPath(c))
	if err != nil {
		return err
	}
	store, err := app.OpenStoreReadOnly(cfg, logx.Nop())
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(c.App.Writer, "No scheduled messages.")
		return nil
	}
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := delivery.New(delivery.DefaultConfig(), delivery.Deps{Store: store}).List(context.Background())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.App.Writer, "No scheduled messages.")
		return nil
	}
	fmt.Fprintln(c.App.Writer, router.FormatEntries(entries, time.Now(), func(id int64) string {
		return strconv.FormatInt(id, 10)
	}))
	return nil
}

func checkAction(c *cli.Context) error {
	_, cfg, err := app.LoadConfig(configPath(c))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	store, err := app.OpenStoreReadOnly(cfg, logx.Nop())
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(c.App.Writer, "ok: %s store %s not created yet\n", cfg.Storage.Driver, cfg.Storage.Path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()
	recs, err := store.List(context.Background())
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "ok: %d pending deliveries in %s store %s\n", len(recs), cfg.Storage.Driver, cfg.Storage.Path)
	return nil
}
