package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"laterbot/internal/config"
	"laterbot/internal/services/delivery"
	"laterbot/internal/services/housekeeping"
	"laterbot/internal/storage"
	logx "laterbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = config.DefaultStoragePath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "", "file", "json":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	out := delivery.DefaultConfig()
	if cfg.Delivery.RatePerSec > 0 {
		out.RatePerSec = cfg.Delivery.RatePerSec
	}
	if cfg.Delivery.Burst > 0 {
		out.Burst = cfg.Delivery.Burst
	}
	d, err := config.ParseDurationField("delivery.send_timeout", cfg.Delivery.SendTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	out.SendTimeout = d
	out.ClaimBeforeSend = cfg.Delivery.ClaimMode()
	return out, nil
}

func mapHousekeepingConfig(cfg *config.Config) (housekeeping.Config, error) {
	minAge, err := config.ParseDurationOrDefault("housekeeping.min_age", cfg.Housekeeping.MinAge, config.DefaultHousekeepMinAge)
	if err != nil {
		return housekeeping.Config{}, err
	}
	spec := strings.TrimSpace(cfg.Housekeeping.Spec)
	if spec == "" {
		spec = config.DefaultHousekeepSpec
	}
	return housekeeping.Config{Enabled: cfg.Housekeeping.Enabled, Spec: spec, MinAge: minAge}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	chatID, _ := cfg.GroupLogChatID()
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && chatID != 0,
			ChatID:     chatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// stateDir is where the process lock lives: state_dir, else the store's directory.
func stateDir(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.StateDir); d != "" {
		return d
	}
	p := strings.TrimSpace(cfg.Storage.Path)
	if p == "" {
		p = config.DefaultStoragePath
	}
	return filepath.Dir(p)
}

// validateMapped rejects configs the mappers cannot turn into component configs.
func validateMapped(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	_, err := mapHousekeepingConfig(cfg)
	return err
}
