package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TokenEnv overrides telegram.token when set.
const TokenEnv = "LATERBOT_TOKEN"

type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Uploads      UploadsConfig      `json:"uploads"`
	Delivery     DeliveryConfig     `json:"delivery"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`

	// StateDir holds the process lock file. Defaults to the storage path's directory.
	StateDir string `json:"state_dir,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives mirrored warn+ log lines.
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/schedules.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type UploadsConfig struct {
	Dir string `json:"dir"`
}

// DeliveryConfig tunes the scheduler.
//
// ClaimBeforeSend is a pointer so an omitted key keeps the default (true).
type DeliveryConfig struct {
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	Burst           int     `json:"burst,omitempty"`
	SendTimeout     string  `json:"send_timeout,omitempty"`
	ClaimBeforeSend *bool   `json:"claim_before_send,omitempty"`
}

type HousekeepingConfig struct {
	Enabled bool   `json:"enabled"`
	Spec    string `json:"spec,omitempty"`
	MinAge  string `json:"min_age,omitempty"`
}

const (
	DefaultStoragePath     = "schedules.json"
	DefaultHousekeepSpec   = "@every 1h"
	DefaultHousekeepMinAge = 24 * time.Hour
	DefaultPollTimeout     = 10 * time.Second
)

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "file"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if strings.TrimSpace(c.Uploads.Dir) == "" {
		c.Uploads.Dir = "uploads"
	}
	if strings.TrimSpace(c.Housekeeping.Spec) == "" {
		c.Housekeeping.Spec = DefaultHousekeepSpec
	}
}

// ApplyEnv applies environment overrides using getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	if tok := strings.TrimSpace(getenv(TokenEnv)); tok != "" {
		c.Telegram.Token = tok
	}
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token is required (or set %s)", TokenEnv))
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		errs = append(errs, errors.New("telegram.owner_user_ids must list at least one owner"))
	}
	if _, err := c.GroupLogChatID(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Delivery.RatePerSec < 0 {
		errs = append(errs, errors.New("delivery.rate_per_sec must be >= 0"))
	}
	if _, err := ParseDurationField("delivery.send_timeout", c.Delivery.SendTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("housekeeping.min_age", c.Housekeeping.MinAge); err != nil {
		errs = append(errs, err)
	}
	if c.Housekeeping.Enabled {
		if _, err := cron.ParseStandard(strings.TrimSpace(c.Housekeeping.Spec)); err != nil {
			errs = append(errs, fmt.Errorf("housekeeping.spec: %w", err))
		}
	}
	return errors.Join(errs...)
}

// GroupLogChatID parses telegram.group_log. Zero means unset.
func (c *Config) GroupLogChatID() (int64, error) {
	s := strings.TrimSpace(c.Telegram.GroupLog)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: invalid chat id %q", s)
	}
	return id, nil
}

// ClaimMode reports the effective claim_before_send setting (default true).
func (d DeliveryConfig) ClaimMode() bool {
	if d.ClaimBeforeSend == nil {
		return true
	}
	return *d.ClaimBeforeSend
}

// IsOwner reports whether id is one of the configured owners.
func (t TelegramConfig) IsOwner(id int64) bool {
	for _, o := range t.OwnerUserIDs {
		if o == id {
			return true
		}
	}
	return false
}
