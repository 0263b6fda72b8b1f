package config

import (
	"reflect"
	"strings"

	logx "laterbot/pkg/logx"
)

// SummarizeChange lists the changed sections and safe log fields for them.
// Secrets (the bot token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver), logx.String("storage.path", newCfg.Storage.Path))
	}
	if oldCfg.Uploads != newCfg.Uploads {
		changed = append(changed, "uploads")
		attrs = append(attrs, logx.String("uploads.dir", newCfg.Uploads.Dir))
	}
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Any("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.Bool("delivery.claim_before_send", newCfg.Delivery.ClaimMode()),
		)
	}
	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		attrs = append(attrs, logx.Bool("housekeeping.enabled", newCfg.Housekeeping.Enabled), logx.String("housekeeping.spec", newCfg.Housekeeping.Spec))
	}
	if strings.TrimSpace(oldCfg.StateDir) != strings.TrimSpace(newCfg.StateDir) {
		changed = append(changed, "state_dir")
	}
	return changed, attrs
}

// RestartRequired lists changed settings that only take effect after a restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		out = append(out, "telegram.token")
	}
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		out = append(out, "telegram.poll_timeout")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Uploads != newCfg.Uploads {
		out = append(out, "uploads.dir")
	}
	if strings.TrimSpace(oldCfg.StateDir) != strings.TrimSpace(newCfg.StateDir) {
		out = append(out, "state_dir")
	}
	return out
}
