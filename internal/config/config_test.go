package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "laterbot/pkg/logx"
)

const validYAML = `
telegram:
  token: "file-token"
  owner_user_ids: [111, 222]
  group_log: "-1001234"
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/laterbot.db
  busy_timeout: 5s
delivery:
  rate_per_sec: 2.5
  claim_before_send: false
housekeeping:
  enabled: true
  spec: "@every 30m"
  min_age: 12h
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func noEnv(string) string { return "" }

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", validYAML))
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "file-token" || len(cfg.Telegram.OwnerUserIDs) != 2 {
		t.Fatalf("unexpected telegram: %+v", cfg.Telegram)
	}
	if id, _ := cfg.GroupLogChatID(); id != -1001234 {
		t.Fatalf("group log id = %d", id)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Delivery.RatePerSec != 2.5 || cfg.Delivery.ClaimMode() {
		t.Fatalf("unexpected sections: %+v %+v", cfg.Storage, cfg.Delivery)
	}
	if cfg.Uploads.Dir != "uploads" {
		t.Fatalf("uploads default = %q", cfg.Uploads.Dir)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the config")
	}
}

func TestLoadJSONDefaults(t *testing.T) {
	m := NewManager(writeFile(t, "config.json", `{"telegram":{"token":"t","owner_user_ids":[1]}}`))
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "file" || cfg.Storage.Path != DefaultStoragePath || cfg.Housekeeping.Spec != DefaultHousekeepSpec {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Storage, cfg.Housekeeping)
	}
	if !cfg.Delivery.ClaimMode() {
		t.Fatal("claim mode should default to true")
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("level default = %q", cfg.Logging.Level)
	}
}

func TestEnvTokenOverride(t *testing.T) {
	m := NewManager(writeFile(t, "config.json", `{"telegram":{"owner_user_ids":[1]}}`))
	m.SetEnv(func(k string) string {
		if k == TokenEnv {
			return " env-token "
		}
		return ""
	})
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
}

func TestStrictDecoding(t *testing.T) {
	tests := map[string]string{
		"unknown json key": `{"telegram":{"token":"t","owner_user_ids":[1]},"plugins":{}}`,
		"trailing data":    `{"telegram":{"token":"t","owner_user_ids":[1]}} {}`,
	}
	for name, body := range tests {
		m := NewManager(writeFile(t, "config.json", body))
		m.SetEnv(noEnv)
		if _, err := m.Load(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	m := NewManager(writeFile(t, "config.yml", "telegram:\n  token: t\n  owner_user_ids: [1]\n  bogus: 1\n"))
	m.SetEnv(noEnv)
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown yaml key should be rejected")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Telegram:     TelegramConfig{GroupLog: "chat"},
		Storage:      StorageConfig{Driver: "redis"},
		Delivery:     DeliveryConfig{RatePerSec: -1, SendTimeout: "soon"},
		Housekeeping: HousekeepingConfig{Enabled: true, Spec: "every day"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"telegram.token", "owner_user_ids", "group_log", "storage.driver", "rate_per_sec", "send_timeout", "housekeeping.spec"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error missing %q:\n%v", want, err)
		}
	}
}

func TestDurationFields(t *testing.T) {
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("ParseDurationField = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration should fail")
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Minute); d != time.Minute {
		t.Fatalf("default = %v", d)
	}
	if d, err := ParseDurationField("housekeeping.min_age", "7d"); err != nil || d != 7*24*time.Hour {
		t.Fatalf("day form = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "1.5d"); err == nil {
		t.Fatal("fractional days should fail")
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a", OwnerUserIDs: []int64{1}}, Storage: StorageConfig{Driver: "file", Path: "a.json"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b", OwnerUserIDs: []int64{1, 2}}, Storage: StorageConfig{Driver: "file", Path: "b.json"}}
	changed, _ := SummarizeChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "telegram,storage" {
		t.Fatalf("changed = %v", changed)
	}
	restart := RestartRequired(oldCfg, newCfg)
	if strings.Join(restart, ",") != "telegram.token,storage" {
		t.Fatalf("restart = %v", restart)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "config.json", `{"telegram":{"token":"t","owner_user_ids":[1]}}`)
	m := NewManager(path)
	m.SetEnv(noEnv)
	m.SetLogger(logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and never published.
	if err := os.WriteFile(path, []byte(`{"telegram":{"token":"t","owner_user_ids":[]}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg.Telegram)
	default:
	}

	if err := os.WriteFile(path, []byte(`{"telegram":{"token":"t","owner_user_ids":[1,2]}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-ch:
		if len(cfg.Telegram.OwnerUserIDs) != 2 {
			t.Fatalf("unexpected owners: %v", cfg.Telegram.OwnerUserIDs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
}
