package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: "10s"
logging:
  level: "info"
  console: true
storage:
  path: "./bot.db"
edgar:
  user_agent: "filingbot test@example.com"
discovery:
  interval: "1m"
pipeline:
  interval: "80s"
  max_retries: 3
quota:
  rpm_limit: 10
  daily_limit: 250
ai:
  base_url: "https://example.invalid/v1"
  api_key: "k"
  model: "gemini-2.0-flash"
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeTemp(t, "cfg.yaml", validYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if !cfg.IsOwner(42) || cfg.IsOwner(7) {
		t.Error("owner check wrong")
	}
	if got := cfg.DiscoveryInterval(); got != time.Minute {
		t.Errorf("discovery interval = %v", got)
	}
	if got := cfg.PipelineInterval(); got != 80*time.Second {
		t.Errorf("pipeline interval = %v", got)
	}
	if cfg.Quota.RPMLimit != 10 || cfg.Quota.DailyLimit != 250 {
		t.Errorf("quota = %+v", cfg.Quota)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeTemp(t, "cfg.yaml", validYAML+"\nbogus_section:\n  x: 1\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsMissingRequired(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		drop string
		want string
	}{
		{"no token", `token: "123:abc"`, "telegram.token"},
		{"no storage path", `path: "./bot.db"`, "storage.path"},
		{"no user agent", `user_agent: "filingbot test@example.com"`, "edgar.user_agent"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mangled := strings.Replace(validYAML, tc.drop, "", 1)
			m := NewManager(writeTemp(t, "cfg.yaml", mangled))
			_, err := m.Parse()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if _, err := ParseDurationField("x", "not-a-duration"); err == nil {
		t.Error("expected error for garbage duration")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Error("expected error for negative duration")
	}
	d, err := ParseDurationOrDefault("x", "", 7*time.Second)
	if err != nil || d != 7*time.Second {
		t.Errorf("default = %v, %v", d, err)
	}
}

func TestDefaultIntervalsOnBadValues(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	if cfg.DiscoveryInterval() != time.Minute {
		t.Error("empty interval should default to 1m")
	}
}

func TestCommitAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	cfg := &Config{}
	m.Commit(cfg)
	if m.Get() != cfg {
		t.Fatal("Get should return committed config")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("no config delivered")
	}

	// full buffer: oldest dropped, newest delivered
	m.publish(&Config{})
	newer := &Config{}
	m.publish(newer)
	if got := <-ch; got != newer {
		t.Fatal("expected newest config after drop")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
}
