package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
telegram:
  token: "123:abc"
relay:
  source_channel: -1001234567890
  secret: "hunter2"
`

func TestLoadMinimal(t *testing.T) {
	m := NewManager(writeConfig(t, minimalYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Relay.SourceChannel != -1001234567890 {
		t.Fatalf("source_channel = %d", cfg.Relay.SourceChannel)
	}
	if m.Get() != cfg {
		t.Fatal("Get() did not return the committed config")
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	m := NewManager(writeConfig(t, minimalYAML+"\nbogus_section:\n  x: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidateMissingFields(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no token", `
telegram: {}
relay:
  source_channel: -100
  secret: "s"
`},
		{"no source channel", `
telegram:
  token: "t"
relay:
  secret: "s"
`},
		{"no secret", `
telegram:
  token: "t"
relay:
  source_channel: -100
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(writeConfig(t, tc.body))
			if _, err := m.Load(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvBotToken, "env:token")
	t.Setenv(EnvSourceChannel, "-42")
	t.Setenv(EnvSecret, "env-secret")

	m := NewManager(writeConfig(t, minimalYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "env:token" {
		t.Fatalf("token = %q, want env override", cfg.Telegram.Token)
	}
	if cfg.Relay.SourceChannel != -42 {
		t.Fatalf("source_channel = %d, want -42", cfg.Relay.SourceChannel)
	}
	if cfg.Relay.Secret != "env-secret" {
		t.Fatalf("secret = %q, want env override", cfg.Relay.Secret)
	}
}

func TestEnvInvalidChannelRejected(t *testing.T) {
	t.Setenv(EnvSourceChannel, "not-a-number")
	m := NewManager(writeConfig(t, minimalYAML))
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), EnvSourceChannel) {
		t.Fatalf("Load err = %v, want %s parse error", err, EnvSourceChannel)
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", " 10s "); err != nil || d.Seconds() != 10 {
		t.Fatalf("ParseDurationField(10s) = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("ParseDurationField(empty) = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage duration accepted")
	}
}
