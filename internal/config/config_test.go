package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/feedctl/internal/supervisor"
	"github.com/danmuck/feedctl/internal/testutil/testlog"
	"github.com/danmuck/feedctl/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feedctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	testlog.Start(t)

	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `
[source]
address = "tcp://127.0.0.1:9000"
greeting = ""
ping_interval = "15s"

[session]
connect_timeout = "3s"
timeout_policy = "abort"
retry_interval = "5s"

[remote]
rate_limit = 2.5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://127.0.0.1:9000", cfg.Source.Address)
	assert.Empty(t, cfg.Source.Greeting)
	assert.Equal(t, 15*time.Second, cfg.Source.PingInterval.Duration)
	assert.Equal(t, 5, cfg.Source.MaxRetries, "unset keys keep defaults")
	assert.Equal(t, 3*time.Second, cfg.Session.ConnectTimeout.Duration)
	assert.Equal(t, 2*time.Second, cfg.Remote.Delay.Duration)

	sup := cfg.SupervisorConfig()
	assert.Equal(t, supervisor.PolicyAbort, sup.TimeoutPolicy)
	assert.Equal(t, 5*time.Second, sup.RetryInterval)
	assert.Equal(t, map[string]any{"type": "cash"}, sup.RequestFields)

	tr := cfg.TransportConfig()
	assert.Equal(t, transport.KindAuto, tr.Kind)
	assert.Equal(t, 3*time.Second, tr.Backoff.InitialDelay)
	assert.Equal(t, 1.3, tr.Backoff.Multiplier)

	assert.Equal(t, 2.5, cfg.QueueConfig().RateLimit)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)

	_, err := Load(writeConfig(t, `
[source]
adress = "ws://typo"
`))
	assert.ErrorIs(t, err, ErrUnknown)
	assert.Contains(t, err.Error(), "source.adress")
}

func TestLoadErrors(t *testing.T) {
	testlog.Start(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, ErrLoad)

	_, err = Load(writeConfig(t, `[session]
connect_timeout = "soon"
`))
	assert.ErrorIs(t, err, ErrLoad)

	_, err = Load(writeConfig(t, `[eventsource]
amounts = []
`))
	assert.ErrorIs(t, err, ErrValidate)
}

func TestValidateCollectsProblems(t *testing.T) {
	testlog.Start(t)

	cfg := Default()
	cfg.Source.Kind = "udp"
	cfg.Session.TimeoutPolicy = "retry"
	cfg.Remote.Mode = "http"
	cfg.Remote.RateBurst = 0

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrValidate)
	for _, want := range []string{"source.kind", "session.timeout_policy", "remote.endpoint", "remote.rate_burst"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestTemplateRoundTrips(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "feedctl.toml")
	require.NoError(t, WriteTemplate(path, false))
	assert.Error(t, WriteTemplate(path, false), "existing file must not be overwritten")
	require.NoError(t, WriteTemplate(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestRenderFormats(t *testing.T) {
	testlog.Start(t)

	cfg := Default()

	out, err := Render(cfg, "json")
	require.NoError(t, err)
	var asJSON map[string]map[string]any
	require.NoError(t, json.Unmarshal(out, &asJSON))
	assert.Equal(t, "10s", asJSON["session"]["connect_timeout"])

	out, err = Render(cfg, "yaml")
	require.NoError(t, err)
	var asYAML map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(out, &asYAML))
	assert.Equal(t, "ws://localhost:3000", asYAML["source"]["address"])
	assert.Equal(t, "2s", asYAML["remote"]["delay"])

	_, err = Render(cfg, "ini")
	assert.Error(t, err)
}
