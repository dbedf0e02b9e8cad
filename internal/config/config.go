package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/feedctl/internal/logging"
	"github.com/danmuck/feedctl/internal/remote"
	"github.com/danmuck/feedctl/internal/supervisor"
	"github.com/danmuck/feedctl/internal/transport"
)

var (
	ErrLoad     = errors.New("config: load failed")
	ErrUnknown  = errors.New("config: unknown keys")
	ErrValidate = errors.New("config: invalid")
)

// Duration is a time.Duration written as a Go duration string ("2s", "1m30s").
type Duration struct {
	time.Duration
}

func D(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	Log         LogConfig         `toml:"log" yaml:"log" json:"log"`
	Source      SourceConfig      `toml:"source" yaml:"source" json:"source"`
	Session     SessionConfig     `toml:"session" yaml:"session" json:"session"`
	Remote      RemoteConfig      `toml:"remote" yaml:"remote" json:"remote"`
	API         APIConfig         `toml:"api" yaml:"api" json:"api"`
	EventSource EventSourceConfig `toml:"eventsource" yaml:"eventsource" json:"eventsource"`
}

type LogConfig struct {
	Level string `toml:"level" yaml:"level" json:"level"`
}

type SourceConfig struct {
	Address           string   `toml:"address" yaml:"address" json:"address"`
	Kind              string   `toml:"kind" yaml:"kind" json:"kind"`
	Greeting          string   `toml:"greeting" yaml:"greeting" json:"greeting"`
	MaxRetries        int      `toml:"max_retries" yaml:"max_retries" json:"max_retries"`
	MinReconnectDelay Duration `toml:"min_reconnect_delay" yaml:"min_reconnect_delay" json:"min_reconnect_delay"`
	MaxReconnectDelay Duration `toml:"max_reconnect_delay" yaml:"max_reconnect_delay" json:"max_reconnect_delay"`
	ReconnectGrowth   float64  `toml:"reconnect_growth" yaml:"reconnect_growth" json:"reconnect_growth"`
	HandshakeTimeout  Duration `toml:"handshake_timeout" yaml:"handshake_timeout" json:"handshake_timeout"`
	WriteTimeout      Duration `toml:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	PingInterval      Duration `toml:"ping_interval" yaml:"ping_interval" json:"ping_interval"`
	MaxLineBytes      int      `toml:"max_line_bytes" yaml:"max_line_bytes" json:"max_line_bytes"`
}

type SessionConfig struct {
	ConnectTimeout Duration `toml:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`
	TimeoutPolicy  string   `toml:"timeout_policy" yaml:"timeout_policy" json:"timeout_policy"`
	Autostart      bool     `toml:"autostart" yaml:"autostart" json:"autostart"`
	RetryInterval  Duration `toml:"retry_interval" yaml:"retry_interval" json:"retry_interval"`
	EventBuffer    int      `toml:"event_buffer" yaml:"event_buffer" json:"event_buffer"`
	TaskRetention  int      `toml:"task_retention" yaml:"task_retention" json:"task_retention"`
}

type RemoteConfig struct {
	Mode        string   `toml:"mode" yaml:"mode" json:"mode"`
	Endpoint    string   `toml:"endpoint" yaml:"endpoint" json:"endpoint"`
	Delay       Duration `toml:"delay" yaml:"delay" json:"delay"`
	CallTimeout Duration `toml:"call_timeout" yaml:"call_timeout" json:"call_timeout"`
	RateLimit   float64  `toml:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	RateBurst   int      `toml:"rate_burst" yaml:"rate_burst" json:"rate_burst"`
	RequestType string   `toml:"request_type" yaml:"request_type" json:"request_type"`
}

type APIConfig struct {
	ListenAddr  string   `toml:"listen_addr" yaml:"listen_addr" json:"listen_addr"`
	CorsOrigins []string `toml:"cors_origins" yaml:"cors_origins" json:"cors_origins"`
}

type EventSourceConfig struct {
	ListenAddr string   `toml:"listen_addr" yaml:"listen_addr" json:"listen_addr"`
	TCPAddr    string   `toml:"tcp_addr" yaml:"tcp_addr" json:"tcp_addr"`
	Interval   Duration `toml:"interval" yaml:"interval" json:"interval"`
	Amounts    []int64  `toml:"amounts" yaml:"amounts" json:"amounts"`
	EmitTasks  bool     `toml:"emit_tasks" yaml:"emit_tasks" json:"emit_tasks"`
}

func Default() Config {
	tr := transport.DefaultConfig()
	return Config{
		Log: LogConfig{Level: "info"},
		Source: SourceConfig{
			Address:           "ws://localhost:3000",
			Kind:              string(tr.Kind),
			Greeting:          tr.Greeting,
			MaxRetries:        tr.MaxRetries,
			MinReconnectDelay: D(tr.Backoff.InitialDelay),
			MaxReconnectDelay: D(tr.Backoff.MaxDelay),
			ReconnectGrowth:   tr.Backoff.Multiplier,
			HandshakeTimeout:  D(tr.HandshakeTimeout),
			WriteTimeout:      D(tr.WriteTimeout),
			MaxLineBytes:      tr.MaxLineBytes,
		},
		Session: SessionConfig{
			ConnectTimeout: D(10 * time.Second),
			TimeoutPolicy:  string(supervisor.PolicyContinue),
		},
		Remote: RemoteConfig{
			Mode:        string(remote.ModeSimulated),
			Delay:       D(2 * time.Second),
			CallTimeout: D(10 * time.Second),
			RateBurst:   1,
			RequestType: "cash",
		},
		API: APIConfig{
			ListenAddr:  ":8080",
			CorsOrigins: []string{"http://localhost:5173"},
		},
		EventSource: EventSourceConfig{
			ListenAddr: ":3000",
			Interval:   D(2 * time.Second),
			Amounts:    []int64{10, 20, 20, 20, 20, 20, 20},
			EmitTasks:  true,
		},
	}
}

// Load overlays the TOML file at path on Default and validates the result.
// Keys the schema does not know are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w (%s): %w", ErrLoad, path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("%w (%s): %s", ErrUnknown, path, strings.Join(keys, ", "))
	}
	if meta.IsDefined("eventsource", "amounts") && len(cfg.EventSource.Amounts) == 0 {
		return Config{}, fmt.Errorf("%w: eventsource.amounts must not be empty", ErrValidate)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		add("log.level %q unknown", c.Log.Level)
	}

	kind, err := transport.ParseKind(c.Source.Kind)
	if err != nil {
		add("source.kind %q unknown", c.Source.Kind)
	} else if _, _, err := transport.ResolveAddress(kind, c.Source.Address); err != nil {
		add("source.address: %v", err)
	}
	if c.Source.MaxRetries < 0 {
		add("source.max_retries must be >= 0")
	}
	if c.Source.MinReconnectDelay.Duration <= 0 {
		add("source.min_reconnect_delay must be > 0")
	}
	if c.Source.MaxReconnectDelay.Duration < c.Source.MinReconnectDelay.Duration {
		add("source.max_reconnect_delay must be >= min_reconnect_delay")
	}
	if c.Source.ReconnectGrowth < 1.0 {
		add("source.reconnect_growth must be >= 1.0")
	}
	if c.Source.PingInterval.Duration < 0 {
		add("source.ping_interval must be >= 0")
	}

	if c.Session.ConnectTimeout.Duration <= 0 {
		add("session.connect_timeout must be > 0")
	}
	if _, err := supervisor.ParseTimeoutPolicy(c.Session.TimeoutPolicy); err != nil {
		add("session.timeout_policy %q unknown (continue|abort)", c.Session.TimeoutPolicy)
	}
	if c.Session.RetryInterval.Duration < 0 {
		add("session.retry_interval must be >= 0")
	}
	if c.Session.EventBuffer < 0 {
		add("session.event_buffer must be >= 0")
	}
	if c.Session.TaskRetention < 0 {
		add("session.task_retention must be >= 0")
	}

	switch remote.Mode(strings.ToLower(strings.TrimSpace(c.Remote.Mode))) {
	case remote.ModeSimulated:
	case remote.ModeHTTP:
		if u, err := url.Parse(c.Remote.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			add("remote.endpoint must be an absolute url in http mode")
		}
	default:
		add("remote.mode %q unknown (simulated|http)", c.Remote.Mode)
	}
	if c.Remote.RateLimit < 0 {
		add("remote.rate_limit must be >= 0")
	}
	if c.Remote.RateBurst < 1 {
		add("remote.rate_burst must be >= 1")
	}

	if strings.TrimSpace(c.API.ListenAddr) == "" {
		add("api.listen_addr is required")
	}
	if c.EventSource.Interval.Duration <= 0 {
		add("eventsource.interval must be > 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidate, strings.Join(problems, "; "))
	}
	return nil
}
