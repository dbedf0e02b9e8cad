package config

import (
	"strings"

	"github.com/danmuck/feedctl/internal/eventsource"
	"github.com/danmuck/feedctl/internal/queue"
	"github.com/danmuck/feedctl/internal/remote"
	"github.com/danmuck/feedctl/internal/store"
	"github.com/danmuck/feedctl/internal/supervisor"
	"github.com/danmuck/feedctl/internal/transport"
)

func (c Config) TransportConfig() transport.Config {
	kind, _ := transport.ParseKind(c.Source.Kind)
	return transport.Config{
		Kind:             kind,
		Greeting:         c.Source.Greeting,
		HandshakeTimeout: c.Source.HandshakeTimeout.Duration,
		WriteTimeout:     c.Source.WriteTimeout.Duration,
		PingInterval:     c.Source.PingInterval.Duration,
		MaxRetries:       c.Source.MaxRetries,
		MaxLineBytes:     c.Source.MaxLineBytes,
		Backoff: transport.BackoffConfig{
			InitialDelay: c.Source.MinReconnectDelay.Duration,
			Multiplier:   c.Source.ReconnectGrowth,
			MaxDelay:     c.Source.MaxReconnectDelay.Duration,
			Jitter:       true,
		},
	}.WithDefaults()
}

func (c Config) SupervisorConfig() supervisor.Config {
	policy, _ := supervisor.ParseTimeoutPolicy(c.Session.TimeoutPolicy)
	fields := map[string]any{}
	if t := strings.TrimSpace(c.Remote.RequestType); t != "" {
		fields["type"] = t
	}
	return supervisor.Config{
		Address:        c.Source.Address,
		ConnectTimeout: c.Session.ConnectTimeout.Duration,
		TimeoutPolicy:  policy,
		RetryInterval:  c.Session.RetryInterval.Duration,
		EventBuffer:    c.Session.EventBuffer,
		RequestFields:  fields,
		Autostart:      c.Session.Autostart,
	}
}

func (c Config) StoreOptions() store.Options {
	return store.Options{TaskRetention: c.Session.TaskRetention}
}

func (c Config) RemoteConfig() remote.Config {
	return remote.Config{
		Mode:     remote.Mode(strings.ToLower(strings.TrimSpace(c.Remote.Mode))),
		Endpoint: c.Remote.Endpoint,
		Delay:    c.Remote.Delay.Duration,
		Timeout:  c.Remote.CallTimeout.Duration,
	}
}

func (c Config) QueueConfig() queue.Config {
	return queue.Config{
		RateLimit:   c.Remote.RateLimit,
		RateBurst:   c.Remote.RateBurst,
		CallTimeout: c.Remote.CallTimeout.Duration,
	}
}

func (c Config) EventSourceConfig() eventsource.Config {
	return eventsource.Config{
		ListenAddr: c.EventSource.ListenAddr,
		TCPAddr:    c.EventSource.TCPAddr,
		Interval:   c.EventSource.Interval.Duration,
		Amounts:    append([]int64(nil), c.EventSource.Amounts...),
		EmitTasks:  c.EventSource.EmitTasks,
	}
}
