package yate

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultPort is the TCP port the engine's external-module listener
	// binds by convention (spec §6).
	DefaultPort = 5040
	// DefaultTrackName identifies this client to the engine in the
	// %%>connect line and in generated notify targetids.
	DefaultTrackName = "next-yate"

	// DefaultReconnectTimeout is the fixed delay between reconnect
	// attempts in network mode.
	DefaultReconnectTimeout = 10 * time.Second
	// DefaultDispatchTimeout bounds how long a dispatched message waits
	// for its engine answer.
	DefaultDispatchTimeout = 10 * time.Second
	// DefaultAcknowledgeTimeout bounds how long the router waits for all
	// handlers of an incoming message to resolve before acknowledging.
	DefaultAcknowledgeTimeout = 10 * time.Second
	// DefaultBufSize truncates any single outbound line to this many bytes.
	DefaultBufSize = 8192
	// DefaultQueueLimit bounds the offline (disconnected) FIFO.
	DefaultQueueLimit = 100
	// DefaultCallTimeout is the fallback deadline for channel media-attach
	// operations that don't specify params.timeout.
	DefaultCallTimeout = 3600000 * time.Millisecond
)

// Option configures a Connection at construction time (spec §6
// "Configuration knobs"). Grounded on the functional-options pattern in
// _examples/Atsika-aznet/options.go.
type Option func(*Config)

// Config holds the resolved settings for a Connection. The zero value is
// never used directly; DefaultConfig supplies the spec §6 defaults and
// Option values override them.
type Config struct {
	ctx    context.Context
	cancel context.CancelFunc

	host string
	port int
	path string // unix socket path; set implies unix transport

	trackName string

	reconnect        bool
	reconnectTimeout time.Duration
	dispatchTimeout  time.Duration
	acknowledgeTimeout time.Duration
	bufSize          int
	queueLimit       int
	callTimeout      time.Duration

	channelMode bool
	debug       bool

	logger   *slog.Logger
	metrics  Metrics
	observer Observer
}

// Observer is invoked once per wire line in each direction, for tracing
// (spec §9 "Debug tracing": "the design exposes a single optional
// observer capability invoked for every line in each direction").
type Observer func(outbound bool, line string)

// DefaultConfig returns a Config populated with the spec §6 defaults:
// local (stdio) transport, trackname "next-yate", reconnect enabled with
// a 10s timeout, 10s dispatch/acknowledge timeouts, an 8192-byte line
// buffer, a 100-entry offline queue, and a one-hour call timeout.
func DefaultConfig() *Config {
	ctx, cancel := context.WithCancel(context.Background())
	return &Config{
		ctx:                ctx,
		cancel:             cancel,
		port:               DefaultPort,
		trackName:          DefaultTrackName,
		reconnect:          true,
		reconnectTimeout:   DefaultReconnectTimeout,
		dispatchTimeout:    DefaultDispatchTimeout,
		acknowledgeTimeout: DefaultAcknowledgeTimeout,
		bufSize:            DefaultBufSize,
		queueLimit:         DefaultQueueLimit,
		callTimeout:        DefaultCallTimeout,
		logger:             slog.Default(),
		metrics:            NewDefaultMetrics(),
	}
}

// applyConfig builds a runtime config by layering opts on top of the
// spec defaults (grounded on Atsika-aznet/options.go's applyConfig).
func applyConfig(opts []Option) *Config {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// Validate reports ErrInvalidConfig if the configuration cannot produce a
// usable transport: a unix path and a non-default host are mutually
// exclusive, and every duration/size knob must be positive.
func (c *Config) Validate() error {
	if c.path != "" && c.host != "" {
		return ErrInvalidConfig
	}
	if c.bufSize <= 0 || c.queueLimit <= 0 {
		return ErrInvalidConfig
	}
	if c.dispatchTimeout <= 0 || c.acknowledgeTimeout <= 0 ||
		c.reconnectTimeout <= 0 || c.callTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.trackName == "" {
		return ErrInvalidConfig
	}
	return nil
}

// local reports whether this configuration selects the stdio transport
// (spec §4.2 "Local": chosen when no host and no unix path are given).
func (c *Config) local() bool {
	return c.host == "" && c.path == ""
}

// Debug reports whether verbose tracing was requested via WithDebug.
func (c *Config) Debug() bool { return c.debug }

// ChannelMode reports whether this connection should operate as a single
// synthetic channel (spec §4.5 "Channel-mode alternative").
func (c *Config) ChannelMode() bool { return c.channelMode }

// TrackName returns the identifier advertised in %%>connect and used as
// the prefix for generated notify targetids.
func (c *Config) TrackName() string { return c.trackName }

// WithHost selects TCP transport to host:port (default port 5040 if port
// is zero).
func WithHost(host string, port int) Option {
	return func(c *Config) {
		c.host = host
		if port > 0 {
			c.port = port
		}
	}
}

// WithUnixSocket selects UNIX stream-socket transport at path.
func WithUnixSocket(path string) Option {
	return func(c *Config) {
		c.path = path
	}
}

// WithTrackName overrides the identifier sent in %%>connect (default
// "next-yate").
func WithTrackName(name string) Option {
	return func(c *Config) {
		if name != "" {
			c.trackName = name
		}
	}
}

// WithReconnect enables or disables automatic reconnection in network
// mode (default true; always false in local/stdio mode regardless of
// this setting).
func WithReconnect(enabled bool) Option {
	return func(c *Config) { c.reconnect = enabled }
}

// WithReconnectTimeout sets the fixed delay between reconnect attempts.
func WithReconnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.reconnectTimeout = d
		}
	}
}

// WithDispatchTimeout sets how long Dispatch waits for an engine answer.
func WithDispatchTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.dispatchTimeout = d
		}
	}
}

// WithAcknowledgeTimeout sets how long the router waits for an incoming
// message's handlers to resolve before acknowledging unconditionally.
func WithAcknowledgeTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.acknowledgeTimeout = d
		}
	}
}

// WithBufSize sets the maximum length, in bytes, of a single outbound
// line before truncation.
func WithBufSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.bufSize = n
		}
	}
}

// WithQueueLimit bounds the offline (disconnected) outbound FIFO.
func WithQueueLimit(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.queueLimit = n
		}
	}
}

// WithCallTimeout sets the fallback deadline for channel media-attach
// operations that don't specify their own params.timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithChannelMode configures the connection to expose a single synthetic
// channel via ToChannel (spec §4.5).
func WithChannelMode(enabled bool) Option {
	return func(c *Config) { c.channelMode = enabled }
}

// WithDebug sets the flag reported by Config.Debug. The library's own
// logging does not depend on it; use WithObserver for line-level tracing.
func WithDebug(enabled bool) Option {
	return func(c *Config) { c.debug = enabled }
}

// WithLogger sets the structured logger used for connection lifecycle
// and protocol events. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver sets a callback invoked for every wire line, in both
// directions, with the line as it appears on the wire: escaped, without
// its trailing newline, and after bufsize truncation for outbound lines
// (spec §9 "Debug tracing").
func WithObserver(o Observer) Option {
	return func(c *Config) { c.observer = o }
}

// WithMetrics sets a custom metrics implementation for tracking
// connection statistics. If not provided, a default atomic-counter
// implementation is used. Grounded on Atsika-aznet/options.go's
// WithMetrics.
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithContext sets the base context for the connection's background
// goroutines. Cancelling it closes the connection.
func WithContext(ctx context.Context) Option {
	return func(c *Config) {
		if ctx != nil {
			c.ctx, c.cancel = context.WithCancel(ctx)
		}
	}
}
