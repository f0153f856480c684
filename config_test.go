package yate

import (
	"testing"
	"time"
)

func TestDefaultConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.port, DefaultPort)
	}
	if cfg.trackName != DefaultTrackName {
		t.Errorf("trackName = %q, want %q", cfg.trackName, DefaultTrackName)
	}
	if !cfg.reconnect {
		t.Error("reconnect should default to true")
	}
	if cfg.reconnectTimeout != DefaultReconnectTimeout {
		t.Errorf("reconnectTimeout = %v, want %v", cfg.reconnectTimeout, DefaultReconnectTimeout)
	}
	if cfg.dispatchTimeout != DefaultDispatchTimeout {
		t.Errorf("dispatchTimeout = %v, want %v", cfg.dispatchTimeout, DefaultDispatchTimeout)
	}
	if cfg.acknowledgeTimeout != DefaultAcknowledgeTimeout {
		t.Errorf("acknowledgeTimeout = %v, want %v", cfg.acknowledgeTimeout, DefaultAcknowledgeTimeout)
	}
	if cfg.bufSize != DefaultBufSize {
		t.Errorf("bufSize = %d, want %d", cfg.bufSize, DefaultBufSize)
	}
	if cfg.queueLimit != DefaultQueueLimit {
		t.Errorf("queueLimit = %d, want %d", cfg.queueLimit, DefaultQueueLimit)
	}
	if cfg.callTimeout != DefaultCallTimeout {
		t.Errorf("callTimeout = %v, want %v", cfg.callTimeout, DefaultCallTimeout)
	}
	if !cfg.local() {
		t.Error("default config should select local (stdio) transport")
	}
	if cfg.logger == nil {
		t.Error("default config should have a non-nil logger")
	}
	if cfg.metrics == nil {
		t.Error("default config should have a non-nil metrics implementation")
	}
}

func TestApplyConfigLayersOptions(t *testing.T) {
	cfg := applyConfig([]Option{
		WithHost("engine.example", 6000),
		WithTrackName("myapp"),
		WithReconnect(false),
		WithBufSize(4096),
	})
	if cfg.host != "engine.example" || cfg.port != 6000 {
		t.Errorf("host/port = %q/%d, want engine.example/6000", cfg.host, cfg.port)
	}
	if cfg.local() {
		t.Error("host should disable local mode")
	}
	if cfg.trackName != "myapp" {
		t.Errorf("trackName = %q, want myapp", cfg.trackName)
	}
	if cfg.reconnect {
		t.Error("reconnect should be false")
	}
	if cfg.bufSize != 4096 {
		t.Errorf("bufSize = %d, want 4096", cfg.bufSize)
	}
}

func TestWithUnixSocketSelectsNonLocal(t *testing.T) {
	cfg := applyConfig([]Option{WithUnixSocket("/tmp/yate.sock")})
	if cfg.local() {
		t.Error("a unix path should disable local mode")
	}
	if cfg.path != "/tmp/yate.sock" {
		t.Errorf("path = %q, want /tmp/yate.sock", cfg.path)
	}
}

func TestOptionsIgnoreInvalidOverrides(t *testing.T) {
	cfg := applyConfig([]Option{
		WithTrackName(""),
		WithReconnectTimeout(-1),
		WithBufSize(0),
		WithQueueLimit(-5),
		WithCallTimeout(0),
		WithLogger(nil),
		WithMetrics(nil),
	})
	if cfg.trackName != DefaultTrackName {
		t.Errorf("empty WithTrackName should not override default, got %q", cfg.trackName)
	}
	if cfg.reconnectTimeout != DefaultReconnectTimeout {
		t.Errorf("negative WithReconnectTimeout should not override default, got %v", cfg.reconnectTimeout)
	}
	if cfg.bufSize != DefaultBufSize {
		t.Errorf("zero WithBufSize should not override default, got %d", cfg.bufSize)
	}
	if cfg.queueLimit != DefaultQueueLimit {
		t.Errorf("negative WithQueueLimit should not override default, got %d", cfg.queueLimit)
	}
	if cfg.callTimeout != DefaultCallTimeout {
		t.Errorf("zero WithCallTimeout should not override default, got %v", cfg.callTimeout)
	}
	if cfg.logger == nil {
		t.Error("nil WithLogger should not clear the default logger")
	}
	if cfg.metrics == nil {
		t.Error("nil WithMetrics should not clear the default metrics")
	}
}

func TestValidateRejectsHostAndPathTogether(t *testing.T) {
	cfg := DefaultConfig()
	cfg.host = "engine.example"
	cfg.path = "/tmp/yate.sock"
	if err := cfg.Validate(); err != ErrInvalidConfig {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}
}

func TestValidateRejectsNonPositiveSizes(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.bufSize = 0 },
		func(c *Config) { c.queueLimit = -1 },
		func(c *Config) { c.dispatchTimeout = 0 },
		func(c *Config) { c.acknowledgeTimeout = -1 * time.Second },
		func(c *Config) { c.trackName = "" },
	}
	for i, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err != ErrInvalidConfig {
			t.Errorf("case %d: Validate() = %v, want ErrInvalidConfig", i, err)
		}
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v, want nil", err)
	}
}

func TestWithContextNilKeepsBase(t *testing.T) {
	cfg := DefaultConfig()
	orig := cfg.ctx
	WithContext(nil)(cfg)
	if cfg.ctx != orig {
		t.Error("WithContext(nil) should not replace the base context")
	}
}
