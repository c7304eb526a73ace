package config

import "sync/atomic"

// Live holds the current configuration for readers that must observe reloads.
type Live struct {
	p atomic.Pointer[Config]
}

// NewLive wraps an initial configuration.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.Set(cfg)
	return l
}

// Get returns the current configuration. Callers must not mutate it.
func (l *Live) Get() *Config {
	return l.p.Load()
}

// Set replaces the current configuration.
func (l *Live) Set(cfg *Config) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l.p.Store(cfg)
}
