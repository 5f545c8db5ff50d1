package config

import "time"

// NetConfig contains dial retry and socket options.
type NetConfig struct {
	DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
	DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
	// DialMaxElapsedMS bounds all attempts of one Connect; 0 retries until the context ends.
	DialMaxElapsedMS int `mapstructure:"dial_max_elapsed_ms"`
	DialTimeoutMS    int `mapstructure:"dial_timeout_ms"`
	KeepAliveMS      int `mapstructure:"keep_alive_ms"`
	// IdleTimeoutMS closes QUIC connections that stay silent this long.
	IdleTimeoutMS int `mapstructure:"idle_timeout_ms"`
}

func (n NetConfig) InitialBackoff() time.Duration { return ms(n.DialBackoffInitialMS) }
func (n NetConfig) MaxBackoff() time.Duration     { return ms(n.DialBackoffMaxMS) }
func (n NetConfig) MaxElapsed() time.Duration     { return ms(n.DialMaxElapsedMS) }
func (n NetConfig) DialTimeout() time.Duration    { return ms(n.DialTimeoutMS) }
func (n NetConfig) KeepAlive() time.Duration      { return ms(n.KeepAliveMS) }
func (n NetConfig) IdleTimeout() time.Duration    { return ms(n.IdleTimeoutMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
