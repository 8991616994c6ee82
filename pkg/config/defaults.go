package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default returns the built-in configuration. It validates as is; its
// controller list holds a single local endpoint, 127.0.0.1:13700.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		Controllers: []string{"127.0.0.1:13700"},
		Client: ClientConfig{
			ReadBufferSize: 4 << 10,
			DialTimeout:    10 * time.Second,
			RetryDelay:     250 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9641",
		},
	}
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)

	v.SetDefault("controllers", def.Controllers)

	v.SetDefault("client.read_buffer_size", def.Client.ReadBufferSize)
	v.SetDefault("client.dial_timeout", def.Client.DialTimeout)
	v.SetDefault("client.retry_delay", def.Client.RetryDelay)

	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.listen", def.Metrics.Listen)
}
