package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Signal struct {
		URL              string        `yaml:"url"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongTimeout      time.Duration `yaml:"pong_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`

		Reconnect struct {
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"reconnect"`

		SendRate struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"send_rate"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		CandidatePoolSize uint8 `yaml:"candidate_pool_size"`
		PortRange         struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Media struct {
		Width     int `yaml:"width"`
		Height    int `yaml:"height"`
		FrameRate int `yaml:"frame_rate"`
	} `yaml:"media"`

	Resilience struct {
		MaxICERestarts  int           `yaml:"max_ice_restarts"`
		DisconnectGrace time.Duration `yaml:"disconnect_grace"`
	} `yaml:"resilience"`

	API struct {
		Address      string        `yaml:"address"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"api"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Auth struct {
		Token     string `yaml:"token"`
		TokenFile string `yaml:"token_file"`
	} `yaml:"auth"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signal
	if c.Signal.URL == "" {
		return fmt.Errorf("signal.url must not be empty")
	}
	if c.Signal.HandshakeTimeout <= 0 {
		return fmt.Errorf("signal.handshake_timeout must be > 0")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}
	if c.Signal.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("signal.reconnect.initial_delay must be > 0")
	}
	if c.Signal.Reconnect.MaxDelay < c.Signal.Reconnect.InitialDelay {
		return fmt.Errorf("signal.reconnect.max_delay must be >= initial_delay")
	}
	if c.Signal.SendRate.MessagesPerSecond <= 0 {
		return fmt.Errorf("signal.send_rate.messages_per_second must be > 0")
	}
	if c.Signal.SendRate.Burst <= 0 {
		return fmt.Errorf("signal.send_rate.burst must be > 0")
	}

	// WebRTC
	if len(c.WebRTC.ICEServers) == 0 {
		return fmt.Errorf("webrtc.ice_servers must not be empty")
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Media
	if c.Media.Width <= 0 || c.Media.Height <= 0 {
		return fmt.Errorf("media.width and media.height must be > 0")
	}
	if c.Media.FrameRate <= 0 {
		return fmt.Errorf("media.frame_rate must be > 0")
	}

	// Resilience
	if c.Resilience.MaxICERestarts < 0 {
		return fmt.Errorf("resilience.max_ice_restarts must be >= 0")
	}
	if c.Resilience.DisconnectGrace <= 0 {
		return fmt.Errorf("resilience.disconnect_grace must be > 0")
	}

	// API
	if c.API.Address == "" {
		return fmt.Errorf("api.address must not be empty")
	}
	if c.API.ReadTimeout <= 0 {
		return fmt.Errorf("api.read_timeout must be > 0")
	}
	if c.API.WriteTimeout <= 0 {
		return fmt.Errorf("api.write_timeout must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Auth
	if c.Auth.Token == "" && c.Auth.TokenFile == "" {
		return fmt.Errorf("one of auth.token or auth.token_file must be set")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.URL = "wss://localhost:5000/ws"
	cfg.Signal.HandshakeTimeout = 10 * time.Second
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.Reconnect.InitialDelay = 1 * time.Second
	cfg.Signal.Reconnect.MaxDelay = 10 * time.Second
	cfg.Signal.SendRate.MessagesPerSecond = 20
	cfg.Signal.SendRate.Burst = 40

	cfg.WebRTC.ICEServers = []struct {
		URLs       []string `yaml:"urls"`
		Username   string   `yaml:"username,omitempty"`
		Credential string   `yaml:"credential,omitempty"`
	}{
		{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
	}
	cfg.WebRTC.CandidatePoolSize = 4

	cfg.Media.Width = 1280
	cfg.Media.Height = 720
	cfg.Media.FrameRate = 30

	cfg.Resilience.MaxICERestarts = 3
	cfg.Resilience.DisconnectGrace = 3 * time.Second

	cfg.API.Address = "127.0.0.1:8080"
	cfg.API.ReadTimeout = 10 * time.Second
	cfg.API.WriteTimeout = 10 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Auth.TokenFile = "novalink.token"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("NOVALINK_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if addr := os.Getenv("NOVALINK_API_ADDRESS"); addr != "" {
		c.API.Address = addr
	}
	if level := os.Getenv("NOVALINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if token := os.Getenv("NOVALINK_TOKEN"); token != "" {
		c.Auth.Token = token
	}
	if tokenFile := os.Getenv("NOVALINK_TOKEN_FILE"); tokenFile != "" {
		c.Auth.TokenFile = tokenFile
	}
}
