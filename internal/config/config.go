package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/EchoPBX/echostream/pkg/sdk"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "ECHOSTREAM_CONFIG"

// DefaultPath is used when EnvPath is unset.
const DefaultPath = "/etc/echostream/config.yaml"

type Config struct {
	HTTP struct {
		Bind string `yaml:"bind"`
		Port int    `yaml:"port"`
		TLS  struct {
			Enabled bool   `yaml:"enabled"`
			Cert    string `yaml:"cert"`
			Key     string `yaml:"key"`
		} `yaml:"tls"`
		CORS struct {
			AllowedOrigins []string `yaml:"allowed_origins"`
			AllowedMethods []string `yaml:"allowed_methods"`
		} `yaml:"cors"`
	} `yaml:"http"`
	Auth struct {
		JWTPublicKeys []string `yaml:"jwt_public_keys"` // PEM files: certificates or public keys
		Issuer        string   `yaml:"issuer"`
		Audience      string   `yaml:"audience"`
	} `yaml:"auth"`
	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
	WebSocket struct {
		MaxMessageSize    int64         `yaml:"max_message_size"`
		IdleTimeout       time.Duration `yaml:"idle_timeout"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		SendQueue         int           `yaml:"send_queue"`
		BackpressureLimit int           `yaml:"backpressure_limit"` // bytes
	} `yaml:"websocket"`
	Codec   string `yaml:"codec"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Plugins struct {
		Manifest string `yaml:"manifest"`
	} `yaml:"plugins"`
}

// Path returns the config path from the environment, or DefaultPath.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes a YAML document, fills defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns a config with every default filled in.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	if c.HTTP.Bind == "" {
		c.HTTP.Bind = "0.0.0.0"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if len(c.HTTP.CORS.AllowedOrigins) == 0 {
		c.HTTP.CORS.AllowedOrigins = []string{"*"}
	}
	if len(c.HTTP.CORS.AllowedMethods) == 0 {
		c.HTTP.CORS.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.WebSocket.MaxMessageSize == 0 {
		c.WebSocket.MaxMessageSize = 1 << 20
	}
	if c.WebSocket.IdleTimeout == 0 {
		c.WebSocket.IdleTimeout = 120 * time.Second
	}
	if c.WebSocket.SendQueue == 0 {
		c.WebSocket.SendQueue = 256
	}
	if c.WebSocket.BackpressureLimit == 0 {
		c.WebSocket.BackpressureLimit = 1 << 20
	}
	if c.Codec == "" {
		c.Codec = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) Validate() (err error) {
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.TLS.Enabled && (c.HTTP.TLS.Cert == "" || c.HTTP.TLS.Key == "") {
		err = multierr.Append(err, errors.New("http.tls requires cert and key"))
	}
	if _, cerr := sdk.CodecByName(c.Codec); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("codec: %w", cerr))
	}
	if c.WebSocket.SendQueue < 0 || c.WebSocket.BackpressureLimit < 0 {
		err = multierr.Append(err, errors.New("websocket queue limits must be positive"))
	}
	return err
}

// Addr is the host:port the runtime listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Bind, c.HTTP.Port)
}
