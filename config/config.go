package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/idleproxy/internal/backend"
	"github.com/angeloszaimis/idleproxy/internal/logsink"
	"github.com/angeloszaimis/idleproxy/internal/notify"
	"github.com/angeloszaimis/idleproxy/internal/supervisor"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	TypeProcess   = "process"
	TypeContainer = "container"
	// TypeDocker is the legacy name of TypeContainer.
	TypeDocker = "docker"
)

type ServerConfig struct {
	Environment string `mapstructure:"environment" json:"environment"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" json:"level"`
}

type AdminConfig struct {
	Address string `mapstructure:"address" json:"address"`
}

type StoreConfig struct {
	Path     string `mapstructure:"path" json:"path"`
	InMemory bool   `mapstructure:"in_memory" json:"in_memory"`
}

type RetryConfig struct {
	Backoff string `mapstructure:"backoff" json:"backoff"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url" json:"url"`
	Subject string `mapstructure:"subject" json:"subject"`
}

type BackendConfig struct {
	ID             string `mapstructure:"id" json:"id"`
	Type           string `mapstructure:"type" json:"type"`
	WorkingDir     string `mapstructure:"working_dir" json:"working_dir,omitempty"`
	StartCommand   string `mapstructure:"start_command" json:"start_command,omitempty"`
	ContainerID    string `mapstructure:"container_id" json:"container_id,omitempty"`
	Host           string `mapstructure:"host" json:"host,omitempty"`
	ListenPort     int    `mapstructure:"listen_port" json:"listen_port"`
	AppPort        int    `mapstructure:"app_port" json:"app_port"`
	RequestTimeout string `mapstructure:"request_timeout" json:"request_timeout,omitempty"`
	IdleTimeout    string `mapstructure:"idle_timeout" json:"idle_timeout"`
	StartTimeout   string `mapstructure:"start_timeout" json:"start_timeout,omitempty"`
	StopGrace      string `mapstructure:"stop_grace" json:"stop_grace,omitempty"`
	Logger         string `mapstructure:"logger" json:"logger,omitempty"`
}

type Config struct {
	Server   ServerConfig    `mapstructure:"server" json:"server"`
	Logging  LoggingConfig   `mapstructure:"logging" json:"logging"`
	Admin    AdminConfig     `mapstructure:"admin" json:"admin"`
	Store    StoreConfig     `mapstructure:"store" json:"store"`
	Retry    RetryConfig     `mapstructure:"retry" json:"retry"`
	NATS     NATSConfig      `mapstructure:"nats" json:"nats"`
	Backends []BackendConfig `mapstructure:"backends" json:"backends"`
}

// Load reads config.yaml from ./config or the working directory, or the
// file at path when it is not empty. Environment variables override file
// values, with "." in keys replaced by "_" (ADMIN_ADDRESS, STORE_PATH).
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("admin.address", ":9090")
	v.SetDefault("store.path", "./data")
	v.SetDefault("store.in_memory", false)
	v.SetDefault("retry.backoff", "10ms")
	v.SetDefault("nats.subject", notify.DefaultSubject)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Admin,
			validation.By(func(value interface{}) error {
				ac, ok := value.(AdminConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AdminConfig")
				}
				return validation.ValidateStruct(&ac,
					validation.Field(&ac.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Store,
			validation.By(func(value interface{}) error {
				sc, ok := value.(StoreConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a StoreConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Path,
						validation.When(!sc.InMemory, validation.Required),
					),
				)
			}),
		),
		validation.Field(&c.Retry,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RetryConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RetryConfig")
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.Backoff,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.NATS,
			validation.By(func(value interface{}) error {
				nc, ok := value.(NATSConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a NATSConfig")
				}
				return validation.ValidateStruct(&nc,
					validation.Field(&nc.URL, validation.By(validateNATSURL)),
					validation.Field(&nc.Subject, validation.Required),
				)
			}),
		),
		validation.Field(&c.Backends,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateBackendConfig)),
			validation.By(validateUniqueBackends),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if durationStr == "" {
		return nil
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}
	if d <= 0 {
		return validation.NewError("validation_invalid_duration", "must be positive")
	}

	return nil
}

func validateNATSURL(value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if raw == "" {
		return nil
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}
	if parsed.Scheme != "nats" && parsed.Scheme != "tls" {
		return validation.NewError("validation_invalid_scheme", "URL must use nats or tls scheme")
	}
	if parsed.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}

func validateBackendConfig(value interface{}) error {
	b, ok := value.(BackendConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BackendConfig")
	}

	return validation.ValidateStruct(&b,
		validation.Field(&b.ID, validation.Required, is.PrintableASCII),
		validation.Field(&b.Type,
			validation.Required,
			validation.In(TypeProcess, TypeContainer, TypeDocker),
		),
		validation.Field(&b.StartCommand,
			validation.When(b.Type == TypeProcess, validation.Required),
		),
		validation.Field(&b.ContainerID,
			validation.When(b.Type == TypeContainer || b.Type == TypeDocker, validation.Required),
		),
		validation.Field(&b.Host, is.Host),
		validation.Field(&b.ListenPort, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&b.AppPort, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&b.RequestTimeout, validation.By(validateDuration)),
		validation.Field(&b.IdleTimeout, validation.Required, validation.By(validateDuration)),
		validation.Field(&b.StartTimeout, validation.By(validateDuration)),
		validation.Field(&b.StopGrace, validation.By(validateDuration)),
		validation.Field(&b.Logger, validation.In(logsink.ModeNone, logsink.ModeConsole)),
	)
}

func validateUniqueBackends(value interface{}) error {
	backends, ok := value.([]BackendConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of BackendConfig")
	}

	ids := make(map[string]bool, len(backends))
	ports := make(map[int]string, len(backends))
	for _, b := range backends {
		if ids[b.ID] {
			return validation.NewError("validation_duplicate_id", fmt.Sprintf("backend id %q is used twice", b.ID))
		}
		ids[b.ID] = true

		if other, taken := ports[b.ListenPort]; taken {
			return validation.NewError("validation_duplicate_port",
				fmt.Sprintf("listen port %d is used by %q and %q", b.ListenPort, other, b.ID))
		}
		ports[b.ListenPort] = b.ID
	}

	return nil
}

// RetryBackoff is the parsed retry.backoff value.
func (c *Config) RetryBackoff() time.Duration {
	d, _ := time.ParseDuration(c.Retry.Backoff)
	return d
}

// Kind maps the configured type onto a backend kind.
func (b BackendConfig) Kind() backend.Kind {
	if b.Type == TypeDocker {
		return backend.KindContainer
	}
	return backend.Kind(b.Type)
}

// ListenAddress is the address the backend's public listener binds.
func (b BackendConfig) ListenAddress() string {
	return fmt.Sprintf(":%d", b.ListenPort)
}

// JSON is the form of b stored with the backend's server row.
func (b BackendConfig) JSON() json.RawMessage {
	data, _ := json.Marshal(b)
	return data
}

// Supervisor converts b into a supervisor config. The log sink is left
// for the caller to attach.
func (b BackendConfig) Supervisor() (supervisor.Config, error) {
	cfg := supervisor.Config{
		ID:           b.ID,
		Kind:         b.Kind(),
		WorkingDir:   b.WorkingDir,
		StartCommand: b.StartCommand,
		ContainerID:  b.ContainerID,
		Host:         b.Host,
		ListenPort:   b.ListenPort,
		AppPort:      b.AppPort,
	}

	durations := []struct {
		name  string
		value string
		into  *time.Duration
	}{
		{"request_timeout", b.RequestTimeout, &cfg.RequestTimeout},
		{"idle_timeout", b.IdleTimeout, &cfg.IdleTimeout},
		{"start_timeout", b.StartTimeout, &cfg.StartTimeout},
		{"stop_grace", b.StopGrace, &cfg.StopGrace},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return supervisor.Config{}, fmt.Errorf("backend %s: %s: %w", b.ID, d.name, err)
		}
		*d.into = parsed
	}

	return cfg, nil
}
