package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/tanq16/segget/internal/engine"
	"github.com/tanq16/segget/internal/scheduler"
	"github.com/tanq16/segget/internal/utils"
	"gopkg.in/yaml.v3"
)

// Keys double as flag names, config file keys and (upper-cased, "-" as "_") the
// SEGGET_ environment variables.
const (
	KeyConnections      = "connections"
	KeyWorkers          = "workers"
	KeyMaxSegments      = "max-segments"
	KeyRetries          = "retries"
	KeyRetryBase        = "retry-base"
	KeyChunkThreshold   = "chunk-threshold"
	KeyTimeout          = "timeout"
	KeyKeepAliveTimeout = "keep-alive-timeout"
	KeyUserAgent        = "user-agent"
	KeyProxy            = "proxy"
	KeyProxyUsername    = "proxy-username"
	KeyProxyPassword    = "proxy-password"
	KeyHeader           = "header"
	KeyBearerToken      = "bearer-token"
	KeyOutputDir        = "output-dir"
	KeyDebug            = "debug"
	KeyLogFile          = "log-file"
)

const (
	EnvPrefix      = "SEGGET"
	MaxConnections = 64
	// connection counts above this enable the high-thread socket options
	highThreadConnections = 8
)

type Settings struct {
	Connections      int           `mapstructure:"connections"`
	Workers          int           `mapstructure:"workers"`
	MaxSegments      int           `mapstructure:"max-segments"`
	Retries          int           `mapstructure:"retries"`
	RetryBase        time.Duration `mapstructure:"retry-base"`
	ChunkThreshold   int64         `mapstructure:"chunk-threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	KeepAliveTimeout time.Duration `mapstructure:"keep-alive-timeout"`
	UserAgent        string        `mapstructure:"user-agent"`
	Proxy            string        `mapstructure:"proxy"`
	ProxyUsername    string        `mapstructure:"proxy-username"`
	ProxyPassword    string        `mapstructure:"proxy-password"`
	Headers          []string      `mapstructure:"header"`
	BearerToken      string        `mapstructure:"bearer-token"`
	OutputDir        string        `mapstructure:"output-dir"`
	Debug            bool          `mapstructure:"debug"`
	LogFile          bool          `mapstructure:"log-file"`
}

func Defaults() Settings {
	retry := engine.DefaultRetryPolicy()
	return Settings{
		Connections:      engine.DefaultSegmentCount,
		Workers:          scheduler.DefaultMaxConcurrentTasks,
		MaxSegments:      engine.DefaultMaxConcurrentSegments,
		Retries:          retry.MaxAttempts - 1,
		RetryBase:        retry.BaseDelay,
		ChunkThreshold:   utils.DefaultChunkThreshold,
		Timeout:          3 * time.Minute,
		KeepAliveTimeout: 90 * time.Second,
		UserAgent:        utils.ToolUserAgent,
		Headers:          []string{},
	}
}

// DefaultPath is $HOME/.config/segget/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "segget", "config.yaml")
	}
	return filepath.Join(home, ".config", "segget", "config.yaml")
}

// New returns a viper instance carrying the defaults and reading SEGGET_* variables.
func New() *viper.Viper {
	v := viper.New()
	def := Defaults()
	v.SetDefault(KeyConnections, def.Connections)
	v.SetDefault(KeyWorkers, def.Workers)
	v.SetDefault(KeyMaxSegments, def.MaxSegments)
	v.SetDefault(KeyRetries, def.Retries)
	v.SetDefault(KeyRetryBase, def.RetryBase)
	v.SetDefault(KeyChunkThreshold, def.ChunkThreshold)
	v.SetDefault(KeyTimeout, def.Timeout)
	v.SetDefault(KeyKeepAliveTimeout, def.KeepAliveTimeout)
	v.SetDefault(KeyUserAgent, def.UserAgent)
	v.SetDefault(KeyProxy, "")
	v.SetDefault(KeyProxyUsername, "")
	v.SetDefault(KeyProxyPassword, "")
	v.SetDefault(KeyHeader, def.Headers)
	v.SetDefault(KeyBearerToken, "")
	v.SetDefault(KeyOutputDir, "")
	v.SetDefault(KeyDebug, false)
	v.SetDefault(KeyLogFile, false)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file into v and returns the validated settings. An explicit
// file must exist; the default file is optional.
func Load(v *viper.Viper, file string) (Settings, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigFile(DefaultPath())
	}
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return Settings{}, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Str("op", "config/load").Str("path", DefaultPath()).Msg("no config file, using defaults")
	} else {
		log.Debug().Str("op", "config/load").Str("path", v.ConfigFileUsed()).Msg("config file loaded")
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("error decoding settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	switch {
	case s.Connections < 1 || s.Connections > MaxConnections:
		return fmt.Errorf("%s must be between 1 and %d, got %d", KeyConnections, MaxConnections, s.Connections)
	case s.Workers < 1:
		return fmt.Errorf("%s must be at least 1, got %d", KeyWorkers, s.Workers)
	case s.MaxSegments < 1:
		return fmt.Errorf("%s must be at least 1, got %d", KeyMaxSegments, s.MaxSegments)
	case s.Retries < 0:
		return fmt.Errorf("%s must not be negative, got %d", KeyRetries, s.Retries)
	case s.RetryBase < 0:
		return fmt.Errorf("%s must not be negative, got %s", KeyRetryBase, s.RetryBase)
	case s.ChunkThreshold < 1:
		return fmt.Errorf("%s must be at least 1 byte, got %d", KeyChunkThreshold, s.ChunkThreshold)
	case s.Timeout <= 0:
		return fmt.Errorf("%s must be positive, got %s", KeyTimeout, s.Timeout)
	case s.KeepAliveTimeout <= 0:
		return fmt.Errorf("%s must be positive, got %s", KeyKeepAliveTimeout, s.KeepAliveTimeout)
	}
	if s.Proxy != "" {
		if _, err := url.Parse(s.Proxy); err != nil {
			return fmt.Errorf("invalid %s: %w", KeyProxy, err)
		}
	}
	return nil
}

// HTTPClientConfig resolves "randomize" user agents and credentials embedded in the
// proxy URL.
func (s Settings) HTTPClientConfig() utils.HTTPClientConfig {
	userAgent := s.UserAgent
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	proxyURL, proxyUsername, proxyPassword := s.Proxy, s.ProxyUsername, s.ProxyPassword
	parsedProxy, err := url.Parse(proxyURL)
	if err == nil && parsedProxy.User != nil && proxyUsername == "" {
		proxyUsername = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			proxyPassword = password
		}
		parsedProxy.User = nil
		proxyURL = parsedProxy.String()
	}
	return utils.HTTPClientConfig{
		Timeout:        s.Timeout,
		KATimeout:      s.KeepAliveTimeout,
		ProxyURL:       proxyURL,
		ProxyUsername:  proxyUsername,
		ProxyPassword:  proxyPassword,
		UserAgent:      userAgent,
		Headers:        utils.ParseHeaderArgs(s.Headers),
		BearerToken:    s.BearerToken,
		HighThreadMode: s.Connections > highThreadConnections,
	}
}

func (s Settings) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.SegmentCount = s.Connections
	cfg.ChunkThreshold = s.ChunkThreshold
	cfg.Retry.MaxAttempts = s.Retries + 1
	cfg.Retry.BaseDelay = s.RetryBase
	cfg.ReadTimeout = s.Timeout
	return cfg
}

func (s Settings) SchedulerConfig(observer engine.Observer) scheduler.Config {
	return scheduler.Config{
		MaxConcurrentTasks:    s.Workers,
		MaxConcurrentSegments: s.MaxSegments,
		Engine:                s.EngineConfig(),
		Observer:              observer,
	}
}

// Redacted masks secrets so the settings can be printed.
func (s Settings) Redacted() Settings {
	if s.ProxyPassword != "" {
		s.ProxyPassword = "****"
	}
	if s.BearerToken != "" {
		s.BearerToken = "****"
	}
	if parsed, err := url.Parse(s.Proxy); err == nil && parsed.User != nil {
		if _, set := parsed.User.Password(); set {
			parsed.User = url.UserPassword(parsed.User.Username(), "****")
			s.Proxy = parsed.String()
		}
	}
	return s
}

// MarshalYAML writes durations as strings so the file reads back through viper.
func (s Settings) MarshalYAML() (any, error) {
	return yamlSettings{
		Connections:      s.Connections,
		Workers:          s.Workers,
		MaxSegments:      s.MaxSegments,
		Retries:          s.Retries,
		RetryBase:        s.RetryBase.String(),
		ChunkThreshold:   s.ChunkThreshold,
		Timeout:          s.Timeout.String(),
		KeepAliveTimeout: s.KeepAliveTimeout.String(),
		UserAgent:        s.UserAgent,
		Proxy:            s.Proxy,
		ProxyUsername:    s.ProxyUsername,
		ProxyPassword:    s.ProxyPassword,
		Headers:          s.Headers,
		BearerToken:      s.BearerToken,
		OutputDir:        s.OutputDir,
		Debug:            s.Debug,
		LogFile:          s.LogFile,
	}, nil
}

type yamlSettings struct {
	Connections      int      `yaml:"connections"`
	Workers          int      `yaml:"workers"`
	MaxSegments      int      `yaml:"max-segments"`
	Retries          int      `yaml:"retries"`
	RetryBase        string   `yaml:"retry-base"`
	ChunkThreshold   int64    `yaml:"chunk-threshold"`
	Timeout          string   `yaml:"timeout"`
	KeepAliveTimeout string   `yaml:"keep-alive-timeout"`
	UserAgent        string   `yaml:"user-agent"`
	Proxy            string   `yaml:"proxy,omitempty"`
	ProxyUsername    string   `yaml:"proxy-username,omitempty"`
	ProxyPassword    string   `yaml:"proxy-password,omitempty"`
	Headers          []string `yaml:"header,omitempty"`
	BearerToken      string   `yaml:"bearer-token,omitempty"`
	OutputDir        string   `yaml:"output-dir,omitempty"`
	Debug            bool     `yaml:"debug"`
	LogFile          bool     `yaml:"log-file"`
}

// Write stores s as YAML at path. An existing file is kept unless overwrite is set.
func Write(path string, s Settings, overwrite bool) error {
	if _, err := os.Stat(path); err == nil && !overwrite {
		return fmt.Errorf("config file already exists: %s", path)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("error encoding settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	log.Info().Str("op", "config/write").Str("path", path).Msg("config file written")
	return nil
}
