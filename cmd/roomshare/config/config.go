package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/SpatiumPortae/roomshare/internal/exchange"
	"github.com/fatih/structs"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"golang.org/x/exp/slices"
)

const (
	CONFIGS_DIR_NAME          = ".config"
	ROOMSHARE_CONFIG_DIR_NAME = "roomshare"
	CONFIG_FILE_NAME          = "config"
	CONFIG_FILE_EXT           = "yml"

	StyleRich = "rich"
	StyleRaw  = "raw"

	TransportLivekit = "livekit"
	TransportRelay   = "relay"
)

// Keys only ever read from the environment or flags, never written to the config file.
const (
	KeyToken     = "token"
	KeyAPIKey    = "api_key"
	KeyAPISecret = "api_secret"
)

var envBindings = map[string]string{
	"url":        "LIVEKIT_URL",
	KeyToken:     "LIVEKIT_TOKEN",
	KeyAPIKey:    "LIVEKIT_API_KEY",
	KeyAPISecret: "LIVEKIT_API_SECRET",
}

var validate = validator.New()

type Config struct {
	URL                string `mapstructure:"url"`
	Transport          string `mapstructure:"transport" validate:"oneof=livekit relay"`
	Topic              string `mapstructure:"topic" validate:"required"`
	HistorySize        int    `mapstructure:"history_size" validate:"min=0"`
	MaxConcurrentSends int    `mapstructure:"max_concurrent_sends" validate:"min=1"`
	ReceiveDir         string `mapstructure:"receive_dir" validate:"required"`
	ServePort          int    `mapstructure:"serve_port" validate:"min=0,max=65535"`
	RelayEnabled       bool   `mapstructure:"relay_enabled"`
	PublicURL          string `mapstructure:"public_url"`
	TokenTTL           string `mapstructure:"token_ttl"`
	TuiStyle           string `mapstructure:"tui_style" validate:"oneof=rich raw"`
	Verbose            bool   `mapstructure:"verbose"`
}

func GetDefault() Config {
	return Config{
		URL:                "",
		Transport:          TransportLivekit,
		Topic:              exchange.Topic,
		HistorySize:        exchange.DefaultHistorySize,
		MaxConcurrentSends: exchange.DefaultConcurrentSends,
		ReceiveDir:         "received",
		ServePort:          8080,
		RelayEnabled:       false,
		PublicURL:          "",
		TokenTTL:           "6h",
		TuiStyle:           StyleRich,
		Verbose:            false,
	}
}

func (config Config) Map() map[string]any {
	m := map[string]any{}
	for _, field := range structs.Fields(config) {
		key := field.Tag("mapstructure")
		value := field.Value()
		m[key] = value
	}
	return m
}

// Yaml renders the config with sorted keys.
func (config Config) Yaml() []byte {
	m := config.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var builder strings.Builder
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			builder.WriteString(fmt.Sprintf("%s: %q", k, v))
		default:
			builder.WriteString(fmt.Sprintf("%s: %v", k, v))
		}
		builder.WriteRune('\n')
	}
	return []byte(builder.String())
}

// Validate checks the enumerated and ranged options.
func (config Config) Validate() error {
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := config.TTL(); err != nil {
		return fmt.Errorf("invalid configuration: token_ttl: %w", err)
	}
	return nil
}

// TTL parses TokenTTL, an empty value yields zero.
func (config Config) TTL() (time.Duration, error) {
	if config.TokenTTL == "" {
		return 0, nil
	}
	return time.ParseDuration(config.TokenTTL)
}

// Load reads the effective configuration out of viper.
func Load() (Config, error) {
	var c Config
	if err := viper.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func IsDefault(key string) bool {
	defaults := GetDefault().Map()
	return viper.Get(key) == defaults[key]
}

// Init initializes the viper config.
// `config.yml` is created in $HOME/.config/roomshare if not already existing.
// NOTE: The precedence levels of viper are the following: flags -> env -> config file -> defaults.
func Init() error {
	home, err := homedir.Dir()
	if err != nil {
		return fmt.Errorf("resolving home dir: %w", err)
	}
	return InitAt(filepath.Join(home, CONFIGS_DIR_NAME, ROOMSHARE_CONFIG_DIR_NAME))
}

// InitAt is Init with an explicit config directory.
func InitAt(configPath string) error {
	// a missing .env is fine
	_ = godotenv.Load()

	viper.AddConfigPath(configPath)
	viper.SetConfigName(CONFIG_FILE_NAME)
	viper.SetConfigType(CONFIG_FILE_EXT)

	if err := viper.ReadInConfig(); err != nil {
		// Create config file if not found.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			err := os.MkdirAll(configPath, os.ModePerm)
			if err != nil {
				return fmt.Errorf("Could not create config directory: %w", err)
			}

			path := filepath.Join(configPath, fmt.Sprintf("%s.%s", CONFIG_FILE_NAME, CONFIG_FILE_EXT))
			if err := os.WriteFile(path, GetDefault().Yaml(), 0o644); err != nil {
				return fmt.Errorf("Could not write defaults to config file: %w", err)
			}
			viper.SetConfigFile(path)
		} else {
			return fmt.Errorf("Could not read config file: %w", err)
		}
	}
	for k, v := range GetDefault().Map() {
		viper.SetDefault(k, v)
	}
	for k, env := range envBindings {
		if err := viper.BindEnv(k, env); err != nil {
			return fmt.Errorf("binding %s: %w", env, err)
		}
	}
	return nil
}
