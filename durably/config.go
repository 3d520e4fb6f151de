package durably

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const configFileName = "durably.yaml"

// Config configures a DBOSContext. Zero-value fields fall back to the config
// file, then to the environment, then to built-in defaults: programmatic
// values win over the file, the file over the environment, and the
// environment over the defaults.
type Config struct {
	AppName     string
	DatabaseURL string
	SchemaName  string

	Logger *zap.Logger

	AdminServerEnabled bool
	AdminServerPort    int

	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration

	RedisURL string

	ConductorListenAddr string
}

type fileConfig struct {
	AppName     string `mapstructure:"app_name"`
	DatabaseURL string `mapstructure:"database_url"`
	Admin       struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"admin"`
	Cache struct {
		RedisURL string `mapstructure:"redis_url"`
	} `mapstructure:"cache"`
	Conductor struct {
		ListenAddress string `mapstructure:"listen_address"`
	} `mapstructure:"conductor"`
}

func loadConfigFile() (*fileConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFileName)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configFileName, err)
	}
	return &fc, nil
}

// resolveConfig merges environment variables, the optional durably.yaml file,
// and the caller-supplied programmatic Config, in ascending precedence, then
// fills in defaults for anything still unset.
func resolveConfig(programmatic Config) *Config {
	resolved := &Config{
		SchemaName:        "durably",
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTTL:      30 * time.Second,
		AdminServerPort:   3001,
	}

	if dbURL := os.Getenv("DURABLY_DATABASE_URL"); dbURL != "" {
		resolved.DatabaseURL = dbURL
	}
	if redisURL := os.Getenv("DURABLY_REDIS_URL"); redisURL != "" {
		resolved.RedisURL = redisURL
	}

	fc, err := loadConfigFile()
	if err == nil && fc != nil {
		if fc.DatabaseURL != "" {
			resolved.DatabaseURL = fc.DatabaseURL
		}
		if fc.AppName != "" {
			resolved.AppName = fc.AppName
		}
		if fc.Admin.Port != 0 {
			resolved.AdminServerPort = fc.Admin.Port
		}
		resolved.AdminServerEnabled = fc.Admin.Enabled
		if fc.Cache.RedisURL != "" {
			resolved.RedisURL = fc.Cache.RedisURL
		}
		if fc.Conductor.ListenAddress != "" {
			resolved.ConductorListenAddr = fc.Conductor.ListenAddress
		}
	}

	if programmatic.AppName != "" {
		resolved.AppName = programmatic.AppName
	}
	if programmatic.DatabaseURL != "" {
		resolved.DatabaseURL = programmatic.DatabaseURL
	}
	if programmatic.SchemaName != "" {
		resolved.SchemaName = programmatic.SchemaName
	}
	if programmatic.AdminServerPort != 0 {
		resolved.AdminServerPort = programmatic.AdminServerPort
	}
	if programmatic.HeartbeatInterval != 0 {
		resolved.HeartbeatInterval = programmatic.HeartbeatInterval
	}
	if programmatic.HeartbeatTTL != 0 {
		resolved.HeartbeatTTL = programmatic.HeartbeatTTL
	}
	if programmatic.RedisURL != "" {
		resolved.RedisURL = programmatic.RedisURL
	}
	if programmatic.ConductorListenAddr != "" {
		resolved.ConductorListenAddr = programmatic.ConductorListenAddr
	}
	resolved.AdminServerEnabled = resolved.AdminServerEnabled || programmatic.AdminServerEnabled
	resolved.Logger = programmatic.Logger

	if resolved.DatabaseURL == "" {
		password := url.QueryEscape(os.Getenv("PGPASSWORD"))
		resolved.DatabaseURL = fmt.Sprintf("postgres://postgres:%s@localhost:5432/durably?sslmode=disable", password)
	}
	if resolved.AppName == "" {
		resolved.AppName = "durably-app"
	}

	return resolved
}
