package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/silo-overlay/internal/api/http"
	"github.com/EternisAI/silo-overlay/internal/auth"
	"github.com/EternisAI/silo-overlay/internal/connectivity"
	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/EternisAI/silo-overlay/internal/devicerpc"
	"github.com/EternisAI/silo-overlay/internal/logging"
	"github.com/EternisAI/silo-overlay/internal/provisioning"
	"github.com/EternisAI/silo-overlay/internal/tunnel"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log          logging.Config
	Http         http.Config
	DB           db.Config           `mapstructure:"db"`
	JWT          auth.Config         `mapstructure:"jwt"`
	Tunnel       TunnelConfig        `mapstructure:"tunnel"`
	Connectivity connectivity.Config `mapstructure:"connectivity"`
	Device       devicerpc.Config    `mapstructure:"device"`
	Provisioning ProvisioningConfig  `mapstructure:"provisioning"`
	Events       EventsConfig        `mapstructure:"events"`
}

type TunnelConfig struct {
	tunnel.Config `mapstructure:",squash"`
	// Kernel enables pushing peers to local WireGuard interfaces via wgctrl.
	Kernel       bool          `mapstructure:"kernel"`
	StatsRefresh time.Duration `mapstructure:"stats_refresh"`
}

type ProvisioningConfig struct {
	provisioning.Config `mapstructure:",squash"`
	ArchivePath         string `mapstructure:"archive_path"`
}

type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-overlay-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("db.url", "DATABASE_URL")
	_ = viper.BindEnv("jwt.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("http.admin_api_key", "ADMIN_API_KEY")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	logging.Init(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if logging.IsDebug(config.Log.Level) {
		configJSON, err := json.MarshalIndent(redacted(config), "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

func redacted(c Config) Config {
	if c.JWT.JWTSecret != "" {
		c.JWT.JWTSecret = "***"
	}
	if c.Http.AdminAPIKey != "" {
		c.Http.AdminAPIKey = "***"
	}
	if c.DB.Url != "" {
		c.DB.Url = "***"
	}
	return c
}
