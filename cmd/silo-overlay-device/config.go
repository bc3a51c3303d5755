package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/EternisAI/silo-overlay/internal/deviceagent"
	"github.com/EternisAI/silo-overlay/internal/devicerpc"
	"github.com/EternisAI/silo-overlay/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log      logging.Config
	Http     HttpConfig                 `mapstructure:"http"`
	Device   devicerpc.Config           `mapstructure:"device"`
	Identity deviceagent.IdentityConfig `mapstructure:"identity"`
}

type HttpConfig struct {
	Port uint `mapstructure:"port"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-overlay-device")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

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
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
