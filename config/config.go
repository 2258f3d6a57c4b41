package config

import (
	"errors"

	"github.com/spf13/viper"
)

type Config struct {
	Server     Server
	Account    Account
	DB         DB
	Federation Federation
	LoggerMode LoggerMode
}

type Server struct {
	Port string
}

type Account struct {
	Username string
	Domain   string
	Name     string
	Summary  string
	Avatar   string
}

type DB struct {
	Path string
}

type Federation struct {
	Enabled bool
}

type LoggerMode struct {
	Development bool
}

func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigName(filename)
	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	v.AddConfigPath(".")

	v.SetDefault("server.port", "8080")
	v.SetDefault("db.path", "gomarks.db")
	v.SetDefault("federation.enabled", true)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, errors.New("config file not found")
		}
		return nil, err
	}
	return v, nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
