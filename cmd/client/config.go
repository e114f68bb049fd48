package main

import (
	"flag"

	"github.com/kelseyhightower/envconfig"
)

// Config is read from the environment first; flags given on the command line
// override it.
type Config struct {
	Addr     string `envconfig:"CHAT_ADDR" default:"localhost:8080"`
	Nickname string `envconfig:"CHAT_NICKNAME"`
	Framing  string `envconfig:"CHAT_FRAMING" default:"length"`
	LogFile  string `envconfig:"CHAT_LOG_FILE"`
}

func LoadConfig(args []string) (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "relay address")
	fs.StringVar(&cfg.Nickname, "nick", cfg.Nickname, "nickname (asked for when empty)")
	fs.StringVar(&cfg.Framing, "framing", cfg.Framing, "wire framing: length or raw")
	fs.StringVar(&cfg.LogFile, "log", cfg.LogFile, "write debug logs to this file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
