package config

import (
	"flag"
	"fmt"
)

const HelpMessage = `AUBus backend server

Usage:
  aubus-server [flags]

Flags:
  -config-path string   path to the config yaml file (default "config.yaml")
  -help                 show this message

Configuration is read from the YAML file and the environment; environment
variables win. See config/config.go for the full variable list.
`

func PrintHelp() {
	if HelpMessage != "" {
		fmt.Printf("%s", HelpMessage)
	} else {
		flag.Usage()
	}
}

// PrintConfig prints the effective configuration with secrets redacted.
func PrintConfig(cfg *Config) {
	fmt.Printf("log level:      %s\n", cfg.LogLevel)
	fmt.Printf("tcp listener:   %s\n", cfg.Server.Addr())
	if cfg.WebSocket.Enabled {
		fmt.Printf("ws listener:    %s%s\n", cfg.WebSocket.Addr(), cfg.WebSocket.Path)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("metrics:        %s\n", cfg.Metrics.Addr())
	}
	fmt.Printf("storage:        %s\n", cfg.Storage.Backend)
	if cfg.Storage.Backend == "postgres" {
		fmt.Printf("database:       %s:%s/%s\n", cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	}
	fmt.Printf("rabbitmq:       enabled=%v\n", cfg.RabbitMQ.Enabled)
	fmt.Printf("geocoding:      enabled=%v\n", cfg.Geocode.Enabled)
}
