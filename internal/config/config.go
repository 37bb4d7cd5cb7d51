// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the daemon configuration.
type Config struct {
	// Transport selects the register transport: "rtu" or "local" (the
	// in-memory adapter simulator, for development).
	Transport string `mapstructure:"transport"`

	Serial  SerialConfig  `mapstructure:"serial"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Store   StoreConfig   `mapstructure:"store"`
	Log     LogConfig     `mapstructure:"log"`
}

// SerialConfig defines the RTU line settings.
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"` // N, E, O
	StopBits int           `mapstructure:"stop_bits"`
	SlaveID  uint8         `mapstructure:"slave_id"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RS485 drives DE/RE through the UART driver's RTS handling.
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`

	// Boards that wire DE/RE to discrete GPIOs instead set the pin numbers
	// here; -1 leaves a pin unused (RE tied low is common).
	DEPin int `mapstructure:"de_pin"`
	REPin int `mapstructure:"re_pin"`
}

// GatewayConfig tunes the gateway state machine.
type GatewayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Throttle     time.Duration `mapstructure:"throttle"`
	CacheWrite   time.Duration `mapstructure:"cache_write"`
	CacheError   time.Duration `mapstructure:"cache_error"`
}

// HTTPConfig defines the host-facing API server.
type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

// StoreConfig defines persisted-state storage.
type StoreConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap"
	Path string `mapstructure:"path"`
}

// LogConfig defines logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`
}

// Load reads configuration from the file named by the --config flag (or the
// default search paths), layered under the other command-line flags.
func Load(args []string) (*Config, error) {
	v := viper.New()

	v.SetDefault("transport", "rtu")
	v.SetDefault("serial.device", "/dev/ttyUSB0")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "E")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.slave_id", 1)
	v.SetDefault("serial.timeout", 1200*time.Millisecond)
	v.SetDefault("serial.de_pin", -1)
	v.SetDefault("serial.re_pin", -1)
	v.SetDefault("http.address", "0.0.0.0:8080")
	v.SetDefault("store.type", "file")
	v.SetDefault("store.path", "d3net-state.yaml")
	v.SetDefault("log.level", "info")

	flags := pflag.NewFlagSet("daikin-d3net", pflag.ContinueOnError)
	flags.StringP("config", "c", "", "Configuration file path.")
	flags.StringP("transport", "t", v.GetString("transport"), "Register transport (rtu, local).")
	flags.StringP("serial.device", "p", v.GetString("serial.device"), "Serial port device name.")
	flags.IntP("serial.baud_rate", "s", v.GetInt("serial.baud_rate"), "Serial port speed.")
	flags.StringP("http.address", "A", v.GetString("http.address"), "HTTP API listen address.")
	flags.StringP("log.level", "v", v.GetString("log.level"), "Log verbosity level (debug, info, warn, error).")
	flags.StringP("log.file", "L", v.GetString("log.file"), "Log file name ('-' for STDOUT only).")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("failed to bind pflags: %w", err)
	}

	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/d3net/")
		v.AddConfigPath("$HOME/.d3net")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and flags cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	FixupSerial(&config.Serial)
	return &config, nil
}

// FixupSerial normalises line settings to values the adapter accepts.
func FixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity != "N" && s.Parity != "E" && s.Parity != "O" {
		s.Parity = "N"
	}
	if s.DataBits != 7 && s.DataBits != 8 {
		s.DataBits = 8
	}
	if s.StopBits != 1 && s.StopBits != 2 {
		s.StopBits = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 1200 * time.Millisecond
	}
}
