// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
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

// Mode is the communication mode of a controller.
type Mode string

const (
	ModeRTU   Mode = "rtu"
	ModeASCII Mode = "ascii"
	ModeTCP   Mode = "tcp"
	ModeUDP   Mode = "udp"
	// ModeRTUOverTCP carries RTU frames over a TCP stream, as serial
	// device servers do.
	ModeRTUOverTCP Mode = "rtu_over_tcp"
)

// RTUFramed reports whether frames carry the RTU unit address and CRC,
// which makes unit 0 a broadcast.
func (m Mode) RTUFramed() bool {
	return m == ModeRTU || m == ModeRTUOverTCP
}

const (
	DefaultResponseTimeout   = 1000 * time.Millisecond
	DefaultConnectTimeout    = 5 * time.Second
	DefaultDisconnectTimeout = 60 * time.Second
	DefaultMaxConnections    = 5
	DefaultNotifyQueueSize   = 20
	DefaultTCPPort           = 502
)

// Config defines the global configuration structure
type Config struct {
	Role   string       `mapstructure:"role"` // "master", "slave"
	Master MasterConfig `mapstructure:"master"`
	Slave  SlaveConfig  `mapstructure:"slave"`
	Log    LogConfig    `mapstructure:"log"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	File   string `mapstructure:"file"`   // Log file path
	Format string `mapstructure:"format"` // text, json, console
}

// MasterConfig defines a master controller and its poll loop
type MasterConfig struct {
	Comm         CommConfig    `mapstructure:"comm"`
	Parameters   string        `mapstructure:"parameters"` // Parameter table file (YAML)
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SlaveConfig defines a slave controller and the areas it exposes
type SlaveConfig struct {
	Comm        CommConfig        `mapstructure:"comm"`
	Overlap     string            `mapstructure:"overlap"` // "reject", "allow"
	Areas       []AreaConfig      `mapstructure:"areas"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// AreaConfig defines one register area served by the slave
type AreaConfig struct {
	Type  string `mapstructure:"type"`  // "holding", "input", "coil", "discrete"
	Start uint16 `mapstructure:"start"` // Register or bit number
	Size  int    `mapstructure:"size"`  // Bytes
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type   string `mapstructure:"type"`   // "memory", "file", "mmap", "sql"
	Path   string `mapstructure:"path"`   // Directory for "file/mmap" type
	Driver string `mapstructure:"driver"` // database/sql driver for "sql" type
	DSN    string `mapstructure:"dsn"`
}

// CommConfig is the communication descriptor of a controller.
type CommConfig struct {
	Mode        Mode `mapstructure:"mode"`
	UnitAddress byte `mapstructure:"unit_address"` // Slave: own address. Master (serial): unused.

	// Serial
	Device   string `mapstructure:"device"`
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	Parity   string `mapstructure:"parity"`
	StopBits int    `mapstructure:"stop_bits"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`

	// TCP
	IPPort           int      `mapstructure:"ip_port"`
	IPAddressType    string   `mapstructure:"ip_address_type"`   // "ipv4", "ipv6"
	NetworkInterface string   `mapstructure:"network_interface"` // Slave: address to bind, empty for all
	SlaveAddresses   []string `mapstructure:"slave_addresses"`   // Master: "host" or "host:port", bound to unit ids in table order; rtu_over_tcp uses the first

	ResponseTimeout   time.Duration `mapstructure:"response_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	DisconnectTimeout time.Duration `mapstructure:"disconnect_timeout"`
	MaxConnections    int           `mapstructure:"max_connections"`
	NotifyQueueSize   int           `mapstructure:"notify_queue_size"`
}

// ApplyDefaults fills zero fields with their defaults.
func (c *CommConfig) ApplyDefaults() {
	c.Mode = Mode(strings.ToLower(string(c.Mode)))
	c.Parity = strings.ToUpper(c.Parity)
	c.IPAddressType = strings.ToLower(c.IPAddressType)
	if c.BaudRate == 0 {
		c.BaudRate = 19200
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.Parity == "" {
		c.Parity = "N"
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.IPPort == 0 {
		c.IPPort = DefaultTCPPort
	}
	if c.IPAddressType == "" {
		c.IPAddressType = "ipv4"
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.DisconnectTimeout == 0 {
		c.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.NotifyQueueSize == 0 {
		c.NotifyQueueSize = DefaultNotifyQueueSize
	}
}

// NewFlagSet defines the command line flags that override the file.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Configuration file path.")
	fs.StringP("role", "r", "", "Controller role (master, slave).")
	fs.StringP("log-level", "v", "", "Log verbosity level (debug, info, warn, error).")
	fs.String("log-format", "", "Log format (text, json, console).")
	fs.StringP("log-file", "L", "", "Log file name ('-' for logging to STDOUT only).")
	return fs
}

// flagKeys maps flag names onto configuration keys.
var flagKeys = map[string]string{
	"role":       "role",
	"log-level":  "log.level",
	"log-format": "log.format",
	"log-file":   "log.file",
}

// LoadConfig loads configuration from file
func LoadConfig(configFile string) (*Config, error) {
	return load(viper.New(), configFile)
}

// LoadFlags loads the configuration named by the parsed flag set. Flags
// given on the command line take precedence over the file.
func LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}
	configFile, err := fs.GetString("config")
	if err != nil {
		return nil, err
	}
	return load(v, configFile)
}

func load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/mbcontroller/")
		v.AddConfigPath("$HOME/.mbcontroller")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("role", "slave")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("master.poll_interval", time.Second)
	v.SetDefault("slave.overlap", "reject")
	v.SetDefault("slave.persistence.type", "memory")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		return nil, fmt.Errorf("failed to found config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	config.Role = strings.ToLower(config.Role)
	if config.Role != "master" && config.Role != "slave" {
		return nil, fmt.Errorf("invalid role %q, want master or slave", config.Role)
	}
	config.Master.Comm.ApplyDefaults()
	config.Slave.Comm.ApplyDefaults()

	return &config, nil
}
