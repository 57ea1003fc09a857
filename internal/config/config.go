package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config enumerates every tunable of a node
type Config struct {
	DataDirectory string `yaml:"dataDirectory"`

	// Flush when the write buffer holds at least FlushThreshold keys,
	// checked every FlushInterval.
	FlushThreshold int           `yaml:"flushThreshold"`
	FlushInterval  time.Duration `yaml:"flushInterval"`

	// Compact when at least CompactionThreshold segments exist,
	// checked every CompactionInterval.
	CompactionThreshold int           `yaml:"compactionThreshold"`
	CompactionInterval  time.Duration `yaml:"compactionInterval"`

	ServerHost     string `yaml:"serverHost"`
	PortRangeStart int    `yaml:"portRangeStart"`
	PortRangeEnd   int    `yaml:"portRangeEnd"`
	// AdvertiseHost is published in the election record; defaults to ServerHost.
	AdvertiseHost string `yaml:"advertiseHost"`

	CoordinationEndpoints []string      `yaml:"coordinationEndpoints"`
	GroupPath             string        `yaml:"groupPath"`
	SessionTimeout        time.Duration `yaml:"sessionTimeout"`

	ForwardTimeout time.Duration `yaml:"forwardTimeout"`
	VirtualNodes   int           `yaml:"virtualNodes"`

	LogLevel        string `yaml:"logLevel"`
	ServiceName     string `yaml:"serviceName"`
	TracingEndpoint string `yaml:"tracingEndpoint"`
	GRPCAddress     string `yaml:"grpcAddress"`
}

// Default returns a configuration usable for a single local node
func Default() *Config {
	return &Config{
		DataDirectory:         "data",
		FlushThreshold:        1000,
		FlushInterval:         10 * time.Second,
		CompactionThreshold:   4,
		CompactionInterval:    60 * time.Second,
		ServerHost:            "0.0.0.0",
		PortRangeStart:        8000,
		PortRangeEnd:          8010,
		CoordinationEndpoints: []string{"127.0.0.1:2181"},
		GroupPath:             "/election",
		SessionTimeout:        10 * time.Second,
		ForwardTimeout:        3 * time.Second,
		VirtualNodes:          64,
		LogLevel:              "info",
		ServiceName:           "corecache",
	}
}

// Load overlays the YAML file at path onto the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the node cannot run with
func (c *Config) Validate() error {
	switch {
	case c.DataDirectory == "":
		return errors.New("dataDirectory is required")
	case c.FlushThreshold <= 0:
		return errors.New("flushThreshold must be positive")
	case c.FlushInterval <= 0:
		return errors.New("flushInterval must be positive")
	case c.CompactionThreshold < 2:
		return errors.New("compactionThreshold must be at least 2")
	case c.CompactionInterval <= 0:
		return errors.New("compactionInterval must be positive")
	case c.PortRangeStart <= 0 || c.PortRangeEnd < c.PortRangeStart:
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	case c.ForwardTimeout <= 0:
		return errors.New("forwardTimeout must be positive")
	case c.VirtualNodes <= 0:
		return errors.New("virtualNodes must be positive")
	case c.GroupPath == "" || c.GroupPath[0] != '/':
		return fmt.Errorf("groupPath %q must be an absolute path", c.GroupPath)
	}
	return nil
}

// Advertise returns the host published to the rest of the cluster
func (c *Config) Advertise() string {
	if c.AdvertiseHost != "" {
		return c.AdvertiseHost
	}
	if c.ServerHost == "" || c.ServerHost == "0.0.0.0" {
		return "127.0.0.1"
	}
	return c.ServerHost
}

// ListenInRange binds the first free port in [start, end] on host
func ListenInRange(host string, start, end int) (net.Listener, error) {
	var lastErr error
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in range %d-%d: %w", start, end, lastErr)
}
