// Package config loads the daemon configuration: defaults, then an optional
// YAML file, then DOBJ_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joeycumines/go-dobj/conmgr"
	"github.com/joeycumines/go-dobj/policy"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "DOBJ_"

type Config struct {
	// Host to bind, empty for the wildcard address.
	Host     string `yaml:"host" env:"HOST"`
	TCPPorts []int  `yaml:"tcp_ports" env:"TCP_PORTS" envSeparator:","`
	UDPPorts []int  `yaml:"udp_ports" env:"UDP_PORTS" envSeparator:","`
	// IdleTimeout closes silent connections, zero disables.
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	IdleSweepInterval time.Duration `yaml:"idle_sweep_interval" env:"IDLE_SWEEP_INTERVAL"`
	// PollWait bounds each poll, zero polls without blocking.
	PollWait     time.Duration `yaml:"poll_wait" env:"POLL_WAIT"`
	MaxFrameSize int           `yaml:"max_frame_size" env:"MAX_FRAME_SIZE"`
	Accept       AcceptConfig  `yaml:"accept" envPrefix:"ACCEPT_"`
	// RequestRate limits each session's requests per second, zero for
	// unlimited.
	RequestRate     float64       `yaml:"request_rate" env:"REQUEST_RATE"`
	RequestBurst    int           `yaml:"request_burst" env:"REQUEST_BURST"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	Policy          PolicyConfig  `yaml:"policy" envPrefix:"POLICY_"`
	Log             LogConfig     `yaml:"log" envPrefix:"LOG_"`
}

// AcceptConfig limits accepted connections.
type AcceptConfig struct {
	// PerIP accepts at most PerIP connections per remote IP per
	// PerIPWindow. Zero disables.
	PerIP       int           `yaml:"per_ip" env:"PER_IP"`
	PerIPWindow time.Duration `yaml:"per_ip_window" env:"PER_IP_WINDOW"`
	// Rate is the global accept rate per second. Zero disables.
	Rate  float64 `yaml:"rate" env:"RATE"`
	Burst int     `yaml:"burst" env:"BURST"`
}

// PolicyConfig configures the cross-domain policy responder.
type PolicyConfig struct {
	Enabled bool     `yaml:"enabled" env:"ENABLED"`
	Port    int      `yaml:"port" env:"PORT"`
	Master  bool     `yaml:"master" env:"MASTER"`
	Domains []string `yaml:"domains" env:"DOMAINS" envSeparator:","`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		TCPPorts:          []int{47624},
		IdleTimeout:       5 * time.Minute,
		IdleSweepInterval: time.Second,
		PollWait:          100 * time.Millisecond,
		MaxFrameSize:      1 << 20,
		Accept: AcceptConfig{
			PerIP:       20,
			PerIPWindow: time.Second,
		},
		ShutdownTimeout: 10 * time.Second,
		Policy: PolicyConfig{
			Port:    policy.MasterPort,
			Domains: []string{"*"},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load returns the defaults, overlaid by the YAML file at path (if
// non-empty), then by the environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ports and durations.
func (x Config) Validate() error {
	var errs []error
	if len(x.TCPPorts)+len(x.UDPPorts) == 0 {
		errs = append(errs, errors.New("no tcp or udp ports"))
	}
	for _, p := range append(append([]int(nil), x.TCPPorts...), x.UDPPorts...) {
		if p < 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("invalid port %d", p))
		}
	}
	if x.IdleTimeout < 0 {
		errs = append(errs, errors.New("negative idle_timeout"))
	}
	if x.IdleTimeout > 0 && x.IdleSweepInterval <= 0 {
		errs = append(errs, errors.New("idle_sweep_interval must be positive"))
	}
	if x.MaxFrameSize < 0 {
		errs = append(errs, errors.New("negative max_frame_size"))
	}
	if x.Accept.PerIP < 0 || (x.Accept.PerIP > 0 && x.Accept.PerIPWindow <= 0) {
		errs = append(errs, errors.New("accept per_ip requires a positive per_ip_window"))
	}
	if x.Accept.Rate < 0 || x.RequestRate < 0 {
		errs = append(errs, errors.New("negative rate"))
	}
	if x.Policy.Enabled && (x.Policy.Port < 0 || x.Policy.Port > 65535) {
		errs = append(errs, fmt.Errorf("invalid policy port %d", x.Policy.Port))
	}
	if _, err := x.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Conmgr returns the connection manager configuration.
func (x Config) Conmgr() conmgr.Config {
	cfg := conmgr.Config{
		Host:              x.Host,
		TCPPorts:          x.TCPPorts,
		UDPPorts:          x.UDPPorts,
		IdleTimeout:       x.IdleTimeout,
		IdleSweepInterval: x.IdleSweepInterval,
		PollWait:          x.PollWait,
		AcceptRate:        x.Accept.Rate,
		AcceptBurst:       x.Accept.Burst,
	}
	if x.Accept.PerIP > 0 {
		cfg.AcceptLimits = map[time.Duration]int{x.Accept.PerIPWindow: x.Accept.PerIP}
	}
	return cfg
}

// PolicyServer returns the policy responder configuration.
func (x Config) PolicyServer() policy.Config {
	cfg := policy.Config{
		Host:    x.Host,
		Port:    x.Policy.Port,
		Master:  x.Policy.Master,
		Domains: x.Policy.Domains,
	}
	if x.Accept.PerIP > 0 {
		cfg.AcceptLimits = map[time.Duration]int{x.Accept.PerIPWindow: x.Accept.PerIP}
	}
	return cfg
}
