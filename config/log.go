package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// LogConfig configures the daemon logger.
type LogConfig struct {
	// Level is one of trace, debug, info, notice, warning, err, crit,
	// alert, emerg, or disabled.
	Level string `yaml:"level" env:"LEVEL"`
}

func (x LogConfig) level() (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(x.Level)) {
	case "", "info", "informational":
		return logiface.LevelInformational, nil
	case "trace":
		return logiface.LevelTrace, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "emerg", "emergency":
		return logiface.LevelEmergency, nil
	case "disabled", "off":
		return logiface.LevelDisabled, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", x.Level)
	}
}

// NewLogger returns a JSON lines logger writing to w.
func (x LogConfig) NewLogger(w io.Writer) (*logiface.Logger[logiface.Event], error) {
	level, err := x.level()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger(), nil
}
