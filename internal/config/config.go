package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/thomasgruebl/paccor4esp/internal/componentlist"
	"github.com/thomasgruebl/paccor4esp/internal/protocol"
)

// Build-time variables injected via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Config holds the tool settings. Flags override environment variables,
// which override defaults.
type Config struct {
	// Port is the serial port; empty means auto-detect.
	Port string

	// BaudRate of the ROM loader connection.
	BaudRate int

	// Target forces a chip profile ("esp32", "esp32c3") instead of reading
	// the chip magic register.
	Target string

	// LogFile receives the device log stream; empty means stdout.
	LogFile string

	// OutputFile receives the component list JSON; empty means stdout.
	OutputFile string

	// PlatformManufacturer is written to PLATFORMMANUFACTURERSTR.
	PlatformManufacturer string

	// LogLevel of operator diagnostics: debug, info, warn or error.
	LogLevel string

	// Reboot leaves download mode after collecting.
	Reboot bool
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		BaudRate:             protocol.DefaultBaudRate,
		PlatformManufacturer: componentlist.DefaultPlatformManufacturer,
		LogLevel:             "info",
		Reboot:               true,
	}
}

// Load applies PACCOR4ESP_* environment variables on top of the defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("PACCOR4ESP_PORT"); v != "" {
		cfg.Port = v
	}

	if v := os.Getenv("PACCOR4ESP_BAUD"); v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PACCOR4ESP_BAUD: %w", err)
		}
		cfg.BaudRate = baud
	}

	if v := os.Getenv("PACCOR4ESP_TARGET"); v != "" {
		cfg.Target = strings.ToLower(v)
	}

	if v := os.Getenv("PACCOR4ESP_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}

	if v := os.Getenv("PACCOR4ESP_OUTPUT"); v != "" {
		cfg.OutputFile = v
	}

	if v := os.Getenv("PACCOR4ESP_PLATFORM_MANUFACTURER"); v != "" {
		cfg.PlatformManufacturer = v
	}

	if v := os.Getenv("PACCOR4ESP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if v := os.Getenv("PACCOR4ESP_REBOOT"); v != "" {
		reboot, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("PACCOR4ESP_REBOOT: %w", err)
		}
		cfg.Reboot = reboot
	}

	return cfg, nil
}

// Validate checks the settings. Fails fast on the first error.
func (c *Config) Validate() error {
	if c.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.BaudRate)
	}

	switch c.Target {
	case "", protocol.TargetESP32, protocol.TargetESP32C3:
	default:
		return fmt.Errorf("unsupported target %q", c.Target)
	}

	if strings.TrimSpace(c.PlatformManufacturer) == "" {
		return errors.New("platform manufacturer is required")
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}

// NewLogger creates a text logger for operator diagnostics.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
