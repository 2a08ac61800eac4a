package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/onkernel/domaind/lib/logger"
	"github.com/onkernel/domaind/lib/paths"
)

type Config struct {
	ToolstackURI string
	DataDir      string

	// Per-directory overrides. Empty means the default under DataDir.
	ConfigDir    string
	AutostartDir string
	StateDir     string
	LogDir       string
	SaveDir      string
	DumpDir      string

	GraphicsPortMin  int
	GraphicsPortMax  int
	MigrationPortMin int
	MigrationPortMax int

	Autoballoon    bool
	SaveXMLMaxSize string
	EventQueueSize int
	LogLevel       string
	LogMaxSize     string

	// OpenTelemetry configuration
	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool

	Version string
	Env     string
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		ToolstackURI: getEnv("TOOLSTACK_URI", "test:///default"),
		DataDir:      getEnv("DATA_DIR", "/var/lib/domaind"),

		ConfigDir:    getEnv("CONFIG_DIR", ""),
		AutostartDir: getEnv("AUTOSTART_DIR", ""),
		StateDir:     getEnv("STATE_DIR", ""),
		LogDir:       getEnv("LOG_DIR", ""),
		SaveDir:      getEnv("SAVE_DIR", ""),
		DumpDir:      getEnv("DUMP_DIR", ""),

		GraphicsPortMin:  getEnvInt("GRAPHICS_PORT_MIN", 5900),
		GraphicsPortMax:  getEnvInt("GRAPHICS_PORT_MAX", 49151),
		MigrationPortMin: getEnvInt("MIGRATION_PORT_MIN", 49152),
		MigrationPortMax: getEnvInt("MIGRATION_PORT_MAX", 49216),

		Autoballoon:    getEnvBool("AUTOBALLOON", true),
		SaveXMLMaxSize: getEnv("SAVE_XML_MAX_SIZE", "1MB"),
		EventQueueSize: getEnvInt("EVENT_QUEUE_SIZE", 256),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogMaxSize:     getEnv("LOG_MAX_SIZE", "10MB"),

		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "domaind"),
		OtelServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", getHostname()),
		OtelInsecure:          getEnvBool("OTEL_INSECURE", true),

		Version: getEnv("VERSION", "dev"),
		Env:     getEnv("ENV", "unset"),
	}

	return cfg
}

// Validate checks values that Load cannot reject on its own.
func (c *Config) Validate() error {
	var errs []error
	if c.ToolstackURI == "" {
		errs = append(errs, errors.New("TOOLSTACK_URI must be set"))
	}
	if !filepath.IsAbs(c.DataDir) {
		errs = append(errs, fmt.Errorf("DATA_DIR %q must be absolute", c.DataDir))
	}
	errs = append(errs,
		validRange("GRAPHICS_PORT", c.GraphicsPortMin, c.GraphicsPortMax),
		validRange("MIGRATION_PORT", c.MigrationPortMin, c.MigrationPortMax),
	)
	if c.overlaps() {
		errs = append(errs, errors.New("graphics and migration port ranges overlap"))
	}
	if _, err := c.SaveXMLMaxBytes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.LogMaxBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.EventQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_QUEUE_SIZE must be positive, got %d", c.EventQueueSize))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SaveXMLMaxBytes parses SaveXMLMaxSize.
func (c *Config) SaveXMLMaxBytes() (int64, error) {
	return parseSize("SAVE_XML_MAX_SIZE", c.SaveXMLMaxSize)
}

// LogMaxBytes parses LogMaxSize, the size at which a domain log rotates.
func (c *Config) LogMaxBytes() (int64, error) {
	return parseSize("LOG_MAX_SIZE", c.LogMaxSize)
}

func parseSize(key, value string) (int64, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(value)); err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if size == 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return int64(size.Bytes()), nil
}

// Dirs resolves the directory layout, applying any overrides.
func (c *Config) Dirs() paths.Dirs {
	d := paths.DefaultDirs(c.DataDir)
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&d.Config, c.ConfigDir)
	override(&d.Autostart, c.AutostartDir)
	override(&d.State, c.StateDir)
	override(&d.Log, c.LogDir)
	override(&d.Save, c.SaveDir)
	override(&d.Dump, c.DumpDir)
	return d
}

func (c *Config) overlaps() bool {
	return c.GraphicsPortMin <= c.MigrationPortMax && c.MigrationPortMin <= c.GraphicsPortMax
}

func validRange(name string, min, max int) error {
	if min < 1 || max > 65535 || min > max {
		return fmt.Errorf("%s_MIN/%s_MAX must satisfy 1 <= min <= max <= 65535, got %d-%d", name, name, min, max)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getHostname() string {
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return "unknown"
}
