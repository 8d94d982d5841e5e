package hearth

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config defines store configuration.
type Config struct {
	// Dir is the base directory. The day-file tree lives under
	// Dir/years and the journal at Dir/datajournal.
	Dir string `yaml:"dir"`

	// Journal configures the write-ahead journal.
	Journal JournalConfig `yaml:"journal"`

	// Schedule configures the background maintenance timers.
	Schedule ScheduleConfig `yaml:"schedule"`

	// Logger receives operational logging. If nil a stderr logger is
	// used. Not loadable from YAML.
	Logger *zerolog.Logger `yaml:"-"`
}

// JournalConfig groups write-ahead journal settings.
type JournalConfig struct {
	// IdleClose is how long the journal stays open after the last
	// append before its handle is closed. Default: 10s.
	IdleClose time.Duration `yaml:"idle_close"`

	// RetainSegments is how many rotated segments are kept.
	// Default: 9; the oldest segment is dropped on rotation.
	RetainSegments int `yaml:"retain_segments"`
}

// ScheduleConfig groups background timer settings.
type ScheduleConfig struct {
	// Tick is the interval of the hour-boundary detector. Zero leaves
	// the scheduler off, which is what tests want. Default config: 1m.
	Tick time.Duration `yaml:"tick"`

	// MaintenanceHour is the local hour (0-23) of the once-daily forced
	// flush, purge and journal rotation. Default: 1.
	MaintenanceHour int `yaml:"maintenance_hour"`
}

// DefaultConfig returns a configuration with the store's standard
// defaults rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir: dir,
		Journal: JournalConfig{
			IdleClose:      10 * time.Second,
			RetainSegments: 9,
		},
		Schedule: ScheduleConfig{
			Tick:            time.Minute,
			MaintenanceHour: 1,
		},
	}
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Dir == "" {
		return Config{}, fmt.Errorf("config %s: dir is required", path)
	}
	return cfg, nil
}

// treeRoot returns the root of the year/month/day file tree.
func (c *Config) treeRoot() string {
	return filepath.Join(c.Dir, "years")
}

// journalPath returns the active journal file path.
func (c *Config) journalPath() string {
	return filepath.Join(c.Dir, "datajournal")
}

// logger returns the configured logger or a stderr default.
func (c *Config) logger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
