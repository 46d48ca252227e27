package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/softdfu/pkg"
)

// Config is the softdfu configuration file.
type Config struct {
	Image    string         `yaml:"image"`
	Device   DeviceConfig   `yaml:"device"`
	Transfer TransferConfig `yaml:"transfer"`
	Bus      BusConfig      `yaml:"bus"`
	Journal  JournalConfig  `yaml:"journal"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

// ---- DEVICE ----

// DeviceConfig selects the peripheral to update. Zero IDs match any device
// with a DFU interface.
type DeviceConfig struct {
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`

	// DFU interface override (optional)
	Interface  *uint8 `yaml:"interface"`
	AltSetting uint8  `yaml:"alt_setting"`
}

// ---- TRANSFER ----

// TransferConfig tunes the update session.
type TransferConfig struct {
	BlockSize        int           `yaml:"block_size"`
	ProgressInterval int           `yaml:"progress_interval"`
	DetachTimeoutMs  int           `yaml:"detach_timeout_ms"`
	EnumTimeout      time.Duration `yaml:"enum_timeout"`
	StepInterval     time.Duration `yaml:"step_interval"`
	Workers          int           `yaml:"workers"`
}

// ---- BUS ----

// Bus kinds.
const (
	BusFIFO = "fifo"
	BusSim  = "sim"
)

// BusConfig selects the host controller backend.
type BusConfig struct {
	Kind string `yaml:"kind"`
	Dir  string `yaml:"dir"` // FIFO bus directory
}

// ---- JOURNAL ----

// Journal drivers.
const (
	JournalSQLite = "sqlite"
	JournalMySQL  = "mysql"
)

// JournalConfig selects where update results are recorded. An empty driver
// disables the journal.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ---- NOTIFY ----

// NotifyConfig configures the update report mail. An empty host disables it.
type NotifyConfig struct {
	SMTP SMTPConfig `yaml:"smtp"`
	From string     `yaml:"from"`
	To   []string   `yaml:"to"`
}

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ---- LOG ----

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration file at path. Unknown keys are rejected.
// The result is neither validated nor normalized.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	pkg.LogDebug(pkg.ComponentConfig, "configuration loaded", "path", path)
	return cfg, nil
}

// Parse decodes a YAML configuration document. An empty document yields a
// zero Config.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}
