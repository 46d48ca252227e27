package config

import (
	"path/filepath"
	"time"
)

// Defaults applied by Normalize.
const (
	DefaultBlockSize        = 1024
	DefaultProgressInterval = 32
	DefaultDetachTimeoutMs  = 1000
	DefaultEnumTimeout      = 30 * time.Second
	DefaultStepInterval     = time.Millisecond
	DefaultWorkers          = 1
	DefaultSMTPPort         = 587
	DefaultJournalFile      = "softdfu.db"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	t := &cfg.Transfer
	if t.BlockSize == 0 {
		t.BlockSize = DefaultBlockSize
	}
	if t.ProgressInterval == 0 {
		t.ProgressInterval = DefaultProgressInterval
	}
	if t.DetachTimeoutMs == 0 {
		t.DetachTimeoutMs = DefaultDetachTimeoutMs
	}
	if t.EnumTimeout == 0 {
		t.EnumTimeout = DefaultEnumTimeout
	}
	if t.StepInterval == 0 {
		t.StepInterval = DefaultStepInterval
	}
	if t.Workers == 0 {
		t.Workers = DefaultWorkers
	}

	if cfg.Bus.Kind == "" {
		cfg.Bus.Kind = BusSim
	}
	if cfg.Bus.Dir != "" {
		cfg.Bus.Dir = filepath.Clean(cfg.Bus.Dir)
	}

	// The sqlite journal defaults to a file in the working directory
	if cfg.Journal.Driver == JournalSQLite && cfg.Journal.DSN == "" {
		cfg.Journal.DSN = DefaultJournalFile
	}

	if cfg.Notify.SMTP.Host != "" && cfg.Notify.SMTP.Port == 0 {
		cfg.Notify.SMTP.Port = DefaultSMTPPort
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}
