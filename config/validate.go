package config

import (
	"fmt"
	"net/mail"

	"github.com/ardnew/softdfu/pkg"
)

// Limits enforced by Validate.
const (
	MaxBlockSize = 0xFFFF // wLength of a single control transfer
	MaxDetachMs  = 0xFFFF // wTimeout of DFU_DETACH
	MaxWorkers   = 16
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: %w", pkg.ErrInvalidParameter)
	}

	// ------------------------------------------------------------
	// TRANSFER
	// ------------------------------------------------------------

	t := cfg.Transfer
	if t.BlockSize < 0 || t.BlockSize > MaxBlockSize {
		return fmt.Errorf("transfer.block_size %d out of range [0, %d]", t.BlockSize, MaxBlockSize)
	}
	if t.ProgressInterval < 0 {
		return fmt.Errorf("transfer.progress_interval must not be negative")
	}
	if t.DetachTimeoutMs < 0 || t.DetachTimeoutMs > MaxDetachMs {
		return fmt.Errorf("transfer.detach_timeout_ms %d out of range [0, %d]", t.DetachTimeoutMs, MaxDetachMs)
	}
	if t.EnumTimeout < 0 || t.StepInterval < 0 {
		return fmt.Errorf("transfer timeouts must not be negative")
	}
	if t.Workers < 0 || t.Workers > MaxWorkers {
		return fmt.Errorf("transfer.workers %d out of range [0, %d]", t.Workers, MaxWorkers)
	}

	// ------------------------------------------------------------
	// BUS
	// ------------------------------------------------------------

	switch cfg.Bus.Kind {
	case "", BusSim:
	case BusFIFO:
		if cfg.Bus.Dir == "" {
			return fmt.Errorf("bus.dir is required for bus kind %q", BusFIFO)
		}
	default:
		return fmt.Errorf("bus.kind %q is not one of %q, %q", cfg.Bus.Kind, BusFIFO, BusSim)
	}

	// ------------------------------------------------------------
	// JOURNAL (OPT-IN)
	// ------------------------------------------------------------

	switch cfg.Journal.Driver {
	case "", JournalSQLite:
	case JournalMySQL:
		if cfg.Journal.DSN == "" {
			return fmt.Errorf("journal.dsn is required for driver %q", JournalMySQL)
		}
	default:
		return fmt.Errorf("journal.driver %q is not one of %q, %q", cfg.Journal.Driver, JournalSQLite, JournalMySQL)
	}

	// ------------------------------------------------------------
	// NOTIFY (OPT-IN)
	// ------------------------------------------------------------

	n := cfg.Notify
	if n.SMTP.Host != "" {
		if n.SMTP.Port < 0 || n.SMTP.Port > 0xFFFF {
			return fmt.Errorf("notify.smtp.port %d out of range", n.SMTP.Port)
		}
		if len(n.To) == 0 {
			return fmt.Errorf("notify.smtp.host is set but notify.to is empty")
		}
		if n.From != "" {
			if _, err := mail.ParseAddress(n.From); err != nil {
				return fmt.Errorf("notify.from %q: %w", n.From, err)
			}
		}
		for _, to := range n.To {
			if _, err := mail.ParseAddress(to); err != nil {
				return fmt.Errorf("notify.to %q: %w", to, err)
			}
		}
	}

	// ------------------------------------------------------------
	// LOG
	// ------------------------------------------------------------

	if cfg.Log.Level != "" {
		if _, err := pkg.ParseLogLevel(cfg.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	if cfg.Log.Format != "" {
		if _, err := pkg.ParseLogFormat(cfg.Log.Format); err != nil {
			return fmt.Errorf("log.format: %w", err)
		}
	}

	return nil
}
