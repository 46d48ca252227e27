// Command softdfu writes a firmware image to a USB DFU peripheral, verifies
// it by reading it back, and detaches the peripheral so it boots the new
// firmware.
//
// Usage:
//
//	softdfu [options] -image firmware.bin
//
// Options:
//
//	-config path         YAML configuration file
//	-image path          Firmware image to write
//	-bus kind            Host controller backend: sim or fifo (default: sim)
//	-bus-dir path        FIFO bus directory
//	-vid, -pid id        Restrict to a vendor/product ID (hex with 0x prefix)
//	-block-size n        Bytes per DFU_DNLOAD/DFU_UPLOAD (default: 1024)
//	-journal driver      Record results with sqlite or mysql
//	-journal-dsn dsn     Journal data source
//	-history n           Print the n most recent journal entries and exit
//	-usb-ids path        USB ID database used to name devices
//	-y                   Do not ask for confirmation
//	-v                   Enable verbose (debug) logging
//	-log-format format   text, json, or dev
//
// Flags override values from the configuration file. The exit status is
// non-zero if the update fails.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ardnew/softdfu/config"
	"github.com/ardnew/softdfu/host/hal/sim"
	"github.com/ardnew/softdfu/pkg"
	"github.com/ardnew/softdfu/pkg/usbid"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentCLI

// options are the command-line settings.
type options struct {
	configPath string
	usbIDs     string
	history    int
	yes        bool
	verbose    bool

	// Flags that were set, applied over the configuration file
	overrides []func(*config.Config) error

	// Simulated device used instead of a fresh one when set
	simDevice *sim.HostHAL

	stdout io.Writer
}

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	opts.stdout = os.Stdout

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		pkg.LogError(component, "softdfu failed", "error", err)
		os.Exit(1)
	}
}

// parseFlags parses args into options.
func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	opts := &options{}

	override := func(fn func(*config.Config, string) error) func(string) error {
		return func(s string) error {
			opts.overrides = append(opts.overrides, func(c *config.Config) error {
				return fn(c, s)
			})
			return nil
		}
	}

	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&opts.usbIDs, "usb-ids", "", "USB ID database `path` (default: system usb.ids)")
	fs.IntVar(&opts.history, "history", 0, "print the `n` most recent journal entries and exit")
	fs.BoolVar(&opts.yes, "y", false, "do not ask for confirmation")
	fs.BoolVar(&opts.verbose, "v", false, "enable verbose (debug) logging")

	fs.Func("image", "firmware image `path`", override(func(c *config.Config, s string) error {
		c.Image = s
		return nil
	}))
	fs.Func("bus", "host controller backend: sim or fifo", override(func(c *config.Config, s string) error {
		c.Bus.Kind = s
		return nil
	}))
	fs.Func("bus-dir", "FIFO bus `directory`", override(func(c *config.Config, s string) error {
		c.Bus.Dir = s
		return nil
	}))
	fs.Func("vid", "vendor `id` to update", override(func(c *config.Config, s string) error {
		id, err := parseID(s)
		c.Device.VendorID = id
		return err
	}))
	fs.Func("pid", "product `id` to update", override(func(c *config.Config, s string) error {
		id, err := parseID(s)
		c.Device.ProductID = id
		return err
	}))
	fs.Func("block-size", "bytes per transfer", override(func(c *config.Config, s string) error {
		n, err := strconv.Atoi(s)
		c.Transfer.BlockSize = n
		return err
	}))
	fs.Func("journal", "journal `driver`: sqlite or mysql", override(func(c *config.Config, s string) error {
		c.Journal.Driver = s
		return nil
	}))
	fs.Func("journal-dsn", "journal data source", override(func(c *config.Config, s string) error {
		c.Journal.DSN = s
		return nil
	}))
	fs.Func("log-format", "log `format`: text, json, or dev", override(func(c *config.Config, s string) error {
		c.Log.Format = s
		return nil
	}))

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// parseID parses a 16-bit USB vendor or product ID.
func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid USB id %q: %w", s, pkg.ErrInvalidParameter)
	}
	return uint16(v), nil
}

// loadConfig reads the configuration file, applies flag overrides, and
// validates and normalizes the result.
func loadConfig(opts *options) (*config.Config, error) {
	cfg := &config.Config{}
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, fmt.Errorf("config load failed: %w", err)
		}
	}

	for _, apply := range opts.overrides {
		if err := apply(cfg); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// setupLogging applies the log configuration.
func setupLogging(cfg *config.Config, verbose bool) error {
	level, err := pkg.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	format, err := pkg.ParseLogFormat(cfg.Log.Format)
	if err != nil {
		return err
	}
	if verbose {
		level = slog.LevelDebug
	}
	pkg.SetLogLevel(level)
	pkg.SetLogFormat(format)
	return nil
}

func run(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	// Zero selects the device's wDetachTimeOut
	detachMs := cfg.Transfer.DetachTimeoutMs
	config.Normalize(cfg)

	if err := setupLogging(cfg, opts.verbose); err != nil {
		return err
	}

	var jnl journalDB
	if cfg.Journal.Driver != "" {
		db, err := openJournal(cfg.Journal)
		if err != nil {
			return err
		}
		defer db.Close()
		jnl = db
	}

	if opts.history > 0 {
		if jnl == nil {
			return errors.New("-history requires a journal")
		}
		return printHistory(ctx, opts.stdout, jnl, opts.history)
	}

	if cfg.Image == "" {
		return fmt.Errorf("no firmware image: %w", pkg.ErrInvalidParameter)
	}
	image, err := os.ReadFile(cfg.Image)
	if err != nil {
		return fmt.Errorf("could not read image: %w", err)
	}
	if len(image) == 0 {
		return fmt.Errorf("image %s is empty: %w", cfg.Image, pkg.ErrInvalidParameter)
	}

	u := &update{
		cfg:      cfg,
		image:    image,
		detachMs: detachMs,
		confirm:  !opts.yes,
		journal:  jnl,
		names:    loadNames(opts.usbIDs),
		sim:      opts.simDevice,
	}
	return u.run(ctx)
}

// loadNames reads the USB ID database. Devices are shown by ID alone when
// none is found.
func loadNames(path string) *usbid.Names {
	var paths []string
	if path != "" {
		paths = append(paths, path)
	}
	names, err := usbid.Open(paths...)
	if err != nil {
		pkg.LogDebug(component, "USB names unavailable", "error", err)
		return nil
	}
	vendors, products := names.Len()
	pkg.LogDebug(component, "USB names loaded", "vendors", vendors, "products", products)
	return names
}
