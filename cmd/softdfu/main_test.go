package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/peterh/liner"

	"github.com/ardnew/softdfu/config"
	"github.com/ardnew/softdfu/host/class/dfu"
	"github.com/ardnew/softdfu/host/hal/sim"
	"github.com/ardnew/softdfu/journal"
	"github.com/ardnew/softdfu/pkg"
)

// =============================================================================
// Helpers
// =============================================================================

func testImage(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func mustParse(t *testing.T, args ...string) *options {
	t.Helper()
	fs := flag.NewFlagSet("softdfu", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	opts, err := parseFlags(fs, args)
	if err != nil {
		t.Fatalf("parseFlags(%v) error = %v", args, err)
	}
	return opts
}

// runCommand runs the command against dev and returns its error and output.
func runCommand(t *testing.T, dev *sim.HostHAL, args ...string) (string, error) {
	t.Helper()
	opts := mustParse(t, args...)
	opts.simDevice = dev

	var out bytes.Buffer
	opts.stdout = &out

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx, opts)
	return out.String(), err
}

func readJournal(t *testing.T, path string) []journal.Entry {
	t.Helper()
	db, err := journal.Open(journal.DriverSQLite, path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	entries, err := db.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

// =============================================================================
// Flag and Config Tests
// =============================================================================

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"0x0483", 0x0483, false},
		{"0XDF11", 0xDF11, false},
		{"1155", 1155, false},
		{"0x10000", 0, true},
		{"stm", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("error = %v, want ErrInvalidParameter", err)
			}
			if got != tt.want {
				t.Errorf("parseID(%q) = 0x%04X, want 0x%04X", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFlags_Extra(t *testing.T) {
	fs := flag.NewFlagSet("softdfu", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, err := parseFlags(fs, []string{"-y", "firmware.bin"}); err == nil {
		t.Error("parseFlags() should reject positional arguments")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeFile(t, "softdfu.yaml", []byte(`
image: from-file.bin
device:
  vendor_id: 0x0483
  product_id: 0xdf11
transfer:
  block_size: 256
log:
  format: json
`))

	opts := mustParse(t, "-config", path, "-block-size", "128", "-pid", "0xDF12", "-image", "flag.bin")
	cfg, err := loadConfig(opts)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Image != "flag.bin" {
		t.Errorf("Image = %q, want flag override", cfg.Image)
	}
	if cfg.Transfer.BlockSize != 128 {
		t.Errorf("BlockSize = %d, want 128", cfg.Transfer.BlockSize)
	}
	if cfg.Device.VendorID != 0x0483 || cfg.Device.ProductID != 0xDF12 {
		t.Errorf("Device = %+v", cfg.Device)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json from file", cfg.Log.Format)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing file", []string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}},
		{"bad vid", []string{"-vid", "nope"}},
		{"bad block size", []string{"-block-size", "big"}},
		{"block size range", []string{"-block-size", "70000"}},
		{"fifo without dir", []string{"-bus", "fifo"}},
		{"unknown journal", []string{"-journal", "postgres"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadConfig(mustParse(t, tt.args...)); err == nil {
				t.Error("loadConfig() should fail")
			}
		})
	}
}

func TestSetupLogging(t *testing.T) {
	defer pkg.SetLogLevel(slog.LevelInfo)
	defer pkg.SetLogFormat(pkg.LogFormatText)

	cfg := &config.Config{Log: config.LogConfig{Level: "warn", Format: "json"}}
	if err := setupLogging(cfg, false); err != nil {
		t.Fatalf("setupLogging() error = %v", err)
	}

	cfg.Log.Format = "xml"
	if err := setupLogging(cfg, true); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("setupLogging() error = %v, want ErrInvalidParameter", err)
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestMatchDevice(t *testing.T) {
	tests := []struct {
		name     string
		filter   config.DeviceConfig
		vid, pid uint16
		want     bool
	}{
		{"any", config.DeviceConfig{}, 0x1234, 0x5678, true},
		{"vendor", config.DeviceConfig{VendorID: 0x0483}, 0x0483, 0xDF11, true},
		{"vendor mismatch", config.DeviceConfig{VendorID: 0x0483}, 0x1209, 0xDF11, false},
		{"exact", config.DeviceConfig{VendorID: 0x0483, ProductID: 0xDF11}, 0x0483, 0xDF11, true},
		{"product mismatch", config.DeviceConfig{VendorID: 0x0483, ProductID: 0xDF11}, 0x0483, 0x5740, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchDevice(tt.filter, tt.vid, tt.pid); got != tt.want {
				t.Errorf("matchDevice() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionConfig(t *testing.T) {
	fd := dfu.FunctionalDescriptor{TransferSize: 512, DetachTimeout: 250}

	tests := []struct {
		name       string
		blockSize  int
		detachMs   int
		wantBlock  int
		wantDetach uint16
	}{
		{"clamped", 1024, 0, 512, 250},
		{"smaller", 128, 0, 128, 250},
		{"detach override", 512, 2000, 512, 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &update{
				cfg:      &config.Config{Transfer: config.TransferConfig{BlockSize: tt.blockSize, ProgressInterval: 8}},
				detachMs: tt.detachMs,
			}
			got := u.sessionConfig(fd)
			if got.BlockSize != tt.wantBlock || got.DetachTimeout != tt.wantDetach || got.ProgressInterval != 8 {
				t.Errorf("sessionConfig() = %+v", got)
			}
		})
	}
}

func TestLoadNames(t *testing.T) {
	path := writeFile(t, "usb.ids", []byte("0483  STMicroelectronics\n\tdf11  STM Device in DFU Mode\n"))

	names := loadNames(path)
	if got := names.Describe(0x0483, 0xDF11); got != "0483:df11 STMicroelectronics STM Device in DFU Mode" {
		t.Errorf("Describe() = %q", got)
	}
	if names := loadNames(filepath.Join(t.TempDir(), "missing.ids")); names != nil {
		t.Error("loadNames() should return nil for a missing database")
	}
}

func TestIsYes(t *testing.T) {
	for in, want := range map[string]bool{
		"y": true, "Y": true, " yes\n": true, "YES": true,
		"": false, "n": false, "no": false, "yep": false,
	} {
		if got := isYes(in); got != want {
			t.Errorf("isYes(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestAskConfirm(t *testing.T) {
	tgt := target{vendorID: 0x0483, productID: 0xDF11, serial: "SIM0001"}

	tests := []struct {
		name    string
		answer  string
		err     error
		wantErr error
	}{
		{"yes", "y", nil, nil},
		{"no", "n", nil, errDeclined},
		{"empty", "", nil, errDeclined},
		{"aborted", "", liner.ErrPromptAborted, errDeclined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var asked string
			u := &update{
				image: testImage(100),
				prompt: func(p string) (string, error) {
					asked = p
					return tt.answer, tt.err
				},
			}
			if err := u.askConfirm(tgt); !errors.Is(err, tt.wantErr) {
				t.Errorf("askConfirm() error = %v, want %v", err, tt.wantErr)
			}
			if !strings.Contains(asked, "100 bytes to 0483:df11 (serial SIM0001)") {
				t.Errorf("prompt = %q", asked)
			}
		})
	}
}

// =============================================================================
// Command Tests
// =============================================================================

func TestRun_Update(t *testing.T) {
	image := testImage(3000)
	imagePath := writeFile(t, "firmware.bin", image)
	journalPath := filepath.Join(t.TempDir(), "journal.db")

	dev := sim.New(sim.DefaultOptions())
	_, err := runCommand(t, dev,
		"-image", imagePath,
		"-block-size", "512",
		"-journal", "sqlite",
		"-journal-dsn", journalPath,
		"-y")
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}

	if !bytes.Equal(dev.Image(), image) {
		t.Error("device image differs from source image")
	}
	if dev.Mode() != sim.ModeApplication {
		t.Errorf("device mode = %s, want application", dev.Mode())
	}

	entries := readJournal(t, journalPath)
	if len(entries) != 1 {
		t.Fatalf("journal has %d entries, want 1", len(entries))
	}
	e := entries[0]
	if !e.OK() || e.State != "Complete" || e.Serial != "SIM0001" {
		t.Errorf("entry = %+v", e)
	}
	// 6 chunks each way
	if e.Blocks != 12 || e.ImageSize != 3000 || e.ImageHash != journal.ImageHash(image) {
		t.Errorf("entry = %+v", e)
	}
	if e.VendorID != 0x0483 || e.ProductID != 0xDF11 {
		t.Errorf("entry device = %04x:%04x", e.VendorID, e.ProductID)
	}

	out, err := runCommand(t, sim.New(sim.DefaultOptions()),
		"-journal", "sqlite",
		"-journal-dsn", journalPath,
		"-history", "5")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	for _, want := range []string{"STARTED", "0483:df11", "SIM0001", "Complete"} {
		if !strings.Contains(out, want) {
			t.Errorf("history missing %q:\n%s", want, out)
		}
	}
}

func TestRun_VerifyFailure(t *testing.T) {
	imagePath := writeFile(t, "firmware.bin", testImage(2048))
	journalPath := filepath.Join(t.TempDir(), "journal.db")

	dev := sim.New(sim.DefaultOptions())
	dev.CorruptReadBack(1500)

	_, err := runCommand(t, dev,
		"-image", imagePath,
		"-journal", "sqlite",
		"-journal-dsn", journalPath,
		"-y")
	if !errors.Is(err, pkg.ErrVerifyMismatch) {
		t.Fatalf("run() error = %v, want ErrVerifyMismatch", err)
	}

	var mismatch *dfu.MismatchError
	if !errors.As(err, &mismatch) || mismatch.Offset != 1500 {
		t.Errorf("mismatch = %+v", mismatch)
	}
	if dev.Mode() == sim.ModeApplication {
		t.Error("device should stay in DFU mode after a failed update")
	}

	entries := readJournal(t, journalPath)
	if len(entries) != 1 || entries[0].OK() || entries[0].State != "Error" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestRun_NoDevice(t *testing.T) {
	cfgPath := writeFile(t, "softdfu.yaml", []byte("transfer:\n  enum_timeout: 50ms\n"))
	imagePath := writeFile(t, "firmware.bin", testImage(64))

	dev := sim.New(sim.DefaultOptions())
	_, err := runCommand(t, dev, "-config", cfgPath, "-image", imagePath, "-vid", "0x1209", "-y")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("run() error = %v, want DeadlineExceeded", err)
	}
	if dev.RequestCount(sim.RequestDnload) != 0 {
		t.Error("unmatched device should not be written")
	}
}

func TestRun_InputErrors(t *testing.T) {
	empty := writeFile(t, "empty.bin", nil)

	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{"no image", []string{"-y"}, pkg.ErrInvalidParameter},
		{"empty image", []string{"-image", empty, "-y"}, pkg.ErrInvalidParameter},
		{"missing image", []string{"-image", filepath.Join(t.TempDir(), "missing.bin"), "-y"}, os.ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCommand(t, nil, tt.args...); !errors.Is(err, tt.wantErr) {
				t.Errorf("run() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRun_HistoryWithoutJournal(t *testing.T) {
	if _, err := runCommand(t, nil, "-history", "3"); err == nil {
		t.Error("run() should require a journal for -history")
	}
}
