// Package otaconfig loads, validates, and writes the OTA updater's
// configuration file.
package otaconfig

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jaganathg/ota-updater/internal/errkind"
)

// File is the on-disk configuration shape. Field names mirror the spec's
// Config model exactly; yaml keys use snake_case to match the teacher's
// convention for structured config.
type File struct {
	CheckInterval     time.Duration `yaml:"check_interval" json:"check_interval"`
	DownloadDir       string        `yaml:"download_dir" json:"download_dir"`
	KernelPath        string        `yaml:"kernel_path" json:"kernel_path"`
	BackupPath        string        `yaml:"backup_path" json:"backup_path"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	DownloadTimeout   time.Duration `yaml:"download_timeout" json:"download_timeout"`
	MDNSService       string        `yaml:"mdns_service" json:"mdns_service"`
	FallbackServer    string        `yaml:"fallback_server,omitempty" json:"fallback_server,omitempty"`
	SkipFormatCheck   bool          `yaml:"skip_format_check,omitempty" json:"skip_format_check,omitempty"`
	HistoryPath       string        `yaml:"history_path,omitempty" json:"history_path,omitempty"`
}

// Default returns the built-in defaults named in the spec: a 60 minute poll
// interval, three retries, and a 90 second download bound.
func Default() File {
	return File{
		CheckInterval:   60 * time.Minute,
		DownloadDir:     "/var/lib/ota-updater/downloads",
		KernelPath:      "/boot/Image",
		BackupPath:      "/boot/Image.backup",
		MaxRetries:      3,
		DownloadTimeout: 90 * time.Second,
		MDNSService:     "_ota._tcp.local",
	}
}

// Load reads and validates the config at path. If the file does not exist,
// it writes and returns the defaults, matching the original's
// create-default-on-first-run behavior.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if werr := WriteDefault(path); werr != nil {
			return File{}, errkind.New(errkind.Config, "otaconfig.Load", werr)
		}
		return cfg, nil
	}
	if err != nil {
		return File{}, errkind.New(errkind.Config, "otaconfig.Load", fmt.Errorf("read config file %q: %w", path, err))
	}
	return Parse(data, path)
}

// Parse decodes and validates raw YAML. source is used only for error
// messages.
func Parse(data []byte, source string) (File, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errkind.New(errkind.Config, "otaconfig.Parse", fmt.Errorf("parse YAML in %q: %w", source, err))
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return cfg, errkind.New(errkind.Config, "otaconfig.Parse", fmt.Errorf("invalid config in %q: %s", source, strings.Join(errs, "; ")))
	}
	return cfg, nil
}

// WriteDefault creates the config directory if needed and writes the
// built-in defaults to path. It is idempotent: calling it against an
// already-populated path simply overwrites it with defaults.
func WriteDefault(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory %q: %w", dir, err)
		}
	}
	out, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write config file %q: %w", path, err)
	}
	return nil
}

// Validate accumulates every violation rather than stopping at the first,
// so an operator sees the whole list of problems in one pass.
func (f File) Validate() []string {
	var errs []string

	if f.CheckInterval < time.Minute {
		errs = append(errs, "check_interval must be at least 1 minute")
	}
	if f.MaxRetries < 0 {
		errs = append(errs, "max_retries must not be negative")
	}
	if f.DownloadTimeout <= 0 {
		errs = append(errs, "download_timeout must be greater than 0")
	}
	if strings.TrimSpace(f.DownloadDir) == "" {
		errs = append(errs, "download_dir is required")
	} else if err := ensureWritableDir(f.DownloadDir); err != nil {
		errs = append(errs, fmt.Sprintf("download_dir %q is not usable: %v", f.DownloadDir, err))
	}
	if strings.TrimSpace(f.KernelPath) == "" {
		errs = append(errs, "kernel_path is required")
	}
	if strings.TrimSpace(f.BackupPath) == "" {
		errs = append(errs, "backup_path is required")
	}
	if f.KernelPath != "" && f.BackupPath != "" && f.KernelPath == f.BackupPath {
		errs = append(errs, "backup_path must differ from kernel_path")
	}
	if f.KernelPath != "" && f.BackupPath != "" {
		if same, err := sameFilesystem(filepath.Dir(f.KernelPath), filepath.Dir(f.BackupPath)); err != nil {
			errs = append(errs, fmt.Sprintf("could not verify kernel_path/backup_path share a filesystem: %v", err))
		} else if !same {
			errs = append(errs, "backup_path must reside on the same filesystem as kernel_path for the swap/rollback rename to be atomic")
		}
	}
	if strings.TrimSpace(f.MDNSService) == "" {
		errs = append(errs, "mdns_service is required")
	}

	return errs
}

// ensureWritableDir creates dir if missing and confirms a file can be
// created inside it, matching the atomic-rename precondition the installer
// and fetcher both rely on.
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".ota-updater-write-check")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}

// sameFilesystem reports whether a and b resolve to the same device,
// required for the installer's rename-based backup/swap/rollback to be
// atomic rather than a cross-device copy.
func sameFilesystem(a, b string) (bool, error) {
	sa, err := os.Stat(a)
	if os.IsNotExist(err) {
		sa, err = os.Stat(filepath.Dir(a))
	}
	if err != nil {
		return false, err
	}
	sb, err := os.Stat(b)
	if os.IsNotExist(err) {
		sb, err = os.Stat(filepath.Dir(b))
	}
	if err != nil {
		return false, err
	}
	da, ok := sa.Sys().(*syscall.Stat_t)
	if !ok {
		return true, nil
	}
	db, ok := sb.Sys().(*syscall.Stat_t)
	if !ok {
		return true, nil
	}
	return da.Dev == db.Dev, nil
}

// HistoryFilePath returns the configured history file location, defaulting
// to the relative name ota_update_history.json (resolved against the
// process's working directory) when unset.
func (f File) HistoryFilePath() string {
	if strings.TrimSpace(f.HistoryPath) != "" {
		return f.HistoryPath
	}
	return "ota_update_history.json"
}
