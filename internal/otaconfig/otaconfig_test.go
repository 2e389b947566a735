package otaconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// validYAML builds a config pointing every path-shaped field at real
// locations under dir, since Validate now confirms download_dir is a
// writable directory and that kernel_path/backup_path share a filesystem.
func validYAML(dir string) string {
	return fmt.Sprintf(`
check_interval: 5m
download_dir: %s
kernel_path: %s
backup_path: %s
max_retries: 3
download_timeout: 90s
mdns_service: _ota._tcp.local
`, filepath.Join(dir, "downloads"), filepath.Join(dir, "Image"), filepath.Join(dir, "Image.backup"))
}

func TestParseValidConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Parse([]byte(validYAML(dir)), "test-valid")
	if err != nil {
		t.Fatalf("parse valid config: %v", err)
	}
	if cfg.KernelPath != filepath.Join(dir, "Image") {
		t.Fatalf("unexpected kernel_path: %q", cfg.KernelPath)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("unexpected max_retries: %d", cfg.MaxRetries)
	}
}

func TestParseAcceptsZeroMaxRetries(t *testing.T) {
	dir := t.TempDir()
	bad := strings.Replace(validYAML(dir), "max_retries: 3", "max_retries: 0", 1)
	cfg, err := Parse([]byte(bad), "test-zero-retries")
	if err != nil {
		t.Fatalf("max_retries: 0 must be a valid, retry-free config: %v", err)
	}
	if cfg.MaxRetries != 0 {
		t.Fatalf("unexpected max_retries: %d", cfg.MaxRetries)
	}
}

func TestParseRejectsNegativeMaxRetries(t *testing.T) {
	dir := t.TempDir()
	bad := strings.Replace(validYAML(dir), "max_retries: 3", "max_retries: -1", 1)
	_, err := Parse([]byte(bad), "test-negative-retries")
	if err == nil || !strings.Contains(err.Error(), "max_retries must not be negative") {
		t.Fatalf("expected negative max_retries error, got: %v", err)
	}
}

func TestParseRejectsSameKernelAndBackupPath(t *testing.T) {
	dir := t.TempDir()
	raw := validYAML(dir)
	bad := strings.Replace(raw, "backup_path: "+filepath.Join(dir, "Image.backup"), "backup_path: "+filepath.Join(dir, "Image"), 1)
	_, err := Parse([]byte(bad), "test-same-path")
	if err == nil || !strings.Contains(err.Error(), "backup_path must differ") {
		t.Fatalf("expected backup_path collision error, got: %v", err)
	}
}

func TestParseRejectsMissingDownloadDir(t *testing.T) {
	dir := t.TempDir()
	bad := strings.Replace(validYAML(dir), "download_dir: "+filepath.Join(dir, "downloads"), "download_dir: \"\"", 1)
	_, err := Parse([]byte(bad), "test-missing-dir")
	if err == nil || !strings.Contains(err.Error(), "download_dir is required") {
		t.Fatalf("expected missing download_dir error, got: %v", err)
	}
}

func TestParseRejectsUnwritableDownloadDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed blocker file: %v", err)
	}
	bad := strings.Replace(validYAML(dir), "download_dir: "+filepath.Join(dir, "downloads"), "download_dir: "+filepath.Join(blocker, "downloads"), 1)
	_, err := Parse([]byte(bad), "test-unwritable-dir")
	if err == nil || !strings.Contains(err.Error(), "is not usable") {
		t.Fatalf("expected unusable download_dir error, got: %v", err)
	}
}

func TestParseRejectsCheckIntervalBelowOneMinute(t *testing.T) {
	dir := t.TempDir()
	bad := strings.Replace(validYAML(dir), "check_interval: 5m", "check_interval: 30s", 1)
	_, err := Parse([]byte(bad), "test-interval")
	if err == nil || !strings.Contains(err.Error(), "check_interval must be at least 1 minute") {
		t.Fatalf("expected check_interval error, got: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	bad := validYAML(dir) + "\nbogus_field: true\n"
	_, err := Parse([]byte(bad), "test-unknown")
	if err == nil || !strings.Contains(err.Error(), "parse YAML") {
		t.Fatalf("expected unknown field rejection, got: %v", err)
	}
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("check_interval: ["), "test-yaml")
	if err == nil || !strings.Contains(err.Error(), "parse YAML") {
		t.Fatalf("expected parse YAML error, got: %v", err)
	}
}

func TestLoadWritesDefaultWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load absent config: %v", err)
	}
	if cfg.KernelPath != Default().KernelPath {
		t.Fatalf("expected default kernel_path, got %q", cfg.KernelPath)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config to be written: %v", err)
	}
}

func TestLoadReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML(dir)), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load existing config: %v", err)
	}
	if cfg.MDNSService != "_ota._tcp.local" {
		t.Fatalf("unexpected mdns_service: %q", cfg.MDNSService)
	}
}

func TestWriteDefaultIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteDefault(path); err != nil {
		t.Fatalf("second write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load after WriteDefault: %v", err)
	}
	if cfg.CheckInterval != Default().CheckInterval {
		t.Fatalf("expected default check_interval to survive reload")
	}
}

func TestHistoryFilePathDefault(t *testing.T) {
	var f File
	if got := f.HistoryFilePath(); got != "ota_update_history.json" {
		t.Fatalf("unexpected default history path: %q", got)
	}
	f.HistoryPath = "/custom/path.json"
	if got := f.HistoryFilePath(); got != "/custom/path.json" {
		t.Fatalf("unexpected overridden history path: %q", got)
	}
}
