// Command ota-updater discovers, downloads, and installs kernel updates
// for an ARM64 single-board computer, either as a long-running daemon or
// as one-shot subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jaganathg/ota-updater/internal/daemon"
	"github.com/jaganathg/ota-updater/internal/errkind"
	"github.com/jaganathg/ota-updater/internal/history"
	"github.com/jaganathg/ota-updater/internal/installer"
	"github.com/jaganathg/ota-updater/internal/otaconfig"
	"github.com/jaganathg/ota-updater/internal/updatecycle"
)

// Exit codes per the CLI contract.
const (
	exitOK             = 0
	exitGeneric        = 1
	exitConfig         = 2
	exitNetwork        = 3
	exitChecksum       = 4
	exitInstallRolled  = 5
	exitInstallBroken  = 6
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitGeneric)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "/etc/ota-updater/config.yaml", "path to the configuration file")

	switch cmd {
	case "help", "-h", "--help":
		usage()
		return
	case "daemon":
		_ = fs.Parse(os.Args[2:])
		os.Exit(runDaemon(ctx, *configPath))
	case "check":
		_ = fs.Parse(os.Args[2:])
		os.Exit(runCheck(ctx, *configPath))
	case "update":
		_ = fs.Parse(os.Args[2:])
		os.Exit(runUpdate(ctx, *configPath))
	case "status":
		_ = fs.Parse(os.Args[2:])
		os.Exit(runStatus(*configPath))
	case "rollback":
		_ = fs.Parse(os.Args[2:])
		os.Exit(runRollback(*configPath))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(exitGeneric)
	}
}

func loadConfig(path string) (otaconfig.File, int) {
	cfg, err := otaconfig.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ota-updater: %v\n", err)
		return otaconfig.File{}, exitConfig
	}
	return cfg, exitOK
}

func runDaemon(ctx context.Context, configPath string) int {
	cfg, code := loadConfig(configPath)
	if code != exitOK {
		return code
	}
	if err := daemon.RunWithSignals(ctx, cfg, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ota-updater: daemon exited: %v\n", err)
		return exitGeneric
	}
	return exitOK
}

func runCheck(ctx context.Context, configPath string) int {
	cfg, code := loadConfig(configPath)
	if code != exitOK {
		return code
	}
	last := history.LastSuccessVersion(history.Load(cfg.HistoryFilePath()))

	result, err := updatecycle.Check(ctx, cfg, last)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ota-updater: check failed: %v\n", err)
		return exitCodeForError(err)
	}
	if result.UpdateAvailable {
		fmt.Printf("update available: %s -> %s\n", last, result.Metadata.Version)
	} else {
		fmt.Printf("up to date: %s\n", last)
	}
	return exitOK
}

func runUpdate(ctx context.Context, configPath string) int {
	cfg, code := loadConfig(configPath)
	if code != exitOK {
		return code
	}
	h := history.Open(cfg.HistoryFilePath())
	last := history.LastSuccessVersion(h.Records())

	rec, err := updatecycle.Run(ctx, cfg, last)
	if appendErr := h.Append(rec); appendErr != nil {
		fmt.Fprintf(os.Stderr, "ota-updater: failed to persist update history: %v\n", appendErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ota-updater: update failed: %v\n", err)
		return exitCodeForError(err)
	}
	fmt.Printf("update outcome: %s\n", rec.Outcome)
	return exitOK
}

func runStatus(configPath string) int {
	cfg, code := loadConfig(configPath)
	if code != exitOK {
		return code
	}
	records := history.Load(cfg.HistoryFilePath())
	state := history.CurrentState(records)
	fmt.Printf("current_version: %s\n", state.CurrentVersion)
	if state.CurrentVersion != history.UnknownVersion {
		fmt.Printf("installed_at: %s\n", state.InstalledAt)
	}
	fmt.Printf("recorded_attempts: %d\n", len(records))
	for _, r := range history.QueryLast(records, 5) {
		fmt.Printf("  %s version=%s outcome=%s\n", r.Timestamp.Format("2006-01-02T15:04:05Z07:00"), r.AttemptedVersion, r.Outcome)
	}
	return exitOK
}

func runRollback(configPath string) int {
	cfg, code := loadConfig(configPath)
	if code != exitOK {
		return code
	}
	inst := installer.New(installer.Options{
		KernelPath: cfg.KernelPath,
		BackupPath: cfg.BackupPath,
	})
	if err := inst.Rollback(); err != nil {
		fmt.Fprintf(os.Stderr, "ota-updater: rollback failed: %v\n", err)
		return exitInstallBroken
	}
	fmt.Println("rollback successful")
	return exitOK
}

// exitCodeForError maps the error taxonomy to the CLI's documented exit
// codes.
func exitCodeForError(err error) int {
	switch errkind.KindOf(err) {
	case errkind.Config:
		return exitConfig
	case errkind.Discovery, errkind.Network, errkind.HTTPStatus:
		return exitNetwork
	case errkind.ChecksumMismatch, errkind.InvalidFormat:
		return exitChecksum
	case errkind.BackupFailed, errkind.SwapFailed, errkind.VerifyFailed:
		return exitInstallRolled
	case errkind.RollbackFailed:
		return exitInstallBroken
	case errkind.Cancelled:
		return exitOK
	default:
		return exitGeneric
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `ota-updater - kernel over-the-air updater

Usage:
  ota-updater <command> [--config <path>]

Commands:
  daemon    Run the periodic update daemon
  check     Probe the server and report whether an update is available
  update    Run one discover/download/install cycle and exit
  status    Print the current kernel version and update history summary
  rollback  Restore the kernel from the backup slot
  help      Show this help
`)
}
