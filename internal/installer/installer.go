// Package installer performs the backup/stage/swap/verify transaction that
// replaces the active kernel image with a freshly downloaded one,
// compensating with an automatic rollback when the swap or its
// verification fails.
package installer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/jaganathg/ota-updater/internal/checksum"
	"github.com/jaganathg/ota-updater/internal/errkind"
	"github.com/jaganathg/ota-updater/internal/fsops"
)

// State is a step in the installer's transaction state machine:
//
//	idle -> backing_up -> staging -> swapping -> verifying -> committed
//	                                    \            \
//	                                     -> rolling_back -> restored
//	                                                       \-> broken
//
// Only swapping and verifying can diverge into rolling_back; every other
// step fails closed (no side effects performed) before anything is
// touched.
type State string

const (
	StateIdle        State = "idle"
	StateBackingUp   State = "backing_up"
	StateStaging     State = "staging"
	StateSwapping    State = "swapping"
	StateVerifying   State = "verifying"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling_back"
	StateRestored    State = "restored"
	StateBroken      State = "broken"
)

// armMagicOffset is the byte offset of the arm64 Linux boot image magic
// ("ARM\x64") within the kernel Image header.
const armMagicOffset = 0x38

var armMagic = []byte("ARM\x64")

// Options configures an Installer.
type Options struct {
	KernelPath      string
	BackupPath      string
	SkipFormatCheck bool
	Ops             fsops.Ops

	// RequirePrivilege gates the install transaction on a precondition
	// check, defaulting to "running as root". Tests substitute a stub so
	// the backup/stage/swap/verify transaction itself can be exercised
	// without requiring the test process to run privileged.
	RequirePrivilege func() bool
}

// Installer owns one installation transaction at a time and reports the
// state it last reached via State().
type Installer struct {
	opts  Options
	state State
}

func New(opts Options) *Installer {
	if opts.Ops == nil {
		opts.Ops = fsops.Real{}
	}
	if opts.RequirePrivilege == nil {
		opts.RequirePrivilege = func() bool { return os.Geteuid() == 0 }
	}
	return &Installer{opts: opts, state: StateIdle}
}

func (in *Installer) State() State { return in.state }

// Result describes the terminal outcome of an Install call.
type Result struct {
	State       State
	RolledBack  bool
}

// Install runs the full backup/stage/swap/verify transaction against the
// artifact at artifactPath, whose expected size and sha256 are passed so
// the preflight checks don't need to re-derive them.
func (in *Installer) Install(artifactPath string, artifactSize int64, artifactSHA256 string) (Result, error) {
	in.state = StateIdle

	if err := in.preflight(artifactPath, artifactSize); err != nil {
		return Result{State: StateIdle}, err
	}

	in.state = StateBackingUp
	if err := in.backup(); err != nil {
		return Result{State: StateBroken}, errkind.New(errkind.BackupFailed, "installer.Install", err)
	}

	in.state = StateStaging
	stagedPath, err := in.stage(artifactPath, artifactSHA256)
	if err != nil {
		return Result{State: StateBroken}, errkind.New(errkind.SwapFailed, "installer.Install", fmt.Errorf("stage: %w", err))
	}

	in.state = StateSwapping
	if err := in.swap(stagedPath); err != nil {
		rolledBack, rerr := in.compensate()
		if rerr != nil {
			return Result{State: StateBroken, RolledBack: false}, rerr
		}
		return Result{State: StateRestored, RolledBack: rolledBack}, errkind.New(errkind.SwapFailed, "installer.Install", err)
	}

	in.state = StateVerifying
	if err := in.verify(artifactSHA256); err != nil {
		rolledBack, rerr := in.compensate()
		if rerr != nil {
			return Result{State: StateBroken, RolledBack: false}, rerr
		}
		return Result{State: StateRestored, RolledBack: rolledBack}, errkind.New(errkind.VerifyFailed, "installer.Install", err)
	}

	in.state = StateCommitted
	return Result{State: StateCommitted}, nil
}

// preflight checks every precondition named in the spec in order, with no
// side effects performed if any check fails.
func (in *Installer) preflight(artifactPath string, artifactSize int64) error {
	if !in.opts.RequirePrivilege() {
		return errkind.New(errkind.Config, "installer.preflight", fmt.Errorf("install requires privileged write access"))
	}

	fi, err := in.opts.Ops.Stat(artifactPath)
	if err != nil {
		return errkind.New(errkind.IO, "installer.preflight", fmt.Errorf("artifact %q: %w", artifactPath, err))
	}
	if !fi.Mode().IsRegular() {
		return errkind.New(errkind.IO, "installer.preflight", fmt.Errorf("artifact %q is not a regular file", artifactPath))
	}
	if fi.Size() == 0 {
		return errkind.New(errkind.IO, "installer.preflight", fmt.Errorf("artifact %q is empty", artifactPath))
	}

	currentSize := int64(0)
	if cur, err := in.opts.Ops.Stat(in.opts.KernelPath); err == nil {
		currentSize = cur.Size()
	}
	if err := checkFreeSpace(filepath.Dir(in.opts.KernelPath), artifactSize+currentSize); err != nil {
		return errkind.New(errkind.IO, "installer.preflight", err)
	}

	if !in.opts.SkipFormatCheck {
		if err := validateKernelFormat(artifactPath); err != nil {
			return errkind.New(errkind.InvalidFormat, "installer.preflight", err)
		}
	}

	return nil
}

// backup copies the currently active kernel to a ".tmp" sibling of
// BackupPath, fsyncs, renames it into place, then verifies the copy's
// hash against the original before accepting it.
func (in *Installer) backup() error {
	wantHash, err := checksum.File(in.opts.KernelPath)
	if err != nil {
		return fmt.Errorf("hash current kernel: %w", err)
	}

	tmp := in.opts.BackupPath + ".tmp"
	if err := in.opts.Ops.CopyFile(in.opts.KernelPath, tmp, 0o644); err != nil {
		_ = in.opts.Ops.Remove(tmp)
		return fmt.Errorf("copy backup: %w", err)
	}
	if err := in.opts.Ops.Rename(tmp, in.opts.BackupPath); err != nil {
		_ = in.opts.Ops.Remove(tmp)
		return fmt.Errorf("publish backup: %w", err)
	}

	gotHash, err := checksum.File(in.opts.BackupPath)
	if err != nil {
		_ = in.opts.Ops.Remove(in.opts.BackupPath)
		return fmt.Errorf("hash backup: %w", err)
	}
	if !checksum.Equal(gotHash, wantHash) {
		_ = in.opts.Ops.Remove(in.opts.BackupPath)
		return fmt.Errorf("backup hash mismatch: got %s, want %s", gotHash, wantHash)
	}
	return nil
}

// stage copies the new artifact next to the kernel path as "<basename>.new"
// and verifies its hash before swap is attempted.
func (in *Installer) stage(artifactPath, wantHash string) (string, error) {
	stagedPath := filepath.Join(filepath.Dir(in.opts.KernelPath), filepath.Base(in.opts.KernelPath)+".new")
	if err := in.opts.Ops.CopyFile(artifactPath, stagedPath, 0o644); err != nil {
		_ = in.opts.Ops.Remove(stagedPath)
		return "", fmt.Errorf("copy staged artifact: %w", err)
	}
	gotHash, err := checksum.File(stagedPath)
	if err != nil {
		_ = in.opts.Ops.Remove(stagedPath)
		return "", fmt.Errorf("hash staged artifact: %w", err)
	}
	if !checksum.Equal(gotHash, wantHash) {
		_ = in.opts.Ops.Remove(stagedPath)
		return "", fmt.Errorf("staged artifact hash mismatch: got %s, want %s", gotHash, wantHash)
	}
	return stagedPath, nil
}

// swap atomically renames the staged artifact over the live kernel path.
func (in *Installer) swap(stagedPath string) error {
	return in.opts.Ops.Rename(stagedPath, in.opts.KernelPath)
}

// verify re-reads the now-live kernel path and compares its hash against
// the artifact's expected hash.
func (in *Installer) verify(wantHash string) error {
	gotHash, err := checksum.File(in.opts.KernelPath)
	if err != nil {
		return fmt.Errorf("hash installed kernel: %w", err)
	}
	if !checksum.Equal(gotHash, wantHash) {
		return fmt.Errorf("installed kernel hash mismatch: got %s, want %s", gotHash, wantHash)
	}
	return nil
}

// compensate is called when swap or verify fails: it invokes Rollback and
// reports whether the rollback itself succeeded.
func (in *Installer) compensate() (bool, error) {
	in.state = StateRollingBack
	if err := in.Rollback(); err != nil {
		in.state = StateBroken
		return false, errkind.New(errkind.RollbackFailed, "installer.compensate", err)
	}
	in.state = StateRestored
	return true, nil
}

// Rollback restores BackupPath over KernelPath, used both as the
// compensating action after a failed install and as the `rollback` CLI
// subcommand's direct entry point.
func (in *Installer) Rollback() error {
	fi, err := in.opts.Ops.Stat(in.opts.BackupPath)
	if err != nil {
		return errkind.New(errkind.RollbackFailed, "installer.Rollback", fmt.Errorf("no backup: %w", err))
	}
	if fi.Size() == 0 {
		return errkind.New(errkind.RollbackFailed, "installer.Rollback", fmt.Errorf("backup %q is empty", in.opts.BackupPath))
	}

	wantHash, err := checksum.File(in.opts.BackupPath)
	if err != nil {
		return errkind.New(errkind.RollbackFailed, "installer.Rollback", fmt.Errorf("hash backup: %w", err))
	}

	restorePath := in.opts.KernelPath + ".restore"
	if err := in.opts.Ops.CopyFile(in.opts.BackupPath, restorePath, 0o644); err != nil {
		_ = in.opts.Ops.Remove(restorePath)
		return errkind.New(errkind.RollbackFailed, "installer.Rollback", fmt.Errorf("stage restore copy: %w", err))
	}
	gotHash, err := checksum.File(restorePath)
	if err != nil {
		_ = in.opts.Ops.Remove(restorePath)
		return errkind.New(errkind.RollbackFailed, "installer.Rollback", fmt.Errorf("hash restore copy: %w", err))
	}
	if !checksum.Equal(gotHash, wantHash) {
		_ = in.opts.Ops.Remove(restorePath)
		return errkind.New(errkind.RollbackFailed, "installer.Rollback", fmt.Errorf("restore copy hash mismatch: got %s, want %s", gotHash, wantHash))
	}

	if err := in.opts.Ops.Rename(restorePath, in.opts.KernelPath); err != nil {
		return errkind.New(errkind.RollbackFailed, "installer.Rollback", fmt.Errorf("publish restore: %w", err))
	}

	finalHash, err := checksum.File(in.opts.KernelPath)
	if err != nil {
		return errkind.New(errkind.RollbackFailed, "installer.Rollback", fmt.Errorf("verify restored kernel: %w", err))
	}
	if !checksum.Equal(finalHash, wantHash) {
		slog.Error("rollback verification failed, boot state is undefined", "kernel_path", in.opts.KernelPath)
		return errkind.New(errkind.RollbackFailed, "installer.Rollback", fmt.Errorf("restored kernel hash mismatch after rename: got %s, want %s", finalHash, wantHash))
	}
	return nil
}

// validateKernelFormat checks the arm64 boot image magic at the fixed
// header offset.
func validateKernelFormat(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	buf := make([]byte, len(armMagic))
	if _, err := f.ReadAt(buf, armMagicOffset); err != nil {
		return fmt.Errorf("read boot header: %w", err)
	}
	if string(buf) != string(armMagic) {
		return fmt.Errorf("missing arm64 boot magic at offset 0x%x: got %q", armMagicOffset, buf)
	}
	return nil
}

// checkFreeSpace ensures the filesystem containing dir has at least
// needed bytes free.
func checkFreeSpace(dir string, needed int64) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("statfs %q: %w", dir, err)
	}
	available := int64(stat.Bavail) * int64(stat.Bsize)
	if available < needed {
		return fmt.Errorf("insufficient free space in %q: have %d bytes, need %d", dir, available, needed)
	}
	return nil
}
