// Package updatecycle composes discovery, fetching, and installation into
// the single discover -> probe -> compare -> download -> install pipeline
// that both the daemon's periodic loop and the one-shot CLI subcommands
// (check, update) drive.
package updatecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/jaganathg/ota-updater/internal/discovery"
	"github.com/jaganathg/ota-updater/internal/errkind"
	"github.com/jaganathg/ota-updater/internal/fetcher"
	"github.com/jaganathg/ota-updater/internal/history"
	"github.com/jaganathg/ota-updater/internal/installer"
	"github.com/jaganathg/ota-updater/internal/otaconfig"
)

// CheckResult is the outcome of a discover+probe pass with no side
// effects, used by the `check` subcommand and by Run.
type CheckResult struct {
	Server          discovery.ServerInfo
	Metadata        fetcher.KernelMetadata
	UpdateAvailable bool
}

// Check discovers the server and probes its version metadata, reporting
// whether it differs from lastSuccessVersion. It performs no download or
// install. Discovery and probing are each retried up to cfg.MaxRetries
// additional times on a transient failure, per the spec's "all three
// operations are wrapped by a retry policy" requirement.
func Check(ctx context.Context, cfg otaconfig.File, lastSuccessVersion string) (CheckResult, error) {
	server, err := discover(ctx, cfg)
	if err != nil {
		return CheckResult{}, err
	}

	meta, err := probe(ctx, cfg, server)
	if err != nil {
		return CheckResult{}, err
	}

	return CheckResult{
		Server:          server,
		Metadata:        meta,
		UpdateAvailable: isNewer(meta.Version, lastSuccessVersion),
	}, nil
}

func discover(ctx context.Context, cfg otaconfig.File) (discovery.ServerInfo, error) {
	var server discovery.ServerInfo
	err := fetcher.WithRetry(ctx, cfg.MaxRetries, func(attempt int) error {
		s, err := discovery.Discover(ctx, cfg.MDNSService, cfg.FallbackServer)
		if err != nil {
			return err
		}
		server = s
		return nil
	})
	return server, err
}

func probe(ctx context.Context, cfg otaconfig.File, server discovery.ServerInfo) (fetcher.KernelMetadata, error) {
	var meta fetcher.KernelMetadata
	err := fetcher.WithRetry(ctx, cfg.MaxRetries, func(attempt int) error {
		m, err := fetcher.Probe(ctx, server.BaseURL(), cfg.DownloadTimeout)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	return meta, err
}

// isNewer implements the spec's opaque version comparison: a version is
// "newer" if the server advertises it and it is not equal to the last
// successfully installed version. No semantic ordering is applied.
func isNewer(advertised, lastSuccess string) bool {
	return advertised != "" && advertised != lastSuccess
}

// Run executes one full update cycle: discover, probe, compare, and
// (unless the version is unchanged) download and install. It always
// returns a history.Record describing what happened, even when err is
// non-nil, so the caller can persist the attempt either way.
func Run(ctx context.Context, cfg otaconfig.File, lastSuccessVersion string) (history.Record, error) {
	rec := history.Record{
		Timestamp:       time.Now(),
		PreviousVersion: lastSuccessVersion,
	}

	check, err := Check(ctx, cfg, lastSuccessVersion)
	if err != nil {
		rec.Outcome = outcomeForDiscoveryOrProbeError(err)
		rec.ErrorMessage = err.Error()
		return rec, err
	}
	rec.AttemptedVersion = check.Metadata.Version

	if !check.UpdateAvailable {
		rec.Outcome = history.OutcomeSkippedSameVersion
		slog.Info("kernel already up to date", "version", check.Metadata.Version)
		return rec, nil
	}

	artifactPath, err := download(ctx, cfg, check)
	if err != nil {
		if errkind.KindOf(err) == errkind.ChecksumMismatch {
			rec.Outcome = history.OutcomeChecksumMismatch
		} else {
			rec.Outcome = history.OutcomeDownloadFailed
		}
		rec.ErrorMessage = err.Error()
		return rec, err
	}

	inst := installer.New(installer.Options{
		KernelPath:      cfg.KernelPath,
		BackupPath:      cfg.BackupPath,
		SkipFormatCheck: cfg.SkipFormatCheck,
	})
	result, err := inst.Install(artifactPath, check.Metadata.Size, check.Metadata.SHA256)
	if err != nil {
		rec.ErrorMessage = err.Error()
		if result.RolledBack {
			rec.Outcome = history.OutcomeRolledBack
		} else {
			rec.Outcome = history.OutcomeInstallFailed
		}
		return rec, err
	}

	rec.Outcome = history.OutcomeSuccess
	slog.Info("kernel updated", "version", check.Metadata.Version)
	return rec, nil
}

// download retries the artifact fetch per cfg.MaxRetries with
// exponential backoff, restarting the stream from byte zero on every
// attempt.
func download(ctx context.Context, cfg otaconfig.File, check CheckResult) (string, error) {
	var path string
	err := fetcher.WithRetry(ctx, cfg.MaxRetries, func(attempt int) error {
		p, err := fetcher.Download(ctx, check.Server.BaseURL(), check.Metadata, cfg.DownloadDir, cfg.DownloadTimeout)
		if err != nil {
			return err
		}
		path = p
		return nil
	})
	return path, err
}

func outcomeForDiscoveryOrProbeError(err error) history.Outcome {
	if errkind.KindOf(err) == errkind.ChecksumMismatch {
		return history.OutcomeChecksumMismatch
	}
	return history.OutcomeDownloadFailed
}
