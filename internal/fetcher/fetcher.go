// Package fetcher probes an OTA server for version metadata and downloads
// the advertised kernel artifact, verifying its SHA-256 as it streams.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaganathg/ota-updater/internal/checksum"
	"github.com/jaganathg/ota-updater/internal/errkind"
)

type hasher struct{ h hash.Hash }

func newHasher() *hasher { return &hasher{h: sha256.New()} }

func (h *hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

func (h *hasher) sum() string { return hex.EncodeToString(h.h.Sum(nil)) }

// KernelMetadata is the JSON shape returned by GET <base>/version.
// ReleaseDate and Description are optional passthrough fields carried from
// the original implementation's richer metadata; their absence never
// fails validation.
type KernelMetadata struct {
	Version     string `json:"version"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	URL         string `json:"url"`
	ReleaseDate string `json:"release_date,omitempty"`
	Description string `json:"description,omitempty"`
}

func (m KernelMetadata) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("version is empty")
	}
	if m.Size < 1 {
		return fmt.Errorf("size must be >= 1, got %d", m.Size)
	}
	if !checksum.Valid64Hex(m.SHA256) {
		return fmt.Errorf("sha256 is not a 64 character hex digest")
	}
	if strings.TrimSpace(m.URL) == "" {
		return fmt.Errorf("url is empty")
	}
	return nil
}

// httpClient builds a client in the teacher's no-keepalive idiom: a
// stalled connection shouldn't be reused by the next probe or download.
func httpClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DisableKeepAlives:   true,
			MaxIdleConns:        1,
			MaxIdleConnsPerHost: 1,
		},
	}
}

// Probe fetches GET <base>/version and decodes the metadata, bounded by
// timeout.
func Probe(ctx context.Context, baseURL string, timeout time.Duration) (KernelMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/version", nil)
	if err != nil {
		return KernelMetadata{}, errkind.New(errkind.Network, "fetcher.Probe", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ota-updater")

	client := httpClient(timeout)
	resp, err := client.Do(req)
	if err != nil {
		return KernelMetadata{}, classifyTransportErr("fetcher.Probe", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return KernelMetadata{}, classifyStatusErr("fetcher.Probe", resp.StatusCode, resp.Body)
	}

	var meta KernelMetadata
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return KernelMetadata{}, errkind.New(errkind.Network, "fetcher.Probe", err)
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return KernelMetadata{}, errkind.New(errkind.Network, "fetcher.Probe", fmt.Errorf("decode version response: %w", err))
	}
	if err := meta.Validate(); err != nil {
		return KernelMetadata{}, errkind.New(errkind.Network, "fetcher.Probe", fmt.Errorf("invalid version response: %w", err))
	}
	return meta, nil
}

// artifactURL composes the full URL for a KernelMetadata.URL: absolute if
// it begins with "/", otherwise joined relative to baseURL.
func artifactURL(baseURL, path string) string {
	if strings.HasPrefix(path, "/") {
		base := strings.TrimSuffix(baseURL, "/")
		return base + path
	}
	base := strings.TrimRight(baseURL, "/") + "/"
	return base + path
}

// Download streams the artifact described by meta into
// <downloadDir>/kernel-<version>.tmp while computing its SHA-256 in a
// single pass, then renames it into place on success. On any failure the
// temp file is removed so no partial artifact is left behind.
func Download(ctx context.Context, baseURL string, meta KernelMetadata, downloadDir string, timeout time.Duration) (string, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return "", errkind.New(errkind.IO, "fetcher.Download", fmt.Errorf("create download dir: %w", err))
	}

	url := artifactURL(baseURL, meta.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errkind.New(errkind.Network, "fetcher.Download", err)
	}
	req.Header.Set("Accept", "application/octet-stream")
	req.Header.Set("User-Agent", "ota-updater")

	client := httpClient(timeout)
	resp, err := client.Do(req)
	if err != nil {
		return "", classifyTransportErr("fetcher.Download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatusErr("fetcher.Download", resp.StatusCode, resp.Body)
	}

	tmpPath := filepath.Join(downloadDir, fmt.Sprintf("kernel-%s.tmp", meta.Version))
	finalPath := filepath.Join(downloadDir, fmt.Sprintf("kernel-%s", meta.Version))

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", errkind.New(errkind.IO, "fetcher.Download", fmt.Errorf("create temp artifact: %w", err))
	}

	hasher := newHasher()
	written, err := io.Copy(io.MultiWriter(f, hasher), resp.Body)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", classifyTransportErr("fetcher.Download", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", errkind.New(errkind.IO, "fetcher.Download", fmt.Errorf("fsync temp artifact: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", errkind.New(errkind.IO, "fetcher.Download", fmt.Errorf("close temp artifact: %w", err))
	}

	if written != meta.Size {
		os.Remove(tmpPath)
		return "", errkind.New(errkind.ChecksumMismatch, "fetcher.Download", fmt.Errorf("downloaded %d bytes, expected %d", written, meta.Size))
	}

	got := hasher.sum()
	if !checksum.Equal(got, meta.SHA256) {
		os.Remove(tmpPath)
		return "", errkind.New(errkind.ChecksumMismatch, "fetcher.Download", fmt.Errorf("sha256 mismatch: got %s, want %s", got, meta.SHA256))
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", errkind.New(errkind.IO, "fetcher.Download", fmt.Errorf("publish artifact: %w", err))
	}

	slog.Info("downloaded kernel artifact", "version", meta.Version, "path", finalPath, "size", written)
	return finalPath, nil
}

// classifyTransportErr tags a network-level failure as retryable unless it
// represents caller cancellation.
func classifyTransportErr(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return errkind.New(errkind.Cancelled, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errkind.NewTransient(errkind.Network, op, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset", "connection refused", "eof", "no such host",
		"timeout", "tls handshake timeout", "temporary failure",
	} {
		if strings.Contains(msg, marker) {
			return errkind.NewTransient(errkind.Network, op, err)
		}
	}
	return errkind.New(errkind.Network, op, err)
}

// classifyStatusErr tags an HTTP status failure: 4xx is terminal, 5xx is
// transient.
func classifyStatusErr(op string, status int, body io.Reader) error {
	raw, _ := io.ReadAll(io.LimitReader(body, 4*1024))
	err := fmt.Errorf("unexpected status %d: %s", status, strings.TrimSpace(string(raw)))
	if status >= http.StatusInternalServerError {
		return errkind.NewTransient(errkind.HTTPStatus, op, err)
	}
	return errkind.New(errkind.HTTPStatus, op, err)
}
