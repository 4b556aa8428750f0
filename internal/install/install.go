// Package install fetches and unpacks the third-party engines the launcher
// runs (database server, Java runtime).
package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// ErrUnsupportedPlatform is returned when no archive exists for GOOS/GOARCH.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// DefaultClient follows redirects (archive hosts redirect to CDNs).
var DefaultClient = &http.Client{Timeout: 30 * time.Minute}

// Download streams url into dest, replacing it atomically.
func Download(ctx context.Context, client *http.Client, url, dest string) (int64, error) {
	if client == nil {
		client = DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return 0, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	slog.Info("downloading", "url", url, "size", sizeOf(resp.ContentLength))
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("download %s: %w", url, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return n, err
	}
	slog.Info("downloaded", "url", url, "size", units.HumanSize(float64(n)))
	return n, nil
}

func sizeOf(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return units.HumanSize(float64(n))
}

// Archive downloads a tar.gz from url, extracts it next to dest, picks the
// unpacked directory whose name contains match (any directory when match is
// empty) and moves it to dest. dest must not exist yet.
func Archive(ctx context.Context, client *http.Client, url, dest, match string) error {
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	work, err := os.MkdirTemp(parent, ".install-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(work) }()

	tarball := filepath.Join(work, "archive.tar.gz")
	if _, err := Download(ctx, client, url, tarball); err != nil {
		return err
	}
	unpacked := filepath.Join(work, "unpacked")
	if err := ExtractTarGz(tarball, unpacked); err != nil {
		return err
	}
	dir, err := FindDir(unpacked, match)
	if err != nil {
		return err
	}
	if err := os.Rename(dir, dest); err != nil {
		return fmt.Errorf("move %s to %s: %w", dir, dest, err)
	}
	return nil
}

// FindDir returns the first directory directly under root whose name
// contains match.
func FindDir(root, match string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() && strings.Contains(e.Name(), match) {
			return filepath.Join(root, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no directory matching %q in %s", match, root)
}

// MakeExecutable sets mode 0755 on every regular file directly in dir.
func MakeExecutable(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		// #nosec G302 -- engine binaries must be executable
		if err := os.Chmod(filepath.Join(dir, e.Name()), 0o755); err != nil {
			return err
		}
	}
	return nil
}
