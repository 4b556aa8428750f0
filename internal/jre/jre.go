// Package jre locates or installs the Java runtime the backend runs on.
package jre

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/booklore-runner/internal/config"
	"github.com/loykin/booklore-runner/internal/install"
)

var ErrRuntimeNotFound = errors.New("java runtime not found")

// Runtime is a usable Java installation.
type Runtime struct {
	JavaPath string
	Home     string
	Version  int
	Source   string // "bundled", "system" or "downloaded"
}

// Resolver finds a runtime in [Version, MaxVersion], installing one into dir
// when nothing suitable exists.
type Resolver struct {
	cfg    config.RuntimeConfig
	dir    string
	client *http.Client

	goos, goarch string
	getenv       func(string) string
	lookPath     func(string) (string, error)
}

func New(cfg config.RuntimeConfig, dir string, client *http.Client) *Resolver {
	if client == nil {
		client = install.DefaultClient
	}
	return &Resolver{
		cfg:      cfg,
		dir:      dir,
		client:   client,
		goos:     runtime.GOOS,
		goarch:   runtime.GOARCH,
		getenv:   os.Getenv,
		lookPath: exec.LookPath,
	}
}

// Ensure returns a runtime, downloading one as a last resort.
func (r *Resolver) Ensure(ctx context.Context) (Runtime, error) {
	if rt, ok := r.candidate(ctx, r.bundledJava(), "bundled"); ok {
		return rt, nil
	}
	if r.cfg.PreferSystem {
		for _, java := range r.systemCandidates(ctx) {
			if rt, ok := r.candidate(ctx, java, "system"); ok {
				slog.Info("using system java", "path", rt.JavaPath, "version", rt.Version)
				return rt, nil
			}
		}
	}
	if err := r.download(ctx); err != nil {
		return Runtime{}, fmt.Errorf("%w: %w", ErrRuntimeNotFound, err)
	}
	java := r.bundledJava()
	if err := os.Chmod(java, 0o755); err != nil { // #nosec G302
		return Runtime{}, fmt.Errorf("%w: %w", ErrRuntimeNotFound, err)
	}
	rt, ok := r.candidate(ctx, java, "downloaded")
	if !ok {
		return Runtime{}, fmt.Errorf("%w: downloaded runtime at %s is not usable", ErrRuntimeNotFound, java)
	}
	return rt, nil
}

func (r *Resolver) bundledJava() string {
	if r.goos == "darwin" {
		mac := filepath.Join(r.dir, "Contents", "Home", "bin", "java")
		if _, err := os.Stat(mac); err == nil {
			return mac
		}
	}
	return filepath.Join(r.dir, "bin", "java")
}

func (r *Resolver) systemCandidates(ctx context.Context) []string {
	var out []string
	if home := r.getenv("JAVA_HOME"); home != "" {
		out = append(out, filepath.Join(home, "bin", "java"))
	}
	if r.goos == "darwin" {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		b, err := exec.CommandContext(cctx, "/usr/libexec/java_home", "-v", strconv.Itoa(r.cfg.Version)).Output()
		cancel()
		if err == nil {
			if home := strings.TrimSpace(string(b)); home != "" {
				out = append(out, filepath.Join(home, "bin", "java"))
			}
		}
	}
	if p, err := r.lookPath("java"); err == nil {
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			p = resolved
		}
		out = append(out, p)
	}
	return out
}

// candidate accepts java when it runs and reports a version in range.
func (r *Resolver) candidate(ctx context.Context, java, source string) (Runtime, bool) {
	if st, err := os.Stat(java); err != nil || st.IsDir() {
		return Runtime{}, false
	}
	v, err := Version(ctx, java)
	if err != nil {
		slog.Debug("java probe failed", "path", java, "error", err)
		return Runtime{}, false
	}
	if v < r.cfg.Version || v > r.cfg.MaxVersion {
		slog.Debug("java version out of range", "path", java, "version", v)
		return Runtime{}, false
	}
	return Runtime{
		JavaPath: java,
		Home:     filepath.Dir(filepath.Dir(java)),
		Version:  v,
		Source:   source,
	}, true
}

var versionRe = regexp.MustCompile(`version "(\d+)(?:\.(\d+))?`)

// Version runs `java -version` and returns the major version.
func Version(ctx context.Context, java string) (int, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	// #nosec G204 -- candidate paths come from the local install
	out, err := exec.CommandContext(cctx, java, "-version").CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("%s -version: %w", java, err)
	}
	return parseVersion(string(out))
}

func parseVersion(out string) (int, error) {
	m := versionRe.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("no version in %q", strings.TrimSpace(out))
	}
	major, _ := strconv.Atoi(m[1])
	// 1.8.0_381 style
	if major == 1 && m[2] != "" {
		major, _ = strconv.Atoi(m[2])
	}
	return major, nil
}

func (r *Resolver) download(ctx context.Context) error {
	osName, arch, err := platformFor(r.goos, r.goarch)
	if err != nil {
		return err
	}
	url := fmt.Sprintf(r.cfg.DownloadURL, r.cfg.Version, osName, arch)
	_ = os.RemoveAll(r.dir)
	slog.Info("downloading java runtime", "version", r.cfg.Version, "os", osName, "arch", arch)
	return install.Archive(ctx, r.client, url, r.dir, "jdk")
}

func platformFor(goos, goarch string) (string, string, error) {
	var osName, arch string
	switch goos {
	case "darwin":
		osName = "mac"
	case "linux":
		osName = "linux"
	}
	switch goarch {
	case "arm64":
		arch = "aarch64"
	case "amd64":
		arch = "x64"
	}
	if osName == "" || arch == "" {
		return "", "", fmt.Errorf("java runtime for %s/%s: %w", goos, goarch, install.ErrUnsupportedPlatform)
	}
	return osName, arch, nil
}
