package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/loykin/booklore-runner/internal/install"
)

// Engine is an installed database server.
type Engine struct {
	Home   string // --basedir
	Server string // mariadbd
	Source string // "system", "bundled" or "downloaded"
}

// InstallDB returns the bootstrap tool; distributions put it in bin/ or scripts/.
func (e Engine) InstallDB() (string, error) {
	candidates := []string{
		filepath.Join(filepath.Dir(e.Server), "mariadb-install-db"),
		filepath.Join(e.Home, "bin", "mariadb-install-db"),
		filepath.Join(e.Home, "scripts", "mariadb-install-db"),
	}
	for _, c := range candidates {
		if isFile(c) {
			return c, nil
		}
	}
	if p, err := exec.LookPath("mariadb-install-db"); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("mariadb-install-db not found under %s", e.Home)
}

func isFile(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

var systemHomes = []string{"/opt/homebrew/opt/mariadb", "/usr/local/opt/mariadb"}

// systemEngine looks for a package-manager install.
func systemEngine(ctx context.Context) (Engine, bool) {
	homes := append([]string(nil), systemHomes...)
	if brew, err := exec.LookPath("brew"); err == nil {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		out, err := exec.CommandContext(cctx, brew, "--prefix", "mariadb").Output()
		cancel()
		if err == nil {
			if p := strings.TrimSpace(string(out)); p != "" {
				homes = append([]string{p}, homes...)
			}
		}
	}
	for _, h := range homes {
		if srv := filepath.Join(h, "bin", "mariadbd"); isFile(srv) {
			return Engine{Home: h, Server: srv, Source: "system"}, true
		}
	}
	if p, err := exec.LookPath("mariadbd"); err == nil {
		if r, err := filepath.EvalSymlinks(p); err == nil {
			p = r
		}
		return Engine{Home: filepath.Dir(filepath.Dir(p)), Server: p, Source: "system"}, true
	}
	return Engine{}, false
}

// localEngine checks the launcher-managed install.
func localEngine(home, source string) (Engine, bool) {
	srv := filepath.Join(home, "bin", "mariadbd")
	if !isFile(srv) {
		return Engine{}, false
	}
	return Engine{Home: home, Server: srv, Source: source}, true
}

// Platform returns the archive platform tag for the running host.
func Platform() (string, error) { return platformFor(runtime.GOOS, runtime.GOARCH) }

func platformFor(goos, goarch string) (string, error) {
	switch goos + "/" + goarch {
	case "darwin/arm64":
		return "darwin-arm64", nil
	case "linux/amd64":
		return "linux-systemd-x86_64", nil
	}
	return "", fmt.Errorf("mariadb archive for %s/%s: %w", goos, goarch, install.ErrUnsupportedPlatform)
}

// ensureEngine finds an engine or installs one into s.paths.MariaDB.
func (s *Supervisor) ensureEngine(ctx context.Context) (Engine, error) {
	if s.cfg.PreferSystem {
		if e, ok := s.findSystem(ctx); ok {
			slog.Info("using system mariadb", "home", e.Home)
			return e, nil
		}
	}
	if e, ok := localEngine(s.paths.MariaDB, "bundled"); ok {
		return e, nil
	}

	source := "bundled"
	if st, err := os.Stat(s.paths.MariaDBBundle); err == nil && st.IsDir() {
		slog.Info("installing bundled mariadb", "from", s.paths.MariaDBBundle, "to", s.paths.MariaDB)
		if err := install.CopyDir(s.paths.MariaDBBundle, s.paths.MariaDB); err != nil {
			return Engine{}, fmt.Errorf("copy bundled mariadb: %w", err)
		}
	} else {
		source = "downloaded"
		platform, err := Platform()
		if err != nil {
			return Engine{}, err
		}
		url := fmt.Sprintf(s.cfg.DownloadURL, s.cfg.Version, platform)
		_ = os.RemoveAll(s.paths.MariaDB)
		if err := install.Archive(ctx, s.httpClient, url, s.paths.MariaDB, "mariadb-"); err != nil {
			return Engine{}, fmt.Errorf("download mariadb %s: %w", s.cfg.Version, err)
		}
	}
	for _, sub := range []string{"bin", "scripts"} {
		dir := filepath.Join(s.paths.MariaDB, sub)
		if err := install.MakeExecutable(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Engine{}, fmt.Errorf("chmod %s: %w", dir, err)
		}
	}
	e, ok := localEngine(s.paths.MariaDB, source)
	if !ok {
		return Engine{}, fmt.Errorf("mariadbd missing after install in %s", s.paths.MariaDB)
	}
	return e, nil
}
