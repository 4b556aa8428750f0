// Package tls builds the optional HTTPS configuration for the gateway.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/booklore-runner/internal/config"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// safeReadFile reads p only when it lies inside baseDir.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	absBase, _ := filepath.Abs(baseDir)
	absFile, _ := filepath.Abs(clean)
	if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
		return nil, errors.New("file path outside of allowed directory")
	}
	return os.ReadFile(clean)
}

// getCertificateFunc reloads the key pair on each handshake so a replaced
// certificate is picked up without a restart.
func getCertificateFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certPEM, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		keyPEM, err := safeReadFile(filepath.Dir(keyFile), keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(certPEM, keyPEM)
		return &certificate, err
	}
}

// Setup returns nil when TLS is disabled. Explicit cert/key files win;
// otherwise the pair lives in dir and is generated when missing and
// auto_generate is set.
func Setup(cfg config.TLSConfig, dir string) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer := uint16(tls.VersionTLS12)
	if v, ok := parseTLSVersion(cfg.MinVersion); ok {
		minVer = v
	} else if cfg.MinVersion != "" {
		return nil, fmt.Errorf("tls min_version %q not supported", cfg.MinVersion)
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return build(cfg.CertFile, cfg.KeyFile, minVer), nil
	}
	if dir == "" {
		return nil, errors.New("TLS enabled but no certificate configured")
	}
	certPath := filepath.Join(dir, tlsCrt)
	keyPath := filepath.Join(dir, tlsKey)
	if !certificatesExist(certPath, keyPath) {
		if !cfg.AutoGenerate {
			return nil, fmt.Errorf("TLS certificate missing in %s", dir)
		}
		days := cfg.ValidDays
		if days <= 0 {
			days = 365
		}
		if err := GenerateSelfSignedCert(CertConfig{
			CommonName:   "localhost",
			Organization: config.AppName,
			DNSNames:     []string{"localhost"},
			IPAddresses:  []string{"127.0.0.1", "::1"},
			NotAfter:     time.Now().AddDate(0, 0, days),
			CertPath:     certPath,
			KeyPath:      keyPath,
		}); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	return build(certPath, keyPath, minVer), nil
}

func build(certPath, keyPath string, minVer uint16) *tls.Config {
	return &tls.Config{
		GetCertificate: getCertificateFunc(certPath, keyPath),
		MinVersion:     minVer,
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}
