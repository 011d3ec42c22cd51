// Package tls builds the API server's TLS configuration from certificate
// files, a certificate directory, or a generated self-signed pair.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/mockvisor/internal/config"
)

const (
	caCertName = "tls_ca.crt"
	certName   = "tls.crt"
	keyName    = "tls.key"
)

var ErrNoCertificate = errors.New("tls enabled but no certificate configured")

func parseVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// versions defaults both bounds to TLS 1.3.
func versions(s config.ServerConfig) (minVer, maxVer uint16) {
	minVer, maxVer = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseVersion(s.TLSMinVersion); ok {
		minVer = v
	}
	if v, ok := parseVersion(s.TLSMaxVersion); ok {
		maxVer = v
	}
	if minVer > maxVer {
		maxVer = minVer
	}
	return
}

// readWithin reads p, refusing paths that resolve outside baseDir.
func readWithin(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	absFile, err := filepath.Abs(clean)
	if err != nil {
		return nil, err
	}
	if absFile != absBase && !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) {
		return nil, errors.New("file path outside of allowed directory")
	}
	return os.ReadFile(clean)
}

// reloading loads the pair on every handshake so rotated certificates are
// picked up without a restart.
func reloading(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certPEM, err := readWithin(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		keyPEM, err := readWithin(filepath.Dir(keyFile), keyFile)
		if err != nil {
			return nil, err
		}
		c, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
}

// SetupTLS returns nil when TLS is disabled. Explicit cert/key files win over
// a certificate directory; a directory may have its pair generated on first
// use when auto_generate is set.
func SetupTLS(s config.ServerConfig) (*tls.Config, error) {
	if s.TLS == nil || !s.TLS.Enabled {
		return nil, nil
	}
	minVer, maxVer := versions(s)

	certPath, keyPath := s.TLS.CertFile, s.TLS.KeyFile
	if certPath == "" || keyPath == "" {
		if s.TLS.Dir == "" {
			return nil, ErrNoCertificate
		}
		certPath = filepath.Join(s.TLS.Dir, certName)
		keyPath = filepath.Join(s.TLS.Dir, keyName)
		if s.TLS.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(s.TLS, s.TLS.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// Fail at startup rather than on the first handshake.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	// #nosec G402 minimum version is configurable down to 1.2 only
	return &tls.Config{
		GetCertificate: reloading(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

// SelfSigned is the configuration used by `serve --tls-dir`: a generated
// localhost certificate kept in dir.
func SelfSigned(dir string) *config.TLSConfig {
	return &config.TLSConfig{
		Enabled:      true,
		Dir:          dir,
		AutoGenerate: true,
		AutoGen: &config.AutoGenTLS{
			CommonName: "localhost",
			DNSNames:   []string{"localhost"},
			ValidDays:  365,
		},
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultSlice(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func generate(c *config.TLSConfig, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	ag := c.AutoGen
	if ag == nil {
		ag = &config.AutoGenTLS{}
	}
	days := ag.ValidDays
	if days <= 0 {
		days = 365 * 5
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(ag.CommonName, "localhost"),
		Organization: orDefault(ag.Organization, "mockvisor"),
		DNSNames:     orDefaultSlice(ag.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefaultSlice(ag.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(dir, certName),
		KeyPath:      filepath.Join(dir, keyName),
		CACertPath:   filepath.Join(dir, caCertName),
	})
}
