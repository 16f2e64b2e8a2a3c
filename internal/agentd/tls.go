package agentd

import (
	"crypto/tls"
	"os"
	"path/filepath"

	"phobos.org.uk/wharf/internal/tlsutil"
)

const tlsOrganization = "Wharf Agent"

// ensureTLS resolves the certificate paths and generates a self-signed
// pair when none exists yet. Explicit cert/key paths in the config are
// used as-is and must both be present.
func (a *Agent) ensureTLS() (certFile, keyFile string, err error) {
	certFile = a.config.TLS.CertFile
	keyFile = a.config.TLS.KeyFile

	if certFile == "" || keyFile == "" {
		dir := defaultTLSDir(a.config.Name)
		certFile = filepath.Join(dir, "server.crt")
		keyFile = filepath.Join(dir, "server.key")
	}

	if err := tlsutil.EnsureTLSCert(certFile, keyFile, tlsOrganization); err != nil {
		return "", "", err
	}

	a.log.Info("tls enabled", map[string]any{
		"cert_file": certFile,
		"key_file":  keyFile,
	})
	return certFile, keyFile, nil
}

// defaultTLSDir mirrors the history path convention: WHARF_ROOT when
// set, otherwise ~/.wharf.
func defaultTLSDir(name string) string {
	root := os.Getenv("WHARF_ROOT")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/tmp"
		}
		root = filepath.Join(home, ".wharf")
	}
	return filepath.Join(root, "tls", name)
}

func serverTLSConfig() *tls.Config {
	return tlsutil.DefaultTLSConfig()
}
