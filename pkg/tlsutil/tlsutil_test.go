package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/espflow/pkg/security"
)

// writeTestCert writes a self-signed localhost certificate and key into a temp dir.
func writeTestCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test Org"}, CommonName: "localhost"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o644))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}), 0o600))
	return certFile, keyFile
}

func TestLoadServerTLSConfig(t *testing.T) {
	certFile, keyFile := writeTestCert(t)

	cfg, err := LoadServerTLSConfig(security.ServerTLSConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3",
	})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	_, err = LoadServerTLSConfig(security.ServerTLSConfig{Enabled: true, CertFile: "missing.pem", KeyFile: keyFile})
	assert.Error(t, err)
}

func TestLoadClientTLSConfig(t *testing.T) {
	certFile, keyFile := writeTestCert(t)

	cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{
		CAFiles:    []string{certFile},
		ServerName: "esp.local",
		MTLS:       security.ClientMTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile},
	})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Equal(t, "esp.local", cfg.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Len(t, cfg.Certificates, 1)
	assert.False(t, cfg.InsecureSkipVerify)
}

func TestLoadClientTLSConfig_Errors(t *testing.T) {
	_, err := LoadClientTLSConfig(security.ClientTLSConfig{CAFiles: []string{"/nonexistent/ca.pem"}})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o644))
	_, err = LoadClientTLSConfig(security.ClientTLSConfig{CAFiles: []string{bad}})
	assert.Error(t, err)

	_, err = LoadClientTLSConfig(security.ClientTLSConfig{
		MTLS: security.ClientMTLSConfig{Enabled: true, CertFile: bad, KeyFile: bad},
	})
	assert.Error(t, err)
}
