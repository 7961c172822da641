package cmd

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/scribe-cli/client/clienttest"
	"github.com/otherjamesbrown/scribe-cli/config"
)

func writeTestCert(t *testing.T, dir, name string, notAfter time.Time) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "scribe-test"},
		NotBefore:    notAfter.Add(-365 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	return path
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)
	env.srv.Add(clienttest.Meeting{"id": "m1", "status": "completed"})

	require.NoError(t, env.run(NewHealthCommand(env.deps)))
	out := env.out.String()
	assert.Contains(t, out, "Health Check: PASS")
	assert.Contains(t, out, "Session:")
	assert.Contains(t, out, clienttest.Email)
	assert.Contains(t, out, "1 meetings")
	assert.NotContains(t, out, "CA certificate", "no TLS checks without TLS config")
}

func TestHealth_NotSignedIn(t *testing.T) {
	env := newTestEnv(t)

	err := env.run(NewHealthCommand(env.deps), "-o", "json")
	assert.EqualError(t, err, "health check failed")

	var result HealthResult
	require.NoError(t, json.Unmarshal(env.out.Bytes(), &result))
	assert.False(t, result.Passed)
	require.Len(t, result.Checks, 3)
	assert.Equal(t, checkUnhealthy, result.Checks[0].Status)
	assert.Equal(t, checkSkipped, result.Checks[1].Status)
	assert.Empty(t, env.srv.Requests())
}

func TestHealth_ServiceUnreachable(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)
	env.srv.FailNext(500, 500, 500, 500)

	err := env.run(NewHealthCommand(env.deps), "-o", "json")
	require.Error(t, err)

	var result HealthResult
	require.NoError(t, json.Unmarshal(env.out.Bytes(), &result))
	assert.Equal(t, "Service", result.Checks[1].Name)
	assert.Equal(t, checkUnreachable, result.Checks[1].Status)
	assert.Len(t, result.Failures, 1)
}

func TestTLSChecks(t *testing.T) {
	now := time.Now()
	dir := t.TempDir()

	assert.Empty(t, tlsChecks(config.TLSConfig{}, now))

	ca := writeTestCert(t, dir, "ca.crt", now.Add(400*24*time.Hour))
	client := writeTestCert(t, dir, "client.crt", now.Add(10*24*time.Hour))
	checks := tlsChecks(config.TLSConfig{CACert: ca, ClientCert: client}, now)
	require.Len(t, checks, 2)
	assert.Equal(t, checkHealthy, checks[0].Status)
	assert.Contains(t, checks[0].Detail, "scribe-test")
	assert.Equal(t, checkWarning, checks[1].Status)

	expired := writeTestCert(t, dir, "old.crt", now.Add(-24*time.Hour))
	checks = tlsChecks(config.TLSConfig{CACert: expired}, now)
	require.Len(t, checks, 1)
	assert.Equal(t, checkUnhealthy, checks[0].Status)

	checks = tlsChecks(config.TLSConfig{CACert: filepath.Join(dir, "missing.crt")}, now)
	require.Len(t, checks, 1)
	assert.Contains(t, checks[0].Error, "read file")
}
