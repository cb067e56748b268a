package tls

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/checkengine/internal/config"
)

func TestSetupTLSDisabled(t *testing.T) {
	c, err := SetupTLS(nil)
	require.NoError(t, err)
	assert.Nil(t, c)
	c, err = SetupTLS(&config.TLSConfig{CertFile: "x", KeyFile: "y"})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupTLSAutoGenerateServesHTTPS(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	cfg := &config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"}
	tc, err := SetupTLS(cfg)
	require.NoError(t, err)
	require.NotNil(t, tc)
	assert.Equal(t, uint16(tls.VersionTLS12), tc.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), tc.MaxVersion)
	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
	}
	info, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	srv.TLS = tc
	srv.StartTLS()
	defer srv.Close()
	// #nosec G402 self-signed test certificate
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Existing certificates are reused.
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	_, err = SetupTLS(cfg)
	require.NoError(t, err)
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	assert.Equal(t, before, after)
}

func TestSetupTLSErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := SetupTLS(&config.TLSConfig{Enabled: true})
	require.Error(t, err)
	_, err = SetupTLS(&config.TLSConfig{Enabled: true, Dir: dir})
	require.Error(t, err, "missing certificates without auto_generate")
	_, err = SetupTLS(&config.TLSConfig{Enabled: true, CertFile: filepath.Join(dir, "a.crt"), KeyFile: filepath.Join(dir, "a.key")})
	require.Error(t, err)
	_, err = SetupTLS(&config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.3", MaxVersion: "1.2"})
	require.Error(t, err)
}

func TestParseTLSVersion(t *testing.T) {
	v, ok := parseTLSVersion("tls1.2")
	assert.True(t, ok)
	assert.Equal(t, uint16(tls.VersionTLS12), v)
	_, ok = parseTLSVersion("")
	assert.False(t, ok)
	_, ok = parseTLSVersion("1.0")
	assert.False(t, ok)
}

func TestSafeReadFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	b, err := safeReadFile(dir, p)
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))
	_, err = safeReadFile(dir, filepath.Join(dir, "..", "other"))
	require.Error(t, err)
}
