package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
)

var serial int64

func writeTestCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial++
	template := x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{Organization: []string{"Test"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)
	privDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER}), 0o600))
	return certPath, keyPath
}

func leafSerial(t *testing.T, r *CertReloader) int64 {
	t.Helper()
	cert, err := r.GetCertificate(nil)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	return leaf.SerialNumber.Int64()
}

func TestCertReloader_LoadAndReload(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir)

	r, err := NewCertReloader(certPath, keyPath, logging.NewNop())
	require.NoError(t, err)
	first := leafSerial(t, r)

	writeTestCert(t, dir)
	require.NoError(t, r.Reload())
	assert.NotEqual(t, first, leafSerial(t, r))
}

func TestCertReloader_BadReloadKeepsCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir)
	r, err := NewCertReloader(certPath, keyPath, logging.NewNop())
	require.NoError(t, err)
	before := leafSerial(t, r)

	require.NoError(t, os.WriteFile(certPath, []byte("garbage"), 0o600))
	assert.Error(t, r.Reload())
	assert.Equal(t, before, leafSerial(t, r))
}

func TestCertReloader_InvalidOrMissing(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, []byte("invalid cert"), 0o600))
	require.NoError(t, os.WriteFile(keyPath, []byte("invalid key"), 0o600))

	_, err := NewCertReloader(certPath, keyPath, logging.NewNop())
	assert.Error(t, err)
	_, err = NewCertReloader("/nonexistent/cert.pem", "/nonexistent/key.pem", logging.NewNop())
	assert.Error(t, err)
}

func TestCertReloader_WatcherPicksUpRotation(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir)
	r, err := NewCertReloader(certPath, keyPath, logging.NewNop())
	require.NoError(t, err)
	mock := clock.NewMock()
	r.clock = mock
	before := leafSerial(t, r)

	r.StartWatcher(time.Second)
	defer r.Stop()

	writeTestCert(t, dir)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(certPath, future, future))

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return leafSerial(t, r) != before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCertReloader_FileEventTriggersReload(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir)
	r, err := NewCertReloader(certPath, keyPath, logging.NewNop())
	require.NoError(t, err)
	r.clock = clock.NewMock()
	before := leafSerial(t, r)

	// the mock ticker never fires, so only the file events can reload
	r.StartWatcher(time.Hour)
	defer r.Stop()

	writeTestCert(t, dir)
	require.Eventually(t, func() bool {
		return leafSerial(t, r) != before
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCertReloader_Affects(t *testing.T) {
	r := &CertReloader{certFile: "/certs/tls.crt", keyFile: "/certs/tls.key"}
	assert.True(t, r.affects(fsnotify.Event{Name: "/certs/tls.crt", Op: fsnotify.Write}))
	assert.True(t, r.affects(fsnotify.Event{Name: "/certs/tls.key", Op: fsnotify.Create}))
	assert.True(t, r.affects(fsnotify.Event{Name: "/certs/..data", Op: fsnotify.Create}))
	assert.False(t, r.affects(fsnotify.Event{Name: "/certs/tls.crt", Op: fsnotify.Chmod}))
	assert.False(t, r.affects(fsnotify.Event{Name: "/certs/ca.crt", Op: fsnotify.Write}))
}

func TestCertReloader_StopWithoutWatcher(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir)
	r, err := NewCertReloader(certPath, keyPath, logging.NewNop())
	require.NoError(t, err)
	r.Stop()

	r.StartWatcher(time.Second)
	r.Stop()
	r.Stop()
}

func TestListenTLS(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir)

	ln, reloader, err := ListenTLS("127.0.0.1:0", TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath}, logging.NewNop())
	require.NoError(t, err)
	defer ln.Close()
	require.NotNil(t, reloader)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, conn.ConnectionState().HandshakeComplete)

	_, _, err = ListenTLS("127.0.0.1:0", TLSConfig{}, logging.NewNop())
	assert.Error(t, err)
	_, _, err = ListenTLS("127.0.0.1:0", TLSConfig{Enabled: true}, logging.NewNop())
	assert.Error(t, err)
}

func x509PoolFor(t *testing.T, certPath string) *tls.Config {
	t.Helper()
	pemData, err := os.ReadFile(certPath)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(pemData))
	return &tls.Config{RootCAs: pool, ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12}
}
