package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dskow/shield-core/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeSelfSigned creates a self-signed cert/key pair in dir and returns the
// file paths.
func writeSelfSigned(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "shield-test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		t.Fatalf("write cert: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyFile, keyPEM, 0o644); err != nil {
		t.Fatalf("write key: %v", err)
	}

	return certFile, keyFile
}

func TestCertLoaderInitialLoad(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, t.TempDir())

	cl, err := NewCertLoader(certFile, keyFile, testLogger())
	if err != nil {
		t.Fatalf("NewCertLoader: %v", err)
	}
	defer cl.Stop()

	cert, err := cl.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert == nil {
		t.Fatal("expected non-nil certificate")
	}
}

func TestCertLoaderRejectsBadInitialPair(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	os.WriteFile(certFile, []byte("not a cert"), 0o644)
	os.WriteFile(keyFile, []byte("not a key"), 0o644)

	if _, err := NewCertLoader(certFile, keyFile, testLogger()); err == nil {
		t.Fatal("expected error for invalid key pair")
	}
}

func TestCertLoaderReload(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSigned(t, dir)

	cl, err := NewCertLoader(certFile, keyFile, testLogger())
	if err != nil {
		t.Fatalf("NewCertLoader: %v", err)
	}
	defer cl.Stop()

	before, _ := cl.GetCertificate(&tls.ClientHelloInfo{})

	// Rotate the pair in place.
	writeSelfSigned(t, dir)

	if err := cl.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	after, err := cl.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("GetCertificate after reload: %v", err)
	}
	if after == nil {
		t.Fatal("expected non-nil certificate after reload")
	}
	if string(after.Certificate[0]) == string(before.Certificate[0]) {
		t.Error("expected reloaded certificate to differ from the original")
	}
}

func TestCertLoaderReloadKeepsCurrentOnFailure(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSigned(t, dir)

	cl, err := NewCertLoader(certFile, keyFile, testLogger())
	if err != nil {
		t.Fatalf("NewCertLoader: %v", err)
	}
	defer cl.Stop()

	os.WriteFile(keyFile, []byte("corrupted"), 0o644)

	if err := cl.Reload(); err == nil {
		t.Fatal("expected reload error for corrupted key")
	}

	cert, err := cl.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil || cert == nil {
		t.Fatalf("expected previous certificate to survive failed reload, got cert=%v err=%v", cert, err)
	}
}

func TestServerConfigMinVersion(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, t.TempDir())
	cl, err := NewCertLoader(certFile, keyFile, testLogger())
	if err != nil {
		t.Fatalf("NewCertLoader: %v", err)
	}
	defer cl.Stop()

	cfg := ServerConfig(config.TLSConfig{MinVersion: "1.2"}, cl)
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
	cfg = ServerConfig(config.TLSConfig{MinVersion: "1.3"}, cl)
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %x, want TLS 1.3", cfg.MinVersion)
	}
}

func TestLoadCAPool(t *testing.T) {
	dir := t.TempDir()
	certFile, _ := writeSelfSigned(t, dir)

	pool, err := LoadCAPool(certFile)
	if err != nil {
		t.Fatalf("LoadCAPool: %v", err)
	}
	if pool == nil {
		t.Fatal("expected non-nil pool")
	}

	if _, err := LoadCAPool(filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.pem")
	os.WriteFile(bad, []byte("garbage"), 0o644)
	if _, err := LoadCAPool(bad); err == nil {
		t.Error("expected error for unparseable PEM")
	}
}
