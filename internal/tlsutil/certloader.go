// Package tlsutil handles the TLS material on both sides of the sidecar:
// the server certificate for the main listener (hot-reloaded on rotation)
// and per-dependency CA pools for upstream verification.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dskow/shield-core/internal/config"
)

// CertLoader serves the listener certificate and reloads it when the cert or
// key file changes on disk, so rotation needs no restart.
type CertLoader struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certFile string
	keyFile  string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
}

// NewCertLoader loads the initial certificate and starts watching both files.
// Returns an error if the initial load fails; later reload failures keep the
// current certificate.
func NewCertLoader(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	cl := &CertLoader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	if err := cl.load(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	for _, path := range []string{certFile, keyFile} {
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", path, err)
		}
	}

	cl.watcher = watcher
	go cl.watchLoop()

	logger.Info("server certificate loaded, watching for rotation", "cert_file", certFile)
	return cl, nil
}

// GetCertificate is the tls.Config.GetCertificate callback; it runs on every
// handshake.
func (cl *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert, nil
}

// Reload re-reads the key pair from disk. A failed reload keeps the current
// certificate. Exported for tests and manual rotation.
func (cl *CertLoader) Reload() error {
	if err := cl.load(); err != nil {
		cl.logger.Error("certificate reload failed, keeping current", "error", err, "cert_file", cl.certFile)
		return err
	}
	cl.logger.Info("server certificate reloaded", "cert_file", cl.certFile)
	return nil
}

// Stop terminates the file watcher.
func (cl *CertLoader) Stop() {
	close(cl.stopCh)
	if cl.watcher != nil {
		cl.watcher.Close()
	}
}

func (cl *CertLoader) load() error {
	cert, err := tls.LoadX509KeyPair(cl.certFile, cl.keyFile)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	cl.cert = &cert
	cl.mu.Unlock()
	return nil
}

func (cl *CertLoader) watchLoop() {
	// Rotation tooling writes cert and key separately; debounce so one
	// reload sees both files.
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					cl.Reload() //nolint:errcheck
				})
			}
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			cl.logger.Error("certificate watcher error", "error", err)
		case <-cl.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// ServerConfig builds the listener's *tls.Config from configuration, wiring
// the hot-reloading loader in as the certificate source.
func ServerConfig(cfg config.TLSConfig, loader *CertLoader) *tls.Config {
	minVersion := uint16(tls.VersionTLS12)
	if cfg.MinVersion == "1.3" {
		minVersion = tls.VersionTLS13
	}
	return &tls.Config{
		GetCertificate: loader.GetCertificate,
		MinVersion:     minVersion,
	}
}
