package server

import (
	"crypto/tls"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// certManager serves the certificate for each handshake and reloads it
// when the files on disk are rotated, so a renewed certificate is picked
// up without restarting the appliance.
type certManager struct {
	certPath string
	keyPath  string

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
}

func newCertManager(certPath, keyPath string) (*certManager, error) {
	m := &certManager{certPath: certPath, keyPath: keyPath}
	if err := m.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("cert watcher unavailable: %v", err)
		return m, nil
	}
	m.watcher = watcher
	// Watch the directories: rotation tools typically replace the files
	// wholesale, which drops inode-level watches.
	watcher.Add(filepath.Dir(certPath))
	if filepath.Dir(keyPath) != filepath.Dir(certPath) {
		watcher.Add(filepath.Dir(keyPath))
	}
	go m.watch()
	return m, nil
}

func (m *certManager) watch() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Name != m.certPath && event.Name != m.keyPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := m.reload(); err != nil {
				log.Warn("certificate reload: %v", err)
			} else {
				log.Info("certificate reloaded from %s", m.certPath)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("cert watcher: %v", err)
		}
	}
}

func (m *certManager) reload() error {
	cert, err := tls.LoadX509KeyPair(m.certPath, m.keyPath)
	if err != nil {
		return errors.Wrap(err, "load key pair")
	}
	m.mu.Lock()
	m.cert = &cert
	m.mu.Unlock()
	return nil
}

func (m *certManager) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cert, nil
}

func (m *certManager) Close() {
	if m.watcher != nil {
		m.watcher.Close()
	}
}

// tlsConfig narrows the cipher policy to ChaCha20-Poly1305: the target
// ARM core has no AES instructions, and constant-time ChaCha is faster
// there. TLS 1.3 suites are not configurable in crypto/tls, but
// TLS_CHACHA20_POLY1305_SHA256 is among the ones it negotiates.
func (m *certManager) tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		GetCertificate: m.getCertificate,
	}
}
