// Package certwatch keeps a node's serving certificate fresh. It loads
// the key pair from disk, watches the containing directory and reloads
// on change, so ACME renewals take effect without a restart.
//
// A node's first boot has no certificate yet; the watcher starts empty
// and begins serving as soon as the files appear.
//
// @req RQ-0901 certificate hot reload
// @design DS-0901 fsnotify directory watch with debounce
package certwatch

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNoCertificate is returned while no key pair has been loaded yet.
var ErrNoCertificate = errors.New("certwatch: no certificate loaded")

const defaultDebounce = 500 * time.Millisecond

// Watcher serves the current certificate and tracks file changes.
type Watcher struct {
	certFile string
	keyFile  string
	log      *slog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate

	reloadMu   sync.Mutex
	lastReload time.Time
	debounce   time.Duration

	done    chan struct{}
	stopped sync.Once
}

// New creates a watcher for the given key pair. A missing pair is not an
// error at construction time.
func New(certFile, keyFile string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{
		certFile: certFile,
		keyFile:  keyFile,
		log:      log,
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}

	if err := w.Reload(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Info("no certificate yet, waiting for issuance", "cert_file", certFile)
	}
	return w, nil
}

// Start watches for file changes until Stop. Blocking; use a goroutine.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("certwatch: create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directories, not the files: atomic-rename writers (and
	// first issuance) would otherwise detach the watch.
	certDir := filepath.Dir(w.certFile)
	if err := watcher.Add(certDir); err != nil {
		return fmt.Errorf("certwatch: watch %s: %w", certDir, err)
	}
	if keyDir := filepath.Dir(w.keyFile); keyDir != certDir {
		if err := watcher.Add(keyDir); err != nil {
			return fmt.Errorf("certwatch: watch %s: %w", keyDir, err)
		}
	}

	certBase := filepath.Base(w.certFile)
	keyBase := filepath.Base(w.keyFile)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			base := filepath.Base(event.Name)
			if base != certBase && base != keyBase {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.debouncedReload(); err != nil {
				w.log.Error("certificate reload failed", "file", event.Name, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("certificate watcher error", "error", err)

		case <-w.done:
			return nil
		}
	}
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	w.stopped.Do(func() { close(w.done) })
}

// GetCertificate implements tls.Config.GetCertificate.
func (w *Watcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.cert == nil {
		return nil, ErrNoCertificate
	}
	return w.cert, nil
}

// Ready reports whether a certificate is currently loaded.
func (w *Watcher) Ready() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cert != nil
}

// Reload loads the key pair from disk immediately, bypassing debounce.
// The certificate manager calls this after writing a fresh issuance.
func (w *Watcher) Reload() error {
	cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		return fmt.Errorf("certwatch: load key pair: %w", err)
	}

	w.mu.Lock()
	w.cert = &cert
	w.mu.Unlock()

	w.log.Info("certificate loaded", "cert_file", w.certFile)
	return nil
}

func (w *Watcher) debouncedReload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	now := time.Now()
	if now.Sub(w.lastReload) < w.debounce {
		return nil
	}
	w.lastReload = now

	// Writers may still be mid-rename; give them a beat.
	time.Sleep(100 * time.Millisecond)
	return w.Reload()
}
