// Package store persists relay state that must survive restarts. Domain
// assignments live here: a node that reconnects after a relay restart
// gets the same hostname back, so its certificate stays valid.
//
// @req RQ-0701 durable domain assignments
// @design DS-0701 Badger-backed assignment store
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store closed")

const (
	assignmentPrefix = "assign/" // assign/<node-id-hex> -> hostname
	gcInterval       = 10 * time.Minute
	gcThreshold      = 0.5
)

// Store wraps a Badger database holding relay state.
type Store struct {
	db     *badger.DB
	log    *slog.Logger
	suffix string

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open opens (or creates) the store at dir. Assignments are issued under
// the given domain suffix.
func Open(dir, suffix string, log *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: dir is required")
	}
	if log == nil {
		log = slog.Default()
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogger{logger: log}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	s := &Store{
		db:     db,
		log:    log,
		suffix: strings.ToLower(strings.Trim(suffix, ".")),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.gcLoop()

	log.Info("store opened", "dir", dir, "suffix", s.suffix)
	return s, nil
}

// Assign returns the hostname for nodeID, creating and persisting it on
// first sight. The hostname is the node's short identity under the
// relay's suffix, so assignment is deterministic and collision-free for
// distinct keys (up to the 8-hex-char birthday bound, which registration
// volume stays far below).
func (s *Store) Assign(nodeID domain.NodeID) (string, error) {
	key := []byte(assignmentPrefix + nodeID.String())
	hostname := nodeID.Short() + "." + s.suffix

	err := s.db.Update(func(txn *badger.Txn) error {
		switch _, err := txn.Get(key); {
		case err == nil:
			return nil // already assigned, idempotent
		case errors.Is(err, badger.ErrKeyNotFound):
			return txn.Set(key, []byte(hostname))
		default:
			return err
		}
	})
	if err != nil {
		return "", fmt.Errorf("store: assign: %w", err)
	}
	return hostname, nil
}

// Lookup returns the assigned hostname for nodeID, if any.
func (s *Store) Lookup(nodeID domain.NodeID) (string, bool, error) {
	var hostname string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(assignmentPrefix + nodeID.String()))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		hostname = string(val)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: lookup: %w", err)
	}
	return hostname, true, nil
}

// Assignments iterates all persisted assignments.
func (s *Store) Assignments(fn func(nodeID string, hostname string) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(assignmentPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			id := strings.TrimPrefix(string(item.Key()), assignmentPrefix)
			if !fn(id, string(val)) {
				break
			}
		}
		return nil
	})
}

// Suffix returns the domain suffix assignments are issued under.
func (s *Store) Suffix() string { return s.suffix }

// Close shuts the store down.
func (s *Store) Close() error {
	close(s.stopCh)
	<-s.doneCh

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close db: %w", err)
	}
	s.log.Info("store closed")
	return nil
}

// gcLoop runs Badger's value log GC periodically.
func (s *Store) gcLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(gcThreshold)
				if errors.Is(err, badger.ErrNoRewrite) {
					break
				}
				if err != nil {
					s.log.Error("value log gc failed", "error", err)
					break
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
