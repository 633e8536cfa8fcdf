// Package badger persists crawl results in an embedded BadgerDB, for
// single-node deployments that want durability without a database server.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/pagevault/acquire/internal/engine"
)

const resultKeyPrefix = "result:"

// Store writes crawl results into a local Badger database. Implements
// engine.ResultStore.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewStore opens (or creates) the database under dir.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage.badger_dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create badger directory %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(zapBadgerLogger{sugar: logger.Sugar()}).
		WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database at %s: %w", dir, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger database: %w", err)
	}
	return nil
}

// SaveCrawlResult upserts one result row keyed by session and URL.
func (s *Store) SaveCrawlResult(_ context.Context, result engine.CrawlResult, sessionID string) error {
	if result.URL == "" {
		return fmt.Errorf("result url is required")
	}
	value, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal crawl result: %w", err)
	}
	key := resultKey(sessionID, result.URL)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("write crawl result: %w", err)
	}
	return nil
}

// Results returns all rows stored for a session.
func (s *Store) Results(sessionID string) ([]engine.CrawlResult, error) {
	prefix := []byte(resultKeyPrefix + sessionID + ":")
	var out []engine.CrawlResult
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r engine.CrawlResult
				if err := json.Unmarshal(val, &r); err != nil {
					return fmt.Errorf("decode crawl result: %w", err)
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan session results: %w", err)
	}
	return out, nil
}

func resultKey(sessionID, url string) []byte {
	return []byte(resultKeyPrefix + sessionID + ":" + url)
}

// zapBadgerLogger adapts zap's sugared logger to badger.Logger.
type zapBadgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapBadgerLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l zapBadgerLogger) Warningf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l zapBadgerLogger) Infof(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l zapBadgerLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}
