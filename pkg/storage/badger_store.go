package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"media-harvester/pkg/config"
	"media-harvester/pkg/log"
	"media-harvester/pkg/models"
	"media-harvester/pkg/utils"
)

const (
	itemKeyPrefix = "item:"     // Prefix for item keys: item:<catalogSlug>/<filename>
	ledgerDBDir   = "ledger_db" // Subdirectory name within stateDir for Badger DB files
)

// ItemKey returns the ledger key of an asset.
func ItemKey(catalogSlug, filename string) string {
	return itemKeyPrefix + catalogSlug + "/" + filename
}

// BadgerStore implements Ledger using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	ctx      context.Context // Parent context
	keyCount atomic.Int64    // Cached key count so Count is O(1)
}

// NewBadgerStore opens (or creates) the ledger under stateDir. Existing entries are kept
// across runs.
func NewBadgerStore(ctx context.Context, stateDir string, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{
		log: logger,
		ctx: ctx,
	}

	dbPath := filepath.Join(stateDir, ledgerDBDir)
	logger.Infof("Initializing item ledger at: %s", dbPath)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1) // Only the latest outcome matters

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	count, err := store.countKeys()
	if err != nil {
		logger.Warnf("Failed to count existing ledger entries: %v", err)
	} else {
		store.keyCount.Store(int64(count))
		logger.Infof("Item ledger opened with %d existing entries", count)
	}
	return store, nil
}

// OpenLedger returns the ledger configured by cfg. A disabled ledger, or one that
// fails to open, yields NopLedger so the crawl never depends on it.
func OpenLedger(ctx context.Context, cfg *config.AppConfig, logger *logrus.Entry) Ledger {
	if !cfg.EnableLedger {
		logger.Info("Item ledger disabled.")
		return NopLedger{}
	}
	store, err := NewBadgerStore(ctx, cfg.StateDir, logger)
	if err != nil {
		logger.Warnf("Item ledger unavailable, continuing without it: %v", err)
		return NopLedger{}
	}
	return store
}

// countKeys performs a one-time full key scan at open.
func (s *BadgerStore) countKeys() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(itemKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// RecordItem implements the Ledger interface
func (s *BadgerStore) RecordItem(catalogSlug, filename string, entry models.LedgerEntry) error {
	if s.db == nil {
		return fmt.Errorf("%w: ledger not initialized", utils.ErrDatabase)
	}
	if !entry.Status.IsValid() {
		return fmt.Errorf("%w: refusing to record '%s/%s' with status '%s'", utils.ErrDatabase, catalogSlug, filename, entry.Status)
	}
	key := []byte(ItemKey(catalogSlug, filename))
	if entry.LastAttempt.IsZero() {
		entry.LastAttempt = time.Now()
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		merged := entry
		merged.Attempts = 1

		item, errGet := txn.Get(key)
		switch {
		case errors.Is(errGet, badger.ErrKeyNotFound):
			isNew = true
		case errGet != nil:
			return errGet
		default:
			errValue := item.Value(func(val []byte) error {
				var prev models.LedgerEntry
				if errJson := json.Unmarshal(val, &prev); errJson != nil {
					s.log.Warnf("Failed to unmarshal LedgerEntry for key '%s': %v. Overwriting.", string(key), errJson)
					return nil
				}
				merged.Attempts = prev.Attempts + 1
				if merged.SHA256 == "" && merged.Status.HasAsset() {
					merged.SHA256 = prev.SHA256
				}
				return nil
			})
			if errValue != nil {
				return errValue
			}
		}

		entryBytes, errJson := json.Marshal(merged)
		if errJson != nil {
			return fmt.Errorf("%w: failed to marshal LedgerEntry: %w", utils.ErrParsing, errJson)
		}
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})

	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in RecordItem: %v", err)
		if errors.Is(err, utils.ErrDatabase) || errors.Is(err, utils.ErrParsing) {
			return err
		}
		return fmt.Errorf("%w: failed setting item key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	s.log.Debugf("Recorded item '%s' as '%s'", string(key), entry.Status)
	return nil
}

// Item implements the Ledger interface
func (s *BadgerStore) Item(catalogSlug, filename string) (*models.LedgerEntry, bool, error) {
	key := []byte(ItemKey(catalogSlug, filename))
	var entry *models.LedgerEntry

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting item key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			var decoded models.LedgerEntry
			if errJson := json.Unmarshal(val, &decoded); errJson != nil {
				return fmt.Errorf("%w: decoding item key '%s': %w", utils.ErrParsing, string(key), errJson)
			}
			entry = &decoded
			return nil
		})
	})
	if errView != nil {
		s.log.Errorf("DB View error in Item for key '%s': %v", string(key), errView)
		return nil, false, errView
	}
	return entry, entry != nil, nil
}

// Count implements the Ledger interface.
func (s *BadgerStore) Count() (int, error) {
	return int(s.keyCount.Load()), nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Debug("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for {
				err = s.db.RunValueLogGC(0.5)
				if err != nil {
					break
				}
				s.log.Debug("BadgerDB GC cycle completed.")
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// WriteLedgerLog implements the Ledger interface.
// Columns: key, status, attempts, error_type, last_attempt, sha256, asset_url.
func (s *BadgerStore) WriteLedgerLog(filePath string) error {
	s.log.Info("Writing item ledger log...")
	file, err := os.Create(filePath)
	if err != nil {
		s.log.Errorf("Failed create ledger log '%s': %v", filePath, err)
		return fmt.Errorf("%w: create ledger log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	var writeErr error
	write := func(fields ...string) {
		if writeErr != nil {
			return
		}
		_, writeErr = writer.WriteString(strings.Join(fields, "\t") + "\n")
	}
	write("key", "status", "attempts", "error_type", "last_attempt", "sha256", "asset_url")

	writtenCount := 0
	iterErr := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(itemKeyPrefix)

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-s.ctx.Done():
				s.log.Warnf("WriteLedgerLog scan interrupted by context cancellation: %v", s.ctx.Err())
				return s.ctx.Err()
			default:
			}

			item := it.Item()
			key := string(item.KeyCopy(nil)[len(prefix):])
			errValue := item.Value(func(val []byte) error {
				var entry models.LedgerEntry
				if errJson := json.Unmarshal(val, &entry); errJson != nil {
					s.log.Warnf("Skipping undecodable ledger entry '%s': %v", key, errJson)
					return nil
				}
				write(key, entry.Status.String(), strconv.Itoa(entry.Attempts), entry.ErrorType,
					entry.LastAttempt.UTC().Format(time.RFC3339), entry.SHA256, entry.AssetURL)
				writtenCount++
				return nil
			})
			if errValue != nil {
				return errValue
			}
		}
		return nil
	})

	if flushErr := writer.Flush(); flushErr != nil && writeErr == nil {
		writeErr = flushErr
	}
	if syncErr := file.Sync(); syncErr != nil && writeErr == nil {
		writeErr = syncErr
	}

	if iterErr != nil {
		s.log.Errorf("Error during ledger iteration: %v", iterErr)
		return iterErr
	}
	if writeErr != nil {
		s.log.Errorf("Error writing ledger log '%s': %v", filePath, writeErr)
		return fmt.Errorf("%w: writing ledger log '%s': %w", utils.ErrFilesystem, filePath, writeErr)
	}
	s.log.Infof("Finished writing %d ledger entries to: %s", writtenCount, filePath)
	return nil
}

// Close implements the Ledger interface
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing item ledger...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing item ledger: %v", err)
			return err
		}
		return nil
	}
	return nil
}
