package storage

import (
	"context"
	"time"

	"media-harvester/pkg/models"
)

// Ledger records the outcome of every processed item. It is bookkeeping only:
// whether an asset needs downloading is decided by the file on disk, never by the ledger.
type Ledger interface {
	// RecordItem upserts the entry for catalogSlug/filename. Attempts is taken from
	// the stored entry plus one; LastAttempt defaults to now.
	RecordItem(catalogSlug, filename string, entry models.LedgerEntry) error

	// Item returns the stored entry. found is false when the key is absent.
	Item(catalogSlug, filename string) (entry *models.LedgerEntry, found bool, err error)

	// Count returns the number of recorded items.
	Count() (int, error)

	// WriteLedgerLog dumps every entry as tab-separated lines to filePath.
	WriteLedgerLog(filePath string) error

	// RunGC runs periodic garbage collection until ctx is done. Run it in a goroutine.
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// NopLedger discards everything. Used when the ledger is disabled or cannot be opened.
type NopLedger struct{}

func (NopLedger) RecordItem(string, string, models.LedgerEntry) error { return nil }

func (NopLedger) Item(string, string) (*models.LedgerEntry, bool, error) { return nil, false, nil }

func (NopLedger) Count() (int, error) { return 0, nil }

func (NopLedger) WriteLedgerLog(string) error { return nil }

func (NopLedger) RunGC(context.Context, time.Duration) {}

func (NopLedger) Close() error { return nil }
