package crawler

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"media-harvester/pkg/browser/browsertest"
	"media-harvester/pkg/config"
	"media-harvester/pkg/models"
	"media-harvester/pkg/storage"
	"media-harvester/pkg/utils"
)

const catalogURL = "https://site.test/sermons"

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := config.Default()
	cfg.OutputBaseDir = t.TempDir()
	cfg.ItemCooldown = 0
	return &cfg
}

func testCatalog(t *testing.T, cfg *config.AppConfig) models.Catalog {
	t.Helper()
	cat, err := models.NewCatalog(catalogURL, cfg.OutputBaseDir)
	require.NoError(t, err)
	return cat
}

// mediaItem describes one card and what the player shows once it is clicked.
// Empty metadata fields are left out of the player so fallbacks apply.
type mediaItem struct {
	id      string
	title   string
	date    string
	speaker string
	series  string
	src     string
	noAsset bool // Clicking reveals nothing
	panics  bool // Clicking panics
	onClick func()
}

func (m mediaItem) card(sel config.SelectorConfig) *browsertest.Element {
	var card *browsertest.Element
	if m.id != "" {
		card = browsertest.NewElement(m.title, sel.CardIDAttr, m.id)
	} else {
		card = browsertest.NewElement(m.title)
	}
	card.OnClick = func(doc *browsertest.Document) {
		if m.onClick != nil {
			m.onClick()
		}
		if m.panics {
			panic("player script crashed")
		}
		for _, s := range []string{sel.AssetSource, sel.Title, sel.Date, sel.Speaker, sel.Series} {
			doc.Remove(s)
		}
		if m.noAsset {
			return
		}
		doc.Set(sel.AssetSource, browsertest.NewElement("", "src", m.src))
		if m.title != "" {
			doc.Set(sel.Title, browsertest.NewElement(m.title))
		}
		if m.date != "" {
			doc.Set(sel.Date, browsertest.NewElement(m.date))
		}
		if m.speaker != "" {
			doc.Set(sel.Speaker, browsertest.NewElement(m.speaker))
		}
		if m.series != "" {
			doc.Set(sel.Series, browsertest.NewElement(m.series))
		}
	}
	return card
}

func listing(sel config.SelectorConfig, items ...mediaItem) *browsertest.Document {
	doc := browsertest.NewDocument("<html></html>")
	for _, it := range items {
		doc.Add(sel.Card, it.card(sel))
	}
	return doc
}

func sermon(id string) mediaItem {
	return mediaItem{
		id:      id,
		title:   "Sermon " + id,
		date:    "January 7, 2024",
		speaker: "John Smith",
		series:  "Romans",
		src:     "https://cdn.site.test/audio/" + id + ".mp3",
	}
}

// fakeFetcher writes a small file for every URL not listed in failures.
type fakeFetcher struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]int // asset URL -> HTTP status
	onFetch  func()
}

func (f *fakeFetcher) Fetch(ctx context.Context, assetURL, dest string) (int64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, assetURL)
	status, fail := f.failures[assetURL]
	onFetch := f.onFetch
	f.mu.Unlock()
	if onFetch != nil {
		onFetch()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if fail {
		return 0, fmt.Errorf("%w: status %d", utils.ErrAssetStatus, status)
	}
	body := []byte("audio:" + assetURL)
	return int64(len(body)), os.WriteFile(dest, body, 0644)
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// memLedger keeps entries in a map.
type memLedger struct {
	storage.NopLedger
	mu      sync.Mutex
	entries map[string]models.LedgerEntry
}

func newMemLedger() *memLedger {
	return &memLedger{entries: make(map[string]models.LedgerEntry)}
}

func (l *memLedger) RecordItem(catalogSlug, filename string, entry models.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := catalogSlug + "/" + filename
	entry.Attempts = l.entries[key].Attempts + 1
	l.entries[key] = entry
	return nil
}

func (l *memLedger) Item(catalogSlug, filename string) (*models.LedgerEntry, bool, error) {
	e, ok := l.get(catalogSlug + "/" + filename)
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (l *memLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *memLedger) get(key string) (models.LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return e, ok
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
