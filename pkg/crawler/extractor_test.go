package crawler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-harvester/pkg/browser"
	"media-harvester/pkg/browser/browsertest"
	"media-harvester/pkg/models"
	"media-harvester/pkg/parse"
	"media-harvester/pkg/utils"
)

const listingURL = "https://site.test/sermons?page=3"

// firstCard loads a one-card listing for item and returns the page and card.
func firstCard(t *testing.T, item mediaItem) (browser.Page, browser.Element, *crawlFixture) {
	t.Helper()
	f := newCrawlFixture(t)
	f.site.Handle(listingURL, listing(f.cfg.Selectors, item))
	ctx := context.Background()
	require.NoError(t, f.page.Navigate(ctx, listingURL))
	cards, err := f.page.QueryAll(ctx, f.cfg.Selectors.Card)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	require.NoError(t, os.MkdirAll(f.catalog.Dir, 0755))
	return f.page, cards[0], f
}

func (f *crawlFixture) extractor() *Extractor {
	return NewExtractor(f.cfg, f.fetcher, f.ledger, "run-test", testLogger())
}

func TestExtractItem_Downloaded(t *testing.T) {
	page, card, f := firstCard(t, sermon("a"))

	outcome, err := f.extractor().ExtractItem(context.Background(), page, f.catalog, card, 1, listingURL)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusDownloaded, outcome.Status)
	require.NotNil(t, outcome.Record)

	rec := outcome.Record
	assert.Equal(t, "sermons_2024-01-07_romans_john-smith_sermon-a.mp3", rec.Filename)
	assert.Equal(t, "Sermon a", rec.Title)
	assert.Equal(t, "2024-01-07", rec.Date)
	assert.Equal(t, "January 7, 2024", rec.RawDate)
	assert.Equal(t, "John Smith", rec.Speaker)
	assert.Equal(t, "Romans", rec.Series)
	assert.FileExists(t, filepath.Join(f.catalog.Dir, rec.Filename))

	entry, ok := f.ledger.get("sermons/" + rec.Filename)
	require.True(t, ok)
	assert.Equal(t, models.ItemStatusDownloaded, entry.Status)
	assert.Equal(t, "run-test", entry.RunID)
	assert.Equal(t, "fefa697a4cefdea8423d4655a14de4abcd8df23026b5a8d3d80374fcddeb09e2", entry.SHA256)
}

func TestExtractItem_MissingMetadataDefaults(t *testing.T) {
	item := mediaItem{id: "x", src: "https://cdn.site.test/x.mp3"}
	page, card, f := firstCard(t, item)

	outcome, err := f.extractor().ExtractItem(context.Background(), page, f.catalog, card, 4, listingURL)
	require.NoError(t, err)
	rec := outcome.Record
	assert.Equal(t, "untitled-4", rec.Title)
	assert.Equal(t, "", rec.RawDate)
	assert.Equal(t, parse.UnknownDate, rec.Date)
	assert.Equal(t, "unknown-speaker", rec.Speaker)
	assert.Equal(t, "unknown-series", rec.Series)
	assert.Equal(t, "sermons_unknown-date_unknown-series_unknown-speaker_untitled-4.mp3", rec.Filename)

	metadata := readFile(t, filepath.Join(f.catalog.Dir, "metadata.txt"))
	assert.Contains(t, metadata, "Date: \n")
}

func TestExtractItem_RelativeAssetURLWithQuery(t *testing.T) {
	item := sermon("q")
	item.src = "/media/q.mp3?token=abc.def"
	page, card, f := firstCard(t, item)

	outcome, err := f.extractor().ExtractItem(context.Background(), page, f.catalog, card, 1, listingURL)
	require.NoError(t, err)
	assert.Equal(t, "https://site.test/media/q.mp3?token=abc.def", outcome.Record.AssetURL)
	assert.Equal(t, "sermons_2024-01-07_romans_john-smith_sermon-q.mp3", outcome.Record.Filename)
	assert.Equal(t, []string{"https://site.test/media/q.mp3?token=abc.def"}, f.fetcher.Calls())
}

func TestExtractItem_ExistingFileSkipped(t *testing.T) {
	page, card, f := firstCard(t, sermon("a"))
	dest := filepath.Join(f.catalog.Dir, "sermons_2024-01-07_romans_john-smith_sermon-a.mp3")
	require.NoError(t, os.WriteFile(dest, []byte("earlier"), 0644))

	outcome, err := f.extractor().ExtractItem(context.Background(), page, f.catalog, card, 1, listingURL)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusSkipped, outcome.Status)
	assert.Empty(t, f.fetcher.Calls())
	assert.Equal(t, "earlier", readFile(t, dest))
	assert.Contains(t, readFile(t, filepath.Join(f.catalog.Dir, "metadata.txt")), "Filename: "+filepath.Base(dest))
}

func TestExtractItem_AssetTimeout(t *testing.T) {
	item := sermon("a")
	item.noAsset = true
	page, card, f := firstCard(t, item)

	outcome, err := f.extractor().ExtractItem(context.Background(), page, f.catalog, card, 2, listingURL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrAssetTimeout))
	assert.Equal(t, "Browser_AssetTimeout", utils.CategorizeError(err))
	assert.Equal(t, models.ItemStatusFailed, outcome.Status)
	assert.Nil(t, outcome.Record)

	failed := readFile(t, filepath.Join(f.catalog.Dir, "failed.txt"))
	assert.Contains(t, failed, "Item 2 on "+listingURL+"\n")
	assert.NoFileExists(t, filepath.Join(f.catalog.Dir, "metadata.txt"))
}

func TestExtractItem_ClickError(t *testing.T) {
	f := newCrawlFixture(t)
	card := browsertest.NewElement("broken", "data-id", "z")
	card.ClickErr = errors.New("element is not visible")
	f.site.Handle(listingURL, browsertest.NewDocument("").Add(f.cfg.Selectors.Card, card))
	ctx := context.Background()
	require.NoError(t, f.page.Navigate(ctx, listingURL))
	cards, _ := f.page.QueryAll(ctx, f.cfg.Selectors.Card)

	outcome, err := f.extractor().ExtractItem(ctx, f.page, f.catalog, cards[0], 1, listingURL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrBrowser))
	assert.Equal(t, models.ItemStatusFailed, outcome.Status)
	assert.Contains(t, readFile(t, filepath.Join(f.catalog.Dir, "failed.txt")), "element is not visible")
}

func TestExtractItem_SkippedLogsLedgerHistory(t *testing.T) {
	page, card, f := firstCard(t, sermon("a"))
	filename := "sermons_2024-01-07_romans_john-smith_sermon-a.mp3"
	require.NoError(t, os.WriteFile(filepath.Join(f.catalog.Dir, filename), []byte("earlier"), 0644))
	require.NoError(t, f.ledger.RecordItem("sermons", filename, models.LedgerEntry{Status: models.ItemStatusDownloaded, RunID: "run-old"}))

	logger, hook := test.NewNullLogger()
	ex := NewExtractor(f.cfg, f.fetcher, f.ledger, "run-test", logrus.NewEntry(logger))
	_, err := ex.ExtractItem(context.Background(), page, f.catalog, card, 1, listingURL)
	require.NoError(t, err)

	var skipped *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "Already downloaded" {
			skipped = e
		}
	}
	require.NotNil(t, skipped)
	assert.Equal(t, models.ItemStatusDownloaded, skipped.Data["previous_status"])
	assert.Equal(t, "run-old", skipped.Data["previous_run"])
	assert.Equal(t, 1, skipped.Data["attempts"])
}

func TestExtractItem_CancelledRunIsNotAnItemFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	item := sermon("a")
	item.onClick = cancel
	page, card, f := firstCard(t, item)

	outcome, err := f.extractor().ExtractItem(ctx, page, f.catalog, card, 1, listingURL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, models.ItemStatusUnset, outcome.Status)
	assert.NoFileExists(t, filepath.Join(f.catalog.Dir, "failed.txt"))
	assert.NoFileExists(t, filepath.Join(f.catalog.Dir, "metadata.txt"))
	assert.Zero(t, f.ledger.len())
}

func TestExtractItem_CancelledDuringDownload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	page, card, f := firstCard(t, sermon("a"))
	f.fetcher.onFetch = cancel

	outcome, err := f.extractor().ExtractItem(ctx, page, f.catalog, card, 1, listingURL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, models.ItemStatusUnset, outcome.Status)
	assert.NoFileExists(t, filepath.Join(f.catalog.Dir, "failed.txt"))
	assert.NoFileExists(t, filepath.Join(f.catalog.Dir, "metadata.txt"))
	assert.Zero(t, f.ledger.len())
}

func TestExtractItem_ItemTimeoutIsAnItemFailure(t *testing.T) {
	page, card, f := firstCard(t, sermon("a"))
	f.cfg.ItemTimeout = 20 * time.Millisecond
	f.fetcher.onFetch = func() { time.Sleep(50 * time.Millisecond) }

	outcome, err := f.extractor().ExtractItem(context.Background(), page, f.catalog, card, 1, listingURL)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusFetchFailed, outcome.Status)
	assert.True(t, errors.Is(outcome.Err, context.DeadlineExceeded))
	assert.FileExists(t, filepath.Join(f.catalog.Dir, "metadata.txt"))
}

func TestExtractItem_Cooldown(t *testing.T) {
	page, card, f := firstCard(t, sermon("a"))
	f.cfg.ItemCooldown = 100 * time.Millisecond

	start := time.Now()
	_, err := f.extractor().ExtractItem(context.Background(), page, f.catalog, card, 1, listingURL)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestExtractItem_CooldownHonoursCancellation(t *testing.T) {
	page, card, f := firstCard(t, sermon("a"))
	f.cfg.ItemCooldown = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.extractor().ExtractItem(ctx, page, f.catalog, card, 1, listingURL)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAssetFilename(t *testing.T) {
	tests := []struct {
		name                         string
		date, series, speaker, title string
		assetPath                    string
		expected                     string
	}{
		{"plain", "2024-01-07", "Romans", "John Smith", "Grace", "/a/b.mp3", "cat_2024-01-07_romans_john-smith_grace.mp3"},
		{"punctuation only", "unknown-date", "???", "", "!!!", "/x.MP3", "cat_unknown-date_untitled_untitled_untitled.MP3"},
		{"underscores never leak", "2024-01-07", "a_b", "c_d", "e_f", "/x.mp3", "cat_2024-01-07_a-b_c-d_e-f.mp3"},
		{"no extension", "2024-01-07", "s", "p", "t", "/stream", "cat_2024-01-07_s_p_t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, AssetFilename("cat", tt.date, tt.series, tt.speaker, tt.title, tt.assetPath))
		})
	}
}
