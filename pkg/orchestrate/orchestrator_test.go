package orchestrate

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"media-harvester/pkg/browser"
	"media-harvester/pkg/browser/browsertest"
	"media-harvester/pkg/catalog"
	"media-harvester/pkg/config"
	"media-harvester/pkg/crawler"
	"media-harvester/pkg/models"
	"media-harvester/pkg/utils"
)

const entryURL = "https://site.test/seminars"

// Workers must all be gone once Run returns.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := config.Default()
	cfg.EntryURL = entryURL
	cfg.OutputBaseDir = t.TempDir()
	cfg.ItemCooldown = 0
	return &cfg
}

type staticDiscoverer struct {
	urls []string
	err  error
}

func (d staticDiscoverer) Discover(context.Context, browser.Page, string) ([]string, error) {
	return d.urls, d.err
}

// recordingCrawler records catalog order and peak concurrency.
type recordingCrawler struct {
	mu      sync.Mutex
	order   []string
	pages   map[browser.Page]struct{}
	active  atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
	failFor string
	panicOn string
}

func (c *recordingCrawler) CrawlCatalog(ctx context.Context, page browser.Page, cat models.Catalog) (models.CatalogResult, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}

	c.mu.Lock()
	c.order = append(c.order, cat.Slug)
	if c.pages == nil {
		c.pages = make(map[browser.Page]struct{})
	}
	c.pages[page] = struct{}{}
	c.mu.Unlock()

	if cat.Slug == c.panicOn {
		panic("boom")
	}
	time.Sleep(c.delay)
	result := models.CatalogResult{Catalog: cat, PagesVisited: 1, StopReason: models.StopReasonRepeat}
	if cat.Slug == c.failFor {
		err := utils.ErrPageLoad
		result.StopReason = models.StopReasonError
		return result, err
	}
	return result, nil
}

func TestRun_SequentialSortedOrder(t *testing.T) {
	cfg := testConfig(t)
	site := browsertest.NewSite()
	rc := &recordingCrawler{}
	urls := []string{"https://site.test/events", "https://site.test/sermons", "https://site.test/studies"}

	summary, err := NewOrchestrator(cfg, site, staticDiscoverer{urls: urls}, rc, testLogger()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"events", "sermons", "studies"}, rc.order)
	assert.Equal(t, int32(1), rc.peak.Load())
	assert.Equal(t, 1, site.PagesOpened())
	assert.Len(t, rc.pages, 1)
	require.Len(t, summary.Results, 3)
	assert.Equal(t, 0, summary.Failed())
}

func TestRun_CatalogFailureDoesNotAbort(t *testing.T) {
	cfg := testConfig(t)
	rc := &recordingCrawler{failFor: "events", panicOn: "sermons"}
	urls := []string{"https://site.test/events", "https://site.test/sermons", "https://site.test/studies"}

	summary, err := NewOrchestrator(cfg, browsertest.NewSite(), staticDiscoverer{urls: urls}, rc, testLogger()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"events", "sermons", "studies"}, rc.order)
	assert.Equal(t, 2, summary.Failed())
	assert.True(t, errors.Is(summary.Results[0].Err, utils.ErrPageLoad))
	assert.Contains(t, summary.Results[1].Err.Error(), "panic: boom")
	assert.NoError(t, summary.Results[2].Err)
}

func TestRun_DiscoveryFailure(t *testing.T) {
	cfg := testConfig(t)
	rc := &recordingCrawler{}
	discoverErr := errors.New("entry page unreachable")

	_, err := NewOrchestrator(cfg, browsertest.NewSite(), staticDiscoverer{err: discoverErr}, rc, testLogger()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, discoverErr))
	assert.Empty(t, rc.order)
}

func TestRun_NoCatalogs(t *testing.T) {
	cfg := testConfig(t)
	summary, err := NewOrchestrator(cfg, browsertest.NewSite(), staticDiscoverer{}, &recordingCrawler{}, testLogger()).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Results)
}

func TestRun_WorkersGetOwnPages(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumWorkers = 2
	site := browsertest.NewSite()
	rc := &recordingCrawler{delay: 50 * time.Millisecond}
	urls := []string{"https://site.test/a", "https://site.test/b", "https://site.test/c", "https://site.test/d"}

	summary, err := NewOrchestrator(cfg, site, staticDiscoverer{urls: urls}, rc, testLogger()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, site.PagesOpened())
	assert.LessOrEqual(t, rc.peak.Load(), int32(2))
	assert.Len(t, rc.pages, 2)
	require.Len(t, summary.Results, 4)
	for i, r := range summary.Results {
		assert.Equal(t, urls[i], r.Catalog.URL.String(), "results keep catalog order")
	}
}

func TestRun_CancelledBeforeCatalogs(t *testing.T) {
	cfg := testConfig(t)
	rc := &recordingCrawler{}
	ctx, cancel := context.WithCancel(context.Background())

	disc := cancelingDiscoverer{cancel: cancel, urls: []string{"https://site.test/a", "https://site.test/b"}}
	summary, err := NewOrchestrator(cfg, browsertest.NewSite(), disc, rc, testLogger()).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, rc.order)
	for _, r := range summary.Results {
		assert.Equal(t, models.StopReasonCanceled, r.StopReason)
	}
}

type cancelingDiscoverer struct {
	cancel context.CancelFunc
	urls   []string
}

func (d cancelingDiscoverer) Discover(context.Context, browser.Page, string) ([]string, error) {
	d.cancel()
	return d.urls, nil
}

// fileFetcher writes every asset it is asked for.
type fileFetcher struct{}

func (fileFetcher) Fetch(_ context.Context, assetURL, dest string) (int64, error) {
	return int64(len(assetURL)), os.WriteFile(dest, []byte(assetURL), 0644)
}

func mediaCard(sel config.SelectorConfig, id, title string) *browsertest.Element {
	card := browsertest.NewElement(title, sel.CardIDAttr, id)
	card.OnClick = func(doc *browsertest.Document) {
		doc.Set(sel.AssetSource, browsertest.NewElement("", "src", "https://cdn.site.test/"+id+".mp3"))
		doc.Set(sel.Title, browsertest.NewElement(title))
		doc.Set(sel.Date, browsertest.NewElement("March 3, 2023"))
	}
	return card
}

func TestRun_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	sel := cfg.Selectors
	site := browsertest.NewSite()
	site.Handle(entryURL, browsertest.NewDocument(`<html><body>
		<a href="/seminars">Seminars</a>
		<a href="/sermons">Sermons</a>
		<a href="/sermons">Sermons</a>
		<a href="/events">Events</a>
	</body></html>`))
	// events never shows a card, so that catalog aborts
	site.Handle("https://site.test/events", browsertest.NewDocument(""))
	site.Handle("https://site.test/sermons", browsertest.NewDocument("").
		Add(sel.Card, mediaCard(sel, "1", "Grace"), mediaCard(sel, "2", "Faith")))
	site.Handle("https://site.test/sermons?page=2", browsertest.NewDocument("").
		Add(sel.Card, mediaCard(sel, "2", "Faith"), mediaCard(sel, "3", "Hope")))

	log := testLogger()
	disc := catalog.NewDiscoverer(cfg, nil, log)
	ex := crawler.NewExtractor(cfg, fileFetcher{}, nil, "run-e2e", log)
	cr := crawler.NewCrawler(cfg, ex, log)

	summary, err := NewOrchestrator(cfg, site, disc, cr, log).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"https://site.test/events", "https://site.test/sermons"}, summary.Catalogs)
	require.Len(t, summary.Results, 2)
	assert.True(t, errors.Is(summary.Results[0].Err, utils.ErrPageLoad))
	assert.NoError(t, summary.Results[1].Err)
	assert.Equal(t, 2, summary.Results[1].Downloaded)

	sermonsDir := filepath.Join(cfg.OutputBaseDir, "sermons")
	assert.FileExists(t, filepath.Join(sermonsDir, "sermons_2023-03-03_unknown-series_unknown-speaker_grace.mp3"))
	assert.FileExists(t, filepath.Join(sermonsDir, "sermons_2023-03-03_unknown-series_unknown-speaker_faith.mp3"))
	assert.NoFileExists(t, filepath.Join(sermonsDir, "sermons_2023-03-03_unknown-series_unknown-speaker_hope.mp3"))

	metadata, err := os.ReadFile(filepath.Join(sermonsDir, "metadata.txt"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(metadata), "Filename: "))
	assert.DirExists(t, filepath.Join(cfg.OutputBaseDir, "events"))
}
