// Package crawler paginates one catalog listing and extracts every media item it shows.
package crawler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"media-harvester/pkg/browser"
	"media-harvester/pkg/config"
	"media-harvester/pkg/models"
	"media-harvester/pkg/parse"
	"media-harvester/pkg/utils"
)

// ItemExtractor is satisfied by *Extractor.
type ItemExtractor interface {
	ExtractItem(ctx context.Context, page browser.Page, catalog models.Catalog, card browser.Element, position int, pageURL string) (models.ItemOutcome, error)
}

// Crawler walks the numbered pages of a catalog until one repeats an item it has
// already seen.
type Crawler struct {
	cfg       *config.AppConfig
	extractor ItemExtractor
	log       *logrus.Entry
}

// NewCrawler creates a Crawler.
func NewCrawler(cfg *config.AppConfig, extractor ItemExtractor, log *logrus.Entry) *Crawler {
	return &Crawler{cfg: cfg, extractor: extractor, log: log}
}

// CrawlCatalog paginates catalog in page. Page 1 is the catalog URL, page n > 1 adds
// the page query parameter. A page sharing ANY identifier with an earlier page ends
// the crawl without being processed, since the site serves its last page again
// for out-of-range numbers.
//
// A listing page that fails to load aborts the catalog: the partial result is
// returned together with an ErrPageLoad error. Item failures never abort.
func (c *Crawler) CrawlCatalog(ctx context.Context, page browser.Page, catalog models.Catalog) (models.CatalogResult, error) {
	startTime := time.Now()
	result := models.CatalogResult{Catalog: catalog}
	catLog := c.log.WithField("catalog", catalog.Slug)

	finish := func(reason models.StopReason, err error) (models.CatalogResult, error) {
		result.StopReason = reason
		result.Err = err
		result.Duration = time.Since(startTime)
		return result, err
	}

	if err := os.MkdirAll(catalog.Dir, 0755); err != nil {
		return finish(models.StopReasonError, fmt.Errorf("%w: creating catalog folder '%s': %w", utils.ErrFilesystem, catalog.Dir, err))
	}
	journal := NewJournal(catalog.Dir, c.cfg)
	catLog.WithFields(logrus.Fields{
		"dir":      catalog.Dir,
		"metadata": journal.MetadataPath(),
		"failures": journal.FailurePath(),
	}).Info("Crawling catalog")

	seen := make(map[string]struct{})
	for pageNum := 1; ; pageNum++ {
		if err := ctx.Err(); err != nil {
			return finish(models.StopReasonCanceled, err)
		}
		if c.cfg.MaxPages > 0 && pageNum > c.cfg.MaxPages {
			catLog.Infof("Reached max_pages (%d), stopping pagination.", c.cfg.MaxPages)
			return finish(models.StopReasonMaxPages, nil)
		}

		pageURL := parse.PageURL(catalog.URL, c.cfg.PageQueryParam, pageNum)
		pageLog := catLog.WithFields(logrus.Fields{"page": pageNum, "page_url": pageURL})

		listing, cards, err := c.loadListing(ctx, page, pageNum, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return finish(models.StopReasonCanceled, err)
			}
			pageLog.Errorf("Listing page failed to load: %v", err)
			return finish(models.StopReasonError, err)
		}
		result.PagesVisited++
		pageLog.Infof("Found %d media cards", len(cards))

		if repeatsSeen(listing.IDs, seen) {
			pageLog.Info("Detected repeating page, stopping pagination.")
			return finish(models.StopReasonRepeat, nil)
		}
		for _, id := range listing.IDs {
			seen[id] = struct{}{}
		}

		for i, card := range cards {
			position := i + 1
			outcome, itemErr := c.extractor.ExtractItem(ctx, page, catalog, card, position, pageURL)
			if ctx.Err() != nil && outcome.Status == models.ItemStatusUnset {
				pageLog.Warnf("Run cancelled during item %d", position)
				return finish(models.StopReasonCanceled, ctx.Err())
			}
			outcome.ID = listing.IDs[i]
			if outcome.Status == models.ItemStatusUnset && itemErr != nil {
				outcome.Status = models.ItemStatusFailed
			}
			result.Record(outcome)

			if ctx.Err() != nil {
				pageLog.Warnf("Run cancelled after item %d", position)
				return finish(models.StopReasonCanceled, ctx.Err())
			}
		}
	}
}

// loadListing navigates to one listing page, waits for the first card and reads
// the identifiers of every card in DOM order.
func (c *Crawler) loadListing(ctx context.Context, page browser.Page, pageNum int, pageURL string) (models.ListingPage, []browser.Element, error) {
	listing := models.ListingPage{Number: pageNum, URL: pageURL}
	cardSel := c.cfg.Selectors.Card

	loadCtx := ctx
	if c.cfg.PageLoadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, c.cfg.PageLoadTimeout)
		defer cancel()
	}
	if err := page.Navigate(loadCtx, pageURL); err != nil {
		return listing, nil, fmt.Errorf("%w: navigating to %s: %w", utils.ErrPageLoad, pageURL, err)
	}
	if err := page.WaitPresent(loadCtx, cardSel); err != nil {
		return listing, nil, fmt.Errorf("%w: no %q on %s within %v: %w", utils.ErrPageLoad, cardSel, pageURL, c.cfg.PageLoadTimeout, err)
	}

	cards, err := page.QueryAll(ctx, cardSel)
	if err != nil {
		return listing, nil, fmt.Errorf("%w: listing cards on %s: %w", utils.ErrBrowser, pageURL, err)
	}
	if len(cards) == 0 {
		return listing, nil, fmt.Errorf("%w: %q vanished from %s", utils.ErrPageLoad, cardSel, pageURL)
	}
	listing.IDs = make([]string, len(cards))
	for i, card := range cards {
		id, err := c.identify(ctx, card, i)
		if err != nil {
			return listing, nil, fmt.Errorf("%w: reading card %d identifier on %s: %w", utils.ErrBrowser, i+1, pageURL, err)
		}
		listing.IDs[i] = id
	}
	return listing, cards, nil
}

// identify returns the card's id attribute, falling back to its 0-based DOM
// position (idx-<n>) or, in content mode, a hash of its text.
func (c *Crawler) identify(ctx context.Context, card browser.Element, index int) (string, error) {
	if attr := c.cfg.Selectors.CardIDAttr; attr != "" {
		id, ok, err := card.Attribute(ctx, attr)
		if err != nil {
			return "", err
		}
		if ok && id != "" {
			return id, nil
		}
	}
	if c.cfg.IdentifierFallback == config.IdentifierFallbackContent {
		text, err := card.Text(ctx)
		if err != nil {
			return "", err
		}
		return utils.ContentID(text), nil
	}
	return fmt.Sprintf("idx-%d", index), nil
}

// repeatsSeen reports whether any id was already seen.
func repeatsSeen(ids []string, seen map[string]struct{}) bool {
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return true
		}
	}
	return false
}
