// Package orchestrate runs catalog discovery and then crawls every catalog found.
package orchestrate

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"media-harvester/pkg/browser"
	"media-harvester/pkg/config"
	"media-harvester/pkg/models"
	"media-harvester/pkg/utils"
)

// Discoverer is satisfied by *catalog.Discoverer.
type Discoverer interface {
	Discover(ctx context.Context, page browser.Page, entryURL string) ([]string, error)
}

// CatalogCrawler is satisfied by *crawler.Crawler.
type CatalogCrawler interface {
	CrawlCatalog(ctx context.Context, page browser.Page, catalog models.Catalog) (models.CatalogResult, error)
}

// RunSummary is the outcome of a whole run.
type RunSummary struct {
	Catalogs []string               // Discovered catalog URLs, sorted
	Results  []models.CatalogResult // One per catalog, in Catalogs order
	Duration time.Duration
}

// Failed returns the number of catalogs that ended with an error.
func (s RunSummary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Orchestrator owns the browser pages and drives discovery and crawling.
type Orchestrator struct {
	cfg        *config.AppConfig
	session    browser.Session
	discoverer Discoverer
	crawler    CatalogCrawler
	log        *logrus.Entry
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg *config.AppConfig, session browser.Session, discoverer Discoverer, crawler CatalogCrawler, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		session:    session,
		discoverer: discoverer,
		crawler:    crawler,
		log:        log,
	}
}

// Run discovers the catalogs and crawls each of them. With num_workers 1 (the default)
// everything happens on one page, strictly in sorted catalog order.
// Catalog failures are collected in the summary and never stop the run; only a
// failure to open a page or to discover catalogs is returned as an error.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	startTime := time.Now()
	summary := RunSummary{}

	firstPage, err := o.session.NewPage(ctx)
	if err != nil {
		return summary, fmt.Errorf("%w: opening page: %w", utils.ErrBrowser, err)
	}
	pages := []browser.Page{firstPage}
	defer func() {
		for _, p := range pages {
			p.Close()
		}
	}()

	catalogURLs, err := o.discoverer.Discover(ctx, firstPage, o.cfg.EntryURL)
	if err != nil {
		return summary, fmt.Errorf("catalog discovery failed: %w", err)
	}
	summary.Catalogs = catalogURLs
	summary.Results = make([]models.CatalogResult, len(catalogURLs))
	o.log.Infof("Found %d catalogs to process", len(catalogURLs))

	workers := o.cfg.NumWorkers
	if workers > len(catalogURLs) {
		workers = len(catalogURLs)
	}
	for len(pages) < workers {
		p, err := o.session.NewPage(ctx)
		if err != nil {
			o.log.Warnf("Could not open page %d, continuing with %d workers: %v", len(pages)+1, len(pages), err)
			break
		}
		pages = append(pages, p)
	}

	pool := make(chan browser.Page, len(pages))
	for _, p := range pages {
		pool <- p
	}

	var g errgroup.Group
	g.SetLimit(len(pages))

	for i, rawURL := range catalogURLs {
		catalog, err := models.NewCatalog(rawURL, o.cfg.OutputBaseDir)
		if err != nil {
			o.log.WithField("url", rawURL).Errorf("Skipping catalog: %v", err)
			summary.Results[i] = models.CatalogResult{StopReason: models.StopReasonError, Err: err}
			continue
		}
		if ctx.Err() != nil {
			summary.Results[i] = models.CatalogResult{Catalog: catalog, StopReason: models.StopReasonCanceled, Err: ctx.Err()}
			continue
		}

		g.Go(func() error {
			page := <-pool
			defer func() { pool <- page }()
			summary.Results[i] = o.crawlCatalog(ctx, page, catalog)
			return nil
		})
	}
	g.Wait()

	summary.Duration = time.Since(startTime)
	o.logSummary(summary)
	return summary, nil
}

// crawlCatalog runs one catalog, converting a panic into a failed result.
func (o *Orchestrator) crawlCatalog(ctx context.Context, page browser.Page, catalog models.Catalog) (result models.CatalogResult) {
	catLog := o.log.WithField("catalog", catalog.Slug)
	defer func() {
		if r := recover(); r != nil {
			catLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered while crawling catalog")
			result = models.CatalogResult{Catalog: catalog, StopReason: models.StopReasonError, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err := o.crawler.CrawlCatalog(ctx, page, catalog)
	if err != nil {
		result.Err = err
		catLog.WithField("error_type", utils.CategorizeError(err)).Errorf("Failed to process %s: %v", catalog, err)
	}
	return result
}

// logSummary logs a summary of all catalog results
func (o *Orchestrator) logSummary(s RunSummary) {
	o.log.Info("============================================")
	o.log.Infof("Run completed in %v", s.Duration)
	o.log.Info("Catalog Results:")

	var downloaded, skipped, fetchFailed, itemFailed int
	for i, r := range s.Results {
		status := "SUCCESS"
		if r.Err != nil {
			status = "FAILED"
		}
		downloaded += r.Downloaded
		skipped += r.Skipped
		fetchFailed += r.FetchFailed
		itemFailed += r.ItemFailed

		o.log.Infof("  %s: %s - %d pages, %d items (%d downloaded, %d skipped, %d fetch failed, %d failed), stop: %s, in %v",
			s.Catalogs[i], status, r.PagesVisited, r.ItemsAttempted, r.Downloaded, r.Skipped, r.FetchFailed, r.ItemFailed, r.StopReason, r.Duration)
		if r.Err != nil {
			o.log.Infof("    Error: %v", r.Err)
		}
	}

	o.log.Info("--------------------------------------------")
	o.log.Infof("Total: %d catalogs (%d failed), %d downloaded, %d skipped, %d fetch failed, %d item failures",
		len(s.Results), s.Failed(), downloaded, skipped, fetchFailed, itemFailed)
	o.log.Info("============================================")
}
