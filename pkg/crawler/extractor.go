package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"media-harvester/pkg/browser"
	"media-harvester/pkg/config"
	"media-harvester/pkg/models"
	"media-harvester/pkg/parse"
	"media-harvester/pkg/storage"
	"media-harvester/pkg/utils"
)

// Fallbacks for metadata the player does not show.
const (
	unknownSpeaker = "unknown-speaker"
	unknownSeries  = "unknown-series"
)

// errItemTimeout is the cancellation cause of an item that ran out of ItemTimeout.
var errItemTimeout = errors.New("item timeout exceeded")

// AssetDownloader is satisfied by *fetch.AssetFetcher.
type AssetDownloader interface {
	Fetch(ctx context.Context, assetURL, dest string) (int64, error)
}

// Extractor processes one media card: reveals its asset, names it, downloads it
// and journals the result.
type Extractor struct {
	cfg     *config.AppConfig
	fetcher AssetDownloader
	ledger  storage.Ledger
	runID   string
	log     *logrus.Entry
}

// NewExtractor creates an Extractor. A nil ledger records nothing.
func NewExtractor(cfg *config.AppConfig, fetcher AssetDownloader, ledger storage.Ledger, runID string, log *logrus.Entry) *Extractor {
	if ledger == nil {
		ledger = storage.NopLedger{}
	}
	return &Extractor{cfg: cfg, fetcher: fetcher, ledger: ledger, runID: runID, log: log}
}

// ExtractItem runs the extraction steps for card, the 1-based position-th card of pageURL.
// A download failure is not an item failure: the record is still journaled and the
// outcome is ItemStatusFetchFailed. Any other error (or panic) is written to the
// failure journal and returned with ItemStatusFailed; the caller moves on to the next card.
//
// When ctx itself ends mid-item the work is abandoned: nothing is journaled or
// recorded, the status stays ItemStatusUnset and the error wraps ctx.Err().
func (e *Extractor) ExtractItem(ctx context.Context, page browser.Page, catalog models.Catalog, card browser.Element, position int, pageURL string) (models.ItemOutcome, error) {
	startTime := time.Now()
	itemLog := e.log.WithFields(logrus.Fields{"catalog": catalog.Slug, "page_url": pageURL, "position": position})
	journal := NewJournal(catalog.Dir, e.cfg)

	itemCtx := ctx
	if e.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeoutCause(ctx, e.cfg.ItemTimeout, errItemTimeout)
		defer cancel()
	}

	outcome, err := e.extractSafely(itemCtx, page, catalog, card, position, pageURL, journal, itemLog)
	outcome.Position = position

	if err != nil && ctx.Err() != nil {
		if !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		itemLog.WithField("duration", time.Since(startTime).String()).Infof("Item abandoned, run stopping: %v", err)
		return models.ItemOutcome{Position: position, Err: err}, err
	}
	if err != nil {
		outcome.Status = models.ItemStatusFailed
		outcome.Err = err
		outcome.Record = nil
		itemLog.WithFields(logrus.Fields{
			"error_type": utils.CategorizeError(err),
			"duration":   time.Since(startTime).String(),
		}).Warnf("Error processing item: %v", err)

		if jErr := journal.AppendFailure(models.FailureRecord{Position: position, PageURL: pageURL, Err: err.Error()}); jErr != nil {
			itemLog.WithField("journal", journal.FailurePath()).Errorf("Failed to journal item failure: %v", jErr)
		}
		e.recordLedger(catalog.Slug, failureLedgerName(pageURL, position), models.LedgerEntry{
			Status:    models.ItemStatusFailed,
			ErrorType: utils.CategorizeError(err),
		}, itemLog)
		return outcome, err
	}

	itemLog.WithFields(logrus.Fields{
		"status":   outcome.Status,
		"filename": outcome.Record.Filename,
		"duration": time.Since(startTime).String(),
	}).Info("Item processed")

	// Cooldown follows completed items only; a failed item moves on immediately.
	if e.cfg.ItemCooldown > 0 {
		timer := time.NewTimer(e.cfg.ItemCooldown)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	return outcome, nil
}

// extractSafely converts a panic in any extraction step into an error.
func (e *Extractor) extractSafely(ctx context.Context, page browser.Page, catalog models.Catalog, card browser.Element, position int, pageURL string, journal *Journal, itemLog *logrus.Entry) (outcome models.ItemOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			itemLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"stage":       "PanicRecovery",
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in ExtractItem")
		}
	}()
	return e.extract(ctx, page, catalog, card, position, pageURL, journal, itemLog)
}

func (e *Extractor) extract(ctx context.Context, page browser.Page, catalog models.Catalog, card browser.Element, position int, pageURL string, journal *Journal, itemLog *logrus.Entry) (models.ItemOutcome, error) {
	sel := e.cfg.Selectors

	// 1. Activate the card so the player loads its asset.
	if err := card.ScrollIntoView(ctx); err != nil {
		return models.ItemOutcome{}, browserErr(ctx, "scrolling card into view", err)
	}
	if err := card.Click(ctx); err != nil {
		return models.ItemOutcome{}, browserErr(ctx, "clicking card", err)
	}

	// 2. Wait for the asset source.
	waitCtx := ctx
	if e.cfg.AssetWaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.cfg.AssetWaitTimeout)
		defer cancel()
	}
	src, err := page.WaitAttributeContains(waitCtx, sel.AssetSource, "src", e.cfg.AssetMarker)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return models.ItemOutcome{}, fmt.Errorf("%w: no %q source within %v: %w", utils.ErrAssetTimeout, e.cfg.AssetMarker, e.cfg.AssetWaitTimeout, err)
		}
		return models.ItemOutcome{}, browserErr(ctx, "waiting for asset source", err)
	}

	// 3. Read the asset URL and the displayed metadata.
	assetURL, err := resolveAssetURL(pageURL, src)
	if err != nil {
		return models.ItemOutcome{}, err
	}
	title, err := e.textOr(ctx, page, sel.Title, fmt.Sprintf("untitled-%d", position))
	if err != nil {
		return models.ItemOutcome{}, err
	}
	rawDate, err := e.textOr(ctx, page, sel.Date, "")
	if err != nil {
		return models.ItemOutcome{}, err
	}
	speaker, err := e.textOr(ctx, page, sel.Speaker, unknownSpeaker)
	if err != nil {
		return models.ItemOutcome{}, err
	}
	series, err := e.textOr(ctx, page, sel.Series, unknownSeries)
	if err != nil {
		return models.ItemOutcome{}, err
	}

	// 4-5. Derive the deterministic filename.
	date := parse.NormalizeDate(rawDate)
	filename := AssetFilename(catalog.Slug, date, series, speaker, title, assetURL.Path)
	record := &models.MediaRecord{
		Filename: filename,
		Title:    title,
		Date:     date,
		RawDate:  rawDate,
		Speaker:  speaker,
		Series:   series,
		AssetURL: assetURL.String(),
	}

	if err := os.MkdirAll(catalog.Dir, 0755); err != nil {
		return models.ItemOutcome{}, fmt.Errorf("%w: creating catalog folder '%s': %w", utils.ErrFilesystem, catalog.Dir, err)
	}
	dest := filepath.Join(catalog.Dir, filename)
	outcome := models.ItemOutcome{Record: record}
	fileLog := itemLog.WithField("filename", filename)

	// 6-7. The file on disk is the only proof of an earlier download.
	var sha string
	switch _, statErr := os.Stat(dest); {
	case statErr == nil:
		outcome.Status = models.ItemStatusSkipped
		skipLog := fileLog
		if prev, found, err := e.ledger.Item(catalog.Slug, filename); err != nil {
			skipLog.Debugf("Ledger lookup failed: %v", err)
		} else if found {
			skipLog = skipLog.WithFields(logrus.Fields{
				"previous_status": prev.Status,
				"previous_run":    prev.RunID,
				"attempts":        prev.Attempts,
			})
		}
		skipLog.Info("Already downloaded")
	case !errors.Is(statErr, os.ErrNotExist):
		return models.ItemOutcome{}, fmt.Errorf("%w: checking '%s': %w", utils.ErrFilesystem, dest, statErr)
	default:
		n, fetchErr := e.fetcher.Fetch(ctx, record.AssetURL, dest)
		if fetchErr != nil && runStopped(ctx) {
			return models.ItemOutcome{}, fmt.Errorf("downloading %s: %w", record.AssetURL, fetchErr)
		}
		if fetchErr != nil {
			outcome.Status = models.ItemStatusFetchFailed
			outcome.Err = fetchErr
			fileLog.WithField("error_type", utils.CategorizeError(fetchErr)).Warnf("Failed to download %s: %v", record.AssetURL, fetchErr)
		} else {
			outcome.Status = models.ItemStatusDownloaded
			fileLog.WithField("bytes", n).Info("Downloaded")
			if sum, hashErr := utils.AssetSHA256(dest); hashErr == nil {
				sha = sum
			} else {
				fileLog.Warnf("Could not hash downloaded file: %v", hashErr)
			}
		}
	}

	if err := journal.AppendRecord(*record); err != nil {
		fileLog.WithField("journal", journal.MetadataPath()).Errorf("Failed to journal record: %v", err)
		return models.ItemOutcome{}, err
	}

	entry := models.LedgerEntry{
		Status:   outcome.Status,
		AssetURL: record.AssetURL,
		Title:    record.Title,
		Date:     record.Date,
		SHA256:   sha,
	}
	if outcome.Err != nil {
		entry.ErrorType = utils.CategorizeError(outcome.Err)
	}
	e.recordLedger(catalog.Slug, filename, entry, fileLog)
	return outcome, nil
}

// textOr returns the trimmed text of selector, or fallback when nothing matches.
func (e *Extractor) textOr(ctx context.Context, page browser.Page, selector, fallback string) (string, error) {
	text, found, err := page.Text(ctx, selector)
	if err != nil {
		return "", browserErr(ctx, fmt.Sprintf("reading %q", selector), err)
	}
	if !found {
		return fallback, nil
	}
	return strings.TrimSpace(text), nil
}

func (e *Extractor) recordLedger(catalogSlug, name string, entry models.LedgerEntry, log *logrus.Entry) {
	entry.RunID = e.runID
	if err := e.ledger.RecordItem(catalogSlug, name, entry); err != nil {
		log.Warnf("Failed to record item in ledger: %v", err)
	}
}

// AssetFilename builds <catalog>_<date>_<series>_<speaker>_<title><ext>. The
// extension is taken from the asset URL path, so query strings never leak into it.
func AssetFilename(catalogSlug, date, series, speaker, title, assetPath string) string {
	return fmt.Sprintf("%s_%s_%s_%s_%s%s",
		catalogSlug,
		date,
		utils.Slugify(series),
		utils.Slugify(speaker),
		utils.Slugify(title),
		path.Ext(assetPath),
	)
}

// resolveAssetURL resolves the player src against the listing page URL.
func resolveAssetURL(pageURL, src string) (*url.URL, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: page URL '%s': %w", utils.ErrParsing, pageURL, err)
	}
	ref, err := url.Parse(strings.TrimSpace(src))
	if err != nil {
		return nil, fmt.Errorf("%w: asset URL '%s': %w", utils.ErrParsing, src, err)
	}
	return base.ResolveReference(ref), nil
}

// failureLedgerName keys failed items, which never got a filename, by where they were seen.
func failureLedgerName(pageURL string, position int) string {
	return fmt.Sprintf("#failed:%d@%s", position, pageURL)
}

// runStopped reports whether ctx ended for a reason other than the item's own timeout.
func runStopped(ctx context.Context) bool {
	return ctx.Err() != nil && !errors.Is(context.Cause(ctx), errItemTimeout)
}

// browserErr wraps a browser failure, surfacing cancellation of the item as is.
func browserErr(ctx context.Context, action string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, ctxErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("%s: %w", action, err)
	}
	return fmt.Errorf("%w: %s: %w", utils.ErrBrowser, action, err)
}
