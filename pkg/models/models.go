package models

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"media-harvester/pkg/parse"
	"media-harvester/pkg/utils"
)

// Catalog is one category listing on the site. It owns Dir and everything in it.
type Catalog struct {
	URL  *url.URL
	Slug string // From the last path segment, prefixes every asset filename
	Dir  string // <output_base_dir>/<Slug>
}

// NewCatalog derives the catalog slug and folder from its base URL.
// The folder is not created here.
func NewCatalog(rawURL, outputBaseDir string) (Catalog, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Catalog{}, fmt.Errorf("%w: catalog URL '%s': %w", utils.ErrParsing, rawURL, err)
	}
	if u.Host == "" {
		return Catalog{}, fmt.Errorf("%w: catalog URL '%s' has no host", utils.ErrParsing, rawURL)
	}
	slug := utils.SanitizeFilename(parse.LastPathSegment(u))
	return Catalog{
		URL:  u,
		Slug: slug,
		Dir:  filepath.Join(outputBaseDir, slug),
	}, nil
}

// String implements fmt.Stringer for logging
func (c Catalog) String() string {
	if c.URL == nil {
		return c.Slug
	}
	return c.URL.String()
}

// ListingPage is the ordered set of item identifiers seen on one page visit.
type ListingPage struct {
	Number int
	URL    string
	IDs    []string
}

// MediaRecord is the descriptive data of one extracted item. Never mutated after creation.
type MediaRecord struct {
	Filename string
	Title    string // As displayed, or the untitled-<n> fallback
	Date     string // YYYY-MM-DD or parse.UnknownDate
	RawDate  string // As displayed
	Speaker  string
	Series   string
	AssetURL string
}

// FailureRecord documents one item that could not be processed.
type FailureRecord struct {
	Position int // 1-based DOM position on the listing page
	PageURL  string
	Err      string
}

// ItemOutcome is the result of running the extractor on one card.
type ItemOutcome struct {
	Position int
	ID       string
	Status   ItemStatus
	Record   *MediaRecord // nil when Status is ItemStatusFailed
	Err      error        // Fetch error for ItemStatusFetchFailed, extraction error for ItemStatusFailed
}

// LedgerEntry is the stored state of one asset, keyed by catalog slug and filename.
type LedgerEntry struct {
	Status      ItemStatus `json:"status"`
	AssetURL    string     `json:"asset_url"`
	Title       string     `json:"title,omitempty"`
	Date        string     `json:"date,omitempty"`
	Attempts    int        `json:"attempts"`
	ErrorType   string     `json:"error_type,omitempty"`
	SHA256      string     `json:"sha256,omitempty"` // Of the downloaded file
	LastAttempt time.Time  `json:"last_attempt"`
	RunID       string     `json:"run_id,omitempty"`
}

// CatalogResult summarizes one CrawlCatalog call.
type CatalogResult struct {
	Catalog        Catalog
	PagesVisited   int
	ItemsAttempted int
	Downloaded     int
	Skipped        int
	FetchFailed    int
	ItemFailed     int
	StopReason     StopReason
	Err            error
	Duration       time.Duration
}

// Record tallies one item outcome into the result.
func (r *CatalogResult) Record(o ItemOutcome) {
	r.ItemsAttempted++
	switch o.Status {
	case ItemStatusDownloaded:
		r.Downloaded++
	case ItemStatusSkipped:
		r.Skipped++
	case ItemStatusFetchFailed:
		r.FetchFailed++
	case ItemStatusFailed:
		r.ItemFailed++
	}
}
