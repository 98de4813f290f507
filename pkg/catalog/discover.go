// Package catalog finds the category listing pages linked from the site's entry page.
package catalog

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"media-harvester/pkg/browser"
	"media-harvester/pkg/config"
	"media-harvester/pkg/parse"
	"media-harvester/pkg/utils"
)

// RobotsPolicy decides whether a URL may be crawled. *fetch.RobotsChecker satisfies it.
type RobotsPolicy interface {
	Allowed(ctx context.Context, u *url.URL) bool
}

// Discoverer extracts catalog URLs from the rendered entry page.
type Discoverer struct {
	cfg    *config.AppConfig
	robots RobotsPolicy // nil = no robots filtering
	log    *logrus.Entry
}

// NewDiscoverer creates a Discoverer. robots may be nil.
func NewDiscoverer(cfg *config.AppConfig, robots RobotsPolicy, log *logrus.Entry) *Discoverer {
	return &Discoverer{cfg: cfg, robots: robots, log: log}
}

// Discover loads entryURL in page and returns the deduplicated, lexicographically
// sorted absolute URLs of every same-host link other than the entry page itself.
// Fragments are dropped and trailing slashes are ignored when comparing against the entry.
func (d *Discoverer) Discover(ctx context.Context, page browser.Page, entryURL string) ([]string, error) {
	entry, err := url.Parse(entryURL)
	if err != nil || entry.Host == "" {
		return nil, fmt.Errorf("%w: invalid entry URL '%s': %v", utils.ErrParsing, entryURL, err)
	}
	discLog := d.log.WithField("entry_url", entryURL)
	discLog.Info("Discovering catalogs...")

	navCtx := ctx
	if d.cfg.PageLoadTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, d.cfg.PageLoadTimeout)
		defer cancel()
	}
	if err := page.Navigate(navCtx, entryURL); err != nil {
		return nil, fmt.Errorf("%w: navigating to entry page: %w", utils.ErrPageLoad, err)
	}
	landed := entry
	if loc, err := page.Location(ctx); err != nil {
		discLog.Warnf("Could not read final entry page location, using entry URL: %v", err)
	} else if u, err := url.Parse(loc); err == nil && u.Host != "" {
		landed = u
		if landed.String() != entry.String() {
			discLog.WithField("landed_url", loc).Info("Entry page redirected")
		}
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: reading entry page: %w", utils.ErrBrowser, err)
	}

	links, err := ExtractLinks(html, entry, landed)
	if err != nil {
		return nil, err
	}

	if d.robots != nil {
		allowed := links[:0]
		for _, link := range links {
			u, _ := url.Parse(link)
			if d.robots.Allowed(ctx, u) {
				allowed = append(allowed, link)
				continue
			}
			discLog.WithField("url", link).Info("Skipping catalog disallowed by robots.txt")
		}
		links = allowed
	}

	discLog.WithField("count", len(links)).Info("Catalog discovery finished")
	return links, nil
}

// ExtractLinks applies the catalog link rules to an HTML document requested as entry
// and rendered at landed. Links resolve against landed; either host counts as the
// site and neither page counts as a catalog.
func ExtractLinks(html string, entry, landed *url.URL) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: entry page HTML: %w", utils.ErrParsing, err)
	}

	entryPath := parse.NormalizedPath(entry)
	landedPath := parse.NormalizedPath(landed)
	unique := make(map[string]struct{})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		u, err := landed.Parse(href)
		if err != nil {
			return
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return
		}
		if !strings.EqualFold(u.Host, entry.Host) && !strings.EqualFold(u.Host, landed.Host) {
			return
		}
		if p := parse.NormalizedPath(u); p == entryPath || p == landedPath {
			return
		}
		u.Fragment = ""
		u.RawFragment = ""
		unique[u.String()] = struct{}{}
	})

	links := make([]string, 0, len(unique))
	for link := range unique {
		links = append(links, link)
	}
	sort.Strings(links)
	return links, nil
}
