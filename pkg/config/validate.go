package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"media-harvester/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// EntryURL is the only setting that cannot be defaulted away
	entry, parseErr := url.ParseRequestURI(strings.TrimSpace(c.EntryURL))
	if parseErr != nil || entry.Host == "" {
		return warnings, fmt.Errorf("%w: entry_url '%s' is not an absolute URL", utils.ErrConfigValidation, c.EntryURL)
	}
	if entry.Scheme != "http" && entry.Scheme != "https" {
		return warnings, fmt.Errorf("%w: entry_url scheme must be http or https, got '%s'", utils.ErrConfigValidation, entry.Scheme)
	}
	c.EntryURL = entry.String()

	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 1")
		c.NumWorkers = 1
	}

	if c.OutputBaseDir == "" {
		warnings = append(warnings, "output_base_dir is empty, defaulting to 'downloads'")
		c.OutputBaseDir = "downloads"
	}

	if c.EnableLedger && c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './harvester_state'")
		c.StateDir = "./harvester_state"
	}

	// Timeouts
	if c.PageLoadTimeout <= 0 {
		warnings = append(warnings, "page_load_timeout should be > 0, defaulting to 10s")
		c.PageLoadTimeout = 10 * time.Second
	}
	if c.AssetWaitTimeout <= 0 {
		warnings = append(warnings, "asset_wait_timeout should be > 0, defaulting to 10s")
		c.AssetWaitTimeout = 10 * time.Second
	}
	if c.ItemTimeout <= 0 {
		warnings = append(warnings, "item_timeout should be > 0, defaulting to 5m")
		c.ItemTimeout = 5 * time.Minute
	}
	if c.ItemTimeout < c.AssetWaitTimeout {
		warnings = append(warnings, fmt.Sprintf(
			"item_timeout (%v) < asset_wait_timeout (%v), raising item_timeout", c.ItemTimeout, c.AssetWaitTimeout))
		c.ItemTimeout = c.AssetWaitTimeout
	}
	if c.ItemCooldown < 0 {
		warnings = append(warnings, "item_cooldown cannot be negative, setting to 0")
		c.ItemCooldown = 0
	}
	if c.GlobalCrawlTimeout < 0 {
		warnings = append(warnings, "global_crawl_timeout cannot be negative, disabling timeout")
		c.GlobalCrawlTimeout = 0
	}

	if c.MaxPages < 0 {
		warnings = append(warnings, "max_pages cannot be negative, setting to 0 (until repeat)")
		c.MaxPages = 0
	}
	if c.PageQueryParam == "" {
		c.PageQueryParam = "page"
	}
	if c.AssetMarker == "" {
		warnings = append(warnings, "asset_marker is empty, any asset URL will be accepted")
	}

	switch c.IdentifierFallback {
	case IdentifierFallbackPosition, IdentifierFallbackContent:
	case "":
		c.IdentifierFallback = IdentifierFallbackPosition
	default:
		return warnings, fmt.Errorf("%w: identifier_fallback must be '%s' or '%s', got '%s'",
			utils.ErrConfigValidation, IdentifierFallbackPosition, IdentifierFallbackContent, c.IdentifierFallback)
	}

	if c.MetadataFilename == "" {
		c.MetadataFilename = "metadata.txt"
	}
	if c.FailureFilename == "" {
		c.FailureFilename = "failed.txt"
	}
	if c.MetadataFilename == c.FailureFilename {
		return warnings, fmt.Errorf("%w: metadata_filename and failure_filename must differ", utils.ErrConfigValidation)
	}

	// Retries (0 keeps the reference behavior: first failure is terminal)
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}
	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}
	if c.DelayPerHost < 0 {
		warnings = append(warnings, "delay_per_host cannot be negative, setting to 0")
		c.DelayPerHost = 0
	}

	c.validateHTTPClientSettings()
	warnings = append(warnings, c.validateSelectors()...)

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
// Asset files can be large, so the overall timeout is generous.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 10 * time.Minute
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 10
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

// validateSelectors fills empty selectors from DefaultSelectors.
func (c *AppConfig) validateSelectors() (warnings []string) {
	s := &c.Selectors
	d := DefaultSelectors()
	fill := func(name string, field *string, def string) {
		if strings.TrimSpace(*field) == "" {
			warnings = append(warnings, fmt.Sprintf("selectors.%s is empty, defaulting to '%s'", name, def))
			*field = def
		}
	}
	fill("card", &s.Card, d.Card)
	fill("asset_source", &s.AssetSource, d.AssetSource)
	fill("title", &s.Title, d.Title)
	fill("date", &s.Date, d.Date)
	fill("speaker", &s.Speaker, d.Speaker)
	fill("series", &s.Series, d.Series)
	// An empty id attribute is allowed: every card then uses the fallback identifier
	return warnings
}
