package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEntryURL is the catalog landing page crawled when no config file overrides it.
const DefaultEntryURL = "https://providencebiblefellowship.com/seminars"

// Identifier fallback modes, used when a card carries no id attribute.
const (
	IdentifierFallbackPosition = "position" // idx-<n>, n = DOM position
	IdentifierFallbackContent  = "content"  // hash of the card text
)

// AppConfig holds the global application configuration
type AppConfig struct {
	EntryURL           string           `yaml:"entry_url"`
	OutputBaseDir      string           `yaml:"output_base_dir"`
	StateDir           string           `yaml:"state_dir"`
	EnableLedger       bool             `yaml:"enable_ledger"`
	NumWorkers         int              `yaml:"num_workers"` // Catalogs crawled at once, one browser tab each
	UserAgent          string           `yaml:"user_agent,omitempty"`
	RespectRobots      bool             `yaml:"respect_robots,omitempty"`
	PageLoadTimeout    time.Duration    `yaml:"page_load_timeout"`  // Wait for the first item card on a listing page
	AssetWaitTimeout   time.Duration    `yaml:"asset_wait_timeout"` // Wait for the player to expose the asset URL
	ItemTimeout        time.Duration    `yaml:"item_timeout"`       // Upper bound for one item, download included
	ItemCooldown       time.Duration    `yaml:"item_cooldown"`      // Pause after every item
	GlobalCrawlTimeout time.Duration    `yaml:"global_crawl_timeout,omitempty"`
	MaxPages           int              `yaml:"max_pages,omitempty"` // 0 = until a repeat page is seen
	PageQueryParam     string           `yaml:"page_query_param"`
	AssetMarker        string           `yaml:"asset_marker"`
	IdentifierFallback string           `yaml:"identifier_fallback"`
	MetadataFilename   string           `yaml:"metadata_filename"`
	FailureFilename    string           `yaml:"failure_filename"`
	MaxRetries         int              `yaml:"max_retries,omitempty"`
	InitialRetryDelay  time.Duration    `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay      time.Duration    `yaml:"max_retry_delay,omitempty"`
	DelayPerHost       time.Duration    `yaml:"delay_per_host,omitempty"`
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	Browser            BrowserConfig    `yaml:"browser,omitempty"`
	Selectors          SelectorConfig   `yaml:"selectors,omitempty"`
}

// HTTPClientConfig holds settings for the shared asset download client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"` // Overall request timeout, body included
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"`
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"` // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`
}

// BrowserConfig controls the headless Chrome session.
type BrowserConfig struct {
	DisableHeadless bool   `yaml:"disable_headless,omitempty"`
	ExecPath        string `yaml:"exec_path,omitempty"` // Empty = let chromedp locate Chrome
	NoSandbox       bool   `yaml:"no_sandbox"`
	WindowWidth     int    `yaml:"window_width,omitempty"`
	WindowHeight    int    `yaml:"window_height,omitempty"`
}

// SelectorConfig names the DOM locations read from listing and player pages.
type SelectorConfig struct {
	Card        string `yaml:"card"`
	CardIDAttr  string `yaml:"card_id_attr"`
	AssetSource string `yaml:"asset_source"`
	Title       string `yaml:"title"`
	Date        string `yaml:"date"`
	Speaker     string `yaml:"speaker"`
	Series      string `yaml:"series"`
}

// Default returns the configuration used when no file is supplied.
// It reproduces the reference crawler: one tab, no retries, 10s waits, 1s cooldown.
func Default() AppConfig {
	return AppConfig{
		EntryURL:           DefaultEntryURL,
		OutputBaseDir:      "downloads",
		StateDir:           "./harvester_state",
		EnableLedger:       true,
		NumWorkers:         1,
		PageLoadTimeout:    10 * time.Second,
		AssetWaitTimeout:   10 * time.Second,
		ItemTimeout:        5 * time.Minute,
		ItemCooldown:       1 * time.Second,
		PageQueryParam:     "page",
		AssetMarker:        ".mp3",
		IdentifierFallback: IdentifierFallbackPosition,
		MetadataFilename:   "metadata.txt",
		FailureFilename:    "failed.txt",
		Browser: BrowserConfig{
			NoSandbox: true,
		},
		Selectors: DefaultSelectors(),
	}
}

// DefaultSelectors returns the selectors of the reference media site.
func DefaultSelectors() SelectorConfig {
	return SelectorConfig{
		Card:        ".media-card",
		CardIDAttr:  "data-id",
		AssetSource: ".media-player video source",
		Title:       ".media-header .media-video-title",
		Date:        ".media-date",
		Speaker:     ".media-speaker",
		Series:      ".media-series",
	}
}

// Load reads a YAML file over the defaults, so a file only needs the keys it changes.
// A missing file is reported with an error wrapping os.ErrNotExist.
func Load(path string) (*AppConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config '%s': %w", path, err)
	}
	return &cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file does not exist.
// The boolean reports whether the file was found.
func LoadOrDefault(path string) (*AppConfig, bool, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		d := Default()
		return &d, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}
