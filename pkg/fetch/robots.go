package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

// RobotsChecker fetches, caches and evaluates robots.txt per host.
// Any failure to obtain a robots.txt allows the URL.
type RobotsChecker struct {
	fetcher       HTTPFetcher
	rateLimiter   *RateLimiter
	userAgent     string
	robotsCache   map[string]*robotstxt.RobotsData // hostname -> parsed data (or nil)
	robotsCacheMu sync.Mutex
	log           *logrus.Entry
}

// NewRobotsChecker creates a RobotsChecker. rateLimiter may be nil.
func NewRobotsChecker(fetcher HTTPFetcher, rateLimiter *RateLimiter, userAgent string, log *logrus.Entry) *RobotsChecker {
	return &RobotsChecker{
		fetcher:     fetcher,
		rateLimiter: rateLimiter,
		userAgent:   userAgent,
		robotsCache: make(map[string]*robotstxt.RobotsData),
		log:         log,
	}
}

// Allowed reports whether the configured user agent may visit targetURL.
func (rc *RobotsChecker) Allowed(ctx context.Context, targetURL *url.URL) bool {
	data := rc.robotsData(ctx, targetURL)
	if data == nil {
		return true
	}
	agent := rc.userAgent
	if agent == "" {
		agent = "*"
	}
	path := targetURL.EscapedPath()
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, agent)
}

// robotsData returns cached or freshly fetched data for the host of targetURL.
// nil means "no usable robots.txt"; that result is cached too.
func (rc *RobotsChecker) robotsData(ctx context.Context, targetURL *url.URL) *robotstxt.RobotsData {
	host := targetURL.Hostname()
	hostLog := rc.log.WithField("host", host)

	rc.robotsCacheMu.Lock()
	data, found := rc.robotsCache[host]
	rc.robotsCacheMu.Unlock()
	if found {
		return data
	}

	data = rc.fetchRobots(ctx, targetURL, hostLog)

	rc.robotsCacheMu.Lock()
	rc.robotsCache[host] = data
	rc.robotsCacheMu.Unlock()
	return data
}

func (rc *RobotsChecker) fetchRobots(ctx context.Context, targetURL *url.URL, hostLog *logrus.Entry) *robotstxt.RobotsData {
	robotsURL := &url.URL{Scheme: targetURL.Scheme, Host: targetURL.Host, Path: "/robots.txt"}
	if robotsURL.Scheme != "http" && robotsURL.Scheme != "https" {
		hostLog.Warnf("Invalid scheme '%s', defaulting to https for robots.txt", robotsURL.Scheme)
		robotsURL.Scheme = "https"
	}
	robotsLog := hostLog.WithField("robots_url", robotsURL.String())
	robotsLog.Info("Fetching robots.txt...")

	if rc.rateLimiter != nil {
		if err := rc.rateLimiter.ApplyDelay(ctx, targetURL.Hostname(), 0); err != nil {
			robotsLog.Warnf("Rate limit wait interrupted: %v", err)
			return nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		robotsLog.Errorf("Error creating request: %v", err)
		return nil
	}
	if rc.userAgent != "" {
		req.Header.Set("User-Agent", rc.userAgent)
	}

	resp, fetchErr := rc.fetcher.FetchWithRetry(ctx, req)
	if rc.rateLimiter != nil {
		rc.rateLimiter.UpdateLastRequestTime(targetURL.Hostname())
	}
	if fetchErr != nil {
		if resp != nil {
			resp.Body.Close()
		}
		robotsLog.Warnf("Fetching robots.txt failed, allowing all: %v", fetchErr)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		robotsLog.Errorf("Error reading body: %v", err)
		return nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		robotsLog.Errorf("Error parsing content: %v", err)
		return nil
	}
	robotsLog.Info("Successfully fetched and parsed robots.txt")
	return data
}
