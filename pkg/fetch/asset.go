package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"

	"media-harvester/pkg/utils"
)

// AssetFetcher downloads a single media asset to a local file.
type AssetFetcher struct {
	fetcher      HTTPFetcher
	rateLimiter  *RateLimiter // nil disables per-host pacing
	userAgent    string
	delayPerHost time.Duration
	log          *logrus.Entry
}

// NewAssetFetcher creates an AssetFetcher. rateLimiter may be nil.
func NewAssetFetcher(fetcher HTTPFetcher, rateLimiter *RateLimiter, userAgent string, delayPerHost time.Duration, log *logrus.Entry) *AssetFetcher {
	return &AssetFetcher{
		fetcher:      fetcher,
		rateLimiter:  rateLimiter,
		userAgent:    userAgent,
		delayPerHost: delayPerHost,
		log:          log,
	}
}

// Fetch GETs assetURL and writes the body to dest, returning the number of bytes written.
// Only a 200 response creates dest; any other status fails with ErrAssetStatus and leaves
// no file behind. An existing dest is overwritten.
func (af *AssetFetcher) Fetch(ctx context.Context, assetURL, dest string) (int64, error) {
	fetchLog := af.log.WithFields(logrus.Fields{"asset_url": assetURL, "dest": dest})

	parsed, err := url.Parse(assetURL)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid asset URL '%s': %w", utils.ErrParsing, assetURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return 0, fmt.Errorf("%w: unsupported asset URL scheme '%s'", utils.ErrParsing, parsed.Scheme)
	}
	host := parsed.Hostname()

	if af.rateLimiter != nil {
		if err := af.rateLimiter.ApplyDelay(ctx, host, af.delayPerHost); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	if af.userAgent != "" {
		req.Header.Set("User-Agent", af.userAgent)
	}

	resp, err := af.fetcher.FetchWithRetry(ctx, req)
	if af.rateLimiter != nil {
		af.rateLimiter.UpdateLastRequestTime(host)
	}
	if err != nil {
		if resp != nil {
			status := resp.StatusCode
			drainAndClose(resp)
			return 0, fmt.Errorf("%w: status %d: %w", utils.ErrAssetStatus, status, err)
		}
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", utils.ErrAssetStatus, resp.StatusCode)
	}

	n, err := writeAtomically(resp.Body, dest)
	if err != nil {
		return n, err
	}
	fetchLog.WithField("bytes", n).Debug("Asset written")
	return n, nil
}

// writeAtomically streams r into a pending file next to dest and atomically
// replaces dest with it once the body is complete.
func writeAtomically(r io.Reader, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("%w: creating directory for '%s': %w", utils.ErrFilesystem, dest, err)
	}
	pending, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0644))
	if err != nil {
		return 0, fmt.Errorf("%w: creating pending file for '%s': %w", utils.ErrFilesystem, dest, err)
	}
	defer pending.Cleanup() // no-op once replaced

	n, err := io.Copy(pending, r)
	if err != nil {
		return n, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return n, fmt.Errorf("%w: replacing '%s': %w", utils.ErrFilesystem, dest, err)
	}
	return n, nil
}
