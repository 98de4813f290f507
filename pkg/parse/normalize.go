package parse

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizedPath returns the URL path with every trailing slash removed,
// so "/seminars", "/seminars/" and "/seminars//" compare equal. The root path is "/".
func NormalizedPath(u *url.URL) string {
	if u == nil {
		return "/"
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return "/"
	}
	return p
}

// LastPathSegment returns the final non-empty segment of the URL path,
// e.g. "sermons" for "https://example.com/media/sermons/". Returns "" for the root path.
func LastPathSegment(u *url.URL) string {
	trimmed := strings.Trim(u.Path, "/")
	if trimmed == "" {
		return ""
	}
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// PageURL builds the listing URL for a page number. Page 1 is the base URL
// unmodified; later pages get param=<n> merged into the existing query.
func PageURL(base *url.URL, param string, page int) string {
	if page <= 1 {
		return base.String()
	}
	u := *base
	q := u.Query()
	q.Set(param, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}
