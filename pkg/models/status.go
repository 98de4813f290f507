package models

// ItemStatus is the outcome of processing one media item
type ItemStatus string

const (
	ItemStatusUnset       ItemStatus = ""             // Zero value = unset/unknown
	ItemStatusDownloaded  ItemStatus = "downloaded"   // Asset fetched and written
	ItemStatusSkipped     ItemStatus = "skipped"      // Asset file already present
	ItemStatusFetchFailed ItemStatus = "fetch_failed" // Metadata extracted, download failed
	ItemStatusFailed      ItemStatus = "failed"       // Extraction failed, logged to the failure journal
)

// String implements fmt.Stringer for logging
func (s ItemStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemStatusDownloaded, ItemStatusSkipped, ItemStatusFetchFailed, ItemStatusFailed:
		return true
	}
	return false
}

// HasAsset reports whether the asset file exists on disk after this outcome.
func (s ItemStatus) HasAsset() bool {
	return s == ItemStatusDownloaded || s == ItemStatusSkipped
}

// StopReason explains why pagination of a catalog ended
type StopReason string

const (
	StopReasonUnset    StopReason = ""
	StopReasonRepeat   StopReason = "repeat"    // A listing page reused a seen identifier
	StopReasonMaxPages StopReason = "max_pages" // Configured page cap reached
	StopReasonError    StopReason = "error"     // Page load failed, catalog aborted
	StopReasonCanceled StopReason = "canceled"  // Run context cancelled
)

// String implements fmt.Stringer for logging
func (r StopReason) String() string {
	if r == "" {
		return "unset"
	}
	return string(r)
}
