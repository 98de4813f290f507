// Package browser defines the headless browser capability the crawler drives,
// with a chromedp-backed implementation.
package browser

import "context"

// Session owns a running browser. Pages opened from it share the browser process.
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is one browser tab. A Page is not safe for concurrent use; callers give
// each worker its own Page.
type Page interface {
	// Navigate loads url and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// Location returns the URL of the current document, after any redirects.
	Location(ctx context.Context) (string, error)
	// HTML returns the outer HTML of the rendered document.
	HTML(ctx context.Context) (string, error)
	// WaitPresent blocks until at least one element matches selector or ctx ends.
	WaitPresent(ctx context.Context, selector string) error
	// QueryAll returns every element matching selector in document order. No match is not an error.
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	// Text returns the visible text of the first element matching selector.
	// found is false when nothing matches.
	Text(ctx context.Context, selector string) (text string, found bool, err error)
	// WaitAttributeContains blocks until the first element matching selector has
	// attribute attr containing substr, and returns that attribute value.
	WaitAttributeContains(ctx context.Context, selector, attr, substr string) (string, error)
	Close() error
}

// Element is a handle to a DOM node obtained from Page.QueryAll.
type Element interface {
	// Attribute returns the named attribute. ok is false when the attribute is absent.
	Attribute(ctx context.Context, name string) (value string, ok bool, err error)
	Text(ctx context.Context) (string, error)
	ScrollIntoView(ctx context.Context) error
	Click(ctx context.Context) error
}
