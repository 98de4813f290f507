// Package browsertest provides an in-memory browser for exercising code that
// drives a browser.Page. Documents are plain selector-to-elements maps; waits
// never block and fail immediately with context.DeadlineExceeded.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"media-harvester/pkg/browser"
)

// Element is a fake DOM node.
type Element struct {
	Attrs map[string]string
	Text  string
	// OnClick, when set, runs against the page's live document.
	OnClick func(doc *Document)
	// ClickErr, when set, is returned by Click instead of running OnClick.
	ClickErr error
}

// NewElement returns an element with the given text and attribute pairs (name, value, ...).
func NewElement(text string, attrs ...string) *Element {
	e := &Element{Text: text, Attrs: make(map[string]string)}
	for i := 0; i+1 < len(attrs); i += 2 {
		e.Attrs[attrs[i]] = attrs[i+1]
	}
	return e
}

// Document is the content served for one URL.
type Document struct {
	HTML     string
	elements map[string][]*Element
}

// NewDocument returns an empty document.
func NewDocument(html string) *Document {
	return &Document{HTML: html, elements: make(map[string][]*Element)}
}

// Add appends elements matched by selector.
func (d *Document) Add(selector string, elems ...*Element) *Document {
	d.elements[selector] = append(d.elements[selector], elems...)
	return d
}

// Set replaces the elements matched by selector.
func (d *Document) Set(selector string, elems ...*Element) *Document {
	d.elements[selector] = append([]*Element(nil), elems...)
	return d
}

// Remove drops every element matched by selector.
func (d *Document) Remove(selector string) {
	delete(d.elements, selector)
}

func (d *Document) clone() *Document {
	c := NewDocument(d.HTML)
	for sel, elems := range d.elements {
		c.elements[sel] = append([]*Element(nil), elems...)
	}
	return c
}

// Site is a set of documents keyed by URL. It implements browser.Session.
type Site struct {
	mu        sync.Mutex
	docs      map[string]*Document
	redirects map[string]string
	visited []string
	pages   int
	closed  bool
}

// NewSite returns an empty site.
func NewSite() *Site {
	return &Site{docs: make(map[string]*Document), redirects: make(map[string]string)}
}

// Redirect makes navigation to from land on to.
func (s *Site) Redirect(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirects[from] = to
}

// Handle registers doc for url. Navigating to an unregistered URL fails.
func (s *Site) Handle(url string, doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[url] = doc
}

// Visited returns every URL navigated to, in order, across all pages.
func (s *Site) Visited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visited...)
}

// PagesOpened reports how many pages NewPage has returned.
func (s *Site) PagesOpened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages
}

// Closed reports whether Close was called.
func (s *Site) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Site) NewPage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages++
	return &Page{site: s}, nil
}

func (s *Site) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// load returns a copy of the document served for url and the URL it landed on.
func (s *Site) load(url string) (*Document, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visited = append(s.visited, url)
	if to, ok := s.redirects[url]; ok {
		url = to
	}
	doc, ok := s.docs[url]
	if !ok {
		return nil, "", fmt.Errorf("net::ERR_NAME_NOT_RESOLVED loading %s", url)
	}
	return doc.clone(), url, nil
}

// Page is a fake tab. Each navigation starts from a fresh copy of the registered
// document, so clicks never leak between visits.
type Page struct {
	site     *Site
	current  *Document
	location string
	closed   bool
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, landed, err := p.site.load(url)
	if err != nil {
		return err
	}
	p.current = doc
	p.location = landed
	return nil
}

func (p *Page) doc() *Document {
	if p.current == nil {
		p.current = NewDocument("")
	}
	return p.current
}

func (p *Page) Location(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.location, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.doc().HTML, nil
}

func (p *Page) WaitPresent(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(p.doc().elements[selector]) == 0 {
		return fmt.Errorf("waiting for %q: %w", selector, context.DeadlineExceeded)
	}
	return nil
}

func (p *Page) QueryAll(ctx context.Context, selector string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matched := p.doc().elements[selector]
	elems := make([]browser.Element, 0, len(matched))
	for _, e := range matched {
		elems = append(elems, &handle{page: p, elem: e})
	}
	return elems, nil
}

func (p *Page) Text(ctx context.Context, selector string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	matched := p.doc().elements[selector]
	if len(matched) == 0 {
		return "", false, nil
	}
	return matched[0].Text, true, nil
}

func (p *Page) WaitAttributeContains(ctx context.Context, selector, attr, substr string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	matched := p.doc().elements[selector]
	if len(matched) > 0 {
		if v, ok := matched[0].Attrs[attr]; ok && strings.Contains(v, substr) {
			return v, nil
		}
	}
	return "", fmt.Errorf("waiting for %s[%s*=%q]: %w", selector, attr, substr, context.DeadlineExceeded)
}

func (p *Page) Close() error {
	p.closed = true
	return nil
}

// Closed reports whether Close was called on the page.
func (p *Page) Closed() bool {
	return p.closed
}

type handle struct {
	page *Page
	elem *Element
}

func (h *handle) Attribute(ctx context.Context, name string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	v, ok := h.elem.Attrs[name]
	return v, ok, nil
}

func (h *handle) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return h.elem.Text, nil
}

func (h *handle) ScrollIntoView(ctx context.Context) error {
	return ctx.Err()
}

func (h *handle) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.elem.ClickErr != nil {
		return h.elem.ClickErr
	}
	if h.elem.OnClick != nil {
		h.elem.OnClick(h.page.doc())
	}
	return nil
}

var (
	_ browser.Session = (*Site)(nil)
	_ browser.Page    = (*Page)(nil)
)
