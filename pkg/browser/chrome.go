package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"media-harvester/pkg/config"
	"media-harvester/pkg/utils"
)

const (
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36"
	pollInterval     = 100 * time.Millisecond
)

// ChromeSession is a Session backed by a single headless Chrome process.
type ChromeSession struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closeOnce     sync.Once
	log           *logrus.Entry
}

// NewChromeSession launches Chrome. The browser lives until Close is called or
// ctx is cancelled.
func NewChromeSession(ctx context.Context, cfg config.BrowserConfig, userAgent string, log *logrus.Entry) (*ChromeSession, error) {
	if strings.TrimSpace(userAgent) == "" {
		userAgent = defaultUserAgent
	}
	execOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	execOpts = append(execOpts,
		chromedp.Flag("headless", !cfg.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", cfg.NoSandbox),
		chromedp.UserAgent(userAgent),
	)
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		execOpts = append(execOpts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	if cfg.ExecPath != "" {
		execOpts = append(execOpts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, execOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(log.Debugf),
		chromedp.WithErrorf(log.Debugf),
	)

	// Running with no actions starts the browser and its first tab.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("%w: starting chrome: %w", utils.ErrBrowser, err)
	}
	log.WithFields(logrus.Fields{"headless": !cfg.DisableHeadless, "user_agent": userAgent}).Info("Browser session started")

	return &ChromeSession{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		log:           log,
	}, nil
}

// NewPage opens a new tab. ctx only bounds the tab creation.
func (s *ChromeSession) NewPage(ctx context.Context) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	p := &chromePage{ctx: tabCtx, cancel: tabCancel}
	if err := p.run(ctx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("%w: opening tab: %w", utils.ErrBrowser, err)
	}
	return p, nil
}

// Close shuts down every tab and the browser process.
func (s *ChromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.browserCancel()
		s.allocCancel()
		s.log.Info("Browser session closed")
	})
	return nil
}

type chromePage struct {
	ctx    context.Context // chromedp tab context
	cancel context.CancelFunc
}

// run executes actions on the tab while honouring the deadline and cancellation of ctx.
// chromedp needs the tab context, so the caller's context is bridged onto a child of it.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) Location(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (p *chromePage) WaitPresent(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (p *chromePage) QueryAll(ctx context.Context, selector string) ([]Element, error) {
	var nodes []*cdp.Node
	if err := p.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, err
	}
	elems := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		elems = append(elems, &chromeElement{page: p, node: n})
	}
	return elems, nil
}

func (p *chromePage) Text(ctx context.Context, selector string) (string, bool, error) {
	var nodes []*cdp.Node
	if err := p.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return "", false, err
	}
	if len(nodes) == 0 {
		return "", false, nil
	}
	var text string
	if err := p.run(ctx, chromedp.Text([]cdp.NodeID{nodes[0].NodeID}, &text, chromedp.ByNodeID)); err != nil {
		return "", true, err
	}
	return text, true, nil
}

// WaitAttributeContains polls the live DOM rather than a node snapshot, since
// players usually swap the attribute in place after a click.
func (p *chromePage) WaitAttributeContains(ctx context.Context, selector, attr, substr string) (string, error) {
	sel, _ := json.Marshal(selector)
	name, _ := json.Marshal(attr)
	want, _ := json.Marshal(substr)
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return "";
		const v = el.getAttribute(%s) || "";
		return v.includes(%s) ? v : "";
	})()`, sel, name, want)

	var value string
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			if err := chromedp.Evaluate(expr, &value).Do(ctx); err != nil {
				return err
			}
			if value != "" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}))
	if err != nil {
		return "", err
	}
	return value, nil
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

type chromeElement struct {
	page *chromePage
	node *cdp.Node
}

func (e *chromeElement) ids() []cdp.NodeID {
	return []cdp.NodeID{e.node.NodeID}
}

// Attribute reads from the node snapshot taken by QueryAll.
func (e *chromeElement) Attribute(_ context.Context, name string) (string, bool, error) {
	v, ok := e.node.Attribute(name)
	return v, ok, nil
}

func (e *chromeElement) Text(ctx context.Context) (string, error) {
	var text string
	if err := e.page.run(ctx, chromedp.Text(e.ids(), &text, chromedp.ByNodeID)); err != nil {
		return "", err
	}
	return text, nil
}

func (e *chromeElement) ScrollIntoView(ctx context.Context) error {
	return e.page.run(ctx, chromedp.ScrollIntoView(e.ids(), chromedp.ByNodeID))
}

func (e *chromeElement) Click(ctx context.Context) error {
	return e.page.run(ctx, chromedp.Click(e.ids(), chromedp.ByNodeID))
}
