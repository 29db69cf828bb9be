package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

const connectTimeout = 30 * time.Second

// PlaywrightDriver starts the playwright runtime lazily and hands out
// sessions backed by Chromium.
type PlaywrightDriver struct {
	mu sync.Mutex
	pw *playwright.Playwright
}

func NewPlaywrightDriver() *PlaywrightDriver {
	return &PlaywrightDriver{}
}

func (d *PlaywrightDriver) ensure() (*playwright.Playwright, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pw != nil {
		return d.pw, nil
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	d.pw = pw
	return pw, nil
}

func (d *PlaywrightDriver) ConnectExisting(ctx context.Context, endpoint string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := d.ensure()
	if err != nil {
		return nil, err
	}

	b, err := pw.Chromium.ConnectOverCDP(endpoint, playwright.BrowserTypeConnectOverCDPOptions{
		Timeout: ms(effectiveTimeout(ctx, connectTimeout)),
	})
	if err != nil {
		return nil, fmt.Errorf("connect over cdp %s: %w", endpoint, err)
	}

	var bctx playwright.BrowserContext
	if contexts := b.Contexts(); len(contexts) > 0 {
		bctx = contexts[0]
	} else if bctx, err = b.NewContext(); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := firstPage(bctx)
	if err != nil {
		b.Close()
		return nil, err
	}
	return &pwSession{browser: b, bctx: bctx, page: page}, nil
}

func (d *PlaywrightDriver) LaunchNew(ctx context.Context, opts LaunchOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := d.ensure()
	if err != nil {
		return nil, err
	}

	args := opts.Args
	if len(args) == 0 {
		args = []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		}
	}
	proxy, err := launchProxy(opts.ProxyURL)
	if err != nil {
		return nil, err
	}
	bctx, err := pw.Chromium.LaunchPersistentContext(opts.UserDataDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     args,
		Proxy:    proxy,
		Timeout:  ms(effectiveTimeout(ctx, connectTimeout)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	page, err := firstPage(bctx)
	if err != nil {
		bctx.Close()
		return nil, err
	}
	return &pwSession{bctx: bctx, page: page}, nil
}

// Stop shuts down the playwright runtime. Sessions must be closed first.
func (d *PlaywrightDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pw == nil {
		return nil
	}
	err := d.pw.Stop()
	d.pw = nil
	return err
}

func firstPage(bctx playwright.BrowserContext) (playwright.Page, error) {
	if pages := bctx.Pages(); len(pages) > 0 {
		return pages[0], nil
	}
	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return page, nil
}

type pwSession struct {
	browser playwright.Browser // nil for launched persistent contexts
	bctx    playwright.BrowserContext
	page    playwright.Page
}

func (s *pwSession) Navigate(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   ms(effectiveTimeout(ctx, timeout)),
		WaitUntil: waitState(wait),
	})
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, translate(err))
	}
	return nil
}

func (s *pwSession) QueryItems(ctx context.Context, selector string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc := s.page.Locator(selector)
	n, err := loc.Count()
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", selector, translate(err))
	}
	items := make([]Item, n)
	for i := 0; i < n; i++ {
		items[i] = pwItem{loc: loc.Nth(i)}
	}
	return items, nil
}

func (s *pwSession) SendKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(s.page.Keyboard().Press(key))
}

func (s *pwSession) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	return s.waitState(ctx, selector, playwright.WaitForSelectorStateVisible, timeout)
}

func (s *pwSession) WaitGone(ctx context.Context, selector string, timeout time.Duration) error {
	return s.waitState(ctx, selector, playwright.WaitForSelectorStateHidden, timeout)
}

func (s *pwSession) waitState(ctx context.Context, selector string, state *playwright.WaitForSelectorState, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   state,
		Timeout: ms(effectiveTimeout(ctx, timeout)),
	})
	if err != nil {
		return fmt.Errorf("wait %s: %w", selector, translate(err))
	}
	return nil
}

func (s *pwSession) Click(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.page.Locator(selector).First().Click(playwright.LocatorClickOptions{
		Timeout: ms(effectiveTimeout(ctx, timeout)),
	})
	return translate(err)
}

func (s *pwSession) Snapshot(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := s.page.Locator(selector).First().InnerHTML(playwright.LocatorInnerHTMLOptions{
		Timeout: ms(effectiveTimeout(ctx, timeout)),
	})
	if err != nil {
		return "", fmt.Errorf("snapshot %s: %w", selector, translate(err))
	}
	return "<div>" + html + "</div>", nil
}

// Probe evaluates a trivial expression; the page API takes no timeout so the
// call is raced against a timer.
func (s *pwSession) Probe(ctx context.Context, timeout time.Duration) error {
	if s.page.IsClosed() {
		return ErrClosed
	}
	if s.browser != nil && !s.browser.IsConnected() {
		return ErrClosed
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.page.Evaluate("() => 1")
		done <- err
	}()

	t := time.NewTimer(effectiveTimeout(ctx, timeout))
	defer t.Stop()
	select {
	case err := <-done:
		return translate(err)
	case <-t.C:
		return fmt.Errorf("probe: %w", ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pwSession) ClearState(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.bctx.ClearCookies(); err != nil {
		return fmt.Errorf("clear cookies: %w", translate(err))
	}
	if err := s.bctx.ClearPermissions(); err != nil {
		return fmt.Errorf("clear permissions: %w", translate(err))
	}
	return nil
}

func (s *pwSession) Close() error {
	if s.browser != nil {
		// disconnects from an attached browser without killing it
		return s.browser.Close()
	}
	return s.bctx.Close()
}

type pwItem struct {
	loc playwright.Locator
}

func (it pwItem) Hover(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(it.loc.Hover(playwright.LocatorHoverOptions{
		Timeout: ms(effectiveTimeout(ctx, timeout)),
	}))
}

func (it pwItem) Click(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(it.loc.Click(playwright.LocatorClickOptions{
		Timeout: ms(effectiveTimeout(ctx, timeout)),
	}))
}

func (it pwItem) ReadField(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	field := it.loc.Locator(selector).First()
	n, err := field.Count()
	if err != nil {
		return "", translate(err)
	}
	if n == 0 {
		return "", fmt.Errorf("%s: %w", selector, ErrNotFound)
	}
	text, err := field.TextContent(playwright.LocatorTextContentOptions{
		Timeout: ms(effectiveTimeout(ctx, timeout)),
	})
	if err != nil {
		return "", fmt.Errorf("read %s: %w", selector, translate(err))
	}
	return text, nil
}

func (it pwItem) Text(ctx context.Context, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := it.loc.InnerText(playwright.LocatorInnerTextOptions{
		Timeout: ms(effectiveTimeout(ctx, timeout)),
	})
	return text, translate(err)
}

func (it pwItem) ScrollIntoView(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(it.loc.ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{
		Timeout: ms(effectiveTimeout(ctx, timeout)),
	}))
}

func waitState(w WaitCondition) *playwright.WaitUntilState {
	switch w {
	case WaitLoad:
		return playwright.WaitUntilStateLoad
	case WaitNetworkIdle:
		return playwright.WaitUntilStateNetworkidle
	default:
		return playwright.WaitUntilStateDomcontentloaded
	}
}

// translate maps playwright errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, playwright.ErrTimeout):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, playwright.ErrTargetClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return err
	}
}

func ms(d time.Duration) *float64 {
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return playwright.Float(float64(d.Milliseconds()))
}

// launchProxy splits credentials out of a proxy URL, which Chromium does not
// accept inline.
func launchProxy(raw string) (*playwright.Proxy, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid proxy url %q", raw)
	}
	p := &playwright.Proxy{Server: u.Scheme + "://" + u.Host}
	if u.User != nil {
		p.Username = playwright.String(u.User.Username())
		if pass, ok := u.User.Password(); ok {
			p.Password = playwright.String(pass)
		}
	}
	return p, nil
}
