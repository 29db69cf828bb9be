// Package browsertest provides in-memory fakes of the browser capability for
// tests of code that drives a session.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"freight_scrooper/browser"
)

// Row is one fake listing row.
type Row struct {
	Fields     map[string]string // selector -> text
	Text       string
	DetailHTML string // empty: the detail surface never appears
	HoverErr   error
	ClickErr   error
	// Sticky rows ignore Escape and need the close control.
	Sticky bool
}

// Session is a scripted browser page.
type Session struct {
	mu sync.Mutex

	Rows           []*Row
	DetailSelector string
	NavigateErr    error
	ProbeErr       error
	QueryErr       error
	ClearErr       error
	// BeforeItem runs before each item hover with the item index.
	BeforeItem func(i int)
	// AfterOpen runs once an item's detail surface has been opened.
	AfterOpen func(i int)

	URL       string
	Navigates int
	Probes    int
	Cleared   int
	Keys      []string
	Closed    bool

	open *Row
}

func NewSession(detailSelector string, rows ...*Row) *Session {
	return &Session{DetailSelector: detailSelector, Rows: rows}
}

// DetailOpen reports whether a detail surface is currently open.
func (s *Session) DetailOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open != nil
}

func (s *Session) Navigate(ctx context.Context, url string, _ browser.WaitCondition, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Navigates++
	s.URL = url
	return s.NavigateErr
}

func (s *Session) QueryItems(ctx context.Context, _ string) ([]browser.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	items := make([]browser.Item, len(s.Rows))
	for i, r := range s.Rows {
		items[i] = &item{s: s, row: r, idx: i}
	}
	return items, nil
}

func (s *Session) SendKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Keys = append(s.Keys, key)
	if key == "Escape" && s.open != nil && !s.open.Sticky {
		s.open = nil
	}
	return nil
}

func (s *Session) WaitFor(ctx context.Context, selector string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if selector == s.DetailSelector && s.open == nil {
		return fmt.Errorf("wait %s: %w", selector, browser.ErrTimeout)
	}
	return nil
}

func (s *Session) WaitGone(ctx context.Context, selector string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if selector == s.DetailSelector && s.open != nil {
		return fmt.Errorf("wait gone %s: %w", selector, browser.ErrTimeout)
	}
	return nil
}

// Click on any selector other than an item closes the open detail surface.
func (s *Session) Click(ctx context.Context, selector string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return fmt.Errorf("%s: %w", selector, browser.ErrNotFound)
	}
	s.open = nil
	return nil
}

func (s *Session) Snapshot(ctx context.Context, selector string, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if selector != s.DetailSelector || s.open == nil {
		return "", fmt.Errorf("%s: %w", selector, browser.ErrNotFound)
	}
	return s.open.DetailHTML, nil
}

func (s *Session) Probe(ctx context.Context, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Probes++
	if s.Closed {
		return browser.ErrClosed
	}
	return s.ProbeErr
}

func (s *Session) ClearState(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Cleared++
	return s.ClearErr
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	s.open = nil
	return nil
}

type item struct {
	s   *Session
	row *Row
	idx int
}

func (it *item) Hover(ctx context.Context, _ time.Duration) error {
	if it.s.BeforeItem != nil {
		it.s.BeforeItem(it.idx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return it.row.HoverErr
}

func (it *item) Click(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if it.row.ClickErr != nil {
		return it.row.ClickErr
	}
	if it.row.DetailHTML != "" {
		it.s.mu.Lock()
		it.s.open = it.row
		it.s.mu.Unlock()
		if it.s.AfterOpen != nil {
			it.s.AfterOpen(it.idx)
		}
	}
	return nil
}

func (it *item) ReadField(ctx context.Context, selector string, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, ok := it.row.Fields[selector]
	if !ok {
		return "", fmt.Errorf("%s: %w", selector, browser.ErrNotFound)
	}
	return v, nil
}

func (it *item) Text(ctx context.Context, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return it.row.Text, nil
}

func (it *item) ScrollIntoView(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// Driver hands out scripted sessions.
type Driver struct {
	mu sync.Mutex

	// Errs is consumed one entry per connect/launch call; nil entries succeed.
	Errs []error
	// NewSession builds the session returned by each successful call.
	NewSession func() *Session

	Connects  int
	Launches  int
	Sessions  []*Session
	Stopped   bool
	Endpoints []string
}

func (d *Driver) next() (*Session, error) {
	if len(d.Errs) > 0 {
		err := d.Errs[0]
		d.Errs = d.Errs[1:]
		if err != nil {
			return nil, err
		}
	}
	var s *Session
	if d.NewSession != nil {
		s = d.NewSession()
	} else {
		s = &Session{}
	}
	d.Sessions = append(d.Sessions, s)
	return s, nil
}

func (d *Driver) ConnectExisting(ctx context.Context, endpoint string) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Connects++
	d.Endpoints = append(d.Endpoints, endpoint)
	s, err := d.next()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (d *Driver) LaunchNew(ctx context.Context, _ browser.LaunchOptions) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Launches++
	s, err := d.next()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Stopped = true
	return nil
}
