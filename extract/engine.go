// Package extract reads listing rows from a live session and turns their
// text into records.
package extract

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"freight_scrooper/browser"
	"freight_scrooper/config"
	"freight_scrooper/identity"
	"freight_scrooper/models"
)

const closeCheckTimeout = 200 * time.Millisecond

var (
	ErrDetailTimeout = errors.New("detail surface did not appear")
	ErrEmptyItem     = errors.New("item has no readable fields")
)

// Summary holds the inline fields of a row.
type Summary struct {
	Origin      string
	Destination string
	Lane        string
	Rate        string
	Company     string
	Age         string
}

func (s Summary) empty() bool {
	return s.Origin == "" && s.Destination == "" && s.Lane == "" && s.Rate == "" && s.Company == ""
}

// Extended holds the detail-surface fields. Available=false means the
// surface could not be read and Reason says why.
type Extended struct {
	Available  bool
	Reason     error
	Identifier string
	Source     models.IdentifierSource
	Contact    *string
}

type BatchResult struct {
	Records   []models.ListingRecord
	ItemsSeen int
	Failures  int
	Skipped   int
}

type Engine struct {
	cfg     config.ExtractConfig
	sel     config.Selectors
	log     *zap.Logger
	limiter *rate.Limiter
	now     func() time.Time
}

func NewEngine(cfg *config.Config, log *zap.Logger) *Engine {
	limit := rate.Inf
	if cfg.Extract.ItemsPerSecond > 0 {
		limit = rate.Limit(cfg.Extract.ItemsPerSecond)
	}
	return &Engine{
		cfg:     cfg.Extract,
		sel:     cfg.Site.Selectors,
		log:     log.With(zap.String("component", "extract")),
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
}

// ExtractBatch walks every item on the page. A failing item is logged and
// skipped; only context cancellation stops the loop, in which case the
// partial batch is returned together with ctx.Err().
func (e *Engine) ExtractBatch(ctx context.Context, sess browser.Session) (BatchResult, error) {
	var res BatchResult

	items, err := sess.QueryItems(ctx, e.sel.Item)
	if err != nil {
		return res, fmt.Errorf("query items: %w", err)
	}
	if e.cfg.MaxItems > 0 && len(items) > e.cfg.MaxItems {
		items = items[:e.cfg.MaxItems]
	}
	e.log.Info("extracting batch", zap.Int("items", len(items)))

	for i, it := range items {
		if err := e.pace(ctx, i); err != nil {
			e.closeDetail(ctx, sess)
			return res, err
		}
		res.ItemsSeen++

		rec, err := e.ExtractItem(ctx, sess, it, i)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				e.closeDetail(ctx, sess)
				e.log.Warn("batch abandoned", zap.Int("item", i), zap.Error(ctxErr))
				return res, ctxErr
			}
			if errors.Is(err, ErrEmptyItem) {
				res.Skipped++
				continue
			}
			res.Failures++
			e.log.Warn("item extraction failed", zap.Int("item", i), zap.Error(err))
			e.closeDetail(ctx, sess)
			continue
		}
		res.Records = append(res.Records, rec)
	}

	e.log.Info("batch extracted",
		zap.Int("seen", res.ItemsSeen),
		zap.Int("records", len(res.Records)),
		zap.Int("failures", res.Failures),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// ExtractItem runs the per-item protocol: hover, read summary, open the
// detail surface, read extended fields, close it and restore the list.
func (e *Engine) ExtractItem(ctx context.Context, sess browser.Session, it browser.Item, idx int) (rec models.ListingRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("item %d: panic: %v", idx, r)
		}
	}()

	if err := it.Hover(ctx, e.cfg.ActionTimeout); err != nil {
		return rec, fmt.Errorf("hover: %w", err)
	}

	sum, err := e.readSummary(ctx, it)
	if err != nil {
		return rec, err
	}
	if sum.empty() {
		return rec, ErrEmptyItem
	}

	ext, err := e.readDetail(ctx, sess, it)
	if err != nil {
		return rec, err
	}
	if !ext.Available && ext.Reason != nil {
		e.log.Debug("extended fields unavailable", zap.Int("item", idx), zap.Error(ext.Reason))
	}

	rec = e.buildRecord(sum, ext)
	if rec.IdentifierSource == "" {
		rowText, _ := it.Text(ctx, e.cfg.FieldTimeout)
		if id, ok := FindGenericIdentifier(rowText); ok {
			rec.Identifier, rec.IdentifierSource = id, models.IdentifierPattern
		} else {
			rec.Identifier, rec.IdentifierSource = identity.SynthesizeID(&rec), models.IdentifierSynthesized
		}
	}

	if err := it.ScrollIntoView(ctx, e.cfg.ActionTimeout); err != nil && ctx.Err() == nil {
		e.log.Debug("restore list position", zap.Int("item", idx), zap.Error(err))
	}
	return rec, ctx.Err()
}

func (e *Engine) readSummary(ctx context.Context, it browser.Item) (Summary, error) {
	var sum Summary
	fields := []struct {
		sel string
		dst *string
	}{
		{e.sel.Origin, &sum.Origin},
		{e.sel.Destination, &sum.Destination},
		{e.sel.Lane, &sum.Lane},
		{e.sel.Rate, &sum.Rate},
		{e.sel.Company, &sum.Company},
		{e.sel.Age, &sum.Age},
	}
	for _, f := range fields {
		if f.sel == "" {
			continue
		}
		text, err := it.ReadField(ctx, f.sel, e.cfg.FieldTimeout)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return sum, ctxErr
			}
			continue
		}
		*f.dst = clean(text)
	}
	return sum, nil
}

func (e *Engine) readDetail(ctx context.Context, sess browser.Session, it browser.Item) (Extended, error) {
	if e.sel.Detail == "" {
		return Extended{}, nil
	}

	if err := it.Click(ctx, e.cfg.ActionTimeout); err != nil {
		return Extended{}, fmt.Errorf("open detail: %w", err)
	}
	defer e.closeDetail(ctx, sess)

	if err := sess.WaitFor(ctx, e.sel.Detail, e.cfg.DetailTimeout); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Extended{}, ctxErr
		}
		return Extended{Reason: fmt.Errorf("%w: %v", ErrDetailTimeout, err)}, nil
	}

	html, err := sess.Snapshot(ctx, e.sel.Detail, e.cfg.ActionTimeout)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Extended{}, ctxErr
		}
		return Extended{Reason: err}, nil
	}
	surface, err := browser.ParseSurface(html)
	if err != nil {
		return Extended{Reason: err}, nil
	}

	ext := Extended{Available: true}
	if id, src, ok := FindIdentifier(surface); ok {
		ext.Identifier, ext.Source = id, src
	}
	if e.cfg.Contact {
		if c, ok := FindContact(surface); ok {
			ext.Contact = &c
		}
	}
	return ext, nil
}

// closeDetail makes sure no detail surface is left open. It runs on a
// detached context so it still works after the run context is cancelled.
func (e *Engine) closeDetail(ctx context.Context, sess browser.Session) {
	if e.sel.Detail == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*e.cfg.ActionTimeout+closeCheckTimeout)
	defer cancel()

	if sess.WaitGone(cctx, e.sel.Detail, closeCheckTimeout) == nil {
		return
	}
	if err := sess.SendKey(cctx, "Escape"); err != nil {
		e.log.Debug("escape key", zap.Error(err))
	}
	if sess.WaitGone(cctx, e.sel.Detail, e.cfg.ActionTimeout) == nil {
		return
	}
	if e.sel.DetailClose != "" {
		if err := sess.Click(cctx, e.sel.DetailClose, e.cfg.ActionTimeout); err != nil {
			e.log.Debug("detail close control", zap.Error(err))
		}
		if sess.WaitGone(cctx, e.sel.Detail, closeCheckTimeout) == nil {
			return
		}
	}
	e.log.Warn("detail surface still open after close attempts")
}

func (e *Engine) buildRecord(sum Summary, ext Extended) models.ListingRecord {
	r := ParseRate(sum.Rate)
	lane := ParseLane(sum.Origin, sum.Destination, sum.Lane)
	if !lane.Split {
		e.log.Debug("lane boundary not found", zap.String("text", lane.Origin))
	}

	return models.ListingRecord{
		Identifier:       ext.Identifier,
		IdentifierSource: ext.Source,
		Origin:           lane.Origin,
		Destination:      lane.Destination,
		RateTotal:        r.Total,
		RatePerMile:      r.PerMile,
		Company:          sum.Company,
		Contact:          ext.Contact,
		AgePosted:        sum.Age,
		ExtractedAt:      e.now().UTC(),
		DetailAvailable:  ext.Available,
	}
}

// pace waits on the limiter and adds a randomized human-like delay before
// every item but the first.
func (e *Engine) pace(ctx context.Context, idx int) error {
	if err := e.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	if idx == 0 || e.cfg.MaxDelayMS <= 0 {
		return ctx.Err()
	}
	delay := e.cfg.MinDelayMS
	if span := e.cfg.MaxDelayMS - e.cfg.MinDelayMS; span > 0 {
		delay += rand.Intn(span)
	}
	t := time.NewTimer(time.Duration(delay) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func clean(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "-" || s == "–" {
		return ""
	}
	return s
}
