package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"freight_scrooper/browser/browsertest"
	"freight_scrooper/config"
	"freight_scrooper/models"
)

func testEngine(contact bool) (*Engine, *config.Config) {
	cfg := &config.Config{
		Extract: config.ExtractConfig{
			DetailTimeout: 20 * time.Millisecond,
			FieldTimeout:  10 * time.Millisecond,
			ActionTimeout: 10 * time.Millisecond,
			Contact:       contact,
		},
		Site: config.DefaultSite(),
	}
	return NewEngine(cfg, zap.NewNop()), cfg
}

func row(origin, dest, rate, company, detail string) *browsertest.Row {
	return &browsertest.Row{
		Fields: map[string]string{
			".origin":      origin,
			".destination": dest,
			".rate":        rate,
			".company":     company,
			".age":         "5m",
		},
		DetailHTML: detail,
	}
}

func newSession(cfg *config.Config, rows ...*browsertest.Row) *browsertest.Session {
	return browsertest.NewSession(cfg.Site.Selectors.Detail, rows...)
}

func TestExtractBatch_DetailTimeoutDoesNotBlockLaterItems(t *testing.T) {
	e, cfg := testEngine(false)
	sess := newSession(cfg,
		row("Fresno, CA", "Reno, NV", "$1,500", "Acme", ""),
		row("San Leandro, CA", "Loveland, CO", "$2,700$2.17*/mi", "Blue Freight",
			`<div class="expanded-row"><p>Reference #: 78B1234</p><p>Call (555) 123-4567</p></div>`),
	)

	res, err := e.ExtractBatch(context.Background(), sess)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, 2, res.ItemsSeen)
	assert.Zero(t, res.Failures)

	first := res.Records[0]
	assert.False(t, first.DetailAvailable)
	assert.Equal(t, models.IdentifierSynthesized, first.IdentifierSource)
	assert.True(t, strings.HasPrefix(first.Identifier, "SYN-"))
	assert.Equal(t, 1500, *first.RateTotal)
	assert.Nil(t, first.RatePerMile)

	second := res.Records[1]
	assert.True(t, second.DetailAvailable)
	assert.Equal(t, "78B1234", second.Identifier)
	assert.Equal(t, models.IdentifierLabel, second.IdentifierSource)
	assert.Equal(t, "San Leandro, CA", second.Origin)
	assert.Equal(t, "Loveland, CO", second.Destination)
	assert.Equal(t, 2700, *second.RateTotal)
	assert.InDelta(t, 2.17, *second.RatePerMile, 1e-9)
	assert.Equal(t, "Blue Freight", second.Company)
	assert.Nil(t, second.Contact, "contact extraction is off by default")
	assert.False(t, second.ExtractedAt.IsZero())

	assert.False(t, sess.DetailOpen())
}

func TestExtractBatch_ContactWhenEnabled(t *testing.T) {
	e, cfg := testEngine(true)
	sess := newSession(cfg,
		row("Fresno, CA", "Reno, NV", "$1,500", "Acme",
			`<div class="expanded-row"><span>Ref ID</span><span>AB77120</span><p>Email ops@acme.test or (555) 123-4567</p></div>`),
	)

	res, err := e.ExtractBatch(context.Background(), sess)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	require.NotNil(t, rec.Contact)
	assert.Equal(t, "(555) 123-4567", *rec.Contact)
	assert.Equal(t, "AB77120", rec.Identifier)
	assert.Equal(t, models.IdentifierSibling, rec.IdentifierSource)
}

func TestExtractBatch_CombinedLaneCell(t *testing.T) {
	e, cfg := testEngine(false)
	r := &browsertest.Row{Fields: map[string]string{
		".trip": "San Leandro, CALoveland, CO",
		".rate": "$3.05/mi",
	}}
	sess := newSession(cfg, r)

	res, err := e.ExtractBatch(context.Background(), sess)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "San Leandro, CA", res.Records[0].Origin)
	assert.Equal(t, "Loveland, CO", res.Records[0].Destination)
	assert.Nil(t, res.Records[0].RateTotal)
	assert.InDelta(t, 3.05, *res.Records[0].RatePerMile, 1e-9)
}

func TestExtractBatch_StickyDetailUsesCloseControl(t *testing.T) {
	e, cfg := testEngine(false)
	sticky := row("Fresno, CA", "Reno, NV", "$1,500", "Acme", `<div>Reference: 11A1111</div>`)
	sticky.Sticky = true
	sess := newSession(cfg, sticky, row("Reno, NV", "Boise, ID", "$900", "Acme", `<div>Reference: 22B2222</div>`))

	res, err := e.ExtractBatch(context.Background(), sess)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "11A1111", res.Records[0].Identifier)
	assert.Equal(t, "22B2222", res.Records[1].Identifier)
	assert.Contains(t, sess.Keys, "Escape")
	assert.False(t, sess.DetailOpen())
}

func TestExtractBatch_ItemFailuresAreIsolated(t *testing.T) {
	e, cfg := testEngine(false)
	broken := row("Fresno, CA", "Reno, NV", "$1,500", "Acme", "")
	broken.HoverErr = errors.New("element detached")
	empty := &browsertest.Row{}
	sess := newSession(cfg, broken, empty, row("Reno, NV", "Boise, ID", "$900", "Acme", ""))

	res, err := e.ExtractBatch(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ItemsSeen)
	assert.Equal(t, 1, res.Failures)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "Boise, ID", res.Records[0].Destination)
}

func TestExtractBatch_CancelMidItemLeavesNoDetailOpen(t *testing.T) {
	e, cfg := testEngine(false)
	sess := newSession(cfg,
		row("Fresno, CA", "Reno, NV", "$1,500", "Acme", `<div>Reference: 11A1111</div>`),
		row("Reno, NV", "Boise, ID", "$900", "Acme", `<div>Reference: 22B2222</div>`),
		row("Boise, ID", "Butte, MT", "$700", "Acme", `<div>Reference: 33C3333</div>`),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.AfterOpen = func(i int) {
		if i == 1 {
			cancel()
		}
	}

	res, err := e.ExtractBatch(ctx, sess)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "11A1111", res.Records[0].Identifier)
	assert.Equal(t, 2, res.ItemsSeen)
	assert.False(t, sess.DetailOpen())
}

func TestExtractBatch_MaxItems(t *testing.T) {
	e, cfg := testEngine(false)
	cfg.Extract.MaxItems = 1
	e = NewEngine(cfg, zap.NewNop())
	sess := newSession(cfg,
		row("Fresno, CA", "Reno, NV", "$1,500", "Acme", ""),
		row("Reno, NV", "Boise, ID", "$900", "Acme", ""),
	)

	res, err := e.ExtractBatch(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ItemsSeen)
	assert.Len(t, res.Records, 1)
}

func TestExtractBatch_QueryError(t *testing.T) {
	e, cfg := testEngine(false)
	sess := newSession(cfg)
	sess.QueryErr = errors.New("page crashed")

	_, err := e.ExtractBatch(context.Background(), sess)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page crashed")
}

func TestExtractItem_RowTextIdentifierSkipsUnits(t *testing.T) {
	e, cfg := testEngine(false)
	r := row("Fresno, CA", "Reno, NV", "$1,500", "Acme", "")
	r.Text = "Fresno, CA Reno, NV 48ft 40000lbs 12A3456 $1,500"
	sess := newSession(cfg, r)

	res, err := e.ExtractBatch(context.Background(), sess)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "12A3456", res.Records[0].Identifier)
	assert.Equal(t, models.IdentifierPattern, res.Records[0].IdentifierSource)
}

func TestExtractBatch_SynthesizedIdentifierIsStable(t *testing.T) {
	e, cfg := testEngine(false)
	sess := newSession(cfg, row("Fresno, CA", "Reno, NV", "$1,500", "Acme", ""))

	first, err := e.ExtractBatch(context.Background(), sess)
	require.NoError(t, err)
	second, err := e.ExtractBatch(context.Background(), sess)
	require.NoError(t, err)

	require.Len(t, first.Records, 1)
	require.Len(t, second.Records, 1)
	assert.Equal(t, first.Records[0].Identifier, second.Records[0].Identifier)
}
