package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/product-harvester/internal/browser/browsertest"
	"github.com/maltedev/product-harvester/internal/models"
)

var testFields = Fields{
	"title": {
		{Kind: KindText, Selector: "h1[data-pl='product-title']", Wait: true},
		{Kind: KindDocument, Selector: `meta[property="og:title"]`, Attribute: "content"},
	},
	"description": {
		{Kind: KindShadow, Selector: "#product-description > div", Inner: ".product-description"},
		{Kind: KindText, Selector: "#product-description"},
		{Kind: KindText, Selector: "div[data-pl='seo-description']"},
	},
	"gallery": {
		{Kind: KindAttributes, Selector: "div[class*='slider--img'] img", Attribute: "src"},
		{Kind: KindDocument, Selector: `meta[property="og:image"]`, Attribute: "content"},
	},
	"seller_points": {
		{Kind: KindTexts, Selector: "ul.sellpoints li"},
	},
}

func TestExtractPrimaryStrategy(t *testing.T) {
	page := browsertest.NewFakePage()
	page.Texts["h1[data-pl='product-title']"] = "  Wireless   Earbuds  "

	ex := New(page, testFields, time.Second, nil)
	res := ex.Extract(context.Background(), "title")

	assert.False(t, res.Defaulted)
	assert.Equal(t, "Wireless Earbuds", res.Value)
	assert.Equal(t, 0, res.Strategy)
}

func TestExtractFallsBackToDocument(t *testing.T) {
	page := browsertest.NewFakePage()
	page.HTML = `<html><head><meta property="og:title" content="Earbuds from metadata"></head></html>`

	ex := New(page, testFields, time.Second, nil)
	res := ex.Extract(context.Background(), "title")

	assert.False(t, res.Defaulted)
	assert.Equal(t, "Earbuds from metadata", res.Value)
	assert.Equal(t, 1, res.Strategy)
}

func TestExtractShadowThenContainer(t *testing.T) {
	t.Run("shadow content wins", func(t *testing.T) {
		page := browsertest.NewFakePage()
		page.Texts["#product-description"] = "container text"
		page.EvalFunc = func(script string, arg any) (any, error) {
			args := arg.(map[string]any)
			assert.Equal(t, "#product-description > div", args["host"])
			return "shadow text", nil
		}

		res := New(page, testFields, time.Second, nil).Extract(context.Background(), "description")
		assert.Equal(t, "shadow text", res.Value)
		assert.Equal(t, 0, res.Strategy)
	})

	t.Run("script error falls through", func(t *testing.T) {
		page := browsertest.NewFakePage()
		page.Texts["div[data-pl='seo-description']"] = "seo text"
		page.EvalFunc = func(string, any) (any, error) {
			return nil, errors.New("execution context destroyed")
		}

		res := New(page, testFields, time.Second, nil).Extract(context.Background(), "description")
		assert.Equal(t, "seo text", res.Value)
		assert.Equal(t, 2, res.Strategy)
	})

	t.Run("panicking strategy is isolated", func(t *testing.T) {
		page := browsertest.NewFakePage()
		page.Texts["#product-description"] = "container text"
		page.EvalFunc = func(string, any) (any, error) {
			panic("boom")
		}

		res := New(page, testFields, time.Second, nil).Extract(context.Background(), "description")
		assert.Equal(t, "container text", res.Value)
	})
}

func TestExtractAllStrategiesFail(t *testing.T) {
	page := browsertest.NewFakePage()

	ex := New(page, testFields, time.Second, nil)

	res := ex.Extract(context.Background(), "title")
	assert.True(t, res.Defaulted)
	assert.Equal(t, models.Unknown, res.Value)
	assert.Equal(t, -1, res.Strategy)

	res = ex.Extract(context.Background(), "not_configured")
	assert.True(t, res.Defaulted)
	assert.Equal(t, models.Unknown, res.Value)
}

func TestExtractEmptyValueIsFailure(t *testing.T) {
	page := browsertest.NewFakePage()
	page.Texts["h1[data-pl='product-title']"] = "   "
	page.HTML = `<html><head><meta property="og:title" content="Fallback"></head></html>`

	res := New(page, testFields, time.Second, nil).Extract(context.Background(), "title")
	assert.Equal(t, "Fallback", res.Value)
}

func TestExtractList(t *testing.T) {
	t.Run("gallery attributes", func(t *testing.T) {
		page := browsertest.NewFakePage()
		page.AttrLists["div[class*='slider--img'] img"] = map[string][]string{
			"src": {"//img.example.com/1.jpg", "//img.example.com/2.jpg"},
		}

		res := New(page, testFields, time.Second, nil).ExtractList(context.Background(), "gallery")
		assert.False(t, res.Defaulted)
		assert.Equal(t, []string{"//img.example.com/1.jpg", "//img.example.com/2.jpg"}, res.Values)
	})

	t.Run("gallery from metadata", func(t *testing.T) {
		page := browsertest.NewFakePage()
		page.HTML = `<meta property="og:image" content="https://img.example.com/og.jpg">`

		res := New(page, testFields, time.Second, nil).ExtractList(context.Background(), "gallery")
		assert.Equal(t, []string{"https://img.example.com/og.jpg"}, res.Values)
		assert.Equal(t, 1, res.Strategy)
	})

	t.Run("seller points", func(t *testing.T) {
		page := browsertest.NewFakePage()
		page.TextLists["ul.sellpoints li"] = []string{"Long battery", "  ", "Waterproof"}

		res := New(page, testFields, time.Second, nil).ExtractList(context.Background(), "seller_points")
		assert.Equal(t, []string{"Long battery", "Waterproof"}, res.Values)
	})

	t.Run("nothing found", func(t *testing.T) {
		res := New(browsertest.NewFakePage(), testFields, time.Second, nil).ExtractList(context.Background(), "gallery")
		assert.True(t, res.Defaulted)
		assert.Empty(t, res.Values)
	})
}

func TestFirstSuccess(t *testing.T) {
	ctx := context.Background()

	t.Run("first non-empty wins", func(t *testing.T) {
		calls := 0
		attempts := []Attempt[int]{
			func(context.Context) (int, error) { calls++; return 0, errors.New("missing") },
			func(context.Context) (int, error) { calls++; return 0, nil },
			func(context.Context) (int, error) { calls++; return 7, nil },
			func(context.Context) (int, error) { calls++; return 9, nil },
		}

		v, idx, err := FirstSuccess(ctx, attempts, func(v int) bool { return v == 0 })
		require.NoError(t, err)
		assert.Equal(t, 7, v)
		assert.Equal(t, 2, idx)
		assert.Equal(t, 3, calls)
	})

	t.Run("all failing wraps sentinel", func(t *testing.T) {
		attempts := []Attempt[string]{
			func(context.Context) (string, error) { return "", errors.New("a") },
		}

		_, idx, err := FirstSuccess(ctx, attempts, nil)
		assert.ErrorIs(t, err, ErrAllStrategiesFailed)
		assert.Equal(t, -1, idx)
	})

	t.Run("no attempts", func(t *testing.T) {
		_, _, err := FirstSuccess[string](ctx, nil, nil)
		assert.ErrorIs(t, err, ErrAllStrategiesFailed)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, _, err := FirstSuccess(cctx, []Attempt[string]{
			func(context.Context) (string, error) { return "x", nil },
		}, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFieldsValidate(t *testing.T) {
	require.NoError(t, testFields.Validate())

	bad := Fields{"title": {{Kind: KindAttribute, Selector: "img"}}}
	assert.Error(t, bad.Validate())

	bad = Fields{"title": {{Kind: "xpath", Selector: "//h1"}}}
	assert.Error(t, bad.Validate())

	bad = Fields{"title": {}}
	assert.Error(t, bad.Validate())
}
