// Package sku samples the price of every variant combination on a product
// page. It must run right after the page settles: scrolling and lazy
// loading can detach the variant subtree.
package sku

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/product-harvester/internal/browser"
	"github.com/maltedev/product-harvester/internal/extract"
	"github.com/maltedev/product-harvester/internal/models"
	"github.com/maltedev/product-harvester/internal/parser"
	"github.com/maltedev/product-harvester/internal/ratelimit"
)

// Selectors locate variant rows and their options. Option, OptionImage and
// OptionText are scoped to their parent with browser.Within.
type Selectors struct {
	Row             string   `yaml:"row"`
	RowTitle        string   `yaml:"row_title"`
	Option          string   `yaml:"option"`
	OptionImage     string   `yaml:"option_image"`
	OptionText      string   `yaml:"option_text"`
	SelectedClasses []string `yaml:"selected_classes"`
	CurrentPrice    []string `yaml:"current_price"`
	OriginalPrice   []string `yaml:"original_price"`
}

func (s Selectors) RowSelector(row int) string {
	return browser.Nth(s.Row, row)
}

func (s Selectors) OptionSelector(row, option int) string {
	return browser.Nth(browser.Within(s.RowSelector(row), s.Option), option)
}

type Options struct {
	// SettleTimeout bounds the wait for the price to re-render after a click.
	SettleTimeout time.Duration
	PollInterval  time.Duration
	// BetweenActions is the pause after each click.
	BetweenActions ratelimit.Range
	// MaxCombinations caps the sampled combinations; zero means no cap.
	MaxCombinations int
}

func DefaultOptions() Options {
	return Options{
		SettleTimeout:  3 * time.Second,
		PollInterval:   200 * time.Millisecond,
		BetweenActions: ratelimit.Range{Min: 200 * time.Millisecond, Max: 500 * time.Millisecond},
	}
}

// Group is one variant property (a row) with its options in page order.
type Group struct {
	Row     int
	Name    string
	Options []Option
}

type Option struct {
	Index int
	Label string
	Image string
}

type Sampler struct {
	sel    Selectors
	opts   Options
	sleep  func(ctx context.Context, r ratelimit.Range) error
	logger *slog.Logger
}

func NewSampler(sel Selectors, opts Options, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	return &Sampler{
		sel:    sel,
		opts:   opts,
		sleep:  ratelimit.Sleep,
		logger: logger.With("component", "sku_sampler"),
	}
}

// Sample activates every combination and records its price. The result
// follows page order: the first row varies slowest. A combination whose
// price cannot be read gets an unknown price; the rest are still sampled.
func (s *Sampler) Sample(ctx context.Context, page browser.Page) []models.SKUVariant {
	groups := s.Groups(page)
	if len(groups) == 0 {
		return []models.SKUVariant{}
	}

	sizes := make([]int, len(groups))
	for i, g := range groups {
		sizes[i] = len(g.Options)
	}

	combos := Combinations(sizes)
	if s.opts.MaxCombinations > 0 && len(combos) > s.opts.MaxCombinations {
		s.logger.Warn("capping variant combinations", "total", len(combos), "max", s.opts.MaxCombinations)
		combos = combos[:s.opts.MaxCombinations]
	}

	s.logger.Debug("sampling variants", "groups", len(groups), "combinations", len(combos))

	variants := make([]models.SKUVariant, 0, len(combos))
	for i, combo := range combos {
		if ctx.Err() != nil {
			// keep order and length; remaining combinations are unknown
			variants = append(variants, s.unsampled(groups, combo))
			continue
		}

		v := s.sampleOne(ctx, page, groups, combo)
		variants = append(variants, v)

		s.logger.Debug("variant sampled", "index", i, "label", v.VariantLabel, "price", v.Price.Text)
	}

	return variants
}

// Groups reads the variant rows and their labelled options.
func (s *Sampler) Groups(page browser.Page) []Group {
	if s.sel.Row == "" || s.sel.Option == "" {
		return nil
	}

	rows, err := page.Count(s.sel.Row)
	if err != nil || rows == 0 {
		return nil
	}

	var groups []Group
	for r := 0; r < rows; r++ {
		g := Group{Row: r}

		if s.sel.RowTitle != "" {
			if name, err := page.ReadText(browser.Within(s.sel.RowSelector(r), s.sel.RowTitle)); err == nil {
				g.Name = strings.TrimSuffix(parser.CleanText(name), ":")
			}
		}

		n, err := page.Count(browser.Within(s.sel.RowSelector(r), s.sel.Option))
		if err != nil {
			s.logger.Debug("failed to count options", "row", r, "error", err)
			continue
		}

		for o := 0; o < n; o++ {
			opt := s.readOption(page, r, o)
			if opt.Label == "" {
				continue
			}
			g.Options = append(g.Options, opt)
		}

		if len(g.Options) > 0 {
			groups = append(groups, g)
		}
	}
	return groups
}

func (s *Sampler) readOption(page browser.Page, row, index int) Option {
	sel := s.sel.OptionSelector(row, index)
	opt := Option{Index: index}

	if title, err := page.ReadAttribute(sel, "title"); err == nil {
		opt.Label = parser.CleanText(title)
	}
	if opt.Label == "" && s.sel.OptionImage != "" {
		if alt, err := page.ReadAttribute(browser.Within(sel, s.sel.OptionImage), "alt"); err == nil {
			opt.Label = parser.CleanText(alt)
		}
	}
	if opt.Label == "" && s.sel.OptionText != "" {
		if text, err := page.ReadText(browser.Within(sel, s.sel.OptionText)); err == nil {
			opt.Label = parser.CleanText(text)
		}
	}

	if s.sel.OptionImage != "" {
		if src, err := page.ReadAttribute(browser.Within(sel, s.sel.OptionImage), "src"); err == nil {
			opt.Image = parser.CleanImageURL(src)
		}
	}
	return opt
}

func (s *Sampler) sampleOne(ctx context.Context, page browser.Page, groups []Group, combo []int) models.SKUVariant {
	v := s.unsampled(groups, combo)

	before, _ := s.readPrice(ctx, page, s.sel.CurrentPrice)

	for gi, oi := range combo {
		opt := groups[gi].Options[oi]
		sel := s.sel.OptionSelector(groups[gi].Row, opt.Index)

		if s.isSelected(page, sel) {
			continue
		}
		if err := page.Click(sel); err != nil {
			s.logger.Debug("failed to activate option", "label", opt.Label, "error", err)
			return v
		}
		if err := s.sleep(ctx, s.opts.BetweenActions); err != nil {
			return v
		}
	}

	// a click that did not take leaves the previous combination's price on
	// the page
	if !s.activated(page, groups, combo) {
		s.logger.Debug("combination not activated", "label", v.VariantLabel)
		return v
	}

	s.waitForChange(ctx, page, before)

	if text, err := s.readPrice(ctx, page, s.sel.CurrentPrice); err == nil {
		v.Price = parser.PriceFromText(text)
	}
	if text, err := s.readPrice(ctx, page, s.sel.OriginalPrice); err == nil {
		v.OriginalPrice = parser.PriceFromText(text)
	}
	return v
}

// unsampled builds the variant with its label and image but unknown prices.
func (s *Sampler) unsampled(groups []Group, combo []int) models.SKUVariant {
	labels := make([]string, len(combo))
	image := ""
	for gi, oi := range combo {
		opt := groups[gi].Options[oi]
		labels[gi] = opt.Label
		if image == "" {
			image = opt.Image
		}
	}

	return models.SKUVariant{
		VariantLabel:  strings.Join(labels, ", "),
		VariantImage:  image,
		Price:         models.UnknownPrice(),
		OriginalPrice: models.UnknownPrice(),
	}
}

// activated reports whether every option of combo carries a selected class.
// Without configured selected classes there is nothing to verify.
func (s *Sampler) activated(page browser.Page, groups []Group, combo []int) bool {
	if len(s.sel.SelectedClasses) == 0 {
		return true
	}
	for gi, oi := range combo {
		opt := groups[gi].Options[oi]
		if !s.isSelected(page, s.sel.OptionSelector(groups[gi].Row, opt.Index)) {
			return false
		}
	}
	return true
}

func (s *Sampler) isSelected(page browser.Page, sel string) bool {
	class, err := page.ReadAttribute(sel, "class")
	if err != nil {
		return false
	}
	class = strings.ToLower(class)
	for _, c := range s.sel.SelectedClasses {
		if c != "" && strings.Contains(class, strings.ToLower(c)) {
			return true
		}
	}
	return false
}

// waitForChange polls the current price until it differs from before or the
// settle timeout passes. Same-priced variants simply use the full timeout.
func (s *Sampler) waitForChange(ctx context.Context, page browser.Page, before string) {
	if s.opts.SettleTimeout <= 0 {
		return
	}

	deadline := time.Now().Add(s.opts.SettleTimeout)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if text, err := s.readPrice(ctx, page, s.sel.CurrentPrice); err == nil && text != before {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sampler) readPrice(ctx context.Context, page browser.Page, selectors []string) (string, error) {
	attempts := make([]extract.Attempt[string], len(selectors))
	for i, sel := range selectors {
		attempts[i] = func(context.Context) (string, error) {
			text, err := page.ReadText(sel)
			return parser.CleanText(text), err
		}
	}

	text, _, err := extract.FirstSuccess(ctx, attempts, func(v string) bool { return v == "" })
	return text, err
}

// Combinations enumerates the cartesian product of option indexes for groups
// of the given sizes. The last group varies fastest.
func Combinations(sizes []int) [][]int {
	if len(sizes) == 0 {
		return nil
	}
	for _, n := range sizes {
		if n <= 0 {
			return nil
		}
	}

	var out [][]int
	current := make([]int, len(sizes))
	for {
		combo := make([]int, len(current))
		copy(combo, current)
		out = append(out, combo)

		i := len(current) - 1
		for i >= 0 {
			current[i]++
			if current[i] < sizes[i] {
				break
			}
			current[i] = 0
			i--
		}
		if i < 0 {
			return out
		}
	}
}
