package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/product-harvester/internal/browser"
	"github.com/maltedev/product-harvester/internal/models"
	"github.com/maltedev/product-harvester/internal/parser"
)

const shadowScript = `(args) => {
	const host = document.querySelector(args.host);
	if (!host || !host.shadowRoot) return '';
	const root = args.inner ? host.shadowRoot.querySelector(args.inner) : host.shadowRoot;
	if (!root) return '';
	return root.innerText || root.textContent || '';
}`

// Result is the outcome of one field. Value is models.Unknown when Defaulted.
type Result struct {
	Field     string
	Value     string
	Strategy  int
	Defaulted bool
}

type ListResult struct {
	Field     string
	Values    []string
	Strategy  int
	Defaulted bool
}

// Extractor reads logical fields from a page using ordered strategies. It
// only reads from the DOM; the HTML snapshot used by document strategies is
// taken once and reused until Refresh.
type Extractor struct {
	page    browser.Page
	fields  Fields
	timeout time.Duration
	logger  *slog.Logger

	snapshot    string
	hasSnapshot bool
}

func New(page browser.Page, fields Fields, timeout time.Duration, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		page:    page,
		fields:  fields,
		timeout: timeout,
		logger:  logger.With("component", "extractor"),
	}
}

// Refresh drops the cached HTML snapshot after the page changed.
func (e *Extractor) Refresh() {
	e.snapshot = ""
	e.hasSnapshot = false
}

func (e *Extractor) Has(field string) bool {
	return len(e.fields[field]) > 0
}

// Extract returns the first non-empty value produced by the field's
// strategies.
func (e *Extractor) Extract(ctx context.Context, field string) Result {
	strategies := e.fields[field]

	attempts := make([]Attempt[string], len(strategies))
	for i, s := range strategies {
		attempts[i] = func(ctx context.Context) (string, error) {
			v, err := e.readOne(s)
			if err != nil {
				return "", err
			}
			return parser.CleanText(v), nil
		}
	}

	value, idx, err := FirstSuccess(ctx, attempts, func(v string) bool { return v == "" })
	if err != nil {
		e.logger.Debug("field defaulted", "field", field, "error", err)
		return Result{Field: field, Value: models.Unknown, Strategy: -1, Defaulted: true}
	}

	if idx > 0 {
		e.logger.Debug("field from fallback strategy", "field", field, "strategy", strategies[idx].String())
	}
	return Result{Field: field, Value: value, Strategy: idx}
}

// ExtractList is Extract for multi-valued fields such as galleries.
func (e *Extractor) ExtractList(ctx context.Context, field string) ListResult {
	strategies := e.fields[field]

	attempts := make([]Attempt[[]string], len(strategies))
	for i, s := range strategies {
		attempts[i] = func(ctx context.Context) ([]string, error) {
			values, err := e.readList(s)
			if err != nil {
				return nil, err
			}
			out := make([]string, 0, len(values))
			for _, v := range values {
				if v = parser.CleanText(v); v != "" {
					out = append(out, v)
				}
			}
			return out, nil
		}
	}

	values, idx, err := FirstSuccess(ctx, attempts, func(v []string) bool { return len(v) == 0 })
	if err != nil {
		e.logger.Debug("list field defaulted", "field", field, "error", err)
		return ListResult{Field: field, Strategy: -1, Defaulted: true}
	}
	return ListResult{Field: field, Values: values, Strategy: idx}
}

func (e *Extractor) readOne(s Strategy) (string, error) {
	if err := e.waitFor(s); err != nil {
		return "", err
	}

	switch s.Kind {
	case KindText:
		return e.page.ReadText(s.Selector)
	case KindAttribute:
		return e.page.ReadAttribute(s.Selector, s.Attribute)
	case KindTexts:
		texts, err := e.page.ReadAllTexts(s.Selector)
		if err != nil {
			return "", err
		}
		return strings.Join(texts, "\n"), nil
	case KindAttributes:
		values, err := e.page.ReadAllAttributes(s.Selector, s.Attribute)
		if err != nil || len(values) == 0 {
			return "", err
		}
		return values[0], nil
	case KindDocument:
		html, err := e.html()
		if err != nil {
			return "", err
		}
		return parser.DocumentValue(html, s.Selector, s.Attribute)
	case KindShadow:
		return e.evaluate(shadowScript, map[string]any{"host": s.Selector, "inner": s.Inner})
	case KindScript:
		return e.evaluate(s.Script, s.Selector)
	}

	return "", fmt.Errorf("unknown strategy kind %q", s.Kind)
}

func (e *Extractor) readList(s Strategy) ([]string, error) {
	switch s.Kind {
	case KindTexts:
		if err := e.waitFor(s); err != nil {
			return nil, err
		}
		return e.page.ReadAllTexts(s.Selector)
	case KindAttributes:
		if err := e.waitFor(s); err != nil {
			return nil, err
		}
		return e.page.ReadAllAttributes(s.Selector, s.Attribute)
	case KindDocument:
		html, err := e.html()
		if err != nil {
			return nil, err
		}
		return parser.DocumentValues(html, s.Selector, s.Attribute)
	}

	v, err := e.readOne(s)
	if err != nil {
		return nil, err
	}
	if s.Kind == KindShadow || s.Kind == KindText {
		return strings.Split(v, "\n"), nil
	}
	return []string{v}, nil
}

func (e *Extractor) waitFor(s Strategy) error {
	if !s.Wait || e.timeout <= 0 {
		return nil
	}
	return e.page.WaitFor(s.Selector, e.timeout)
}

func (e *Extractor) html() (string, error) {
	if e.hasSnapshot {
		return e.snapshot, nil
	}

	html, err := e.page.Content()
	if err != nil {
		return "", err
	}

	e.snapshot = html
	e.hasSnapshot = true
	return html, nil
}

func (e *Extractor) evaluate(script string, arg any) (string, error) {
	result, err := e.page.Evaluate(script, arg)
	if err != nil {
		return "", err
	}

	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}
